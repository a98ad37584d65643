// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package modbus

import (
	"sort"
	"strings"

	"github.com/fieldline/fieldline-agent/pkg/state"
)

const (
	// maxGroupGap is the largest run of unused registers a batch read may
	// cover between two configured ones.
	maxGroupGap = 2
	// maxGroupSpan is the modbus limit on registers per read.
	maxGroupSpan = 125
)

// readGroup is one batched read covering several configured registers.
type readGroup struct {
	functionCode string
	start        uint16
	quantity     uint16
	registers    []state.RegisterConfig
}

func normalizeFunctionCode(fc string) string {
	if strings.ToLower(fc) == "input" {
		return "input"
	}
	return "holding"
}

// groupRegisters batches contiguous registers per function code. Gaps of up
// to maxGroupGap registers are read over and discarded; a group never
// exceeds maxGroupSpan registers.
func groupRegisters(regs []state.RegisterConfig) []readGroup {
	byFC := map[string][]state.RegisterConfig{}
	for _, r := range regs {
		fc := normalizeFunctionCode(r.FunctionCode)
		byFC[fc] = append(byFC[fc], r)
	}

	fcs := make([]string, 0, len(byFC))
	for fc := range byFC {
		fcs = append(fcs, fc)
	}
	sort.Strings(fcs)

	var groups []readGroup
	for _, fc := range fcs {
		sorted := byFC[fc]
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

		var cur *readGroup
		var curEnd uint16
		for _, r := range sorted {
			width := registerCount(r.DataType)
			regEnd := r.Address + width

			if cur != nil {
				gap := int(r.Address) - int(curEnd)
				span := int(regEnd) - int(cur.start)
				if gap >= 0 && gap <= maxGroupGap && span <= maxGroupSpan {
					cur.registers = append(cur.registers, r)
					if regEnd > curEnd {
						curEnd = regEnd
					}
					cur.quantity = curEnd - cur.start
					continue
				}
				groups = append(groups, *cur)
			}
			cur = &readGroup{
				functionCode: fc,
				start:        r.Address,
				quantity:     width,
				registers:    []state.RegisterConfig{r},
			}
			curEnd = regEnd
		}
		if cur != nil {
			groups = append(groups, *cur)
		}
	}
	return groups
}

// slice extracts one register's bytes from the group's shared buffer.
func (g readGroup) slice(raw []byte, r state.RegisterConfig) []byte {
	offset := int(r.Address-g.start) * 2
	width := int(registerCount(r.DataType)) * 2
	if offset+width > len(raw) {
		return nil
	}
	return raw[offset : offset+width]
}
