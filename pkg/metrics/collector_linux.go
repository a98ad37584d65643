// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux

package metrics

import (
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
)

var (
	loadAvg        = load.Avg
	diskIOCounters = disk.IOCounters
)

// platformExtras carries the linux-only fields of a snapshot.
type platformExtras struct {
	Load1          float64 `json:"load1,omitempty"`
	Load5          float64 `json:"load5,omitempty"`
	Load15         float64 `json:"load15,omitempty"`
	DiskReadBytes  uint64  `json:"diskReadBytes,omitempty"`
	DiskWriteBytes uint64  `json:"diskWriteBytes,omitempty"`
}

func (s *Snapshot) collectPlatformExtras() {
	if l, err := loadAvg(); err == nil {
		s.Load1 = l.Load1
		s.Load5 = l.Load5
		s.Load15 = l.Load15
	}
	if counters, err := diskIOCounters(); err == nil {
		for _, c := range counters {
			s.DiskReadBytes += c.ReadBytes
			s.DiskWriteBytes += c.WriteBytes
		}
	}
}
