// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"os"
	"sync"
	"time"

	log "github.com/cihub/seelog"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	// memoryWarmup delays the RSS baseline until startup allocation settles.
	memoryWarmup             = 20 * time.Second
	defaultMemoryThresholdMB = 50
)

// currentRSS reports the agent's resident set size. Swapped out by tests.
var currentRSS = func() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// memoryMonitor records a post-warmup RSS baseline and flags unbounded
// growth beyond the configured threshold.
type memoryMonitor struct {
	thresholdBytes uint64
	warmup         time.Duration

	mu        sync.Mutex
	startedAt time.Time
	baseline  uint64
}

func newMemoryMonitor(thresholdMB int) *memoryMonitor {
	if thresholdMB <= 0 {
		thresholdMB = defaultMemoryThresholdMB
	}
	return &memoryMonitor{
		thresholdBytes: uint64(thresholdMB) * 1024 * 1024,
		warmup:         memoryWarmup,
	}
}

func (m *memoryMonitor) start() {
	m.mu.Lock()
	m.startedAt = time.Now()
	m.mu.Unlock()
}

// healthy returns true during warm-up, before the baseline exists, or while
// RSS growth over the baseline stays below the threshold.
func (m *memoryMonitor) healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startedAt.IsZero() || time.Since(m.startedAt) < m.warmup {
		return true
	}
	rss, err := currentRSS()
	if err != nil {
		log.Debugf("RSS probe failed: %v", err)
		return true
	}
	if m.baseline == 0 {
		m.baseline = rss
		return true
	}
	return rss <= m.baseline+m.thresholdBytes
}
