// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package metrics samples host-level system metrics via gopsutil, feeds
// them to the anomaly engine and keeps the latest snapshot for the state
// report.
package metrics

import (
	"sort"
	"sync"
	"time"

	log "github.com/cihub/seelog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/fieldline/fieldline-agent/pkg/anomaly"
	"github.com/fieldline/fieldline-agent/pkg/cloud"
	"github.com/fieldline/fieldline-agent/pkg/status/health"
)

// gopsutil entry points, swapped out by tests.
var (
	cpuPercent          = cpu.Percent
	cpuCounts           = cpu.Counts
	virtualMemory       = mem.VirtualMemory
	diskUsage           = disk.Usage
	hostInfo            = host.Info
	sensorsTemperatures = host.SensorsTemperatures
	netInterfaces       = gopsnet.Interfaces
	listProcesses       = process.Processes

	timeNow = time.Now
)

const (
	interfaceCacheTTL = 30 * time.Second
	topProcessCount   = 5
)

// ProcessInfo is one entry of the top-process list.
type ProcessInfo struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpuPercent"`
	MemPercent float32 `json:"memPercent"`
}

// InterfaceInfo is one network interface with its addresses.
type InterfaceInfo struct {
	Name  string   `json:"name"`
	Addrs []string `json:"addrs,omitempty"`
}

// Snapshot is one complete sample of the host.
type Snapshot struct {
	Hostname       string          `json:"hostname"`
	CPUCores       int             `json:"cpuCores"`
	CPUUsage       float64         `json:"cpuUsage"`
	MemoryUsed     uint64          `json:"memoryUsed"`
	MemoryTotal    uint64          `json:"memoryTotal"`
	MemoryPercent  float64         `json:"memoryPercent"`
	StorageUsed    uint64          `json:"storageUsed"`
	StorageTotal   uint64          `json:"storageTotal"`
	StoragePercent float64         `json:"storagePercent"`
	Uptime         uint64          `json:"uptime"`
	OSVersion      string          `json:"osVersion"`
	Temperature    float64         `json:"temperature,omitempty"`
	TopProcesses   []ProcessInfo   `json:"topProcesses,omitempty"`
	Interfaces     []InterfaceInfo `json:"interfaces,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`

	platformExtras
}

// Collector samples periodically. Hostname and core count are sampled once
// and cached forever; interfaces carry a short TTL. Everything else is
// fresh per tick.
type Collector struct {
	interval time.Duration
	engine   *anomaly.Engine
	diskPath string

	mu   sync.Mutex
	last Snapshot

	hostname string
	cores    int
	hostOnce sync.Once

	ifCache   []InterfaceInfo
	ifCacheAt time.Time

	stop chan struct{}
	done chan struct{}
}

// NewCollector builds a collector. engine may be nil.
func NewCollector(interval time.Duration, engine *anomaly.Engine) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		interval: interval,
		engine:   engine,
		diskPath: "/",
	}
}

// Start launches the sampling loop.
func (c *Collector) Start() {
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run()
	log.Infof("Metrics collector started, interval %s", c.interval)
}

// Stop terminates the sampling loop.
func (c *Collector) Stop() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
	c.stop = nil
}

func (c *Collector) run() {
	defer close(c.done)
	hc := health.RegisterWithCustomTimeout("metrics-collector", 3*c.interval)
	defer health.Deregister(hc) //nolint:errcheck

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			health.Ping(hc) //nolint:errcheck
			c.SampleOnce()
		}
	}
}

// SampleOnce collects one snapshot, feeds the anomaly engine and stores the
// result. Individual probe failures degrade the snapshot, never abort it.
func (c *Collector) SampleOnce() Snapshot {
	now := timeNow()
	snap := Snapshot{Timestamp: now}

	c.hostOnce.Do(func() {
		if info, err := hostInfo(); err == nil {
			c.hostname = info.Hostname
		}
		if n, err := cpuCounts(true); err == nil {
			c.cores = n
		}
	})
	snap.Hostname = c.hostname
	snap.CPUCores = c.cores

	if pct, err := cpuPercent(0, false); err == nil && len(pct) > 0 {
		snap.CPUUsage = pct[0]
	} else if err != nil {
		log.Debugf("CPU sample failed: %v", err)
	}

	if vm, err := virtualMemory(); err == nil {
		snap.MemoryUsed = vm.Used
		snap.MemoryTotal = vm.Total
		snap.MemoryPercent = vm.UsedPercent
	}

	if du, err := diskUsage(c.diskPath); err == nil {
		snap.StorageUsed = du.Used
		snap.StorageTotal = du.Total
		snap.StoragePercent = du.UsedPercent
	}

	if info, err := hostInfo(); err == nil {
		snap.Uptime = info.Uptime
		snap.OSVersion = info.Platform + " " + info.PlatformVersion
	}

	if temps, err := sensorsTemperatures(); err == nil {
		snap.Temperature = primaryTemperature(temps)
	}

	snap.Interfaces = c.interfaces(now)
	snap.TopProcesses = topProcesses()
	snap.collectPlatformExtras()

	c.feedEngine(snap, now)

	c.mu.Lock()
	c.last = snap
	c.mu.Unlock()
	return snap
}

func (c *Collector) feedEngine(snap Snapshot, now time.Time) {
	if c.engine == nil {
		return
	}
	c.engine.Feed(anomaly.SourceSystem, "cpu_usage", snap.CPUUsage, now)
	c.engine.Feed(anomaly.SourceSystem, "memory_percent", snap.MemoryPercent, now)
	c.engine.Feed(anomaly.SourceSystem, "storage_percent", snap.StoragePercent, now)
	if snap.Temperature > 0 {
		c.engine.Feed(anomaly.SourceSystem, "temperature", snap.Temperature, now)
	}
}

// interfaces returns the cached interface list, refreshing past the TTL.
func (c *Collector) interfaces(now time.Time) []InterfaceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ifCache != nil && now.Sub(c.ifCacheAt) < interfaceCacheTTL {
		return c.ifCache
	}
	ifs, err := netInterfaces()
	if err != nil {
		return c.ifCache
	}
	out := make([]InterfaceInfo, 0, len(ifs))
	for _, i := range ifs {
		info := InterfaceInfo{Name: i.Name}
		for _, a := range i.Addrs {
			info.Addrs = append(info.Addrs, a.Addr)
		}
		out = append(out, info)
	}
	c.ifCache = out
	c.ifCacheAt = now
	return out
}

// Snapshot returns the most recent sample.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// FillReport copies the host fields into a cloud state report.
func (c *Collector) FillReport(r *cloud.StateReport) {
	snap := c.Snapshot()
	r.CPUUsage = snap.CPUUsage
	r.MemoryUsage = snap.MemoryUsed
	r.MemoryTotal = snap.MemoryTotal
	r.StorageUsage = snap.StorageUsed
	r.StorageTotal = snap.StorageTotal
	r.Temperature = snap.Temperature
	r.Uptime = snap.Uptime
	if r.OSVersion == "" {
		r.OSVersion = snap.OSVersion
	}
}

// primaryTemperature picks the CPU package sensor when present, otherwise
// the hottest reading.
func primaryTemperature(temps []host.TemperatureStat) float64 {
	var max float64
	for _, t := range temps {
		if t.SensorKey == "coretemp_packageid0" || t.SensorKey == "cpu_thermal" {
			return t.Temperature
		}
		if t.Temperature > max {
			max = t.Temperature
		}
	}
	return max
}

func topProcesses() []ProcessInfo {
	procs, err := listProcesses()
	if err != nil {
		return nil
	}
	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		cpuPct, err := p.CPUPercent()
		if err != nil {
			continue
		}
		name, _ := p.Name()
		memPct, _ := p.MemoryPercent()
		out = append(out, ProcessInfo{PID: p.Pid, Name: name, CPUPercent: cpuPct, MemPercent: memPct})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CPUPercent > out[j].CPUPercent })
	if len(out) > topProcessCount {
		out = out[:topProcessCount]
	}
	return out
}
