// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package anomaly

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity grades an alert.
type Severity string

// Alert severities.
const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// severityFor derives severity from detector confidence and deviation.
func severityFor(confidence, deviation float64) Severity {
	switch {
	case confidence >= 0.85 || deviation >= 5:
		return SeverityCritical
	case confidence >= 0.7 || deviation >= 3:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Fingerprint is the deduplication key for an alert stream.
func Fingerprint(metric, method string, severity Severity) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%s:%s", metric, method, severity) //nolint:errcheck
	return fmt.Sprintf("%016x", h.Sum64())
}

// Alert is one deduplicated anomaly record.
type Alert struct {
	ID           string    `json:"id"`
	Fingerprint  string    `json:"fingerprint"`
	Source       string    `json:"source"`
	Metric       string    `json:"metric"`
	Method       string    `json:"method"`
	Severity     Severity  `json:"severity"`
	Value        float64   `json:"value"`
	Deviation    float64   `json:"deviation"`
	Confidence   float64   `json:"confidence"`
	ExpectedMin  float64   `json:"expectedMin"`
	ExpectedMax  float64   `json:"expectedMax"`
	Message      string    `json:"message,omitempty"`
	Count        int       `json:"count"`
	FirstSeen    time.Time `json:"firstSeen"`
	Timestamp    time.Time `json:"timestamp"`
	RecentValues []float64 `json:"recentValues,omitempty"`
}

const maxRecentValues = 20

// DefaultCooldown is the dedup window for repeated alerts.
const DefaultCooldown = 5 * time.Minute

// Manager stores alerts keyed by fingerprint. Within the cooldown a repeat
// updates the existing record; the queue is bounded and evicts oldest.
type Manager struct {
	cooldown time.Duration
	maxQueue int

	mu            sync.Mutex
	byFingerprint map[string]*Alert
	queue         []*Alert
}

// NewManager builds an alert manager.
func NewManager(cooldown time.Duration, maxQueue int) *Manager {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if maxQueue <= 0 {
		maxQueue = 200
	}
	return &Manager{
		cooldown:      cooldown,
		maxQueue:      maxQueue,
		byFingerprint: map[string]*Alert{},
	}
}

// Upsert records an anomaly. It returns the alert and whether a new record
// was created (false means an in-cooldown duplicate was updated).
func (m *Manager) Upsert(a Alert) (*Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := a.Timestamp
	if existing, ok := m.byFingerprint[a.Fingerprint]; ok && now.Sub(existing.Timestamp) < m.cooldown {
		existing.Count++
		existing.Timestamp = now
		existing.Value = a.Value
		existing.Deviation = a.Deviation
		existing.Confidence = a.Confidence
		existing.RecentValues = append(existing.RecentValues, a.Value)
		if len(existing.RecentValues) > maxRecentValues {
			existing.RecentValues = existing.RecentValues[len(existing.RecentValues)-maxRecentValues:]
		}
		return existing, false
	}

	a.ID = uuid.NewString()
	a.Count = 1
	a.FirstSeen = now
	a.RecentValues = []float64{a.Value}
	rec := &a
	m.byFingerprint[a.Fingerprint] = rec
	m.queue = append(m.queue, rec)
	if len(m.queue) > m.maxQueue {
		evicted := m.queue[0]
		m.queue = m.queue[1:]
		if m.byFingerprint[evicted.Fingerprint] == evicted {
			delete(m.byFingerprint, evicted.Fingerprint)
		}
	}
	return rec, true
}

// Alerts returns a copy of the queue, oldest first.
func (m *Manager) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.queue))
	for i, a := range m.queue {
		out[i] = *a
	}
	return out
}

// Stats aggregates severity counts over the stored alerts.
type Stats struct {
	MetricsTracked int `json:"metricsTracked"`
	TotalAlerts    int `json:"totalAlerts"`
	CriticalCount  int `json:"criticalCount"`
	WarningCount   int `json:"warningCount"`
	InfoCount      int `json:"infoCount"`
}

func (m *Manager) stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{TotalAlerts: len(m.queue)}
	for _, a := range m.queue {
		switch a.Severity {
		case SeverityCritical:
			s.CriticalCount++
		case SeverityWarning:
			s.WarningCount++
		default:
			s.InfoCount++
		}
	}
	return s
}
