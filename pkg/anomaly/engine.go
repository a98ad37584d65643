// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package anomaly

import (
	"sync"
	"time"

	log "github.com/cihub/seelog"
)

// Metric sources. The source picks the buffer window: system metrics are
// sampled slowly, sensors fast.
const (
	SourceSystem = "system"
	SourceSensor = "sensor"
)

// Config tunes the engine.
type Config struct {
	Enabled      bool
	Sensitivity  float64
	Methods      []string
	SystemWindow int
	SensorWindow int
	Cooldown     time.Duration
	QueueSize    int
}

// DefaultConfig mirrors the agent's configuration defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Sensitivity:  DefaultSensitivity,
		Methods:      []string{MethodZScore, MethodEWMA},
		SystemWindow: 100,
		SensorWindow: 500,
		Cooldown:     DefaultCooldown,
		QueueSize:    200,
	}
}

type metricState struct {
	buf       *StatBuffer
	detectors []Detector
}

// Engine owns one buffer and detector set per metric. Each buffer has a
// single feeding producer, but the metric registry itself is shared, so
// Feed is safe for concurrent use.
type Engine struct {
	cfg    Config
	alerts *Manager

	mu      sync.Mutex
	metrics map[string]*metricState

	notify func(Alert)
}

// NewEngine builds an engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Sensitivity <= 0 {
		cfg.Sensitivity = DefaultSensitivity
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = []string{MethodZScore, MethodEWMA}
	}
	if cfg.SystemWindow <= 0 {
		cfg.SystemWindow = 100
	}
	if cfg.SensorWindow <= 0 {
		cfg.SensorWindow = 500
	}
	return &Engine{
		cfg:     cfg,
		alerts:  NewManager(cfg.Cooldown, cfg.QueueSize),
		metrics: map[string]*metricState{},
	}
}

// OnAlert registers a callback invoked for every newly created alert
// (in-cooldown duplicates do not re-fire). Set before feeding.
func (e *Engine) OnAlert(fn func(Alert)) {
	e.notify = fn
}

// Feed adds one observation and runs the configured detectors. Nothing
// fires before the metric has minSamples observations.
func (e *Engine) Feed(source, metric string, value float64, ts time.Time) {
	if !e.cfg.Enabled {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	e.mu.Lock()
	st := e.stateFor(source, metric)
	sample := Sample{Value: value, Timestamp: ts}

	// Detection runs against the baseline, i.e. before the sample enters
	// the buffer; an outlier must not dilute the statistics it is judged by.
	var results []Result
	if st.buf.Count() >= minSamples {
		for _, d := range st.detectors {
			if r := d.Detect(st.buf, sample); r.IsAnomaly {
				results = append(results, r)
			}
		}
	}
	st.buf.Add(sample)
	e.mu.Unlock()

	for _, r := range results {
		sev := severityFor(r.Confidence, r.Deviation)
		alert, created := e.alerts.Upsert(Alert{
			Fingerprint: Fingerprint(metric, r.Method, sev),
			Source:      source,
			Metric:      metric,
			Method:      r.Method,
			Severity:    sev,
			Value:       value,
			Deviation:   r.Deviation,
			Confidence:  r.Confidence,
			ExpectedMin: r.ExpectedMin,
			ExpectedMax: r.ExpectedMax,
			Message:     r.Message,
			Timestamp:   ts,
		})
		if created {
			log.Infof("Anomaly on %s/%s via %s: %s (severity %s)", source, metric, r.Method, r.Message, sev)
			if e.notify != nil {
				e.notify(*alert)
			}
		}
	}
}

// stateFor lazily builds a metric's buffer and detector set. Callers hold
// e.mu.
func (e *Engine) stateFor(source, metric string) *metricState {
	key := source + ":" + metric
	if st, ok := e.metrics[key]; ok {
		return st
	}
	window := e.cfg.SensorWindow
	if source == SourceSystem {
		window = e.cfg.SystemWindow
	}
	st := &metricState{buf: NewStatBuffer(window)}
	for _, m := range e.cfg.Methods {
		switch m {
		case MethodZScore:
			st.detectors = append(st.detectors, NewZScore(e.cfg.Sensitivity))
		case MethodMAD:
			st.detectors = append(st.detectors, NewMAD(e.cfg.Sensitivity))
		case MethodIQR:
			st.detectors = append(st.detectors, NewIQR(DefaultIQRFactor))
		case MethodRate:
			st.detectors = append(st.detectors, NewRate(DefaultRateLimit))
		case MethodEWMA:
			st.detectors = append(st.detectors, NewEWMA(DefaultEWMAAlpha, e.cfg.Sensitivity))
		default:
			log.Warnf("Unknown anomaly detection method %q ignored", m)
		}
	}
	e.metrics[key] = st
	return st
}

// Summary is what the sync plane attaches to state reports.
type Summary struct {
	Enabled      bool    `json:"enabled"`
	Stats        Stats   `json:"stats"`
	RecentAlerts []Alert `json:"recentAlerts"`
}

// SummaryForReport returns the engine status with at most maxRecent of the
// newest alerts.
func (e *Engine) SummaryForReport(maxRecent int) interface{} {
	if maxRecent <= 0 {
		maxRecent = 10
	}
	stats := e.alerts.stats()
	e.mu.Lock()
	stats.MetricsTracked = len(e.metrics)
	e.mu.Unlock()

	all := e.alerts.Alerts()
	if len(all) > maxRecent {
		all = all[len(all)-maxRecent:]
	}
	return Summary{
		Enabled:      e.cfg.Enabled,
		Stats:        stats,
		RecentAlerts: all,
	}
}

// Alerts exposes the stored alerts, oldest first.
func (e *Engine) Alerts() []Alert {
	return e.alerts.Alerts()
}
