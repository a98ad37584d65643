// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package cloudsync owns the two cloud-facing loops: polling the target state
// and reporting the current state. It is the only component that ingests
// target-state documents; everything it learns flows to the reconciler.
package cloudsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/cihub/seelog"

	"github.com/fieldline/fieldline-agent/pkg/cloud"
	"github.com/fieldline/fieldline-agent/pkg/device"
	"github.com/fieldline/fieldline-agent/pkg/events"
	"github.com/fieldline/fieldline-agent/pkg/state"
	"github.com/fieldline/fieldline-agent/pkg/status/health"
	"github.com/fieldline/fieldline-agent/pkg/version"
)

// Identity exposes the provisioned device record.
type Identity interface {
	Device() (device.Record, error)
}

// TargetPlane is the reconciler surface the sync plane drives.
type TargetPlane interface {
	SetTarget(ts state.TargetState, source string) error
	TargetState() state.TargetState
	CurrentState(ctx context.Context) (state.CurrentState, error)
}

// Publisher is the MQTT surface used for the parallel state topic. A nil
// Publisher disables MQTT mirroring.
type Publisher interface {
	IsConnected() bool
	PublishQueued(topic string, payload []byte) error
}

// SystemSampler fills the host-level fields of a state report. A nil sampler
// leaves them zeroed.
type SystemSampler interface {
	FillReport(r *cloud.StateReport)
}

// AnomalySource provides the anomaly summary attached to reports.
type AnomalySource interface {
	SummaryForReport(maxRecent int) interface{}
}

// HealthStatus values exposed by ConnectionHealth.
const (
	StatusConnected = "connected"
	StatusDegraded  = "degraded"
	StatusOffline   = "offline"
)

// offlineThreshold is the consecutive-failure count past which the sync
// plane reports offline rather than degraded.
const offlineThreshold = 4

// ConnectionHealth is the sync plane's self-assessment.
type ConnectionHealth struct {
	Status              string    `json:"status"`
	LastPollAt          time.Time `json:"lastPollAt,omitempty"`
	LastReportAt        time.Time `json:"lastReportAt,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	NextAttemptAt       time.Time `json:"nextAttemptAt,omitempty"`
}

// Options tune the sync plane.
type Options struct {
	PollInterval   time.Duration
	ReportInterval time.Duration
	// Compress enables gzip on report bodies.
	Compress bool
}

// Syncer runs the poll and report loops.
type Syncer struct {
	client   *cloud.Client
	identity Identity
	plane    TargetPlane
	bus      *events.Bus
	mqtt     Publisher
	sampler  SystemSampler
	anomaly  AnomalySource
	opts     Options

	mu           sync.Mutex
	etag         string
	lastPollAt   time.Time
	lastReportAt time.Time
	failures     int
	nextAttempt  time.Time

	pollBackoff *backoff.ExponentialBackOff

	stop chan struct{}
	done sync.WaitGroup
}

// New builds a sync plane. mqtt, sampler and anomaly are optional.
func New(client *cloud.Client, identity Identity, plane TargetPlane, bus *events.Bus, opts Options) *Syncer {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0 // never give up
	b.Reset()
	return &Syncer{
		client:      client,
		identity:    identity,
		plane:       plane,
		bus:         bus,
		opts:        opts,
		pollBackoff: b,
	}
}

// WithMQTT attaches the parallel MQTT state topic.
func (s *Syncer) WithMQTT(p Publisher) *Syncer { s.mqtt = p; return s }

// WithSampler attaches the host metrics sampler.
func (s *Syncer) WithSampler(m SystemSampler) *Syncer { s.sampler = m; return s }

// WithAnomaly attaches the anomaly summary source.
func (s *Syncer) WithAnomaly(a AnomalySource) *Syncer { s.anomaly = a; return s }

// Start launches the poll and report loops.
func (s *Syncer) Start() {
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done.Add(2)
	go s.pollLoop()
	go s.reportLoop()
	log.Infof("Cloud sync started (poll %s, report %s)", s.opts.PollInterval, s.opts.ReportInterval)
}

// Stop terminates both loops and waits for them.
func (s *Syncer) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	s.done.Wait()
	s.stop = nil
	log.Info("Cloud sync stopped")
}

func (s *Syncer) pollLoop() {
	defer s.done.Done()
	hc := health.RegisterWithCustomTimeout("cloudsync-poll", 3*s.opts.PollInterval)
	defer health.Deregister(hc) //nolint:errcheck

	for {
		interval := s.pollInterval()
		select {
		case <-s.stop:
			return
		case <-time.After(interval):
		}
		health.Ping(hc) //nolint:errcheck

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		if err := s.PollOnce(ctx); err != nil {
			log.Warnf("Target state poll failed: %v", err)
		}
		cancel()
	}
}

func (s *Syncer) reportLoop() {
	defer s.done.Done()
	hc := health.RegisterWithCustomTimeout("cloudsync-report", 3*s.opts.ReportInterval)
	defer health.Deregister(hc) //nolint:errcheck

	ticker := time.NewTicker(s.opts.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		health.Ping(hc) //nolint:errcheck

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReportInterval)
		if err := s.ReportOnce(ctx); err != nil {
			log.Warnf("State report failed: %v", err)
		}
		cancel()
	}
}

// pollInterval honors the cadence the target state itself dictates, falling
// back to the configured default.
func (s *Syncer) pollInterval() time.Duration {
	def := int(s.opts.PollInterval / time.Millisecond)
	ms := s.plane.TargetState().Config.SettingInt("targetStatePollIntervalMs", def)
	if ms <= 0 {
		ms = def
	}
	interval := time.Duration(ms) * time.Millisecond

	// During backoff the next attempt waits at least the backoff delay.
	s.mu.Lock()
	next := s.nextAttempt
	s.mu.Unlock()
	if wait := time.Until(next); wait > interval {
		return wait
	}
	return interval
}

// PollOnce fetches the target state once and feeds any change to the
// reconciler. A 304 touches lastPollAt only and never raises an event.
func (s *Syncer) PollOnce(ctx context.Context) error {
	rec, err := s.identity.Device()
	if err != nil {
		return err
	}
	if !rec.Provisioned || rec.DeviceKey == "" {
		return fmt.Errorf("device not provisioned, skipping poll")
	}

	s.mu.Lock()
	etag := s.etag
	s.mu.Unlock()

	doc, newETag, err := s.client.GetTargetState(ctx, rec.UUID, rec.DeviceKey, etag)
	switch {
	case err == nil:
	case cloud.IsNotModified(err):
		s.markPollSuccess(etag)
		return nil
	default:
		s.classifyFailure(err)
		return err
	}

	update := state.TargetState{Apps: doc.Apps, Config: doc.Config, Version: doc.Version}
	merged := state.Merge(s.plane.TargetState(), update)
	if err := s.plane.SetTarget(merged, "cloud"); err != nil {
		// Invalid document: keep the prior target and the old ETag so the
		// next poll retries the fetch.
		s.classifyFailure(err)
		return err
	}
	s.markPollSuccess(newETag)
	return nil
}

// ReportOnce assembles and pushes one state snapshot. Only the most recent
// snapshot matters; there is no report queue.
func (s *Syncer) ReportOnce(ctx context.Context) error {
	rec, err := s.identity.Device()
	if err != nil {
		return err
	}
	if !rec.Provisioned || rec.DeviceKey == "" {
		return fmt.Errorf("device not provisioned, skipping report")
	}

	report, err := s.buildReport(ctx, rec)
	if err != nil {
		return err
	}

	// MQTT mirror runs first and never suppresses the HTTP report.
	if s.mqtt != nil && s.mqtt.IsConnected() {
		if raw, merr := json.Marshal(report); merr == nil {
			topic := fmt.Sprintf("iot/device/%s/state", rec.UUID)
			if perr := s.mqtt.PublishQueued(topic, raw); perr != nil {
				log.Debugf("MQTT state mirror failed: %v", perr)
			}
		}
	}

	if err := s.client.ReportState(ctx, rec.UUID, rec.DeviceKey, report, s.opts.Compress); err != nil {
		s.classifyFailure(err)
		return err
	}

	s.mu.Lock()
	s.lastReportAt = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *Syncer) buildReport(ctx context.Context, rec device.Record) (*cloud.StateReport, error) {
	current, err := s.plane.CurrentState(ctx)
	if err != nil {
		// The runtime being down must not silence reporting: send an empty
		// app map so the cloud still sees the device online.
		log.Warnf("Current state unavailable for report: %v", err)
		current = state.CurrentState{}
	}
	target := s.plane.TargetState()

	report := &cloud.StateReport{
		Apps:         current,
		Config:       target.Config,
		Version:      target.Version,
		IsOnline:     true,
		LocalIP:      localIP(),
		AgentVersion: version.Agent().String(),
	}
	if s.sampler != nil {
		s.sampler.FillReport(report)
	}
	if s.anomaly != nil {
		report.AnomalySummary = s.anomaly.SummaryForReport(10)
	}
	return report, nil
}

// ConnectionHealth reports the sync plane status for the local API.
func (s *Syncer) ConnectionHealth() ConnectionHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := StatusConnected
	switch {
	case s.lastPollAt.IsZero() && s.lastReportAt.IsZero():
		status = StatusOffline
	case s.failures >= offlineThreshold:
		status = StatusOffline
	case s.failures > 0:
		status = StatusDegraded
	}
	return ConnectionHealth{
		Status:              status,
		LastPollAt:          s.lastPollAt,
		LastReportAt:        s.lastReportAt,
		ConsecutiveFailures: s.failures,
		NextAttemptAt:       s.nextAttempt,
	}
}

func (s *Syncer) markPollSuccess(etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.etag = etag
	s.lastPollAt = time.Now()
	s.failures = 0
	s.nextAttempt = time.Time{}
	s.pollBackoff.Reset()
}

// classifyFailure maps an error to its event and backoff consequences. Auth
// and unknown-device errors raise events; the agent keeps operating on its
// last-known target either way.
func (s *Syncer) classifyFailure(err error) {
	switch {
	case cloud.IsAuth(err):
		log.Warnf("Cloud rejected device credentials: %v", err)
		if s.bus != nil {
			s.bus.Publish(events.Event{Type: events.AuthRevoked, Payload: err})
		}
	case cloud.IsDeviceUnknown(err):
		log.Warnf("Cloud does not know this device: %v", err)
		if s.bus != nil {
			s.bus.Publish(events.Event{Type: events.DeviceUnknown, Payload: err})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	delay := s.pollBackoff.NextBackOff()
	if delay == backoff.Stop {
		delay = s.pollBackoff.MaxInterval
	}
	s.nextAttempt = time.Now().Add(delay)
}

// localIP returns the primary non-loopback IPv4 address, best effort.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
