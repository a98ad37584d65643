// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package cloudsync

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/fieldline-agent/pkg/cloud"
	"github.com/fieldline/fieldline-agent/pkg/device"
	"github.com/fieldline/fieldline-agent/pkg/events"
	"github.com/fieldline/fieldline-agent/pkg/state"
)

type fakeIdentity struct{ rec device.Record }

func (f *fakeIdentity) Device() (device.Record, error) { return f.rec, nil }

type fakePlane struct {
	target   state.TargetState
	current  state.CurrentState
	setCalls int
}

func (p *fakePlane) SetTarget(ts state.TargetState, _ string) error {
	p.target = ts
	p.setCalls++
	return nil
}
func (p *fakePlane) TargetState() state.TargetState { return p.target }
func (p *fakePlane) CurrentState(context.Context) (state.CurrentState, error) {
	return p.current, nil
}

type fakePublisher struct {
	connected bool
	published map[string][]byte
}

func (f *fakePublisher) IsConnected() bool { return f.connected }
func (f *fakePublisher) PublishQueued(topic string, payload []byte) error {
	if f.published == nil {
		f.published = map[string][]byte{}
	}
	f.published[topic] = payload
	return nil
}

func provisionedIdentity() *fakeIdentity {
	return &fakeIdentity{rec: device.Record{
		UUID:        "u-1",
		DeviceKey:   "secret",
		Provisioned: true,
	}}
}

func newSyncer(t *testing.T, serverURL string, plane *fakePlane, bus *events.Bus) *Syncer {
	t.Helper()
	client := cloud.NewClient(serverURL, 5*time.Second)
	return New(client, provisionedIdentity(), plane, bus, Options{
		PollInterval:   time.Minute,
		ReportInterval: time.Minute,
		Compress:       true,
	})
}

func TestPollOncePartialConfigPreservesSiblings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", "v2")
		w.Write([]byte(`{"u-1": {
			"apps": {},
			"config": {
				"logging": {"level": "debug"},
				"sensors": [{"name": "s1", "type": "modbus-tcp"}, {"name": "s2", "type": "modbus-tcp"}]
			},
			"version": 2
		}}`))
	}))
	defer srv.Close()

	plane := &fakePlane{target: state.TargetState{
		Version: 1,
		Config: state.DeviceConfig{
			Logging:  map[string]interface{}{"level": "info"},
			Sensors:  []state.SensorConfig{{Name: "s1", Type: "modbus-tcp"}},
			Features: map[string]interface{}{"x": true},
			Settings: map[string]interface{}{"tz": "UTC"},
		},
	}}
	s := newSyncer(t, srv.URL, plane, events.NewBus())

	require.NoError(t, s.PollOnce(context.Background()))

	got := plane.target
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "debug", got.Config.Logging["level"])
	assert.Len(t, got.Config.Sensors, 2)
	assert.Equal(t, true, got.Config.Features["x"], "absent features section must be preserved")
	assert.Equal(t, "UTC", got.Config.Settings["tz"], "absent settings section must be preserved")
}

func TestPollOnce304TouchesLastPollOnly(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		if r.Header.Get("If-None-Match") == "abc" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", "abc")
		w.Write([]byte(`{"u-1": {"apps": {}, "config": {}, "version": 1}}`))
	}))
	defer srv.Close()

	plane := &fakePlane{}
	s := newSyncer(t, srv.URL, plane, events.NewBus())

	require.NoError(t, s.PollOnce(context.Background()))
	require.Equal(t, 1, plane.setCalls)
	firstPoll := s.ConnectionHealth().LastPollAt

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.PollOnce(context.Background()))
	assert.Equal(t, 2, polls)
	assert.Equal(t, 1, plane.setCalls, "a 304 must not adopt a new target")

	hc := s.ConnectionHealth()
	assert.True(t, hc.LastPollAt.After(firstPoll), "a 304 still counts as a successful poll")
	assert.Equal(t, StatusConnected, hc.Status)
}

func TestPollOnceAuthRevokedRaisesEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "revoked", http.StatusUnauthorized)
	}))
	defer srv.Close()

	bus := events.NewBus()
	var raised int
	bus.Subscribe(events.AuthRevoked, func(events.Event) { raised++ })

	plane := &fakePlane{target: state.TargetState{Version: 3}}
	s := newSyncer(t, srv.URL, plane, bus)

	require.Error(t, s.PollOnce(context.Background()))
	assert.Equal(t, 1, raised)
	assert.Equal(t, int64(3), plane.TargetState().Version, "last-known target is kept")

	hc := s.ConnectionHealth()
	assert.Equal(t, 1, hc.ConsecutiveFailures)
	assert.False(t, hc.NextAttemptAt.IsZero())
}

func TestPollOnceDeviceUnknownRaisesEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "who?", http.StatusNotFound)
	}))
	defer srv.Close()

	bus := events.NewBus()
	var raised int
	bus.Subscribe(events.DeviceUnknown, func(events.Event) { raised++ })

	s := newSyncer(t, srv.URL, &fakePlane{}, bus)
	require.Error(t, s.PollOnce(context.Background()))
	assert.Equal(t, 1, raised)
}

func TestConnectionHealthDegradesThenGoesOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newSyncer(t, srv.URL, &fakePlane{}, events.NewBus())
	s.markPollSuccess("") // pretend we were connected once

	require.Error(t, s.PollOnce(context.Background()))
	assert.Equal(t, StatusDegraded, s.ConnectionHealth().Status)

	for i := 0; i < offlineThreshold-1; i++ {
		require.Error(t, s.PollOnce(context.Background()))
	}
	assert.Equal(t, StatusOffline, s.ConnectionHealth().Status)
}

func TestReportOnceSendsGzippedSnapshot(t *testing.T) {
	var got cloud.StateReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.NewDecoder(zr).Decode(&got))
	}))
	defer srv.Close()

	plane := &fakePlane{
		target: state.TargetState{Version: 5},
		current: state.CurrentState{"1001": {Services: []state.ServiceState{
			{ServiceName: "web", Status: state.StatusRunning},
		}}},
	}
	s := newSyncer(t, srv.URL, plane, events.NewBus())

	require.NoError(t, s.ReportOnce(context.Background()))
	assert.Equal(t, int64(5), got.Version)
	assert.True(t, got.IsOnline)
	assert.Len(t, got.Apps["1001"].Services, 1)
	assert.False(t, s.ConnectionHealth().LastReportAt.IsZero())
}

func TestReportOnceMirrorsOverMQTT(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	pub := &fakePublisher{connected: true}
	s := newSyncer(t, srv.URL, &fakePlane{}, events.NewBus()).WithMQTT(pub)

	require.NoError(t, s.ReportOnce(context.Background()))
	assert.Contains(t, pub.published, "iot/device/u-1/state")
}

func TestReportOnceMQTTFailureDoesNotSuppressHTTP(t *testing.T) {
	reports := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reports++
	}))
	defer srv.Close()

	s := newSyncer(t, srv.URL, &fakePlane{}, events.NewBus()).WithMQTT(&failingPublisher{})
	require.NoError(t, s.ReportOnce(context.Background()))
	assert.Equal(t, 1, reports)
}

type failingPublisher struct{}

func (failingPublisher) IsConnected() bool { return true }
func (failingPublisher) PublishQueued(string, []byte) error {
	return assert.AnError
}

func TestPollOnceUnprovisionedDeviceRefuses(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
	}))
	defer srv.Close()

	client := cloud.NewClient(srv.URL, time.Second)
	s := New(client, &fakeIdentity{rec: device.Record{UUID: "u-1"}}, &fakePlane{}, events.NewBus(), Options{
		PollInterval: time.Minute, ReportInterval: time.Minute,
	})
	assert.Error(t, s.PollOnce(context.Background()))
	assert.False(t, hit, "unprovisioned device must not reach the cloud")
}

func TestPollBeginsOnceDeviceIsProvisioned(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		w.Header().Set("ETag", "v1")
		w.Write([]byte(`{"u-1": {"apps": {}, "config": {}, "version": 1}}`))
	}))
	defer srv.Close()

	// The coordinator builds the syncer before the device is provisioned;
	// provisioning through the local API must not require a restart.
	identity := &fakeIdentity{rec: device.Record{UUID: "u-1"}}
	plane := &fakePlane{}
	client := cloud.NewClient(srv.URL, time.Second)
	s := New(client, identity, plane, events.NewBus(), Options{
		PollInterval: time.Minute, ReportInterval: time.Minute,
	})

	require.Error(t, s.PollOnce(context.Background()))
	require.Equal(t, 0, polls)
	assert.Equal(t, 0, s.ConnectionHealth().ConsecutiveFailures,
		"a skipped poll is not a cloud failure")

	identity.rec.Provisioned = true
	identity.rec.DeviceKey = "secret"
	require.NoError(t, s.PollOnce(context.Background()))
	assert.Equal(t, 1, polls)
	assert.Equal(t, 1, plane.setCalls)
}

func TestPollIntervalFollowsTargetSettings(t *testing.T) {
	plane := &fakePlane{target: state.TargetState{Config: state.DeviceConfig{
		Settings: map[string]interface{}{"targetStatePollIntervalMs": float64(5000)},
	}}}
	s := New(cloud.NewClient("http://localhost:0", time.Second), provisionedIdentity(), plane, events.NewBus(), Options{
		PollInterval: time.Minute, ReportInterval: time.Minute,
	})
	assert.Equal(t, 5*time.Second, s.pollInterval())
}
