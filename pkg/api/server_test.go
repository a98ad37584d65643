// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/fieldline-agent/pkg/cloudsync"
	"github.com/fieldline/fieldline-agent/pkg/device"
	"github.com/fieldline/fieldline-agent/pkg/runtime"
	"github.com/fieldline/fieldline-agent/pkg/state"
)

type fakeDevices struct {
	rec          device.Record
	deviceErr    error
	provisionErr error
	resets       int
	factory      int
}

func (f *fakeDevices) Device() (device.Record, error) { return f.rec, f.deviceErr }
func (f *fakeDevices) Provisioned() bool              { return f.rec.Provisioned }
func (f *fakeDevices) Provision(_ context.Context, opts device.ProvisionOptions) error {
	if f.provisionErr != nil {
		return f.provisionErr
	}
	f.rec.Provisioned = true
	return nil
}
func (f *fakeDevices) Reset() error                         { f.resets++; return nil }
func (f *fakeDevices) FactoryReset(_ context.Context) error { f.factory++; return nil }

type fakeApps struct {
	mu      sync.Mutex
	target  state.TargetState
	current state.CurrentState
	setErr  error
	applies int
	locked  map[string]string
}

func (f *fakeApps) TargetState() state.TargetState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target
}

func (f *fakeApps) SetTarget(ts state.TargetState, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.target = ts
	return nil
}

func (f *fakeApps) CurrentState(context.Context) (state.CurrentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

func (f *fakeApps) ApplyTargetState(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies++
	return nil
}

func (f *fakeApps) LockApp(appID, holder string, force bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked == nil {
		f.locked = map[string]string{}
	}
	if h, ok := f.locked[appID]; ok && h != holder && !force {
		return false
	}
	f.locked[appID] = holder
	return true
}

func (f *fakeApps) UnlockApp(appID, holder string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked[appID] == holder {
		delete(f.locked, appID)
	}
}

func (f *fakeApps) applyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applies
}

type fakeConn struct {
	health cloudsync.ConnectionHealth
}

func (f *fakeConn) ConnectionHealth() cloudsync.ConnectionHealth { return f.health }

func targetWithApp() state.TargetState {
	return state.TargetState{
		Version: 3,
		Apps: map[string]state.App{
			"1001": {
				Name: "web-stack",
				Services: []state.Service{
					{ServiceID: 1, ServiceName: "web", ImageName: "nginx:1.25"},
				},
			},
		},
		Config: state.DeviceConfig{
			Settings: map[string]interface{}{"tz": "UTC"},
			Features: map[string]interface{}{"x": true},
		},
	}
}

func newTestServer(t *testing.T) (*Server, *fakeDevices, *fakeApps, *runtime.Fake) {
	t.Helper()
	devices := &fakeDevices{rec: device.Record{
		UUID:        "uuid-1",
		DeviceID:    "dev-42",
		Provisioned: true,
		DeviceKey:   "secret-key",
	}}
	apps := &fakeApps{target: targetWithApp()}
	rt := runtime.NewFake()
	conn := &fakeConn{health: cloudsync.ConnectionHealth{Status: cloudsync.StatusConnected}}
	return NewServer(devices, apps, rt, conn, Options{Port: 0}), devices, apps, rt
}

func doJSON(t *testing.T, h http.Handler, method, path string, body []byte) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestDeviceEndpointRedactsSecrets(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/v1/device", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "uuid-1", body["uuid"])
	assert.NotContains(t, rec.Body.String(), "secret-key")
}

func TestProvisionStatusAndProvision(t *testing.T) {
	s, devices, _, _ := newTestServer(t)
	devices.rec.Provisioned = false

	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/v1/provision/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["provisioned"])

	rec, _ = doJSON(t, s.Handler(), http.MethodPost, "/v1/provision", []byte(`{"provisioningKey":"K1"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, devices.rec.Provisioned)
}

func TestProvisionErrorMapping(t *testing.T) {
	s, devices, _, _ := newTestServer(t)

	devices.provisionErr = device.ErrNoProvisioningKey
	rec, _ := doJSON(t, s.Handler(), http.MethodPost, "/v1/provision", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	devices.provisionErr = device.ErrUnauthenticated
	rec, _ = doJSON(t, s.Handler(), http.MethodPost, "/v1/provision", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	devices.provisionErr = errors.New("cloud on fire")
	rec, _ = doJSON(t, s.Handler(), http.MethodPost, "/v1/provision", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestDeprovisionAndFactoryReset(t *testing.T) {
	s, devices, _, _ := newTestServer(t)

	rec, _ := doJSON(t, s.Handler(), http.MethodPost, "/v1/deprovision", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, devices.resets)

	rec, _ = doJSON(t, s.Handler(), http.MethodPost, "/v1/factory-reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, devices.factory)
}

func TestConfigGetAndSubsetPost(t *testing.T) {
	s, _, apps, _ := newTestServer(t)

	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/v1/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "settings")

	// Posting only a settings section must leave features untouched.
	rec, _ = doJSON(t, s.Handler(), http.MethodPost, "/v1/config",
		[]byte(`{"settings":{"tz":"Europe/Berlin"}}`))
	require.Equal(t, http.StatusOK, rec.Code)

	got := apps.TargetState().Config
	assert.Equal(t, "Europe/Berlin", got.Settings["tz"])
	assert.Equal(t, true, got.Features["x"], "absent sections preserved")
}

func TestConfigPostRejectsBadBody(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec, _ := doJSON(t, s.Handler(), http.MethodPost, "/v1/config", []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func seedAppContainer(t *testing.T, rt *runtime.Fake, running bool) string {
	t.Helper()
	id, err := rt.CreateContainer(context.Background(), runtime.ContainerSpec{
		Name:  "1001_web",
		Image: "nginx:1.25",
		Labels: map[string]string{
			runtime.LabelManaged: "true",
			runtime.LabelAppID:   "1001",
			runtime.LabelVolumes: "data",
		},
	})
	require.NoError(t, err)
	if running {
		require.NoError(t, rt.StartContainer(context.Background(), id))
	}
	return id
}

func TestAppStartStopRestart(t *testing.T) {
	s, _, _, rt := newTestServer(t)
	id := seedAppContainer(t, rt, false)

	rec, _ := doJSON(t, s.Handler(), http.MethodPost, "/v1/apps/1001/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	infos, _ := rt.ListContainers(context.Background(), nil)
	require.Len(t, infos, 1)
	assert.Equal(t, state.StatusRunning, infos[0].Status)

	rec, _ = doJSON(t, s.Handler(), http.MethodPost, "/v1/apps/1001/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	infos, _ = rt.ListContainers(context.Background(), nil)
	assert.Equal(t, state.StatusStopped, infos[0].Status)

	rec, _ = doJSON(t, s.Handler(), http.MethodPost, "/v1/apps/1001/restart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	infos, _ = rt.ListContainers(context.Background(), nil)
	assert.Equal(t, state.StatusRunning, infos[0].Status)
	assert.Contains(t, rt.Ops, "stop "+id)
}

func TestAppActionUnknownApp(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec, _ := doJSON(t, s.Handler(), http.MethodPost, "/v1/apps/9999/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPurgeRemovesContainersAndVolumes(t *testing.T) {
	s, _, apps, rt := newTestServer(t)
	seedAppContainer(t, rt, true)
	require.NoError(t, rt.CreateVolume(context.Background(), "data"))

	rec, _ := doJSON(t, s.Handler(), http.MethodPost, "/v1/apps/1001/purge", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	infos, _ := rt.ListContainers(context.Background(), nil)
	assert.Empty(t, infos)
	assert.False(t, rt.HasVolume("data"))

	// Purge kicks off a background reconcile to recreate the app.
	assert.Eventually(t, func() bool { return apps.applyCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	apps.mu.Lock()
	defer apps.mu.Unlock()
	assert.Empty(t, apps.locked, "app lock released after purge")
}

func TestPurgeRefusedWhileLocked(t *testing.T) {
	s, _, apps, rt := newTestServer(t)
	seedAppContainer(t, rt, true)
	require.True(t, apps.LockApp("1001", "someone-else", false))

	rec, _ := doJSON(t, s.Handler(), http.MethodPost, "/v1/apps/1001/purge", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	infos, _ := rt.ListContainers(context.Background(), nil)
	assert.Len(t, infos, 1, "nothing removed while another holder owns the lock")
}

func TestAppInfo(t *testing.T) {
	s, _, apps, _ := newTestServer(t)
	apps.current = state.CurrentState{
		"1001": state.AppState{Services: []state.ServiceState{
			{ServiceID: 1, ServiceName: "web", Status: state.StatusRunning},
		}},
	}

	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/v1/apps/1001/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1001", body["appId"])
	assert.Contains(t, body, "target")
	assert.Contains(t, body, "current")

	rec, _ = doJSON(t, s.Handler(), http.MethodGet, "/v1/apps/9999/info", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRestartEndpoint(t *testing.T) {
	restarted := make(chan struct{})
	devices := &fakeDevices{rec: device.Record{Provisioned: true}}
	apps := &fakeApps{target: targetWithApp()}
	s := NewServer(devices, apps, runtime.NewFake(), nil, Options{
		Restart: func() { close(restarted) },
	})

	rec, _ := doJSON(t, s.Handler(), http.MethodPost, "/v1/restart", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("restart callback never invoked")
	}
}

func TestRestartNotWired(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec, _ := doJSON(t, s.Handler(), http.MethodPost, "/v1/restart", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHealthyEndpoint(t *testing.T) {
	s, _, _, rt := newTestServer(t)

	rec, _ := doJSON(t, s.Handler(), http.MethodGet, "/v1/healthy", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rt.Unavailable = true
	rec, _ = doJSON(t, s.Handler(), http.MethodGet, "/v1/healthy", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthyMemoryGrowth(t *testing.T) {
	prev := currentRSS
	t.Cleanup(func() { currentRSS = prev })

	rss := uint64(100 * 1024 * 1024)
	currentRSS = func() (uint64, error) { return rss, nil }

	m := newMemoryMonitor(50)
	m.warmup = 0
	m.start()

	assert.True(t, m.healthy(), "first check records the baseline")
	rss += 40 * 1024 * 1024
	assert.True(t, m.healthy(), "growth below threshold")
	rss += 20 * 1024 * 1024
	assert.False(t, m.healthy(), "growth past threshold")
}

func TestHealthyDuringWarmup(t *testing.T) {
	m := newMemoryMonitor(50)
	m.start()
	assert.True(t, m.healthy(), "always healthy during warm-up")
}

func TestConnectionHealthEndpoint(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/v2/connection/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cloudsync.StatusConnected, body["status"])
}

func TestConnectionHealthWithoutSyncer(t *testing.T) {
	devices := &fakeDevices{}
	apps := &fakeApps{}
	s := NewServer(devices, apps, runtime.NewFake(), nil, Options{})
	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/v2/connection/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cloudsync.StatusOffline, body["status"])
}
