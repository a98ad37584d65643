// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package api serves the local-only HTTP control surface used by operators
// and the CLI subcommands.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/cihub/seelog"
	"github.com/gorilla/mux"

	"github.com/fieldline/fieldline-agent/pkg/cloudsync"
	"github.com/fieldline/fieldline-agent/pkg/device"
	"github.com/fieldline/fieldline-agent/pkg/runtime"
	"github.com/fieldline/fieldline-agent/pkg/state"
	"github.com/fieldline/fieldline-agent/pkg/status/health"
)

// DeviceManager is the provisioning surface the API drives.
type DeviceManager interface {
	Device() (device.Record, error)
	Provisioned() bool
	Provision(ctx context.Context, opts device.ProvisionOptions) error
	Reset() error
	FactoryReset(ctx context.Context) error
}

// AppControl is the reconciler surface the API drives.
type AppControl interface {
	TargetState() state.TargetState
	SetTarget(ts state.TargetState, source string) error
	CurrentState(ctx context.Context) (state.CurrentState, error)
	ApplyTargetState(ctx context.Context) error
	LockApp(appID, holder string, force bool) bool
	UnlockApp(appID, holder string)
}

// ConnectionReporter exposes cloud sync health.
type ConnectionReporter interface {
	ConnectionHealth() cloudsync.ConnectionHealth
}

// Server is the local HTTP API.
type Server struct {
	devices DeviceManager
	apps    AppControl
	rt      runtime.Runtime
	conn    ConnectionReporter
	mem     *memoryMonitor
	restart func()

	httpSrv *http.Server
}

// Options configure the server.
type Options struct {
	// Port to bind on localhost.
	Port int
	// MemoryThresholdMB caps accepted RSS growth over the baseline.
	MemoryThresholdMB int
	// Restart is invoked by POST /v1/restart; the coordinator wires a
	// graceful restart here.
	Restart func()
}

// NewServer wires the API. conn may be nil until cloud sync exists.
func NewServer(devices DeviceManager, apps AppControl, rt runtime.Runtime, conn ConnectionReporter, opts Options) *Server {
	s := &Server{
		devices: devices,
		apps:    apps,
		rt:      rt,
		conn:    conn,
		mem:     newMemoryMonitor(opts.MemoryThresholdMB),
		restart: opts.Restart,
	}
	r := mux.NewRouter()
	r.HandleFunc("/v1/device", s.handleDevice).Methods(http.MethodGet)
	r.HandleFunc("/v1/provision", s.handleProvision).Methods(http.MethodPost)
	r.HandleFunc("/v1/provision/status", s.handleProvisionStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/deprovision", s.handleDeprovision).Methods(http.MethodPost)
	r.HandleFunc("/v1/factory-reset", s.handleFactoryReset).Methods(http.MethodPost)
	r.HandleFunc("/v1/config", s.handleConfigGet).Methods(http.MethodGet)
	r.HandleFunc("/v1/config", s.handleConfigSet).Methods(http.MethodPost)
	r.HandleFunc("/v1/apps/{appId}/start", s.appAction(s.startApp)).Methods(http.MethodPost)
	r.HandleFunc("/v1/apps/{appId}/stop", s.appAction(s.stopApp)).Methods(http.MethodPost)
	r.HandleFunc("/v1/apps/{appId}/restart", s.appAction(s.restartApp)).Methods(http.MethodPost)
	r.HandleFunc("/v1/apps/{appId}/purge", s.appAction(s.purgeApp)).Methods(http.MethodPost)
	r.HandleFunc("/v1/apps/{appId}/info", s.handleAppInfo).Methods(http.MethodGet)
	r.HandleFunc("/v1/restart", s.handleRestart).Methods(http.MethodPost)
	r.HandleFunc("/v1/healthy", s.handleHealthy).Methods(http.MethodGet)
	r.HandleFunc("/v2/connection/health", s.handleConnectionHealth).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", opts.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start binds and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("binding local API on %s: %w", s.httpSrv.Addr, err)
	}
	s.mem.start()
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Local API server stopped: %v", err)
		}
	}()
	log.Infof("Local API listening on %s", s.httpSrv.Addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, format string, args ...interface{}) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	rec, err := s.devices.Device()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "device not initialized: %v", err)
		return
	}
	// Never leak credentials over the local socket.
	rec.DeviceKey = ""
	rec.ProvisioningKey = ""
	rec.BrokerPassword = ""
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProvisioningKey string `json:"provisioningKey"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck
	}
	err := s.devices.Provision(r.Context(), device.ProvisionOptions{ProvisioningKey: body.ProvisioningKey})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"provisioned": true})
	case errors.Is(err, device.ErrNoProvisioningKey):
		writeError(w, http.StatusBadRequest, "%v", err)
	case errors.Is(err, device.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "%v", err)
	default:
		writeError(w, http.StatusBadGateway, "provisioning failed: %v", err)
	}
}

func (s *Server) handleProvisionStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.devices.Device()
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"provisioned": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provisioned": rec.Provisioned,
		"uuid":        rec.UUID,
		"deviceId":    rec.DeviceID,
	})
}

func (s *Server) handleDeprovision(w http.ResponseWriter, r *http.Request) {
	if err := s.devices.Reset(); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deprovisioned"})
}

func (s *Server) handleFactoryReset(w http.ResponseWriter, r *http.Request) {
	if err := s.devices.FactoryReset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "factory-reset"})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.apps.TargetState().Config)
}

// handleConfigSet merges a config subset supplied locally, with the same
// semantics as a cloud update: only present sub-sections replace.
func (s *Server) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	var update state.DeviceConfig
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config body: %v", err)
		return
	}
	target := s.apps.TargetState()
	merged := state.Merge(target, state.TargetState{Apps: target.Apps, Config: update, Version: target.Version})
	if err := s.apps.SetTarget(merged, "local-api"); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, merged.Config)
}

// appAction wraps per-app handlers with lookup and error mapping.
func (s *Server) appAction(fn func(ctx context.Context, appID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appID := mux.Vars(r)["appId"]
		if _, ok := s.apps.TargetState().Apps[appID]; !ok {
			writeError(w, http.StatusNotFound, "unknown app %s", appID)
			return
		}
		if err := fn(r.Context(), appID); err != nil {
			writeError(w, http.StatusInternalServerError, "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "app": appID})
	}
}

func (s *Server) appContainers(ctx context.Context, appID string) ([]runtime.ContainerInfo, error) {
	return s.rt.ListContainers(ctx, map[string]string{
		runtime.LabelManaged: "true",
		runtime.LabelAppID:   appID,
	})
}

func (s *Server) startApp(ctx context.Context, appID string) error {
	infos, err := s.appContainers(ctx, appID)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Status == state.StatusRunning {
			continue
		}
		if err := s.rt.StartContainer(ctx, info.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) stopApp(ctx context.Context, appID string) error {
	infos, err := s.appContainers(ctx, appID)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := s.rt.StopContainer(ctx, info.ID, 10*time.Second); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (s *Server) restartApp(ctx context.Context, appID string) error {
	if err := s.stopApp(ctx, appID); err != nil {
		return err
	}
	return s.startApp(ctx, appID)
}

// purgeApp removes the app's containers and volumes, then lets the
// reconciler recreate everything from the target state.
func (s *Server) purgeApp(ctx context.Context, appID string) error {
	const holder = "local-api"
	if !s.apps.LockApp(appID, holder, false) {
		return fmt.Errorf("app %s is busy", appID)
	}
	defer s.apps.UnlockApp(appID, holder)

	infos, err := s.appContainers(ctx, appID)
	if err != nil {
		return err
	}
	volumes := map[string]bool{}
	for _, info := range infos {
		for _, v := range splitList(info.Labels[runtime.LabelVolumes]) {
			volumes[v] = true
		}
		if err := s.rt.StopContainer(ctx, info.ID, 10*time.Second); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return err
		}
		if err := s.rt.RemoveContainer(ctx, info.ID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return err
		}
	}
	for v := range volumes {
		if err := s.rt.RemoveVolume(ctx, v); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return err
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.apps.ApplyTargetState(ctx); err != nil {
			log.Warnf("Reconcile after purge of %s failed: %v", appID, err)
		}
	}()
	return nil
}

func (s *Server) handleAppInfo(w http.ResponseWriter, r *http.Request) {
	appID := mux.Vars(r)["appId"]
	target, inTarget := s.apps.TargetState().Apps[appID]
	current, err := s.apps.CurrentState(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "%v", err)
		return
	}
	observed, deployed := current[appID]
	if !inTarget && !deployed {
		writeError(w, http.StatusNotFound, "unknown app %s", appID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"appId":   appID,
		"target":  target,
		"current": observed,
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if s.restart == nil {
		writeError(w, http.StatusNotImplemented, "restart not wired")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
	go s.restart()
}

// handleHealthy composes runtime reachability, loop liveness and the memory
// growth check.
func (s *Server) handleHealthy(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "container runtime unreachable: %v", err)
		return
	}
	if unhealthy := health.GetStatus().Unhealthy; len(unhealthy) > 0 {
		writeError(w, http.StatusServiceUnavailable, "unhealthy components: %v", unhealthy)
		return
	}
	if !s.mem.healthy() {
		writeError(w, http.StatusServiceUnavailable, "memory growth above threshold")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleConnectionHealth(w http.ResponseWriter, r *http.Request) {
	if s.conn == nil {
		writeJSON(w, http.StatusOK, cloudsync.ConnectionHealth{Status: cloudsync.StatusOffline})
		return
	}
	writeJSON(w, http.StatusOK, s.conn.ConnectionHealth())
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
