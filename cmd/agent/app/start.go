// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/cihub/seelog"
	"github.com/spf13/cobra"

	"github.com/fieldline/fieldline-agent/pkg/anomaly"
	"github.com/fieldline/fieldline-agent/pkg/api"
	"github.com/fieldline/fieldline-agent/pkg/cloud"
	"github.com/fieldline/fieldline-agent/pkg/cloudsync"
	"github.com/fieldline/fieldline-agent/pkg/config"
	"github.com/fieldline/fieldline-agent/pkg/device"
	"github.com/fieldline/fieldline-agent/pkg/events"
	"github.com/fieldline/fieldline-agent/pkg/metrics"
	"github.com/fieldline/fieldline-agent/pkg/modbus"
	"github.com/fieldline/fieldline-agent/pkg/mqtt"
	"github.com/fieldline/fieldline-agent/pkg/reconciler"
	"github.com/fieldline/fieldline-agent/pkg/runtime"
	"github.com/fieldline/fieldline-agent/pkg/state"
	"github.com/fieldline/fieldline-agent/pkg/store"
	"github.com/fieldline/fieldline-agent/pkg/version"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Fieldline Agent",
	Long:  `Runs the agent in the foreground`,
	RunE:  start,
}

func init() {
	AgentCmd.AddCommand(startCmd)
}

func start(*cobra.Command, []string) error {
	if err := setupConfig(); err != nil {
		return err
	}
	cfg := config.Fieldline
	if err := config.SetupLogger(cfg.GetString("log_level"), cfg.GetString("log_file"), cfg.GetBool("log_to_console")); err != nil {
		return fmt.Errorf("setting up logger: %w", err)
	}
	defer log.Flush()
	log.Infof("Starting Fieldline Agent %s", version.Agent())

	st, err := store.Open(cfg.GetString("db_path"))
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	// Identity first: everything downstream needs the uuid and credentials.
	var cloudClient *cloud.Client
	var cloudAPI device.CloudAPI
	endpoint := cfg.GetString("api_endpoint")
	if endpoint != "" {
		cloudClient = cloud.NewClient(endpoint, cfg.GetDuration("cloud_http_timeout"))
		cloudAPI = cloudClient
	}
	devices := device.NewManager(st, cloudAPI, nil)
	if err := devices.Initialize(); err != nil {
		return err
	}
	if err := devices.UpdateAgentVersion(version.Agent().String()); err != nil {
		log.Warnf("Could not record agent version: %v", err)
	}

	if !devices.Provisioned() && cloudClient != nil && cfg.GetString("provisioning_key") != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := devices.Provision(ctx, device.ProvisionOptions{
			ProvisioningKey: cfg.GetString("provisioning_key"),
			DeviceName:      cfg.GetString("device_name"),
			DeviceType:      cfg.GetString("device_type"),
			ApplicationID:   cfg.GetString("application_id"),
			APIEndpoint:     endpoint,
			AgentVersion:    version.Agent().String(),
		})
		cancel()
		if err != nil {
			log.Warnf("Provisioning attempt failed, continuing unprovisioned: %v", err)
		}
	}
	if cfg.GetBool("require_provisioning") && !devices.Provisioned() {
		return fmt.Errorf("require_provisioning is set and the device is not provisioned")
	}
	rec, err := devices.Device()
	if err != nil {
		return err
	}

	bus := events.NewBus()

	rt, err := runtime.NewDockerRuntime()
	if err != nil {
		return fmt.Errorf("initializing container runtime: %w", err)
	}
	workloads, err := reconciler.New(rt, st, bus, reconciler.Options{
		KeepImages:  cfg.GetBool("runtime.keep_images"),
		KeepVolumes: cfg.GetBool("runtime.keep_volumes"),
	}, cfg.GetDuration("runtime.stop_timeout"))
	if err != nil {
		return fmt.Errorf("initializing reconciler: %w", err)
	}

	// MQTT credentials come from provisioning; the config file can override
	// for local-mode setups.
	brokerURL := rec.BrokerURL
	if brokerURL == "" {
		brokerURL = cfg.GetString("mqtt.broker_url")
	}
	var broker *mqtt.Client
	if brokerURL != "" {
		broker = mqtt.NewClient(mqtt.Options{
			BrokerURL:         brokerURL,
			ClientID:          "fieldline-agent-" + rec.UUID,
			Username:          rec.BrokerUsername,
			Password:          rec.BrokerPassword,
			CACertPath:        rec.BrokerCACert,
			VerifyCertificate: rec.BrokerVerifyCert,
			QueueSize:         cfg.GetInt("mqtt.queue_size"),
		})
		broker.Start()
	}

	engine := anomaly.NewEngine(anomaly.Config{
		Enabled:      cfg.GetBool("anomaly_detection.enabled"),
		Sensitivity:  cfg.GetFloat64("anomaly_detection.sensitivity"),
		Methods:      cfg.GetStringSlice("anomaly_detection.methods"),
		SystemWindow: cfg.GetInt("anomaly_detection.window_size"),
		SensorWindow: cfg.GetInt("anomaly_detection.sensor_window_size"),
		Cooldown:     cfg.GetDuration("anomaly_detection.cooldown"),
		QueueSize:    cfg.GetInt("anomaly_detection.queue_size"),
	})
	if broker != nil {
		anomalyTopic := mqtt.TopicAnomaly(rec.UUID)
		engine.OnAlert(func(a anomaly.Alert) {
			raw, err := json.Marshal(a)
			if err != nil {
				return
			}
			broker.PublishQueued(anomalyTopic, raw) //nolint:errcheck
		})
	}

	collector := metrics.NewCollector(cfg.GetDuration("metrics_interval"), engine)
	collector.Start()

	readTimeout := cfg.GetDuration("modbus.read_timeout")
	sensors := modbus.NewAdapter(modbus.DefaultTransportFactory(readTimeout), readTimeout)
	sensors.Configure(workloads.TargetState().Config.Sensors)
	stopPump := make(chan struct{})
	go pumpFrames(sensors, broker, engine, rec.UUID, stopPump)

	// The syncer starts even when the device is not provisioned yet: its
	// loops skip until provisioning completes (possibly later, through the
	// local API), then begin polling without an agent restart.
	var syncer *cloudsync.Syncer
	if cloudClient != nil {
		syncer = cloudsync.New(cloudClient, devices, workloads, bus, cloudsync.Options{
			PollInterval:   cfg.GetDuration("target_state_poll_interval"),
			ReportInterval: cfg.GetDuration("device_report_interval"),
			Compress:       cfg.GetBool("report_compression"),
		}).WithSampler(collector).WithAnomaly(engine)
		if broker != nil {
			syncer.WithMQTT(broker)
		}
		syncer.Start()
	}

	// Shutdown requests carry the exit code; the first one wins.
	shutdown := make(chan int, 1)
	requestShutdown := func(code int) {
		select {
		case shutdown <- code:
		default:
		}
	}

	var conn api.ConnectionReporter
	if syncer != nil {
		conn = syncer
	}
	srv := api.NewServer(devices, workloads, rt, conn, api.Options{
		Port:              cfg.GetInt("cmd_port"),
		MemoryThresholdMB: cfg.GetInt("memory_threshold_mb"),
		Restart:           func() { requestShutdown(0) },
	})
	if err := srv.Start(); err != nil {
		return err
	}

	workloads.StartAutoReconciliation(cfg.GetDuration("reconciliation_interval"))

	restart := newRestartTimer(requestShutdown)
	armRestart := func() {
		restart.arm(scheduledRestartInterval(workloads.TargetState().Config.Settings))
	}
	token := bus.Subscribe(events.TargetStateChanged, func(events.Event) {
		sensors.Configure(workloads.TargetState().Config.Sensors)
		armRestart()
	})
	defer bus.Unsubscribe(events.TargetStateChanged, token)
	armRestart()

	if broker != nil {
		subscribeControlTopics(broker, sensors, rec.UUID, requestShutdown)
		announceStatus(broker, rec.UUID, "online")
	}

	log.Info("Agent startup complete")

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	exitCode := 0
	select {
	case sig := <-signals:
		log.Infof("Received %s, shutting down", sig)
	case exitCode = <-shutdown:
		log.Infof("Shutdown requested (exit code %d)", exitCode)
	}

	restart.clear()
	done := make(chan struct{})
	go func() {
		defer close(done)
		workloads.StopAutoReconciliation()
		if syncer != nil {
			syncer.Stop()
		}
		close(stopPump)
		sensors.Stop()
		collector.Stop()
		if broker != nil {
			announceStatus(broker, rec.UUID, "offline")
			broker.Stop()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx) //nolint:errcheck
	}()

	grace := cfg.GetDuration("shutdown_grace_period")
	select {
	case <-done:
	case <-time.After(grace):
		log.Errorf("Shutdown exceeded the %s grace period, forcing exit", grace)
		log.Flush()
		os.Exit(2)
	case sig := <-signals:
		log.Errorf("Received second signal %s, forcing exit", sig)
		log.Flush()
		os.Exit(3)
	}

	log.Info("Agent shutdown complete")
	return nil
}

// pumpFrames fans sensor frames out to the broker and the anomaly engine.
func pumpFrames(sensors *modbus.Adapter, broker *mqtt.Client, engine *anomaly.Engine, uuid string, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case frame := <-sensors.Frames():
			if frame.Quality == modbus.QualityGood {
				engine.Feed(anomaly.SourceSensor, frame.Sensor+"."+frame.Register, frame.Value, frame.Timestamp)
			}
			if broker == nil {
				continue
			}
			raw, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			broker.PublishQueued(mqtt.TopicSensor(uuid, frame.Sensor), raw) //nolint:errcheck
		}
	}
}

func subscribeControlTopics(broker *mqtt.Client, sensors *modbus.Adapter, uuid string, requestShutdown func(int)) {
	err := broker.Subscribe(mqtt.TopicSensorConfig(uuid), func(_ string, payload []byte) {
		var cfgs []state.SensorConfig
		if err := json.Unmarshal(payload, &cfgs); err != nil {
			log.Warnf("Ignoring malformed sensor config from broker: %v", err)
			return
		}
		sensors.Configure(cfgs)
	})
	if err != nil {
		log.Warnf("Sensor config subscription failed: %v", err)
	}
	err = broker.Subscribe(mqtt.TopicAgentUpdate(uuid), func(string, []byte) {
		log.Info("Agent update requested over MQTT, restarting")
		requestShutdown(0)
	})
	if err != nil {
		log.Warnf("Agent update subscription failed: %v", err)
	}
	err = broker.Subscribe(mqtt.TopicJobs(uuid), func(topic string, payload []byte) {
		log.Infof("Job received on %s (%d bytes)", topic, len(payload))
	})
	if err != nil {
		log.Warnf("Jobs subscription failed: %v", err)
	}
}

func announceStatus(broker *mqtt.Client, uuid, status string) {
	raw, err := json.Marshal(map[string]interface{}{
		"status":    status,
		"version":   version.Agent().String(),
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return
	}
	broker.PublishQueued(mqtt.TopicAgentStatus(uuid), raw) //nolint:errcheck
}

// restartTimer schedules an agent self-restart a wall-clock duration ahead.
// Re-arming always clears the outstanding timer first.
type restartTimer struct {
	mu       sync.Mutex
	t        *time.Timer
	shutdown func(int)
}

func newRestartTimer(shutdown func(int)) *restartTimer {
	return &restartTimer{shutdown: shutdown}
}

func (r *restartTimer) arm(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.t != nil {
		r.t.Stop()
		r.t = nil
	}
	if d <= 0 {
		return
	}
	log.Infof("Scheduled restart in %s", d)
	r.t = time.AfterFunc(d, func() {
		log.Info("Scheduled restart timer fired")
		r.shutdown(0)
	})
}

func (r *restartTimer) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.t != nil {
		r.t.Stop()
		r.t = nil
	}
}

// scheduledRestartInterval reads the restart cadence from the target state
// settings. Zero means no scheduled restart.
func scheduledRestartInterval(settings map[string]interface{}) time.Duration {
	v, ok := settings["restartIntervalMinutes"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return time.Duration(n * float64(time.Minute))
	case int:
		return time.Duration(n) * time.Minute
	case string:
		if d, err := time.ParseDuration(n); err == nil {
			return d
		}
	}
	return 0
}
