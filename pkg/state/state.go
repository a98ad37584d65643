// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package state defines the declarative target state pulled from the cloud
// and the runtime-derived current state of local workloads.
package state

import (
	"fmt"
)

// ServiceStatus is the observed lifecycle state of a service container.
type ServiceStatus string

// Service container states.
const (
	StatusPending ServiceStatus = "Pending"
	StatusCreated ServiceStatus = "Created"
	StatusRunning ServiceStatus = "Running"
	StatusStopped ServiceStatus = "Stopped"
	StatusExited  ServiceStatus = "Exited"
	StatusUnknown ServiceStatus = "Unknown"
)

// UpdateStrategy selects how a changed service is replaced.
type UpdateStrategy string

// Update strategies, in increasing order of disruption.
const (
	StrategyDownloadThenKill   UpdateStrategy = "download-then-kill"
	StrategyKillThenDownload   UpdateStrategy = "kill-then-download"
	StrategyDeleteThenDownload UpdateStrategy = "delete-then-download"
	StrategyHandover           UpdateStrategy = "handover"
)

// ContainerConfig is the runtime configuration of a service container.
type ContainerConfig struct {
	Env           []string          `json:"env,omitempty"`
	Ports         map[string]string `json:"ports,omitempty"` // hostPort -> containerPort
	Networks      []string          `json:"networks,omitempty"`
	Volumes       []string          `json:"volumes,omitempty"` // volumeName:mountPath
	RestartPolicy string            `json:"restartPolicy,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Handover      bool              `json:"handover,omitempty"`
}

// Service is one container workload inside an app.
type Service struct {
	ServiceID       int64           `json:"serviceId"`
	ServiceName     string          `json:"serviceName"`
	ImageName       string          `json:"imageName"`
	Status          ServiceStatus   `json:"status,omitempty"`
	ContainerConfig ContainerConfig `json:"containerConfig,omitempty"`
}

// App is a named group of services deployed and updated together.
type App struct {
	Name     string    `json:"name"`
	Services []Service `json:"services"`
}

// RegisterConfig describes a single modbus register to sample.
type RegisterConfig struct {
	Name         string  `json:"name"`
	Address      uint16  `json:"address"`
	FunctionCode string  `json:"functionCode,omitempty"` // holding (default) or input
	DataType     string  `json:"dataType,omitempty"`     // uint16, int16, uint32, int32, float32
	ByteOrder    string  `json:"byteOrder,omitempty"`    // ABCD, CDAB, BADC, DCBA, big, little
	Scale        float64 `json:"scale,omitempty"`
	Unit         string  `json:"unit,omitempty"`
}

// SensorConfig describes one field device polled over modbus.
type SensorConfig struct {
	Name         string           `json:"name"`
	Type         string           `json:"type"` // modbus-tcp or modbus-rtu
	Address      string           `json:"address"`
	SlaveID      byte             `json:"slaveId,omitempty"`
	PollInterval int              `json:"pollIntervalMs,omitempty"`
	Registers    []RegisterConfig `json:"registers,omitempty"`
}

// DeviceConfig is the non-workload part of the target state. The cloud may
// send any subset of its sub-sections; a nil section after unmarshalling
// means "not present in the update" and must preserve the prior value (see
// Merge).
type DeviceConfig struct {
	Logging  map[string]interface{} `json:"logging,omitempty"`
	Sensors  []SensorConfig         `json:"sensors,omitempty"`
	Features map[string]interface{} `json:"features,omitempty"`
	Settings map[string]interface{} `json:"settings,omitempty"`
}

// TargetState is the declarative source of truth for the reconciler.
type TargetState struct {
	Apps    map[string]App `json:"apps"`
	Config  DeviceConfig   `json:"config"`
	Version int64          `json:"version"`
}

// ServiceState is the observed state of one service.
type ServiceState struct {
	ServiceID   int64         `json:"serviceId"`
	ServiceName string        `json:"serviceName"`
	ContainerID string        `json:"containerId,omitempty"`
	ImageName   string        `json:"imageName,omitempty"`
	ImageDigest string        `json:"imageDigest,omitempty"`
	Status      ServiceStatus `json:"status"`
	// ConfigFingerprint is the applied-config fingerprint read back from the
	// container labels; the planner diffs it against the target config.
	ConfigFingerprint string            `json:"-"`
	Labels            map[string]string `json:"-"`
}

// AppState is the observed state of one app.
type AppState struct {
	Services []ServiceState `json:"services"`
	Degraded bool           `json:"degraded,omitempty"`
}

// CurrentState maps appId to observed services. It is derived on each
// reconcile tick and never persisted.
type CurrentState map[string]AppState

// Merge produces the target state resulting from applying update on top of
// prior. Apps are replaced as a whole: an app absent from the update is an
// undeploy. Config sub-sections are merged key-wise so a partial config
// cannot clobber sibling sections.
func Merge(prior, update TargetState) TargetState {
	merged := TargetState{
		Apps:    update.Apps,
		Version: update.Version,
		Config:  prior.Config,
	}
	if merged.Apps == nil {
		merged.Apps = map[string]App{}
	}
	if update.Config.Logging != nil {
		merged.Config.Logging = update.Config.Logging
	}
	if update.Config.Sensors != nil {
		merged.Config.Sensors = update.Config.Sensors
	}
	if update.Config.Features != nil {
		merged.Config.Features = update.Config.Features
	}
	if update.Config.Settings != nil {
		merged.Config.Settings = update.Config.Settings
	}
	return merged
}

// Validate rejects structurally invalid target states. An invalid update is
// refused and the prior valid target kept.
func Validate(t TargetState) error {
	if t.Version < 0 {
		return fmt.Errorf("negative target state version %d", t.Version)
	}
	for appID, app := range t.Apps {
		if appID == "" {
			return fmt.Errorf("empty app id")
		}
		for _, svc := range app.Services {
			if svc.ServiceName == "" {
				return fmt.Errorf("app %s: service %d has no name", appID, svc.ServiceID)
			}
			if svc.ImageName == "" {
				return fmt.Errorf("app %s: service %s has no image", appID, svc.ServiceName)
			}
		}
	}
	for _, sensor := range t.Config.Sensors {
		if sensor.Name == "" {
			return fmt.Errorf("sensor with empty name")
		}
		switch sensor.Type {
		case "", "modbus-tcp", "modbus-rtu":
		default:
			return fmt.Errorf("sensor %s: unknown type %q", sensor.Name, sensor.Type)
		}
	}
	return nil
}

// SettingInt reads an integer from config.settings with a default.
func (c DeviceConfig) SettingInt(key string, def int) int {
	v, ok := c.Settings[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// SettingString reads a string from config.settings with a default.
func (c DeviceConfig) SettingString(key string, def string) string {
	if v, ok := c.Settings[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// FeatureEnabled reports whether a feature flag is set to true.
func (c DeviceConfig) FeatureEnabled(name string) bool {
	v, ok := c.Features[name]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
