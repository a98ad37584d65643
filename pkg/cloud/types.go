// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package cloud

import (
	"time"

	"github.com/fieldline/fieldline-agent/pkg/state"
)

// RegisterRequest is the body of POST /device/register.
type RegisterRequest struct {
	UUID          string `json:"uuid"`
	DeviceName    string `json:"deviceName"`
	DeviceType    string `json:"deviceType"`
	DeviceKey     string `json:"deviceKey"`
	ApplicationID string `json:"applicationId,omitempty"`
	MACAddress    string `json:"macAddress,omitempty"`
	OSVersion     string `json:"osVersion,omitempty"`
	AgentVersion  string `json:"agentVersion,omitempty"`
}

// MQTTInfo carries the broker credentials assigned at registration.
type MQTTInfo struct {
	Username     string                 `json:"username"`
	Password     string                 `json:"password"`
	Broker       string                 `json:"broker"`
	BrokerConfig map[string]interface{} `json:"brokerConfig,omitempty"`
}

// APIInfo carries optional API TLS settings assigned at registration.
type APIInfo struct {
	TLSConfig map[string]interface{} `json:"tlsConfig,omitempty"`
}

// VPNConfig is handed to the optional VPN setup hook after provisioning.
type VPNConfig struct {
	Enabled bool                   `json:"enabled"`
	Config  map[string]interface{} `json:"config,omitempty"`
}

// RegisterResponse is the body returned by POST /device/register.
type RegisterResponse struct {
	ID            int64      `json:"id"`
	UUID          string     `json:"uuid"`
	DeviceName    string     `json:"deviceName"`
	DeviceType    string     `json:"deviceType"`
	ApplicationID string     `json:"applicationId,omitempty"`
	MQTT          *MQTTInfo  `json:"mqtt,omitempty"`
	API           *APIInfo   `json:"api,omitempty"`
	VPNConfig     *VPNConfig `json:"vpnConfig,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// TargetStateDoc is the per-device document in GET /device/{uuid}/state.
type TargetStateDoc struct {
	Apps            map[string]state.App `json:"apps"`
	Config          state.DeviceConfig   `json:"config"`
	Version         int64                `json:"version"`
	NeedsDeployment bool                 `json:"needs_deployment,omitempty"`
	LastDeployedAt  string               `json:"last_deployed_at,omitempty"`
}

// StateReport is the body of POST /device/{uuid}/state.
type StateReport struct {
	Apps           state.CurrentState `json:"apps"`
	Config         state.DeviceConfig `json:"config"`
	Version        int64              `json:"version"`
	CPUUsage       float64            `json:"cpu_usage"`
	MemoryUsage    uint64             `json:"memory_usage"`
	MemoryTotal    uint64             `json:"memory_total"`
	StorageUsage   uint64             `json:"storage_usage"`
	StorageTotal   uint64             `json:"storage_total"`
	Temperature    float64            `json:"temperature,omitempty"`
	IsOnline       bool               `json:"is_online"`
	LocalIP        string             `json:"local_ip,omitempty"`
	OSVersion      string             `json:"os_version,omitempty"`
	AgentVersion   string             `json:"agent_version,omitempty"`
	Uptime         uint64             `json:"uptime"`
	AnomalySummary interface{}        `json:"anomalySummary,omitempty"`
}
