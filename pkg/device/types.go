// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package device

import "time"

// Record is the persisted device identity. There is exactly one per agent.
//
// The uuid never changes after first creation. The deviceKey is generated
// locally before first contact with the cloud. The provisioningKey is a
// fleet-wide one-time credential erased once provisioning succeeds.
type Record struct {
	UUID            string `json:"uuid"`
	ProvisioningKey string `json:"provisioningKey,omitempty"`
	DeviceKey       string `json:"deviceKey,omitempty"`

	DeviceID      string `json:"deviceId,omitempty"`
	DeviceName    string `json:"deviceName,omitempty"`
	DeviceType    string `json:"deviceType,omitempty"`
	ApplicationID string `json:"applicationId,omitempty"`
	APIEndpoint   string `json:"apiEndpoint,omitempty"`

	BrokerURL        string `json:"brokerUrl,omitempty"`
	BrokerUsername   string `json:"brokerUsername,omitempty"`
	BrokerPassword   string `json:"brokerPassword,omitempty"`
	BrokerCACert     string `json:"brokerCaCert,omitempty"`
	BrokerVerifyCert bool   `json:"brokerVerifyCert,omitempty"`

	Provisioned  bool   `json:"provisioned"`
	LocalMode    bool   `json:"localMode,omitempty"`
	AgentVersion string `json:"agentVersion,omitempty"`

	CreatedAt    time.Time `json:"createdAt"`
	RegisteredAt time.Time `json:"registeredAt,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store is the narrow persistence interface the manager depends on.
type Store interface {
	LoadDevice() (*Record, error)
	SaveDevice(*Record) error
	// PurgeWorkloadState drops every persisted collection except the device
	// record. Used by factory reset.
	PurgeWorkloadState() error
}
