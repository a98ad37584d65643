// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package modbus polls field devices over modbus TCP or RTU and emits
// sensor frames. All reads on one channel are strictly serialized: the
// protocol is frame-based and concurrent requests corrupt framing.
package modbus

import "time"

// Quality grades a sensor reading.
type Quality string

// Reading qualities.
const (
	QualityGood      Quality = "GOOD"
	QualityBad       Quality = "BAD"
	QualityUncertain Quality = "UNCERTAIN"
)

// Symbolic quality codes attached to BAD frames.
const (
	CodeDeviceOffline  = "DEVICE_OFFLINE"
	CodeTimeout        = "TIMEOUT"
	CodeIllegalAddress = "ILLEGAL_ADDRESS"
	CodeDeviceBusy     = "DEVICE_BUSY"
	CodeDecodeError    = "DECODE_ERROR"
)

// Frame is one sampled register value.
type Frame struct {
	Sensor      string    `json:"sensor"`
	Register    string    `json:"register"`
	Value       float64   `json:"value"`
	Unit        string    `json:"unit,omitempty"`
	Quality     Quality   `json:"quality"`
	QualityCode string    `json:"qualityCode,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Source tag frames carry when fed to the anomaly engine.
const SourceSensor = "sensor"
