// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package modbus

import (
	"time"

	"github.com/goburrow/modbus"
)

// Transport is one modbus connection. Implementations are NOT safe for
// concurrent use; the Channel serializes access.
type Transport interface {
	Connect() error
	Close() error
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
}

// TransportFactory builds a transport for a sensor endpoint. The adapter
// uses it so tests can substitute fakes.
type TransportFactory func(kind, address string, slaveID byte) Transport

// tcpTransport is a goburrow-backed modbus TCP transport.
type tcpTransport struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// NewTCPTransport connects to a modbus TCP endpoint ("host:port").
func NewTCPTransport(address string, slaveID byte, timeout time.Duration) Transport {
	h := modbus.NewTCPClientHandler(address)
	h.SlaveId = slaveID
	h.Timeout = timeout
	return &tcpTransport{handler: h, client: modbus.NewClient(h)}
}

func (t *tcpTransport) Connect() error { return t.handler.Connect() }
func (t *tcpTransport) Close() error   { return t.handler.Close() }
func (t *tcpTransport) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return t.client.ReadHoldingRegisters(address, quantity)
}
func (t *tcpTransport) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return t.client.ReadInputRegisters(address, quantity)
}

// rtuTransport is a goburrow-backed modbus RTU transport over a serial port.
type rtuTransport struct {
	handler *modbus.RTUClientHandler
	client  modbus.Client
}

// NewRTUTransport opens a serial modbus RTU device (e.g. /dev/ttyUSB0).
func NewRTUTransport(device string, slaveID byte, timeout time.Duration) Transport {
	h := modbus.NewRTUClientHandler(device)
	h.SlaveId = slaveID
	h.BaudRate = 9600
	h.DataBits = 8
	h.Parity = "N"
	h.StopBits = 1
	h.Timeout = timeout
	return &rtuTransport{handler: h, client: modbus.NewClient(h)}
}

func (t *rtuTransport) Connect() error { return t.handler.Connect() }
func (t *rtuTransport) Close() error   { return t.handler.Close() }
func (t *rtuTransport) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return t.client.ReadHoldingRegisters(address, quantity)
}
func (t *rtuTransport) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return t.client.ReadInputRegisters(address, quantity)
}

// DefaultTransportFactory builds real goburrow transports.
func DefaultTransportFactory(timeout time.Duration) TransportFactory {
	return func(kind, address string, slaveID byte) Transport {
		if kind == "modbus-rtu" {
			return NewRTUTransport(address, slaveID, timeout)
		}
		return NewTCPTransport(address, slaveID, timeout)
	}
}
