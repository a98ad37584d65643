// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package device owns the agent's identity and the two-phase provisioning
// protocol: register with a fleet-wide provisioning key, then upgrade to a
// per-device key. Every step failure leaves the identity in a resumable
// state.
package device

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/cihub/seelog"
	"github.com/google/uuid"

	"github.com/fieldline/fieldline-agent/pkg/cloud"
)

// Errors returned by the manager.
var (
	ErrNotInitialized    = errors.New("device manager not initialized")
	ErrNoProvisioningKey = errors.New("no provisioning key configured")
	ErrUnauthenticated   = errors.New("cloud rejected the credential")
)

// CloudAPI is the slice of the cloud client the manager needs.
type CloudAPI interface {
	Register(ctx context.Context, provisioningKey string, req cloud.RegisterRequest) (*cloud.RegisterResponse, error)
	ExchangeKey(ctx context.Context, uuid, deviceKey string) error
	Deprovision(ctx context.Context, uuid, deviceKey string) error
}

// VPNSetup is the optional post-provision hook. Failures are non-fatal.
type VPNSetup interface {
	Apply(cfg *cloud.VPNConfig) error
}

// ProvisionOptions parametrize a provisioning run.
type ProvisionOptions struct {
	ProvisioningKey string
	DeviceName      string
	DeviceType      string
	ApplicationID   string
	APIEndpoint     string
	OSVersion       string
	AgentVersion    string
}

// Manager owns the device identity record.
type Manager struct {
	store Store
	api   CloudAPI // nil when the agent runs without a cloud endpoint
	vpn   VPNSetup // optional

	m   sync.Mutex
	rec *Record
}

// NewManager builds a manager. api and vpn may be nil.
func NewManager(store Store, api CloudAPI, vpn VPNSetup) *Manager {
	return &Manager{store: store, api: api, vpn: vpn}
}

// Initialize loads the identity from the store, generating and persisting a
// fresh uuid and device key on first boot.
func (m *Manager) Initialize() error {
	m.m.Lock()
	defer m.m.Unlock()

	rec, err := m.store.LoadDevice()
	if err != nil {
		return fmt.Errorf("loading device identity: %w", err)
	}
	if rec != nil {
		m.rec = rec
		log.Infof("Loaded device identity %s (provisioned=%v)", rec.UUID, rec.Provisioned)
		return nil
	}

	key, err := generateDeviceKey()
	if err != nil {
		return fmt.Errorf("generating device key: %w", err)
	}
	now := time.Now().UTC()
	rec = &Record{
		UUID:      uuid.New().String(),
		DeviceKey: key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.SaveDevice(rec); err != nil {
		return fmt.Errorf("persisting new device identity: %w", err)
	}
	m.rec = rec
	log.Infof("Created device identity %s", rec.UUID)
	return nil
}

// Device returns a snapshot of the identity record.
func (m *Manager) Device() (Record, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.rec == nil {
		return Record{}, ErrNotInitialized
	}
	return *m.rec, nil
}

// Provisioned reports whether the device holds a per-device credential.
func (m *Manager) Provisioned() bool {
	m.m.Lock()
	defer m.m.Unlock()
	return m.rec != nil && m.rec.Provisioned
}

// Provision runs the two-phase registration protocol. The provisioning key is
// retained, in memory and on disk, until both remote calls succeed; a crash
// mid-way resumes on the next run.
func (m *Manager) Provision(ctx context.Context, opts ProvisionOptions) error {
	m.m.Lock()
	defer m.m.Unlock()

	if m.rec == nil {
		return ErrNotInitialized
	}
	if m.rec.Provisioned {
		log.Infof("Device %s already provisioned", m.rec.UUID)
		return nil
	}

	if opts.ProvisioningKey != "" {
		m.rec.ProvisioningKey = opts.ProvisioningKey
	}
	if m.rec.ProvisioningKey == "" {
		return ErrNoProvisioningKey
	}
	if m.api == nil {
		return errors.New("no cloud endpoint configured")
	}
	if m.rec.DeviceKey == "" {
		// A factory reset wiped the key; mint a new one before first contact.
		key, err := generateDeviceKey()
		if err != nil {
			return fmt.Errorf("generating device key: %w", err)
		}
		m.rec.DeviceKey = key
	}

	m.rec.DeviceName = firstNonEmpty(opts.DeviceName, m.rec.DeviceName, m.rec.UUID[:8])
	m.rec.DeviceType = firstNonEmpty(opts.DeviceType, m.rec.DeviceType, "generic")
	m.rec.APIEndpoint = firstNonEmpty(opts.APIEndpoint, m.rec.APIEndpoint)
	m.rec.AgentVersion = firstNonEmpty(opts.AgentVersion, m.rec.AgentVersion)
	if err := m.store.SaveDevice(m.rec); err != nil {
		return err
	}

	// Phase one: register with the fleet credential.
	resp, err := m.api.Register(ctx, m.rec.ProvisioningKey, cloud.RegisterRequest{
		UUID:          m.rec.UUID,
		DeviceName:    m.rec.DeviceName,
		DeviceType:    m.rec.DeviceType,
		DeviceKey:     m.rec.DeviceKey,
		ApplicationID: opts.ApplicationID,
		MACAddress:    primaryMACAddress(),
		OSVersion:     opts.OSVersion,
		AgentVersion:  opts.AgentVersion,
	})
	switch {
	case err == nil:
		m.rec.DeviceID = fmt.Sprintf("%d", resp.ID)
		if resp.ApplicationID != "" {
			m.rec.ApplicationID = resp.ApplicationID
		}
		if resp.MQTT != nil {
			m.rec.BrokerURL = resp.MQTT.Broker
			m.rec.BrokerUsername = resp.MQTT.Username
			m.rec.BrokerPassword = resp.MQTT.Password
		}
		if err := m.store.SaveDevice(m.rec); err != nil {
			return err
		}
	case cloud.IsAlreadyRegistered(err):
		// Idempotent recovery: a previous run registered but crashed before
		// the key exchange.
		log.Infof("Device %s already registered, proceeding to key exchange", m.rec.UUID)
		resp = nil
	case cloud.IsAuth(err):
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	default:
		return fmt.Errorf("registration failed: %w", err)
	}

	// Phase two: prove the per-device credential.
	if err := m.api.ExchangeKey(ctx, m.rec.UUID, m.rec.DeviceKey); err != nil {
		if cloud.IsAuth(err) {
			// Keep the provisioning key so the caller can retry from scratch.
			return fmt.Errorf("key exchange rejected: %w", ErrUnauthenticated)
		}
		return fmt.Errorf("key exchange failed: %w", err)
	}

	// Phase three: retire the fleet credential.
	m.rec.ProvisioningKey = ""
	m.rec.Provisioned = true
	m.rec.RegisteredAt = time.Now().UTC()
	m.rec.UpdatedAt = m.rec.RegisteredAt
	if err := m.store.SaveDevice(m.rec); err != nil {
		return err
	}
	log.Infof("Device %s provisioned as id %s", m.rec.UUID, m.rec.DeviceID)

	if resp != nil && resp.VPNConfig != nil && resp.VPNConfig.Enabled && m.vpn != nil {
		if err := m.vpn.Apply(resp.VPNConfig); err != nil {
			log.Warnf("VPN setup failed (continuing): %v", err)
		}
	}
	return nil
}

// MarkAsLocalMode flags the device as cloud-less. Local-only agents skip
// provisioning entirely.
func (m *Manager) MarkAsLocalMode() error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.rec == nil {
		return ErrNotInitialized
	}
	m.rec.LocalMode = true
	m.rec.UpdatedAt = time.Now().UTC()
	return m.store.SaveDevice(m.rec)
}

// UpdateAgentVersion stamps the running agent version on the record.
func (m *Manager) UpdateAgentVersion(version string) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.rec == nil {
		return ErrNotInitialized
	}
	if m.rec.AgentVersion == version {
		return nil
	}
	m.rec.AgentVersion = version
	m.rec.UpdatedAt = time.Now().UTC()
	return m.store.SaveDevice(m.rec)
}

// Reset clears server-assigned fields and broker credentials, preserving the
// uuid and device key.
func (m *Manager) Reset() error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.rec == nil {
		return ErrNotInitialized
	}

	m.rec.DeviceID = ""
	m.rec.DeviceName = ""
	m.rec.ApplicationID = ""
	m.rec.BrokerURL = ""
	m.rec.BrokerUsername = ""
	m.rec.BrokerPassword = ""
	m.rec.BrokerCACert = ""
	m.rec.Provisioned = false
	m.rec.RegisteredAt = time.Time{}
	m.rec.UpdatedAt = time.Now().UTC()
	return m.store.SaveDevice(m.rec)
}

// FactoryReset deprovisions from the cloud (best effort), wipes all persisted
// workload and sensor state, and clears every identity field except the uuid.
func (m *Manager) FactoryReset(ctx context.Context) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.rec == nil {
		return ErrNotInitialized
	}

	if m.api != nil && m.rec.Provisioned {
		if err := m.api.Deprovision(ctx, m.rec.UUID, m.rec.DeviceKey); err != nil {
			log.Warnf("Cloud deprovision failed (continuing with local reset): %v", err)
		}
	}

	now := time.Now().UTC()
	m.rec = &Record{
		UUID:      m.rec.UUID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.SaveDevice(m.rec); err != nil {
		return err
	}
	return m.store.PurgeWorkloadState()
}

func generateDeviceKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func primaryMACAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
