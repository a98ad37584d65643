// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package device

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/fieldline-agent/pkg/cloud"
)

type memStore struct {
	rec    *Record
	purged bool
}

func (s *memStore) LoadDevice() (*Record, error) {
	if s.rec == nil {
		return nil, nil
	}
	cp := *s.rec
	return &cp, nil
}

func (s *memStore) SaveDevice(rec *Record) error {
	cp := *rec
	s.rec = &cp
	return nil
}

func (s *memStore) PurgeWorkloadState() error {
	s.purged = true
	return nil
}

type fakeAPI struct {
	registerCalls  int
	exchangeCalls  int
	registerErr    error
	exchangeErr    error
	deprovisioned  bool
	deprovisionErr error
	lastRegister   cloud.RegisterRequest
	response       *cloud.RegisterResponse
}

func (a *fakeAPI) Register(_ context.Context, key string, req cloud.RegisterRequest) (*cloud.RegisterResponse, error) {
	a.registerCalls++
	a.lastRegister = req
	if a.registerErr != nil {
		return nil, a.registerErr
	}
	if a.response != nil {
		return a.response, nil
	}
	return &cloud.RegisterResponse{
		ID:   42,
		UUID: req.UUID,
		MQTT: &cloud.MQTTInfo{Username: "u", Password: "p", Broker: "mqtts://b:8883"},
	}, nil
}

func (a *fakeAPI) ExchangeKey(_ context.Context, uuid, deviceKey string) error {
	a.exchangeCalls++
	return a.exchangeErr
}

func (a *fakeAPI) Deprovision(_ context.Context, uuid, deviceKey string) error {
	a.deprovisioned = true
	return a.deprovisionErr
}

func TestInitializeCreatesIdentity(t *testing.T) {
	store := &memStore{}
	m := NewManager(store, nil, nil)

	require.NoError(t, m.Initialize())
	rec, err := m.Device()
	require.NoError(t, err)
	assert.NotEmpty(t, rec.UUID)
	assert.Len(t, rec.DeviceKey, 64) // 32 random bytes, hex-encoded
	assert.False(t, rec.Provisioned)
	require.NotNil(t, store.rec)
}

func TestInitializeIsStableAcrossRestarts(t *testing.T) {
	store := &memStore{}

	m := NewManager(store, nil, nil)
	require.NoError(t, m.Initialize())
	first, _ := m.Device()

	m2 := NewManager(store, nil, nil)
	require.NoError(t, m2.Initialize())
	second, _ := m2.Device()

	assert.Equal(t, first.UUID, second.UUID)
	assert.Equal(t, first.DeviceKey, second.DeviceKey)
}

func TestProvisionFirstBoot(t *testing.T) {
	store := &memStore{}
	api := &fakeAPI{}
	m := NewManager(store, api, nil)
	require.NoError(t, m.Initialize())

	err := m.Provision(context.Background(), ProvisionOptions{
		ProvisioningKey: "K1",
		DeviceName:      "gw-01",
		DeviceType:      "raspberrypi4",
	})
	require.NoError(t, err)

	rec := store.rec
	assert.Equal(t, "42", rec.DeviceID)
	assert.True(t, rec.Provisioned)
	assert.Empty(t, rec.ProvisioningKey, "provisioning key must be erased after success")
	assert.NotEmpty(t, rec.DeviceKey)
	assert.Equal(t, "mqtts://b:8883", rec.BrokerURL)
	assert.Equal(t, "u", rec.BrokerUsername)
	assert.False(t, rec.RegisteredAt.IsZero())
	assert.Equal(t, rec.DeviceKey, api.lastRegister.DeviceKey)
}

func TestProvisionRequiresInitialize(t *testing.T) {
	m := NewManager(&memStore{}, &fakeAPI{}, nil)
	err := m.Provision(context.Background(), ProvisionOptions{ProvisioningKey: "K1"})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestProvisionRequiresKey(t *testing.T) {
	m := NewManager(&memStore{}, &fakeAPI{}, nil)
	require.NoError(t, m.Initialize())
	err := m.Provision(context.Background(), ProvisionOptions{})
	assert.ErrorIs(t, err, ErrNoProvisioningKey)
}

func TestProvisionBadProvisioningKey(t *testing.T) {
	store := &memStore{}
	api := &fakeAPI{registerErr: &cloud.APIError{StatusCode: http.StatusUnauthorized}}
	m := NewManager(store, api, nil)
	require.NoError(t, m.Initialize())

	err := m.Provision(context.Background(), ProvisionOptions{ProvisioningKey: "bad"})
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.False(t, store.rec.Provisioned)
	assert.Equal(t, "bad", store.rec.ProvisioningKey, "key kept for retry")
}

func TestProvisionKeyExchangeRejectedRollsBack(t *testing.T) {
	store := &memStore{}
	api := &fakeAPI{exchangeErr: &cloud.APIError{StatusCode: http.StatusForbidden}}
	m := NewManager(store, api, nil)
	require.NoError(t, m.Initialize())

	err := m.Provision(context.Background(), ProvisionOptions{ProvisioningKey: "K1"})
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.False(t, store.rec.Provisioned)
	assert.NotEmpty(t, store.rec.ProvisioningKey)
}

func TestProvisionResumesAfterConflict(t *testing.T) {
	store := &memStore{}
	api := &fakeAPI{registerErr: &cloud.APIError{StatusCode: http.StatusConflict}}
	m := NewManager(store, api, nil)
	require.NoError(t, m.Initialize())

	err := m.Provision(context.Background(), ProvisionOptions{ProvisioningKey: "K1"})
	require.NoError(t, err)
	assert.Equal(t, 1, api.exchangeCalls)
	assert.True(t, store.rec.Provisioned)
	assert.Empty(t, store.rec.ProvisioningKey)
}

func TestResetPreservesUUIDAndKey(t *testing.T) {
	store := &memStore{}
	api := &fakeAPI{}
	m := NewManager(store, api, nil)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Provision(context.Background(), ProvisionOptions{ProvisioningKey: "K1"}))

	before, _ := m.Device()
	require.NoError(t, m.Reset())
	after, _ := m.Device()

	assert.Equal(t, before.UUID, after.UUID)
	assert.Equal(t, before.DeviceKey, after.DeviceKey)
	assert.Empty(t, after.DeviceID)
	assert.Empty(t, after.BrokerURL)
	assert.False(t, after.Provisioned)

	// provision; reset; provision with the same key succeeds.
	require.NoError(t, m.Provision(context.Background(), ProvisionOptions{ProvisioningKey: "K1"}))
	final, _ := m.Device()
	assert.Equal(t, before.UUID, final.UUID)
	assert.True(t, final.Provisioned)
}

func TestFactoryResetKeepsOnlyUUID(t *testing.T) {
	store := &memStore{}
	api := &fakeAPI{}
	m := NewManager(store, api, nil)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Provision(context.Background(), ProvisionOptions{ProvisioningKey: "K1"}))

	before, _ := m.Device()
	require.NoError(t, m.FactoryReset(context.Background()))
	after, _ := m.Device()

	assert.True(t, api.deprovisioned)
	assert.True(t, store.purged)
	assert.Equal(t, before.UUID, after.UUID)
	assert.Empty(t, after.DeviceKey)
	assert.Empty(t, after.DeviceID)
	assert.False(t, after.Provisioned)
}

func TestFactoryResetSurvivesCloudFailure(t *testing.T) {
	store := &memStore{}
	api := &fakeAPI{deprovisionErr: errors.New("network down")}
	m := NewManager(store, api, nil)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Provision(context.Background(), ProvisionOptions{ProvisioningKey: "K1"}))

	require.NoError(t, m.FactoryReset(context.Background()))
	assert.True(t, store.purged)
}

func TestProvisionAfterFactoryResetMintsNewKey(t *testing.T) {
	store := &memStore{}
	api := &fakeAPI{}
	m := NewManager(store, api, nil)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Provision(context.Background(), ProvisionOptions{ProvisioningKey: "K1"}))

	first, _ := m.Device()
	require.NoError(t, m.FactoryReset(context.Background()))
	require.NoError(t, m.Provision(context.Background(), ProvisionOptions{ProvisioningKey: "K1"}))
	second, _ := m.Device()

	assert.Equal(t, first.UUID, second.UUID)
	assert.NotEmpty(t, second.DeviceKey)
	assert.NotEqual(t, first.DeviceKey, second.DeviceKey)
}
