// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndPing(t *testing.T) {
	defer reset()

	token := Register("poll-loop")
	status := GetStatus()
	assert.Contains(t, status.Unhealthy, "poll-loop")

	require.NoError(t, Ping(token))
	status = GetStatus()
	assert.Contains(t, status.Healthy, "poll-loop")
	assert.NotContains(t, status.Unhealthy, "poll-loop")
}

func TestTimeout(t *testing.T) {
	defer reset()

	token := RegisterWithCustomTimeout("modbus-poller", 10*time.Second)
	require.NoError(t, registerPing(token, time.Now().Add(-time.Minute)))

	status := GetStatus()
	assert.Contains(t, status.Unhealthy, "modbus-poller")
}

func TestDuplicateNames(t *testing.T) {
	defer reset()

	first := Register("report-loop")
	second := Register("report-loop")
	assert.NotEqual(t, first, second)

	require.NoError(t, Ping(first))
	require.NoError(t, Ping(second))
}

func TestDeregister(t *testing.T) {
	defer reset()

	token := Register("auto-reconcile")
	require.NoError(t, Deregister(token))
	assert.Error(t, Ping(token))
	assert.Error(t, Deregister(token))
}
