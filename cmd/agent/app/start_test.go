// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduledRestartInterval(t *testing.T) {
	assert.Equal(t, time.Duration(0), scheduledRestartInterval(nil))
	assert.Equal(t, time.Duration(0), scheduledRestartInterval(map[string]interface{}{}))
	// JSON numbers decode as float64.
	assert.Equal(t, 90*time.Minute, scheduledRestartInterval(map[string]interface{}{
		"restartIntervalMinutes": float64(90),
	}))
	assert.Equal(t, 30*time.Minute, scheduledRestartInterval(map[string]interface{}{
		"restartIntervalMinutes": 30,
	}))
	assert.Equal(t, 2*time.Hour, scheduledRestartInterval(map[string]interface{}{
		"restartIntervalMinutes": "2h",
	}))
	assert.Equal(t, time.Duration(0), scheduledRestartInterval(map[string]interface{}{
		"restartIntervalMinutes": "not-a-duration",
	}))
}

func TestRestartTimerRearmClearsPrevious(t *testing.T) {
	fired := make(chan int, 2)
	rt := newRestartTimer(func(code int) { fired <- code })

	rt.arm(20 * time.Millisecond)
	rt.arm(50 * time.Millisecond) // must cancel the first timer

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(35 * time.Millisecond):
	}

	select {
	case code := <-fired:
		assert.Equal(t, 0, code)
	case <-time.After(time.Second):
		t.Fatal("re-armed timer never fired")
	}
}

func TestRestartTimerClear(t *testing.T) {
	fired := make(chan int, 1)
	rt := newRestartTimer(func(code int) { fired <- code })
	rt.arm(20 * time.Millisecond)
	rt.clear()

	select {
	case <-fired:
		t.Fatal("cleared timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestRestartTimerZeroDisables(t *testing.T) {
	fired := make(chan int, 1)
	rt := newRestartTimer(func(code int) { fired <- code })
	rt.arm(0)
	select {
	case <-fired:
		t.Fatal("zero interval must not schedule a restart")
	case <-time.After(30 * time.Millisecond):
	}
}
