// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package health keeps track of the liveness of the agent's long-running
// loops. Each loop registers a token and pings it on every iteration; a
// component that stops pinging for longer than its timeout is reported
// unhealthy.
package health

import (
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout is the ping timeout used by Register.
const DefaultTimeout = 30 * time.Second

// ID objects are returned when registering and are to be used when pinging
type ID string

// Status represents the current status of registered components
type Status struct {
	Healthy   []string
	Unhealthy []string
}

type component struct {
	name       string
	timeout    time.Duration
	latestPing time.Time
}

type componentCatalog struct {
	sync.RWMutex
	components map[ID]*component
}

var catalog = componentCatalog{
	components: make(map[ID]*component),
}

// Register a component with the default 30 seconds timeout, returns a token
func Register(name string) ID {
	return RegisterWithCustomTimeout(name, DefaultTimeout)
}

// RegisterWithCustomTimeout allows to register with a custom timeout duration
func RegisterWithCustomTimeout(name string, timeout time.Duration) ID {
	catalog.Lock()
	defer catalog.Unlock()

	id := ID(name)
	if _, taken := catalog.components[id]; taken {
		for n := 2; n < 100; n++ {
			newID := ID(fmt.Sprintf("%s-%d", name, n))
			if _, taken := catalog.components[newID]; !taken {
				id = newID
				break
			}
		}
	}

	catalog.components[id] = &component{
		name:       name,
		timeout:    timeout,
		latestPing: time.Now().Add(-2 * timeout), // unhealthy until first ping
	}

	return id
}

// Deregister a component from the healthcheck
func Deregister(token ID) error {
	catalog.Lock()
	defer catalog.Unlock()
	if _, found := catalog.components[token]; !found {
		return fmt.Errorf("component %s not registered", token)
	}
	delete(catalog.components, token)
	return nil
}

// Ping is to be called regularly by components to signal they are still healthy
func Ping(token ID) error {
	return registerPing(token, time.Now())
}

// registerPing is private and used for unit testing
func registerPing(token ID, timestamp time.Time) error {
	catalog.Lock()
	defer catalog.Unlock()
	c, found := catalog.components[token]
	if !found {
		return fmt.Errorf("component %s not registered", token)
	}
	c.latestPing = timestamp
	return nil
}

// GetStatus allows to query the health status of the agent
func GetStatus() Status {
	status := Status{}
	now := time.Now()

	catalog.RLock()
	defer catalog.RUnlock()

	for _, c := range catalog.components {
		if now.After(c.latestPing.Add(c.timeout)) {
			status.Unhealthy = append(status.Unhealthy, c.name)
		} else {
			status.Healthy = append(status.Healthy, c.name)
		}
	}
	return status
}

// reset is used for unit testing
func reset() {
	catalog.Lock()
	catalog.components = make(map[ID]*component)
	catalog.Unlock()
}
