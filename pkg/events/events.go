// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package events implements a small typed observer registry used to broadcast
// agent lifecycle events. Subscribers have an explicit lifecycle: Subscribe
// returns a token that must be passed to Unsubscribe, so reconnect paths
// cannot leak listeners.
package events

import (
	"sync"

	log "github.com/cihub/seelog"
)

// Type identifies a class of event.
type Type string

// Events emitted by the agent.
const (
	TargetStateChanged Type = "target-state-changed"
	DeviceError        Type = "device-error"
	AuthRevoked        Type = "auth-revoked"
	DeviceUnknown      Type = "device-unknown"
)

// Event carries the event type and an optional payload.
type Event struct {
	Type    Type
	Payload interface{}
}

// Handler receives events for a subscribed type.
type Handler func(Event)

// Token identifies a subscription.
type Token int

// Bus broadcasts events to registered handlers. The zero value is not
// usable; call NewBus.
type Bus struct {
	m        sync.RWMutex
	nextID   Token
	handlers map[Type]map[Token]Handler
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type]map[Token]Handler),
	}
}

// Subscribe registers a handler for the given event type.
func (b *Bus) Subscribe(t Type, h Handler) Token {
	b.m.Lock()
	defer b.m.Unlock()

	b.nextID++
	if b.handlers[t] == nil {
		b.handlers[t] = make(map[Token]Handler)
	}
	b.handlers[t][b.nextID] = h
	return b.nextID
}

// Unsubscribe removes a previously registered handler. Unknown tokens are
// ignored.
func (b *Bus) Unsubscribe(t Type, token Token) {
	b.m.Lock()
	defer b.m.Unlock()
	delete(b.handlers[t], token)
}

// Publish delivers the event to every handler subscribed to its type. A
// panicking handler is isolated from the others.
func (b *Bus) Publish(e Event) {
	b.m.RLock()
	handlers := make([]Handler, 0, len(b.handlers[e.Type]))
	for _, h := range b.handlers[e.Type] {
		handlers = append(handlers, h)
	}
	b.m.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("event handler for %s panicked: %v", e.Type, r)
				}
			}()
			h(e)
		}()
	}
}

// SubscriberCount reports the number of handlers for a type.
func (b *Bus) SubscriberCount(t Type) int {
	b.m.RLock()
	defer b.m.RUnlock()
	return len(b.handlers[t])
}
