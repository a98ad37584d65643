// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mqtt

import (
	"strings"
	"sync"

	log "github.com/cihub/seelog"
)

// Handler receives inbound messages for a matching subscription.
type Handler func(topic string, payload []byte)

type route struct {
	filter  string
	handler Handler
}

// Router dispatches inbound messages to every registered handler whose
// filter matches. Overlapping filters each get the message; a panicking
// handler never takes down its siblings.
type Router struct {
	mu     sync.RWMutex
	routes []route
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Add registers a handler for a topic filter. Filters follow MQTT matching
// rules: `+` matches one level, `#` matches the remaining levels.
func (r *Router) Add(filter string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{filter: filter, handler: h})
}

// Filters returns the distinct registered filters, for (re)subscription.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, rt := range r.routes {
		if !seen[rt.filter] {
			seen[rt.filter] = true
			out = append(out, rt.filter)
		}
	}
	return out
}

// Dispatch delivers a message to all matching handlers.
func (r *Router) Dispatch(topic string, payload []byte) {
	r.mu.RLock()
	matched := make([]Handler, 0, 2)
	for _, rt := range r.routes {
		if TopicMatches(rt.filter, topic) {
			matched = append(matched, rt.handler)
		}
	}
	r.mu.RUnlock()

	for _, h := range matched {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Errorf("MQTT handler for %s panicked: %v", topic, rec)
				}
			}()
			h(topic, payload)
		}()
	}
}

// TopicMatches implements MQTT topic filter matching.
func TopicMatches(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")

	for i, fp := range fParts {
		if fp == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if fp != "+" && fp != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}
