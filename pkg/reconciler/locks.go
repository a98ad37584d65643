// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package reconciler

import (
	"sync"

	log "github.com/cihub/seelog"
)

// Locks is a per-app lock registry. Locks are reentrant for the same holder
// and can be preempted with force. Destructive step sequences for an app run
// under its lock, so concurrent reconcile passes never interleave on the
// same app.
type Locks struct {
	mu     sync.Mutex
	holder map[string]string
	depth  map[string]int
}

// NewLocks returns an empty registry.
func NewLocks() *Locks {
	return &Locks{
		holder: make(map[string]string),
		depth:  make(map[string]int),
	}
}

// Acquire takes the lock for appID on behalf of holder. It returns false when
// another holder owns the lock and force is unset. With force, ownership is
// preempted.
func (l *Locks) Acquire(appID, holder string, force bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, held := l.holder[appID]
	switch {
	case !held:
		l.holder[appID] = holder
		l.depth[appID] = 1
		return true
	case current == holder:
		l.depth[appID]++
		return true
	case force:
		log.Warnf("Lock for app %s preempted from %s by %s", appID, current, holder)
		l.holder[appID] = holder
		l.depth[appID] = 1
		return true
	default:
		return false
	}
}

// Release drops one level of the lock. Releasing a lock the holder does not
// own (e.g. after preemption) is a no-op.
func (l *Locks) Release(appID, holder string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder[appID] != holder {
		return
	}
	l.depth[appID]--
	if l.depth[appID] <= 0 {
		delete(l.holder, appID)
		delete(l.depth, appID)
	}
}

// Held reports whether appID is currently locked.
func (l *Locks) Held(appID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.holder[appID]
	return held
}
