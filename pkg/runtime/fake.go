// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fieldline/fieldline-agent/pkg/state"
)

// Fake is an in-memory Runtime for tests. It records every call in Ops so
// tests can assert ordering.
type Fake struct {
	m       sync.Mutex
	nextID  int
	byID    map[string]*ContainerInfo
	images  map[string]bool
	nets    map[string]bool
	volumes map[string]bool

	// Ops records calls as "verb arg", e.g. "pull nginx:1.25".
	Ops []string

	// Error injection: verb -> error returned once.
	FailNext map[string]error
	// Unavailable makes every call fail with ErrRuntimeUnavailable.
	Unavailable bool
}

// NewFake returns an empty fake runtime.
func NewFake() *Fake {
	return &Fake{
		byID:     make(map[string]*ContainerInfo),
		images:   make(map[string]bool),
		nets:     make(map[string]bool),
		volumes:  make(map[string]bool),
		FailNext: make(map[string]error),
	}
}

func (f *Fake) record(verb, arg string) error {
	f.Ops = append(f.Ops, strings.TrimSpace(verb+" "+arg))
	if f.Unavailable {
		return ErrRuntimeUnavailable
	}
	if err, ok := f.FailNext[verb]; ok {
		delete(f.FailNext, verb)
		return err
	}
	return nil
}

// ListContainers returns containers matching all the given labels.
func (f *Fake) ListContainers(_ context.Context, labels map[string]string) ([]ContainerInfo, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if f.Unavailable {
		return nil, ErrRuntimeUnavailable
	}
	var out []ContainerInfo
	for _, c := range f.byID {
		match := true
		for k, v := range labels {
			if c.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, *c)
		}
	}
	return out, nil
}

// CreateContainer registers a new container in Created state.
func (f *Fake) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.record("create", spec.Name); err != nil {
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.byID[id] = &ContainerInfo{
		ID:        id,
		Name:      spec.Name,
		ImageName: spec.Image,
		Status:    state.StatusCreated,
		Labels:    spec.Labels,
	}
	return id, nil
}

// StartContainer marks a container Running.
func (f *Fake) StartContainer(_ context.Context, id string) error {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.record("start", id); err != nil {
		return err
	}
	c, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = state.StatusRunning
	return nil
}

// StopContainer marks a container Stopped.
func (f *Fake) StopContainer(_ context.Context, id string, _ time.Duration) error {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.record("stop", id); err != nil {
		return err
	}
	c, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = state.StatusStopped
	return nil
}

// KillContainer marks a container Exited.
func (f *Fake) KillContainer(_ context.Context, id string) error {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.record("kill", id); err != nil {
		return err
	}
	c, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = state.StatusExited
	return nil
}

// RemoveContainer deletes a container.
func (f *Fake) RemoveContainer(_ context.Context, id string) error {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.record("remove", id); err != nil {
		return err
	}
	if _, ok := f.byID[id]; !ok {
		return ErrNotFound
	}
	delete(f.byID, id)
	return nil
}

// PullImage registers an image as present.
func (f *Fake) PullImage(_ context.Context, image string) error {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.record("pull", image); err != nil {
		return err
	}
	f.images[image] = true
	return nil
}

// RemoveImage forgets an image.
func (f *Fake) RemoveImage(_ context.Context, image string) error {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.record("rmi", image); err != nil {
		return err
	}
	delete(f.images, image)
	return nil
}

// CreateNetwork registers a network.
func (f *Fake) CreateNetwork(_ context.Context, name string) error {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.record("network-create", name); err != nil {
		return err
	}
	f.nets[name] = true
	return nil
}

// RemoveNetwork forgets a network.
func (f *Fake) RemoveNetwork(_ context.Context, name string) error {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.record("network-remove", name); err != nil {
		return err
	}
	delete(f.nets, name)
	return nil
}

// CreateVolume registers a volume.
func (f *Fake) CreateVolume(_ context.Context, name string) error {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.record("volume-create", name); err != nil {
		return err
	}
	f.volumes[name] = true
	return nil
}

// RemoveVolume forgets a volume.
func (f *Fake) RemoveVolume(_ context.Context, name string) error {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.record("volume-remove", name); err != nil {
		return err
	}
	delete(f.volumes, name)
	return nil
}

// ContainerLogs returns an empty log stream.
func (f *Fake) ContainerLogs(context.Context, string, int) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

// Events returns channels that stay silent until the context is cancelled.
func (f *Fake) Events(ctx context.Context) (<-chan Event, <-chan error) {
	out := make(chan Event)
	errs := make(chan error, 1)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, errs
}

// Ping reports availability.
func (f *Fake) Ping(context.Context) error {
	if f.Unavailable {
		return ErrRuntimeUnavailable
	}
	return nil
}

// HasImage reports whether an image was pulled.
func (f *Fake) HasImage(image string) bool {
	f.m.Lock()
	defer f.m.Unlock()
	return f.images[image]
}

// HasNetwork reports whether a network exists.
func (f *Fake) HasNetwork(name string) bool {
	f.m.Lock()
	defer f.m.Unlock()
	return f.nets[name]
}

// HasVolume reports whether a volume exists.
func (f *Fake) HasVolume(name string) bool {
	f.m.Lock()
	defer f.m.Unlock()
	return f.volumes[name]
}
