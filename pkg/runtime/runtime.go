// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package runtime defines the narrow container runtime interface the
// reconciler drives, plus the docker implementation. The reconciler never
// talks to docker directly: everything goes through Runtime so tests can
// substitute a fake.
package runtime

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/fieldline/fieldline-agent/pkg/state"
)

// Errors classifying runtime failures. Callers match with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	ErrImagePullFailed    = errors.New("image pull failed")
	ErrConflict           = errors.New("conflict")
)

// Labels stamped on every container the agent manages.
const (
	LabelManaged     = "io.fieldline.managed"
	LabelAppID       = "io.fieldline.app-id"
	LabelServiceID   = "io.fieldline.service-id"
	LabelServiceName = "io.fieldline.service-name"
	LabelConfigHash  = "io.fieldline.config-hash"
	LabelNetworks    = "io.fieldline.networks"
	LabelVolumes     = "io.fieldline.volumes"
)

// ContainerInfo is the observed state of one container.
type ContainerInfo struct {
	ID          string
	Name        string
	ImageName   string
	ImageDigest string
	Status      state.ServiceStatus
	Labels      map[string]string
}

// ContainerSpec is everything needed to create a container.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           []string
	Ports         map[string]string // hostPort -> containerPort
	Networks      []string
	Volumes       []string // volumeName:mountPath
	RestartPolicy string
	Labels        map[string]string
}

// Event is a container lifecycle event.
type Event struct {
	ContainerID string
	Action      string
}

// Runtime is the container runtime adapter consumed by the reconciler.
type Runtime interface {
	ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	KillContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	PullImage(ctx context.Context, image string) error
	RemoveImage(ctx context.Context, image string) error
	CreateNetwork(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error
	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
	ContainerLogs(ctx context.Context, id string, tail int) (io.ReadCloser, error)
	Events(ctx context.Context) (<-chan Event, <-chan error)
	Ping(ctx context.Context) error
}
