// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package reconciler

import (
	"fmt"

	"github.com/fieldline/fieldline-agent/pkg/state"
)

// StepKind tags a composition step.
type StepKind string

// Composition step kinds. Each step is an atomic, idempotent operation on
// the container runtime or an associated resource.
const (
	StepTakeLock       StepKind = "TakeLock"
	StepReleaseLock    StepKind = "ReleaseLock"
	StepFetch          StepKind = "Fetch"
	StepStart          StepKind = "Start"
	StepStop           StepKind = "Stop"
	StepKill           StepKind = "Kill"
	StepRemove         StepKind = "Remove"
	StepRemoveImage    StepKind = "RemoveImage"
	StepCreateNetwork  StepKind = "CreateNetwork"
	StepCreateVolume   StepKind = "CreateVolume"
	StepRemoveNetwork  StepKind = "RemoveNetwork"
	StepRemoveVolume   StepKind = "RemoveVolume"
	StepUpdateMetadata StepKind = "UpdateMetadata"
)

// Step is one planned operation, carrying the minimum context needed to
// execute it idempotently.
type Step struct {
	Kind  StepKind
	AppID string

	// Service is the target service definition (Fetch, Start,
	// UpdateMetadata).
	Service *state.Service
	// Current is the observed service (Stop, Kill, Remove).
	Current *state.ServiceState
	// Image is the image reference (Fetch, RemoveImage).
	Image string
	// Resource is the network or volume name.
	Resource string
}

func (s Step) String() string {
	switch s.Kind {
	case StepFetch, StepRemoveImage:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Image)
	case StepCreateNetwork, StepCreateVolume, StepRemoveNetwork, StepRemoveVolume:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Resource)
	case StepTakeLock, StepReleaseLock:
		return fmt.Sprintf("%s(%s)", s.Kind, s.AppID)
	case StepStart, StepUpdateMetadata:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Service.ServiceName)
	case StepStop, StepKill, StepRemove:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Current.ServiceName)
	default:
		return string(s.Kind)
	}
}
