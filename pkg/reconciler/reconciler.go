// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package reconciler drives the container runtime towards the declarative
// target state. Planning is pure (RequiredSteps); execution is idempotent so
// a pass interrupted by power loss converges on the next one.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/cihub/seelog"
	"github.com/hashicorp/go-multierror"

	"github.com/fieldline/fieldline-agent/pkg/events"
	"github.com/fieldline/fieldline-agent/pkg/runtime"
	"github.com/fieldline/fieldline-agent/pkg/state"
	"github.com/fieldline/fieldline-agent/pkg/status/health"
)

const (
	// maxApplyPasses bounds one ApplyTargetState call. Each pass re-derives
	// current state, so transient failures get a bounded number of retries
	// before the next tick.
	maxApplyPasses = 3

	// degradedThreshold marks an app degraded after this many consecutive
	// failed passes.
	degradedThreshold = 3

	failureBackoffBase = 10 * time.Second
	failureBackoffMax  = 5 * time.Minute
)

// Store persists the target state across restarts.
type Store interface {
	LoadTargetState() (*state.TargetState, error)
	SaveTargetState(*state.TargetState) error
}

// appFailure tracks consecutive reconcile failures for one app.
type appFailure struct {
	count       int
	nextAttempt time.Time
}

// Reconciler owns the target state and converges the runtime towards it.
type Reconciler struct {
	rt    runtime.Runtime
	store Store
	bus   *events.Bus
	opts  Options
	locks *Locks

	stopTimeout time.Duration

	mu       sync.RWMutex
	target   state.TargetState
	failures map[string]*appFailure

	passSeq atomic.Int64

	applyMu sync.Mutex // serializes ApplyTargetState calls

	tickerStop chan struct{}
	tickerDone chan struct{}
}

// New builds a reconciler. The persisted target state, if any, is restored so
// the device keeps running its workloads while offline.
func New(rt runtime.Runtime, store Store, bus *events.Bus, opts Options, stopTimeout time.Duration) (*Reconciler, error) {
	r := &Reconciler{
		rt:          rt,
		store:       store,
		bus:         bus,
		opts:        opts,
		locks:       NewLocks(),
		stopTimeout: stopTimeout,
		failures:    make(map[string]*appFailure),
	}
	if store != nil {
		ts, err := store.LoadTargetState()
		if err != nil {
			return nil, fmt.Errorf("restoring target state: %w", err)
		}
		if ts != nil {
			r.target = *ts
			log.Infof("Restored target state version %d with %d app(s)", ts.Version, len(ts.Apps))
		}
	}
	if r.target.Apps == nil {
		r.target.Apps = map[string]state.App{}
	}
	return r, nil
}

// SetTarget validates, persists and adopts a new target state. An invalid
// update is rejected and the prior target kept. Source identifies where the
// update came from (cloud poll, local API, restore).
func (r *Reconciler) SetTarget(ts state.TargetState, source string) error {
	if err := state.Validate(ts); err != nil {
		return fmt.Errorf("invalid target state from %s: %w", source, err)
	}
	if ts.Apps == nil {
		ts.Apps = map[string]state.App{}
	}

	r.mu.Lock()
	// A local config update keeps the cloud version, so the version alone
	// cannot decide whether subscribers need to re-check the target.
	changed := ts.Version != r.target.Version ||
		!reflect.DeepEqual(ts.Apps, r.target.Apps) ||
		!reflect.DeepEqual(ts.Config, r.target.Config)
	r.target = ts
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveTargetState(&ts); err != nil {
			return fmt.Errorf("persisting target state: %w", err)
		}
	}
	log.Infof("Adopted target state version %d from %s (%d apps)", ts.Version, source, len(ts.Apps))
	if changed && r.bus != nil {
		r.bus.Publish(events.Event{Type: events.TargetStateChanged, Payload: ts.Version})
	}
	return nil
}

// TargetState returns a copy of the current target.
func (r *Reconciler) TargetState() state.TargetState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.target
}

// CurrentState derives the observed state from the runtime's managed
// containers. It is never cached.
func (r *Reconciler) CurrentState(ctx context.Context) (state.CurrentState, error) {
	infos, err := r.rt.ListContainers(ctx, map[string]string{runtime.LabelManaged: "true"})
	if err != nil {
		return nil, err
	}

	current := state.CurrentState{}
	for _, info := range infos {
		appID := info.Labels[runtime.LabelAppID]
		if appID == "" {
			continue
		}
		svcID, _ := strconv.ParseInt(info.Labels[runtime.LabelServiceID], 10, 64)
		app := current[appID]
		app.Services = append(app.Services, state.ServiceState{
			ServiceID:         svcID,
			ServiceName:       info.Labels[runtime.LabelServiceName],
			ContainerID:       info.ID,
			ImageName:         info.ImageName,
			ImageDigest:       info.ImageDigest,
			Status:            info.Status,
			ConfigFingerprint: info.Labels[runtime.LabelConfigHash],
			Labels:            info.Labels,
		})
		current[appID] = app
	}

	r.mu.RLock()
	for appID, f := range r.failures {
		if f.count < degradedThreshold {
			continue
		}
		if app, ok := current[appID]; ok {
			app.Degraded = true
			current[appID] = app
		}
	}
	r.mu.RUnlock()

	for appID := range current {
		app := current[appID]
		sort.Slice(app.Services, func(i, j int) bool {
			return app.Services[i].ServiceName < app.Services[j].ServiceName
		})
		current[appID] = app
	}
	return current, nil
}

// ApplyTargetState runs bounded planning/execution passes until the plan is
// empty. A runtime outage aborts the call; per-app step failures skip the
// rest of that app's steps and back the app off exponentially.
func (r *Reconciler) ApplyTargetState(ctx context.Context) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	holder := fmt.Sprintf("reconcile-%d", r.passSeq.Add(1))

	var stepErrs *multierror.Error
	for pass := 1; pass <= maxApplyPasses; pass++ {
		stepErrs = nil
		current, err := r.CurrentState(ctx)
		if err != nil {
			return fmt.Errorf("deriving current state: %w", err)
		}
		steps := RequiredSteps(current, r.TargetState(), r.opts)
		if len(steps) == 0 {
			r.clearAllFailures()
			return nil
		}
		log.Debugf("Reconcile pass %d: %d step(s)", pass, len(steps))

		failed := map[string]bool{}
		now := time.Now()
		for _, step := range steps {
			if err := ctx.Err(); err != nil {
				return err
			}
			if step.AppID != "" && failed[step.AppID] && step.Kind != StepReleaseLock {
				continue
			}
			if step.Kind == StepTakeLock && r.deferred(step.AppID, now) {
				log.Debugf("App %s backing off, skipping this pass", step.AppID)
				failed[step.AppID] = true
				continue
			}

			if err := r.ExecuteStep(ctx, holder, step); err != nil {
				if errors.Is(err, runtime.ErrRuntimeUnavailable) {
					return fmt.Errorf("container runtime unavailable, aborting pass: %w", err)
				}
				log.Errorf("Step %s for app %s failed: %v", step, step.AppID, err)
				stepErrs = multierror.Append(stepErrs, fmt.Errorf("app %s: %w", step.AppID, err))
				failed[step.AppID] = true
				r.recordFailure(step.AppID)
			}
		}

		// Apps that made it through the pass cleanly get their failure
		// history reset.
		for _, step := range steps {
			if step.AppID != "" && !failed[step.AppID] {
				r.clearFailure(step.AppID)
			}
		}
	}

	current, err := r.CurrentState(ctx)
	if err != nil {
		return fmt.Errorf("deriving current state: %w", err)
	}
	if remaining := RequiredSteps(current, r.TargetState(), r.opts); len(remaining) > 0 {
		err := fmt.Errorf("target state not converged after %d passes, %d step(s) remaining", maxApplyPasses, len(remaining))
		if stepErrs != nil {
			return multierror.Append(stepErrs, err)
		}
		return err
	}
	return nil
}

// ExecuteStep applies one step. Every step tolerates being replayed: a
// half-applied pass simply re-plans and re-runs.
func (r *Reconciler) ExecuteStep(ctx context.Context, holder string, step Step) error {
	log.Debugf("Executing %s", step)
	switch step.Kind {
	case StepTakeLock:
		if !r.locks.Acquire(step.AppID, holder, r.opts.Force) {
			return fmt.Errorf("app %s is locked", step.AppID)
		}
		return nil
	case StepReleaseLock:
		r.locks.Release(step.AppID, holder)
		return nil
	case StepFetch:
		if err := r.rt.PullImage(ctx, step.Image); err != nil {
			return fmt.Errorf("%w: %s: %v", runtime.ErrImagePullFailed, step.Image, errMessage(err))
		}
		return nil
	case StepStart:
		return r.startService(ctx, step.AppID, *step.Service)
	case StepStop:
		err := r.rt.StopContainer(ctx, step.Current.ContainerID, r.stopTimeout)
		return ignoreNotFound(err)
	case StepKill:
		return ignoreNotFound(r.rt.KillContainer(ctx, step.Current.ContainerID))
	case StepRemove:
		return ignoreNotFound(r.rt.RemoveContainer(ctx, step.Current.ContainerID))
	case StepRemoveImage:
		err := r.rt.RemoveImage(ctx, step.Image)
		if errors.Is(err, runtime.ErrConflict) {
			// Still referenced by another container; not an error.
			log.Debugf("Image %s still in use, keeping it", step.Image)
			return nil
		}
		return ignoreNotFound(err)
	case StepCreateNetwork:
		err := r.rt.CreateNetwork(ctx, step.Resource)
		if errors.Is(err, runtime.ErrAlreadyExists) {
			return nil
		}
		return err
	case StepCreateVolume:
		err := r.rt.CreateVolume(ctx, step.Resource)
		if errors.Is(err, runtime.ErrAlreadyExists) {
			return nil
		}
		return err
	case StepRemoveNetwork:
		return ignoreNotFound(r.rt.RemoveNetwork(ctx, step.Resource))
	case StepRemoveVolume:
		return ignoreNotFound(r.rt.RemoveVolume(ctx, step.Resource))
	case StepUpdateMetadata:
		// Container labels are immutable in docker; the new labels take
		// effect on the next recreate. Log so the drift is visible.
		log.Infof("Metadata update for %s/%s recorded, applied on next recreate",
			step.AppID, step.Service.ServiceName)
		return nil
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// startService creates (if needed) and starts the container for a service.
// An existing container with a matching fingerprint is simply started; a
// stale one is replaced.
func (r *Reconciler) startService(ctx context.Context, appID string, svc state.Service) error {
	existing, err := r.rt.ListContainers(ctx, map[string]string{
		runtime.LabelManaged:     "true",
		runtime.LabelAppID:       appID,
		runtime.LabelServiceName: svc.ServiceName,
	})
	if err != nil {
		return err
	}

	fingerprint := ConfigFingerprint(svc.ContainerConfig)
	for _, info := range existing {
		if info.Labels[runtime.LabelConfigHash] == fingerprint && info.ImageName == svc.ImageName {
			if info.Status == state.StatusRunning {
				return nil
			}
			return r.rt.StartContainer(ctx, info.ID)
		}
		// Stale leftover from an interrupted update.
		if err := ignoreNotFound(r.rt.StopContainer(ctx, info.ID, r.stopTimeout)); err != nil {
			return err
		}
		if err := ignoreNotFound(r.rt.RemoveContainer(ctx, info.ID)); err != nil {
			return err
		}
	}

	id, err := r.rt.CreateContainer(ctx, containerSpec(appID, svc, fingerprint))
	if err != nil {
		return err
	}
	return r.rt.StartContainer(ctx, id)
}

// containerSpec maps a service definition onto a runtime container spec,
// stamping the bookkeeping labels the planner reads back.
func containerSpec(appID string, svc state.Service, fingerprint string) runtime.ContainerSpec {
	labels := map[string]string{
		runtime.LabelManaged:     "true",
		runtime.LabelAppID:       appID,
		runtime.LabelServiceID:   strconv.FormatInt(svc.ServiceID, 10),
		runtime.LabelServiceName: svc.ServiceName,
		runtime.LabelConfigHash:  fingerprint,
	}
	if len(svc.ContainerConfig.Networks) > 0 {
		labels[runtime.LabelNetworks] = strings.Join(svc.ContainerConfig.Networks, ",")
	}
	if vols := volumeNames(svc.ContainerConfig.Volumes); len(vols) > 0 {
		labels[runtime.LabelVolumes] = strings.Join(vols, ",")
	}
	for k, v := range svc.ContainerConfig.Labels {
		labels[k] = v
	}
	return runtime.ContainerSpec{
		Name:          fmt.Sprintf("%s_%s", appID, svc.ServiceName),
		Image:         svc.ImageName,
		Env:           svc.ContainerConfig.Env,
		Ports:         svc.ContainerConfig.Ports,
		Networks:      svc.ContainerConfig.Networks,
		Volumes:       svc.ContainerConfig.Volumes,
		RestartPolicy: svc.ContainerConfig.RestartPolicy,
		Labels:        labels,
	}
}

func volumeNames(decls []string) []string {
	var out []string
	for _, d := range decls {
		if name := volumeName(d); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// StartAutoReconciliation runs ApplyTargetState on a fixed interval until
// StopAutoReconciliation is called. Each tick reports liveness.
func (r *Reconciler) StartAutoReconciliation(interval time.Duration) {
	r.mu.Lock()
	if r.tickerStop != nil {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	r.tickerStop = stop
	r.tickerDone = done
	r.mu.Unlock()

	hc := health.RegisterWithCustomTimeout("reconciler", 3*interval)
	go func() {
		defer close(done)
		defer health.Deregister(hc) //nolint:errcheck
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				health.Ping(hc) //nolint:errcheck
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if err := r.ApplyTargetState(ctx); err != nil {
					log.Warnf("Reconcile tick failed: %v", err)
				}
				cancel()
			}
		}
	}()
	log.Infof("Auto reconciliation started, interval %s", interval)
}

// StopAutoReconciliation stops the ticker and waits for an in-flight pass.
func (r *Reconciler) StopAutoReconciliation() {
	r.mu.Lock()
	stop, done := r.tickerStop, r.tickerDone
	r.tickerStop, r.tickerDone = nil, nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	log.Info("Auto reconciliation stopped")
}

// LockApp takes an app lock on behalf of an external holder (local API).
func (r *Reconciler) LockApp(appID, holder string, force bool) bool {
	return r.locks.Acquire(appID, holder, force)
}

// UnlockApp releases an externally held app lock.
func (r *Reconciler) UnlockApp(appID, holder string) {
	r.locks.Release(appID, holder)
}

func (r *Reconciler) recordFailure(appID string) {
	if appID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.failures[appID]
	if !ok {
		f = &appFailure{}
		r.failures[appID] = f
	}
	f.count++
	backoff := failureBackoffBase << uint(f.count-1)
	if backoff > failureBackoffMax || backoff <= 0 {
		backoff = failureBackoffMax
	}
	f.nextAttempt = time.Now().Add(backoff)
	if f.count == degradedThreshold {
		log.Warnf("App %s marked degraded after %d consecutive failures", appID, f.count)
	}
}

func (r *Reconciler) clearFailure(appID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, appID)
}

func (r *Reconciler) clearAllFailures() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = make(map[string]*appFailure)
}

func (r *Reconciler) deferred(appID string, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.failures[appID]
	return ok && now.Before(f.nextAttempt)
}

func ignoreNotFound(err error) error {
	if errors.Is(err, runtime.ErrNotFound) {
		return nil
	}
	return err
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
