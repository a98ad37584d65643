// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package reconciler

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/fieldline/fieldline-agent/pkg/runtime"
	"github.com/fieldline/fieldline-agent/pkg/state"
)

// Options tune step generation.
type Options struct {
	// KeepImages skips RemoveImage steps when an app is undeployed.
	KeepImages bool
	// KeepVolumes skips RemoveVolume steps when an app is undeployed.
	KeepVolumes bool
	// Force acquires app locks with preemption.
	Force bool
}

// ConfigFingerprint summarizes the runtime-relevant parts of a container
// config as per-facet hashes. It is stamped on the container at creation and
// diffed against the target to both detect drift and select an update
// strategy.
func ConfigFingerprint(cfg state.ContainerConfig) string {
	ports := make([]string, 0, len(cfg.Ports))
	for host, ctr := range cfg.Ports {
		ports = append(ports, host+":"+ctr)
	}
	return fmt.Sprintf("env=%s,ports=%s,nets=%s,vols=%s,restart=%s",
		hashStrings(cfg.Env),
		hashStrings(ports),
		hashStrings(cfg.Networks),
		hashStrings(cfg.Volumes),
		hashStrings([]string{cfg.RestartPolicy}),
	)
}

func hashStrings(values []string) string {
	sorted := make([]string, len(values))
	copy(sorted, values)
	sort.Strings(sorted)
	h := fnv.New32a()
	for _, v := range sorted {
		h.Write([]byte(v)) //nolint:errcheck
		h.Write([]byte{0}) //nolint:errcheck
	}
	return fmt.Sprintf("%08x", h.Sum32())
}

func parseFingerprint(fp string) map[string]string {
	facets := make(map[string]string)
	for _, part := range strings.Split(fp, ",") {
		if k, v, ok := strings.Cut(part, "="); ok {
			facets[k] = v
		}
	}
	return facets
}

// serviceDiff describes how one service's target differs from its observed
// state.
type serviceDiff struct {
	imageChanged   bool
	envChanged     bool
	portsChanged   bool
	netsChanged    bool
	volsChanged    bool
	restartChanged bool
	labelsChanged  bool
}

func (d serviceDiff) runtimeChanged() bool {
	return d.imageChanged || d.envChanged || d.portsChanged || d.netsChanged || d.volsChanged || d.restartChanged
}

func diffService(target state.Service, observed state.ServiceState) serviceDiff {
	targetFacets := parseFingerprint(ConfigFingerprint(target.ContainerConfig))
	observedFacets := parseFingerprint(observed.ConfigFingerprint)
	d := serviceDiff{
		imageChanged:   target.ImageName != observed.ImageName,
		envChanged:     targetFacets["env"] != observedFacets["env"],
		portsChanged:   targetFacets["ports"] != observedFacets["ports"],
		netsChanged:    targetFacets["nets"] != observedFacets["nets"],
		volsChanged:    targetFacets["vols"] != observedFacets["vols"],
		restartChanged: targetFacets["restart"] != observedFacets["restart"],
	}
	d.labelsChanged = labelsDiffer(target.ContainerConfig.Labels, observed.Labels)
	return d
}

// labelsDiffer compares the user-supplied labels, ignoring the agent's own
// bookkeeping labels.
func labelsDiffer(target, observed map[string]string) bool {
	for k, v := range target {
		if observed[k] != v {
			return true
		}
	}
	for k := range observed {
		if strings.HasPrefix(k, "io.fieldline.") {
			continue
		}
		if _, ok := target[k]; !ok {
			return true
		}
	}
	return false
}

// strategyFor selects the update strategy for a changed service. Handover is
// generated only when declared in the service config.
func strategyFor(target state.Service, d serviceDiff) state.UpdateStrategy {
	switch {
	case target.ContainerConfig.Handover:
		return state.StrategyHandover
	case d.netsChanged:
		return state.StrategyDeleteThenDownload
	case d.portsChanged || d.volsChanged:
		return state.StrategyKillThenDownload
	default:
		return state.StrategyDownloadThenKill
	}
}

// volumeName extracts the volume name from a "name:mountPath" declaration.
func volumeName(decl string) string {
	name, _, _ := strings.Cut(decl, ":")
	return name
}

// RequiredSteps is a pure function returning the ordered composition steps
// that drive current towards target. A stable target with matching current
// state yields no steps.
func RequiredSteps(current state.CurrentState, target state.TargetState, opts Options) []Step {
	var steps []Step

	targetIDs := sortedKeys(target.Apps)
	for _, appID := range targetIDs {
		app := target.Apps[appID]
		observed, deployed := current[appID]
		if !deployed || len(observed.Services) == 0 {
			steps = append(steps, installSteps(appID, app.Services)...)
			continue
		}
		steps = append(steps, updateSteps(appID, app.Services, observed.Services)...)
	}

	// Apps running locally but absent from the target are undeployed.
	for _, appID := range sortedKeys(current) {
		if _, wanted := target.Apps[appID]; wanted {
			continue
		}
		steps = append(steps, undeploySteps(appID, current[appID].Services, opts)...)
	}

	return steps
}

// installSteps deploys an app with no observed services: resources first,
// then image pulls, then service starts.
func installSteps(appID string, services []state.Service) []Step {
	var steps []Step
	steps = append(steps, resourceSteps(appID, services)...)
	for _, image := range distinctImages(services) {
		steps = append(steps, Step{Kind: StepFetch, AppID: appID, Image: image})
	}
	for i := range services {
		svc := services[i]
		steps = append(steps, Step{Kind: StepStart, AppID: appID, Service: &svc})
	}
	return steps
}

// resourceSteps creates the networks and volumes the services depend on,
// before any service that uses them.
func resourceSteps(appID string, services []state.Service) []Step {
	var steps []Step
	for _, net := range distinctNetworks(services) {
		steps = append(steps, Step{Kind: StepCreateNetwork, AppID: appID, Resource: net})
	}
	for _, vol := range distinctVolumes(services) {
		steps = append(steps, Step{Kind: StepCreateVolume, AppID: appID, Resource: vol})
	}
	return steps
}

// updateSteps reconciles an app present on both sides. Any destructive
// change is wrapped in the app lock.
func updateSteps(appID string, targetSvcs []state.Service, observedSvcs []state.ServiceState) []Step {
	observedByName := make(map[string]state.ServiceState, len(observedSvcs))
	for _, o := range observedSvcs {
		observedByName[o.ServiceName] = o
	}
	targetByName := make(map[string]bool, len(targetSvcs))
	for _, svc := range targetSvcs {
		targetByName[svc.ServiceName] = true
	}

	var body []Step
	destructive := false

	for i := range targetSvcs {
		svc := targetSvcs[i]
		observed, exists := observedByName[svc.ServiceName]
		if !exists {
			// New service inside an existing app.
			body = append(body, Step{Kind: StepFetch, AppID: appID, Image: svc.ImageName})
			body = append(body, Step{Kind: StepStart, AppID: appID, Service: &svc})
			continue
		}

		d := diffService(svc, observed)
		if !d.runtimeChanged() {
			if observed.Status != state.StatusRunning {
				// Drift: the container exists but is not running.
				body = append(body, Step{Kind: StepStart, AppID: appID, Service: &svc})
			} else if d.labelsChanged {
				body = append(body, Step{Kind: StepUpdateMetadata, AppID: appID, Service: &svc})
			}
			continue
		}

		destructive = true
		cur := observed
		switch strategyFor(svc, d) {
		case state.StrategyHandover:
			body = append(body,
				Step{Kind: StepFetch, AppID: appID, Image: svc.ImageName},
				Step{Kind: StepStart, AppID: appID, Service: &svc},
				Step{Kind: StepStop, AppID: appID, Current: &cur},
				Step{Kind: StepRemove, AppID: appID, Current: &cur},
			)
		case state.StrategyDeleteThenDownload:
			body = append(body,
				Step{Kind: StepStop, AppID: appID, Current: &cur},
				Step{Kind: StepRemove, AppID: appID, Current: &cur},
				Step{Kind: StepRemoveImage, AppID: appID, Image: cur.ImageName},
				Step{Kind: StepFetch, AppID: appID, Image: svc.ImageName},
				Step{Kind: StepStart, AppID: appID, Service: &svc},
			)
		case state.StrategyKillThenDownload:
			body = append(body,
				Step{Kind: StepStop, AppID: appID, Current: &cur},
				Step{Kind: StepRemove, AppID: appID, Current: &cur},
				Step{Kind: StepFetch, AppID: appID, Image: svc.ImageName},
				Step{Kind: StepStart, AppID: appID, Service: &svc},
			)
		default: // download-then-kill: pull while the old container serves
			body = append(body,
				Step{Kind: StepFetch, AppID: appID, Image: svc.ImageName},
				Step{Kind: StepStop, AppID: appID, Current: &cur},
				Step{Kind: StepRemove, AppID: appID, Current: &cur},
				Step{Kind: StepStart, AppID: appID, Service: &svc},
			)
		}
	}

	// Services running locally but absent from the target.
	for _, o := range observedSvcs {
		if targetByName[o.ServiceName] {
			continue
		}
		destructive = true
		cur := o
		body = append(body,
			Step{Kind: StepStop, AppID: appID, Current: &cur},
			Step{Kind: StepRemove, AppID: appID, Current: &cur},
		)
	}

	if len(body) == 0 {
		return nil
	}
	// New resources may be needed by added or reconfigured services.
	steps := resourceStepsForUpdate(appID, targetSvcs, body)
	if !destructive {
		return append(steps, body...)
	}

	wrapped := make([]Step, 0, len(steps)+len(body)+2)
	wrapped = append(wrapped, steps...)
	wrapped = append(wrapped, Step{Kind: StepTakeLock, AppID: appID})
	wrapped = append(wrapped, body...)
	wrapped = append(wrapped, Step{Kind: StepReleaseLock, AppID: appID})
	return wrapped
}

// resourceStepsForUpdate emits network/volume creation only when the body
// actually starts a service, keeping the plan minimal.
func resourceStepsForUpdate(appID string, targetSvcs []state.Service, body []Step) []Step {
	starts := false
	for _, s := range body {
		if s.Kind == StepStart {
			starts = true
			break
		}
	}
	if !starts {
		return nil
	}
	return resourceSteps(appID, targetSvcs)
}

// undeploySteps tears an app down under its lock.
func undeploySteps(appID string, observedSvcs []state.ServiceState, opts Options) []Step {
	steps := []Step{{Kind: StepTakeLock, AppID: appID}}
	for _, o := range observedSvcs {
		cur := o
		steps = append(steps,
			Step{Kind: StepStop, AppID: appID, Current: &cur},
			Step{Kind: StepRemove, AppID: appID, Current: &cur},
		)
	}
	if !opts.KeepImages {
		seen := map[string]bool{}
		for _, o := range observedSvcs {
			if o.ImageName == "" || seen[o.ImageName] {
				continue
			}
			seen[o.ImageName] = true
			steps = append(steps, Step{Kind: StepRemoveImage, AppID: appID, Image: o.ImageName})
		}
	}
	for _, net := range labelList(observedSvcs, runtime.LabelNetworks) {
		steps = append(steps, Step{Kind: StepRemoveNetwork, AppID: appID, Resource: net})
	}
	if !opts.KeepVolumes {
		for _, vol := range labelList(observedSvcs, runtime.LabelVolumes) {
			steps = append(steps, Step{Kind: StepRemoveVolume, AppID: appID, Resource: vol})
		}
	}
	return append(steps, Step{Kind: StepReleaseLock, AppID: appID})
}

// labelList collects the union of a comma-separated list label across
// observed services.
func labelList(observedSvcs []state.ServiceState, label string) []string {
	seen := map[string]bool{}
	var out []string
	for _, o := range observedSvcs {
		for _, v := range strings.Split(o.Labels[label], ",") {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func distinctImages(services []state.Service) []string {
	seen := map[string]bool{}
	var out []string
	for _, svc := range services {
		if svc.ImageName == "" || seen[svc.ImageName] {
			continue
		}
		seen[svc.ImageName] = true
		out = append(out, svc.ImageName)
	}
	sort.Strings(out)
	return out
}

func distinctNetworks(services []state.Service) []string {
	seen := map[string]bool{}
	var out []string
	for _, svc := range services {
		for _, n := range svc.ContainerConfig.Networks {
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func distinctVolumes(services []state.Service) []string {
	seen := map[string]bool{}
	var out []string
	for _, svc := range services {
		for _, v := range svc.ContainerConfig.Volumes {
			name := volumeName(v)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
