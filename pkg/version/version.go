// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package version holds the agent version, set at build time.
package version

import "fmt"

// Default build-time values, overridden by the linker.
var (
	AgentVersion = "0.0.0-dev"
	Commit       = ""
)

// Version describes the running agent build.
type Version struct {
	Number string
	Commit string
}

// Agent returns the version of the running agent binary.
func Agent() Version {
	return Version{
		Number: AgentVersion,
		Commit: Commit,
	}
}

func (v Version) String() string {
	if v.Commit == "" {
		return v.Number
	}
	return fmt.Sprintf("%s (commit %s)", v.Number, v.Commit)
}
