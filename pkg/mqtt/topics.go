// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mqtt

import "fmt"

// Device-side topic layout.

// TopicSensor is where sensor frames are published.
func TopicSensor(uuid, sensorTopic string) string {
	return fmt.Sprintf("iot/device/%s/sensor/%s", uuid, sensorTopic)
}

// TopicAgentStatus carries online/offline announcements.
func TopicAgentStatus(uuid string) string {
	return fmt.Sprintf("iot/device/%s/agent/status", uuid)
}

// TopicState mirrors the HTTP state report.
func TopicState(uuid string) string {
	return fmt.Sprintf("iot/device/%s/state", uuid)
}

// TopicAnomaly carries anomaly alerts.
func TopicAnomaly(uuid string) string {
	return fmt.Sprintf("iot/device/%s/anomaly", uuid)
}

// TopicAgentUpdate is subscribed for update commands.
func TopicAgentUpdate(uuid string) string {
	return fmt.Sprintf("iot/device/%s/agent/update", uuid)
}

// TopicSensorConfig is subscribed for sensor configuration pushes.
func TopicSensorConfig(uuid string) string {
	return fmt.Sprintf("iot/device/%s/sensor/config", uuid)
}

// TopicJobs is subscribed (wildcard) for job dispatch.
func TopicJobs(uuid string) string {
	return fmt.Sprintf("iot/device/%s/jobs/+", uuid)
}
