// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config holds the process-wide agent configuration backed by viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Fieldline is the global configuration object
var Fieldline Config

// Config wraps viper with env-aware default binding.
type Config struct {
	*viper.Viper
}

// NewConfig builds a Config reading `name`.yaml and environment variables
// prefixed with envPrefix.
func NewConfig(name string, envPrefix string, envKeyReplacer *strings.Replacer) Config {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	return Config{v}
}

// BindEnvAndSetDefault binds an environment variable and sets a default in
// one call.
func (c Config) BindEnvAndSetDefault(key string, val interface{}) {
	c.SetDefault(key, val)
	c.BindEnv(key) //nolint:errcheck
}

func init() {
	Fieldline = NewConfig("fieldline", "FIELDLINE", strings.NewReplacer(".", "_"))
	initConfig(Fieldline)
}

// initConfig initializes the config defaults on a config
func initConfig(config Config) {
	// Agent
	config.BindEnvAndSetDefault("conf_path", ".")
	config.BindEnvAndSetDefault("db_path", "/var/lib/fieldline/agent.db")
	config.BindEnvAndSetDefault("log_file", "")
	config.BindEnvAndSetDefault("log_level", "info")
	config.BindEnvAndSetDefault("log_to_console", true)
	config.BindEnvAndSetDefault("disable_file_logging", false)

	// Cloud control plane
	config.BindEnv("api_endpoint")
	config.BindEnv("provisioning_key")
	config.BindEnvAndSetDefault("require_provisioning", false)
	config.BindEnvAndSetDefault("device_name", "")
	config.BindEnvAndSetDefault("device_type", "generic")
	config.BindEnvAndSetDefault("application_id", "")
	config.BindEnvAndSetDefault("cloud_http_timeout", 30*time.Second)

	// Sync cadence. Poll/report intervals may also be adjusted through the
	// target state itself.
	config.BindEnvAndSetDefault("target_state_poll_interval", 60*time.Second)
	config.BindEnvAndSetDefault("device_report_interval", 60*time.Second)
	config.BindEnvAndSetDefault("reconciliation_interval", 60*time.Second)
	config.BindEnvAndSetDefault("report_compression", true)

	// Local control API
	config.BindEnvAndSetDefault("cmd_host", "localhost")
	config.BindEnvAndSetDefault("cmd_port", 5646)
	config.BindEnvAndSetDefault("memory_threshold_mb", 512)

	// MQTT broker
	config.BindEnvAndSetDefault("mqtt.broker_url", "")
	config.BindEnvAndSetDefault("mqtt.username", "")
	config.BindEnvAndSetDefault("mqtt.password", "")
	config.BindEnvAndSetDefault("mqtt.ca_cert", "")
	config.BindEnvAndSetDefault("mqtt.verify_certificate", true)
	config.BindEnvAndSetDefault("mqtt.queue_size", 1000)

	// Container runtime
	config.BindEnvAndSetDefault("runtime.stop_timeout", 10*time.Second)
	config.BindEnvAndSetDefault("runtime.keep_images", true)
	config.BindEnvAndSetDefault("runtime.keep_volumes", true)

	// Metrics collector
	config.BindEnvAndSetDefault("metrics_interval", 30*time.Second)
	config.BindEnvAndSetDefault("metrics_top_processes", 5)

	// Anomaly detection
	config.BindEnvAndSetDefault("anomaly_detection.enabled", true)
	config.BindEnvAndSetDefault("anomaly_detection.sensitivity", 3.0)
	config.BindEnvAndSetDefault("anomaly_detection.methods", []string{"zscore", "mad", "iqr", "rate", "ewma"})
	config.BindEnvAndSetDefault("anomaly_detection.window_size", 100)
	config.BindEnvAndSetDefault("anomaly_detection.sensor_window_size", 500)
	config.BindEnvAndSetDefault("anomaly_detection.min_confidence", 0.5)
	config.BindEnvAndSetDefault("anomaly_detection.cooldown", 5*time.Minute)
	config.BindEnvAndSetDefault("anomaly_detection.queue_size", 200)

	// Modbus sensing
	config.BindEnvAndSetDefault("modbus.read_timeout", 3*time.Second)
	config.BindEnvAndSetDefault("modbus.keepalive_interval", 30*time.Second)

	// Firewall integration mode: on, off, auto or disabled.
	config.BindEnvAndSetDefault("firewall_mode", "disabled")

	// Shutdown
	config.BindEnvAndSetDefault("shutdown_grace_period", 15*time.Second)
}

// Load reads the configuration file found in conf_path, if any.
func Load() error {
	Fieldline.AddConfigPath(Fieldline.GetString("conf_path"))
	return Fieldline.ReadInConfig()
}
