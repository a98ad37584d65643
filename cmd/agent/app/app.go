// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package app holds the agent CLI commands.
package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fieldline/fieldline-agent/pkg/config"
	"github.com/fieldline/fieldline-agent/pkg/version"
)

var (
	// AgentCmd is the root command
	AgentCmd = &cobra.Command{
		Use:          "fieldline-agent [command]",
		Short:        "Fieldline Agent at your service.",
		Long:         `The Fieldline Agent provisions the device, reconciles container workloads against the cloud target state and samples field sensors.`,
		SilenceUsage: true,
	}

	confPath string
)

func init() {
	AgentCmd.PersistentFlags().StringVarP(&confPath, "cfgpath", "c", "", "path to directory containing fieldline.yaml")
}

// setupConfig loads the configuration file. A missing file is not an error:
// the agent can run on environment variables alone.
func setupConfig() error {
	if confPath != "" {
		config.Fieldline.Set("conf_path", confPath)
	}
	if err := config.Load(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("unable to load agent config: %w", err)
		}
	}
	return nil
}

// localAPIURL builds a URL for the local control API.
func localAPIURL(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", config.Fieldline.GetInt("cmd_port"), path)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version info",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("Fieldline Agent %s\n", version.Agent())
	},
}

func init() {
	AgentCmd.AddCommand(versionCmd)
}
