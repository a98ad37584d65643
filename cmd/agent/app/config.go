// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"fmt"

	"github.com/spf13/cobra"
	yaml "gopkg.in/yaml.v2"

	"github.com/fieldline/fieldline-agent/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the runtime configuration of the Agent",
	Long:  `Prints the merged configuration: defaults, fieldline.yaml and environment variables.`,
	RunE:  printConfig,
}

func init() {
	AgentCmd.AddCommand(configCmd)
}

func printConfig(*cobra.Command, []string) error {
	if err := setupConfig(); err != nil {
		return err
	}
	raw, err := yaml.Marshal(config.Fieldline.AllSettings())
	if err != nil {
		return fmt.Errorf("unable to marshal the configuration: %w", err)
	}
	fmt.Print(string(raw))
	return nil
}
