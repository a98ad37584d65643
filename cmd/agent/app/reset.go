// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var factoryReset bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Deprovision the device, keeping its identity",
	Long:  `Clears cloud-assigned state so the device can be re-provisioned. With --factory, also wipes workloads and credentials, keeping only the uuid.`,
	RunE:  reset,
}

func init() {
	resetCmd.Flags().BoolVar(&factoryReset, "factory", false, "full factory reset")
	AgentCmd.AddCommand(resetCmd)
}

func reset(*cobra.Command, []string) error {
	if err := setupConfig(); err != nil {
		return err
	}
	path := "/v1/deprovision"
	if factoryReset {
		path = "/v1/factory-reset"
	}
	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Post(localAPIURL(path), "application/json", nil)
	if err != nil {
		return fmt.Errorf("is the agent running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("reset failed: %s", string(raw))
	}
	if factoryReset {
		fmt.Println("Factory reset complete")
	} else {
		fmt.Println("Device deprovisioned")
	}
	return nil
}
