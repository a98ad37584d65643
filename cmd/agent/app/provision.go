// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var provisioningKey string

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision the device against the cloud",
	RunE:  provision,
}

func init() {
	provisionCmd.Flags().StringVarP(&provisioningKey, "key", "k", "", "fleet provisioning key")
	AgentCmd.AddCommand(provisionCmd)
}

func provision(*cobra.Command, []string) error {
	if err := setupConfig(); err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{"provisioningKey": provisioningKey})
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Post(localAPIURL("/v1/provision"), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("is the agent running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provisioning failed: %s", string(raw))
	}
	fmt.Println("Device provisioned")
	return nil
}
