// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current status of a running Agent",
	RunE:  status,
}

func init() {
	AgentCmd.AddCommand(statusCmd)
}

// getJSON fetches one local API endpoint into a generic map.
func getJSON(client *http.Client, path string) (map[string]interface{}, error) {
	resp, err := client.Get(localAPIURL(path))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func status(*cobra.Command, []string) error {
	if err := setupConfig(); err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}

	prov, err := getJSON(client, "/v1/provision/status")
	if err != nil {
		return fmt.Errorf("is the agent running? %w", err)
	}
	fmt.Printf("Provisioned: %v\n", prov["provisioned"])
	if uuid, ok := prov["uuid"].(string); ok && uuid != "" {
		fmt.Printf("UUID:        %s\n", uuid)
	}

	if conn, err := getJSON(client, "/v2/connection/health"); err == nil {
		fmt.Printf("Cloud:       %v", conn["status"])
		if n, ok := conn["consecutiveFailures"].(float64); ok && n > 0 {
			fmt.Printf(" (%d consecutive failures)", int(n))
		}
		fmt.Println()
	}

	resp, err := client.Get(localAPIURL("/v1/healthy"))
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("Health:      healthy")
		} else {
			fmt.Println("Health:      unhealthy")
		}
	}
	return nil
}
