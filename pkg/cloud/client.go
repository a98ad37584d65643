// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package cloud is the typed HTTP client for the control plane. It owns no
// retry logic: callers classify the returned errors and apply their own
// backoff policies.
package cloud

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotModified is returned by GetTargetState on a 304 response.
var ErrNotModified = errors.New("target state not modified")

// IsNotModified reports whether err is the 304 sentinel.
func IsNotModified(err error) bool {
	return errors.Is(err, ErrNotModified)
}

// APIError is a non-2xx response from the control plane.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloud API returned %d: %s", e.StatusCode, e.Body)
}

// IsAuth reports whether err is a 401/403 from the control plane.
func IsAuth(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden)
}

// IsDeviceUnknown reports whether err is a 404 from the control plane.
func IsDeviceUnknown(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsAlreadyRegistered reports whether err is a 409 on registration, which is
// handled as "proceed to key exchange".
func IsAlreadyRegistered(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// IsRetriable reports whether err warrants a retry with backoff: any network
// error or a 5xx.
func IsRetriable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return !errors.Is(err, ErrNotModified)
}

// Client talks to the control plane over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the given endpoint. Every request carries the
// client timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body io.Reader, extraHeaders map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	return c.http.Do(req)
}

func decodeOrError(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Register performs phase one of provisioning, authenticated with the
// fleet-wide provisioning key.
func (c *Client) Register(ctx context.Context, provisioningKey string, req RegisterRequest) (*RegisterResponse, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/device/register", provisioningKey, bytes.NewReader(raw), nil)
	if err != nil {
		return nil, err
	}
	var out RegisterResponse
	if err := decodeOrError(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExchangeKey performs phase two of provisioning: proving the device can
// authenticate with its per-device key.
func (c *Client) ExchangeKey(ctx context.Context, uuid, deviceKey string) error {
	raw, err := json.Marshal(map[string]string{"uuid": uuid, "deviceKey": deviceKey})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/device/%s/key-exchange", uuid), deviceKey, bytes.NewReader(raw), nil)
	if err != nil {
		return err
	}
	return decodeOrError(resp, nil)
}

// GetTargetState polls the target state, honoring the ETag cache validator.
// On 304 it returns ErrNotModified.
func (c *Client) GetTargetState(ctx context.Context, uuid, deviceKey, etag string) (*TargetStateDoc, string, error) {
	var headers map[string]string
	if etag != "" {
		headers = map[string]string{"If-None-Match": etag}
	}
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/device/%s/state", uuid), deviceKey, nil, headers)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode == http.StatusNotModified {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()
		return nil, etag, ErrNotModified
	}

	// The response nests the document under the device uuid.
	var byUUID map[string]TargetStateDoc
	if err := decodeOrError(resp, &byUUID); err != nil {
		return nil, "", err
	}
	doc, ok := byUUID[uuid]
	if !ok {
		return nil, "", fmt.Errorf("target state response has no entry for device %s", uuid)
	}
	return &doc, resp.Header.Get("ETag"), nil
}

// ReportState pushes the current state snapshot. The body is gzip-compressed
// when compress is set.
func (c *Client) ReportState(ctx context.Context, uuid, deviceKey string, report *StateReport, compress bool) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return err
	}

	var body io.Reader = bytes.NewReader(raw)
	var headers map[string]string
	if compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		body = &buf
		headers = map[string]string{"Content-Encoding": "gzip"}
	}

	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/device/%s/state", uuid), deviceKey, body, headers)
	if err != nil {
		return err
	}
	return decodeOrError(resp, nil)
}

// Deprovision removes the device from the control plane. Used by factory
// reset, best effort.
func (c *Client) Deprovision(ctx context.Context, uuid, deviceKey string) error {
	resp, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/devices/%s", uuid), deviceKey, nil, nil)
	if err != nil {
		return err
	}
	return decodeOrError(resp, nil)
}
