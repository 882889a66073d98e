package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sama-wellness/orchestrator/internal/breaker"
	"github.com/sama-wellness/orchestrator/internal/metrics"
	"github.com/sama-wellness/orchestrator/internal/process"
)

// APIClient reads the debug endpoints of a running gateway.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// ServiceInfo mirrors one entry of GET /debug/services.
type ServiceInfo struct {
	process.Status
	Uptime    string             `json:"uptime,omitempty"`
	Resources *metrics.Resources `json:"resources,omitempty"`
}

func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://localhost:5000"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *APIClient) Services() ([]ServiceInfo, error) {
	var out []ServiceInfo
	if err := c.getJSON("/debug/services", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) Breakers() ([]breaker.Snapshot, error) {
	var out []breaker.Snapshot
	if err := c.getJSON("/debug/breakers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) getJSON(path string, v any) error {
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("gateway not reachable at %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err == nil && errorResp.Error != "" {
			return fmt.Errorf("API error: %s (%d)", errorResp.Error, resp.StatusCode)
		}
		return fmt.Errorf("API error: status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
