package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cureops/incidentd/internal/incident/model"
)

// FlagsConfig holds configuration for the feature flag client.
type FlagsConfig struct {
	BaseURL string
	Timeout time.Duration
}

// FlagsClient reads active feature flags from the flag system's HTTP API.
type FlagsClient struct {
	config     FlagsConfig
	httpClient *http.Client
}

// NewFlagsClient creates a new feature flag client.
func NewFlagsClient(config FlagsConfig) *FlagsClient {
	return &FlagsClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// ActiveFlags lists the flags currently toggled for a service.
func (c *FlagsClient) ActiveFlags(ctx context.Context, service string) ([]model.FeatureFlag, error) {
	params := url.Values{}
	params.Set("service", service)
	reqURL := fmt.Sprintf("%s/v1/flags?%s", c.config.BaseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, timeoutError(err, "feature flag query")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("flags API returned status %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Items []model.FeatureFlag `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Items, nil
}
