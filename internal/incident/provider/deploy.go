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

// DeployConfig holds configuration for the deployment history client.
type DeployConfig struct {
	BaseURL string
	Timeout time.Duration
}

// DeployClient reads deployment history from the deploy system's HTTP API.
type DeployClient struct {
	config     DeployConfig
	httpClient *http.Client
}

// NewDeployClient creates a new deployment history client.
func NewDeployClient(config DeployConfig) *DeployClient {
	return &DeployClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// RecentDeployments lists deployments for a service, newest first.
func (c *DeployClient) RecentDeployments(ctx context.Context, service string) ([]model.Deployment, error) {
	params := url.Values{}
	params.Set("service", service)
	reqURL := fmt.Sprintf("%s/v1/deployments?%s", c.config.BaseURL, params.Encode())

	var out struct {
		Items []model.Deployment `json:"items"`
	}
	if err := c.getJSON(ctx, reqURL, "deployment history query", &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// ChangedFiles lists the files changed between a version and its predecessor.
func (c *DeployClient) ChangedFiles(ctx context.Context, service, version string) ([]string, error) {
	reqURL := fmt.Sprintf("%s/v1/deployments/%s/%s/files",
		c.config.BaseURL, url.PathEscape(service), url.PathEscape(version))

	var out struct {
		Items []string `json:"items"`
	}
	if err := c.getJSON(ctx, reqURL, "changed files query", &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *DeployClient) getJSON(ctx context.Context, reqURL, operation string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return timeoutError(err, operation)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("deploy API returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
