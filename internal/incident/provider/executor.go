package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// ExecutorConfig holds configuration for the ops executor client.
type ExecutorConfig struct {
	BaseURL string
	Timeout time.Duration
}

// ExecutorClient submits commands and rollbacks to the ops executor service.
// With no base URL configured it simulates execution, so the pipeline stays
// runnable in environments without a real executor.
type ExecutorClient struct {
	config     ExecutorConfig
	httpClient *http.Client
}

// NewExecutorClient creates a new ops executor client.
func NewExecutorClient(config ExecutorConfig) *ExecutorClient {
	return &ExecutorClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type commandRequest struct {
	Command string `json:"command"`
}

type rollbackRequest struct {
	Service     string `json:"service"`
	FromVersion string `json:"from_version"`
	ToVersion   string `json:"to_version"`
}

type executorResponse struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error"`
}

// Run executes a single command and returns its captured output.
func (c *ExecutorClient) Run(ctx context.Context, command string) (string, error) {
	if c.config.BaseURL == "" {
		log.Info().Str("command", command).Msg("executor URL not configured, simulating command")
		return "simulated: " + command, nil
	}

	result, err := c.post(ctx, "/v1/commands", commandRequest{Command: command}, "executor command")
	if err != nil {
		return "", err
	}
	if !result.Success {
		return result.Output, fmt.Errorf("command failed: %s", result.Error)
	}
	return result.Output, nil
}

// Rollback reverts a service to a previous version.
func (c *ExecutorClient) Rollback(ctx context.Context, service, fromVersion, toVersion string) error {
	if c.config.BaseURL == "" {
		log.Info().
			Str("service", service).
			Str("from_version", fromVersion).
			Str("to_version", toVersion).
			Msg("rollback URL not configured, simulating rollback")
		return nil
	}

	result, err := c.post(ctx, "/v1/rollbacks", rollbackRequest{
		Service:     service,
		FromVersion: fromVersion,
		ToVersion:   toVersion,
	}, "executor rollback")
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("rollback failed: %s", result.Error)
	}
	return nil
}

func (c *ExecutorClient) post(ctx context.Context, path string, payload any, operation string) (*executorResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, timeoutError(err, operation)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("executor returned status %d: %s", resp.StatusCode, string(raw))
	}

	var result executorResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &result, nil
}
