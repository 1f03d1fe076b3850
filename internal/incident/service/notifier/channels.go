package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cureops/incidentd/internal/incident/model"
)

// PagerConfig configures the paging provider endpoint.
type PagerConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// PagerChannel pages a role over the paging provider's HTTP API. With no URL
// configured it simulates delivery, so the pipeline stays runnable in
// environments without a real provider.
type PagerChannel struct {
	config     PagerConfig
	httpClient *http.Client
}

// NewPagerChannel creates the pager channel.
func NewPagerChannel(config PagerConfig) *PagerChannel {
	return &PagerChannel{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

func (c *PagerChannel) Name() string { return "pager" }

type pageRequest struct {
	IncidentID string `json:"incident_id"`
	Severity   string `json:"severity"`
	Role       string `json:"role"`
	Message    string `json:"message"`
}

// Send pages the notification's role.
func (c *PagerChannel) Send(ctx context.Context, n *model.Notification) (model.DeliveryStatus, error) {
	if c.config.URL == "" {
		log.Info().Str("notification_id", n.ID).Str("role", n.Role).
			Msg("pager URL not configured, simulating page")
		return model.DeliverySent, nil
	}

	err := postJSON(ctx, c.httpClient, c.config.URL, c.config.Token, pageRequest{
		IncidentID: n.IncidentID,
		Severity:   string(n.Severity),
		Role:       n.Role,
		Message:    n.Message,
	})
	if err != nil {
		return model.DeliveryFailed, fmt.Errorf("page failed: %w", err)
	}
	return model.DeliverySent, nil
}

// WebhookConfig configures the generic webhook endpoint.
type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// WebhookChannel posts the notification record to a subscriber endpoint.
// With no URL configured it simulates delivery.
type WebhookChannel struct {
	config     WebhookConfig
	httpClient *http.Client
}

// NewWebhookChannel creates the webhook channel.
func NewWebhookChannel(config WebhookConfig) *WebhookChannel {
	return &WebhookChannel{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

// Send posts the notification as JSON.
func (c *WebhookChannel) Send(ctx context.Context, n *model.Notification) (model.DeliveryStatus, error) {
	if c.config.URL == "" {
		log.Info().Str("notification_id", n.ID).Msg("webhook URL not configured, simulating delivery")
		return model.DeliverySent, nil
	}

	if err := postJSON(ctx, c.httpClient, c.config.URL, c.config.Token, n); err != nil {
		return model.DeliveryFailed, fmt.Errorf("webhook delivery failed: %w", err)
	}
	return model.DeliverySent, nil
}

func postJSON(ctx context.Context, client *http.Client, url, token string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}
