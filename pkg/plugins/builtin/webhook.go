package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stationhq/beacon/pkg/content"
	"github.com/stationhq/beacon/pkg/plugins"
)

const webhookPluginName = "webhook-destination"

// WebhookDestination posts content as JSON to a configured HTTP endpoint.
type WebhookDestination struct {
	url           string
	authHeader    string
	maxTextLength int
	client        *http.Client
}

// NewWebhookDestination creates an unconfigured webhook destination.
func NewWebhookDestination() plugins.Plugin {
	return &WebhookDestination{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Descriptor implements plugins.Plugin.
func (w *WebhookDestination) Descriptor() *plugins.Descriptor {
	return &plugins.Descriptor{
		Name:        webhookPluginName,
		Kind:        plugins.KindDestination,
		Version:     "1.0.0",
		Description: "Delivers content as a JSON POST to an HTTP endpoint",
		Author:      "beacon",
		ConfigSchema: map[string]string{
			"url":             "Webhook URL (required)",
			"auth_header":     "Value for the Authorization header",
			"max_text_length": "Reject content whose text exceeds this length (0 = unlimited)",
		},
	}
}

// ValidateConfig implements plugins.ConfigValidator.
func (w *WebhookDestination) ValidateConfig(config map[string]any) error {
	url, _ := config["url"].(string)
	if url == "" {
		return fmt.Errorf("webhook destination requires a url")
	}
	return nil
}

// Initialize implements plugins.Plugin.
func (w *WebhookDestination) Initialize(config map[string]any) error {
	if err := w.ValidateConfig(config); err != nil {
		return err
	}
	w.url, _ = config["url"].(string)
	w.authHeader, _ = config["auth_header"].(string)
	switch v := config["max_text_length"].(type) {
	case int:
		w.maxTextLength = v
	case float64:
		w.maxTextLength = int(v)
	}
	return nil
}

func (w *WebhookDestination) Start() error   { return nil }
func (w *WebhookDestination) Stop() error    { return nil }
func (w *WebhookDestination) Cleanup() error { return nil }

// Capabilities implements plugins.DestinationPlugin.
func (w *WebhookDestination) Capabilities() plugins.Capabilities {
	return plugins.Capabilities{
		MaxTextLength: w.maxTextLength,
		SupportsMedia: true,
	}
}

// ValidateContent implements plugins.DestinationPlugin.
func (w *WebhookDestination) ValidateContent(c content.ShareableContent) plugins.ContentValidation {
	var errs []string
	if c.Text == "" && c.URL == "" {
		errs = append(errs, "content has neither text nor url")
	}
	if w.maxTextLength > 0 && len(c.Text) > w.maxTextLength {
		errs = append(errs, fmt.Sprintf("text length %d exceeds limit %d", len(c.Text), w.maxTextLength))
	}
	return plugins.ContentValidation{Valid: len(errs) == 0, Errors: errs}
}

type webhookResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// PostContent implements plugins.DestinationPlugin.
func (w *WebhookDestination) PostContent(ctx context.Context, c content.ShareableContent) (*plugins.PostResult, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.authHeader != "" {
		req.Header.Set("Authorization", w.authHeader)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		// Transient upstream trouble; the scheduler retries with backoff.
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		// Any other 4xx means this payload will never be accepted.
		return nil, plugins.NewValidationError(webhookPluginName, "post_content",
			fmt.Errorf("webhook rejected payload with status %d", resp.StatusCode))
	}

	result := &plugins.PostResult{}
	var parsed webhookResponse
	if err := json.Unmarshal(body, &parsed); err == nil {
		result.PostID = parsed.ID
		result.URL = parsed.URL
	}
	return result, nil
}

// SupportsReshare implements plugins.DestinationPlugin. Webhooks have no
// native reshare concept.
func (w *WebhookDestination) SupportsReshare(string) bool { return false }

// Reshare implements plugins.DestinationPlugin.
func (w *WebhookDestination) Reshare(ctx context.Context, item *content.Item) (*plugins.PostResult, error) {
	return nil, plugins.NewPostError(webhookPluginName, fmt.Errorf("webhook destination cannot reshare"))
}
