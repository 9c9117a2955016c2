package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const defaultWebhookChannel = "#alerts"

type WebhookConfig struct {
	URL            string        `mapstructure:"webhook_url"`
	DefaultChannel string        `mapstructure:"default_channel"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type webhookPayload struct {
	Text    string `json:"text"`
	Channel string `json:"channel"`
}

// WebhookChannel posts alerts to a chat incoming-webhook.
type WebhookChannel struct {
	cfg    WebhookConfig
	client *http.Client
}

func NewWebhookChannel(cfg WebhookConfig) *WebhookChannel {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &WebhookChannel{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Enabled() bool { return w.cfg.URL != "" }

func (w *WebhookChannel) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(webhookPayload{Text: n.Body, Channel: w.target(n.Target)})
	if err != nil {
		return errors.WithStack(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "posting webhook")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

func (w *WebhookChannel) target(override string) string {
	switch {
	case override != "":
		return override
	case w.cfg.DefaultChannel != "":
		return w.cfg.DefaultChannel
	default:
		return defaultWebhookChannel
	}
}
