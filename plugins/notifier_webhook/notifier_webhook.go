// plugins/notifier_webhook/notifier_webhook.go
// Plugin that posts relay announcements as JSON to an arbitrary URL.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/mywio/hubrelay/pkg/core"
)

type WebhookPlugin struct {
	logger        *slog.Logger
	url           string
	client        *http.Client
	enabled       bool
	subscriptions []string
}

type webhookConfig struct {
	URL string `yaml:"url"`
}

func (p *WebhookPlugin) Name() string {
	return "notify_webhook"
}

func (p *WebhookPlugin) Init(ctx context.Context, logger *slog.Logger, registry core.PluginRegistry) error {
	p.logger = logger
	var subscribeProvided bool
	var subscribePatterns []string
	if registry != nil {
		cfg := registry.GetConfig()
		if section, ok := cfg["notify_webhook"]; ok {
			var wcfg webhookConfig
			if err := core.DecodeConfigSection(section, &wcfg); err != nil {
				p.logger.Warn("Invalid notify_webhook config", "error", err)
			}
			p.url = wcfg.URL
			subscribePatterns, subscribeProvided = core.SubscribePatterns(section)
		}
		p.client = registry.GetHTTPClient()
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	if p.url == "" {
		p.logger.Warn("NOTIFY_WEBHOOK_URL not set, webhook notifications disabled")
		p.enabled = false
		return nil
	}

	p.enabled = true
	p.logger.Info("Webhook notifier initialized", "url", p.url)
	if registry != nil {
		if !subscribeProvided {
			subscribePatterns = []string{"notify_*"}
		}
		p.subscriptions = append([]string(nil), subscribePatterns...)
		for _, pattern := range subscribePatterns {
			registry.Subscribe(pattern, p.process)
		}
		if len(subscribePatterns) == 0 {
			p.logger.InfoContext(ctx, "Webhook notifier has no subscriptions configured; skipping event registration")
		}
	}
	return nil
}

func (p *WebhookPlugin) Start(ctx context.Context) error {
	return nil
}

func (p *WebhookPlugin) Stop(ctx context.Context) error {
	return nil
}

func (p *WebhookPlugin) Description() string { return "Posts relay announcements to a generic webhook" }

func (p *WebhookPlugin) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilityNotifier}
}

func (p *WebhookPlugin) Status() core.ServiceStatus {
	if p.enabled && p.url != "" {
		return core.StatusHealthy
	}
	return core.StatusUnhealthy
}

func (p *WebhookPlugin) Config() any {
	return struct {
		URL       string   `json:"url"`
		Subscribe []string `json:"subscribe,omitempty"`
		Enabled   bool     `json:"enabled"`
	}{p.url, append([]string(nil), p.subscriptions...), p.enabled}
}

var Plugin core.Plugin = &WebhookPlugin{}

func (p *WebhookPlugin) process(ctx context.Context, event core.InternalEvent) {
	if !p.enabled || p.url == "" {
		return
	}
	if err := p.send(ctx, event); err != nil {
		p.logger.ErrorContext(ctx, "Webhook notification failed", "error", err)
	}
}

func (p *WebhookPlugin) send(ctx context.Context, event core.InternalEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}
	payload := map[string]any{
		"event_type": event.Type,
		"source":     event.Source,
		"repo":       event.Repo,
		"message":    event.String,
		"details":    event.Details,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}

	p.logger.DebugContext(ctx, "Webhook delivered", "type", event.Type)
	return nil
}

// Main for standalone testing: posts a single line read from argv.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if len(os.Args) < 3 {
		logger.Error("usage: notifier_webhook <url> <message>")
		os.Exit(2)
	}
	p := &WebhookPlugin{logger: logger, url: os.Args[1], client: http.DefaultClient, enabled: true}
	if err := p.send(context.Background(), core.InternalEvent{
		Type:   core.EventControlNotified,
		Source: "cli",
		String: os.Args[2],
	}); err != nil {
		logger.Error("Send failed", "error", err)
		os.Exit(1)
	}
}
