// plugins/notifier_pushover/pushover.go
// Plugin that mirrors relay announcements to Pushover.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mywio/hubrelay/pkg/core"
)

const defaultPushoverURL = "https://api.pushover.net/1/messages.json"

type PushoverNotifier struct {
	logger        *slog.Logger
	client        *http.Client
	apiURL        string
	token         core.Secret
	user          string
	priorities    map[string]int
	enabled       bool
	subscriptions []string
}

type pushoverConfig struct {
	Token  string `yaml:"token"`
	User   string `yaml:"user"`
	APIURL string `yaml:"api_url"`
	// Priority maps an event type to a Pushover priority (-2..2).
	Priority map[string]int `yaml:"priority"`
}

func (n *PushoverNotifier) Name() string {
	return "pushover"
}

func (n *PushoverNotifier) Init(ctx context.Context, logger *slog.Logger, registry core.PluginRegistry) error {
	n.logger = logger
	var subscribeProvided bool
	var subscribePatterns []string
	if registry != nil {
		n.client = registry.GetHTTPClient()
		cfg := registry.GetConfig()
		if section, ok := cfg["pushover"]; ok {
			var pushoverCfg pushoverConfig
			if err := core.DecodeConfigSection(section, &pushoverCfg); err != nil {
				n.logger.WarnContext(ctx, "Invalid pushover config", "error", err)
			}
			n.token = core.NewSecret(pushoverCfg.Token)
			n.user = pushoverCfg.User
			n.apiURL = pushoverCfg.APIURL
			n.priorities = pushoverCfg.Priority
			subscribePatterns, subscribeProvided = core.SubscribePatterns(section)
		}
	}
	if n.client == nil {
		n.client = http.DefaultClient
	}
	if n.apiURL == "" {
		n.apiURL = defaultPushoverURL
	}
	if !n.token.IsSet() || n.user == "" {
		n.logger.WarnContext(ctx, "Pushover token or user not set, notifications disabled")
		n.enabled = false
		return nil
	}
	n.enabled = true
	n.logger.InfoContext(ctx, "Pushover Notifier Initialized")

	if registry != nil {
		if !subscribeProvided {
			subscribePatterns = []string{"notify_*"}
		}
		n.subscriptions = append([]string(nil), subscribePatterns...)
		for _, pattern := range subscribePatterns {
			registry.Subscribe(pattern, n.process)
		}
		if len(subscribePatterns) == 0 {
			n.logger.InfoContext(ctx, "Pushover notifier has no subscriptions configured; skipping event registration")
		}
	}

	return nil
}

func (n *PushoverNotifier) Start(ctx context.Context) error {
	return nil
}

func (n *PushoverNotifier) Stop(ctx context.Context) error {
	return nil
}

func (n *PushoverNotifier) Description() string {
	return "Mirrors relay announcements to Pushover"
}

func (n *PushoverNotifier) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilityNotifier}
}

func (n *PushoverNotifier) Status() core.ServiceStatus {
	if n.enabled {
		return core.StatusHealthy
	}
	return core.StatusDegraded
}

// Exported symbol that core looks up
var Plugin core.Plugin = &PushoverNotifier{}

type pushoverConfigView struct {
	Token     core.Secret `json:"token"`
	User      string      `json:"user"`
	APIURL    string      `json:"api_url"`
	Subscribe []string    `json:"subscribe,omitempty"`
	Enabled   bool        `json:"enabled"`
}

func (n *PushoverNotifier) Config() any {
	return pushoverConfigView{
		Token:     n.token,
		User:      n.user,
		APIURL:    n.apiURL,
		Subscribe: append([]string(nil), n.subscriptions...),
		Enabled:   n.enabled,
	}
}

func (n *PushoverNotifier) process(ctx context.Context, event core.InternalEvent) {
	if !n.enabled {
		return
	}
	if err := n.send(ctx, event); err != nil {
		n.logger.ErrorContext(ctx, "Failed to send Pushover notification", "error", err)
	}
}

func (n *PushoverNotifier) send(ctx context.Context, event core.InternalEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}
	payload := map[string]any{
		"token":    n.token.Value,
		"user":     n.user,
		"message":  pushoverMessage(event),
		"title":    pushoverTitle(event),
		"priority": n.priorities[string(event.Type)],
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.apiURL, bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pushover API error: %d", resp.StatusCode)
	}

	n.logger.DebugContext(ctx, "Pushover notification delivered", "type", event.Type)
	return nil
}

func pushoverTitle(event core.InternalEvent) string {
	if event.Repo != "" {
		return "hubrelay: " + event.Repo
	}
	return "hubrelay"
}

// pushoverMessage is the announced line, or the event type when the
// publisher attached none.
func pushoverMessage(event core.InternalEvent) string {
	if msg := strings.TrimSpace(event.String); msg != "" {
		return msg
	}
	return fmt.Sprintf("[%s] from %s", event.Type, event.Source)
}

// main is unused when built with -buildmode=plugin.
func main() {}
