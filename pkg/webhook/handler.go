package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/mywio/hubrelay/pkg/core"
)

// maxBody matches GitHub's delivery size cap.
const maxBody = 25 << 20

type Formatter interface {
	Commit(ctx context.Context, c Commit, branch string) string
	Truncated(ctx context.Context, remaining int, compareURL string) string
}

type Publisher interface {
	Publish(line string)
}

type Config struct {
	Path        string
	Repository  string
	CommitLimit int // 0 announces every commit
}

// Handler announces pushes to the watched repository. It never reports
// a processing failure to the sender.
type Handler struct {
	cfg      Config
	format   Formatter
	out      Publisher
	logger   *slog.Logger
	registry core.PluginRegistry

	received  atomic.Uint64
	discarded atomic.Uint64
}

func NewHandler(cfg Config, format Formatter, out Publisher) *Handler {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	return &Handler{cfg: cfg, format: format, out: out, logger: slog.Default()}
}

func (h *Handler) Name() string { return "webhook" }

func (h *Handler) Description() string {
	return "Announces commits from GitHub push webhooks"
}

func (h *Handler) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilityTrigger}
}

func (h *Handler) Init(ctx context.Context, logger *slog.Logger, registry core.PluginRegistry) error {
	h.logger = logger
	h.registry = registry
	if h.cfg.Repository == "" {
		h.logger.Warn("No watched repository configured, every push will be discarded")
	}
	if registry == nil {
		return nil
	}
	if err := registry.RegisterEventType(core.EventTypeDesc{
		Name:        core.EventPushNotified,
		Description: "Commits from a push were handed to the fanout",
		PayloadSpec: map[string]core.PayloadField{
			"branch":  {Type: "string", Description: "Pushed branch", Required: true},
			"commits": {Type: "int", Description: "Commits in the push", Required: true},
		},
	}); err != nil {
		return err
	}
	registry.GetMuxServer().Handle(h.cfg.Path, h)
	h.logger.Info("Webhook endpoint registered", "path", h.cfg.Path, "repository", h.cfg.Repository)
	return nil
}

func (h *Handler) Start(ctx context.Context) error { return nil }

// Stop is a no-op; the module manager shuts the HTTP server down.
func (h *Handler) Stop(ctx context.Context) error { return nil }

func (h *Handler) Status() core.ServiceStatus {
	if h.cfg.Repository == "" {
		return core.StatusDegraded
	}
	return core.StatusHealthy
}

func (h *Handler) Config() any {
	return struct {
		Path        string `json:"path"`
		Repository  string `json:"repository"`
		CommitLimit int    `json:"commit_limit"`
		Received    uint64 `json:"received"`
		Discarded   uint64 `json:"discarded"`
	}{h.cfg.Path, h.cfg.Repository, h.cfg.CommitLimit, h.received.Load(), h.discarded.Load()}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		h.logger.Warn("Reading webhook body failed", "client_ip", r.RemoteAddr, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	payload, err := ExtractPayload(r.Header.Get("Content-Type"), body)
	if err != nil {
		h.discarded.Add(1)
		h.logger.Warn("Discarding webhook delivery", "client_ip", r.RemoteAddr, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	h.Handle(r.Context(), payload)
	w.WriteHeader(http.StatusOK)
}

// Handle parses one push payload and publishes a line per commit in
// delivery order.
func (h *Handler) Handle(ctx context.Context, body []byte) {
	h.received.Add(1)

	ev, err := ParsePush(body)
	if err != nil {
		h.discarded.Add(1)
		h.logger.WarnContext(ctx, "Discarding webhook payload", "error", err)
		return
	}
	if !ev.Matches(h.cfg.Repository) {
		h.discarded.Add(1)
		h.logger.DebugContext(ctx, "Ignoring push for another repository", "repository", ev.FullName)
		return
	}

	commits := ev.Commits
	remaining := 0
	if h.cfg.CommitLimit > 0 && len(commits) > h.cfg.CommitLimit {
		remaining = len(commits) - h.cfg.CommitLimit
		commits = commits[:h.cfg.CommitLimit]
	}

	for _, c := range commits {
		h.out.Publish(h.format.Commit(ctx, c, ev.Branch))
	}
	if remaining > 0 {
		h.out.Publish(h.format.Truncated(ctx, remaining, ev.Compare))
	}

	h.logger.InfoContext(ctx, "Announced push", "branch", ev.Branch, "commits", len(ev.Commits), "truncated", remaining)
	if h.registry != nil {
		// Subscribers outlive the request; keep its values, drop its cancellation.
		h.registry.Publish(context.WithoutCancel(ctx), core.InternalEvent{
			Type:    core.EventPushNotified,
			Source:  h.Name(),
			Repo:    ev.FullName,
			String:  fmt.Sprintf("%d commit(s) pushed to %s", len(ev.Commits), ev.Branch),
			Details: map[string]any{"branch": ev.Branch, "commits": len(ev.Commits)},
		})
	}
}
