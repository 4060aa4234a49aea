// Package relay assembles the relay's modules from configuration and
// runs them until a signal or an authorized shutdown command.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mywio/hubrelay/pkg/chat"
	"github.com/mywio/hubrelay/pkg/command"
	"github.com/mywio/hubrelay/pkg/config"
	"github.com/mywio/hubrelay/pkg/core"
	"github.com/mywio/hubrelay/pkg/fanout"
	"github.com/mywio/hubrelay/pkg/format"
	"github.com/mywio/hubrelay/pkg/issues"
	"github.com/mywio/hubrelay/pkg/secrets"
	"github.com/mywio/hubrelay/pkg/webhook"
)

// Options replaces collaborators that would otherwise be built from
// configuration. Zero fields fall back to the configured ones.
type Options struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	// ConfigMap is handed to modules and dynamically loaded plugins.
	ConfigMap config.ConfigMap

	Source       issues.Source
	Store        issues.Store
	Shortener    format.Shortener
	Destinations []fanout.Destination
}

// Supervisor owns the module manager and every destination. It is the
// only component that ends the process lifecycle.
type Supervisor struct {
	cfg    config.Config
	logger *slog.Logger
	mgr    *core.ModuleManager

	fanout  *fanout.Fanout
	command *command.Listener

	shutdown     chan struct{}
	shutdownOnce sync.Once
	ready        chan struct{}
}

// New builds every module. It performs network calls only to resolve the
// GitHub token from Secret Manager and to reach the Redis store.
func New(ctx context.Context, cfg config.Config, opts Options) (*Supervisor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	s := &Supervisor{
		cfg:      cfg,
		logger:   logger.With("module", "relay"),
		mgr:      core.NewModuleManager(logger),
		shutdown: make(chan struct{}),
		ready:    make(chan struct{}),
	}

	cfgMap := config.MergeConfigMap(config.ConfigMap{
		"core": {"http_addr": cfg.Core.HTTPAddr},
	}, opts.ConfigMap)
	s.mgr.SetConfig(cfgMap)
	s.mgr.SetHTTPClient(httpClient)

	// Destinations first so they are stopped last.
	dests := opts.Destinations
	if dests == nil {
		for _, n := range cfg.IRC.Networks {
			conn := chat.New(chat.Config{
				Name:     n.Name,
				Addr:     n.Addr,
				Nick:     n.Nick,
				User:     n.User,
				RealName: n.RealName,
				Channels: n.Channels,
			})
			s.mgr.Register(conn)
			for _, ch := range n.Channels {
				dests = append(dests, fanout.Destination{Network: n.Name, Target: ch, Conn: conn})
			}
		}
	}
	s.fanout = fanout.New(fanout.Config{
		QueueSize:    cfg.Fanout.QueueSize,
		WriteTimeout: cfg.Fanout.WriteTimeout,
	}, dests)
	s.mgr.Register(s.fanout)

	shortener := opts.Shortener
	if shortener == nil && cfg.Shortener.URL != "" {
		shortener = format.NewHTTPShortener(cfg.Shortener.URL, httpClient)
	}
	formatter := format.New(shortener, cfg.Command.CIHelpURL, logger.With("module", "format"))

	repo := cfg.GitHub.Owner + "/" + cfg.GitHub.Repo
	source := opts.Source
	if source == nil {
		token, err := s.githubToken(ctx)
		if err != nil {
			return nil, err
		}
		client, err := issues.NewGitHubClient(ctx, token.Value, cfg.GitHub.BaseURL, httpClient)
		if err != nil {
			return nil, err
		}
		source = issues.NewGitHubSource(client, cfg.GitHub.Owner, cfg.GitHub.Repo)
	}

	store := opts.Store
	if store == nil && cfg.Store.Kind == "redis" {
		rs, err := issues.NewRedisStore(ctx, cfg.Store.RedisURL, cfg.Store.Prefix, repo)
		if err != nil {
			return nil, err
		}
		store = rs
	}

	states := make([]issues.State, 0, len(cfg.GitHub.States))
	for _, st := range cfg.GitHub.States {
		states = append(states, issues.State(st))
	}
	s.mgr.Register(issues.NewPoller(issues.PollerConfig{
		Repo:     repo,
		Interval: cfg.GitHub.Interval,
		States:   states,
	}, source, store, formatter, s.fanout))

	s.command = command.NewListener(command.Config{
		Addr:        cfg.Command.Addr,
		ReadTimeout: cfg.Command.ReadTimeout,
		MaxConns:    cfg.Command.MaxConns,
	}, formatter, s.fanout)
	s.mgr.Register(s.command)

	s.mgr.Register(webhook.NewHandler(webhook.Config{
		Path:        cfg.Webhook.Path,
		Repository:  cfg.Webhook.Repository,
		CommitLimit: cfg.Webhook.CommitLimit,
	}, formatter, s.fanout))

	if err := s.mgr.LoadPlugins(cfg.Core.PluginsDir); err != nil {
		s.logger.Warn("Failed to load plugins", "error", err)
	}
	return s, nil
}

func (s *Supervisor) githubToken(ctx context.Context) (core.Secret, error) {
	if s.cfg.GitHub.TokenSecret == "" {
		if s.cfg.GitHub.Token == "" {
			s.logger.Warn("No GitHub token configured, using unauthenticated API access")
		}
		return core.NewSecret(s.cfg.GitHub.Token), nil
	}
	resolver, err := secrets.NewResolver(ctx, s.logger.With("component", "secrets"))
	if err != nil {
		return core.Secret{}, err
	}
	defer resolver.Close()
	token, err := resolver.Resolve(ctx, s.cfg.GitHub.TokenSecret)
	if err != nil {
		return core.Secret{}, fmt.Errorf("github token: %w", err)
	}
	return token, nil
}

// Run initializes and starts every module, then blocks until ctx ends or
// an authorized shutdown arrives, and stops everything in reverse order.
// It returns an error only when startup fails.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mgr.Subscribe(string(core.EventShutdown), func(ctx context.Context, event core.InternalEvent) {
		s.logger.Info("Shutdown event received", "source", event.Source, "peer", event.Details["peer"])
		s.Shutdown()
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.mgr.Init(runCtx); err != nil {
		s.stop()
		return fmt.Errorf("startup: %w", err)
	}
	if err := s.mgr.Start(runCtx); err != nil {
		s.stop()
		return fmt.Errorf("startup: %w", err)
	}
	close(s.ready)
	s.logger.Info("Relay running", "command_addr", s.CommandAddr(), "http_addr", s.mgr.HTTPAddr())

	select {
	case <-ctx.Done():
		s.logger.Info("Context cancelled, shutting down")
	case <-s.shutdown:
		s.logger.Info("Authorized shutdown, stopping modules")
	}

	s.stop()
	return nil
}

// Shutdown asks Run to return. It is safe to call more than once.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

func (s *Supervisor) stop() {
	timeout := s.cfg.Core.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.mgr.Stop(ctx); err != nil {
		s.logger.Warn("Shutdown finished with errors", "error", err)
		return
	}
	s.logger.Info("Shutdown complete")
}

// Ready is closed once every module has started.
func (s *Supervisor) Ready() <-chan struct{} { return s.ready }

// CommandAddr is the bound command socket address, valid after Ready.
func (s *Supervisor) CommandAddr() string {
	if a := s.command.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// HTTPAddr is the bound HTTP address, valid after Ready.
func (s *Supervisor) HTTPAddr() string { return s.mgr.HTTPAddr() }

// Manager exposes the module manager for status inspection.
func (s *Supervisor) Manager() *core.ModuleManager { return s.mgr }
