package issues

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mywio/hubrelay/pkg/core"
)

// Formatter renders an issue as a single notification line.
type Formatter interface {
	Issue(ctx context.Context, issue Issue) string
}

// Publisher delivers a line to every destination.
type Publisher interface {
	Publish(line string)
}

type PollerConfig struct {
	Repo     string // owner/name, for logs and events
	Interval time.Duration
	States   []State
}

// Poller runs one worker per tracked list. Each worker owns its
// snapshot outright, so snapshots are never shared between goroutines.
type Poller struct {
	cfg      PollerConfig
	source   Source
	store    Store
	format   Formatter
	out      Publisher
	logger   *slog.Logger
	registry core.PluginRegistry

	watchers  []*watcher
	stopCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
	started   bool

	mu       sync.Mutex
	lastErr  map[State]error
	lastPoll map[State]time.Time
}

type watcher struct {
	state    State
	snapshot Snapshot
	seeded   bool
}

// NewPoller wires a poller. store may be nil.
func NewPoller(cfg PollerConfig, source Source, store Store, format Formatter, out Publisher) *Poller {
	return &Poller{
		cfg:      cfg,
		source:   source,
		store:    store,
		format:   format,
		out:      out,
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
		lastErr:  make(map[State]error),
		lastPoll: make(map[State]time.Time),
	}
}

func (p *Poller) Name() string { return "issues" }

func (p *Poller) Description() string {
	return "Polls the issue tracker and announces new or changed issues"
}

func (p *Poller) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilitySource}
}

func (p *Poller) Init(ctx context.Context, logger *slog.Logger, registry core.PluginRegistry) error {
	p.logger = logger
	p.registry = registry
	if registry != nil {
		if err := registry.RegisterEventType(core.EventTypeDesc{
			Name:        core.EventIssueNotified,
			Description: "An issue line was handed to the fanout",
			PayloadSpec: map[string]core.PayloadField{
				"number": {Type: "int", Description: "Issue number", Required: true},
				"state":  {Type: "string", Description: "open or closed", Required: true},
			},
		}); err != nil {
			return err
		}
	}
	p.watchers = p.watchers[:0]
	for _, state := range p.cfg.States {
		p.watchers = append(p.watchers, &watcher{state: state})
	}
	return nil
}

func (p *Poller) Start(ctx context.Context) error {
	if p.started {
		return nil
	}
	p.started = true

	p.logger.Info("Starting issue poller", "repo", p.cfg.Repo, "interval", p.cfg.Interval, "states", p.cfg.States)
	for _, w := range p.watchers {
		p.wg.Add(1)
		go p.run(ctx, w)
	}
	return nil
}

func (p *Poller) Stop(ctx context.Context) error {
	if p.started {
		p.stopOnce.Do(func() { close(p.stopCh) })

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Issue poller stopped")
		case <-ctx.Done():
			p.logger.Warn("Context cancelled while waiting for issue poller to stop")
			return ctx.Err()
		}
	}

	// The store is opened before startup, so close it even if Start never ran.
	p.closeOnce.Do(func() {
		if p.store == nil {
			return
		}
		if err := p.store.Close(); err != nil {
			p.logger.Warn("Closing snapshot store failed", "error", err)
		}
	})
	return nil
}

func (p *Poller) Status() core.ServiceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.lastPoll) == 0 {
		return core.StatusUnknown
	}
	for _, err := range p.lastErr {
		if err != nil {
			return core.StatusDegraded
		}
	}
	return core.StatusHealthy
}

type pollerConfigView struct {
	Repo       string   `json:"repo"`
	Interval   string   `json:"interval"`
	States     []State  `json:"states"`
	Persistent bool     `json:"persistent"`
	LastErrors []string `json:"last_errors,omitempty"`
}

func (p *Poller) Config() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	view := pollerConfigView{
		Repo:       p.cfg.Repo,
		Interval:   p.cfg.Interval.String(),
		States:     append([]State(nil), p.cfg.States...),
		Persistent: p.store != nil,
	}
	for state, err := range p.lastErr {
		if err != nil {
			view.LastErrors = append(view.LastErrors, string(state)+": "+err.Error())
		}
	}
	return view
}

func (p *Poller) run(ctx context.Context, w *watcher) {
	defer p.wg.Done()

	p.seed(ctx, w)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.poll(ctx, w)
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// seed establishes the baseline without announcing anything, preferring
// a persisted snapshot over a fresh fetch.
func (p *Poller) seed(ctx context.Context, w *watcher) {
	logger := p.logger.With("state", w.state)

	if p.store != nil {
		snap, found, err := p.store.Load(ctx, w.state)
		if err != nil {
			logger.Warn("Loading persisted snapshot failed", "error", err)
		} else if found {
			w.snapshot = snap
			w.seeded = true
			logger.Info("Baseline restored from store", "issues", len(snap))
			return
		}
	}

	snap, err := p.fetch(ctx, w.state)
	p.recordResult(w.state, err)
	if err != nil {
		logger.Warn("Baseline fetch failed, next successful poll becomes the baseline", "error", err)
		return
	}
	w.snapshot = snap
	w.seeded = true
	p.persist(ctx, w)
	logger.Info("Baseline established", "issues", len(snap))
}

// poll runs one Fetching -> Diffing -> Publishing cycle and returns the
// number of announced issues. A failed fetch leaves the snapshot as is.
func (p *Poller) poll(ctx context.Context, w *watcher) int {
	logger := p.logger.With("state", w.state)

	snap, err := p.fetch(ctx, w.state)
	p.recordResult(w.state, err)
	if err != nil {
		logger.Error("Issue fetch failed, keeping previous snapshot", "error", err)
		return 0
	}

	if !w.seeded {
		w.snapshot = snap
		w.seeded = true
		p.persist(ctx, w)
		logger.Info("Baseline established", "issues", len(snap))
		return 0
	}

	added := Diff(w.snapshot, snap)
	for _, issue := range added {
		line := p.format.Issue(ctx, issue)
		p.out.Publish(line)
		if p.registry != nil {
			p.registry.Publish(ctx, core.InternalEvent{
				Type:    core.EventIssueNotified,
				Source:  "issues",
				Repo:    p.cfg.Repo,
				String:  line,
				Details: map[string]any{"number": issue.Number, "state": string(issue.State)},
			})
		}
	}
	w.snapshot = snap
	p.persist(ctx, w)

	if len(added) > 0 {
		logger.Info("Announced issues", "count", len(added))
	} else {
		logger.Debug("No issue changes")
	}
	return len(added)
}

func (p *Poller) fetch(ctx context.Context, state State) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Interval)
	defer cancel()
	return p.source.ListIssues(ctx, state)
}

func (p *Poller) persist(ctx context.Context, w *watcher) {
	if p.store == nil {
		return
	}
	if err := p.store.Save(ctx, w.state, w.snapshot); err != nil {
		p.logger.Warn("Persisting snapshot failed", "state", w.state, "error", err)
	}
}

func (p *Poller) recordResult(state State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr[state] = err
	p.lastPoll[state] = time.Now()
}
