// Package fanout delivers each published line to every destination
// without letting a slow destination hold up the others.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mywio/hubrelay/pkg/core"
)

// ErrWouldBlock is returned by Conn.TrySend when the line was not
// accepted because the socket is not writable right now.
var ErrWouldBlock = errors.New("write would block")

// Conn is the write side of a chat connection. TrySend either accepts the
// whole line or returns ErrWouldBlock; WaitWritable blocks until a retry
// may succeed or ctx ends.
type Conn interface {
	TrySend(target, line string) error
	WaitWritable(ctx context.Context) error
}

// Destination is one channel on one connection.
type Destination struct {
	Network string
	Target  string
	Conn    Conn
}

func (d Destination) String() string {
	return d.Network + "/" + d.Target
}

type Config struct {
	QueueSize    int
	WriteTimeout time.Duration // per line; <= 0 retries until Close
}

// Fanout owns one writer goroutine and bounded queue per destination, so
// lines to a destination keep their publish order and never interleave.
type Fanout struct {
	cfg     Config
	logger  *slog.Logger
	writers []*writer

	mu      sync.RWMutex
	closed  bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type writer struct {
	dest  Destination
	queue chan string

	mu        sync.Mutex
	status    core.ServiceStatus
	lastErr   error
	delivered uint64
	dropped   uint64
}

// New builds a fanout over a fixed destination set.
func New(cfg Config, dests []Destination) *Fanout {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	f := &Fanout{cfg: cfg, logger: slog.Default()}
	for _, d := range dests {
		f.writers = append(f.writers, &writer{
			dest:   d,
			queue:  make(chan string, cfg.QueueSize),
			status: core.StatusUnknown,
		})
	}
	f.ctx, f.cancel = context.WithCancel(context.Background())
	return f
}

func (f *Fanout) Name() string { return "fanout" }

func (f *Fanout) Description() string {
	return "Delivers notification lines to every chat destination"
}

func (f *Fanout) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilityNotifier}
}

func (f *Fanout) Init(ctx context.Context, logger *slog.Logger, registry core.PluginRegistry) error {
	f.logger = logger
	if len(f.writers) == 0 {
		f.logger.Warn("No destinations configured, lines will be discarded")
	}
	return nil
}

func (f *Fanout) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started || f.closed {
		return nil
	}
	f.started = true
	for _, w := range f.writers {
		f.wg.Add(1)
		go f.run(w)
	}
	f.logger.Info("Fanout started", "destinations", len(f.writers), "queue_size", f.cfg.QueueSize, "write_timeout", f.cfg.WriteTimeout)
	return nil
}

// Stop drains the queues, see Close.
func (f *Fanout) Stop(ctx context.Context) error {
	return f.Close(ctx)
}

// Publish queues line for every destination and returns immediately. A
// destination whose queue is full loses this line; the others do not.
func (f *Fanout) Publish(line string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.logger.Debug("Publish after close, line discarded", "line", line)
		return
	}
	for _, w := range f.writers {
		select {
		case w.queue <- line:
		default:
			w.drop()
			f.logger.Warn("Destination queue full, line dropped", "destination", w.dest.String())
		}
	}
}

// Close stops accepting lines and waits for queued ones to be written.
// When ctx ends first, pending writes are abandoned and ctx.Err returned.
func (f *Fanout) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, w := range f.writers {
		close(w.queue)
	}
	started := f.started
	f.mu.Unlock()

	if !started {
		f.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.cancel()
		f.logger.Info("Fanout drained")
		return nil
	case <-ctx.Done():
		f.cancel()
		<-done
		f.logger.Warn("Fanout drain interrupted, pending lines abandoned")
		return ctx.Err()
	}
}

func (f *Fanout) run(w *writer) {
	defer f.wg.Done()
	logger := f.logger.With("destination", w.dest.String())
	for line := range w.queue {
		if err := f.deliver(w, line); err != nil {
			w.fail(err)
			logger.Error("Line dropped", "error", err)
			continue
		}
		w.ok()
	}
}

// deliver retries the same line after each readiness wait until it is
// accepted or the per-line budget runs out.
func (f *Fanout) deliver(w *writer, line string) error {
	ctx := f.ctx
	if f.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.WriteTimeout)
		defer cancel()
	}
	for {
		err := w.dest.Conn.TrySend(w.dest.Target, line)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrWouldBlock) {
			return fmt.Errorf("send to %s: %w", w.dest, err)
		}
		if err := w.dest.Conn.WaitWritable(ctx); err != nil {
			return fmt.Errorf("wait writable %s: %w", w.dest, err)
		}
	}
}

func (w *writer) ok() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = core.StatusHealthy
	w.lastErr = nil
	w.delivered++
}

func (w *writer) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = core.StatusUnhealthy
	w.lastErr = err
	w.dropped++
}

func (w *writer) drop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropped++
}

// DestinationStatus is the per-destination view exposed by the status API.
type DestinationStatus struct {
	Destination string             `json:"destination"`
	Status      core.ServiceStatus `json:"status"`
	Queued      int                `json:"queued"`
	Delivered   uint64             `json:"delivered"`
	Dropped     uint64             `json:"dropped"`
	LastError   string             `json:"last_error,omitempty"`
}

func (f *Fanout) Destinations() []DestinationStatus {
	out := make([]DestinationStatus, 0, len(f.writers))
	for _, w := range f.writers {
		w.mu.Lock()
		ds := DestinationStatus{
			Destination: w.dest.String(),
			Status:      w.status,
			Queued:      len(w.queue),
			Delivered:   w.delivered,
			Dropped:     w.dropped,
		}
		if w.lastErr != nil {
			ds.LastError = w.lastErr.Error()
		}
		w.mu.Unlock()
		out = append(out, ds)
	}
	return out
}

// Status is UNHEALTHY when every destination failed its last write and
// DEGRADED when only some did.
func (f *Fanout) Status() core.ServiceStatus {
	if len(f.writers) == 0 {
		return core.StatusUnknown
	}
	unhealthy := 0
	for _, ds := range f.Destinations() {
		if ds.Status == core.StatusUnhealthy {
			unhealthy++
		}
	}
	switch {
	case unhealthy == 0:
		return core.StatusHealthy
	case unhealthy == len(f.writers):
		return core.StatusUnhealthy
	default:
		return core.StatusDegraded
	}
}

func (f *Fanout) Config() any {
	return struct {
		QueueSize    int                 `json:"queue_size"`
		WriteTimeout string              `json:"write_timeout"`
		Destinations []DestinationStatus `json:"destinations"`
	}{f.cfg.QueueSize, f.cfg.WriteTimeout.String(), f.Destinations()}
}
