package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mywio/hubrelay/pkg/core"
	"github.com/mywio/hubrelay/pkg/netpoll"
)

// maxRead is the most a single command may occupy.
const maxRead = 8192

// Renderer turns a non-shutdown Message into the line to announce.
type Renderer interface {
	Control(msg Message) string
}

type Publisher interface {
	Publish(line string)
}

type Config struct {
	Addr        string
	ReadTimeout time.Duration
	MaxConns    int
}

// Listener accepts one command per connection. Nothing is ever written
// back to the peer.
type Listener struct {
	cfg      Config
	render   Renderer
	out      Publisher
	logger   *slog.Logger
	registry core.PluginRegistry

	ln     net.Listener
	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	accepted atomic.Uint64
	rejected atomic.Uint64
}

func NewListener(cfg Config, render Renderer, out Publisher) *Listener {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 16
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	return &Listener{cfg: cfg, render: render, out: out, logger: slog.Default()}
}

func (l *Listener) Name() string { return "command" }

func (l *Listener) Description() string {
	return "TCP control socket for CI results, announcements and shutdown"
}

func (l *Listener) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilityControl}
}

// Init binds the socket. A bind failure is returned and aborts startup.
func (l *Listener) Init(ctx context.Context, logger *slog.Logger, registry core.PluginRegistry) error {
	l.logger = logger
	l.registry = registry
	if registry != nil {
		if err := registry.RegisterEventType(core.EventTypeDesc{
			Name:        core.EventShutdown,
			Description: "An authorized peer asked the relay to exit",
			PayloadSpec: map[string]core.PayloadField{
				"peer": {Type: "string", Description: "Remote address of the requester", Required: true},
			},
		}); err != nil {
			return err
		}
		if err := registry.RegisterEventType(core.EventTypeDesc{
			Name:        core.EventControlNotified,
			Description: "A CI result or announcement was handed to the fanout",
			PayloadSpec: map[string]core.PayloadField{
				"command": {Type: "string", Description: "ci:success, ci:failure or rakaur:say", Required: true},
			},
		}); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bind command socket %s: %w", l.cfg.Addr, err)
	}
	l.ln = ln
	l.sem = make(chan struct{}, l.cfg.MaxConns)
	l.logger.Info("Command socket bound", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Init.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) Start(ctx context.Context) error {
	if l.ln == nil {
		return errors.New("command listener not initialized")
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// Stop closes the socket and waits for in-flight handlers.
func (l *Listener) Stop(ctx context.Context) error {
	if l.ln == nil {
		return nil
	}
	if l.cancel != nil {
		l.cancel()
	}
	_ = l.ln.Close()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.logger.Info("Command listener stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) Status() core.ServiceStatus {
	if l.ln == nil {
		return core.StatusUnknown
	}
	if l.ctx != nil && l.ctx.Err() != nil {
		return core.StatusUnhealthy
	}
	return core.StatusHealthy
}

func (l *Listener) Config() any {
	return struct {
		Addr        string `json:"addr"`
		ReadTimeout string `json:"read_timeout"`
		MaxConns    int    `json:"max_conns"`
		Accepted    uint64 `json:"accepted"`
		Rejected    uint64 `json:"rejected"`
	}{l.cfg.Addr, l.cfg.ReadTimeout.String(), l.cfg.MaxConns, l.accepted.Load(), l.rejected.Load()}
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.ctx.Err() != nil {
				return
			}
			l.logger.Warn("Accept failed", "error", err)
			continue
		}

		select {
		case l.sem <- struct{}{}:
		case <-l.ctx.Done():
			_ = conn.Close()
			return
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer func() { <-l.sem }()
			l.handle(conn)
		}()
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr()
	logger := l.logger.With("peer", peer.String())

	line, err := l.readOnce(conn)
	if err != nil {
		logger.Debug("Command read failed", "error", err)
		return
	}
	l.Dispatch(l.ctx, line, peer)
}

// readOnce performs a single read of up to maxRead bytes, waiting for
// readability first if needed. Bytes after the first newline are ignored.
func (l *Listener) readOnce(conn net.Conn) (string, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return "", fmt.Errorf("connection %T has no file descriptor", conn)
	}
	fd, err := netpoll.New(sc)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.ReadTimeout)
	defer cancel()

	buf := make([]byte, maxRead)
	for {
		n, err := fd.Read(buf)
		if errors.Is(err, netpoll.ErrWouldBlock) {
			if err := fd.Wait(ctx, netpoll.Readable); err != nil {
				return "", fmt.Errorf("wait readable: %w", err)
			}
			continue
		}
		if err != nil {
			return "", err
		}
		line, _, _ := strings.Cut(string(buf[:n]), "\n")
		return strings.TrimRight(line, "\r"), nil
	}
}

// Dispatch parses and acts on one command line received from peer.
func (l *Listener) Dispatch(ctx context.Context, line string, peer net.Addr) {
	l.accepted.Add(1)

	msg, err := Parse(line)
	if err != nil {
		l.rejected.Add(1)
		l.logger.Warn("Discarding malformed command", "peer", addrString(peer), "error", err)
		return
	}
	if err := Authorize(msg, peer); err != nil {
		l.rejected.Add(1)
		l.logger.Debug("Ignoring privileged command", "peer", addrString(peer), "command", msg.Kind.String(), "error", err)
		return
	}

	if msg.Kind == KindShutdown {
		l.logger.Info("Shutdown requested", "peer", addrString(peer))
		if l.registry != nil {
			l.registry.Publish(ctx, core.InternalEvent{
				Type:    core.EventShutdown,
				Source:  l.Name(),
				Details: map[string]any{"peer": addrString(peer)},
			})
		}
		return
	}

	out := l.render.Control(msg)
	l.logger.Debug("Announcing command", "command", msg.Kind.String())
	l.out.Publish(out)
	if l.registry != nil {
		l.registry.Publish(ctx, core.InternalEvent{
			Type:    core.EventControlNotified,
			Source:  l.Name(),
			String:  out,
			Details: map[string]any{"command": msg.Kind.String()},
		})
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
