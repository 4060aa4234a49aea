// Package chat keeps a minimal IRC client connection: it registers,
// joins its channels after the MOTD, answers PINGs and accepts PRIVMSG
// lines through a non-blocking send.
package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mywio/hubrelay/pkg/core"
	"github.com/mywio/hubrelay/pkg/fanout"
	"github.com/mywio/hubrelay/pkg/netpoll"
)

// maxLine is the IRC message limit including CRLF.
const maxLine = 512

var ErrClosed = errors.New("irc connection closed")

type Config struct {
	Name        string
	Addr        string
	Nick        string
	User        string
	RealName    string
	Channels    []string
	DialTimeout time.Duration
}

// Conn is one connection to one network. It implements fanout.Conn.
type Conn struct {
	cfg    Config
	logger *slog.Logger

	conn net.Conn
	fd   *netpoll.FD
	nick string

	// wmu guards pending, the unsent tail of accepted output, and nick.
	wmu     sync.Mutex
	pending []byte

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	joined    atomic.Bool
	flushing  atomic.Bool
	wg        sync.WaitGroup
}

func New(cfg Config) *Conn {
	if cfg.Name == "" {
		cfg.Name = cfg.Addr
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &Conn{
		cfg:    cfg,
		logger: slog.Default(),
		nick:   cfg.Nick,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (c *Conn) Name() string { return "irc/" + c.cfg.Name }

func (c *Conn) Description() string {
	return fmt.Sprintf("IRC connection to %s (%s)", c.cfg.Name, c.cfg.Addr)
}

func (c *Conn) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilityNotifier}
}

// Init dials the server and sends the registration. A failed dial aborts
// startup; there is no reconnect.
func (c *Conn) Init(ctx context.Context, logger *slog.Logger, registry core.PluginRegistry) error {
	c.logger = logger
	return c.Connect(ctx)
}

func (c *Conn) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return fmt.Errorf("dial %s: unexpected connection type %T", c.cfg.Addr, conn)
	}
	fd, err := netpoll.New(tcp)
	if err != nil {
		_ = conn.Close()
		return err
	}
	c.conn = conn
	c.fd = fd

	c.enqueue("NICK " + c.nick)
	c.enqueue(fmt.Sprintf("USER %s 0 * :%s", c.cfg.User, c.cfg.RealName))
	if err := c.drain(ctx); err != nil {
		_ = conn.Close()
		return fmt.Errorf("register with %s: %w", c.cfg.Addr, err)
	}
	c.logger.Info("Connected", "addr", c.cfg.Addr, "nick", c.nick)
	return nil
}

// Start runs the read loop.
func (c *Conn) Start(ctx context.Context) error {
	if c.conn == nil {
		return errors.New("irc connection not established")
	}
	c.wg.Add(1)
	go c.readLoop()
	return nil
}

// Stop sends QUIT, waits for it to flush within ctx and closes the socket.
func (c *Conn) Stop(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	select {
	case <-c.closed:
	default:
		c.enqueue("QUIT :shutting down")
		if err := c.drain(ctx); err != nil {
			c.logger.Warn("QUIT not flushed", "error", err)
		}
	}
	c.shutdown()
	c.wg.Wait()
	c.logger.Info("Disconnected")
	return nil
}

func (c *Conn) Status() core.ServiceStatus {
	select {
	case <-c.closed:
		return core.StatusUnhealthy
	default:
	}
	switch {
	case c.conn == nil:
		return core.StatusUnknown
	case c.joined.Load():
		return core.StatusHealthy
	default:
		return core.StatusDegraded
	}
}

func (c *Conn) Config() any {
	c.wmu.Lock()
	nick := c.nick
	c.wmu.Unlock()
	return struct {
		Name     string   `json:"name"`
		Addr     string   `json:"addr"`
		Nick     string   `json:"nick"`
		Channels []string `json:"channels"`
		Joined   bool     `json:"joined"`
	}{c.cfg.Name, c.cfg.Addr, nick, c.cfg.Channels, c.joined.Load()}
}

// Channels returns the configured channel list.
func (c *Conn) Channels() []string { return c.cfg.Channels }

// TrySend writes a PRIVMSG without blocking. The line is either accepted
// in full, possibly with an unsent tail kept for the next flush, or
// rejected with fanout.ErrWouldBlock.
func (c *Conn) TrySend(target, line string) error {
	select {
	case <-c.closed:
		return ErrClosed
	case <-c.ready:
	default:
		return fanout.ErrWouldBlock
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.flushLocked(); err != nil {
		return err
	}
	if len(c.pending) > 0 {
		return fanout.ErrWouldBlock
	}

	msg := privmsg(target, line)
	n, err := c.fd.Write(msg)
	if errors.Is(err, netpoll.ErrWouldBlock) {
		return fanout.ErrWouldBlock
	}
	if err != nil {
		c.shutdown()
		return fmt.Errorf("write: %w", err)
	}
	if n < len(msg) {
		c.pending = append(c.pending, msg[n:]...)
		c.flushInBackground()
	}
	return nil
}

// WaitWritable waits for registration to finish and for the socket to
// accept more data.
func (c *Conn) WaitWritable(ctx context.Context) error {
	select {
	case <-c.ready:
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	for {
		c.wmu.Lock()
		err := c.flushLocked()
		empty := len(c.pending) == 0
		c.wmu.Unlock()
		if err != nil {
			return err
		}
		if empty {
			return c.fd.Wait(ctx, netpoll.Writable)
		}
		if err := c.fd.Wait(ctx, netpoll.Writable); err != nil {
			return err
		}
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer c.shutdown()

	r := bufio.NewReaderSize(c.conn, maxLine*2)
	for {
		raw, err := r.ReadString('\n')
		if err != nil {
			select {
			case <-c.closed:
			default:
				if errors.Is(err, io.EOF) {
					c.logger.Warn("Server closed the connection")
				} else {
					c.logger.Error("Read failed", "error", err)
				}
			}
			return
		}
		c.handle(parseLine(strings.TrimRight(raw, "\r\n")))

		c.wmu.Lock()
		if err := c.flushLocked(); err != nil {
			c.logger.Error("Flush failed", "error", err)
		}
		c.wmu.Unlock()
	}
}

func (c *Conn) handle(m message) {
	switch m.command {
	case "PING":
		c.enqueue("PONG :" + m.trailing())
	case "001":
		c.logger.Debug("Registered", "server", m.prefix)
	case "376", "422": // end of MOTD, no MOTD
		if c.joined.Load() {
			return
		}
		for _, ch := range c.cfg.Channels {
			c.enqueue("JOIN " + ch)
		}
		c.joined.Store(true)
		c.readyOnce.Do(func() { close(c.ready) })
		c.logger.Info("Joined channels", "channels", c.cfg.Channels)
	case "433": // nickname in use
		c.wmu.Lock()
		c.nick += "_"
		nick := c.nick
		c.wmu.Unlock()
		c.enqueue("NICK " + nick)
		c.logger.Warn("Nickname in use, retrying", "nick", nick)
	case "ERROR":
		c.logger.Error("Server error", "message", m.trailing())
	}
}

// enqueue appends a raw protocol line to pending and tries to flush.
func (c *Conn) enqueue(raw string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.pending = append(c.pending, raw...)
	c.pending = append(c.pending, '\r', '\n')
	if err := c.flushLocked(); err != nil {
		c.logger.Error("Write failed", "error", err)
	}
}

// drain flushes pending completely or until ctx ends.
func (c *Conn) drain(ctx context.Context) error {
	for {
		c.wmu.Lock()
		err := c.flushLocked()
		empty := len(c.pending) == 0
		c.wmu.Unlock()
		if err != nil {
			return err
		}
		if empty {
			return nil
		}
		if err := c.fd.Wait(ctx, netpoll.Writable); err != nil {
			return err
		}
	}
}

// flushInBackground writes out pending without waiting for another send.
// At most one flusher runs at a time.
func (c *Conn) flushInBackground() {
	if !c.flushing.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-c.closed:
				cancel()
			case <-ctx.Done():
			}
		}()

		for {
			err := c.drain(ctx)
			c.flushing.Store(false)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("Flushing partial line failed", "error", err)
					c.shutdown()
				}
				return
			}

			c.wmu.Lock()
			empty := len(c.pending) == 0
			c.wmu.Unlock()
			// A send may have left a new tail after drain returned.
			if empty || !c.flushing.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

func (c *Conn) flushLocked() error {
	for len(c.pending) > 0 {
		n, err := c.fd.Write(c.pending)
		if errors.Is(err, netpoll.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		c.pending = c.pending[n:]
	}
	c.pending = nil
	return nil
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// privmsg builds one PRIVMSG, flattening line breaks and trimming the
// text to the protocol limit.
func privmsg(target, line string) []byte {
	line = strings.NewReplacer("\r", " ", "\n", " ").Replace(line)
	head := "PRIVMSG " + target + " :"
	if room := maxLine - 2 - len(head); len(line) > room {
		line = strings.ToValidUTF8(line[:max(room, 0)], "")
	}
	return []byte(head + line + "\r\n")
}

type message struct {
	prefix  string
	command string
	params  []string
}

func (m message) trailing() string {
	if len(m.params) == 0 {
		return ""
	}
	return m.params[len(m.params)-1]
}

// parseLine splits "[:prefix] COMMAND params... [:trailing]".
func parseLine(line string) message {
	var m message
	if strings.HasPrefix(line, ":") {
		m.prefix, line, _ = strings.Cut(line[1:], " ")
	}
	var trailing string
	hasTrailing := false
	if i := strings.Index(line, " :"); i >= 0 {
		trailing = line[i+2:]
		line = line[:i]
		hasTrailing = true
	}
	fields := strings.Fields(line)
	if len(fields) > 0 {
		m.command = strings.ToUpper(fields[0])
		m.params = fields[1:]
	}
	if hasTrailing {
		m.params = append(m.params, trailing)
	}
	return m
}
