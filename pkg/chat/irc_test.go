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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mywio/hubrelay/pkg/core"
	"github.com/mywio/hubrelay/pkg/fanout"
)

// fakeServer is a scripted IRC server for a single client.
type fakeServer struct {
	t    *testing.T
	ln   net.Listener
	conn net.Conn
	r    *bufio.Reader
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return &fakeServer{t: t, ln: ln}
}

func (s *fakeServer) accept() {
	s.t.Helper()
	conn, err := s.ln.Accept()
	require.NoError(s.t, err)
	s.t.Cleanup(func() { _ = conn.Close() })
	s.conn = conn
	s.r = bufio.NewReader(conn)
}

func (s *fakeServer) expect(want string) {
	s.t.Helper()
	require.NoError(s.t, s.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := s.r.ReadString('\n')
	require.NoError(s.t, err)
	assert.Equal(s.t, want, strings.TrimRight(line, "\r\n"))
}

func (s *fakeServer) send(line string) {
	s.t.Helper()
	_, err := io.WriteString(s.conn, line+"\r\n")
	require.NoError(s.t, err)
}

func connect(t *testing.T, s *fakeServer) *Conn {
	t.Helper()
	c := New(Config{
		Name:     "malkier",
		Addr:     s.ln.Addr().String(),
		Nick:     "kythera",
		User:     "rhuidean",
		RealName: "a facet of someone else's imagination",
		Channels: []string{"#malkier"},
	})

	accepted := make(chan struct{})
	go func() {
		s.accept()
		close(accepted)
	}()
	require.NoError(t, c.Init(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), nil))
	<-accepted
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})

	s.expect("NICK kythera")
	s.expect("USER rhuidean 0 * :a facet of someone else's imagination")
	return c
}

func TestSendBlocksUntilJoined(t *testing.T) {
	s := newFakeServer(t)
	c := connect(t, s)

	assert.ErrorIs(t, c.TrySend("#malkier", "too early"), fanout.ErrWouldBlock)
	assert.Equal(t, core.StatusDegraded, c.Status())

	waited := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		waited <- c.WaitWritable(ctx)
	}()

	s.send(":ircd.malkier.net 001 kythera :Welcome")
	s.send(":ircd.malkier.net 376 kythera :End of /MOTD command.")
	s.expect("JOIN #malkier")
	require.NoError(t, <-waited)
	assert.Equal(t, core.StatusHealthy, c.Status())

	require.NoError(t, c.TrySend("#malkier", "#3 (open): new issue - https://git.io/x"))
	s.expect("PRIVMSG #malkier :#3 (open): new issue - https://git.io/x")
}

func TestPingPong(t *testing.T) {
	s := newFakeServer(t)
	connect(t, s)

	s.send("PING :ircd.malkier.net")
	s.expect("PONG :ircd.malkier.net")
}

func TestNickInUse(t *testing.T) {
	s := newFakeServer(t)
	connect(t, s)

	s.send(":ircd.malkier.net 433 * kythera :Nickname is already in use")
	s.expect("NICK kythera_")
}

func TestStopSendsQuit(t *testing.T) {
	s := newFakeServer(t)
	c := connect(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))

	s.expect("QUIT :shutting down")
	assert.ErrorIs(t, c.TrySend("#malkier", "late"), ErrClosed)
	assert.Equal(t, core.StatusUnhealthy, c.Status())
}

func TestServerHangupClosesConn(t *testing.T) {
	s := newFakeServer(t)
	c := connect(t, s)

	require.NoError(t, s.conn.Close())
	require.Eventually(t, func() bool {
		return c.Status() == core.StatusUnhealthy
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, c.WaitWritable(ctx), ErrClosed)
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := New(Config{Addr: addr, Nick: "kythera", Channels: []string{"#malkier"}})
	err = c.Init(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	assert.ErrorContains(t, err, "dial")
}

func TestParseLine(t *testing.T) {
	m := parseLine(":nick!user@host PRIVMSG #malkier :hello there")
	assert.Equal(t, "nick!user@host", m.prefix)
	assert.Equal(t, "PRIVMSG", m.command)
	assert.Equal(t, []string{"#malkier", "hello there"}, m.params)

	m = parseLine("PING irc.example")
	assert.Equal(t, "PING", m.command)
	assert.Equal(t, "irc.example", m.trailing())
}

func TestPrivmsgFlattensAndTrims(t *testing.T) {
	msg := string(privmsg("#malkier", "one\r\ntwo"))
	assert.Equal(t, "PRIVMSG #malkier :one  two\r\n", msg)

	long := string(privmsg("#malkier", strings.Repeat("x", 600)))
	assert.Len(t, long, maxLine)
	assert.True(t, strings.HasSuffix(long, "\r\n"))
}

func TestAcceptedLinesFlushWithoutFurtherSends(t *testing.T) {
	s := newFakeServer(t)
	c := connect(t, s)
	s.send(":ircd.malkier.net 376 kythera :End of /MOTD command.")
	s.expect("JOIN #malkier")

	// The server stops reading until the socket buffers fill, so the
	// last accepted line is usually only partly written.
	payload := strings.Repeat("x", 400)
	accepted := 0
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		err := c.TrySend("#malkier", fmt.Sprintf("%06d %s", accepted, payload))
		if errors.Is(err, fanout.ErrWouldBlock) {
			break
		}
		require.NoError(t, err)
		accepted++
	}
	require.Positive(t, accepted)

	for i := 0; i < accepted; i++ {
		s.expect(fmt.Sprintf("PRIVMSG #malkier :%06d %s", i, payload))
	}
}
