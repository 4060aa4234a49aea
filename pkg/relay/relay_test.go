package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mywio/hubrelay/pkg/config"
	"github.com/mywio/hubrelay/pkg/fanout"
	"github.com/mywio/hubrelay/pkg/issues"
)

type recordingConn struct {
	mu    sync.Mutex
	lines []string
}

func (c *recordingConn) TrySend(target, line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
	return nil
}

func (c *recordingConn) WaitWritable(ctx context.Context) error { return nil }

func (c *recordingConn) has(prefix string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

// growingSource adds one issue per fetch after the first.
type growingSource struct {
	mu    sync.Mutex
	calls int
}

func (s *growingSource) ListIssues(ctx context.Context, state issues.State) (issues.Snapshot, error) {
	if state != issues.StateOpen {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	var snap issues.Snapshot
	for n := 1; n <= s.calls; n++ {
		snap = append(snap, issues.Issue{
			Number: n,
			Title:  fmt.Sprintf("issue %d", n),
			State:  issues.StateOpen,
			URL:    fmt.Sprintf("https://github.com/malkier/kythera/issues/%d", n),
		})
	}
	return snap, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load(config.ConfigMap{
		"core":    {"http_addr": "127.0.0.1:0", "plugins_dir": t.TempDir(), "shutdown_timeout": "2s"},
		"github":  {"owner": "malkier", "repo": "kythera", "interval": "1s", "states": []any{"open"}},
		"command": {"addr": "127.0.0.1:0", "read_timeout": "1s"},
		"irc": {"networks": []any{map[string]any{
			"addr": "irc.malkier.net:6667", "nick": "kythera", "channels": []any{"#malkier"},
		}}},
	})
	require.NoError(t, err)
	return cfg
}

func TestRelayEndToEnd(t *testing.T) {
	conn := &recordingConn{}
	sup, err := New(context.Background(), testConfig(t), Options{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Source:       &growingSource{},
		Destinations: []fanout.Destination{{Network: "malkier", Target: "#malkier", Conn: conn}},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	select {
	case <-sup.Ready():
	case err := <-done:
		t.Fatalf("relay exited during startup: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not start")
	}

	// Issue poller: the baseline holds #1, the next poll adds #2.
	require.Eventually(t, func() bool {
		return conn.has("#2 (open): issue 2 - ")
	}, 5*time.Second, 20*time.Millisecond)
	assert.False(t, conn.has("#1 "), "baseline must not be announced")

	// Command socket.
	sendCommand(t, sup.CommandAddr(), "ci:success 0123456789 build passed 42 x\n")
	require.Eventually(t, func() bool {
		return conn.has("ci: 0123456 passed: build passed (42s)")
	}, 2*time.Second, 10*time.Millisecond)

	// Webhook.
	payload := `{"ref":"refs/heads/master","repository":{"name":"kythera","full_name":"malkier/kythera"},
		"commits":[{"id":"abcdef0123456","message":"Fix it","url":"https://github.com/malkier/kythera/commit/abcdef0",
		"author":{"name":"rakaur"},"modified":["lib/kythera.rb"]}]}`
	resp, err := http.Post("http://"+sup.HTTPAddr()+"/", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool {
		return conn.has("commit abcdef0: rakaur * master / lib/kythera.rb: Fix it")
	}, 2*time.Second, 10*time.Millisecond)

	// Status API lists every module.
	resp, err = http.Get("http://" + sup.HTTPAddr() + "/api/plugins")
	require.NoError(t, err)
	var plugins []struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&plugins))
	resp.Body.Close()
	var names []string
	for _, p := range plugins {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"fanout", "issues", "command", "webhook"}, names)

	// Authorized shutdown from loopback.
	sendCommand(t, sup.CommandAddr(), "rakaur:die\n")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not shut down")
	}
}

func TestRelayStopsOnContextCancel(t *testing.T) {
	sup, err := New(context.Background(), testConfig(t), Options{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Source:       &growingSource{},
		Destinations: []fanout.Destination{{Network: "malkier", Target: "#malkier", Conn: &recordingConn{}}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	<-sup.Ready()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRelayBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t)
	cfg.Command.Addr = busy.Addr().String()

	sup, err := New(context.Background(), cfg, Options{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Source:       &growingSource{},
		Destinations: []fanout.Destination{},
	})
	require.NoError(t, err)

	err = sup.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind command socket")
}

func sendCommand(t *testing.T, addr, line string) {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	_, err = io.WriteString(c, line)
	require.NoError(t, err)
}
