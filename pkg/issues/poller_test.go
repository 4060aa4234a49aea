package issues

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mywio/hubrelay/pkg/core"
)

type scriptedSource struct {
	mu        sync.Mutex
	responses map[State][]sourceResponse
	calls     map[State]int
}

type sourceResponse struct {
	snap Snapshot
	err  error
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{responses: map[State][]sourceResponse{}, calls: map[State]int{}}
}

func (s *scriptedSource) push(state State, snap Snapshot, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[state] = append(s.responses[state], sourceResponse{snap, err})
}

// ListIssues replays scripted responses; the last one repeats.
func (s *scriptedSource) ListIssues(ctx context.Context, state State) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.responses[state]
	i := s.calls[state]
	s.calls[state]++
	if len(queue) == 0 {
		return nil, nil
	}
	if i >= len(queue) {
		i = len(queue) - 1
	}
	return queue[i].snap, queue[i].err
}

type plainFormatter struct{}

func (plainFormatter) Issue(ctx context.Context, issue Issue) string {
	return fmt.Sprintf("#%d (%s): %s", issue.Number, issue.State, issue.Title)
}

type recordingPublisher struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingPublisher) Publish(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *recordingPublisher) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

type memoryStore struct {
	mu     sync.Mutex
	snaps  map[State]Snapshot
	closed int
}

func (m *memoryStore) Load(ctx context.Context, state State) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[state]
	return snap, ok, nil
}

func (m *memoryStore) Save(ctx context.Context, state State, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[state] = snap
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func newTestPoller(t *testing.T, src Source, store Store, out Publisher) *Poller {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPoller(PollerConfig{
		Repo:     "malkier/kythera",
		Interval: time.Hour,
		States:   []State{StateOpen},
	}, src, store, plainFormatter{}, out)
	require.NoError(t, p.Init(context.Background(), logger, core.NewModuleManager(logger)))
	return p
}

func open(n int, title string) Issue {
	return Issue{Number: n, Title: title, State: StateOpen, URL: fmt.Sprintf("https://github.com/malkier/kythera/issues/%d", n)}
}

func TestPollerAnnouncesOnlyNewIssues(t *testing.T) {
	src := newScriptedSource()
	src.push(StateOpen, Snapshot{open(1, "one"), open(2, "two")}, nil)
	src.push(StateOpen, Snapshot{open(1, "one"), open(2, "two"), open(3, "three")}, nil)
	out := &recordingPublisher{}

	p := newTestPoller(t, src, nil, out)
	w := p.watchers[0]
	ctx := context.Background()

	p.seed(ctx, w)
	assert.Empty(t, out.Lines(), "baseline must not be announced")

	n := p.poll(ctx, w)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"#3 (open): three"}, out.Lines())
	assert.Equal(t, Snapshot{open(1, "one"), open(2, "two"), open(3, "three")}, w.snapshot)
	assert.Equal(t, core.StatusHealthy, p.Status())
}

func TestPollerFetchFailureKeepsSnapshot(t *testing.T) {
	src := newScriptedSource()
	baseline := Snapshot{open(1, "one")}
	src.push(StateOpen, baseline, nil)
	src.push(StateOpen, nil, &FetchError{State: StateOpen, Err: errors.New("502 bad gateway")})
	src.push(StateOpen, Snapshot{open(1, "one"), open(2, "two")}, nil)
	out := &recordingPublisher{}

	p := newTestPoller(t, src, nil, out)
	w := p.watchers[0]
	ctx := context.Background()

	p.seed(ctx, w)
	assert.Equal(t, 0, p.poll(ctx, w))
	assert.Equal(t, baseline, w.snapshot)
	assert.Equal(t, core.StatusDegraded, p.Status())

	assert.Equal(t, 1, p.poll(ctx, w))
	assert.Equal(t, []string{"#2 (open): two"}, out.Lines())
	assert.Equal(t, core.StatusHealthy, p.Status())
}

func TestPollerFailedBaselineDoesNotFlood(t *testing.T) {
	src := newScriptedSource()
	src.push(StateOpen, nil, errors.New("dial tcp: timeout"))
	src.push(StateOpen, Snapshot{open(1, "one"), open(2, "two")}, nil)
	src.push(StateOpen, Snapshot{open(1, "one"), open(2, "two"), open(3, "three")}, nil)
	out := &recordingPublisher{}

	p := newTestPoller(t, src, nil, out)
	w := p.watchers[0]
	ctx := context.Background()

	p.seed(ctx, w)
	assert.False(t, w.seeded)

	assert.Equal(t, 0, p.poll(ctx, w))
	assert.True(t, w.seeded)
	assert.Empty(t, out.Lines())

	assert.Equal(t, 1, p.poll(ctx, w))
	assert.Equal(t, []string{"#3 (open): three"}, out.Lines())
}

func TestPollerRestoresBaselineFromStore(t *testing.T) {
	store := &memoryStore{snaps: map[State]Snapshot{StateOpen: {open(1, "one")}}}
	src := newScriptedSource()
	src.push(StateOpen, Snapshot{open(1, "one"), open(2, "two")}, nil)
	out := &recordingPublisher{}

	p := newTestPoller(t, src, store, out)
	w := p.watchers[0]
	ctx := context.Background()

	p.seed(ctx, w)
	assert.Equal(t, 0, src.calls[StateOpen], "restored baseline skips the fetch")

	assert.Equal(t, 1, p.poll(ctx, w))
	assert.Equal(t, []string{"#2 (open): two"}, out.Lines())

	saved, _, _ := store.Load(ctx, StateOpen)
	assert.Equal(t, Snapshot{open(1, "one"), open(2, "two")}, saved)
}

func TestPollerStartStop(t *testing.T) {
	src := newScriptedSource()
	src.push(StateOpen, Snapshot{open(1, "one")}, nil)
	src.push(StateOpen, Snapshot{open(1, "one"), open(5, "five")}, nil)
	out := &recordingPublisher{}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPoller(PollerConfig{
		Repo:     "malkier/kythera",
		Interval: 10 * time.Millisecond,
		States:   []State{StateOpen},
	}, src, nil, plainFormatter{}, out)
	require.NoError(t, p.Init(context.Background(), logger, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	require.Eventually(t, func() bool {
		return len(out.Lines()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, p.Stop(stopCtx))

	// The last scripted response repeats, so nothing else is announced.
	assert.Equal(t, []string{"#5 (open): five"}, out.Lines())
}

func TestPollerStopClosesStoreWithoutStart(t *testing.T) {
	store := &memoryStore{snaps: map[State]Snapshot{}}
	p := newTestPoller(t, newScriptedSource(), store, &recordingPublisher{})

	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, 1, store.closed)
}
