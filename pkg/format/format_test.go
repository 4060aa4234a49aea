package format

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mywio/hubrelay/pkg/command"
	"github.com/mywio/hubrelay/pkg/issues"
	"github.com/mywio/hubrelay/pkg/webhook"
)

type stubShortener struct {
	short string
	err   error
	calls []string
}

func (s *stubShortener) Shorten(ctx context.Context, long string) (string, error) {
	s.calls = append(s.calls, long)
	return s.short, s.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIssueLabels(t *testing.T) {
	f := New(nil, "", quietLogger())
	base := issues.Issue{Number: 42, Title: "crash on rehash", State: issues.StateOpen, URL: "https://github.com/malkier/kythera/issues/42"}

	tests := []struct {
		name   string
		labels []string
		want   string
	}{
		{"none", nil, "#42 (open): crash on rehash - https://github.com/malkier/kythera/issues/42"},
		{"one", []string{"bug"}, "#42 (open): crash on rehash [bug] - https://github.com/malkier/kythera/issues/42"},
		{"two", []string{"bug", "p1"}, "#42 (open): crash on rehash [bug, p1] - https://github.com/malkier/kythera/issues/42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issue := base
			issue.Labels = tt.labels
			assert.Equal(t, tt.want, f.Issue(context.Background(), issue))
		})
	}
}

func TestFileSummary(t *testing.T) {
	tests := []struct {
		files []string
		want  string
	}{
		{[]string{"lib/kythera.rb"}, "lib/kythera.rb"},
		{[]string{"lib/a.rb", "lib/b.rb", "bin/kythera"}, "(3 files in 2 dirs)"},
		{[]string{"lib/a.rb", "lib/b.rb"}, "(2 files in 1 dir)"},
		{[]string{"README", "Rakefile"}, "(2 files in 0 dir)"},
		{[]string{"README", "lib/a.rb"}, "(2 files in 1 dir)"},
		{nil, "(0 file in 0 dir)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FileSummary(tt.files))
		})
	}
}

func TestCommitUsesShortURL(t *testing.T) {
	short := &stubShortener{short: "https://git.io/abc"}
	f := New(short, "", quietLogger())

	line := f.Commit(context.Background(), webhook.Commit{
		SHA:     "0123456789abcdef0123456789abcdef01234567",
		Author:  "rakaur",
		Message: "fix uplink burst",
		URL:     "https://github.com/malkier/kythera/commit/0123456",
		Files:   []string{"lib/kythera/uplink.rb"},
	}, "master")

	assert.Equal(t, "commit 0123456: rakaur * master / lib/kythera/uplink.rb: fix uplink burst - https://git.io/abc", line)
	assert.Equal(t, []string{"https://github.com/malkier/kythera/commit/0123456"}, short.calls)
}

func TestShortenerFailureFallsBack(t *testing.T) {
	f := New(&stubShortener{err: errors.New("connection refused")}, "", quietLogger())
	line := f.Issue(context.Background(), issues.Issue{Number: 1, Title: "t", State: issues.StateClosed, URL: "https://example.com/1"})
	assert.Equal(t, "#1 (closed): t - https://example.com/1", line)
}

func TestControl(t *testing.T) {
	f := New(nil, "https://github.com/malkier/kythera/actions", quietLogger())

	assert.Equal(t, "ci: abc1234 passed: build passed (42s)",
		f.Control(command.Message{Kind: command.KindCISuccess, Ref: "abc1234def", Description: "build passed", Duration: 42}))
	assert.Equal(t, "ci: abc123 FAILED: unit tests (7s) - https://github.com/malkier/kythera/actions",
		f.Control(command.Message{Kind: command.KindCIFailure, Ref: "abc123", Description: "unit tests", Duration: 7}))
	assert.Equal(t, "hello there", f.Control(command.Message{Kind: command.KindSay, Text: "hello there"}))
	assert.Empty(t, f.Control(command.Message{Kind: command.KindShutdown}))
}

func TestTruncated(t *testing.T) {
	f := New(nil, "", quietLogger())
	assert.Equal(t, "... and 1 more commit - https://github.com/c", f.Truncated(context.Background(), 1, "https://github.com/c"))
	assert.Equal(t, "... and 3 more commits", f.Truncated(context.Background(), 3, ""))
}

func TestHTTPShortener(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		if r.URL.Query().Get("url") == "https://bad.example" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("url") == "https://empty.example" {
			return
		}
		_, _ = io.WriteString(w, "https://is.gd/xyz\n")
	}))
	defer srv.Close()

	s := NewHTTPShortener(srv.URL+"/create.php?format=simple", srv.Client())

	short, err := s.Shorten(context.Background(), "https://github.com/malkier/kythera/issues/3")
	require.NoError(t, err)
	assert.Equal(t, "https://is.gd/xyz", short)

	_, err = s.Shorten(context.Background(), "https://bad.example")
	assert.Error(t, err)

	_, err = s.Shorten(context.Background(), "https://empty.example")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
