// Package format renders relay events as single chat lines.
package format

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/mywio/hubrelay/pkg/command"
	"github.com/mywio/hubrelay/pkg/issues"
	"github.com/mywio/hubrelay/pkg/webhook"
)

// Formatter turns issues, commits and control messages into lines. The
// zero value is not usable; build one with New.
type Formatter struct {
	shortener Shortener
	helpURL   string
	logger    *slog.Logger
}

// New returns a Formatter. shortener may be nil, in which case long URLs
// are used as is. helpURL is appended to CI failure lines.
func New(shortener Shortener, helpURL string, logger *slog.Logger) *Formatter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Formatter{shortener: shortener, helpURL: helpURL, logger: logger}
}

// Issue renders "#<n> (<state>): <title>[ [l1, l2]] - <url>".
func (f *Formatter) Issue(ctx context.Context, issue issues.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d (%s): %s", issue.Number, issue.State, issue.Title)
	if len(issue.Labels) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(issue.Labels, ", "))
	}
	fmt.Fprintf(&b, " - %s", f.shorten(ctx, issue.URL))
	return b.String()
}

// Commit renders "commit <sha7>: <author> * <branch> / <files>: <message> - <url>".
func (f *Formatter) Commit(ctx context.Context, c webhook.Commit, branch string) string {
	return fmt.Sprintf("commit %s: %s * %s / %s: %s - %s",
		abbrev(c.SHA), c.Author, branch, FileSummary(c.Files), c.Message, f.shorten(ctx, c.URL))
}

// Truncated renders the summary line for commits left out of an announcement.
func (f *Formatter) Truncated(ctx context.Context, remaining int, compareURL string) string {
	noun := "commit"
	if remaining > 1 {
		noun = "commits"
	}
	line := fmt.Sprintf("... and %d more %s", remaining, noun)
	if compareURL != "" {
		line += " - " + f.shorten(ctx, compareURL)
	}
	return line
}

// Control renders a parsed command. Shutdown has no line and yields "".
func (f *Formatter) Control(msg command.Message) string {
	switch msg.Kind {
	case command.KindCISuccess:
		return fmt.Sprintf("ci: %s passed: %s (%ds)", abbrev(msg.Ref), msg.Description, msg.Duration)
	case command.KindCIFailure:
		line := fmt.Sprintf("ci: %s FAILED: %s (%ds)", abbrev(msg.Ref), msg.Description, msg.Duration)
		if f.helpURL != "" {
			line += " - " + f.helpURL
		}
		return line
	case command.KindSay:
		return msg.Text
	default:
		return ""
	}
}

// FileSummary returns the bare path for a single file, otherwise
// "(N file[s] in M dir[s])". Paths without a separator count as files only.
func FileSummary(files []string) string {
	if len(files) == 1 {
		return files[0]
	}
	dirs := map[string]struct{}{}
	for _, f := range files {
		if strings.Contains(f, "/") {
			dirs[path.Dir(f)] = struct{}{}
		}
	}
	return fmt.Sprintf("(%s in %s)", plural(len(files), "file"), plural(len(dirs), "dir"))
}

func plural(n int, noun string) string {
	if n > 1 {
		return fmt.Sprintf("%d %ss", n, noun)
	}
	return fmt.Sprintf("%d %s", n, noun)
}

func abbrev(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func (f *Formatter) shorten(ctx context.Context, long string) string {
	if f.shortener == nil || long == "" {
		return long
	}
	short, err := f.shortener.Shorten(ctx, long)
	if err != nil {
		f.logger.WarnContext(ctx, "URL shortening failed, using long URL", "url", long, "error", err)
		return long
	}
	return short
}
