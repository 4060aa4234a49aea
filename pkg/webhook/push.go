// Package webhook receives GitHub push deliveries and announces their
// commits.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/google/go-github/v57/github"
)

// ErrInvalidPayload is wrapped by every decode or validation failure.
var ErrInvalidPayload = errors.New("invalid push payload")

type Commit struct {
	SHA     string
	Author  string
	Message string // first line only
	URL     string
	Files   []string
	Branch  string
}

type PushEvent struct {
	Ref        string
	Branch     string
	Repository string // bare name
	FullName   string // owner/name
	Compare    string
	Commits    []Commit
}

// ExtractPayload returns the JSON document from a delivery body, which is
// either raw JSON or a form with a "payload" field.
func ExtractPayload(contentType string, body []byte) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	trimmed := strings.TrimSpace(string(body))

	if mediaType == "application/x-www-form-urlencoded" || strings.HasPrefix(trimmed, "payload=") {
		form, err := url.ParseQuery(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: form: %v", ErrInvalidPayload, err)
		}
		payload := form.Get("payload")
		if payload == "" {
			return nil, fmt.Errorf("%w: form has no payload field", ErrInvalidPayload)
		}
		return []byte(payload), nil
	}
	return []byte(trimmed), nil
}

// ParsePush decodes a push payload and checks the fields the relay relies on.
func ParsePush(data []byte) (PushEvent, error) {
	var raw github.PushEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return PushEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	ref := raw.GetRef()
	if ref == "" {
		return PushEvent{}, fmt.Errorf("%w: missing ref", ErrInvalidPayload)
	}
	repo := raw.GetRepo()
	if repo.GetName() == "" {
		return PushEvent{}, fmt.Errorf("%w: missing repository name", ErrInvalidPayload)
	}

	ev := PushEvent{
		Ref:        ref,
		Branch:     path.Base(ref),
		Repository: repo.GetName(),
		FullName:   repo.GetFullName(),
		Compare:    raw.GetCompare(),
	}
	for i, c := range raw.Commits {
		if c.GetID() == "" {
			return PushEvent{}, fmt.Errorf("%w: commit %d has no id", ErrInvalidPayload, i)
		}
		ev.Commits = append(ev.Commits, Commit{
			SHA:     c.GetID(),
			Author:  authorName(c.GetAuthor()),
			Message: firstLine(c.GetMessage()),
			URL:     c.GetURL(),
			Files:   changedFiles(c),
			Branch:  ev.Branch,
		})
	}
	return ev, nil
}

// Matches reports whether the push belongs to repo, given as a bare
// name or as owner/name.
func (e PushEvent) Matches(repo string) bool {
	if repo == "" {
		return false
	}
	if strings.Contains(repo, "/") {
		return strings.EqualFold(repo, e.FullName)
	}
	return strings.EqualFold(repo, e.Repository)
}

func authorName(a *github.CommitAuthor) string {
	if name := a.GetName(); name != "" {
		return name
	}
	return a.GetLogin()
}

func firstLine(msg string) string {
	line, _, _ := strings.Cut(msg, "\n")
	return strings.TrimRight(line, "\r")
}

// changedFiles is the union of added, removed and modified paths in
// first-seen order.
func changedFiles(c *github.HeadCommit) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, list := range [][]string{c.Added, c.Removed, c.Modified} {
		for _, f := range list {
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}
