// Package issues tracks the open and closed issue lists of one
// repository and announces entries that appear between polls.
package issues

import "slices"

type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Issue is one entry of a tracked list. Two issues are the same only
// if every field matches, so an edited title or label set counts as new.
type Issue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	State  State    `json:"state"`
	Labels []string `json:"labels,omitempty"`
	URL    string   `json:"url"`
}

// Equal reports full-value equality.
func (i Issue) Equal(o Issue) bool {
	return i.Number == o.Number &&
		i.State == o.State &&
		i.Title == o.Title &&
		i.URL == o.URL &&
		slices.Equal(i.Labels, o.Labels)
}

// Snapshot is the complete list for one state as of a single fetch.
// It is replaced wholesale and never modified after the fetch returns.
type Snapshot []Issue

// Diff returns the issues of next that have no full-value match in prev,
// in the order they appear in next.
func Diff(prev, next Snapshot) []Issue {
	if len(next) == 0 {
		return nil
	}
	byNumber := make(map[int][]Issue, len(prev))
	for _, issue := range prev {
		byNumber[issue.Number] = append(byNumber[issue.Number], issue)
	}

	var added []Issue
	for _, issue := range next {
		if !containsEqual(byNumber[issue.Number], issue) {
			added = append(added, issue)
		}
	}
	return added
}

func containsEqual(candidates []Issue, issue Issue) bool {
	for _, c := range candidates {
		if c.Equal(issue) {
			return true
		}
	}
	return false
}
