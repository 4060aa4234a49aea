package format

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Shortener maps a long URL to a short one.
type Shortener interface {
	Shorten(ctx context.Context, long string) (string, error)
}

// ErrEmptyResponse is returned when the service answers with no URL.
var ErrEmptyResponse = errors.New("shortener returned an empty body")

// HTTPShortener calls a service of the form GET <endpoint>?url=<long> that
// answers with the short URL as plain text (git.io, is.gd style).
type HTTPShortener struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
}

// NewHTTPShortener returns a shortener for endpoint. client may be nil.
func NewHTTPShortener(endpoint string, client *http.Client) *HTTPShortener {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPShortener{endpoint: endpoint, client: client, timeout: 5 * time.Second}
}

func (s *HTTPShortener) Shorten(ctx context.Context, long string) (string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse shortener endpoint: %w", err)
	}
	q := u.Query()
	q.Set("url", long)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("shorten %s: %w", long, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("shortener returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if err != nil {
		return "", fmt.Errorf("read shortener response: %w", err)
	}
	short := strings.TrimSpace(string(body))
	if short == "" {
		return "", ErrEmptyResponse
	}
	return short, nil
}
