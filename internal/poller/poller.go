// Package poller follows an owner's processes through the status endpoint.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/tendant/tom-education/pkg/schema"
)

const DefaultInterval = time.Second

type Poller struct {
	url      string
	interval time.Duration
	http     *http.Client
	logger   *slog.Logger
}

type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Poller) {
		if c != nil {
			p.http = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

func New(baseURL, owner string, opts ...Option) *Poller {
	p := &Poller{
		url:      strings.TrimRight(baseURL, "/") + "/api/async/status/" + url.PathEscape(owner),
		interval: DefaultInterval,
		http:     &http.Client{Timeout: 10 * time.Second},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetch performs one status request.
func (p *Poller) Fetch(ctx context.Context) (schema.StatusResponse, error) {
	var resp schema.StatusResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return resp, err
	}
	req.Header.Set("Accept", "application/json")
	res, err := p.http.Do(req)
	if err != nil {
		return resp, fmt.Errorf("fetch status: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return resp, fmt.Errorf("fetch status: %s: %s", res.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return resp, fmt.Errorf("decode status: %w", err)
	}
	return resp, nil
}

// Run polls until ctx is cancelled and calls render whenever the process list
// changes. The first successful response is always rendered. Fetch errors are
// logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context, render func(schema.StatusResponse)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last []schema.ProcessView
	seen := false
	for {
		resp, err := p.Fetch(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			p.logger.Warn("poll failed", "url", p.url, "err", err)
		case !seen || !reflect.DeepEqual(last, resp.Processes):
			seen = true
			last = resp.Processes
			render(resp)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
