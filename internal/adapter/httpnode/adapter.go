// Package httpnode implements site adapters for systems that expose an HTTP
// probe endpoint and a JSON item collection. One [Factory] exists per
// [Profile]; auto-detection works because a factory refuses to create an
// adapter for an address that does not answer its profile's probe.
package httpnode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/njoerd114/siterelay/internal/adapter"
	"github.com/njoerd114/siterelay/internal/model"
)

// systemNameHeader is the probe response header carrying the remote system's identity.
const systemNameHeader = "X-System-Name"

// Adapter talks to one site over HTTP. Create one with [Factory.Create].
type Adapter struct {
	base       *url.URL
	profile    Profile
	client     *http.Client
	avail      *availabilityCache
	policy     retryPolicy
	log        *slog.Logger
	systemName string
	closed     atomic.Bool
}

var (
	_ adapter.Adapter      = (*Adapter)(nil)
	_ adapter.ChangeSource = (*Adapter)(nil)
	_ adapter.ItemSink     = (*Adapter)(nil)
)

// IsAvailable probes the site, retrying transient failures. Positive answers
// are cached briefly per address. A closed adapter is never available.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	if a.closed.Load() {
		return false
	}
	key := a.base.String()
	if a.avail.hit(key) {
		return true
	}

	err := retry(ctx, a.policy, func() error {
		_, probeErr := a.probe(ctx)
		return probeErr
	})
	if err != nil {
		a.log.Debug("site unavailable", "url", key, "type", a.profile.Type, "error", err)
		return false
	}
	a.avail.remember(key)
	return true
}

// SystemName returns the name the site reported when the adapter was created,
// or "<TYPE> at <host>" if it reported none.
func (a *Adapter) SystemName() string {
	if a.systemName != "" {
		return a.systemName
	}
	return fmt.Sprintf("%s at %s", a.profile.Type, a.base.Host)
}

// Close releases idle connections. Calling it again is a no-op.
func (a *Adapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.client.CloseIdleConnections()
	return nil
}

// itemsResponse is the JSON body returned by a change query.
type itemsResponse struct {
	Items []model.Item `json:"items"`
}

// Changes lists items modified after since. A zero since lists everything.
func (a *Adapter) Changes(ctx context.Context, since time.Time) ([]model.Item, error) {
	u := a.endpoint(a.profile.ItemsPath)
	if !since.IsZero() {
		q := u.Query()
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
		u.RawQuery = q.Encode()
	}

	var resp itemsResponse
	err := retry(ctx, a.policy, func() error {
		return a.doJSON(ctx, http.MethodGet, u, nil, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("listing changes on %s: %w", a.base.Host, err)
	}
	return resp.Items, nil
}

// Apply writes item to the site's collection.
func (a *Adapter) Apply(ctx context.Context, item model.Item) error {
	if item.ID == "" {
		return fmt.Errorf("applying item to %s: item has no id", a.base.Host)
	}
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding item %q: %w", item.ID, err)
	}

	u := a.endpoint(a.profile.ItemsPath)
	u = u.JoinPath(item.ID)
	err = retry(ctx, a.policy, func() error {
		return a.doJSON(ctx, http.MethodPut, u, body, nil)
	})
	if err != nil {
		return fmt.Errorf("applying item %q to %s: %w", item.ID, a.base.Host, err)
	}
	return nil
}

// probe requests the profile's identifying endpoint once and returns the
// reported system name.
func (a *Adapter) probe(ctx context.Context) (string, error) {
	u := a.endpoint(a.profile.ProbePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("create probe request: %w", err))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute probe request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError(resp.StatusCode)
	}
	return resp.Header.Get(systemNameHeader), nil
}

// doJSON sends body (if any) and decodes a JSON response into out (if non-nil).
// 4xx answers are permanent and stop the retry loop.
func (a *Adapter) doJSON(ctx context.Context, method string, u *url.URL, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return statusError(resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// endpoint joins pathAndQuery onto the site's base URL, keeping any path
// prefix the base already has.
func (a *Adapter) endpoint(pathAndQuery string) *url.URL {
	p, q, _ := strings.Cut(pathAndQuery, "?")
	u := a.base.JoinPath(p)
	u.RawQuery = q
	return u
}

// ErrUnexpectedStatus wraps non-2xx answers.
var ErrUnexpectedStatus = errors.New("unexpected status")

func statusError(code int) error {
	err := fmt.Errorf("%w %d", ErrUnexpectedStatus, code)
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// parseBaseURL validates a site address.
func parseBaseURL(rawURL string) (*url.URL, error) {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return nil, fmt.Errorf("site url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("site url %q must be http or https", rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("site url %q has no host", rawURL)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
