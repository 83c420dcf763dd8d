// Package poolapi provides clients for external mining pool APIs.
//
// All providers are normalized into WorkerSample and AccountStats before
// anything enters the settlement pipeline. Field extraction is driven by
// configured dot-path keys so schema drift across providers is handled
// with configuration, not code changes.
package poolapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mintpool/settler/internal/config"
	"github.com/mintpool/settler/internal/storage"
	"github.com/mintpool/settler/internal/util"
)

// AccountStats is the pool's self-reported account view for a window
type AccountStats struct {
	Hashrate float64 // account-level hashrate as reported by the pool
	Revenue  string  // native-coin revenue for the window, decimal string
	Workers  int
}

// Client is a normalized pool API client
type Client interface {
	Source() string
	FetchWorkers(ctx context.Context) ([]*storage.WorkerSample, error)
	FetchAccountStats(ctx context.Context, windowStart, windowEnd time.Time) (*AccountStats, error)
}

// NewClient builds a client for a configured pool account
func NewClient(acct *config.PoolAccountConfig, fetch *config.FetchConfig) (Client, error) {
	hc := newHTTPClient(acct.BaseURL, fetch)

	switch acct.Source {
	case "f2pool":
		return newF2PoolClient(acct, hc), nil
	case "antpool":
		return newAntpoolClient(acct, hc), nil
	case "c3pool":
		return newC3PoolClient(acct, hc), nil
	default:
		return nil, fmt.Errorf("unknown pool source: %s", acct.Source)
	}
}

// Per-host limiter registry shared by all clients, so concurrent account
// jobs against the same provider stay inside the configured QPS budget.
var (
	limiterMu sync.Mutex
	limiters  = make(map[string]*rate.Limiter)
)

func limiterFor(host string, qps float64, burst int) *rate.Limiter {
	limiterMu.Lock()
	defer limiterMu.Unlock()

	if l, ok := limiters[host]; ok {
		return l
	}
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(qps), burst)
	limiters[host] = l
	return l
}

// httpClient is the shared fetch machinery: per-host rate limiting,
// bounded retries with backoff, and error classification.
type httpClient struct {
	base       string
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries int
	retryDelay time.Duration
}

func newHTTPClient(base string, fetch *config.FetchConfig) *httpClient {
	host := base
	if u, err := url.Parse(base); err == nil && u.Host != "" {
		host = u.Host
	}

	return &httpClient{
		base:       strings.TrimRight(base, "/"),
		client:     &http.Client{Timeout: fetch.Timeout},
		limiter:    limiterFor(host, fetch.QPS, fetch.Burst),
		maxRetries: fetch.MaxRetries,
		retryDelay: fetch.RetryDelay,
	}
}

// getJSON fetches a path with retries and decodes the body
func (c *httpClient) getJSON(ctx context.Context, path string) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodGet, path, "", nil)
}

// postForm posts form values with retries and decodes the body
func (c *httpClient) postForm(ctx context.Context, path string, form url.Values) (json.RawMessage, error) {
	encoded := form.Encode()
	return c.doJSON(ctx, http.MethodPost, path,
		"application/x-www-form-urlencoded",
		func() io.Reader { return strings.NewReader(encoded) })
}

// doJSON runs a request with retries. makeBody builds a fresh body reader
// for each attempt, so retried POSTs never reuse a drained reader; nil
// means no body.
func (c *httpClient) doJSON(ctx context.Context, method, path, contentType string, makeBody func() io.Reader) (json.RawMessage, error) {
	fullURL := c.base + path

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, &TransientError{Op: method + " " + fullURL, Err: ctx.Err()}
			case <-time.After(delay):
			}
			util.Debugf("Retrying %s %s (attempt %d/%d)", method, fullURL, attempt, c.maxRetries)
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransientError{Op: method + " " + fullURL, Err: err}
		}

		var body io.Reader
		if makeBody != nil {
			body = makeBody()
		}
		raw, retryable, err := c.doOnce(ctx, method, fullURL, contentType, body)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}

	return nil, &TransientError{Op: method + " " + fullURL, Err: lastErr}
}

func (c *httpClient) doOnce(ctx context.Context, method, fullURL, contentType string, body io.Reader) (json.RawMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, false, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("server error %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, &ParseError{
			Source: fullURL,
			Detail: fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}
	}

	if !json.Valid(respBody) {
		return nil, false, &ParseError{Source: fullURL, Detail: "body is not valid JSON"}
	}
	return json.RawMessage(respBody), false, nil
}

// --- dot-path field extraction ---

// pathValue walks a decoded JSON document along a dot-separated key path
func pathValue(doc interface{}, path string) (interface{}, bool) {
	if path == "" {
		return doc, true
	}

	cur := doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func pathString(doc interface{}, path string) (string, bool) {
	v, ok := pathValue(doc, path)
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}

func pathFloat(doc interface{}, path string) (float64, bool) {
	v, ok := pathValue(doc, path)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
