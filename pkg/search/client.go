package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	// ErrAuth indicates the subscription token was rejected (401). Fatal for
	// the run; never retried.
	ErrAuth = errors.New("search: authentication failed")

	// ErrRateLimited indicates the provider returned 429. Recovered locally by
	// the retry loop in Search.
	ErrRateLimited = errors.New("search: rate limited")
)

// APIError is any other non-2xx provider response. Not retried at this layer.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("search: api returned %d: %s", e.StatusCode, e.Body)
}

// Result is a single projected web search result.
type Result struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

const (
	maxQueryLen      = 1000
	rateLimitRetries = 3
	rateLimitBackoff = 5 * time.Second
)

// Client executes web searches against the provider, holding a private rate
// budget: at most one outbound call per interval across the instance. Callers
// queue on the internal mutex while another request is in flight or the
// interval has not elapsed.
type Client struct {
	apiKey     string
	baseURL    string
	interval   time.Duration
	backoff    time.Duration
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	lastCall time.Time
}

// Options tunes a search Client.
type Options struct {
	BaseURL    string
	Interval   time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewClient(apiKey string, opts *Options) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    "https://api.search.brave.com/res/v1",
		interval:   10 * time.Second,
		backoff:    rateLimitBackoff,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	if opts != nil {
		if opts.BaseURL != "" {
			c.baseURL = strings.TrimRight(opts.BaseURL, "/")
		}
		if opts.Interval > 0 {
			c.interval = opts.Interval
		}
		if opts.HTTPClient != nil {
			c.httpClient = opts.HTTPClient
		}
		if opts.Logger != nil {
			c.logger = opts.Logger
		}
	}
	return c
}

// Search executes query against the provider. Queries are truncated at 1000
// characters; queries with fewer than 3 non-whitespace characters
// short-circuit to the empty list. Rate-limit responses are retried up to 3
// times with 5s/10s/20s backoff.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	if len(query) > maxQueryLen {
		query = query[:maxQueryLen]
	}
	if len(strings.Join(strings.Fields(query), "")) < 3 {
		return nil, nil
	}

	backoff := c.backoff
	var lastErr error
	for attempt := 0; attempt <= rateLimitRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Search rate limited, backing off", "attempt", attempt, "delay", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		results, err := c.dispatch(ctx, query)
		if err == nil {
			return results, nil
		}
		if !errors.Is(err, ErrRateLimited) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// dispatch performs one provider call, honoring the per-instance rate budget.
func (c *Client) dispatch(ctx context.Context, query string) ([]Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if wait := c.interval - time.Since(c.lastCall); wait > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("count", "10")
	params.Set("offset", "0")
	params.Set("language", "en")
	params.Set("country", "US")
	params.Set("safesearch", "moderate")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/web/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	c.lastCall = time.Now()
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	var wire struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				Description string `json:"description"`
				URL         string `json:"url"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	results := make([]Result, 0, len(wire.Web.Results))
	for _, r := range wire.Web.Results {
		title := r.Title
		if title == "" {
			title = "Untitled"
		}
		snippet := r.Description
		if snippet == "" {
			snippet = "No description available"
		}
		results = append(results, Result{
			Title:   title,
			Snippet: snippet,
			URL:     r.URL,
			Content: snippet,
		})
	}
	return results, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
