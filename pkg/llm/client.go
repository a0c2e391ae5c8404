package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"
)

// Message is a single chat turn sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the advisory token accounting attached to a completion.
type Usage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Model            string `json:"model"`
}

// Completion is the normalized reply from the provider.
type Completion struct {
	Content   string
	Model     string
	Timestamp time.Time
	Usage     *Usage
}

// CompletionRequest describes a single-shot system+user completion.
type CompletionRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	Parameters  map[string]any
}

// ChatRequest describes a chat-form completion over an explicit message list.
type ChatRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Parameters  map[string]any
}

// Options tunes the retry policy of a Client.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Exponential  bool
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client talks to a chat-completions endpoint with bounded retries.
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	maxAttempts  int
	initialDelay time.Duration
	exponential  bool
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewClient creates a Client. It fails with ErrConfig when apiKey is empty so
// callers do not discover a missing key mid-run.
func NewClient(apiKey, baseURL, model string, opts *Options) (*Client, error) {
	if apiKey == "" {
		return nil, ErrConfig
	}
	if model == "" {
		return nil, fmt.Errorf("llm: model must not be empty")
	}

	c := &Client{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        model,
		maxAttempts:  3,
		initialDelay: time.Second,
		exponential:  true,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		logger:       slog.Default(),
	}
	if opts != nil {
		if opts.MaxAttempts > 0 {
			c.maxAttempts = opts.MaxAttempts
		}
		if opts.InitialDelay > 0 {
			c.initialDelay = opts.InitialDelay
		}
		c.exponential = opts.Exponential
		if opts.HTTPClient != nil {
			c.httpClient = opts.HTTPClient
		}
		if opts.Logger != nil {
			c.logger = opts.Logger
		}
	}
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Complete runs a single-shot completion with a system and a user message.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	messages := make([]Message, 0, 2)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, Message{Role: "user", Content: req.Prompt})

	return c.CompleteChat(ctx, ChatRequest{
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Parameters:  req.Parameters,
	})
}

type wireRequest struct {
	Model            string         `json:"model"`
	Messages         []Message      `json:"messages"`
	Temperature      float64        `json:"temperature"`
	MaxTokens        int            `json:"max_tokens,omitempty"`
	VeniceParameters map[string]any `json:"venice_parameters,omitempty"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// CompleteChat runs a chat-form completion. Retries on 429, 5xx and transient
// network failures with doubling delay; all other failures surface immediately.
func (c *Client) CompleteChat(ctx context.Context, req ChatRequest) (*Completion, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("llm: empty message list")
	}

	delay := c.initialDelay
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			c.logger.Warn("Retrying LLM request", "attempt", attempt, "delay", delay, "last_error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			if c.exponential {
				delay *= 2
			}
		}

		comp, err := c.doRequest(ctx, req)
		if err == nil {
			return comp, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrMaxRetries, c.maxAttempts, lastErr)
}

func (c *Client) doRequest(ctx context.Context, req ChatRequest) (*Completion, error) {
	body, err := json.Marshal(wireRequest{
		Model:            c.model,
		Messages:         req.Messages,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		VeniceParameters: req.Parameters,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrAuth
	default:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 200)}
	}

	var wire wireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(wire.Choices) == 0 || wire.Choices[0].Message.Content == "" {
		return nil, ErrInvalidResponse
	}

	comp := &Completion{
		Content:   wire.Choices[0].Message.Content,
		Model:     wire.Model,
		Timestamp: time.Now(),
	}
	if wire.Usage != nil {
		comp.Usage = &Usage{
			PromptTokens:     max(0, wire.Usage.PromptTokens),
			CompletionTokens: max(0, wire.Usage.CompletionTokens),
			TotalTokens:      max(0, wire.Usage.TotalTokens),
			Model:            wire.Model,
		}
	}
	return comp, nil
}

// retryable classifies an error per the retry policy: 429, 5xx, connection
// resets and timeouts are retried; everything else is permanent.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrInvalidResponse) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	// url.Error wrapping of resets does not always expose the syscall error,
	// so fall back to the message.
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "timeout")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
