package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okResponse(content string) string {
	body, _ := json.Marshal(map[string]any{
		"model": "test-model",
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	})
	return string(body)
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient("test-key", baseURL, "test-model", &Options{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Exponential:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient("", "http://localhost", "m", nil)
	if !errors.Is(err, ErrConfig) {
		t.Errorf("NewClient with empty key: err = %v, want ErrConfig", err)
	}
}

func TestCompleteSuccess(t *testing.T) {
	var gotAuth string
	var gotReq wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(okResponse("hello")))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	comp, err := c.Complete(context.Background(), CompletionRequest{
		System:      "you are a test",
		Prompt:      "say hello",
		Temperature: 0.5,
		MaxTokens:   100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if comp.Content != "hello" {
		t.Errorf("Content = %q, want %q", comp.Content, "hello")
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("wire messages = %+v, want system+user", gotReq.Messages)
	}
	if comp.Usage == nil || comp.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v, want total 15", comp.Usage)
	}
}

func TestRetriesOn429ThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(okResponse("recovered")))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	comp, err := c.CompleteChat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if comp.Content != "recovered" {
		t.Errorf("Content = %q", comp.Content)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestMaxRetriesExceededAfterPersistent429(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.CompleteChat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("err = %v, want ErrMaxRetries", err)
	}
	// maxAttempts total calls, i.e. maxAttempts-1 retries.
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestAuthErrorIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.CompleteChat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBadRequestIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.CompleteChat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 422 {
		t.Fatalf("err = %v, want APIError 422", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestEmptyContentIsInvalidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"m","choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.CompleteChat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("err = %v, want ErrInvalidResponse", err)
	}
}

func TestServerErrorIsRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(okResponse("ok")))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	comp, err := c.CompleteChat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if comp.Content != "ok" || calls != 2 {
		t.Errorf("Content = %q, calls = %d", comp.Content, calls)
	}
}

func TestClassifierEmptyOutputIsAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.VeniceParameters["character_slug"] != "token-classifier" {
			t.Errorf("character_slug = %v", req.VeniceParameters["character_slug"])
		}
		w.Write([]byte(okResponse("   \n  ")))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	cl := NewClassifier(c, "token-classifier")
	out, err := cl.Classify(context.Background(), "some transcript")
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Errorf("Classify = %q, want empty", out)
	}
}
