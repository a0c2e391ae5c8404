package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/memory"
)

func scriptedLLM(t *testing.T, reply func(messages []llm.Message) (string, int)) *llm.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []llm.Message `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		content, status := reply(req.Messages)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		body, _ := json.Marshal(map[string]any{
			"model":   "test-model",
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
		})
		w.Write(body)
	}))
	t.Cleanup(srv.Close)

	c, err := llm.NewClient("test-key", srv.URL, "test-model", &llm.Options{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSessionSendRecordsTurnsAndMemories(t *testing.T) {
	client := scriptedLLM(t, func(messages []llm.Message) (string, int) {
		if messages[0].Role != "system" {
			t.Errorf("first message role = %q, want system", messages[0].Role)
		}
		last := messages[len(messages)-1]
		if last.Role != "user" || last.Content != "hello there" {
			t.Errorf("last message = %+v", last)
		}
		return "hi, how can I help?", http.StatusOK
	})

	store := memory.NewStore(10)
	mgr := memory.NewManager(store, nil, nil, memory.ProfileFor(memory.DepthMedium), nil)
	s := NewSession(client, mgr, nil)

	reply, err := s.Send(context.Background(), "hello there")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "hi, how can I help?" {
		t.Errorf("reply = %q", reply)
	}

	turns := s.Turns()
	if len(turns) != 2 || turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Errorf("turns = %+v", turns)
	}
	if got := store.Ephemeral(); len(got) != 2 {
		t.Errorf("stored %d memories, want both turns", len(got))
	}
}

func TestSessionInjectsRecalledMemories(t *testing.T) {
	var sawContext bool
	client := scriptedLLM(t, func(messages []llm.Message) (string, int) {
		if strings.Contains(messages[0].Content, "Relevant context from earlier conversations") &&
			strings.Contains(messages[0].Content, "favorite database is postgres") {
			sawContext = true
		}
		return "noted", http.StatusOK
	})

	store := memory.NewStore(10)
	store.CreateEphemeral("the user's favorite database is postgres and they like postgres tuning", memory.RoleUser, 0.5)
	mgr := memory.NewManager(store, nil, nil, memory.ProfileFor(memory.DepthLong), nil)
	s := NewSession(client, mgr, nil)

	if _, err := s.Send(context.Background(), "what is the user's favorite database they like"); err != nil {
		t.Fatal(err)
	}
	if !sawContext {
		t.Error("recalled memory not injected into system prompt")
	}
}

func TestSessionRejectsEmptyMessage(t *testing.T) {
	s := NewSession(nil, nil, nil)
	if _, err := s.Send(context.Background(), "   "); err == nil {
		t.Error("expected error for blank message")
	}
}

func TestSessionTranscript(t *testing.T) {
	s := NewSession(nil, nil, nil)
	s.turns = []Turn{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
	}
	want := "user: first question\n---\nassistant: first answer"
	if got := s.Transcript(); got != want {
		t.Errorf("Transcript() = %q, want %q", got, want)
	}
}

func TestSessionFinalize(t *testing.T) {
	store := memory.NewStore(10)
	store.CreateEphemeral("something", memory.RoleUser, 0.5)
	mgr := memory.NewManager(store, nil, nil, memory.ProfileFor(memory.DepthMedium), nil)

	s := NewSession(nil, mgr, nil)
	s.turns = []Turn{{Role: "user", Content: "we settled on using pgvector"}}

	meta, err := s.Finalize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !meta.IsMeta {
		t.Errorf("finalize result = %+v, want meta-memory", meta)
	}
	if len(store.Ephemeral()) != 0 {
		t.Error("ephemeral tier not cleared by finalize")
	}

	if _, err := NewSession(nil, mgr, nil).Finalize(context.Background()); err == nil {
		t.Error("expected error finalizing an empty session")
	}
}
