package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mikeboe/deep-research/pkg/llm"
)

func scriptedLLM(t *testing.T, reply func(prompt string) (string, int)) *llm.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []llm.Message `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		prompt := req.Messages[len(req.Messages)-1].Content

		content, status := reply(prompt)
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

type fakePersistence struct {
	stored      []Memory
	storedKinds []Kind
	remote      map[Kind][]Memory
	storeErr    error
	retrieveErr error
}

func (f *fakePersistence) StoreMemory(_ context.Context, m Memory, kind Kind) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored = append(f.stored, m)
	f.storedKinds = append(f.storedKinds, kind)
	return nil
}

func (f *fakePersistence) RetrieveMemories(_ context.Context, kind Kind) ([]Memory, error) {
	if f.retrieveErr != nil {
		return nil, f.retrieveErr
	}
	return f.remote[kind], nil
}

func TestRetrieveFallbackThreshold(t *testing.T) {
	store := NewStore(10)
	store.CreateEphemeral("alpha beta gamma one two three four five six seven", RoleUser, 0)
	strong := store.CreateEphemeral("alpha beta gamma delta epsilon zeta eta theta other words", RoleUser, 0)

	m := NewManager(store, nil, nil, ProfileFor(DepthMedium), nil)
	got := m.RetrieveRelevantMemories(context.Background(),
		"alpha beta gamma delta epsilon zeta eta theta iota kappa",
		RetrieveOptions{IncludeShortTerm: true})

	if len(got) != 1 {
		t.Fatalf("retrieved %d memories, want 1: %+v", len(got), got)
	}
	if got[0].ID != strong.ID {
		t.Errorf("retrieved %q, want the high-overlap memory", got[0].Content)
	}
}

func TestRetrieveRespectsLimit(t *testing.T) {
	store := NewStore(10)
	query := "vector search ranking internals"
	for i := 0; i < 4; i++ {
		store.CreateEphemeral(query, RoleUser, 0.5)
	}

	m := NewManager(store, nil, nil, ProfileFor(DepthShort), nil)
	got := m.RetrieveRelevantMemories(context.Background(), query, RetrieveOptions{IncludeShortTerm: true})

	if limit := ProfileFor(DepthShort).RetrievalLimit; len(got) != limit {
		t.Errorf("retrieved %d memories, want limit %d", len(got), limit)
	}
}

func TestRetrieveLLMRanking(t *testing.T) {
	store := NewStore(10)
	a := store.CreateEphemeral("completely unrelated content", RoleUser, 0)
	b := store.CreateEphemeral("also unrelated content here", RoleUser, 0)
	c := store.CreateEphemeral("more filler text entirely", RoleUser, 0)

	client := scriptedLLM(t, func(string) (string, int) {
		return fmt.Sprintf(
			`Here are the scores: [{"id": %q, "score": 0.2, "reason": "weak"}, {"id": %q, "score": 0.9, "reason": "strong"}, {"id": %q, "score": 0.6, "reason": "ok"}]`,
			a.ID, b.ID, c.ID,
		), http.StatusOK
	})

	m := NewManager(store, client, nil, ProfileFor(DepthMedium), nil)
	got := m.RetrieveRelevantMemories(context.Background(), "anything", RetrieveOptions{IncludeShortTerm: true})

	// threshold 0.5 keeps b and c, highest first
	if len(got) != 2 || got[0].ID != b.ID || got[1].ID != c.ID {
		ids := make([]string, 0, len(got))
		for _, g := range got {
			ids = append(ids, g.ID)
		}
		t.Errorf("retrieved %v, want [%s %s]", ids, b.ID, c.ID)
	}
}

func TestRetrieveIncludesPersistedLongTerm(t *testing.T) {
	store := NewStore(10)
	remote := Memory{
		ID:        "mem-remote01",
		Content:   "alpha beta gamma delta epsilon zeta eta theta",
		Role:      RoleSummary,
		Timestamp: time.Now().UTC(),
		Validated: true,
	}
	p := &fakePersistence{remote: map[Kind][]Memory{KindLongTerm: {remote}}}

	m := NewManager(store, nil, p, ProfileFor(DepthMedium), nil)
	got := m.RetrieveRelevantMemories(context.Background(),
		"alpha beta gamma delta epsilon zeta eta theta",
		RetrieveOptions{IncludeLongTerm: true})

	if len(got) != 1 || got[0].ID != remote.ID {
		t.Errorf("retrieved %+v, want the persisted memory", got)
	}
}

func TestRetrievePersistenceFailureNonFatal(t *testing.T) {
	store := NewStore(10)
	local := store.CreateEphemeral("alpha beta gamma delta", RoleUser, 0.9)
	store.AddValidated(Memory{
		ID: local.ID, Content: local.Content, Role: local.Role,
		Timestamp: local.Timestamp, Score: 0.9,
	})
	p := &fakePersistence{retrieveErr: fmt.Errorf("backend down")}

	m := NewManager(store, nil, p, ProfileFor(DepthLong), nil)
	got := m.RetrieveRelevantMemories(context.Background(), "alpha beta gamma delta",
		RetrieveOptions{IncludeLongTerm: true})

	if len(got) != 1 {
		t.Errorf("retrieved %d memories, want local tier despite backend failure", len(got))
	}
}

func TestValidateMemoriesRouting(t *testing.T) {
	store := NewStore(10)
	keep := store.CreateEphemeral("worth keeping long term", RoleUser, 0.5)
	weak := store.CreateEphemeral("retained but below threshold", RoleUser, 0.5)
	squash := store.CreateEphemeral("should be folded into a summary", RoleAssistant, 0.5)
	drop := store.CreateEphemeral("noise to discard", RoleUser, 0.5)

	client := scriptedLLM(t, func(prompt string) (string, int) {
		if !strings.Contains(prompt, "Evaluate these") {
			t.Errorf("unexpected prompt: %q", prompt)
		}
		return fmt.Sprintf(`{"memories": [
			{"id": %q, "score": 0.8, "tags": ["topic"], "action": "retain"},
			{"id": %q, "score": 0.3, "tags": [], "action": "retain"},
			{"id": %q, "score": 0.6, "tags": ["detail"], "action": "summarize"},
			{"id": %q, "score": 0.1, "tags": [], "action": "discard"}
		]}`, keep.ID, weak.ID, squash.ID, drop.ID), http.StatusOK
	})

	m := NewManager(store, client, nil, ProfileFor(DepthMedium), nil)
	if err := m.ValidateMemories(context.Background()); err != nil {
		t.Fatal(err)
	}

	validated := store.Validated()
	if len(validated) != 2 {
		t.Fatalf("validated = %+v, want keep and squash", validated)
	}
	byID := map[string]Memory{}
	for _, v := range validated {
		byID[v.ID] = v
	}
	if v, ok := byID[keep.ID]; !ok || v.Score != 0.8 || len(v.Tags) != 1 {
		t.Errorf("keep entry = %+v", v)
	}
	if v, ok := byID[squash.ID]; !ok || !v.NeedsSummarization {
		t.Errorf("squash entry = %+v", v)
	}

	ephemeral := store.Ephemeral()
	if len(ephemeral) != 1 || ephemeral[0].ID != weak.ID {
		t.Errorf("ephemeral = %+v, want only the low-scored retain", ephemeral)
	}
}

func TestValidateTriggersSummarization(t *testing.T) {
	store := NewStore(10)
	var ids []string
	for i := 0; i < 3; i++ {
		m := store.CreateEphemeral(fmt.Sprintf("detail fragment %d about the project", i), RoleUser, 0.5)
		ids = append(ids, m.ID)
	}

	p := &fakePersistence{}
	client := scriptedLLM(t, func(prompt string) (string, int) {
		if strings.Contains(prompt, "Summarize these related") {
			return `{"summaries": [{"content": "condensed project details", "tags": ["project"], "importance": 0.9}]}`, http.StatusOK
		}
		return fmt.Sprintf(`{"memories": [
			{"id": %q, "score": 0.6, "tags": [], "action": "summarize"},
			{"id": %q, "score": 0.6, "tags": [], "action": "summarize"},
			{"id": %q, "score": 0.6, "tags": [], "action": "summarize"}
		]}`, ids[0], ids[1], ids[2]), http.StatusOK
	})

	m := NewManager(store, client, p, ProfileFor(DepthMedium), nil)
	if err := m.ValidateMemories(context.Background()); err != nil {
		t.Fatal(err)
	}

	validated := store.Validated()
	if len(validated) != 1 {
		t.Fatalf("validated = %+v, want sources replaced by one summary", validated)
	}
	sum := validated[0]
	if sum.Role != RoleSummary || !sum.Summarized || len(sum.SourceMemories) != 3 {
		t.Errorf("summary = %+v", sum)
	}
	if len(p.stored) != 1 || p.storedKinds[0] != KindMeta {
		t.Errorf("persistence received %v (%v), want the summary on the meta channel", p.stored, p.storedKinds)
	}
}

func TestSummarizeAndFinalize(t *testing.T) {
	store := NewStore(10)
	matched := store.CreateEphemeral("we decided to use postgres for storage", RoleUser, 0.5)
	store.CreateEphemeral("small talk about the weather", RoleUser, 0.5)

	p := &fakePersistence{}
	client := scriptedLLM(t, func(string) (string, int) {
		return `{"summary": "Chose postgres for storage.", "keyPoints": ["use postgres"], "tags": ["storage"]}`, http.StatusOK
	})

	m := NewManager(store, client, p, ProfileFor(DepthMedium), nil)
	meta := m.SummarizeAndFinalize(context.Background(), "user: ...\nassistant: ...")

	if !meta.IsMeta || meta.Content != "Chose postgres for storage." {
		t.Errorf("meta = %+v", meta)
	}
	if len(store.Ephemeral()) != 0 {
		t.Error("ephemeral not cleared")
	}

	validated := store.Validated()
	if len(validated) != 2 {
		t.Fatalf("validated = %+v, want meta plus the key-point match", validated)
	}
	var promoted *Memory
	for i := range validated {
		if validated[i].ID == matched.ID {
			promoted = &validated[i]
		}
	}
	if promoted == nil {
		t.Fatal("key-point matching memory not promoted")
	}
	if len(promoted.Tags) == 0 || promoted.Tags[0] != "storage" {
		t.Errorf("promoted tags = %v", promoted.Tags)
	}
	if len(p.stored) != 1 || p.storedKinds[0] != KindMeta {
		t.Errorf("persistence received %v, want the meta-memory", p.stored)
	}
}

func TestSummarizeAndFinalizeFallback(t *testing.T) {
	store := NewStore(10)
	store.CreateEphemeral("anything", RoleUser, 0.5)

	transcript := strings.Repeat("x", 150)
	m := NewManager(store, nil, nil, ProfileFor(DepthMedium), nil)
	meta := m.SummarizeAndFinalize(context.Background(), transcript)

	if meta.Content != transcript[:100] {
		t.Errorf("fallback content length = %d, want 100-char prefix", len(meta.Content))
	}
	if len(store.Ephemeral()) != 0 {
		t.Error("ephemeral not cleared on fallback")
	}
}

func TestSummarizeAndFinalizePersistenceFailureNonFatal(t *testing.T) {
	store := NewStore(10)
	p := &fakePersistence{storeErr: fmt.Errorf("backend down")}

	m := NewManager(store, nil, p, ProfileFor(DepthMedium), nil)
	meta := m.SummarizeAndFinalize(context.Background(), "short transcript")

	if meta.Content != "short transcript" {
		t.Errorf("meta content = %q", meta.Content)
	}
	if len(store.Validated()) != 1 {
		t.Error("meta-memory not stored locally despite backend failure")
	}
}

func TestKeyConcepts(t *testing.T) {
	got := keyConcepts("How does the Postgres query planner choose between index scans and the sequential scans it runs?")
	for _, banned := range []string{"how", "the", "and", "it"} {
		for _, c := range got {
			if c == banned {
				t.Errorf("concepts contain %q: %v", banned, got)
			}
		}
	}
	found := false
	for _, c := range got {
		if c == "scans" {
			found = true
		}
	}
	if !found {
		t.Errorf("concepts missing repeated word: %v", got)
	}
	if len(got) > 10 {
		t.Errorf("len(concepts) = %d, want <= 10", len(got))
	}
}

func TestJaccard(t *testing.T) {
	a := wordSet("one two three four")
	b := wordSet("three four five six")
	if got := jaccard(a, b); got != 2.0/6.0 {
		t.Errorf("jaccard = %v, want %v", got, 2.0/6.0)
	}
	if got := jaccard(a, wordSet("")); got != 0 {
		t.Errorf("jaccard with empty set = %v, want 0", got)
	}
}
