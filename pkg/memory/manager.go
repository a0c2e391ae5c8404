package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/parsers"
)

const (
	validationBatch    = 10
	summarizeWatermark = 3
	maxKeyConcepts     = 10
	initialScore       = 0.5
)

// Manager drives the memory lifecycle: storing, ranked retrieval, periodic
// validation and summarization. It is the sole mutator of its Store. The LLM
// client and the persistence backend are both optional; every operation has
// a deterministic local fallback.
type Manager struct {
	store       *Store
	llm         *llm.Client
	persistence Persistence
	profile     DepthProfile
	logger      *slog.Logger
}

func NewManager(store *Store, client *llm.Client, persistence Persistence, profile DepthProfile, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:       store,
		llm:         client,
		persistence: persistence,
		profile:     profile,
		logger:      logger,
	}
}

func (m *Manager) Store() *Store { return m.store }

// StoreMemory records a new ephemeral memory with the neutral initial score.
func (m *Manager) StoreMemory(content string, role Role) Memory {
	return m.store.CreateEphemeral(content, role, initialScore)
}

// RetrieveOptions selects which tiers contribute retrieval candidates.
type RetrieveOptions struct {
	IncludeShortTerm bool
	IncludeLongTerm  bool
	IncludeMeta      bool
}

// RetrieveRelevantMemories ranks candidate memories against the query and
// returns at most the profile's retrieval limit, all scored at or above the
// profile's threshold. LLM ranking is attempted first; any failure falls
// back to local similarity scoring.
func (m *Manager) RetrieveRelevantMemories(ctx context.Context, query string, opts RetrieveOptions) []Memory {
	layers := m.store.OrganizeLayers(m.profile.Threshold)

	var candidates []Memory
	if opts.IncludeShortTerm {
		candidates = append(candidates, layers.ShortTerm...)
	}
	if opts.IncludeLongTerm {
		candidates = append(candidates, layers.LongTerm...)
		if m.persistence != nil {
			remote, err := m.persistence.RetrieveMemories(ctx, KindLongTerm)
			if err != nil {
				m.logger.Warn("Persistence retrieval failed, continuing with local tiers", "error", err)
			} else {
				candidates = append(candidates, remote...)
			}
		}
	}
	if opts.IncludeMeta {
		candidates = append(candidates, layers.Meta...)
	}
	if len(candidates) == 0 {
		return nil
	}

	concepts := keyConcepts(query)

	scored, err := m.llmScore(ctx, query, candidates)
	if err != nil {
		if m.llm != nil {
			m.logger.Warn("LLM ranking unavailable, using local scoring", "error", err)
		}
		scored = m.localScore(query, concepts, candidates)
	}

	var kept []scoredMemory
	for _, s := range scored {
		if s.score >= m.profile.Threshold {
			kept = append(kept, s)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
	if len(kept) > m.profile.RetrievalLimit {
		kept = kept[:m.profile.RetrievalLimit]
	}

	out := make([]Memory, 0, len(kept))
	for _, s := range kept {
		out = append(out, s.memory)
	}
	return out
}

type scoredMemory struct {
	memory Memory
	score  float64
}

func (m *Manager) llmScore(ctx context.Context, query string, candidates []Memory) ([]scoredMemory, error) {
	if m.llm == nil {
		return nil, fmt.Errorf("no llm client configured")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nMemories:\n", query)
	for _, c := range candidates {
		fmt.Fprintf(&b, "[%s] %s\n", c.ID, c.Content)
	}
	b.WriteString("\nScore each memory's relevance to the query from 0.0 to 1.0. Reply with only a JSON array: [{\"id\": \"...\", \"score\": 0.0, \"reason\": \"...\"}]")

	comp, err := m.llm.Complete(ctx, llm.CompletionRequest{
		System:      "You rank stored conversation memories by relevance to a query.",
		Prompt:      b.String(),
		Temperature: 0.2,
		MaxTokens:   1000,
	})
	if err != nil {
		return nil, err
	}

	payload, err := parsers.JSONPayload(comp.Content)
	if err != nil {
		return nil, err
	}
	var entries []struct {
		ID     string  `json:"id"`
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	}
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("decode ranking payload: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("ranking payload empty")
	}

	byID := make(map[string]float64, len(entries))
	for _, e := range entries {
		byID[e.ID] = e.Score
	}

	scored := make([]scoredMemory, 0, len(candidates))
	for _, c := range candidates {
		if s, ok := byID[c.ID]; ok {
			scored = append(scored, scoredMemory{memory: c, score: s})
		}
	}
	return scored, nil
}

// localScore is the deterministic fallback: Jaccard word overlap plus a tag
// match bonus, a recency boost decaying over ten days, and a fraction of the
// memory's own score, capped at 1.0.
func (m *Manager) localScore(query string, concepts []string, candidates []Memory) []scoredMemory {
	queryWords := wordSet(query)
	now := time.Now().UTC()

	scored := make([]scoredMemory, 0, len(candidates))
	for _, c := range candidates {
		s := jaccard(queryWords, wordSet(c.Content))
		if tagMatches(c.Tags, concepts) {
			s += 0.2
		}
		ageHours := now.Sub(c.Timestamp).Hours()
		if boost := 0.1 - ageHours/240*0.1; boost > 0 {
			s += boost
		}
		s += 0.2 * c.Score
		if s > 1.0 {
			s = 1.0
		}
		scored = append(scored, scoredMemory{memory: c, score: s})
	}
	return scored
}

// ValidateMemories evaluates the most recent ephemeral batch, promoting,
// flagging or discarding each entry per the LLM's verdict. Without an LLM
// the batch is left untouched.
func (m *Manager) ValidateMemories(ctx context.Context) error {
	if m.llm == nil {
		return nil
	}

	ephemeral := m.store.Ephemeral()
	if len(ephemeral) == 0 {
		return nil
	}
	batch := ephemeral
	if len(batch) > validationBatch {
		batch = batch[len(batch)-validationBatch:]
	}

	var b strings.Builder
	b.WriteString("Evaluate these conversation memories:\n")
	for _, mem := range batch {
		fmt.Fprintf(&b, "[%s] (%s) %s\n", mem.ID, mem.Role, mem.Content)
	}
	fmt.Fprintf(&b, "\nFor each memory assign a relevance score from 0.0 to 1.0, topical tags, and an action: retain, summarize or discard. Reply with only JSON: {\"memories\": [{\"id\": \"...\", \"score\": 0.0, \"tags\": [\"...\"], \"action\": \"retain\"}]}")

	comp, err := m.llm.Complete(ctx, llm.CompletionRequest{
		System:      "You curate a tiered memory store, deciding which memories to keep.",
		Prompt:      b.String(),
		Temperature: 0.2,
		MaxTokens:   1500,
	})
	if err != nil {
		return fmt.Errorf("validation request: %w", err)
	}

	payload, err := parsers.JSONPayload(comp.Content)
	if err != nil {
		return fmt.Errorf("validation reply: %w", err)
	}
	var verdict struct {
		Memories []struct {
			ID     string   `json:"id"`
			Score  float64  `json:"score"`
			Tags   []string `json:"tags"`
			Action string   `json:"action"`
		} `json:"memories"`
	}
	if err := json.Unmarshal(payload, &verdict); err != nil {
		return fmt.Errorf("decode validation payload: %w", err)
	}

	for _, v := range verdict.Memories {
		mem, idx, ok := m.findEphemeral(v.ID)
		if !ok {
			continue
		}
		mem.Score = v.Score
		mem.Tags = v.Tags
		m.store.SetEphemeral(idx, mem)

		switch v.Action {
		case "retain":
			if v.Score >= m.profile.Threshold {
				m.store.AddValidated(mem)
				m.store.RemoveEphemeralByIndex(idx)
			}
		case "summarize":
			mem.NeedsSummarization = true
			m.store.AddValidated(mem)
			m.store.RemoveEphemeralByIndex(idx)
		case "discard":
			m.store.RemoveEphemeralByIndex(idx)
		}
	}

	var flagged []Memory
	for _, v := range m.store.Validated() {
		if v.NeedsSummarization && !v.Summarized {
			flagged = append(flagged, v)
		}
	}
	if len(flagged) >= summarizeWatermark {
		if err := m.SummarizeMemories(ctx, flagged); err != nil {
			m.logger.Warn("Deferred summarization failed", "error", err)
		}
	}
	return nil
}

func (m *Manager) findEphemeral(id string) (Memory, int, bool) {
	for i, mem := range m.store.Ephemeral() {
		if mem.ID == id {
			return mem, i, true
		}
	}
	return Memory{}, -1, false
}

// SummarizeMemories collapses the given validated memories into summary
// memories, removing the sources and forwarding each summary to the
// persistence meta channel.
func (m *Manager) SummarizeMemories(ctx context.Context, memories []Memory) error {
	if m.llm == nil || len(memories) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("Summarize these related memories into one or more condensed memories:\n")
	for _, mem := range memories {
		fmt.Fprintf(&b, "[%s] %s\n", mem.ID, mem.Content)
	}
	b.WriteString("\nReply with only JSON: {\"summaries\": [{\"content\": \"...\", \"tags\": [\"...\"], \"importance\": 0.0}]}")

	comp, err := m.llm.Complete(ctx, llm.CompletionRequest{
		System:      "You condense groups of related memories into durable summaries.",
		Prompt:      b.String(),
		Temperature: 0.3,
		MaxTokens:   1500,
	})
	if err != nil {
		return fmt.Errorf("summarization request: %w", err)
	}

	payload, err := parsers.JSONPayload(comp.Content)
	if err != nil {
		return fmt.Errorf("summarization reply: %w", err)
	}
	var verdict struct {
		Summaries []struct {
			Content    string   `json:"content"`
			Tags       []string `json:"tags"`
			Importance float64  `json:"importance"`
		} `json:"summaries"`
	}
	if err := json.Unmarshal(payload, &verdict); err != nil {
		return fmt.Errorf("decode summarization payload: %w", err)
	}

	sourceIDs := make([]string, 0, len(memories))
	for _, mem := range memories {
		sourceIDs = append(sourceIDs, mem.ID)
	}

	for _, s := range verdict.Summaries {
		summary := Memory{
			ID:             newID(),
			Content:        s.Content,
			Role:           RoleSummary,
			Timestamp:      time.Now().UTC(),
			Tags:           s.Tags,
			Score:          s.Importance,
			Summarized:     true,
			SourceMemories: sourceIDs,
		}
		m.store.AddValidated(summary)
		m.forward(ctx, summary, KindMeta)
	}

	for _, id := range sourceIDs {
		m.store.RemoveValidatedByID(id)
	}
	return nil
}

// SummarizeAndFinalize closes out a conversation: it distills the transcript
// into a meta-memory, validates any ephemeral memory matching a key point,
// clears the ephemeral tier and forwards the meta-memory to persistence. An
// LLM failure degrades to a truncated transcript summary; the clear still
// happens.
func (m *Manager) SummarizeAndFinalize(ctx context.Context, conversationText string) Memory {
	summary, keyPoints, tags := m.finalizeSummary(ctx, conversationText)

	meta := Memory{
		ID:        newID(),
		Content:   summary,
		Role:      RoleSummary,
		Timestamp: time.Now().UTC(),
		Tags:      tags,
		Score:     1.0,
		IsMeta:    true,
	}
	m.store.AddValidated(meta)

	for _, mem := range m.store.Ephemeral() {
		for _, kp := range keyPoints {
			if kp != "" && strings.Contains(mem.Content, kp) {
				mem.Tags = appendUnique(mem.Tags, tags...)
				m.store.AddValidated(mem)
				break
			}
		}
	}

	m.store.ClearEphemeral()
	m.forward(ctx, meta, KindMeta)
	return meta
}

func (m *Manager) finalizeSummary(ctx context.Context, conversationText string) (summary string, keyPoints, tags []string) {
	fallback := conversationText
	if len(fallback) > 100 {
		fallback = fallback[:100]
	}

	if m.llm == nil {
		return fallback, nil, nil
	}

	prompt := fmt.Sprintf(
		"Conversation:\n%s\n\nDistill this conversation. Reply with only JSON: {\"summary\": \"...\", \"keyPoints\": [\"...\"], \"tags\": [\"...\"]}",
		conversationText,
	)
	comp, err := m.llm.Complete(ctx, llm.CompletionRequest{
		System:      "You distill finished conversations into durable summaries.",
		Prompt:      prompt,
		Temperature: 0.3,
		MaxTokens:   1000,
	})
	if err != nil {
		m.logger.Warn("Finalize summary failed, using transcript prefix", "error", err)
		return fallback, nil, nil
	}

	payload, err := parsers.JSONPayload(comp.Content)
	if err != nil {
		m.logger.Warn("Finalize reply unparsable, using transcript prefix", "error", err)
		return fallback, nil, nil
	}
	var verdict struct {
		Summary   string   `json:"summary"`
		KeyPoints []string `json:"keyPoints"`
		Tags      []string `json:"tags"`
	}
	if err := json.Unmarshal(payload, &verdict); err != nil || verdict.Summary == "" {
		m.logger.Warn("Finalize payload invalid, using transcript prefix", "error", err)
		return fallback, nil, nil
	}
	return verdict.Summary, verdict.KeyPoints, verdict.Tags
}

// forward ships a memory to the persistence backend. Failures are logged
// and never propagated.
func (m *Manager) forward(ctx context.Context, mem Memory, kind Kind) {
	if m.persistence == nil {
		return
	}
	if err := m.persistence.StoreMemory(ctx, mem, kind); err != nil {
		m.logger.Warn("Persistence store failed", "id", mem.ID, "kind", kind, "error", err)
	}
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "are": true, "was": true, "were": true, "have": true,
	"has": true, "had": true, "but": true, "not": true, "you": true,
	"your": true, "what": true, "how": true, "why": true, "when": true,
	"where": true, "which": true, "about": true, "from": true, "into": true,
	"they": true, "them": true, "their": true, "can": true, "will": true,
}

// keyConcepts extracts the most frequent meaningful words from a query:
// lowercase, at least three letters, stopwords removed, top ten.
func keyConcepts(query string) []string {
	freq := make(map[string]int)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.TrimFunc(w, func(r rune) bool {
			return r < 'a' || r > 'z'
		})
		if len(w) < 3 || stopwords[w] {
			continue
		}
		freq[w]++
	}

	concepts := make([]string, 0, len(freq))
	for w := range freq {
		concepts = append(concepts, w)
	}
	sort.Slice(concepts, func(i, j int) bool {
		if freq[concepts[i]] != freq[concepts[j]] {
			return freq[concepts[i]] > freq[concepts[j]]
		}
		return concepts[i] < concepts[j]
	})
	if len(concepts) > maxKeyConcepts {
		concepts = concepts[:maxKeyConcepts]
	}
	return concepts
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func tagMatches(tags, concepts []string) bool {
	for _, t := range tags {
		t = strings.ToLower(t)
		for _, c := range concepts {
			if t == c {
				return true
			}
		}
	}
	return false
}

func appendUnique(base []string, add ...string) []string {
	for _, a := range add {
		found := false
		for _, b := range base {
			if b == a {
				found = true
				break
			}
		}
		if !found {
			base = append(base, a)
		}
	}
	return base
}
