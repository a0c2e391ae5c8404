package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mikeboe/deep-research/pkg/splitter"
	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

// Embedder produces the vectors behind pgvector persistence.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

const (
	chunkSize    = 1000
	chunkOverlap = 100
)

// PGVectorPersistence stores memories as embedded chunks in a pgvector
// table. Long contents are split before embedding and reassembled on
// retrieval.
type PGVectorPersistence struct {
	store    *vectorstore.Store
	embedder Embedder
	splitter *splitter.TextSplitter
	logger   *slog.Logger
}

func NewPGVectorPersistence(store *vectorstore.Store, embedder Embedder, logger *slog.Logger) *PGVectorPersistence {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGVectorPersistence{
		store:    store,
		embedder: embedder,
		splitter: splitter.NewRecursiveCharacterTextSplitter(chunkSize, chunkOverlap),
		logger:   logger,
	}
}

func (p *PGVectorPersistence) StoreMemory(ctx context.Context, m Memory, kind Kind) error {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	chunks := []string{m.Content}
	if len(m.Content) > chunkSize {
		split, err := p.splitter.SplitText(m.Content)
		if err != nil {
			return fmt.Errorf("split memory content: %w", err)
		}
		if len(split) > 0 {
			chunks = split
		}
	}

	docs := make([]vectorstore.Document, 0, len(chunks))
	for i, chunk := range chunks {
		embedding, err := p.embedder.EmbedText(ctx, chunk)
		if err != nil {
			return fmt.Errorf("embed memory chunk: %w", err)
		}
		docs = append(docs, vectorstore.Document{
			Content:   chunk,
			Embedding: embedding,
			Metadata: map[string]any{
				"memory_id": m.ID,
				"kind":      string(kind),
				"role":      string(m.Role),
				"tags":      strings.Join(m.Tags, ","),
				"score":     m.Score,
				"is_meta":   m.IsMeta,
				"timestamp": m.Timestamp.Format(time.RFC3339),
				"chunk":     i,
			},
		})
	}

	if err := p.store.AddDocuments(ctx, docs); err != nil {
		return fmt.Errorf("store memory %s: %w", m.ID, err)
	}
	return nil
}

func (p *PGVectorPersistence) RetrieveMemories(ctx context.Context, kind Kind) ([]Memory, error) {
	docs, err := p.store.GetByKind(ctx, string(kind))
	if err != nil {
		return nil, fmt.Errorf("retrieve %s memories: %w", kind, err)
	}
	return assembleMemories(docs), nil
}

// SearchMemories runs a similarity search within one kind and returns the
// reassembled memories of the matching chunks, best match first.
func (p *PGVectorPersistence) SearchMemories(ctx context.Context, kind Kind, query string, topK int) ([]Memory, error) {
	embedding, err := p.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := p.store.SimilaritySearch(ctx, embedding, topK, string(kind))
	if err != nil {
		return nil, fmt.Errorf("search %s memories: %w", kind, err)
	}

	var ordered []string
	docs := make([]vectorstore.Document, 0, len(results))
	seen := map[string]bool{}
	for _, r := range results {
		docs = append(docs, r.Document)
		if id, _ := r.Document.Metadata["memory_id"].(string); id != "" && !seen[id] {
			seen[id] = true
			ordered = append(ordered, id)
		}
	}

	byID := make(map[string]Memory)
	for _, m := range assembleMemories(docs) {
		byID[m.ID] = m
	}

	memories := make([]Memory, 0, len(ordered))
	for _, id := range ordered {
		memories = append(memories, byID[id])
	}
	return memories, nil
}

// assembleMemories regroups chunk documents into whole memories, restoring
// chunk order within each.
func assembleMemories(docs []vectorstore.Document) []Memory {
	type piece struct {
		index   int
		content string
	}
	pieces := make(map[string][]piece)
	meta := make(map[string]Memory)
	var order []string

	for _, doc := range docs {
		id, _ := doc.Metadata["memory_id"].(string)
		if id == "" {
			id = doc.ID
		}
		idx := 0
		if f, ok := doc.Metadata["chunk"].(float64); ok {
			idx = int(f)
		}
		if _, ok := meta[id]; !ok {
			order = append(order, id)
			m := Memory{ID: id, Validated: true}
			if role, ok := doc.Metadata["role"].(string); ok {
				m.Role = Role(role)
			}
			if tags, ok := doc.Metadata["tags"].(string); ok && tags != "" {
				m.Tags = strings.Split(tags, ",")
			}
			if score, ok := doc.Metadata["score"].(float64); ok {
				m.Score = score
			}
			if isMeta, ok := doc.Metadata["is_meta"].(bool); ok {
				m.IsMeta = isMeta
			}
			if ts, ok := doc.Metadata["timestamp"].(string); ok {
				m.Timestamp, _ = time.Parse(time.RFC3339, ts)
			}
			meta[id] = m
		}
		pieces[id] = append(pieces[id], piece{index: idx, content: doc.Content})
	}

	memories := make([]Memory, 0, len(order))
	for _, id := range order {
		ps := pieces[id]
		sort.Slice(ps, func(i, j int) bool { return ps[i].index < ps[j].index })
		contents := make([]string, 0, len(ps))
		for _, p := range ps {
			contents = append(contents, p.content)
		}
		m := meta[id]
		m.Content = strings.Join(contents, "")
		memories = append(memories, m)
	}
	return memories
}
