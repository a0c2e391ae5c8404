package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
)

// EmbedFunc produces an embedding for a text. It matches chromem-go's
// EmbeddingFunc so any of its providers can be plugged in directly.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// ChromemStore persists memories in a local chromem-go vector database, one
// collection per kind. A JSON side index keeps full memory records, since
// the vector store only holds flattened document metadata.
type ChromemStore struct {
	db          *chromem.DB
	collections map[Kind]*chromem.Collection
	index       map[Kind]map[string]Memory
	mu          sync.RWMutex
	persistDir  string // empty for in-memory
}

var persistedKinds = []Kind{KindLongTerm, KindMeta}

// NewChromemStore opens a persistent store under persistDir.
func NewChromemStore(persistDir string, embedFunc EmbedFunc) (*ChromemStore, error) {
	db, err := chromem.NewPersistentDB(persistDir, false)
	if err != nil {
		return nil, fmt.Errorf("create persistent DB: %w", err)
	}

	s, err := newChromemStore(db, embedFunc)
	if err != nil {
		return nil, err
	}
	s.persistDir = persistDir

	if err := s.loadIndex(); err != nil {
		// index may not exist yet
		_ = err
	}
	return s, nil
}

// NewChromemStoreInMemory creates a non-persistent store, mainly for tests.
func NewChromemStoreInMemory(embedFunc EmbedFunc) (*ChromemStore, error) {
	return newChromemStore(chromem.NewDB(), embedFunc)
}

func newChromemStore(db *chromem.DB, embedFunc EmbedFunc) (*ChromemStore, error) {
	s := &ChromemStore{
		db:          db,
		collections: make(map[Kind]*chromem.Collection),
		index:       make(map[Kind]map[string]Memory),
	}
	for _, kind := range persistedKinds {
		col, err := db.GetOrCreateCollection("memories-"+string(kind), nil, chromem.EmbeddingFunc(embedFunc))
		if err != nil {
			return nil, fmt.Errorf("get or create collection %s: %w", kind, err)
		}
		s.collections[kind] = col
		s.index[kind] = make(map[string]Memory)
	}
	return s, nil
}

func (s *ChromemStore) StoreMemory(ctx context.Context, m Memory, kind Kind) error {
	col, ok := s.collections[kind]
	if !ok {
		return fmt.Errorf("unknown memory kind %q", kind)
	}
	if m.ID == "" {
		m.ID = newID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	doc := chromem.Document{
		ID:      m.ID,
		Content: m.Content,
		Metadata: map[string]string{
			"role":      string(m.Role),
			"tags":      strings.Join(m.Tags, ","),
			"timestamp": m.Timestamp.Format(time.RFC3339),
			"score":     fmt.Sprintf("%.3f", m.Score),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}

	s.mu.Lock()
	s.index[kind][m.ID] = m
	s.mu.Unlock()

	s.saveIndex()
	return nil
}

func (s *ChromemStore) RetrieveMemories(_ context.Context, kind Kind) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID, ok := s.index[kind]
	if !ok {
		return nil, fmt.Errorf("unknown memory kind %q", kind)
	}
	memories := make([]Memory, 0, len(byID))
	for _, m := range byID {
		memories = append(memories, m)
	}
	sort.Slice(memories, func(i, j int) bool {
		return memories[i].Timestamp.After(memories[j].Timestamp)
	})
	return memories, nil
}

// QueryMemories runs a semantic similarity search within one kind.
func (s *ChromemStore) QueryMemories(ctx context.Context, kind Kind, query string, limit int) ([]Memory, error) {
	col, ok := s.collections[kind]
	if !ok {
		return nil, fmt.Errorf("unknown memory kind %q", kind)
	}
	if limit <= 0 {
		limit = 5
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}

	results, err := col.Query(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	memories := make([]Memory, 0, len(results))
	for _, r := range results {
		memories = append(memories, s.memoryFromResult(kind, r))
	}
	return memories, nil
}

func (s *ChromemStore) Delete(ctx context.Context, kind Kind, id string) error {
	col, ok := s.collections[kind]
	if !ok {
		return fmt.Errorf("unknown memory kind %q", kind)
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	s.mu.Lock()
	delete(s.index[kind], id)
	s.mu.Unlock()

	s.saveIndex()
	return nil
}

func (s *ChromemStore) Count(kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index[kind])
}

func (s *ChromemStore) memoryFromResult(kind Kind, r chromem.Result) Memory {
	s.mu.RLock()
	if m, ok := s.index[kind][r.ID]; ok {
		s.mu.RUnlock()
		return m
	}
	s.mu.RUnlock()

	// reconstruct from document metadata
	ts, _ := time.Parse(time.RFC3339, r.Metadata["timestamp"])
	m := Memory{
		ID:        r.ID,
		Content:   r.Content,
		Role:      Role(r.Metadata["role"]),
		Timestamp: ts,
		Validated: true,
		IsMeta:    kind == KindMeta,
	}
	if tags := r.Metadata["tags"]; tags != "" {
		m.Tags = strings.Split(tags, ",")
	}
	fmt.Sscanf(r.Metadata["score"], "%f", &m.Score)
	return m
}

// Index persistence, a JSON file alongside the chromem data.

func (s *ChromemStore) indexPath() string {
	if s.persistDir == "" {
		return ""
	}
	return filepath.Join(s.persistDir, "memories_index.json")
}

func (s *ChromemStore) saveIndex() {
	path := s.indexPath()
	if path == "" {
		return
	}

	s.mu.RLock()
	data, err := json.Marshal(s.index)
	s.mu.RUnlock()

	if err != nil {
		return
	}
	os.WriteFile(path, data, 0644)
}

func (s *ChromemStore) loadIndex() error {
	path := s.indexPath()
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := json.Unmarshal(data, &s.index); err != nil {
		return err
	}
	for _, kind := range persistedKinds {
		if s.index[kind] == nil {
			s.index[kind] = make(map[string]Memory)
		}
	}
	return nil
}
