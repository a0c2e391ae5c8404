package memory

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// issuedIDs guarantees process-wide ID uniqueness across stores.
var (
	issuedMu  sync.Mutex
	issuedIDs = make(map[string]bool)
)

func newID() string {
	issuedMu.Lock()
	defer issuedMu.Unlock()
	for {
		buf := make([]byte, 4)
		rand.Read(buf)
		id := "mem-" + hex.EncodeToString(buf)
		if !issuedIDs[id] {
			issuedIDs[id] = true
			return id
		}
	}
}

// Stats is a point-in-time view of the store counters.
type Stats struct {
	Ephemeral      int `json:"ephemeral"`
	Validated      int `json:"validated"`
	Meta           int `json:"meta"`
	CreatedTotal   int `json:"created_total"`
	PromotedTotal  int `json:"promoted_total"`
	DiscardedTotal int `json:"discarded_total"`
}

// Layers is the tier partition produced by OrganizeLayers.
type Layers struct {
	ShortTerm []Memory
	LongTerm  []Memory
	Meta      []Memory
}

// Store holds the two in-process memory tiers. The ephemeral tier is a
// bounded newest-last list; validated is unbounded. The Manager is the only
// mutator, but the store still locks so read endpoints can observe it.
type Store struct {
	mu          sync.RWMutex
	maxMemories int
	ephemeral   []Memory
	validated   []Memory

	created   int
	promoted  int
	discarded int
}

func NewStore(maxMemories int) *Store {
	if maxMemories < 1 {
		maxMemories = 1
	}
	return &Store{maxMemories: maxMemories}
}

// CreateEphemeral appends a new memory, dropping the oldest entries when the
// tier is full.
func (s *Store) CreateEphemeral(content string, role Role, score float64) Memory {
	m := Memory{
		ID:        newID(),
		Content:   content,
		Role:      role,
		Timestamp: time.Now().UTC(),
		Score:     score,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ephemeral = append(s.ephemeral, m)
	if over := len(s.ephemeral) - s.maxMemories; over > 0 {
		s.ephemeral = append([]Memory(nil), s.ephemeral[over:]...)
		s.discarded += over
	}
	s.created++
	return m
}

// AddValidated promotes a memory into the validated tier. Idempotent on ID:
// re-adding replaces the stored copy instead of duplicating it.
func (s *Store) AddValidated(m Memory) {
	m.Validated = true

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range s.validated {
		if v.ID == m.ID {
			s.validated[i] = m
			return
		}
	}
	s.validated = append(s.validated, m)
	s.promoted++
}

// SetEphemeral overwrites the entry at index i, keeping its ID.
func (s *Store) SetEphemeral(i int, m Memory) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.ephemeral) {
		return false
	}
	m.ID = s.ephemeral[i].ID
	s.ephemeral[i] = m
	return true
}

func (s *Store) RemoveEphemeralByIndex(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.ephemeral) {
		return false
	}
	s.ephemeral = append(s.ephemeral[:i], s.ephemeral[i+1:]...)
	s.discarded++
	return true
}

func (s *Store) RemoveValidatedByID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range s.validated {
		if v.ID == id {
			s.validated = append(s.validated[:i], s.validated[i+1:]...)
			return true
		}
	}
	return false
}

// Ephemeral returns a copy of the ephemeral tier, oldest first.
func (s *Store) Ephemeral() []Memory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Memory(nil), s.ephemeral...)
}

// Validated returns a copy of the validated tier in promotion order.
func (s *Store) Validated() []Memory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Memory(nil), s.validated...)
}

func (s *Store) ClearEphemeral() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded += len(s.ephemeral)
	s.ephemeral = nil
}

func (s *Store) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta := 0
	for _, v := range s.validated {
		if v.IsMeta {
			meta++
		}
	}
	return Stats{
		Ephemeral:      len(s.ephemeral),
		Validated:      len(s.validated),
		Meta:           meta,
		CreatedTotal:   s.created,
		PromotedTotal:  s.promoted,
		DiscardedTotal: s.discarded,
	}
}

// OrganizeLayers partitions the store by score. Ephemeral memories are
// always short-term; validated memories split on the threshold, with
// meta-memories kept apart regardless of score.
func (s *Store) OrganizeLayers(scoreThreshold float64) Layers {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var l Layers
	l.ShortTerm = append(l.ShortTerm, s.ephemeral...)
	for _, v := range s.validated {
		switch {
		case v.IsMeta:
			l.Meta = append(l.Meta, v)
		case v.Score >= scoreThreshold:
			l.LongTerm = append(l.LongTerm, v)
		default:
			l.ShortTerm = append(l.ShortTerm, v)
		}
	}
	return l
}
