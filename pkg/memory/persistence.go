package memory

import "context"

// Kind selects a persistence channel. Long-term holds promoted memories;
// meta holds LLM-produced summaries of other memories.
type Kind string

const (
	KindLongTerm Kind = "long_term"
	KindMeta     Kind = "meta"
)

// Persistence is the optional durable backend behind the in-process store.
// Failures never propagate into core operations; callers log and continue.
type Persistence interface {
	StoreMemory(ctx context.Context, m Memory, kind Kind) error
	RetrieveMemories(ctx context.Context, kind Kind) ([]Memory, error)
}
