package memory

import "time"

// Role identifies who or what produced a memory.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleSummary   Role = "summary"
)

// Memory is one stored item. A memory starts ephemeral and may be promoted
// to validated by the validation pass, or collapsed into a meta-memory.
type Memory struct {
	ID                 string    `json:"id"`
	Content            string    `json:"content"`
	Role               Role      `json:"role"`
	Timestamp          time.Time `json:"timestamp"`
	Tags               []string  `json:"tags,omitempty"`
	Score              float64   `json:"score"`
	Validated          bool      `json:"validated"`
	NeedsSummarization bool      `json:"needs_summarization,omitempty"`
	IsMeta             bool      `json:"is_meta,omitempty"`
	Summarized         bool      `json:"summarized,omitempty"`
	SourceMemories     []string  `json:"source_memories,omitempty"`
}

// Depth selects how much history the subsystem keeps and how strict
// retrieval is.
type Depth string

const (
	DepthShort  Depth = "short"
	DepthMedium Depth = "medium"
	DepthLong   Depth = "long"
)

// DepthProfile is the tuning preset behind a Depth.
type DepthProfile struct {
	MaxMemories    int
	RetrievalLimit int
	Threshold      float64
}

var profiles = map[Depth]DepthProfile{
	DepthShort:  {MaxMemories: 10, RetrievalLimit: 2, Threshold: 0.7},
	DepthMedium: {MaxMemories: 50, RetrievalLimit: 5, Threshold: 0.5},
	DepthLong:   {MaxMemories: 100, RetrievalLimit: 8, Threshold: 0.3},
}

// ProfileFor resolves a depth to its profile, defaulting to medium for
// unknown values.
func ProfileFor(d Depth) DepthProfile {
	if p, ok := profiles[d]; ok {
		return p
	}
	return profiles[DepthMedium]
}
