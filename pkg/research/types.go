package research

// Query is a single search intent. Metadata, when present, is an opaque
// classifier payload that is forwarded through prompts but never parsed here.
type Query struct {
	Original string `json:"original"`
	Metadata string `json:"metadata,omitempty"`
}

// Status is the lifecycle phase published in a Progress snapshot.
type Status string

const (
	StatusInitializing      Status = "Initializing"
	StatusProcessingQuery   Status = "Processing Query"
	StatusGeneratingSummary Status = "Generating Summary"
	StatusGeneratingResult  Status = "Generating Result"
	StatusComplete          Status = "Complete"
	StatusError             Status = "Error"
)

// Progress tracks a research run. It is mutated in place by the engine and
// its paths and published via the progress callback after each mutation.
type Progress struct {
	TotalDepth       int    `json:"total_depth"`
	CurrentDepth     int    `json:"current_depth"`
	TotalBreadth     int    `json:"total_breadth"`
	CurrentBreadth   int    `json:"current_breadth"`
	TotalQueries     int    `json:"total_queries"`
	CompletedQueries int    `json:"completed_queries"`
	Status           Status `json:"status"`
	CurrentAction    string `json:"current_action"`
}

// ProgressFunc receives a copy of the snapshot after each mutation.
type ProgressFunc func(Progress)

// Result is the outcome of a research run. After argument validation the
// engine never returns a Go error; failures are carried in Err alongside
// whatever was gathered.
type Result struct {
	Learnings         []string `json:"learnings"`
	Sources           []string `json:"sources"`
	Summary           string   `json:"summary"`
	MarkdownContent   string   `json:"markdown_content"`
	SuggestedFilename string   `json:"suggested_filename"`
	Err               string   `json:"error,omitempty"`
}

// Request configures a research run. OverrideQueries, when non-empty,
// replaces the single-query seeding step.
type Request struct {
	Query           Query   `json:"query"`
	Depth           int     `json:"depth"`
	Breadth         int     `json:"breadth"`
	OverrideQueries []Query `json:"override_queries,omitempty"`
}
