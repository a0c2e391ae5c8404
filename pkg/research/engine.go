package research

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/search"
)

// Engine drives a research run: it validates parameters, seeds paths,
// aggregates unique learnings and sources, and formats the final report.
type Engine struct {
	cfg        EngineConfig
	llm        *llm.Client
	logger     *slog.Logger
	onProgress ProgressFunc
}

// EngineConfig wires an Engine. LLM may be nil, in which case every component
// uses its deterministic fallback. NewSearcher overrides search client
// construction, mainly for tests.
type EngineConfig struct {
	SearchAPIKey  string
	SearchOptions *search.Options
	LLM           *llm.Client
	Logger        *slog.Logger
	OnProgress    ProgressFunc
	NewSearcher   func() Searcher
}

func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:        cfg,
		llm:        cfg.LLM,
		logger:     logger,
		onProgress: cfg.OnProgress,
	}
}

func (e *Engine) newSearcher() Searcher {
	if e.cfg.NewSearcher != nil {
		return e.cfg.NewSearcher()
	}
	return search.NewClient(e.cfg.SearchAPIKey, e.cfg.SearchOptions)
}

// estimateTotalQueries is advisory pacing for progress subscribers; it never
// gates execution.
func estimateTotalQueries(req Request) int {
	if len(req.OverrideQueries) > 0 {
		if req.Depth <= 1 {
			return len(req.OverrideQueries)
		}
		return len(req.OverrideQueries) * (1 + req.Breadth*(req.Depth-1))
	}
	total := 0
	pow := 1
	for i := 0; i <= req.Depth; i++ {
		total += pow
		pow *= req.Breadth
	}
	return total
}

// Research runs the full pipeline. After argument validation it never
// returns a Go error; failures are reported in Result.Err and the progress
// snapshot ends in StatusError.
func (e *Engine) Research(ctx context.Context, req Request) Result {
	seedQuery := req.Query.Original
	if len(req.OverrideQueries) > 0 && seedQuery == "" {
		seedQuery = req.OverrideQueries[0].Original
	}

	if strings.TrimSpace(seedQuery) == "" || req.Depth < 1 || req.Breadth < 1 {
		return Result{
			Err: fmt.Sprintf("invalid arguments: query=%q depth=%d breadth=%d", seedQuery, req.Depth, req.Breadth),
		}
	}

	progress := &Progress{
		TotalDepth:   req.Depth,
		TotalBreadth: req.Breadth,
		TotalQueries: estimateTotalQueries(req),
		Status:       StatusInitializing,
	}
	e.publish(progress)

	searcher := e.newSearcher()
	extractor := NewLearningExtractor(e.llm, e.logger)
	generator := NewQueryGenerator(e.llm, e.logger)
	writer := NewSummaryWriter(e.llm, e.logger)
	visited := make(map[string]bool)

	var learnings, sources []string
	var runErr error

	if len(req.OverrideQueries) > 0 {
		for _, q := range req.OverrideQueries {
			path := newPath(searcher, extractor, generator, visited, progress, e.onProgress, e.logger)
			res, err := path.Research(ctx, q, req.Depth, req.Breadth)
			learnings = mergeUnique(learnings, res.Learnings)
			sources = mergeUnique(sources, res.Sources)
			if err != nil {
				runErr = err
				break
			}
		}
	} else {
		path := newPath(searcher, extractor, generator, visited, progress, e.onProgress, e.logger)
		res, err := path.Research(ctx, req.Query, req.Depth, req.Breadth)
		learnings = mergeUnique(learnings, res.Learnings)
		sources = mergeUnique(sources, res.Sources)
		runErr = err
	}

	if runErr != nil {
		e.logger.Error("Research run failed", "query", seedQuery, "error", runErr)
		summary := fmt.Sprintf("Error during research: %v", runErr)
		progress.Status = StatusError
		progress.CurrentAction = runErr.Error()
		e.publish(progress)

		return Result{
			Learnings:         learnings,
			Sources:           sources,
			Summary:           summary,
			MarkdownContent:   formatReport(seedQuery, summary, learnings, sources),
			SuggestedFilename: suggestedFilename(seedQuery),
			Err:               runErr.Error(),
		}
	}

	progress.Status = StatusGeneratingSummary
	progress.CurrentAction = "Generating summary"
	e.publish(progress)

	summary := writer.Write(ctx, SummaryInput{
		Query:     seedQuery,
		Learnings: learnings,
		Metadata:  req.Query.Metadata,
	})

	progress.Status = StatusGeneratingResult
	progress.CurrentAction = "Formatting result"
	e.publish(progress)

	result := Result{
		Learnings:         learnings,
		Sources:           sources,
		Summary:           summary,
		MarkdownContent:   formatReport(seedQuery, summary, learnings, sources),
		SuggestedFilename: suggestedFilename(seedQuery),
	}

	progress.Status = StatusComplete
	progress.CurrentAction = "Done"
	e.publish(progress)

	return result
}

func (e *Engine) publish(p *Progress) {
	if e.onProgress != nil {
		e.onProgress(*p)
	}
}

// formatReport renders the four labelled report sections. The summary string
// already carries its own "## Summary" header.
func formatReport(query, summary string, learnings, sources []string) string {
	var b strings.Builder
	b.WriteString("# Research Results\n\n")
	b.WriteString("## Query\n\n")
	b.WriteString(query)
	b.WriteString("\n\n")
	b.WriteString(summary)
	b.WriteString("\n\n## Key Learnings\n\n")
	if len(learnings) == 0 {
		b.WriteString("*None gathered.*\n")
	}
	for _, l := range learnings {
		fmt.Fprintf(&b, "- %s\n", l)
	}
	b.WriteString("\n## References\n\n")
	if len(sources) == 0 {
		b.WriteString("*No sources visited.*\n")
	}
	for _, s := range sources {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	return b.String()
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// slugify lowercases the query and keeps alphanumerics joined by hyphens,
// capped at 50 characters.
func slugify(s string) string {
	slug := slugUnsafe.ReplaceAllString(strings.ToLower(s), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 50 {
		slug = strings.Trim(slug[:50], "-")
	}
	if slug == "" {
		slug = "untitled"
	}
	return slug
}

// suggestedFilename names the report for the caller; the engine itself never
// persists anything.
func suggestedFilename(query string) string {
	ts := strings.NewReplacer(":", "-", ".", "-").Replace(time.Now().UTC().Format(time.RFC3339))
	return fmt.Sprintf("research/research-%s-%s.md", slugify(query), ts)
}
