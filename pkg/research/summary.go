package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/parsers"
)

// SummaryWriter synthesizes the final markdown summary from accumulated
// learnings. It always produces well-formed markdown, falling back to a
// deterministic section when the LLM is unavailable.
type SummaryWriter struct {
	llm    *llm.Client // nil when no API key is configured
	logger *slog.Logger
}

func NewSummaryWriter(client *llm.Client, logger *slog.Logger) *SummaryWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SummaryWriter{llm: client, logger: logger}
}

// SummaryInput describes one summary request.
type SummaryInput struct {
	Query     string
	Learnings []string
	Metadata  string
}

// errorPrefixes quarantine sentinel learnings recorded by failed or starved
// path steps so they never reach the summary prompt.
var errorPrefixes = []string{
	"error processing",
	"error generating",
	"error during research path",
	"no search results found",
}

func isErrorLearning(l string) bool {
	lower := strings.ToLower(strings.TrimSpace(l))
	for _, p := range errorPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

const summarySystemPrompt = `You are an expert research writer. You turn raw research learnings into a clear, well-structured narrative.`

// Write produces the summary section. Given only error learnings it returns
// the fallback without calling the LLM.
func (w *SummaryWriter) Write(ctx context.Context, in SummaryInput) string {
	var valid, filtered []string
	for _, l := range in.Learnings {
		if strings.TrimSpace(l) == "" {
			continue
		}
		if isErrorLearning(l) {
			filtered = append(filtered, l)
			continue
		}
		valid = append(valid, l)
	}

	if len(valid) == 0 {
		return w.emptyFallback(in.Query, filtered)
	}

	if w.llm == nil {
		return listFallback(valid)
	}

	comp, err := w.llm.Complete(ctx, llm.CompletionRequest{
		System:      summarySystemPrompt,
		Prompt:      w.buildPrompt(in.Query, valid, in.Metadata),
		Temperature: 0.7,
		MaxTokens:   2000,
	})
	if err != nil {
		w.logger.Warn("Summary synthesis failed, falling back to learning list", "error", err)
		return listFallback(valid)
	}

	report, err := parsers.Report(comp.Content)
	if err != nil {
		w.logger.Warn("Summary reply empty, falling back to learning list", "error", err)
		return listFallback(valid)
	}

	return "## Summary\n\n" + report
}

func (w *SummaryWriter) buildPrompt(query string, learnings []string, metadata string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research query: %s\n\n", query)
	if metadata != "" {
		fmt.Fprintf(&b, "Context metadata:\n%s\n\n", metadata)
	}
	b.WriteString("Learnings:\n")
	for _, l := range learnings {
		fmt.Fprintf(&b, "- %s\n", l)
	}
	b.WriteString("\nWrite a cohesive narrative summary of these learnings in pure markdown. Do not start with a header; the caller adds one. Do not invent facts beyond the learnings.")
	return b.String()
}

// emptyFallback explains that no usable learnings were gathered, listing any
// quarantined error entries.
func (w *SummaryWriter) emptyFallback(query string, filtered []string) string {
	var b strings.Builder
	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "No learnings could be gathered for %q.\n", query)
	if len(filtered) > 0 {
		b.WriteString("\nThe following errors occurred during research:\n\n")
		for _, f := range filtered {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func listFallback(valid []string) string {
	var b strings.Builder
	b.WriteString("## Summary\n\n")
	for _, l := range valid {
		fmt.Fprintf(&b, "- %s\n", l)
	}
	return strings.TrimRight(b.String(), "\n")
}
