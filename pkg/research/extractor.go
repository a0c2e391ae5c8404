package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/parsers"
)

// ErrLlmAPI marks a transport failure during extraction while an API key was
// configured. Unlike parse failures it is escalated instead of silently
// falling back, so the path can record it.
var ErrLlmAPI = errors.New("research: llm api failure during extraction")

const maxCombinedContent = 50000

// LearningExtractor distills learnings and follow-up questions from gathered
// search content.
type LearningExtractor struct {
	llm    *llm.Client // nil when no API key is configured
	logger *slog.Logger
}

func NewLearningExtractor(client *llm.Client, logger *slog.Logger) *LearningExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LearningExtractor{llm: client, logger: logger}
}

// ExtractInput describes one extraction request. Contents must be non-empty
// strings gathered for Query.
type ExtractInput struct {
	Query        string
	Contents     []string
	NumLearnings int
	NumFollowUps int
	Metadata     string
}

// Extraction is the distilled output of one extraction call.
type Extraction struct {
	Learnings []string
	FollowUps []string
}

const extractorSystemPrompt = `You are an expert researcher. You distill search results into concise, factual learnings and generate follow-up questions that deepen the research.`

// Extract prompts the LLM for learnings and follow-ups. Parse failures are
// recovered heuristically from the raw reply; a missing client degrades to a
// deterministic single learning. Only transport failures return an error.
func (e *LearningExtractor) Extract(ctx context.Context, in ExtractInput) (*Extraction, error) {
	if in.NumLearnings < 1 {
		in.NumLearnings = 3
	}
	if in.NumFollowUps < 1 {
		in.NumFollowUps = 3
	}

	if e.llm == nil {
		return e.contentFallback(in), nil
	}

	comp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		System:      extractorSystemPrompt,
		Prompt:      e.buildPrompt(in),
		Temperature: 0.5,
		MaxTokens:   2000,
	})
	if err != nil {
		e.logger.Error("Extraction request failed", "query", in.Query, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrLlmAPI, err)
	}

	set, err := parsers.Learnings(comp.Content)
	if err != nil {
		e.logger.Warn("Extraction reply unparsable, applying line recovery", "error", err)
		if recovered := recoverLines(comp.Content); len(recovered) > 0 {
			return &Extraction{Learnings: capStrings(recovered, in.NumLearnings)}, nil
		}
		return e.contentFallback(in), nil
	}

	return &Extraction{
		Learnings: capStrings(set.Learnings, in.NumLearnings),
		FollowUps: capStrings(set.FollowUps, in.NumFollowUps),
	}, nil
}

func (e *LearningExtractor) buildPrompt(in ExtractInput) string {
	combined := strings.Join(in.Contents, "\n---\n")
	if len(combined) > maxCombinedContent {
		combined = combined[:maxCombinedContent]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Research query: %s\n\n", in.Query)
	if in.Metadata != "" {
		fmt.Fprintf(&b, "Context metadata:\n%s\n\n", in.Metadata)
	}
	b.WriteString("Gathered content:\n")
	b.WriteString(combined)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Extract up to %d learnings and up to %d follow-up questions. Reply with exactly these two sections:\n\n", in.NumLearnings, in.NumFollowUps)
	b.WriteString("Key Learnings:\n- <one factual statement per line>\n\nFollow-up Questions:\n- <one question per line, starting with What, How, Why, When, Where or Which>")
	return b.String()
}

var pureNumberLine = regexp.MustCompile(`^\d+[.)]?$`)

// recoverLines salvages learnings from an unparsable reply: strip list
// prefixes, drop the section headers, separators and bare numbers, keep
// lines longer than 10 characters.
func recoverLines(content string) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch line {
		case "", "---", "Key Learnings:", "Follow-up Questions:":
			continue
		}
		line = parsers.StripListPrefix(line)
		if pureNumberLine.MatchString(line) {
			continue
		}
		if len(line) > 10 {
			lines = append(lines, line)
		}
	}
	return lines
}

// contentFallback derives one learning from the first non-empty input so the
// path still records something for the query.
func (e *LearningExtractor) contentFallback(in ExtractInput) *Extraction {
	for _, c := range in.Contents {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if len(c) > 200 {
			c = c[:200]
		}
		return &Extraction{Learnings: []string{fmt.Sprintf("Regarding %q: %s", in.Query, c)}}
	}
	return &Extraction{}
}

func capStrings(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
