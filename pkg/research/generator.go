package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/parsers"
)

// QueryGenerator produces follow-up queries for a research context. When the
// LLM is unavailable or its reply cannot be parsed, it falls back to
// deterministic queries so a run always has something to work with.
type QueryGenerator struct {
	llm    *llm.Client // nil when no API key is configured
	logger *slog.Logger
}

func NewQueryGenerator(client *llm.Client, logger *slog.Logger) *QueryGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryGenerator{llm: client, logger: logger}
}

// GenerateInput describes one generation request.
type GenerateInput struct {
	Context        string
	NumQueries     int
	PriorLearnings []string
	Metadata       string
}

const generatorSystemPrompt = `You are an expert researcher. Given a research context, you generate precise follow-up search queries that each open a distinct line of inquiry.`

// Generate returns at most in.NumQueries queries, each with a non-empty
// Original. It never fails; the deterministic fallback covers a missing
// client, a transport failure and an unparsable reply.
func (g *QueryGenerator) Generate(ctx context.Context, in GenerateInput) []Query {
	if in.NumQueries < 1 {
		in.NumQueries = 1
	}

	if g.llm == nil {
		return g.fallbackQueries(in)
	}

	comp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		System:      generatorSystemPrompt,
		Prompt:      g.buildPrompt(in),
		Temperature: 0.8,
		MaxTokens:   1000,
	})
	if err != nil {
		g.logger.Warn("Query generation failed, using fallback queries", "error", err)
		return g.fallbackQueries(in)
	}

	lines, err := parsers.Queries(comp.Content)
	if err != nil {
		g.logger.Warn("Query reply unparsable, using fallback queries", "error", err)
		return g.fallbackQueries(in)
	}

	if len(lines) > in.NumQueries {
		lines = lines[:in.NumQueries]
	}
	queries := make([]Query, 0, len(lines))
	for _, line := range lines {
		queries = append(queries, Query{Original: line, Metadata: in.Metadata})
	}
	return queries
}

// isChatHistory reports whether the context looks like a transcript rather
// than a single topic.
func isChatHistory(s string) bool {
	return len(s) > 1000 || strings.Contains(s, "\nuser:") || strings.Contains(s, "\nassistant:")
}

func (g *QueryGenerator) buildPrompt(in GenerateInput) string {
	var b strings.Builder

	b.WriteString("Research context:\n")
	b.WriteString(in.Context)
	b.WriteString("\n\n")

	if len(in.PriorLearnings) > 0 {
		b.WriteString("Learnings gathered so far:\n")
		for _, l := range in.PriorLearnings {
			fmt.Fprintf(&b, "- %s\n", l)
		}
		b.WriteString("\n")
	}

	if in.Metadata != "" {
		b.WriteString("Additional context metadata:\n")
		b.WriteString(in.Metadata)
		b.WriteString("\n\n")
	}

	if isChatHistory(in.Context) {
		b.WriteString("The context above is a conversation history. Spread the queries across the distinct themes discussed, not just the most recent topic.\n\n")
	}

	fmt.Fprintf(&b, "Generate exactly %d search queries. Output one query per line, no bullets or numbering. Every query must start with What, How, Why, When, Where or Which.", in.NumQueries)
	return b.String()
}

// fallbackTopic derives a short topic from the context: the most recent
// user turn of a transcript, or the context itself truncated at 50
// characters.
func fallbackTopic(context string) string {
	var topic string
	for _, line := range strings.Split(context, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "user:"); ok {
			if t := strings.TrimSpace(rest); t != "" {
				topic = t
			}
		}
	}
	if topic != "" {
		return topic
	}

	topic = strings.TrimSpace(context)
	if len(topic) > 50 {
		topic = strings.TrimSpace(topic[:50])
	}
	if topic == "" {
		topic = "the requested topic"
	}
	return topic
}

func (g *QueryGenerator) fallbackQueries(in GenerateInput) []Query {
	topic := fallbackTopic(in.Context)
	rotation := []string{
		fmt.Sprintf("What is %s?", topic),
		fmt.Sprintf("How does %s work?", topic),
		fmt.Sprintf("Examples of %s", topic),
		fmt.Sprintf("Which aspects of %s are most important?", topic),
	}

	queries := make([]Query, 0, in.NumQueries)
	for i := 0; i < in.NumQueries; i++ {
		queries = append(queries, Query{Original: rotation[i%len(rotation)], Metadata: in.Metadata})
	}
	return queries
}
