package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/research"
)

// ErrNoQueries means the transcript produced no usable research queries; the
// hand-off must be aborted.
var ErrNoQueries = errors.New("chat: no queries generated from transcript")

// Bridge turns a chat transcript into override queries for the research
// engine. The classifier is optional; its output is threaded through as
// opaque metadata.
type Bridge struct {
	generator  *research.QueryGenerator
	classifier *llm.Classifier
	logger     *slog.Logger
}

func NewBridge(generator *research.QueryGenerator, classifier *llm.Classifier, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{generator: generator, classifier: classifier, logger: logger}
}

// BuildQueries derives numQueries research queries from the transcript.
func (b *Bridge) BuildQueries(ctx context.Context, turns []Turn, numQueries int, classify bool) ([]research.Query, error) {
	if len(turns) == 0 {
		return nil, fmt.Errorf("chat: empty transcript")
	}

	blocks := make([]string, 0, len(turns))
	for _, t := range turns {
		blocks = append(blocks, fmt.Sprintf("%s: %s", t.Role, t.Content))
	}
	transcript := strings.Join(blocks, "\n---\n")

	var metadata string
	if classify && b.classifier != nil {
		out, err := b.classifier.Classify(ctx, transcript)
		if err != nil {
			b.logger.Warn("Transcript classification failed, continuing without metadata", "error", err)
		} else {
			metadata = out
		}
	}

	queries := b.generator.Generate(ctx, research.GenerateInput{
		Context:    transcript,
		NumQueries: numQueries,
		Metadata:   metadata,
	})
	if len(queries) == 0 {
		return nil, ErrNoQueries
	}
	return queries, nil
}

// Research hands the transcript off to the engine as override queries.
func (b *Bridge) Research(ctx context.Context, engine *research.Engine, turns []Turn, req research.Request, classify bool) (research.Result, error) {
	queries, err := b.BuildQueries(ctx, turns, req.Breadth, classify)
	if err != nil {
		return research.Result{}, err
	}
	req.OverrideQueries = queries
	if req.Query.Original == "" && len(queries) > 0 {
		req.Query = queries[0]
	}
	return engine.Research(ctx, req), nil
}
