package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/search"
)

// Searcher is the slice of the search client a path needs.
type Searcher interface {
	Search(ctx context.Context, query string) ([]search.Result, error)
}

// maxResultsPerQuery caps how many fresh results one query contributes.
const maxResultsPerQuery = 5

// Path is one depth-bounded node of the recursion tree. The visited set and
// the progress snapshot are shared by reference with every descendant path in
// the same run; recursion is strictly sequential so no locking is needed.
type Path struct {
	search     Searcher
	extractor  *LearningExtractor
	generator  *QueryGenerator
	visited    map[string]bool
	progress   *Progress
	onProgress ProgressFunc
	logger     *slog.Logger
}

// PathResult aggregates what a path and its descendants gathered.
type PathResult struct {
	Learnings       []string
	Sources         []string
	FollowUpQueries []string
}

func newPath(s Searcher, ext *LearningExtractor, gen *QueryGenerator, visited map[string]bool, progress *Progress, onProgress ProgressFunc, logger *slog.Logger) *Path {
	return &Path{
		search:     s,
		extractor:  ext,
		generator:  gen,
		visited:    visited,
		progress:   progress,
		onProgress: onProgress,
		logger:     logger,
	}
}

func (p *Path) publish() {
	if p.onProgress != nil {
		p.onProgress(*p.progress)
	}
}

func (p *Path) completeQuery() {
	p.progress.CompletedQueries++
	p.publish()
}

// Research runs search → extract → recurse for q. Non-fatal failures are
// recorded as sentinel learnings and the path returns what it gathered; the
// only error returned is an authentication failure, which is fatal for the
// whole run.
func (p *Path) Research(ctx context.Context, q Query, depth, breadth int) (PathResult, error) {
	var res PathResult

	p.progress.Status = StatusProcessingQuery
	p.progress.CurrentDepth = depth
	p.progress.CurrentBreadth = breadth
	p.progress.CurrentAction = "Processing: " + prefix(q.Original, 50)
	p.publish()

	results, err := p.search.Search(ctx, q.Original)
	if err != nil {
		if errors.Is(err, search.ErrAuth) {
			return res, err
		}
		p.logger.Error("Search failed", "query", q.Original, "error", err)
		res.Learnings = append(res.Learnings, fmt.Sprintf("Error processing query: %s", q.Original))
		p.completeQuery()
		return res, nil
	}

	fresh := make([]search.Result, 0, maxResultsPerQuery)
	for _, r := range results {
		if r.URL == "" || p.visited[r.URL] {
			continue
		}
		p.visited[r.URL] = true
		fresh = append(fresh, r)
		if len(fresh) == maxResultsPerQuery {
			break
		}
	}

	if len(fresh) == 0 {
		res.Learnings = append(res.Learnings, fmt.Sprintf("No search results found for query: %s", q.Original))
		p.completeQuery()
		return res, nil
	}

	contents := make([]string, 0, len(fresh))
	for _, r := range fresh {
		contents = append(contents, r.Content)
		res.Sources = append(res.Sources, r.URL)
	}

	extraction, err := p.extractor.Extract(ctx, ExtractInput{
		Query:        q.Original,
		Contents:     contents,
		NumLearnings: maxResultsPerQuery,
		NumFollowUps: breadth,
		Metadata:     q.Metadata,
	})
	if err != nil {
		if errors.Is(err, llm.ErrAuth) {
			return res, err
		}
		p.logger.Error("Extraction failed", "query", q.Original, "error", err)
		res.Learnings = append(res.Learnings, fmt.Sprintf("Error processing query: %s", q.Original))
		p.completeQuery()
		return res, nil
	}
	res.Learnings = append(res.Learnings, extraction.Learnings...)

	if depth > 0 {
		followUps := p.generator.Generate(ctx, GenerateInput{
			Context:        q.Original,
			NumQueries:     breadth,
			PriorLearnings: extraction.Learnings,
			Metadata:       q.Metadata,
		})
		for _, f := range followUps {
			res.FollowUpQueries = append(res.FollowUpQueries, f.Original)
		}
		p.completeQuery()

		for _, f := range followUps {
			child := newPath(p.search, p.extractor, p.generator, p.visited, p.progress, p.onProgress, p.logger)
			childRes, err := child.Research(ctx, f, depth-1, breadth)
			res.Learnings = mergeUnique(res.Learnings, childRes.Learnings)
			res.Sources = mergeUnique(res.Sources, childRes.Sources)
			if err != nil {
				return res, err
			}
		}
	} else {
		p.completeQuery()
	}

	return res, nil
}

// mergeUnique appends items from add not already present in base, preserving
// first-encountered order.
func mergeUnique(base, add []string) []string {
	seen := make(map[string]bool, len(base))
	for _, s := range base {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			seen[s] = true
			base = append(base, s)
		}
	}
	return base
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
