// Package parsers turns messy LLM replies into structured data. Every parser
// returns an explicit error instead of panicking; callers decide whether to
// apply heuristic recovery on the raw content.
package parsers

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrEmptyContent = errors.New("parsers: empty content")

var (
	bulletPrefix  = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)
	interrogative = regexp.MustCompile(`(?i)^(what|how|why|when|where|which)\b`)
)

// StripListPrefix removes a leading bullet or number marker from a line.
func StripListPrefix(line string) string {
	return strings.TrimSpace(bulletPrefix.ReplaceAllString(line, ""))
}

// Queries extracts a list of interrogative queries, one per line. Lines not
// beginning with an interrogative word are dropped; an empty result is a
// parse failure.
func Queries(content string) ([]string, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	var queries []string
	for _, line := range strings.Split(content, "\n") {
		line = StripListPrefix(line)
		if line == "" {
			continue
		}
		if interrogative.MatchString(line) {
			queries = append(queries, line)
		}
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("parsers: no interrogative queries found")
	}
	return queries, nil
}

// LearningSet is the result of parsing an extraction reply.
type LearningSet struct {
	Learnings []string
	FollowUps []string
}

const (
	learningsHeader = "Key Learnings:"
	followUpsHeader = "Follow-up Questions:"
)

// Learnings extracts the two sections bounded by the literal headers
// "Key Learnings:" and "Follow-up Questions:". Parsing succeeds if either
// section yields at least one line.
func Learnings(content string) (*LearningSet, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	set := &LearningSet{
		Learnings: sectionLines(content, learningsHeader, followUpsHeader),
		FollowUps: sectionLines(content, followUpsHeader, learningsHeader),
	}
	if len(set.Learnings) == 0 && len(set.FollowUps) == 0 {
		return nil, fmt.Errorf("parsers: no %q or %q section found", learningsHeader, followUpsHeader)
	}
	return set, nil
}

// sectionLines returns the cleaned lines between header and the next
// occurrence of stop (or end of content).
func sectionLines(content, header, stop string) []string {
	start := strings.Index(content, header)
	if start < 0 {
		return nil
	}
	section := content[start+len(header):]
	if end := strings.Index(section, stop); end >= 0 {
		section = section[:end]
	}

	var lines []string
	for _, line := range strings.Split(section, "\n") {
		line = StripListPrefix(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Report validates a markdown report reply. The only failure mode is empty
// content; the raw markdown is returned untouched otherwise.
func Report(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	return trimmed, nil
}

// JSONPayload finds the first balanced {...} or [...] substring and returns
// it as raw JSON. LLM replies routinely wrap payloads in prose or code
// fences, so a plain json.Unmarshal of the whole content is not enough.
func JSONPayload(content string) (json.RawMessage, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	start := -1
	var opener, closer byte
	for i := 0; i < len(content); i++ {
		if content[i] == '{' || content[i] == '[' {
			start = i
			opener = content[i]
			closer = '}'
			if opener == '[' {
				closer = ']'
			}
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("parsers: no JSON object or array found")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		ch := content[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				candidate := content[start : i+1]
				if !json.Valid([]byte(candidate)) {
					return nil, fmt.Errorf("parsers: balanced substring is not valid JSON")
				}
				return json.RawMessage(candidate), nil
			}
		}
	}
	return nil, fmt.Errorf("parsers: unbalanced JSON starting at offset %d", start)
}
