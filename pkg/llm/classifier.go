package llm

import (
	"context"
	"log/slog"
	"strings"
)

// Classifier runs the optional token-classification pass: a single-shot chat
// completion against a dedicated character. Its output is an opaque blob that
// downstream prompts forward verbatim.
type Classifier struct {
	client    *Client
	character string
	logger    *slog.Logger
}

func NewClassifier(client *Client, character string) *Classifier {
	return &Classifier{
		client:    client,
		character: character,
		logger:    slog.Default(),
	}
}

// Classify returns the classifier's raw output for text. A reply that cleans
// to the empty string means classification is absent, which is not an error.
func (c *Classifier) Classify(ctx context.Context, text string) (string, error) {
	if c.client == nil {
		return "", nil
	}

	comp, err := c.client.CompleteChat(ctx, ChatRequest{
		Messages:    []Message{{Role: "user", Content: text}},
		Temperature: 0.2,
		MaxTokens:   1000,
		Parameters:  map[string]any{"character_slug": c.character},
	})
	if err != nil {
		return "", err
	}

	cleaned := strings.TrimSpace(comp.Content)
	if cleaned == "" {
		c.logger.Debug("Classifier returned empty output, treating as absent")
	}
	return cleaned, nil
}
