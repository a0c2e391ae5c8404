package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/memory"
)

// Turn is one transcript entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session holds one in-process conversation. Every user turn is stored as an
// ephemeral memory and relevant prior memories are injected into the system
// prompt of the next completion.
type Session struct {
	llm    *llm.Client
	memory *memory.Manager
	system string
	turns  []Turn
	logger *slog.Logger
}

const defaultSystemPrompt = "You are a helpful research assistant. Answer concisely and truthfully. When relevant context from earlier conversations is provided, use it."

func NewSession(client *llm.Client, mem *memory.Manager, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		llm:    client,
		memory: mem,
		system: defaultSystemPrompt,
		logger: logger,
	}
}

// Send submits a user turn and returns the assistant's reply. Both turns are
// recorded in the transcript and in the memory subsystem.
func (s *Session) Send(ctx context.Context, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("chat: empty message")
	}
	if s.llm == nil {
		return "", fmt.Errorf("chat: no llm client configured")
	}

	s.turns = append(s.turns, Turn{Role: "user", Content: content})
	if s.memory != nil {
		s.memory.StoreMemory(content, memory.RoleUser)
	}

	system := s.system
	if s.memory != nil {
		recalled := s.memory.RetrieveRelevantMemories(ctx, content, memory.RetrieveOptions{
			IncludeShortTerm: true,
			IncludeLongTerm:  true,
			IncludeMeta:      true,
		})
		if len(recalled) > 0 {
			var b strings.Builder
			b.WriteString(system)
			b.WriteString("\n\nRelevant context from earlier conversations:\n")
			for _, m := range recalled {
				fmt.Fprintf(&b, "- %s\n", m.Content)
			}
			system = b.String()
		}
	}

	messages := make([]llm.Message, 0, len(s.turns)+1)
	messages = append(messages, llm.Message{Role: "system", Content: system})
	for _, t := range s.turns {
		messages = append(messages, llm.Message{Role: t.Role, Content: t.Content})
	}

	comp, err := s.llm.CompleteChat(ctx, llm.ChatRequest{
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   2000,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	s.turns = append(s.turns, Turn{Role: "assistant", Content: comp.Content})
	if s.memory != nil {
		s.memory.StoreMemory(comp.Content, memory.RoleAssistant)
	}
	return comp.Content, nil
}

// Turns returns a copy of the transcript in order.
func (s *Session) Turns() []Turn {
	return append([]Turn(nil), s.turns...)
}

// Transcript renders the conversation as role-prefixed blocks separated by
// markdown rules, the form the research hand-off and finalization expect.
func (s *Session) Transcript() string {
	blocks := make([]string, 0, len(s.turns))
	for _, t := range s.turns {
		blocks = append(blocks, fmt.Sprintf("%s: %s", t.Role, t.Content))
	}
	return strings.Join(blocks, "\n---\n")
}

// Finalize distills the conversation into the memory subsystem's long-term
// tiers. The session transcript is left intact.
func (s *Session) Finalize(ctx context.Context) (memory.Memory, error) {
	if s.memory == nil {
		return memory.Memory{}, fmt.Errorf("chat: no memory manager configured")
	}
	if len(s.turns) == 0 {
		return memory.Memory{}, fmt.Errorf("chat: nothing to finalize")
	}
	return s.memory.SummarizeAndFinalize(ctx, s.Transcript()), nil
}
