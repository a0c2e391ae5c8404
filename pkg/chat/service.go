package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/memory"
	"github.com/mikeboe/deep-research/pkg/parsers"
)

// Service persists conversations in Postgres and streams replies. It backs
// the HTTP chat endpoints; the in-process Session covers the CLI.
type Service struct {
	DB     *database.PostgresDB
	llm    *llm.Client
	memory *memory.Manager
	logger *slog.Logger
}

type Conversation struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// StreamEvent is a single event in the reply stream.
type StreamEvent struct {
	Type    string `json:"type"` // "content", "error", "done"
	Payload any    `json:"payload"`
}

func NewService(db *database.PostgresDB, client *llm.Client, mem *memory.Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{DB: db, llm: client, memory: mem, logger: logger}
}

func (s *Service) CreateConversation(ctx context.Context) (*Conversation, error) {
	id := uuid.New()
	query := `INSERT INTO conversations (id) VALUES ($1) RETURNING id, title, created_at, updated_at`

	conv := &Conversation{}
	err := s.DB.Pool.QueryRow(ctx, query, id).Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Service) ListConversations(ctx context.Context) ([]Conversation, error) {
	query := `SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC`
	rows, err := s.DB.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *Service) GetHistory(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC`
	rows, err := s.DB.Pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Turns converts a conversation's stored history into transcript turns for
// the research hand-off.
func (s *Service) Turns(ctx context.Context, conversationID uuid.UUID) ([]Turn, error) {
	history, err := s.GetHistory(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	turns := make([]Turn, 0, len(history))
	for _, m := range history {
		turns = append(turns, Turn{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}

// SendMessage saves the user turn, completes against the full conversation
// history plus recalled memories, and returns the reply as an event stream.
// The assistant turn is persisted after the stream completes.
func (s *Service) SendMessage(ctx context.Context, conversationID uuid.UUID, content string) (iter.Seq2[StreamEvent, error], error) {
	userMsgID := uuid.New()
	_, err := s.DB.Pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content) VALUES ($1, $2, 'user', $3)`,
		userMsgID, conversationID, content)
	if err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}

	if s.memory != nil {
		s.memory.StoreMemory(content, memory.RoleUser)
	}

	history, err := s.GetHistory(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{Role: "system", Content: s.systemPrompt(ctx, content)})
	for _, msg := range history {
		messages = append(messages, llm.Message{Role: msg.Role, Content: msg.Content})
	}

	return func(yield func(StreamEvent, error) bool) {
		s.logger.Info("Starting chat completion", "conversation_id", conversationID)

		comp, err := s.llm.CompleteChat(ctx, llm.ChatRequest{
			Messages:    messages,
			Temperature: 0.7,
			MaxTokens:   2000,
		})
		if err != nil {
			s.logger.Error("Chat completion failed", "error", err)
			yield(StreamEvent{Type: "error", Payload: err.Error()}, err)
			return
		}

		if !yield(StreamEvent{Type: "content", Payload: comp.Content}, nil) {
			return
		}

		assistantMsgID := uuid.New()
		_, err = s.DB.Pool.Exec(ctx,
			`INSERT INTO messages (id, conversation_id, role, content) VALUES ($1, $2, 'assistant', $3)`,
			assistantMsgID, conversationID, comp.Content)
		if err != nil {
			s.logger.Error("Failed to save assistant message", "error", err)
		} else {
			_, _ = s.DB.Pool.Exec(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id = $1`, conversationID)
		}

		if s.memory != nil {
			s.memory.StoreMemory(comp.Content, memory.RoleAssistant)
		}

		yield(StreamEvent{Type: "done", Payload: "done"}, nil)

		// fire and forget
		if len(history) <= 2 {
			go s.generateTitle(conversationID, content, comp.Content)
		}
	}, nil
}

// Finalize distills a stored conversation into the memory subsystem.
func (s *Service) Finalize(ctx context.Context, conversationID uuid.UUID) (memory.Memory, error) {
	if s.memory == nil {
		return memory.Memory{}, fmt.Errorf("chat: no memory manager configured")
	}
	turns, err := s.Turns(ctx, conversationID)
	if err != nil {
		return memory.Memory{}, err
	}
	if len(turns) == 0 {
		return memory.Memory{}, fmt.Errorf("chat: conversation %s has no messages", conversationID)
	}

	blocks := make([]string, 0, len(turns))
	for _, t := range turns {
		blocks = append(blocks, fmt.Sprintf("%s: %s", t.Role, t.Content))
	}
	return s.memory.SummarizeAndFinalize(ctx, strings.Join(blocks, "\n---\n")), nil
}

func (s *Service) systemPrompt(ctx context.Context, latest string) string {
	system := defaultSystemPrompt
	if s.memory == nil {
		return system
	}
	recalled := s.memory.RetrieveRelevantMemories(ctx, latest, memory.RetrieveOptions{
		IncludeShortTerm: true,
		IncludeLongTerm:  true,
		IncludeMeta:      true,
	})
	if len(recalled) == 0 {
		return system
	}
	var b strings.Builder
	b.WriteString(system)
	b.WriteString("\n\nRelevant context from earlier conversations:\n")
	for _, m := range recalled {
		fmt.Fprintf(&b, "- %s\n", m.Content)
	}
	return b.String()
}

func (s *Service) generateTitle(convID uuid.UUID, userMsg, assistantMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prompt := fmt.Sprintf(
		"Generate a short, concise title (max 5 words) for this chat conversation:\nUser: %s\nAssistant: %s\n\nReply with only JSON: {\"title\": \"...\"}",
		userMsg, assistantMsg)

	comp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		Prompt:      prompt,
		Temperature: 0.3,
		MaxTokens:   100,
	})
	if err != nil {
		s.logger.Error("Title generation failed", "error", err)
		return
	}

	payload, err := parsers.JSONPayload(comp.Content)
	if err != nil {
		s.logger.Error("Title reply unparsable", "error", err)
		return
	}
	var respData struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(payload, &respData); err != nil || respData.Title == "" {
		s.logger.Error("Title payload invalid", "error", err)
		return
	}

	if _, err := s.DB.Pool.Exec(ctx, `UPDATE conversations SET title = $2 WHERE id = $1`, convID, respData.Title); err != nil {
		s.logger.Error("Failed to update conversation title", "error", err)
	}
}
