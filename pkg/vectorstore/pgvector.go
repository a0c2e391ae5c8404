package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Document is one embedded record. Metadata carries the domain fields
// (memory id, kind, role, tags) as free-form JSON.
type Document struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Embedding []float32      `json:"embedding,omitempty"`
}

// Store runs vector operations against one pgvector-backed table.
type Store struct {
	pool      *pgxpool.Pool
	tableName string
}

// isValidTableName rejects table names that could smuggle SQL. Only
// lowercase-led identifiers of alphanumerics and underscores are allowed,
// capped at PostgreSQL's 63-character limit.
func isValidTableName(name string) bool {
	matched, _ := regexp.MatchString(`^[a-z_][a-zA-Z0-9_]{0,62}$`, name)
	return matched
}

func NewStore(pool *pgxpool.Pool, tableName string) (*Store, error) {
	if !isValidTableName(tableName) {
		return nil, fmt.Errorf("invalid table name %q: must be 1-63 alphanumerics or underscores, starting with a letter or underscore", tableName)
	}
	return &Store{pool: pool, tableName: tableName}, nil
}

// AddDocuments inserts documents in one batch.
func (s *Store) AddDocuments(ctx context.Context, docs []Document) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (content, metadata, embedding)
		VALUES ($1, $2, $3)
	`, pgx.Identifier{s.tableName}.Sanitize())

	batch := &pgx.Batch{}
	for _, doc := range docs {
		metadataJSON, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		batch.Queue(query, doc.Content, metadataJSON, pgvector.NewVector(doc.Embedding))
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range docs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
	}
	return nil
}

// SearchResult is one similarity hit; Score is cosine similarity in [0,1].
type SearchResult struct {
	Document Document
	Score    float64
}

// SimilaritySearch returns the topK nearest documents, optionally restricted
// to one metadata kind.
func (s *Store) SimilaritySearch(ctx context.Context, queryEmbedding []float32, topK int, kindFilter string) ([]SearchResult, error) {
	var query string
	var args []any

	embedding := pgvector.NewVector(queryEmbedding)

	if kindFilter != "" {
		query = fmt.Sprintf(`
			SELECT id, content, metadata, 1 - (embedding <=> $1) as similarity
			FROM %s
			WHERE metadata->>'kind' = $2
			ORDER BY embedding <=> $1
			LIMIT $3
		`, pgx.Identifier{s.tableName}.Sanitize())
		args = []any{embedding, kindFilter, topK}
	} else {
		query = fmt.Sprintf(`
			SELECT id, content, metadata, 1 - (embedding <=> $1) as similarity
			FROM %s
			ORDER BY embedding <=> $1
			LIMIT $2
		`, pgx.Identifier{s.tableName}.Sanitize())
		args = []any{embedding, topK}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var doc Document
		var metadataJSON []byte
		var similarity float64

		if err := rows.Scan(&doc.ID, &doc.Content, &metadataJSON, &similarity); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		results = append(results, SearchResult{Document: doc, Score: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return results, nil
}

// GetByKind retrieves every document of one metadata kind.
func (s *Store) GetByKind(ctx context.Context, kind string) ([]Document, error) {
	query := fmt.Sprintf(`
		SELECT id, content, metadata
		FROM %s
		WHERE metadata->>'kind' = $1
		ORDER BY id
	`, pgx.Identifier{s.tableName}.Sanitize())

	return s.queryDocuments(ctx, query, kind)
}

// GetByMetadata retrieves documents matching a JSON filter. The filter map
// supports $and, $or and $not combinators; plain keys match by containment.
func (s *Store) GetByMetadata(ctx context.Context, filter map[string]any) ([]Document, error) {
	var args []any
	whereClause, err := s.buildMetadataQuery(filter, &args)
	if err != nil {
		return nil, fmt.Errorf("build metadata query: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, content, metadata
		FROM %s
		WHERE %s
	`, pgx.Identifier{s.tableName}.Sanitize(), whereClause)

	return s.queryDocuments(ctx, query, args...)
}

func (s *Store) queryDocuments(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var documents []Document
	for rows.Next() {
		var doc Document
		var metadataJSON []byte

		if err := rows.Scan(&doc.ID, &doc.Content, &metadataJSON); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		documents = append(documents, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return documents, nil
}

// buildMetadataQuery recursively renders the filter into a WHERE clause,
// appending parameters to args.
func (s *Store) buildMetadataQuery(filter map[string]any, args *[]any) (string, error) {
	if len(filter) == 0 {
		return "TRUE", nil
	}

	var conditions []string
	for key, value := range filter {
		switch key {
		case "$and", "$or":
			list, ok := value.([]any)
			if !ok {
				return "", fmt.Errorf("value for %s must be a list of conditions", key)
			}
			var subConditions []string
			for _, item := range list {
				subMap, ok := item.(map[string]any)
				if !ok {
					return "", fmt.Errorf("item in %s list must be a JSON object", key)
				}
				subQuery, err := s.buildMetadataQuery(subMap, args)
				if err != nil {
					return "", err
				}
				subConditions = append(subConditions, "("+subQuery+")")
			}
			if len(subConditions) == 0 {
				continue
			}

			op := " AND "
			if key == "$or" {
				op = " OR "
			}
			conditions = append(conditions, "("+strings.Join(subConditions, op)+")")

		case "$not":
			subMap, ok := value.(map[string]any)
			if !ok {
				return "", fmt.Errorf("value for $not must be a JSON object")
			}
			subQuery, err := s.buildMetadataQuery(subMap, args)
			if err != nil {
				return "", err
			}
			conditions = append(conditions, "NOT ("+subQuery+")")

		default:
			// containment match: metadata @> '{"key": value}'
			pair := map[string]any{key: value}
			jsonBytes, err := json.Marshal(pair)
			if err != nil {
				return "", fmt.Errorf("marshal metadata pair: %w", err)
			}
			*args = append(*args, jsonBytes)
			conditions = append(conditions, fmt.Sprintf("metadata @> $%d", len(*args)))
		}
	}

	if len(conditions) == 0 {
		return "TRUE", nil
	}
	return strings.Join(conditions, " AND "), nil
}

// UpdateMetadata merges updates into a document's metadata with the JSONB
// concatenation operator. Existing keys are overwritten.
func (s *Store) UpdateMetadata(ctx context.Context, id string, updates map[string]any) error {
	metadataJSON, err := json.Marshal(updates)
	if err != nil {
		return fmt.Errorf("marshal metadata updates: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET metadata = metadata || $1
		WHERE id = $2
	`, pgx.Identifier{s.tableName}.Sanitize())

	result, err := s.pool.Exec(ctx, query, metadataJSON, id)
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("no document found with id %s", id)
	}
	return nil
}
