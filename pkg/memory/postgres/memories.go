package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/chroniclehq/chronicle/pkg/memory"
	"github.com/chroniclehq/chronicle/pkg/types"
)

const defaultListLimit = 100

// Insert implements [memory.Store]. Memories with an existing ID are replaced
// so re-running an extraction stays idempotent.
func (s *Store) Insert(ctx context.Context, memories []types.Memory) error {
	if len(memories) == 0 {
		return nil
	}
	const q = `
		INSERT INTO memories
		    (id, user_id, conversation_id, content, category, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		    user_id         = EXCLUDED.user_id,
		    conversation_id = EXCLUDED.conversation_id,
		    content         = EXCLUDED.content,
		    category        = EXCLUDED.category,
		    embedding       = EXCLUDED.embedding,
		    created_at      = EXCLUDED.created_at`

	batch := &pgx.Batch{}
	for _, m := range memories {
		batch.Queue(q, m.ID, m.UserID, m.ConversationID, m.Content, m.Category, embeddingArg(m.Embedding), m.CreatedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("memory store: insert: %w", err)
	}
	return nil
}

// ReplaceForConversation implements [memory.Store]. Delete and insert run in
// one transaction so a failed rerun never leaves a partial mix.
func (s *Store) ReplaceForConversation(ctx context.Context, conversationID string, memories []types.Memory) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("memory store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM memories WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("memory store: delete old memories: %w", err)
	}

	const q = `
		INSERT INTO memories
		    (id, user_id, conversation_id, content, category, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for _, m := range memories {
		if _, err := tx.Exec(ctx, q, m.ID, m.UserID, m.ConversationID, m.Content, m.Category, embeddingArg(m.Embedding), m.CreatedAt); err != nil {
			return fmt.Errorf("memory store: insert memory %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("memory store: commit: %w", err)
	}
	return nil
}

// ListByUser implements [memory.Store].
func (s *Store) ListByUser(ctx context.Context, userID string, opts ...memory.QueryOpt) ([]types.Memory, error) {
	params := memory.ApplyQueryOpts(opts)

	args := []any{userID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"user_id = $1"}
	if params.Category != "" {
		conditions = append(conditions, "category = "+next(params.Category))
	}
	if params.ConversationID != "" {
		conditions = append(conditions, "conversation_id = "+next(params.ConversationID))
	}
	if !params.Since.IsZero() {
		conditions = append(conditions, "created_at > "+next(params.Since))
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT id, user_id, conversation_id, content, category, embedding, created_at
		FROM   memories
		WHERE  %s
		ORDER  BY created_at DESC
		LIMIT  $%d`, strings.Join(conditions, "\n  AND "), len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory store: list: %w", err)
	}
	results, err := pgx.CollectRows(rows, scanMemory)
	if err != nil {
		return nil, fmt.Errorf("memory store: scan rows: %w", err)
	}
	if results == nil {
		results = []types.Memory{}
	}
	return results, nil
}

// SearchSemantic implements [memory.Store]. Results are ordered by ascending
// cosine distance (most similar first).
func (s *Store) SearchSemantic(ctx context.Context, userID string, embedding []float32, topK int) ([]memory.SearchResult, error) {
	const q = `
		SELECT id, user_id, conversation_id, content, category, embedding, created_at,
		       embedding <=> $1 AS distance
		FROM   memories
		WHERE  user_id = $2
		  AND  embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), userID, topK)
	if err != nil {
		return nil, fmt.Errorf("memory store: semantic search: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.SearchResult, error) {
		var (
			sr  memory.SearchResult
			vec *pgvector.Vector
		)
		if err := row.Scan(
			&sr.Memory.ID,
			&sr.Memory.UserID,
			&sr.Memory.ConversationID,
			&sr.Memory.Content,
			&sr.Memory.Category,
			&vec,
			&sr.Memory.CreatedAt,
			&sr.Distance,
		); err != nil {
			return memory.SearchResult{}, err
		}
		if vec != nil {
			sr.Memory.Embedding = vec.Slice()
		}
		return sr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory store: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.SearchResult{}
	}
	return results, nil
}

// SearchText implements [memory.Store] using PostgreSQL full-text search
// ranked by ts_rank.
func (s *Store) SearchText(ctx context.Context, userID, query string, limit int) ([]types.Memory, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	const q = `
		SELECT id, user_id, conversation_id, content, category, embedding, created_at
		FROM   memories
		WHERE  user_id = $1
		  AND  to_tsvector('english', content) @@ plainto_tsquery('english', $2)
		ORDER  BY ts_rank(to_tsvector('english', content), plainto_tsquery('english', $2)) DESC
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, userID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("memory store: text search: %w", err)
	}
	results, err := pgx.CollectRows(rows, scanMemory)
	if err != nil {
		return nil, fmt.Errorf("memory store: scan rows: %w", err)
	}
	if results == nil {
		results = []types.Memory{}
	}
	return results, nil
}

// DeleteByConversation implements [memory.Store].
func (s *Store) DeleteByConversation(ctx context.Context, conversationID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("memory store: delete by conversation: %w", err)
	}
	return nil
}

// embeddingArg maps a nil embedding to SQL NULL so memories extracted without
// an embedding provider still store cleanly.
func embeddingArg(embedding []float32) any {
	if embedding == nil {
		return nil
	}
	return pgvector.NewVector(embedding)
}

func scanMemory(row pgx.CollectableRow) (types.Memory, error) {
	var (
		m   types.Memory
		vec *pgvector.Vector
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.ConversationID, &m.Content, &m.Category, &vec, &m.CreatedAt); err != nil {
		return types.Memory{}, err
	}
	if vec != nil {
		m.Embedding = vec.Slice()
	}
	return m, nil
}
