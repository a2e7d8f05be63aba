package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no conversation matches the given id.
var ErrNotFound = errors.New("conversation: not found")

// ErrDuplicateExternalSource is returned when an import collides with the
// sparse unique index on (external_source_id, external_source_type).
var ErrDuplicateExternalSource = errors.New("conversation: external source already imported")

// Store is the PostgreSQL-backed conversation and chunk store. Versioned lists
// live in JSONB columns and are mutated append-only; active pointers are plain
// columns swapped in a single statement. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store, verifies connectivity, and ensures the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("conversation store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("conversation store: ping: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("conversation store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool wraps an existing pool without migrating. Used by tests and
// by callers that share one pool across stores.
func NewStoreWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() { s.pool.Close() }

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id        UUID PRIMARY KEY,
			user_id                TEXT NOT NULL,
			client_id              TEXT NOT NULL DEFAULT '',
			audio_chunks_count     INTEGER NOT NULL DEFAULT 0,
			audio_total_duration   DOUBLE PRECISION NOT NULL DEFAULT 0,
			audio_compression_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at           TIMESTAMPTZ,
			end_reason             TEXT NOT NULL DEFAULT 'unknown',
			deleted                BOOLEAN NOT NULL DEFAULT FALSE,
			deletion_reason        TEXT NOT NULL DEFAULT '',
			deleted_at             TIMESTAMPTZ,
			processing_status      TEXT NOT NULL DEFAULT 'pending',
			title                  TEXT NOT NULL DEFAULT '',
			summary                TEXT NOT NULL DEFAULT '',
			detailed_summary       TEXT NOT NULL DEFAULT '',
			transcript_versions    JSONB NOT NULL DEFAULT '[]'::jsonb,
			memory_versions        JSONB NOT NULL DEFAULT '[]'::jsonb,
			active_transcript_version TEXT NOT NULL DEFAULT '',
			active_memory_version  TEXT NOT NULL DEFAULT '',
			external_source_id     TEXT,
			external_source_type   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_user_listing
			ON conversations (user_id, deleted, created_at DESC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS conversations_external_source
			ON conversations (external_source_id, external_source_type)
			WHERE external_source_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS audio_chunks (
			conversation_id UUID NOT NULL,
			chunk_index     INTEGER NOT NULL,
			start_time      DOUBLE PRECISION NOT NULL,
			end_time        DOUBLE PRECISION NOT NULL,
			duration        DOUBLE PRECISION NOT NULL,
			sample_rate     INTEGER NOT NULL,
			channels        INTEGER NOT NULL,
			compressed_size INTEGER NOT NULL,
			original_size   INTEGER NOT NULL,
			data            BYTEA NOT NULL,
			deleted         BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (conversation_id, chunk_index)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const conversationColumns = `conversation_id, user_id, client_id,
	audio_chunks_count, audio_total_duration, audio_compression_ratio,
	created_at, completed_at, end_reason,
	deleted, deletion_reason, deleted_at, processing_status,
	title, summary, detailed_summary,
	transcript_versions, memory_versions,
	active_transcript_version, active_memory_version,
	external_source_id, external_source_type`

// Create inserts a new conversation. External-source collisions surface as
// ErrDuplicateExternalSource so importers can skip re-imports.
func (s *Store) Create(ctx context.Context, c *Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.EndReason == "" {
		c.EndReason = EndUnknown
	}
	if c.ProcessingStatus == "" {
		c.ProcessingStatus = ProcessingPending
	}
	tv, mv, err := marshalVersions(c)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		c.ConversationID, c.UserID, c.ClientID,
		c.AudioChunksCount, c.AudioTotalDuration, c.AudioCompressionRatio,
		c.CreatedAt, nullTime(c.CompletedAt), string(c.EndReason),
		c.Deleted, c.DeletionReason, nullTime(c.DeletedAt), string(c.ProcessingStatus),
		c.Title, c.Summary, c.DetailedSummary,
		tv, mv,
		c.ActiveTranscriptVersion, c.ActiveMemoryVersion,
		nullString(c.ExternalSourceID), nullString(c.ExternalSourceType))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateExternalSource
		}
		return fmt.Errorf("conversation store: create %s: %w", c.ConversationID, err)
	}
	return nil
}

// Get returns one conversation by id, including soft-deleted ones.
func (s *Store) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE conversation_id = $1`,
		conversationID)
	return scanConversation(row)
}

// ListByUser returns the user's non-deleted conversations, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE user_id = $1 AND deleted = FALSE
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("conversation store: list for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendTranscriptVersion appends one version to the JSONB list in a single
// statement; the active pointer is untouched.
func (s *Store) AppendTranscriptVersion(ctx context.Context, conversationID string, v TranscriptVersion) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("conversation store: marshal transcript version: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations
		 SET transcript_versions = transcript_versions || $2::jsonb
		 WHERE conversation_id = $1`,
		conversationID, data)
	if err != nil {
		return fmt.Errorf("conversation store: append transcript version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMemoryVersion appends one memory version; the active pointer is untouched.
func (s *Store) AppendMemoryVersion(ctx context.Context, conversationID string, v MemoryVersion) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("conversation store: marshal memory version: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations
		 SET memory_versions = memory_versions || $2::jsonb
		 WHERE conversation_id = $1`,
		conversationID, data)
	if err != nil {
		return fmt.Errorf("conversation store: append memory version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceTranscriptVersion swaps one element of the transcript version list in
// a single statement, matching on version_id. Used by the speaker-recognition
// job to merge identified speaker labels into a version's segments.
func (s *Store) ReplaceTranscriptVersion(ctx context.Context, conversationID string, v TranscriptVersion) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("conversation store: marshal transcript version: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations
		 SET transcript_versions = (
			SELECT jsonb_agg(CASE WHEN elem->>'version_id' = $2 THEN $3::jsonb ELSE elem END)
			FROM jsonb_array_elements(transcript_versions) elem
		 )
		 WHERE conversation_id = $1
		   AND transcript_versions @> jsonb_build_array(jsonb_build_object('version_id', $2::text))`,
		conversationID, v.VersionID, data)
	if err != nil {
		return fmt.Errorf("conversation store: replace transcript version %s: %w", v.VersionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionNotFound
	}
	return nil
}

// SetActiveTranscriptVersion swaps the active transcript pointer after
// validating that the version exists in the list.
func (s *Store) SetActiveTranscriptVersion(ctx context.Context, conversationID, versionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET active_transcript_version = $2
		 WHERE conversation_id = $1
		   AND transcript_versions @> jsonb_build_array(jsonb_build_object('version_id', $2::text))`,
		conversationID, versionID)
	if err != nil {
		return fmt.Errorf("conversation store: activate transcript %s: %w", versionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionNotFound
	}
	return nil
}

// SetActiveMemoryVersion swaps the active memory pointer after validating
// that the version exists in the list.
func (s *Store) SetActiveMemoryVersion(ctx context.Context, conversationID, versionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET active_memory_version = $2
		 WHERE conversation_id = $1
		   AND memory_versions @> jsonb_build_array(jsonb_build_object('version_id', $2::text))`,
		conversationID, versionID)
	if err != nil {
		return fmt.Errorf("conversation store: activate memory %s: %w", versionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionNotFound
	}
	return nil
}

// SetDerivedText updates title, summary and detailed summary.
func (s *Store) SetDerivedText(ctx context.Context, conversationID, title, summary, detailed string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET title = $2, summary = $3, detailed_summary = $4
		 WHERE conversation_id = $1`,
		conversationID, title, summary, detailed)
	if err != nil {
		return fmt.Errorf("conversation store: set derived text: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCompleted records session end with its reason.
func (s *Store) SetCompleted(ctx context.Context, conversationID string, reason EndReason) error {
	if !reason.IsValid() {
		reason = EndUnknown
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET completed_at = now(), end_reason = $2
		 WHERE conversation_id = $1`,
		conversationID, string(reason))
	if err != nil {
		return fmt.Errorf("conversation store: complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProcessingStatus updates the pipeline progress field.
func (s *Store) SetProcessingStatus(ctx context.Context, conversationID string, status ProcessingStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET processing_status = $2 WHERE conversation_id = $1`,
		conversationID, string(status))
	if err != nil {
		return fmt.Errorf("conversation store: set processing status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAudioMeta records chunk count, total duration, and compression ratio.
func (s *Store) SetAudioMeta(ctx context.Context, conversationID string, chunks int, duration, ratio float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations
		 SET audio_chunks_count = $2, audio_total_duration = $3, audio_compression_ratio = $4
		 WHERE conversation_id = $1`,
		conversationID, chunks, duration, ratio)
	if err != nil {
		return fmt.Errorf("conversation store: set audio meta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks the conversation and its chunks deleted; versions are kept.
func (s *Store) SoftDelete(ctx context.Context, conversationID, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation store: begin soft delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE conversations SET deleted = TRUE, deletion_reason = $2, deleted_at = now()
		 WHERE conversation_id = $1`,
		conversationID, reason)
	if err != nil {
		return fmt.Errorf("conversation store: soft delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`UPDATE audio_chunks SET deleted = TRUE WHERE conversation_id = $1`,
		conversationID); err != nil {
		return fmt.Errorf("conversation store: soft delete chunks: %w", err)
	}
	return tx.Commit(ctx)
}

// Restore undoes a soft delete on the conversation and its chunks.
func (s *Store) Restore(ctx context.Context, conversationID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation store: begin restore: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE conversations SET deleted = FALSE, deletion_reason = '', deleted_at = NULL
		 WHERE conversation_id = $1`,
		conversationID)
	if err != nil {
		return fmt.Errorf("conversation store: restore: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`UPDATE audio_chunks SET deleted = FALSE WHERE conversation_id = $1`,
		conversationID); err != nil {
		return fmt.Errorf("conversation store: restore chunks: %w", err)
	}
	return tx.Commit(ctx)
}

// HardDelete removes the conversation document and cascades chunk removal.
// Admin-only at the calling layer.
func (s *Store) HardDelete(ctx context.Context, conversationID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation store: begin hard delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM audio_chunks WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("conversation store: delete chunks: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM conversations WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return fmt.Errorf("conversation store: hard delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// InsertChunks stores opus chunks for a conversation.
func (s *Store) InsertChunks(ctx context.Context, chunks []AudioChunk) error {
	for _, ch := range chunks {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO audio_chunks (conversation_id, chunk_index, start_time, end_time,
				duration, sample_rate, channels, compressed_size, original_size, data)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			 ON CONFLICT (conversation_id, chunk_index) DO NOTHING`,
			ch.ConversationID, ch.ChunkIndex, ch.StartTime, ch.EndTime,
			ch.Duration, ch.SampleRate, ch.Channels, ch.CompressedSize, ch.OriginalSize, ch.Data)
		if err != nil {
			return fmt.Errorf("conversation store: insert chunk %d: %w", ch.ChunkIndex, err)
		}
	}
	return nil
}

// Chunks returns the conversation's non-deleted chunks in index order.
func (s *Store) Chunks(ctx context.Context, conversationID string) ([]AudioChunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id, chunk_index, start_time, end_time, duration,
			sample_rate, channels, compressed_size, original_size, data, deleted
		 FROM audio_chunks
		 WHERE conversation_id = $1 AND deleted = FALSE
		 ORDER BY chunk_index`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation store: chunks for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var out []AudioChunk
	for rows.Next() {
		var ch AudioChunk
		if err := rows.Scan(&ch.ConversationID, &ch.ChunkIndex, &ch.StartTime, &ch.EndTime,
			&ch.Duration, &ch.SampleRate, &ch.Channels, &ch.CompressedSize, &ch.OriginalSize,
			&ch.Data, &ch.Deleted); err != nil {
			return nil, fmt.Errorf("conversation store: scan chunk: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// ─── scan helpers ────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c               Conversation
		completedAt     *time.Time
		deletedAt       *time.Time
		endReason       string
		status          string
		tvJSON, mvJSON  []byte
		extID, extType  *string
	)
	err := row.Scan(&c.ConversationID, &c.UserID, &c.ClientID,
		&c.AudioChunksCount, &c.AudioTotalDuration, &c.AudioCompressionRatio,
		&c.CreatedAt, &completedAt, &endReason,
		&c.Deleted, &c.DeletionReason, &deletedAt, &status,
		&c.Title, &c.Summary, &c.DetailedSummary,
		&tvJSON, &mvJSON,
		&c.ActiveTranscriptVersion, &c.ActiveMemoryVersion,
		&extID, &extType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation store: scan: %w", err)
	}

	c.EndReason = EndReason(endReason)
	c.ProcessingStatus = ProcessingStatus(status)
	if completedAt != nil {
		c.CompletedAt = *completedAt
	}
	if deletedAt != nil {
		c.DeletedAt = *deletedAt
	}
	if extID != nil {
		c.ExternalSourceID = *extID
	}
	if extType != nil {
		c.ExternalSourceType = *extType
	}
	if err := json.Unmarshal(tvJSON, &c.TranscriptVersions); err != nil {
		return nil, fmt.Errorf("conversation store: decode transcript versions: %w", err)
	}
	if err := json.Unmarshal(mvJSON, &c.MemoryVersions); err != nil {
		return nil, fmt.Errorf("conversation store: decode memory versions: %w", err)
	}
	return &c, nil
}

func marshalVersions(c *Conversation) ([]byte, []byte, error) {
	tvs := c.TranscriptVersions
	if tvs == nil {
		tvs = []TranscriptVersion{}
	}
	mvs := c.MemoryVersions
	if mvs == nil {
		mvs = []MemoryVersion{}
	}
	tv, err := json.Marshal(tvs)
	if err != nil {
		return nil, nil, fmt.Errorf("conversation store: marshal transcript versions: %w", err)
	}
	mv, err := json.Marshal(mvs)
	if err != nil {
		return nil, nil, fmt.Errorf("conversation store: marshal memory versions: %w", err)
	}
	return tv, mv, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
