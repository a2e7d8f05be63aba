// Package memory defines the storage interface for extracted conversation
// memories.
//
// Memories are discrete facts and moments the memory-extraction job pulls out
// of a finished conversation's transcript. Each memory carries an embedding
// vector so retrieval can be semantic (pgvector cosine distance) as well as
// keyword-based (full-text search). The interface is public so alternative
// backends can be supplied without depending on Chronicle internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"

	"github.com/chroniclehq/chronicle/pkg/types"
)

// SearchResult pairs a retrieved memory with its vector-space distance from
// the query embedding. Lower Distance values indicate higher similarity.
type SearchResult struct {
	Memory types.Memory

	// Distance is the cosine distance to the query embedding.
	Distance float64
}

// queryOptions accumulates options for [Store.ListByUser].
// Unexported — callers configure it via [QueryOpt] functional options.
type queryOptions struct {
	category       string
	conversationID string
	since          time.Time
	limit          int
}

// QueryOpt is a functional option for [Store.ListByUser].
type QueryOpt func(*queryOptions)

// WithCategory restricts results to memories of the given category
// (e.g. "fact", "event", "preference").
func WithCategory(category string) QueryOpt {
	return func(o *queryOptions) { o.category = category }
}

// WithConversation restricts results to memories extracted from one
// conversation.
func WithConversation(conversationID string) QueryOpt {
	return func(o *queryOptions) { o.conversationID = conversationID }
}

// WithSince filters memories created after the given instant (exclusive).
func WithSince(t time.Time) QueryOpt {
	return func(o *queryOptions) { o.since = t }
}

// WithLimit caps the number of results returned.
// A value of 0 means the implementation may apply its own default.
func WithLimit(n int) QueryOpt {
	return func(o *queryOptions) { o.limit = n }
}

// QueryParams holds the resolved parameters from a slice of [QueryOpt]. This
// helper allows storage backends to read the option values without accessing
// the unexported options type directly.
type QueryParams struct {
	Category       string
	ConversationID string
	Since          time.Time
	Limit          int
}

// ApplyQueryOpts applies a slice of [QueryOpt] functional options and returns
// the resolved parameters.
func ApplyQueryOpts(opts []QueryOpt) QueryParams {
	o := &queryOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return QueryParams{
		Category:       o.category,
		ConversationID: o.conversationID,
		Since:          o.since,
		Limit:          o.limit,
	}
}

// Store persists extracted memories and serves retrieval queries.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Insert stores a batch of memories. Memories with an existing ID are
	// replaced (upsert), which keeps re-running an extraction idempotent.
	Insert(ctx context.Context, memories []types.Memory) error

	// ReplaceForConversation atomically deletes every memory previously
	// extracted from conversationID and inserts the new set. Reprocessing a
	// conversation's transcript routes through this so a half-failed rerun
	// never leaves a mix of old and new memories.
	ReplaceForConversation(ctx context.Context, conversationID string, memories []types.Memory) error

	// ListByUser returns the user's memories, newest first, refined by opts.
	// Returns an empty (non-nil) slice when no memories match.
	ListByUser(ctx context.Context, userID string, opts ...QueryOpt) ([]types.Memory, error)

	// SearchSemantic finds the topK memories belonging to userID whose
	// embeddings are closest (cosine distance) to the query embedding.
	// Results are ordered by ascending distance (most similar first).
	// Returns an empty (non-nil) slice when the user has no embedded memories.
	SearchSemantic(ctx context.Context, userID string, embedding []float32, topK int) ([]SearchResult, error)

	// SearchText performs full-text search over memory content for userID.
	// Used as the retrieval fallback when no embedding provider is configured.
	// Returns an empty (non-nil) slice when nothing matches.
	SearchText(ctx context.Context, userID, query string, limit int) ([]types.Memory, error)

	// DeleteByConversation removes every memory extracted from the given
	// conversation. Deleting a conversation with no memories is not an error.
	DeleteByConversation(ctx context.Context, conversationID string) error
}
