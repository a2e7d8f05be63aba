// Package mock provides an in-memory test double for the memory store.
//
// The mock records every method call for assertion in tests and actually
// stores inserted memories so list and delete behaviour can be exercised
// without a database. Semantic search returns memories in insertion order
// with zero distance; distance math belongs to the real backend. Safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := mock.NewStore()
//	// inject store into the system under test …
//
//	if got := store.CallCount("Insert"); got != 1 {
//	    t.Errorf("expected 1 Insert call, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/chroniclehq/chronicle/pkg/memory"
	"github.com/chroniclehq/chronicle/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Compile-time interface check.
var _ memory.Store = (*Store)(nil)

// Store is a configurable in-memory test double for [memory.Store].
// All exported *Err fields default to nil (success).
type Store struct {
	mu sync.Mutex

	calls    []Call
	memories []types.Memory

	// InsertErr is returned by Insert and ReplaceForConversation when non-nil.
	InsertErr error

	// ListErr is returned by ListByUser, SearchSemantic, and SearchText when
	// non-nil.
	ListErr error

	// DeleteErr is returned by DeleteByConversation when non-nil.
	DeleteErr error
}

// NewStore creates an empty mock store.
func NewStore() *Store {
	return &Store{}
}

// Insert implements [memory.Store].
func (s *Store) Insert(_ context.Context, memories []types.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "Insert", Args: []any{memories}})
	if s.InsertErr != nil {
		return s.InsertErr
	}
	for _, m := range memories {
		s.upsertLocked(m)
	}
	return nil
}

// ReplaceForConversation implements [memory.Store].
func (s *Store) ReplaceForConversation(_ context.Context, conversationID string, memories []types.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "ReplaceForConversation", Args: []any{conversationID, memories}})
	if s.InsertErr != nil {
		return s.InsertErr
	}
	s.memories = slices.DeleteFunc(s.memories, func(m types.Memory) bool {
		return m.ConversationID == conversationID
	})
	s.memories = append(s.memories, memories...)
	return nil
}

// ListByUser implements [memory.Store].
func (s *Store) ListByUser(_ context.Context, userID string, opts ...memory.QueryOpt) ([]types.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "ListByUser", Args: []any{userID}})
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	params := memory.ApplyQueryOpts(opts)
	out := []types.Memory{}
	for _, m := range s.memories {
		if m.UserID != userID {
			continue
		}
		if params.Category != "" && m.Category != params.Category {
			continue
		}
		if params.ConversationID != "" && m.ConversationID != params.ConversationID {
			continue
		}
		if !params.Since.IsZero() && !m.CreatedAt.After(params.Since) {
			continue
		}
		out = append(out, m)
		if params.Limit > 0 && len(out) == params.Limit {
			break
		}
	}
	return out, nil
}

// SearchSemantic implements [memory.Store]. Distances are always zero.
func (s *Store) SearchSemantic(_ context.Context, userID string, _ []float32, topK int) ([]memory.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "SearchSemantic", Args: []any{userID, topK}})
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	out := []memory.SearchResult{}
	for _, m := range s.memories {
		if m.UserID != userID || m.Embedding == nil {
			continue
		}
		out = append(out, memory.SearchResult{Memory: m})
		if topK > 0 && len(out) == topK {
			break
		}
	}
	return out, nil
}

// SearchText implements [memory.Store] with a naive substring match.
func (s *Store) SearchText(_ context.Context, userID, query string, limit int) ([]types.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "SearchText", Args: []any{userID, query}})
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	out := []types.Memory{}
	for _, m := range s.memories {
		if m.UserID != userID {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(m.Content), strings.ToLower(query)) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// DeleteByConversation implements [memory.Store].
func (s *Store) DeleteByConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "DeleteByConversation", Args: []any{conversationID}})
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	s.memories = slices.DeleteFunc(s.memories, func(m types.Memory) bool {
		return m.ConversationID == conversationID
	})
	return nil
}

// All returns a copy of every stored memory, in insertion order. Thread-safe.
func (s *Store) All() []types.Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.memories)
}

// CallCount returns how many times the named method was invoked. Thread-safe.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears stored memories and recorded calls. Thread-safe.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.memories = nil
}

func (s *Store) upsertLocked(m types.Memory) {
	for i := range s.memories {
		if s.memories[i].ID == m.ID {
			s.memories[i] = m
			return
		}
	}
	s.memories = append(s.memories, m)
}
