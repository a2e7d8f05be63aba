package streaming

import (
	"context"
	"strings"
)

// UserResolver maps a client device to its owning user and that user's
// configured primary speakers. The streaming consumer needs both before it can
// dispatch transcript events to plugins.
type UserResolver interface {
	// ResolveUser returns the user id for a client and the user's primary
	// speaker names (possibly empty). An unknown client returns an empty user
	// id and no error.
	ResolveUser(ctx context.Context, clientID string) (userID string, primarySpeakers []string, err error)
}

// allowDispatch applies primary-speaker gating: when the user has configured
// primary speakers and a speaker was identified, the event goes through only
// if the identified name is in the primary list (case-insensitive, trimmed).
// Absent identification never blocks dispatch.
func allowDispatch(primarySpeakers []string, identifiedSpeaker string) bool {
	if len(primarySpeakers) == 0 {
		return true
	}
	name := strings.ToLower(strings.TrimSpace(identifiedSpeaker))
	if name == "" {
		return true
	}
	for _, p := range primarySpeakers {
		if strings.ToLower(strings.TrimSpace(p)) == name {
			return true
		}
	}
	return false
}
