// Package conversation defines Chronicle's versioned conversation data model
// and its PostgreSQL persistence. A conversation is the primary unit of
// user-visible processing: pipeline stages append transcript and memory
// versions and swap active pointers, but never overwrite each other's fields.
package conversation

import (
	"errors"
	"fmt"
	"time"

	"github.com/chroniclehq/chronicle/pkg/types"
)

// EndReason records why a conversation stopped receiving audio.
type EndReason string

const (
	EndUserStopped         EndReason = "user_stopped"
	EndInactivityTimeout   EndReason = "inactivity_timeout"
	EndWebsocketDisconnect EndReason = "websocket_disconnect"
	EndMaxDuration         EndReason = "max_duration"
	EndCloseRequested      EndReason = "close_requested"
	EndError               EndReason = "error"
	EndUnknown             EndReason = "unknown"
)

// IsValid reports whether r is a recognised end reason.
func (r EndReason) IsValid() bool {
	switch r {
	case EndUserStopped, EndInactivityTimeout, EndWebsocketDisconnect,
		EndMaxDuration, EndCloseRequested, EndError, EndUnknown:
		return true
	}
	return false
}

// ProcessingStatus tracks the post-conversation pipeline's progress.
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingInProgress ProcessingStatus = "in_progress"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

// TranscriptVersion is one run of transcription over the conversation's audio.
type TranscriptVersion struct {
	VersionID             string            `json:"version_id"`
	TranscriptText        string            `json:"transcript_text"`
	Words                 []types.Word      `json:"words,omitempty"`
	Segments              []types.Segment   `json:"segments,omitempty"`
	Provider              string            `json:"provider"`
	Model                 string            `json:"model,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	ProcessingTimeSeconds float64           `json:"processing_time_seconds,omitempty"`
	DiarizationSource     string            `json:"diarization_source,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// MemoryVersion is one run of memory extraction over a specific transcript version.
type MemoryVersion struct {
	VersionID             string            `json:"version_id"`
	MemoryCount           int               `json:"memory_count"`
	TranscriptVersionID   string            `json:"transcript_version_id"`
	Provider              string            `json:"provider"`
	Model                 string            `json:"model,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	ProcessingTimeSeconds float64           `json:"processing_time_seconds,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// Conversation is the versioned document the pipeline mutates.
type Conversation struct {
	ConversationID string
	UserID         string
	ClientID       string

	AudioChunksCount      int
	AudioTotalDuration    float64
	AudioCompressionRatio float64

	CreatedAt        time.Time
	CompletedAt      time.Time
	EndReason        EndReason
	Deleted          bool
	DeletionReason   string
	DeletedAt        time.Time
	ProcessingStatus ProcessingStatus

	Title           string
	Summary         string
	DetailedSummary string

	TranscriptVersions []TranscriptVersion
	MemoryVersions     []MemoryVersion

	ActiveTranscriptVersion string
	ActiveMemoryVersion     string

	ExternalSourceID   string
	ExternalSourceType string
}

// ErrVersionNotFound is returned when an activation targets a version id that
// is not present in the corresponding list.
var ErrVersionNotFound = errors.New("conversation: version not found")

// TranscriptVersion returns the version with the given id, or nil.
func (c *Conversation) TranscriptVersion(versionID string) *TranscriptVersion {
	for i := range c.TranscriptVersions {
		if c.TranscriptVersions[i].VersionID == versionID {
			return &c.TranscriptVersions[i]
		}
	}
	return nil
}

// MemoryVersion returns the version with the given id, or nil.
func (c *Conversation) MemoryVersion(versionID string) *MemoryVersion {
	for i := range c.MemoryVersions {
		if c.MemoryVersions[i].VersionID == versionID {
			return &c.MemoryVersions[i]
		}
	}
	return nil
}

// ActiveTranscript returns the transcript version the active pointer names,
// or nil when the pointer is unset.
func (c *Conversation) ActiveTranscript() *TranscriptVersion {
	if c.ActiveTranscriptVersion == "" {
		return nil
	}
	return c.TranscriptVersion(c.ActiveTranscriptVersion)
}

// ActiveMemory returns the memory version the active pointer names, or nil.
func (c *Conversation) ActiveMemory() *MemoryVersion {
	if c.ActiveMemoryVersion == "" {
		return nil
	}
	return c.MemoryVersion(c.ActiveMemoryVersion)
}

// SegmentCount is the recomputed view over the active transcript's segments.
func (c *Conversation) SegmentCount() int {
	if v := c.ActiveTranscript(); v != nil {
		return len(v.Segments)
	}
	return 0
}

// MemoryCount is the recomputed view over the active memory version.
func (c *Conversation) MemoryCount() int {
	if v := c.ActiveMemory(); v != nil {
		return v.MemoryCount
	}
	return 0
}

// Validate checks the version-pointer invariants: each active pointer is empty
// or names a present version, and every memory version references a present
// transcript version.
func (c *Conversation) Validate() error {
	if c.ActiveTranscriptVersion != "" && c.TranscriptVersion(c.ActiveTranscriptVersion) == nil {
		return fmt.Errorf("active transcript pointer %q: %w", c.ActiveTranscriptVersion, ErrVersionNotFound)
	}
	if c.ActiveMemoryVersion != "" {
		mv := c.MemoryVersion(c.ActiveMemoryVersion)
		if mv == nil {
			return fmt.Errorf("active memory pointer %q: %w", c.ActiveMemoryVersion, ErrVersionNotFound)
		}
		if mv.TranscriptVersionID != "" && c.TranscriptVersion(mv.TranscriptVersionID) == nil {
			return fmt.Errorf("memory version %q references transcript %q: %w",
				mv.VersionID, mv.TranscriptVersionID, ErrVersionNotFound)
		}
	}
	return nil
}

// AudioChunk is a 10-second opus-encoded span of a conversation's audio.
type AudioChunk struct {
	ConversationID string
	ChunkIndex     int
	StartTime      float64
	EndTime        float64
	Duration       float64
	SampleRate     int
	Channels       int
	CompressedSize int
	OriginalSize   int
	Data           []byte
	Deleted        bool
}
