// Package types defines the shared types used across all Chronicle packages.
//
// These types form the lingua franca between the audio session plane, the
// streaming ASR consumer, the post-conversation jobs, and the plugin router.
// They are intentionally minimal — each package defines its own domain types,
// but cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Word holds per-word metadata from STT providers that support it.
// Start and End are seconds from the beginning of the audio; every provider's
// native timing fields are canonicalized into this shape before results leave
// the streaming consumer.
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence,omitempty"`

	// Speaker is the diarization label for this word, if the provider emits one.
	// Empty means the provider did not attribute the word.
	Speaker string `json:"speaker,omitempty"`
}

// Segment is a contiguous run of words attributed to a single speaker.
// Segments are built by grouping consecutive words with the same speaker label;
// unattributed runs carry the speaker label "Unknown".
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
	Words   []Word  `json:"words,omitempty"`
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string `json:"text"`

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool `json:"is_final"`

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64 `json:"confidence,omitempty"`

	// Words contains per-word detail when available. May be nil for providers
	// that don't support word-level output.
	Words []Word `json:"words,omitempty"`

	// Segments contains speaker-attributed runs when diarization is available.
	Segments []Segment `json:"segments,omitempty"`

	// SpeakerName is the identified speaker for this result when per-window
	// speaker identification ran against the speaker-recognition service.
	SpeakerName string `json:"speaker_name,omitempty"`

	// SpeakerConfidence is the identification confidence for SpeakerName.
	SpeakerConfidence float64 `json:"speaker_confidence,omitempty"`

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration `json:"-"`
}

// Memory is a single extracted memory: a discrete, durable fact or moment
// pulled out of a conversation transcript.
type Memory struct {
	// ID is the memory's unique identifier.
	ID string

	// UserID is the owning user.
	UserID string

	// ConversationID links the memory back to its source conversation.
	ConversationID string

	// Content is the memory text.
	Content string

	// Category is a coarse classification (e.g., "fact", "event", "preference").
	Category string

	// Embedding is the vector representation of Content, produced by the
	// configured embeddings provider. May be nil when embeddings are disabled.
	Embedding []float32

	// CreatedAt is when the memory was extracted.
	CreatedAt time.Time
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name optionally identifies the author of the message.
	Name string

	// ToolCallID links a "tool" role message to the tool call it responds to.
	ToolCallID string

	// ToolCalls contains tool invocations requested by an "assistant" message.
	ToolCalls []ToolCall
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// KeywordBoost represents a keyword to boost in STT recognition.
// Used to improve recognition of uncommon proper nouns such as enrolled
// speaker names and user-defined vocabulary.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., a speaker's name).
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
