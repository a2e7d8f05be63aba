// Package pipeline builds and runs Chronicle's job graphs: the session-level
// streaming jobs enqueued at socket attach, the post-conversation DAG
// (speaker recognition, memory extraction, title/summary, event dispatch),
// reprocessing flows, and the job-control operations the API surface calls.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chroniclehq/chronicle/internal/conversation"
	"github.com/chroniclehq/chronicle/internal/kv"
	"github.com/chroniclehq/chronicle/internal/queue"
)

// Per-role timeout policy. Streaming session jobs run up to the session
// ceiling; post-conversation jobs are bounded per stage.
const (
	TimeoutTranscribe   = 1800 * time.Second
	TimeoutSpeaker      = 1200 * time.Second
	TimeoutMemory       = 900 * time.Second
	TimeoutTitleSummary = 300 * time.Second
	TimeoutEvent        = 120 * time.Second
)

// ErrNoAudioChunks is returned when transcript reprocessing is requested for a
// conversation without stored audio.
var ErrNoAudioChunks = errors.New("pipeline: conversation has no audio chunks")

// ConversationStore is the slice of the conversation store the orchestrator
// and job handlers use.
type ConversationStore interface {
	Get(ctx context.Context, conversationID string) (*conversation.Conversation, error)
	AppendTranscriptVersion(ctx context.Context, conversationID string, v conversation.TranscriptVersion) error
	ReplaceTranscriptVersion(ctx context.Context, conversationID string, v conversation.TranscriptVersion) error
	AppendMemoryVersion(ctx context.Context, conversationID string, v conversation.MemoryVersion) error
	SetActiveTranscriptVersion(ctx context.Context, conversationID, versionID string) error
	SetActiveMemoryVersion(ctx context.Context, conversationID, versionID string) error
	SetDerivedText(ctx context.Context, conversationID, title, summary, detailed string) error
	SetProcessingStatus(ctx context.Context, conversationID string, status conversation.ProcessingStatus) error
	Chunks(ctx context.Context, conversationID string) ([]conversation.AudioChunk, error)
	InsertChunks(ctx context.Context, chunks []conversation.AudioChunk) error
	SetAudioMeta(ctx context.Context, conversationID string, chunks int, duration, ratio float64) error
	SoftDelete(ctx context.Context, conversationID, reason string) error
	Restore(ctx context.Context, conversationID string) error
	HardDelete(ctx context.Context, conversationID string) error
}

// Orchestrator wires conversations into job DAGs. It owns no mutable state of
// its own: everything lives in the queue records and the conversation store.
type Orchestrator struct {
	jobs           *queue.Client
	rdb            *redis.Client
	store          ConversationStore
	speakerEnabled bool
}

// NewOrchestrator creates an orchestrator. speakerEnabled mirrors the
// speaker_recognition.enabled configuration flag.
func NewOrchestrator(jobs *queue.Client, rdb *redis.Client, store ConversationStore, speakerEnabled bool) *Orchestrator {
	return &Orchestrator{jobs: jobs, rdb: rdb, store: store, speakerEnabled: speakerEnabled}
}

// StreamingJobs holds the two session-level jobs created at socket attach.
type StreamingJobs struct {
	SpeechDetection  *queue.Job
	AudioPersistence *queue.Job
}

// StartStreamingJobs enqueues the independent session-level jobs: speech
// detection on the transcription queue and audio persistence on the audio
// queue. The speech-detection job id is recorded under a client-scoped key for
// fast lookup during finalization.
func (o *Orchestrator) StartStreamingJobs(ctx context.Context, sessionID, userID, clientID string) (*StreamingJobs, error) {
	meta := map[string]string{
		"session_level": "true",
		"session_id":    sessionID,
		"user_id":       userID,
		"client_id":     clientID,
	}
	args := map[string]any{"session_id": sessionID, "user_id": userID, "client_id": clientID}

	speech, err := o.jobs.Enqueue(ctx, queue.EnqueueOptions{
		Queue:       queue.QueueTranscription,
		Role:        queue.RoleSpeechDetection,
		JobID:       "speech_detection_" + clientID,
		Args:        args,
		Timeout:     queue.SessionTimeout,
		Meta:        meta,
		Description: "session speech detection for " + clientID,
	})
	if err != nil {
		return nil, err
	}
	persist, err := o.jobs.Enqueue(ctx, queue.EnqueueOptions{
		Queue:       queue.QueueAudio,
		Role:        queue.RoleAudioPersistence,
		JobID:       "audio_persistence_" + clientID,
		Args:        args,
		Timeout:     queue.SessionTimeout,
		Meta:        meta,
		Description: "session audio persistence for " + clientID,
	})
	if err != nil {
		return nil, err
	}

	err = o.rdb.Set(ctx, kv.SpeechDetectionJob(clientID), speech.ID, kv.SpeechDetectionTTL).Err()
	if err != nil {
		return nil, fmt.Errorf("pipeline: record speech detection job: %w", err)
	}
	return &StreamingJobs{SpeechDetection: speech, AudioPersistence: persist}, nil
}

// PostConversationParams configures the post-conversation DAG.
type PostConversationParams struct {
	ConversationID      string
	UserID              string
	ClientID            string
	TranscriptVersionID string

	// DependsOnJob optionally roots the DAG on an upstream job, typically a
	// batch transcription for file uploads. Streaming sessions leave it empty:
	// the streaming transcript is the source of truth.
	DependsOnJob string
}

// PostConversationJobs holds the enqueued DAG. SpeakerRecognition is nil when
// the speaker stage is disabled.
type PostConversationJobs struct {
	SpeakerRecognition *queue.Job
	Memory             *queue.Job
	TitleSummary       *queue.Job
	EventDispatch      *queue.Job
}

// StartPostConversationJobs wires the standard DAG: the optional speaker
// stage feeds memory and title/summary in parallel, and event dispatch waits
// on both so plugins always see populated summaries and memory counts.
func (o *Orchestrator) StartPostConversationJobs(ctx context.Context, p PostConversationParams) (*PostConversationJobs, error) {
	if p.ConversationID == "" {
		return nil, errors.New("pipeline: conversation id required")
	}
	cid := shortID(p.ConversationID, 12)
	meta := map[string]string{
		"conversation_id": p.ConversationID,
		"user_id":         p.UserID,
		"client_id":       p.ClientID,
	}
	args := map[string]any{
		"conversation_id":       p.ConversationID,
		"user_id":               p.UserID,
		"transcript_version_id": p.TranscriptVersionID,
	}

	var root []string
	if p.DependsOnJob != "" {
		root = []string{p.DependsOnJob}
	}

	out := &PostConversationJobs{}
	downstreamDeps := root
	if o.speakerEnabled {
		speaker, err := o.jobs.Enqueue(ctx, queue.EnqueueOptions{
			Queue:       queue.QueueTranscription,
			Role:        queue.RoleSpeakerRecognition,
			JobID:       "speaker_" + cid,
			Args:        args,
			Timeout:     TimeoutSpeaker,
			DependsOn:   root,
			Meta:        meta,
			Description: "speaker recognition for " + p.ConversationID,
		})
		if err != nil {
			return nil, err
		}
		out.SpeakerRecognition = speaker
		downstreamDeps = []string{speaker.ID}
	}

	memoryJob, err := o.jobs.Enqueue(ctx, queue.EnqueueOptions{
		Queue:       queue.QueueMemory,
		Role:        queue.RoleMemory,
		JobID:       "memory_" + cid,
		Args:        args,
		Timeout:     TimeoutMemory,
		DependsOn:   downstreamDeps,
		Meta:        meta,
		Description: "memory extraction for " + p.ConversationID,
	})
	if err != nil {
		return nil, err
	}
	out.Memory = memoryJob

	titleJob, err := o.jobs.Enqueue(ctx, queue.EnqueueOptions{
		Queue:       queue.QueueDefault,
		Role:        queue.RoleTitleSummary,
		JobID:       "title_summary_" + cid,
		Args:        args,
		Timeout:     TimeoutTitleSummary,
		DependsOn:   downstreamDeps,
		Meta:        meta,
		Description: "title and summary for " + p.ConversationID,
	})
	if err != nil {
		return nil, err
	}
	out.TitleSummary = titleJob

	eventJob, err := o.jobs.Enqueue(ctx, queue.EnqueueOptions{
		Queue:       queue.QueueDefault,
		Role:        queue.RoleEventDispatch,
		JobID:       "event_complete_" + cid,
		Args:        args,
		Timeout:     TimeoutEvent,
		DependsOn:   []string{memoryJob.ID, titleJob.ID},
		Meta:        meta,
		Description: "conversation complete event for " + p.ConversationID,
	})
	if err != nil {
		return nil, err
	}
	out.EventDispatch = eventJob
	return out, nil
}

// ReprocessTranscript creates a fresh transcript version id and enqueues
// transcribe → speaker? → memory. The active pointer stays untouched until an
// explicit activation call. Conversations without stored audio are rejected
// before anything is enqueued.
func (o *Orchestrator) ReprocessTranscript(ctx context.Context, conversationID string) (versionID string, err error) {
	conv, err := o.store.Get(ctx, conversationID)
	if err != nil {
		return "", err
	}
	chunks, err := o.store.Chunks(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoAudioChunks, conversationID)
	}

	versionID = uuid.NewString()
	cid := shortID(conversationID, 8)
	meta := map[string]string{
		"conversation_id": conversationID,
		"user_id":         conv.UserID,
		"client_id":       conv.ClientID,
	}
	args := map[string]any{
		"conversation_id":       conversationID,
		"user_id":               conv.UserID,
		"transcript_version_id": versionID,
	}

	transcribe, err := o.jobs.Enqueue(ctx, queue.EnqueueOptions{
		Queue:       queue.QueueTranscription,
		Role:        queue.RoleTranscribe,
		JobID:       "reprocess_" + cid,
		Args:        args,
		Timeout:     TimeoutTranscribe,
		Meta:        meta,
		Description: "reprocess transcript for " + conversationID,
	})
	if err != nil {
		return "", err
	}

	deps := []string{transcribe.ID}
	if o.speakerEnabled {
		speaker, err := o.jobs.Enqueue(ctx, queue.EnqueueOptions{
			Queue:       queue.QueueTranscription,
			Role:        queue.RoleSpeakerRecognition,
			JobID:       "reprocess_speaker_" + cid,
			Args:        args,
			Timeout:     TimeoutSpeaker,
			DependsOn:   deps,
			Meta:        meta,
			Description: "reprocess speaker recognition for " + conversationID,
		})
		if err != nil {
			return "", err
		}
		deps = []string{speaker.ID}
	}

	_, err = o.jobs.Enqueue(ctx, queue.EnqueueOptions{
		Queue:       queue.QueueMemory,
		Role:        queue.RoleMemory,
		JobID:       "reprocess_memory_" + cid,
		Args:        args,
		Timeout:     TimeoutMemory,
		DependsOn:   deps,
		Meta:        meta,
		Description: "reprocess memory for " + conversationID,
	})
	if err != nil {
		return "", err
	}
	return versionID, nil
}

// ReprocessMemory enqueues only the memory job against a specific transcript
// version. Passing "active" resolves to the conversation's active version.
func (o *Orchestrator) ReprocessMemory(ctx context.Context, conversationID, transcriptVersionID string) error {
	conv, err := o.store.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if transcriptVersionID == "" || transcriptVersionID == "active" {
		transcriptVersionID = conv.ActiveTranscriptVersion
	}
	if transcriptVersionID != "" && conv.TranscriptVersion(transcriptVersionID) == nil {
		return fmt.Errorf("pipeline: transcript version %s: %w", transcriptVersionID, conversation.ErrVersionNotFound)
	}

	_, err = o.jobs.Enqueue(ctx, queue.EnqueueOptions{
		Queue: queue.QueueMemory,
		Role:  queue.RoleMemory,
		JobID: "memory_" + shortID(conversationID, 12),
		Args: map[string]any{
			"conversation_id":       conversationID,
			"user_id":               conv.UserID,
			"transcript_version_id": transcriptVersionID,
		},
		Timeout: TimeoutMemory,
		Meta: map[string]string{
			"conversation_id": conversationID,
			"user_id":         conv.UserID,
			"client_id":       conv.ClientID,
		},
		Description: "reprocess memory for " + conversationID,
	})
	return err
}

// ActivateTranscriptVersion swaps the active transcript pointer. The store
// validates that the version exists.
func (o *Orchestrator) ActivateTranscriptVersion(ctx context.Context, conversationID, versionID string) error {
	return o.store.SetActiveTranscriptVersion(ctx, conversationID, versionID)
}

// ActivateMemoryVersion swaps the active memory pointer.
func (o *Orchestrator) ActivateMemoryVersion(ctx context.Context, conversationID, versionID string) error {
	return o.store.SetActiveMemoryVersion(ctx, conversationID, versionID)
}

// CloseCurrentConversation signals session finalization: the persistence job
// and the streaming consumer observe the status change and drain.
func (o *Orchestrator) CloseCurrentConversation(ctx context.Context, clientID string) error {
	sessionID := clientID
	err := o.rdb.HSet(ctx, kv.AudioSession(sessionID), kv.FieldStatus, kv.StatusFinalizing).Err()
	if err != nil {
		return fmt.Errorf("pipeline: finalize session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteConversation soft-deletes by default; permanent removal cascades
// chunk deletion and is restricted to admin callers at the API layer.
func (o *Orchestrator) DeleteConversation(ctx context.Context, conversationID string, permanent bool, reason string) error {
	if permanent {
		return o.store.HardDelete(ctx, conversationID)
	}
	if reason == "" {
		reason = "user_requested"
	}
	return o.store.SoftDelete(ctx, conversationID, reason)
}

// RestoreConversation undoes a soft delete.
func (o *Orchestrator) RestoreConversation(ctx context.Context, conversationID string) error {
	return o.store.Restore(ctx, conversationID)
}

// shortID compresses a UUID-ish id into the first n hex characters for
// deterministic job ids.
func shortID(id string, n int) string {
	s := strings.ReplaceAll(id, "-", "")
	if len(s) > n {
		s = s[:n]
	}
	return s
}
