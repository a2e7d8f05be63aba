package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chroniclehq/chronicle/internal/conversation"
	"github.com/chroniclehq/chronicle/internal/kv"
	"github.com/chroniclehq/chronicle/internal/observe"
	"github.com/chroniclehq/chronicle/internal/plugin"
	"github.com/chroniclehq/chronicle/internal/queue"
	"github.com/chroniclehq/chronicle/internal/transcript"
	"github.com/chroniclehq/chronicle/pkg/audio"
	"github.com/chroniclehq/chronicle/pkg/memory"
	"github.com/chroniclehq/chronicle/pkg/provider/embeddings"
	llm "github.com/chroniclehq/chronicle/pkg/provider/llm"
	"github.com/chroniclehq/chronicle/pkg/provider/speaker"
	"github.com/chroniclehq/chronicle/pkg/provider/stt"
	"github.com/chroniclehq/chronicle/pkg/types"
)

// Plugin event names dispatched by the post-conversation jobs.
const (
	EventConversationComplete = plugin.EventConversationComplete
	EventMemoryProcessed      = plugin.EventMemoryProcessed
)

// ErrNoTranscript is returned when a job needs a transcript version and the
// conversation has none.
var ErrNoTranscript = errors.New("pipeline: conversation has no transcript version")

// SpeakerService is the slice of the speaker-recognition client the
// recognition job uses.
type SpeakerService interface {
	DiarizeIdentifyMatch(ctx context.Context, wav []byte, words []types.Word) (*speaker.IdentifyResult, error)
}

// EntitySource supplies the proper-noun vocabulary the transcript corrector
// should recognise for a user, typically enrolled speaker names.
type EntitySource interface {
	CorrectionEntities(ctx context.Context, userID string) ([]string, error)
}

// SpeakerEntitySource derives correction entities from enrolled voice
// profiles.
type SpeakerEntitySource struct {
	Client interface {
		Speakers(ctx context.Context) ([]speaker.Profile, error)
	}
}

// CorrectionEntities returns the enrolled profile names. Errors degrade to an
// empty list: correction is an enhancement, never a blocker.
func (s SpeakerEntitySource) CorrectionEntities(ctx context.Context, _ string) ([]string, error) {
	profiles, err := s.Client.Speakers(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(profiles))
	for _, p := range profiles {
		if p.Name != "" {
			names = append(names, p.Name)
		}
	}
	return names, nil
}

// HandlerConfig collects the dependencies of the post-conversation job
// handlers. Store and RDB are required; the rest degrade gracefully when nil
// (the corresponding stage becomes a structured no-op).
type HandlerConfig struct {
	Store    ConversationStore
	RDB      *redis.Client
	Batch    stt.BatchProvider
	Speaker  SpeakerService
	LLM      llm.Provider
	LLMModel string
	Embedder embeddings.Provider
	Memories memory.Store
	Router   *plugin.Router

	// Corrector runs keyword correction before summarization.
	Corrector transcript.Pipeline
	Entities  EntitySource

	// Language passed to batch transcription. Empty means provider default.
	Language string

	Logger *slog.Logger
}

// Handlers implements the five post-conversation job roles.
type Handlers struct {
	cfg HandlerConfig
	log *slog.Logger
}

// NewHandlers builds the handler set.
func NewHandlers(cfg HandlerConfig) *Handlers {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{cfg: cfg, log: log}
}

// RegisterAll binds every post-conversation role to w's dispatch table. Each
// handler runs inside its own span so job logs carry a trace id.
func (h *Handlers) RegisterAll(w *queue.Worker) {
	w.Register(queue.RoleTranscribe, traced("pipeline.transcribe", h.HandleTranscribe))
	w.Register(queue.RoleSpeakerRecognition, traced("pipeline.speaker_recognition", h.HandleSpeakerRecognition))
	w.Register(queue.RoleMemory, traced("pipeline.memory", h.HandleMemory))
	w.Register(queue.RoleTitleSummary, traced("pipeline.title_summary", h.HandleTitleSummary))
	w.Register(queue.RoleEventDispatch, traced("pipeline.event_dispatch", h.HandleEventDispatch))
}

// traced wraps a job handler in a named span.
func traced(name string, h queue.Handler) queue.Handler {
	return func(ctx context.Context, job *queue.Job) ([]byte, error) {
		ctx, span := observe.StartSpan(ctx, name)
		defer span.End()
		observe.Logger(ctx).Debug("job handler start", "job", job.ID, "role", job.Role)
		return h(ctx, job)
	}
}

// HandleTranscribe reconstructs the conversation's WAV from stored chunks and
// runs the batch STT provider, appending the result as a new transcript
// version under the job's transcript_version_id.
func (h *Handlers) HandleTranscribe(ctx context.Context, job *queue.Job) ([]byte, error) {
	conversationID := job.StringArg("conversation_id")
	if conversationID == "" {
		return nil, errors.New("pipeline: transcribe: conversation_id required")
	}
	versionID := job.StringArg("transcript_version_id")
	if versionID == "" {
		versionID = uuid.NewString()
	}
	if h.cfg.Batch == nil {
		return nil, errors.New("pipeline: transcribe: no batch provider configured")
	}

	if err := h.cfg.Store.SetProcessingStatus(ctx, conversationID, conversation.ProcessingInProgress); err != nil {
		h.log.Warn("set processing status", "conversation_id", conversationID, "error", err)
	}

	wav, fromRecording, err := h.conversationWAV(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if fromRecording {
		h.archiveAudio(ctx, conversationID, wav)
	}

	started := time.Now()
	res, err := h.cfg.Batch.Transcribe(ctx, wav, stt.BatchOptions{
		Language: h.cfg.Language,
		Diarize:  h.cfg.Batch.Capabilities().Has(stt.CapDiarization),
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: transcribe %s: %w", conversationID, err)
	}

	v := conversation.TranscriptVersion{
		VersionID:             versionID,
		TranscriptText:        res.Text,
		Words:                 res.Words,
		Segments:              res.Segments,
		Provider:              res.Provider,
		Model:                 res.Model,
		CreatedAt:             time.Now().UTC(),
		ProcessingTimeSeconds: time.Since(started).Seconds(),
	}
	if len(res.Segments) > 0 {
		v.DiarizationSource = "stt_provider"
	}
	if err := h.cfg.Store.AppendTranscriptVersion(ctx, conversationID, v); err != nil {
		return nil, err
	}

	h.log.Info("batch transcription complete",
		"conversation_id", conversationID,
		"version_id", versionID,
		"provider", res.Provider,
		"words", len(res.Words))
	return json.Marshal(map[string]any{"version_id": versionID, "duration": res.Duration})
}

// HandleSpeakerRecognition submits the conversation's audio and word timings
// to the speaker-recognition service and merges the identified labels back
// into the transcript version's segments.
func (h *Handlers) HandleSpeakerRecognition(ctx context.Context, job *queue.Job) ([]byte, error) {
	conversationID := job.StringArg("conversation_id")
	if conversationID == "" {
		return nil, errors.New("pipeline: speaker recognition: conversation_id required")
	}
	if h.cfg.Speaker == nil {
		h.log.Info("speaker recognition skipped: no service configured", "conversation_id", conversationID)
		return json.Marshal(map[string]any{"skipped": true})
	}

	conv, err := h.cfg.Store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	v := h.resolveTranscript(conv, job.StringArg("transcript_version_id"))
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTranscript, conversationID)
	}

	wav, _, err := h.conversationWAV(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	result, err := h.cfg.Speaker.DiarizeIdentifyMatch(ctx, wav, v.Words)
	if err != nil {
		return nil, fmt.Errorf("pipeline: speaker recognition %s: %w", conversationID, err)
	}

	identified := mergeSpeakerLabels(v, result)
	v.DiarizationSource = "speaker_service"
	if err := h.cfg.Store.ReplaceTranscriptVersion(ctx, conversationID, *v); err != nil {
		return nil, err
	}

	h.log.Info("speaker recognition complete",
		"conversation_id", conversationID,
		"version_id", v.VersionID,
		"identified", identified,
		"segments", len(v.Segments))
	return json.Marshal(map[string]any{"identified": identified, "segments": len(v.Segments)})
}

// mergeSpeakerLabels rewrites the version's segment and word speaker labels
// from the service result. When the version carries no segments but the
// service diarized turns, the service's segments become the version's.
// Returns the number of segments attributed to an identified name.
func mergeSpeakerLabels(v *conversation.TranscriptVersion, result *speaker.IdentifyResult) int {
	if len(v.Segments) == 0 && len(result.Segments) > 0 {
		segs := make([]types.Segment, 0, len(result.Segments))
		for _, s := range result.Segments {
			segs = append(segs, types.Segment{
				Start:   s.Start,
				End:     s.End,
				Text:    s.Text,
				Speaker: s.Speaker,
			})
		}
		v.Segments = segs
	}

	identified := 0
	for i := range v.Segments {
		if name, ok := result.Speakers[v.Segments[i].Speaker]; ok && name != "" {
			v.Segments[i].Speaker = name
		}
		for j := range v.Segments[i].Words {
			w := &v.Segments[i].Words[j]
			if name, ok := result.Speakers[w.Speaker]; ok && name != "" {
				w.Speaker = name
			}
		}
	}
	for i := range v.Words {
		if name, ok := result.Speakers[v.Words[i].Speaker]; ok && name != "" {
			v.Words[i].Speaker = name
		}
	}
	for _, s := range result.Segments {
		if s.Identified {
			identified++
		}
	}
	return identified
}

// memoryExtractionPrompt instructs the model to pull discrete durable facts
// out of a conversation transcript.
const memoryExtractionPrompt = `You extract durable memories from a transcript of a recorded conversation.

A memory is a single discrete fact, event, preference, or commitment worth remembering later. Ignore filler, small talk, and anything transient.

Respond with ONLY a JSON array (no markdown, no prose). Each element:
{"content": "<one self-contained sentence>", "category": "<fact|event|preference|commitment>"}

Return an empty array if the transcript contains nothing worth remembering.`

// HandleMemory runs LLM memory extraction over the resolved transcript
// version, embeds each memory, and replaces the conversation's stored memory
// set. A new memory version is appended and activated.
func (h *Handlers) HandleMemory(ctx context.Context, job *queue.Job) ([]byte, error) {
	conversationID := job.StringArg("conversation_id")
	if conversationID == "" {
		return nil, errors.New("pipeline: memory: conversation_id required")
	}
	if h.cfg.LLM == nil {
		return nil, errors.New("pipeline: memory: no llm provider configured")
	}

	conv, err := h.cfg.Store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	v := h.resolveTranscript(conv, job.StringArg("transcript_version_id"))
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTranscript, conversationID)
	}

	source := transcriptSource(v)
	started := time.Now()

	var extracted []extractedMemory
	if strings.TrimSpace(source) != "" {
		extracted, err = h.extractMemories(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("pipeline: memory extraction %s: %w", conversationID, err)
		}
	}

	userID := job.StringArg("user_id")
	if userID == "" {
		userID = conv.UserID
	}
	memories, err := h.embedMemories(ctx, userID, conversationID, extracted)
	if err != nil {
		return nil, err
	}

	if h.cfg.Memories != nil {
		if err := h.cfg.Memories.ReplaceForConversation(ctx, conversationID, memories); err != nil {
			return nil, err
		}
	}

	mv := conversation.MemoryVersion{
		VersionID:             uuid.NewString(),
		MemoryCount:           len(memories),
		TranscriptVersionID:   v.VersionID,
		Provider:              "llm",
		Model:                 h.cfg.LLMModel,
		CreatedAt:             time.Now().UTC(),
		ProcessingTimeSeconds: time.Since(started).Seconds(),
	}
	if err := h.cfg.Store.AppendMemoryVersion(ctx, conversationID, mv); err != nil {
		return nil, err
	}
	if err := h.cfg.Store.SetActiveMemoryVersion(ctx, conversationID, mv.VersionID); err != nil {
		return nil, err
	}

	if h.cfg.Router != nil {
		h.cfg.Router.Dispatch(ctx, plugin.Event{
			Name:           EventMemoryProcessed,
			UserID:         userID,
			ClientID:       job.ClientID(),
			ConversationID: conversationID,
			Timestamp:      time.Now(),
			Data: map[string]any{
				"event":        EventMemoryProcessed,
				"memory_count": len(memories),
			},
		})
	}

	h.log.Info("memory extraction complete",
		"conversation_id", conversationID,
		"memory_version", mv.VersionID,
		"memories", len(memories))
	return json.Marshal(map[string]any{"memory_version": mv.VersionID, "memory_count": len(memories)})
}

// extractedMemory is one element of the model's JSON response.
type extractedMemory struct {
	Content  string `json:"content"`
	Category string `json:"category"`
}

func (h *Handlers) extractMemories(ctx context.Context, source string) ([]extractedMemory, error) {
	resp, err := h.cfg.LLM.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: memoryExtractionPrompt,
		Temperature:  0.2,
		Messages:     []types.Message{{Role: "user", Content: source}},
	})
	if err != nil {
		return nil, err
	}

	var extracted []extractedMemory
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &extracted); err != nil {
		// An unparseable response yields zero memories rather than a failed
		// job; the transcript is still intact for reprocessing.
		h.log.Warn("memory extraction response unparseable", "error", err)
		return nil, nil
	}

	out := extracted[:0]
	for _, m := range extracted {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Category == "" {
			m.Category = "fact"
		}
		out = append(out, m)
	}
	return out, nil
}

func (h *Handlers) embedMemories(ctx context.Context, userID, conversationID string, extracted []extractedMemory) ([]types.Memory, error) {
	memories := make([]types.Memory, 0, len(extracted))
	now := time.Now().UTC()
	for _, m := range extracted {
		memories = append(memories, types.Memory{
			ID:             uuid.NewString(),
			UserID:         userID,
			ConversationID: conversationID,
			Content:        m.Content,
			Category:       m.Category,
			CreatedAt:      now,
		})
	}
	if h.cfg.Embedder == nil || len(memories) == 0 {
		return memories, nil
	}

	texts := make([]string, len(memories))
	for i := range memories {
		texts[i] = memories[i].Content
	}
	vectors, err := h.cfg.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("pipeline: embed memories for %s: %w", conversationID, err)
	}
	for i := range memories {
		memories[i].Embedding = vectors[i]
	}
	return memories, nil
}

// titleSummaryPrompt asks for all three derived-text fields in one call.
const titleSummaryPrompt = `You summarise a transcript of a recorded conversation.

Respond with ONLY a JSON object (no markdown, no prose):
{
  "title": "<at most 8 words>",
  "summary": "<2-3 sentences>",
  "detailed_summary": "<a few short paragraphs covering the main threads>"
}`

// derivedText is the model's JSON response for title/summary generation.
type derivedText struct {
	Title           string `json:"title"`
	Summary         string `json:"summary"`
	DetailedSummary string `json:"detailed_summary"`
}

// HandleTitleSummary generates the conversation's title, summary, and
// detailed summary. Keyword correction runs over the transcript first so
// enrolled names are spelled right in the derived text.
func (h *Handlers) HandleTitleSummary(ctx context.Context, job *queue.Job) ([]byte, error) {
	conversationID := job.StringArg("conversation_id")
	if conversationID == "" {
		return nil, errors.New("pipeline: title/summary: conversation_id required")
	}
	if h.cfg.LLM == nil {
		return nil, errors.New("pipeline: title/summary: no llm provider configured")
	}

	conv, err := h.cfg.Store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	v := h.resolveTranscript(conv, job.StringArg("transcript_version_id"))
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTranscript, conversationID)
	}

	source := h.correctedSource(ctx, conv.UserID, v)
	if strings.TrimSpace(source) == "" {
		h.log.Info("title/summary skipped: empty transcript", "conversation_id", conversationID)
		return json.Marshal(map[string]any{"skipped": true})
	}

	resp, err := h.cfg.LLM.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: titleSummaryPrompt,
		Temperature:  0.3,
		Messages:     []types.Message{{Role: "user", Content: source}},
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: title/summary %s: %w", conversationID, err)
	}

	var d derivedText
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &d); err != nil {
		// Fall back to a truncated-transcript title so the conversation is
		// never left unlabelled.
		d = derivedText{Title: fallbackTitle(source)}
		h.log.Warn("title/summary response unparseable, using fallback title",
			"conversation_id", conversationID, "error", err)
	}

	if err := h.cfg.Store.SetDerivedText(ctx, conversationID, d.Title, d.Summary, d.DetailedSummary); err != nil {
		return nil, err
	}

	h.log.Info("title/summary complete", "conversation_id", conversationID, "title", d.Title)
	return json.Marshal(map[string]any{"title": d.Title})
}

// correctedSource builds the summarization input, running keyword correction
// when a corrector and entity source are configured. Correction failures
// degrade to the uncorrected text.
func (h *Handlers) correctedSource(ctx context.Context, userID string, v *conversation.TranscriptVersion) string {
	source := transcriptSource(v)
	if h.cfg.Corrector == nil || h.cfg.Entities == nil || strings.TrimSpace(source) == "" {
		return source
	}

	entities, err := h.cfg.Entities.CorrectionEntities(ctx, userID)
	if err != nil || len(entities) == 0 {
		if err != nil {
			h.log.Warn("correction entities unavailable", "error", err)
		}
		return source
	}

	corrected, err := h.cfg.Corrector.Correct(ctx, types.Transcript{Text: source, IsFinal: true, Words: v.Words}, entities)
	if err != nil {
		h.log.Warn("transcript correction failed", "error", err)
		return source
	}
	return corrected.Corrected
}

// HandleEventDispatch fires the conversation.complete plugin event with
// whatever derived fields the conversation holds — a failed peer job leaves
// its fields absent rather than blocking the event — and marks processing
// complete.
func (h *Handlers) HandleEventDispatch(ctx context.Context, job *queue.Job) ([]byte, error) {
	conversationID := job.StringArg("conversation_id")
	if conversationID == "" {
		return nil, errors.New("pipeline: event dispatch: conversation_id required")
	}

	conv, err := h.cfg.Store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	matched := 0
	if h.cfg.Router != nil {
		matched = h.cfg.Router.Dispatch(ctx, plugin.Event{
			Name:           EventConversationComplete,
			UserID:         conv.UserID,
			ClientID:       conv.ClientID,
			ConversationID: conversationID,
			Text:           conv.Summary,
			Timestamp:      time.Now(),
			Data: map[string]any{
				"event":        EventConversationComplete,
				"title":        conv.Title,
				"summary":      conv.Summary,
				"memory_count": conv.MemoryCount(),
			},
		})
	}

	if err := h.cfg.Store.SetProcessingStatus(ctx, conversationID, conversation.ProcessingCompleted); err != nil {
		return nil, err
	}

	h.log.Info("conversation complete event dispatched",
		"conversation_id", conversationID, "plugins_matched", matched)
	return json.Marshal(map[string]any{"plugins_matched": matched})
}

// conversationWAV returns the full-conversation WAV, preferring the session
// recording written by the persistence job and falling back to reconstruction
// from stored opus chunks. fromRecording reports which source was used.
func (h *Handlers) conversationWAV(ctx context.Context, conversationID string) (wav []byte, fromRecording bool, err error) {
	if h.cfg.RDB != nil {
		path, err := h.cfg.RDB.Get(ctx, kv.AudioFile(conversationID)).Result()
		if err == nil && path != "" {
			wav, err := audio.ReadWAVFile(path)
			if err == nil {
				return wav, true, nil
			}
			h.log.Warn("session recording unreadable, falling back to chunks",
				"conversation_id", conversationID, "path", path, "error", err)
		} else if err != nil && !errors.Is(err, redis.Nil) {
			return nil, false, fmt.Errorf("pipeline: lookup audio file for %s: %w", conversationID, err)
		}
	}

	stored, err := h.cfg.Store.Chunks(ctx, conversationID)
	if err != nil {
		return nil, false, err
	}
	if len(stored) == 0 {
		return nil, false, fmt.Errorf("%w: %s", ErrNoAudioChunks, conversationID)
	}
	chunks := make([]audio.Chunk, 0, len(stored))
	for _, c := range stored {
		chunks = append(chunks, audio.Chunk{
			Index:          c.ChunkIndex,
			StartTime:      c.StartTime,
			EndTime:        c.EndTime,
			Duration:       c.Duration,
			SampleRate:     c.SampleRate,
			Channels:       c.Channels,
			CompressedSize: c.CompressedSize,
			OriginalSize:   c.OriginalSize,
			Data:           c.Data,
		})
	}
	wav, err = audio.ReconstructWAV(chunks)
	if err != nil {
		return nil, false, fmt.Errorf("pipeline: reconstruct audio for %s: %w", conversationID, err)
	}
	return wav, false, nil
}

// archiveAudio compresses the session recording into opus chunks so the
// conversation keeps durable, seekable audio after the recording file ages
// out. Archival is best-effort: failures log and transcription proceeds on
// the in-memory WAV.
func (h *Handlers) archiveAudio(ctx context.Context, conversationID string, wav []byte) {
	existing, err := h.cfg.Store.Chunks(ctx, conversationID)
	if err != nil {
		h.log.Warn("check stored chunks", "conversation_id", conversationID, "error", err)
		return
	}
	if len(existing) > 0 {
		return
	}

	chunks, err := audio.ConvertToChunks(wav)
	if err != nil {
		h.log.Warn("chunk conversion failed", "conversation_id", conversationID, "error", err)
		return
	}
	stored := make([]conversation.AudioChunk, 0, len(chunks))
	for _, c := range chunks {
		stored = append(stored, conversation.AudioChunk{
			ConversationID: conversationID,
			ChunkIndex:     c.Index,
			StartTime:      c.StartTime,
			EndTime:        c.EndTime,
			Duration:       c.Duration,
			SampleRate:     c.SampleRate,
			Channels:       c.Channels,
			CompressedSize: c.CompressedSize,
			OriginalSize:   c.OriginalSize,
			Data:           c.Data,
		})
	}
	if err := h.cfg.Store.InsertChunks(ctx, stored); err != nil {
		h.log.Warn("store audio chunks", "conversation_id", conversationID, "error", err)
		return
	}
	if err := h.cfg.Store.SetAudioMeta(ctx, conversationID,
		len(chunks), audio.TotalDuration(chunks), audio.CompressionRatio(chunks)); err != nil {
		h.log.Warn("record audio meta", "conversation_id", conversationID, "error", err)
		return
	}
	h.log.Info("conversation audio archived",
		"conversation_id", conversationID,
		"chunks", len(chunks),
		"duration_s", audio.TotalDuration(chunks))
}

// resolveTranscript picks the transcript version a job should operate on:
// the explicit version id when given, else the active version, else the most
// recently appended one.
func (h *Handlers) resolveTranscript(conv *conversation.Conversation, versionID string) *conversation.TranscriptVersion {
	if versionID != "" && versionID != "active" {
		return conv.TranscriptVersion(versionID)
	}
	if v := conv.ActiveTranscript(); v != nil {
		return v
	}
	if n := len(conv.TranscriptVersions); n > 0 {
		return &conv.TranscriptVersions[n-1]
	}
	return nil
}

// transcriptSource renders a version for LLM consumption: speaker-attributed
// segment lines when present, the raw transcript text otherwise.
func transcriptSource(v *conversation.TranscriptVersion) string {
	var sb strings.Builder
	for _, s := range v.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		if s.Speaker != "" {
			sb.WriteString(s.Speaker)
			sb.WriteString(": ")
		}
		sb.WriteString(text)
		sb.WriteByte('\n')
	}
	if sb.Len() > 0 {
		return sb.String()
	}
	return v.TranscriptText
}

// fallbackTitle truncates the transcript's opening words into a title.
func fallbackTitle(source string) string {
	words := strings.Fields(source)
	if len(words) > 8 {
		words = words[:8]
	}
	title := strings.Join(words, " ")
	if title == "" {
		return "Untitled conversation"
	}
	return title
}

// stripFences removes markdown code fences some models wrap around JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
