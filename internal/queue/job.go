// Package queue implements Chronicle's job-queue primitive: named FIFO queues
// of deferred, typed job calls stored in the key–value store, with per-queue
// registries, dependency chains, result TTLs, and metadata.
//
// A job is not a runtime callable — it is a closed Role plus a parameter map.
// Worker processes register a handler per Role in a dispatch table and execute
// jobs claimed from their queues. Job ids are chosen by callers and are
// deterministic per role per conversation, so re-enqueues within TTL attach to
// the existing record instead of duplicating work.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role enumerates every job kind the pipeline can enqueue. The queue stores
// the role name, not a function reference; workers map roles to handlers.
type Role string

const (
	RoleSpeechDetection    Role = "speech_detection"
	RoleAudioPersistence   Role = "audio_persistence"
	RoleTranscribe         Role = "transcribe_full_audio"
	RoleSpeakerRecognition Role = "speaker_recognition"
	RoleMemory             Role = "memory_extraction"
	RoleTitleSummary       Role = "title_summary"
	RoleEventDispatch      Role = "event_dispatch"
)

// IsValid reports whether r is a recognised job role.
func (r Role) IsValid() bool {
	switch r {
	case RoleSpeechDetection, RoleAudioPersistence, RoleTranscribe,
		RoleSpeakerRecognition, RoleMemory, RoleTitleSummary, RoleEventDispatch:
		return true
	}
	return false
}

// Status is the lifecycle state of a job record.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusStarted  Status = "started"
	StatusDeferred Status = "deferred"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCanceled
}

// Standard queue names. Every worker binds to a subset of these.
const (
	QueueTranscription = "transcription"
	QueueMemory        = "memory"
	QueueAudio         = "audio"
	QueueDefault       = "default"
)

// Default TTL and timeout policy.
const (
	DefaultResultTTL  = 24 * time.Hour
	DefaultFailureTTL = 24 * time.Hour
	DefaultTimeout    = 10 * time.Minute

	// SessionTimeout bounds session-level streaming jobs.
	SessionTimeout = 24 * time.Hour
)

// Job is the stored record of a deferred call. All fields round-trip through
// the key–value store as a JSON document.
type Job struct {
	ID          string            `json:"id"`
	Role        Role              `json:"role"`
	Queue       string            `json:"queue"`
	Args        map[string]any    `json:"args,omitempty"`
	Status      Status            `json:"status"`
	Description string            `json:"description,omitempty"`
	Timeout     time.Duration     `json:"timeout"`
	ResultTTL   time.Duration     `json:"result_ttl"`
	FailureTTL  time.Duration     `json:"failure_ttl"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	Dependents  []string          `json:"dependents,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   time.Time         `json:"started_at,omitempty"`
	EndedAt     time.Time         `json:"ended_at,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	ExcInfo     string            `json:"exc_info,omitempty"`
	WorkerID    string            `json:"worker_id,omitempty"`
}

// ConversationID returns meta.conversation_id, if set.
func (j *Job) ConversationID() string { return j.Meta["conversation_id"] }

// ClientID returns meta.client_id, if set.
func (j *Job) ClientID() string { return j.Meta["client_id"] }

// StringArg returns the named argument as a string. Missing or non-string
// arguments return the empty string.
func (j *Job) StringArg(name string) string {
	if v, ok := j.Args[name].(string); ok {
		return v
	}
	return ""
}

// BoolArg returns the named argument as a bool, defaulting to false.
func (j *Job) BoolArg(name string) bool {
	v, _ := j.Args[name].(bool)
	return v
}

func (j *Job) marshal() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal job %s: %w", j.ID, err)
	}
	return data, nil
}

func unmarshalJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("queue: unmarshal job: %w", err)
	}
	return &j, nil
}

// registries enumerates every per-queue registry name. GetJobs deduplicates
// across these; Stats counts them individually.
var registries = []Status{
	StatusQueued, StatusStarted, StatusDeferred,
	StatusFinished, StatusFailed, StatusCanceled,
}

// Key layout.
func jobKey(id string) string                      { return "queue:job:" + id }
func queueKey(name string) string                  { return "queue:" + name }
func registryKey(name string, s Status) string     { return "queue:" + name + ":" + string(s) }
func dependentsKey(id string) string               { return "queue:job:" + id + ":dependents" }

const (
	// workersKey is the set of live worker identities, maintained by the
	// worker heartbeat and read by the supervisor's registration check.
	workersKey = "queue:workers"

	// workerHeartbeatPrefix keys per-worker liveness records with TTL.
	workerHeartbeatPrefix = "queue:worker:"
)
