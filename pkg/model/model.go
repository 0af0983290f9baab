package model

import (
	"fmt"
	"strings"
	"time"
)

// MaxMessageLen is the hard length limit Telegram enforces on message text.
const MaxMessageLen = 4096

// MediaKind is the kind of attachment a job can transcribe.
type MediaKind string

const (
	MediaVoice MediaKind = "voice"
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// MediaRef identifies the media attachment on the replied-to message.
// It is read-only and sourced from the messaging gateway.
type MediaRef struct {
	ChatID    int64     `json:"chat_id"`
	MessageID int       `json:"message_id"`
	Kind      MediaKind `json:"kind"`
	FileID    string    `json:"file_id"`
	FileSize  int64     `json:"file_size"`
	Duration  int       `json:"duration,omitempty"` // seconds, 0 if unknown
}

// Stage is a job's position in its forward-only lifecycle.
type Stage string

const (
	StageQueued       Stage = "queued"
	StageDownloading  Stage = "downloading"
	StageConverting   Stage = "converting"
	StageTranscribing Stage = "transcribing"
	StageFinalizing   Stage = "finalizing"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Segment is one chunk of recognized speech, as emitted by the engine.
type Segment struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// Transcript accumulates segments in order. The concatenation of segment
// texts is the canonical transcript text. Owned by a single job; not safe
// for concurrent use without external locking.
type Transcript struct {
	segments []Segment
}

// Append adds a segment to the end of the transcript.
func (t *Transcript) Append(seg Segment) {
	t.segments = append(t.segments, seg)
}

// Len returns the number of segments appended so far.
func (t *Transcript) Len() int {
	return len(t.segments)
}

// Text returns the canonical transcript text.
func (t *Transcript) Text() string {
	var b strings.Builder
	for _, seg := range t.segments {
		b.WriteString(seg.Text)
	}
	return strings.TrimSpace(b.String())
}

// Truncate cuts s to at most limit characters, keeping the head and marking
// the cut. Counts in runes so a multibyte transcript is never split mid-rune.
func Truncate(s string, limit int) string {
	const marker = "… [truncated]"
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	keep := limit - len([]rune(marker))
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + marker
}

// ProgressSnapshot is an ephemeral view of a running job used for rendering
// progress edits. Never persisted.
type ProgressSnapshot struct {
	Stage     Stage
	Elapsed   time.Duration
	Percent   int    // -1 when unknown
	ETA       string // predicted completion time in the job's timezone, "" if unknown
	Partial   string // transcript so far, only during transcribing
	ModelName string
}

// FailureKind classifies terminal job failures.
type FailureKind string

const (
	FailInvalidTarget FailureKind = "invalid_target"
	FailDownload      FailureKind = "download_error"
	FailConversion    FailureKind = "conversion_error"
	FailTranscription FailureKind = "transcription_error"
	FailReport        FailureKind = "report_error"
	FailCancelled     FailureKind = "cancelled"
)

// JobError is a terminal stage failure carrying its classification.
type JobError struct {
	Kind FailureKind
	Err  error
}

func (e *JobError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// NewJobError wraps err with a failure kind.
func NewJobError(kind FailureKind, err error) *JobError {
	return &JobError{Kind: kind, Err: err}
}
