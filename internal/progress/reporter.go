package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"retell/pkg/logger"
	"retell/pkg/model"

	"go.uber.org/zap"
)

// Editor is the single gateway operation the reporter needs.
type Editor interface {
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
}

// Source exposes a job's current state for rendering.
type Source interface {
	Snapshot() model.ProgressSnapshot
}

// Reporter periodically rewrites the trigger message with the job's current
// progress. Edits are best-effort and rate limited: never two identical
// texts in a row, never closer together than the configured interval. It
// stops on its own once the job starts finalizing, and must be stopped
// (via Stop) strictly before the final edit so a stale tick can never
// overwrite the result.
type Reporter struct {
	editor    Editor
	source    Source
	chatID    int64
	messageID int
	interval  time.Duration
	tick      time.Duration

	lastText string
	lastEdit time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewReporter prepares a reporter. initialText is the text already placed in
// the message slot by the job, so the first tick does not repeat it.
func NewReporter(editor Editor, source Source, chatID int64, messageID int, interval time.Duration, initialText string) *Reporter {
	return &Reporter{
		editor:    editor,
		source:    source,
		chatID:    chatID,
		messageID: messageID,
		interval:  interval,
		tick:      time.Second,
		lastText:  initialText,
		lastEdit:  time.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run drives the periodic edits until Stop is called, ctx is cancelled, or
// the job leaves its working stages. Meant to be run as a goroutine.
func (r *Reporter) Run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap := r.source.Snapshot()
		if snap.Stage == model.StageFinalizing || snap.Stage.Terminal() {
			return
		}
		if time.Since(r.lastEdit) < r.interval {
			continue
		}

		text := Render(snap)
		if text == r.lastText {
			continue
		}

		if err := r.editor.EditText(ctx, r.chatID, r.messageID, text); err != nil {
			logger.Warn("progress edit failed",
				zap.Int64("chat_id", r.chatID),
				zap.Int("message_id", r.messageID),
				zap.Error(err))
			continue
		}

		r.lastText = text
		r.lastEdit = time.Now()
	}
}

// Stop detaches the reporter and waits for the run loop to exit, so no edit
// is in flight when it returns. Safe to call more than once.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

var stageLabels = map[model.Stage]string{
	model.StageQueued:       "Queued",
	model.StageDownloading:  "Downloading media",
	model.StageConverting:   "Converting audio",
	model.StageTranscribing: "Transcribing",
}

// Render composes the progress text for a snapshot, fitted to the platform
// message limit.
func Render(snap model.ProgressSnapshot) string {
	label, ok := stageLabels[snap.Stage]
	if !ok {
		label = string(snap.Stage)
	}

	head := fmt.Sprintf("Transcription (model %s): %s", snap.ModelName, label)
	if snap.Percent >= 0 {
		head += fmt.Sprintf(" %d%%", snap.Percent)
	}
	head += fmt.Sprintf("\nElapsed: %s", snap.Elapsed.Truncate(time.Second))
	if snap.ETA != "" {
		head += fmt.Sprintf("\nETA: %s", snap.ETA)
	}

	if snap.Partial != "" {
		head += "\n\n" + snap.Partial
	}
	return model.Truncate(head, model.MaxMessageLen)
}
