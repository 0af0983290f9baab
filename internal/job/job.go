package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"retell/internal/command"
	"retell/internal/gateway"
	"retell/internal/progress"
	"retell/pkg/logger"
	"retell/pkg/model"
	"retell/pkg/resilience"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Key is the identity of a trigger message, the unit of job deduplication.
type Key struct {
	ChatID    int64
	MessageID int
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.ChatID, k.MessageID)
}

// Converter turns downloaded media into the canonical waveform.
type Converter interface {
	Convert(ctx context.Context, input, output string, onProgress func(pct int)) error
	Probe(ctx context.Context, path string) (time.Duration, error)
}

// SegmentStream is the lazy, finite, non-restartable segment sequence a
// transcriber returns.
type SegmentStream interface {
	Segments() <-chan model.Segment
	Err() error
}

// Transcriber runs speech recognition on a prepared waveform.
type Transcriber interface {
	Transcribe(ctx context.Context, wavPath, modelName string, languages []string) (SegmentStream, error)
}

// Config carries the job-level settings read once at startup.
type Config struct {
	TempDir      string
	EditInterval time.Duration
}

// Job drives one trigger message through download, conversion, recognition,
// and the final edit. Transitions are strictly forward; any stage failure is
// terminal. The job owns its temp dir, transcript, and reporter; nothing is
// shared with other jobs.
type Job struct {
	ID    uuid.UUID
	Key   Key
	Media model.MediaRef
	Opts  command.Options

	gw   gateway.Gateway
	conv Converter
	eng  Transcriber
	cfg  Config

	// skipInitialEdit is set for jobs whose message slot already holds a
	// freshly sent progress placeholder.
	skipInitialEdit bool

	cancelled atomic.Bool

	mu         sync.Mutex
	stage      model.Stage
	percent    int
	eta        string
	transcript model.Transcript
	startedAt  time.Time
}

// New constructs a queued job for one trigger message.
func New(key Key, media model.MediaRef, opts command.Options, gw gateway.Gateway, conv Converter, eng Transcriber, cfg Config) *Job {
	return &Job{
		ID:      uuid.New(),
		Key:     key,
		Media:   media,
		Opts:    opts,
		gw:      gw,
		conv:    conv,
		eng:     eng,
		cfg:     cfg,
		stage:   model.StageQueued,
		percent: -1,
	}
}

// Cancel requests cancellation. The job observes it at the next stage
// boundary; in-flight transcoder or engine calls are not preempted.
func (j *Job) Cancel() {
	j.cancelled.Store(true)
}

// Snapshot returns the current progress view for rendering.
func (j *Job) Snapshot() model.ProgressSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := model.ProgressSnapshot{
		Stage:     j.stage,
		Elapsed:   time.Since(j.startedAt),
		Percent:   j.percent,
		ETA:       j.eta,
		ModelName: j.Opts.Model,
	}
	if j.stage == model.StageTranscribing {
		snap.Partial = j.transcript.Text()
	}
	return snap
}

// Stage returns the current lifecycle stage.
func (j *Job) Stage() model.Stage {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stage
}

// Started returns when Run began.
func (j *Job) Started() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt
}

func (j *Job) setStage(s model.Stage) {
	j.mu.Lock()
	j.stage = s
	j.percent = -1
	j.eta = ""
	j.mu.Unlock()
	logger.Debug("job stage", zap.String("job_id", j.ID.String()),
		zap.String("key", j.Key.String()), zap.String("stage", string(s)))
}

func (j *Job) setProgress(pct int, stageStart time.Time) {
	j.mu.Lock()
	j.percent = pct
	j.eta = predictETA(stageStart, pct, j.Opts.Location)
	j.mu.Unlock()
}

// Run executes the pipeline to a terminal state. The caller deregisters the
// job when Run returns; the temp dir is removed on every exit path.
func (j *Job) Run(ctx context.Context) {
	j.mu.Lock()
	j.startedAt = time.Now()
	j.mu.Unlock()

	logger.Info("job started",
		zap.String("job_id", j.ID.String()),
		zap.String("key", j.Key.String()),
		zap.String("media_kind", string(j.Media.Kind)),
		zap.String("model", j.Opts.Model))

	jobDir := filepath.Join(j.cfg.TempDir, fmt.Sprintf("job_%d_%d", j.Key.ChatID, j.Key.MessageID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		j.fail(ctx, nil, model.NewJobError(model.FailDownload, fmt.Errorf("temp dir: %w", err)))
		return
	}
	defer func() {
		if err := os.RemoveAll(jobDir); err != nil {
			logger.Warn("temp dir cleanup failed", zap.String("dir", jobDir), zap.Error(err))
		}
	}()

	j.setStage(model.StageDownloading)
	initialText := progress.Render(j.Snapshot())
	if !j.skipInitialEdit {
		if err := j.edit(ctx, initialText); err != nil {
			// The trigger is not editable (deleted, too old): nothing to
			// report into, so the job ends here.
			logger.Info("trigger no longer editable, aborting job",
				zap.String("key", j.Key.String()), zap.Error(err))
			j.setStage(model.StageFailed)
			return
		}
	}

	reporter := progress.NewReporter(j.gw, j, j.Key.ChatID, j.Key.MessageID, j.cfg.EditInterval, initialText)
	go reporter.Run(ctx)

	srcPath := filepath.Join(jobDir, "source")
	wavPath := filepath.Join(jobDir, "audio.wav")

	if err := j.gw.DownloadMedia(ctx, j.Media, srcPath); err != nil {
		j.fail(ctx, reporter, model.NewJobError(model.FailDownload, err))
		return
	}
	if j.checkCancelled(ctx, reporter) {
		return
	}

	j.setStage(model.StageConverting)
	convertStart := time.Now()
	err := j.conv.Convert(ctx, srcPath, wavPath, func(pct int) {
		j.setProgress(pct, convertStart)
	})
	if err != nil {
		j.fail(ctx, reporter, model.NewJobError(model.FailConversion, err))
		return
	}
	if j.checkCancelled(ctx, reporter) {
		return
	}

	j.setStage(model.StageTranscribing)
	if err := j.transcribe(ctx, wavPath); err != nil {
		j.fail(ctx, reporter, model.NewJobError(model.FailTranscription, err))
		return
	}
	if j.checkCancelled(ctx, reporter) {
		return
	}

	j.setStage(model.StageFinalizing)
	// The reporter must be fully detached before the final edit so a stale
	// periodic tick cannot overwrite the transcript.
	reporter.Stop()

	finalText := composeFinal(j.transcriptText(), j.Opts.Model)
	if err := j.edit(ctx, finalText); err != nil {
		reportErr := model.NewJobError(model.FailReport, err)
		j.fail(ctx, nil, reportErr)
		return
	}

	j.setStage(model.StageCompleted)
	logger.Info("job completed",
		zap.String("job_id", j.ID.String()),
		zap.String("key", j.Key.String()),
		zap.Duration("took", time.Since(j.Started())))
}

func (j *Job) transcribe(ctx context.Context, wavPath string) error {
	duration, probeErr := j.conv.Probe(ctx, wavPath)
	if probeErr != nil {
		duration = 0
	}

	stream, err := j.eng.Transcribe(ctx, wavPath, j.Opts.Model, j.Opts.Languages)
	if err != nil {
		return err
	}

	stageStart := time.Now()
	for seg := range stream.Segments() {
		j.mu.Lock()
		j.transcript.Append(seg)
		j.mu.Unlock()
		if duration > 0 {
			pct := int(float64(seg.End) / float64(duration) * 100)
			if pct > 99 {
				pct = 99
			}
			j.setProgress(pct, stageStart)
		}
	}
	return stream.Err()
}

func (j *Job) transcriptText() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transcript.Text()
}

// checkCancelled observes the cancel flag at a stage boundary.
func (j *Job) checkCancelled(ctx context.Context, reporter *progress.Reporter) bool {
	if !j.cancelled.Load() {
		return false
	}
	j.fail(ctx, reporter, model.NewJobError(model.FailCancelled, nil))
	return true
}

// fail moves the job to its terminal failed state and performs the single
// error-summary edit. A failure of that edit is only logged.
func (j *Job) fail(ctx context.Context, reporter *progress.Reporter, jobErr *model.JobError) {
	if reporter != nil {
		reporter.Stop()
	}
	j.setStage(model.StageFailed)

	logger.Error("job failed",
		zap.String("job_id", j.ID.String()),
		zap.String("key", j.Key.String()),
		zap.String("kind", string(jobErr.Kind)),
		zap.Error(jobErr))

	if err := j.edit(ctx, composeError(jobErr)); err != nil {
		logger.Warn("error edit failed",
			zap.String("key", j.Key.String()), zap.Error(err))
	}
}

// edit performs a high-priority edit of the trigger message, retrying
// rate-limited rejections with backoff. Non-retryable failures surface
// immediately.
func (j *Job) edit(ctx context.Context, text string) error {
	var permanent error
	err := resilience.RetryWithExponentialBackoff(ctx, &resilience.RetryConfig{
		MaxAttempts:     4,
		InitialInterval: 2 * time.Second,
		MaxInterval:     60 * time.Second,
		Multiplier:      3.0,
	}, func() error {
		editErr := j.gw.EditText(ctx, j.Key.ChatID, j.Key.MessageID, text)
		if editErr == nil {
			return nil
		}
		if gateway.IsRetryable(editErr) {
			return editErr
		}
		permanent = editErr
		return nil
	})
	if permanent != nil {
		return permanent
	}
	return err
}

// predictETA projects the stage completion time from progress so far,
// rendered in the job's timezone. Empty when no sane prediction exists.
func predictETA(stageStart time.Time, pct int, loc *time.Location) string {
	if pct <= 0 || pct > 99 || loc == nil {
		return ""
	}
	elapsed := time.Since(stageStart)
	if elapsed < 500*time.Millisecond {
		return ""
	}
	remaining := time.Duration(float64(elapsed) * float64(100-pct) / float64(pct))
	return time.Now().Add(remaining).In(loc).Format("2006-01-02 15:04:05 -0700")
}

func composeFinal(transcript, modelName string) string {
	body := transcript
	if body == "" {
		body = "(no speech recognized)"
	}
	text := fmt.Sprintf("Transcript (model %s):\n%s", modelName, body)
	return model.Truncate(text, model.MaxMessageLen)
}

func composeError(jobErr *model.JobError) string {
	if jobErr.Kind == model.FailCancelled {
		return "Transcription cancelled"
	}
	return model.Truncate(fmt.Sprintf("Transcription failed:\n%v", jobErr), 2000)
}
