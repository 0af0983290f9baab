package job

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"retell/internal/command"
	"retell/internal/gateway"
	"retell/internal/subs"
	"retell/pkg/logger"
	"retell/pkg/model"

	"go.uber.org/zap"
)

// Dispatcher routes message events into jobs. It is the single owner of the
// active-job registry: at most one job per trigger message, enforced with an
// atomic check-then-insert under one mutex.
type Dispatcher struct {
	gw       gateway.Gateway
	conv     Converter
	eng      Transcriber
	subs     *subs.Store
	defaults command.Options
	cfg      Config

	mu      sync.Mutex
	active  map[Key]*Job
	stopped bool
	wg      sync.WaitGroup
}

// NewDispatcher wires the pipeline collaborators together.
func NewDispatcher(gw gateway.Gateway, conv Converter, eng Transcriber, subStore *subs.Store, defaults command.Options, cfg Config) *Dispatcher {
	return &Dispatcher{
		gw:       gw,
		conv:     conv,
		eng:      eng,
		subs:     subStore,
		defaults: defaults,
		cfg:      cfg,
		active:   make(map[Key]*Job),
	}
}

// HandleOutgoing processes a message sent by the controlling account. Command
// replies to media start jobs; control commands manage subscriptions.
func (d *Dispatcher) HandleOutgoing(ctx context.Context, msg gateway.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if d.handleControl(ctx, msg, text) {
		return
	}

	opts, err := command.Parse(text, d.defaults)
	if err != nil {
		if err == command.ErrNotCommand {
			return
		}
		// Malformed command: report in place and leave no job behind.
		d.editBestEffort(ctx, msg.ChatID, msg.MessageID, fmt.Sprintf("Transcription error: %v", err))
		return
	}

	if msg.Reply == nil || msg.Reply.Media == nil {
		logger.Info("command without eligible target",
			zap.Int64("chat_id", msg.ChatID),
			zap.Int("message_id", msg.MessageID),
			zap.String("kind", string(model.FailInvalidTarget)))
		d.editBestEffort(ctx, msg.ChatID, msg.MessageID,
			"Transcription error: reply to a voice, audio, or video message")
		return
	}

	key := Key{ChatID: msg.ChatID, MessageID: msg.MessageID}
	d.startJob(ctx, key, *msg.Reply.Media, opts, false)
}

// HandleIncoming processes messages from other accounts. Chats with an
// auto-transcription subscription get a job for each eligible attachment,
// reported into a freshly sent reply.
func (d *Dispatcher) HandleIncoming(ctx context.Context, msg gateway.Message) {
	if msg.Media == nil {
		return
	}

	flags, ok := d.subs.Get(ctx, msg.ChatID)
	if !ok || !flags.Allows(msg.Media.Kind) {
		return
	}

	placeholder := fmt.Sprintf("Transcription (model %s): Queued", d.defaults.Model)
	replyID, err := d.gw.SendReply(ctx, msg.ChatID, msg.MessageID, placeholder)
	if err != nil {
		logger.Warn("auto-transcription reply failed",
			zap.Int64("chat_id", msg.ChatID),
			zap.Int("message_id", msg.MessageID),
			zap.Error(err))
		return
	}

	key := Key{ChatID: msg.ChatID, MessageID: replyID}
	d.startJob(ctx, key, *msg.Media, d.defaults, true)
}

// startJob registers and launches a job unless the key is already taken or
// the dispatcher is shutting down.
func (d *Dispatcher) startJob(ctx context.Context, key Key, media model.MediaRef, opts command.Options, skipInitialEdit bool) {
	j := New(key, media, opts, d.gw, d.conv, d.eng, d.cfg)
	j.skipInitialEdit = skipInitialEdit

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		logger.Info("job rejected, shutting down", zap.String("key", key.String()))
		return
	}
	if _, exists := d.active[key]; exists {
		d.mu.Unlock()
		logger.Info("duplicate trigger ignored", zap.String("key", key.String()))
		return
	}
	d.active[key] = j
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer d.deregister(key)
		j.Run(ctx)
	}()
}

func (d *Dispatcher) deregister(key Key) {
	d.mu.Lock()
	delete(d.active, key)
	d.mu.Unlock()
}

// Active returns the number of registered jobs.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// handleControl dispatches the subscription and status commands. Returns
// false when text is none of them.
func (d *Dispatcher) handleControl(ctx context.Context, msg gateway.Message, text string) bool {
	head, rest, _ := strings.Cut(strings.ToLower(text), " ")

	switch head {
	case "/tr_sub":
		flags := parseSubFlags(rest)
		if err := d.subs.Enable(ctx, msg.ChatID, flags); err != nil {
			d.editBestEffort(ctx, msg.ChatID, msg.MessageID, fmt.Sprintf("Subscription error: %v", err))
			return true
		}
		d.editBestEffort(ctx, msg.ChatID, msg.MessageID,
			fmt.Sprintf("Auto-transcription enabled (%s)", describeFlags(flags)))
		return true

	case "/tr_unsub":
		if err := d.subs.Disable(ctx, msg.ChatID); err != nil {
			d.editBestEffort(ctx, msg.ChatID, msg.MessageID, fmt.Sprintf("Subscription error: %v", err))
			return true
		}
		d.editBestEffort(ctx, msg.ChatID, msg.MessageID, "Auto-transcription disabled")
		return true

	case "/tr_tasks":
		d.editBestEffort(ctx, msg.ChatID, msg.MessageID, d.renderTasks())
		return true

	case "/tr_help":
		d.editBestEffort(ctx, msg.ChatID, msg.MessageID, d.renderHelp())
		return true
	}
	return false
}

// renderHelp lists the command surface with the current process defaults.
func (d *Dispatcher) renderHelp() string {
	var b strings.Builder
	b.WriteString("Reply to a voice, audio, or video message with /tr, /ts, or /transcription.\n")
	b.WriteString("Options: model=<name> lang=<code,code,...> tz=<IANA zone>\n")
	fmt.Fprintf(&b, "Models: %s\n", strings.Join(command.ModelOrder, ", "))
	fmt.Fprintf(&b, "Defaults: %s\n", strings.TrimPrefix(d.defaults.Canonical(), "/tr "))
	b.WriteString("Auto-transcription: /tr_sub [voice,audio,video], /tr_unsub\n")
	b.WriteString("Status: /tr_tasks")
	return b.String()
}

// parseSubFlags reads an optional kind list ("voice,audio,video") after
// /tr_sub. Unrecognized kinds are ignored; an empty result means all kinds.
func parseSubFlags(rest string) subs.Flags {
	var flags subs.Flags
	for _, part := range strings.Split(rest, ",") {
		switch strings.TrimSpace(part) {
		case "voice":
			flags.Voice = true
		case "audio":
			flags.Audio = true
		case "video":
			flags.Video = true
		}
	}
	if !flags.Any() {
		return subs.All()
	}
	return flags
}

func describeFlags(flags subs.Flags) string {
	var kinds []string
	if flags.Voice {
		kinds = append(kinds, "voice")
	}
	if flags.Audio {
		kinds = append(kinds, "audio")
	}
	if flags.Video {
		kinds = append(kinds, "video")
	}
	return strings.Join(kinds, ", ")
}

// renderTasks lists the active jobs, oldest first.
func (d *Dispatcher) renderTasks() string {
	d.mu.Lock()
	jobs := make([]*Job, 0, len(d.active))
	for _, j := range d.active {
		jobs = append(jobs, j)
	}
	d.mu.Unlock()

	if len(jobs) == 0 {
		return "No active transcriptions"
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].Started().Before(jobs[k].Started())
	})

	var b strings.Builder
	fmt.Fprintf(&b, "Active transcriptions: %d\n", len(jobs))
	for _, j := range jobs {
		snap := j.Snapshot()
		fmt.Fprintf(&b, "%s: %s model=%s elapsed=%s\n",
			j.Key, snap.Stage, snap.ModelName, snap.Elapsed.Truncate(time.Second))
	}
	return model.Truncate(strings.TrimRight(b.String(), "\n"), model.MaxMessageLen)
}

func (d *Dispatcher) editBestEffort(ctx context.Context, chatID int64, messageID int, text string) {
	if err := d.gw.EditText(ctx, chatID, messageID, text); err != nil {
		logger.Warn("edit failed",
			zap.Int64("chat_id", chatID),
			zap.Int("message_id", messageID),
			zap.Error(err))
	}
}

// Shutdown stops accepting triggers, waits up to grace for running jobs to
// finish, then flags the stragglers cancelled and returns once they exit.
func (d *Dispatcher) Shutdown(grace time.Duration) {
	d.mu.Lock()
	d.stopped = true
	remaining := len(d.active)
	d.mu.Unlock()

	logger.Info("dispatcher shutting down",
		zap.Int("active_jobs", remaining),
		zap.Duration("grace", grace))

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all jobs finished")
		return
	case <-time.After(grace):
	}

	d.mu.Lock()
	for key, j := range d.active {
		logger.Warn("cancelling job after grace period", zap.String("key", key.String()))
		j.Cancel()
	}
	d.mu.Unlock()

	d.wg.Wait()
	logger.Info("dispatcher stopped")
}
