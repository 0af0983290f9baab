package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"retell/internal/gateway"
	"retell/internal/subs"
	"retell/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (c *memCache) Get(ctx context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.data[key]
	if !ok {
		return fmt.Errorf("key not found: %s", key)
	}
	return json.Unmarshal(raw, dest)
}

func (c *memCache) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.data[key] = raw
	c.mu.Unlock()
	return nil
}

func (c *memCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
	return nil
}

func (c *memCache) Close() error { return nil }

func testDispatcher(t *testing.T, gw gateway.Gateway, conv Converter, eng Transcriber) (*Dispatcher, *subs.Store) {
	t.Helper()
	store := subs.NewStore(newMemCache())
	d := NewDispatcher(gw, conv, eng, store, testOpts(t), Config{
		TempDir:      t.TempDir(),
		EditInterval: time.Hour,
	})
	return d, store
}

func voiceReply(chatID int64, messageID int, text string) gateway.Message {
	return gateway.Message{
		ChatID:    chatID,
		MessageID: messageID,
		Text:      text,
		Outgoing:  true,
		Reply: &gateway.Reply{
			MessageID: messageID - 1,
			Media: &model.MediaRef{
				ChatID:    chatID,
				MessageID: messageID - 1,
				Kind:      model.MediaVoice,
				FileID:    "f1",
			},
		},
	}
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	require.Eventually(t, func() bool {
		return d.Active() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcherRunsCommandReply(t *testing.T) {
	gw := &fakeGateway{}
	eng := &fakeTranscriber{segments: []model.Segment{{Text: "hello", End: time.Second}}}
	d, _ := testDispatcher(t, gw, &fakeConverter{duration: time.Second}, eng)

	d.HandleOutgoing(context.Background(), voiceReply(7, 100, "/tr"))

	waitIdle(t, d)
	assert.Equal(t, "Transcript (model large):\nhello", gw.lastEdit())
}

func TestDispatcherIgnoresPlainText(t *testing.T) {
	gw := &fakeGateway{}
	d, _ := testDispatcher(t, gw, &fakeConverter{}, &fakeTranscriber{})

	d.HandleOutgoing(context.Background(), gateway.Message{
		ChatID: 7, MessageID: 100, Text: "just chatting", Outgoing: true,
	})

	assert.Equal(t, 0, d.Active())
	assert.Empty(t, gw.allEdits())
}

func TestDispatcherReportsParseError(t *testing.T) {
	gw := &fakeGateway{}
	d, _ := testDispatcher(t, gw, &fakeConverter{}, &fakeTranscriber{})

	d.HandleOutgoing(context.Background(), voiceReply(7, 100, "/tr model=huge"))

	assert.Equal(t, 0, d.Active())
	require.Len(t, gw.allEdits(), 1)
	assert.Contains(t, gw.lastEdit(), "unknown model")
}

func TestDispatcherReportsInvalidTarget(t *testing.T) {
	gw := &fakeGateway{}
	d, _ := testDispatcher(t, gw, &fakeConverter{}, &fakeTranscriber{})

	// Command not replying to anything.
	d.HandleOutgoing(context.Background(), gateway.Message{
		ChatID: 7, MessageID: 100, Text: "/tr", Outgoing: true,
	})
	assert.Contains(t, gw.lastEdit(), "reply to a voice, audio, or video message")

	// Command replying to a text message.
	msg := voiceReply(7, 101, "/tr")
	msg.Reply.Media = nil
	d.HandleOutgoing(context.Background(), msg)
	assert.Equal(t, 0, d.Active())
}

func TestDispatcherDeduplicatesTrigger(t *testing.T) {
	gw := &fakeGateway{}
	conv := &fakeConverter{duration: time.Second, block: make(chan struct{})}
	d, _ := testDispatcher(t, gw, conv, &fakeTranscriber{})

	msg := voiceReply(7, 100, "/tr")
	d.HandleOutgoing(context.Background(), msg)
	require.Eventually(t, func() bool { return d.Active() == 1 }, time.Second, 5*time.Millisecond)

	// Same trigger again while the first job is still running.
	d.HandleOutgoing(context.Background(), msg)
	assert.Equal(t, 1, d.Active())

	close(conv.block)
	waitIdle(t, d)

	// The slot is free again after the first job finished.
	conv.block = nil
	d.HandleOutgoing(context.Background(), msg)
	waitIdle(t, d)
}

func TestDispatcherConcurrentSameKey(t *testing.T) {
	gw := &fakeGateway{}
	conv := &fakeConverter{duration: time.Second, block: make(chan struct{})}
	d, _ := testDispatcher(t, gw, conv, &fakeTranscriber{})

	msg := voiceReply(7, 100, "/tr")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.HandleOutgoing(context.Background(), msg)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, d.Active())
	close(conv.block)
	waitIdle(t, d)
}

func TestDispatcherSubscriptionFlow(t *testing.T) {
	gw := &fakeGateway{}
	eng := &fakeTranscriber{segments: []model.Segment{{Text: "auto", End: time.Second}}}
	d, _ := testDispatcher(t, gw, &fakeConverter{duration: time.Second}, eng)
	ctx := context.Background()

	d.HandleOutgoing(ctx, gateway.Message{ChatID: 7, MessageID: 1, Text: "/tr_sub voice", Outgoing: true})
	assert.Contains(t, gw.lastEdit(), "Auto-transcription enabled (voice)")

	// Incoming voice in the subscribed chat starts a job in a fresh reply.
	d.HandleIncoming(ctx, gateway.Message{
		ChatID: 7, MessageID: 2,
		Media: &model.MediaRef{ChatID: 7, MessageID: 2, Kind: model.MediaVoice, FileID: "f2"},
	})
	waitIdle(t, d)

	gw.mu.Lock()
	replies := append([]string(nil), gw.replies...)
	gw.mu.Unlock()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "Queued")
	assert.Contains(t, gw.lastEdit(), "Transcript (model large):\nauto")

	// Audio is not subscribed, nothing happens.
	d.HandleIncoming(ctx, gateway.Message{
		ChatID: 7, MessageID: 3,
		Media: &model.MediaRef{ChatID: 7, MessageID: 3, Kind: model.MediaAudio, FileID: "f3"},
	})
	assert.Equal(t, 0, d.Active())

	d.HandleOutgoing(ctx, gateway.Message{ChatID: 7, MessageID: 4, Text: "/tr_unsub", Outgoing: true})
	assert.Contains(t, gw.lastEdit(), "Auto-transcription disabled")

	d.HandleIncoming(ctx, gateway.Message{
		ChatID: 7, MessageID: 5,
		Media: &model.MediaRef{ChatID: 7, MessageID: 5, Kind: model.MediaVoice, FileID: "f5"},
	})
	assert.Equal(t, 0, d.Active())
}

func TestDispatcherIgnoresIncomingWithoutSubscription(t *testing.T) {
	gw := &fakeGateway{}
	d, _ := testDispatcher(t, gw, &fakeConverter{}, &fakeTranscriber{})

	d.HandleIncoming(context.Background(), gateway.Message{
		ChatID: 9, MessageID: 1,
		Media: &model.MediaRef{ChatID: 9, MessageID: 1, Kind: model.MediaVoice, FileID: "f1"},
	})

	assert.Equal(t, 0, d.Active())
	assert.Empty(t, gw.allEdits())
}

func TestDispatcherTasksCommand(t *testing.T) {
	gw := &fakeGateway{}
	conv := &fakeConverter{duration: time.Second, block: make(chan struct{})}
	d, _ := testDispatcher(t, gw, conv, &fakeTranscriber{})
	ctx := context.Background()

	d.HandleOutgoing(ctx, gateway.Message{ChatID: 7, MessageID: 50, Text: "/tr_tasks", Outgoing: true})
	assert.Contains(t, gw.lastEdit(), "No active transcriptions")

	d.HandleOutgoing(ctx, voiceReply(7, 100, "/tr"))
	require.Eventually(t, func() bool { return d.Active() == 1 }, time.Second, 5*time.Millisecond)

	d.HandleOutgoing(ctx, gateway.Message{ChatID: 7, MessageID: 51, Text: "/tr_tasks", Outgoing: true})
	assert.Contains(t, gw.lastEdit(), "Active transcriptions: 1")
	assert.Contains(t, gw.lastEdit(), "7:100")

	close(conv.block)
	waitIdle(t, d)
}

func TestDispatcherHelpCommand(t *testing.T) {
	gw := &fakeGateway{}
	d, _ := testDispatcher(t, gw, &fakeConverter{}, &fakeTranscriber{})

	d.HandleOutgoing(context.Background(), gateway.Message{
		ChatID: 7, MessageID: 60, Text: "/tr_help", Outgoing: true,
	})

	help := gw.lastEdit()
	assert.Contains(t, help, "model=<name>")
	assert.Contains(t, help, "tiny, base, small, medium, turbo, large")
	assert.Contains(t, help, "Defaults: model=large lang=ru tz=UTC")
	assert.Contains(t, help, "/tr_sub")
	assert.Equal(t, 0, d.Active())
}

func TestParseSubFlags(t *testing.T) {
	assert.Equal(t, subs.All(), parseSubFlags(""))
	assert.Equal(t, subs.Flags{Voice: true}, parseSubFlags("voice"))
	assert.Equal(t, subs.Flags{Voice: true, Video: true}, parseSubFlags("voice,video"))
	// Unknown kinds fall back to everything rather than nothing.
	assert.Equal(t, subs.All(), parseSubFlags("photos"))
}

func TestDispatcherShutdownWaitsForJobs(t *testing.T) {
	gw := &fakeGateway{}
	eng := &fakeTranscriber{segments: []model.Segment{{Text: "done", End: time.Second}}}
	d, _ := testDispatcher(t, gw, &fakeConverter{duration: time.Second}, eng)

	d.HandleOutgoing(context.Background(), voiceReply(7, 100, "/tr"))
	d.Shutdown(5 * time.Second)

	assert.Equal(t, 0, d.Active())
	assert.Contains(t, gw.lastEdit(), "Transcript")

	// New triggers are rejected after shutdown.
	d.HandleOutgoing(context.Background(), voiceReply(7, 200, "/tr"))
	assert.Equal(t, 0, d.Active())
}

func TestDispatcherShutdownCancelsStragglers(t *testing.T) {
	gw := &fakeGateway{}
	conv := &fakeConverter{duration: time.Second, block: make(chan struct{})}
	d, _ := testDispatcher(t, gw, conv, &fakeTranscriber{})

	d.HandleOutgoing(context.Background(), voiceReply(7, 100, "/tr"))
	require.Eventually(t, func() bool { return d.Active() == 1 }, time.Second, 5*time.Millisecond)

	go func() {
		// The job only observes the cancel flag once Convert returns.
		time.Sleep(100 * time.Millisecond)
		close(conv.block)
	}()

	d.Shutdown(20 * time.Millisecond)

	assert.Equal(t, 0, d.Active())
	assert.Contains(t, gw.lastEdit(), "cancelled")
}
