package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"retell/pkg/logger"
	"retell/pkg/model"
	"retell/pkg/resilience"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"
)

// Telegram implements Gateway over the Bot API. Messages from the owner
// account are surfaced as outgoing events; everything else is incoming.
type Telegram struct {
	bot        *tele.Bot
	ownerID    int64
	maxBytes   int64
	httpClient *http.Client
	limiter    *resilience.RateLimiter
}

// NewTelegram connects to Telegram and prepares the event handlers.
// maxBytes caps a single media download.
func NewTelegram(token string, ownerID, maxBytes int64) (*Telegram, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token: token,
		Poller: &tele.LongPoller{
			Timeout: 10 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	return &Telegram{
		bot:      bot,
		ownerID:  ownerID,
		maxBytes: maxBytes,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		// Telegram tolerates roughly one edit per second per chat.
		limiter: resilience.NewRateLimiter(1, time.Second),
	}, nil
}

// Start registers the event handlers and runs the poller until Stop.
func (g *Telegram) Start(ctx context.Context, h Handler) {
	route := func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		msg := g.convert(m)
		if msg.Outgoing {
			h.HandleOutgoing(ctx, msg)
		} else {
			h.HandleIncoming(ctx, msg)
		}
		return nil
	}

	g.bot.Handle(tele.OnText, route)
	g.bot.Handle(tele.OnVoice, route)
	g.bot.Handle(tele.OnAudio, route)
	g.bot.Handle(tele.OnVideo, route)
	g.bot.Handle(tele.OnVideoNote, route)

	logger.Info("Telegram gateway started", zap.Int64("owner_id", g.ownerID))
	g.bot.Start()
}

// Stop shuts the poller down.
func (g *Telegram) Stop() {
	g.bot.Stop()
	logger.Info("Telegram gateway stopped")
}

func (g *Telegram) convert(m *tele.Message) Message {
	msg := Message{
		ChatID:    m.Chat.ID,
		MessageID: m.ID,
		Text:      m.Text,
		Outgoing:  m.Sender != nil && m.Sender.ID == g.ownerID,
		Media:     mediaRef(m),
	}
	if m.ReplyTo != nil {
		msg.Reply = &Reply{
			MessageID: m.ReplyTo.ID,
			Media:     mediaRef(m.ReplyTo),
		}
	}
	return msg
}

// mediaRef maps a message's attachment to a MediaRef, nil when the message
// carries nothing transcribable. Round video messages count as video.
func mediaRef(m *tele.Message) *model.MediaRef {
	ref := model.MediaRef{ChatID: m.Chat.ID, MessageID: m.ID}
	switch {
	case m.Voice != nil:
		ref.Kind = model.MediaVoice
		ref.FileID = m.Voice.FileID
		ref.FileSize = m.Voice.FileSize
		ref.Duration = m.Voice.Duration
	case m.Audio != nil:
		ref.Kind = model.MediaAudio
		ref.FileID = m.Audio.FileID
		ref.FileSize = m.Audio.FileSize
		ref.Duration = m.Audio.Duration
	case m.Video != nil:
		ref.Kind = model.MediaVideo
		ref.FileID = m.Video.FileID
		ref.FileSize = m.Video.FileSize
		ref.Duration = m.Video.Duration
	case m.VideoNote != nil:
		ref.Kind = model.MediaVideo
		ref.FileID = m.VideoNote.FileID
		ref.FileSize = m.VideoNote.FileSize
		ref.Duration = m.VideoNote.Duration
	default:
		return nil
	}
	return &ref
}

// EditText edits a message, pacing all writes through the shared limiter.
// Flood limits surface as RetryAfterError; an unmodified-content rejection
// is treated as success.
func (g *Telegram) EditText(ctx context.Context, chatID int64, messageID int, text string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	ref := tele.StoredMessage{
		MessageID: strconv.Itoa(messageID),
		ChatID:    chatID,
	}
	_, err := g.bot.Edit(ref, text)
	if err == nil {
		return nil
	}
	return g.classify(err)
}

// SendReply sends a new message as a reply and returns its ID.
func (g *Telegram) SendReply(ctx context.Context, chatID int64, replyTo int, text string) (int, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	sent, err := g.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ReplyTo: &tele.Message{ID: replyTo},
	})
	if err != nil {
		return 0, g.classify(err)
	}
	return sent.ID, nil
}

func (g *Telegram) classify(err error) error {
	var flood *tele.FloodError
	if errors.As(err, &flood) {
		return &RetryAfterError{
			After: time.Duration(flood.RetryAfter+1) * time.Second,
			Err:   err,
		}
	}
	if errors.Is(err, tele.ErrSameMessageContent) {
		logger.Debug("edit skipped, message not modified")
		return nil
	}
	return err
}

// DownloadMedia streams the referenced file into dest, refusing anything
// over the configured ceiling.
func (g *Telegram) DownloadMedia(ctx context.Context, ref model.MediaRef, dest string) error {
	if ref.FileSize > 0 && ref.FileSize > g.maxBytes {
		return fmt.Errorf("media size %d exceeds limit %d", ref.FileSize, g.maxBytes)
	}

	file, err := g.bot.FileByID(ref.FileID)
	if err != nil {
		return fmt.Errorf("failed to get file info: %w", err)
	}

	fileURL := g.bot.URL + "/file/bot" + g.bot.Token + "/" + file.FilePath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download file: status=%d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create media file: %w", err)
	}
	defer out.Close()

	written, err := io.Copy(out, io.LimitReader(resp.Body, g.maxBytes+1))
	if err != nil {
		return fmt.Errorf("failed to write media file: %w", err)
	}
	if written > g.maxBytes {
		return fmt.Errorf("media stream exceeded limit %d", g.maxBytes)
	}

	logger.Debug("media downloaded",
		zap.String("file_id", ref.FileID),
		zap.Int64("bytes", written))

	return nil
}
