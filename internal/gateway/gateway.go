package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"retell/pkg/model"
)

// Message is a gateway-neutral view of a chat message event.
type Message struct {
	ChatID    int64
	MessageID int
	Text      string
	Outgoing  bool // sent by the controlling account

	// Media is set when this message itself carries an eligible attachment.
	Media *model.MediaRef

	// Reply describes the replied-to message, nil when not a reply.
	Reply *Reply
}

// Reply is the replied-to message as carried with the triggering update.
type Reply struct {
	MessageID int
	Media     *model.MediaRef // nil when the target has no eligible media
}

// Handler receives message events from the gateway's dispatch loop.
type Handler interface {
	HandleOutgoing(ctx context.Context, msg Message)
	HandleIncoming(ctx context.Context, msg Message)
}

// Gateway is the narrow messaging surface the pipeline depends on.
type Gateway interface {
	// EditText replaces the text of an existing message. A no-op edit
	// (identical text) is not an error.
	EditText(ctx context.Context, chatID int64, messageID int, text string) error

	// SendReply sends a new message replying to replyTo and returns the new
	// message's ID.
	SendReply(ctx context.Context, chatID int64, replyTo int, text string) (int, error)

	// DownloadMedia fetches the referenced media into dest.
	DownloadMedia(ctx context.Context, ref model.MediaRef, dest string) error
}

// RetryAfterError marks a rate-limited gateway call that may be retried
// after the given delay.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient, rate-limit style failure.
func IsRetryable(err error) bool {
	var r *RetryAfterError
	return errors.As(err, &r)
}
