package subs

import (
	"context"

	"retell/pkg/cache"
	"retell/pkg/logger"
	"retell/pkg/model"

	"go.uber.org/zap"
)

// Flags selects which media kinds a chat auto-transcribes.
type Flags struct {
	Voice bool `json:"voice"`
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// All returns flags with every kind enabled.
func All() Flags {
	return Flags{Voice: true, Audio: true, Video: true}
}

// Allows reports whether kind is subscribed.
func (f Flags) Allows(kind model.MediaKind) bool {
	switch kind {
	case model.MediaVoice:
		return f.Voice
	case model.MediaAudio:
		return f.Audio
	case model.MediaVideo:
		return f.Video
	}
	return false
}

// Any reports whether at least one kind is subscribed.
func (f Flags) Any() bool {
	return f.Voice || f.Audio || f.Video
}

// Store keeps per-chat auto-transcription subscriptions in the cache, so
// they survive restarts.
type Store struct {
	cache cache.Cache
}

func NewStore(c cache.Cache) *Store {
	return &Store{cache: c}
}

// Enable stores the given flags for the chat.
func (s *Store) Enable(ctx context.Context, chatID int64, flags Flags) error {
	key := cache.SubscriptionCacheKey(chatID)
	if err := s.cache.SetWithTTL(ctx, key, flags, 0); err != nil {
		return err
	}
	logger.Info("subscription enabled",
		zap.Int64("chat_id", chatID),
		zap.Bool("voice", flags.Voice),
		zap.Bool("audio", flags.Audio),
		zap.Bool("video", flags.Video))
	return nil
}

// Disable removes the chat's subscription.
func (s *Store) Disable(ctx context.Context, chatID int64) error {
	key := cache.SubscriptionCacheKey(chatID)
	if err := s.cache.Delete(ctx, key); err != nil {
		return err
	}
	logger.Info("subscription disabled", zap.Int64("chat_id", chatID))
	return nil
}

// Get returns the chat's flags and whether a subscription exists.
func (s *Store) Get(ctx context.Context, chatID int64) (Flags, bool) {
	var flags Flags
	key := cache.SubscriptionCacheKey(chatID)
	if err := s.cache.Get(ctx, key, &flags); err != nil {
		return Flags{}, false
	}
	return flags, flags.Any()
}
