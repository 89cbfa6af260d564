package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adoptapet/adoptapet-backend/internal/models"
	"github.com/adoptapet/adoptapet-backend/pkg/logger"
)

const (
	chatDocKeyPrefix = "chat:doc:"
	chatDocTTL       = 1 * time.Hour
)

func chatDocKey(chatID string) string {
	return chatDocKeyPrefix + chatID
}

// CachedChatRepository keeps chat documents in Redis in front of another
// repository. Every join, send and history read authorizes against the chat
// document, so GetChat is the hot path. Participants never change; a cached
// LastMessage may trail the store until the next summary update drops it.
type CachedChatRepository struct {
	ChatRepository
	client *redis.Client
	log    zerolog.Logger
}

func NewCachedChatRepository(inner ChatRepository, client *redis.Client) *CachedChatRepository {
	return &CachedChatRepository{
		ChatRepository: inner,
		client:         client,
		log:            logger.With("chat_cache"),
	}
}

// GetChat reads through the cache. Redis failures fall back to the inner
// repository.
func (r *CachedChatRepository) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	key := chatDocKey(chatID)
	raw, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var chat models.Chat
		if json.Unmarshal(raw, &chat) == nil && chat.ID == chatID {
			return chat, nil
		}
	case !errors.Is(err, redis.Nil):
		r.log.Warn().Err(err).Str("chat_id", chatID).Msg("chat cache read failed")
	}

	chat, err := r.ChatRepository.GetChat(ctx, chatID)
	if err != nil {
		return models.Chat{}, err
	}
	r.store(ctx, chat)
	return chat, nil
}

func (r *CachedChatRepository) FindOrCreateChat(ctx context.Context, chat models.Chat) (models.Chat, bool, error) {
	got, created, err := r.ChatRepository.FindOrCreateChat(ctx, chat)
	if err == nil && created {
		r.store(ctx, got)
	}
	return got, created, err
}

func (r *CachedChatRepository) UpdateChatSummary(ctx context.Context, chatID string, lastMessage string, at time.Time) error {
	if err := r.ChatRepository.UpdateChatSummary(ctx, chatID, lastMessage, at); err != nil {
		return err
	}
	if err := r.client.Del(ctx, chatDocKey(chatID)).Err(); err != nil {
		r.log.Warn().Err(err).Str("chat_id", chatID).Msg("chat cache invalidate failed")
	}
	return nil
}

func (r *CachedChatRepository) store(ctx context.Context, chat models.Chat) {
	data, err := json.Marshal(chat)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, chatDocKey(chat.ID), data, chatDocTTL).Err(); err != nil {
		r.log.Warn().Err(err).Str("chat_id", chat.ID).Msg("chat cache write failed")
	}
}
