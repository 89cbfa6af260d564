package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/adoptapet/adoptapet-backend/internal/models"
	apperrors "github.com/adoptapet/adoptapet-backend/pkg/errors"
	"github.com/adoptapet/adoptapet-backend/pkg/logger"
)

// ErrChatNotFound is returned by repositories when a chat id does not exist.
var ErrChatNotFound = errors.New("chat not found")

// ChatRepository is the persistence port behind ChatStore. Implementations
// assign ids, keep one chat per PairKey and return messages in append order.
type ChatRepository interface {
	// FindOrCreateChat returns the chat stored under chat.PairKey, inserting
	// chat when there is none. The bool reports whether an insert happened.
	FindOrCreateChat(ctx context.Context, chat models.Chat) (models.Chat, bool, error)
	GetChat(ctx context.Context, chatID string) (models.Chat, error)
	ListChatsForUser(ctx context.Context, userID string) ([]models.Chat, error)
	InsertMessage(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error)
	UpdateChatSummary(ctx context.Context, chatID string, lastMessage string, at time.Time) error
	ListMessages(ctx context.Context, chatID string) ([]models.ChatMessage, error)
	MarkRead(ctx context.Context, chatID string, readerID string, at time.Time) (int64, error)
}

// ChatStore enforces the chat invariants (pair uniqueness, participant-only
// access, trimmed non-empty bounded text) on top of a ChatRepository.
type ChatStore struct {
	repo      ChatRepository
	moderator *Moderator
	maxLength int
	now       func() time.Time
	log       zerolog.Logger
}

func NewChatStore(repo ChatRepository, moderator *Moderator, maxLength int) *ChatStore {
	return &ChatStore{
		repo:      repo,
		moderator: moderator,
		maxLength: maxLength,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logger.With("chat_store"),
	}
}

func (s *ChatStore) FindOrCreateChat(ctx context.Context, userA, userB, relatedContext string) (models.Chat, bool, error) {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return models.Chat{}, false, apperrors.Validation("both participants are required")
	}
	if userA == userB {
		return models.Chat{}, false, apperrors.Validation("cannot start a chat with yourself")
	}

	now := s.now()
	chat, created, err := s.repo.FindOrCreateChat(ctx, models.Chat{
		Participants:   []string{userA, userB},
		PairKey:        models.PairKey(userA, userB),
		RelatedContext: strings.TrimSpace(relatedContext),
		LastMessage:    "",
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return models.Chat{}, false, apperrors.Internal(err)
	}
	if !chat.HasParticipant(userA) || !chat.HasParticipant(userB) {
		s.log.Error().Str("chat_id", chat.ID).Strs("participants", chat.Participants).
			Str("user_a", userA).Str("user_b", userB).Msg("pair key resolved to a foreign chat")
		return models.Chat{}, false, apperrors.Internal(fmt.Errorf("chat %s does not belong to pair (%s, %s)", chat.ID, userA, userB))
	}
	return chat, created, nil
}

func (s *ChatStore) ListChatsForUser(ctx context.Context, userID string) ([]models.Chat, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperrors.Validation("user id is required")
	}
	chats, err := s.repo.ListChatsForUser(ctx, userID)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return chats, nil
}

// GetChat loads a chat without any membership check.
func (s *ChatStore) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	if strings.TrimSpace(chatID) == "" {
		return models.Chat{}, apperrors.Validation("chat id is required")
	}
	chat, err := s.repo.GetChat(ctx, chatID)
	if errors.Is(err, ErrChatNotFound) {
		return models.Chat{}, apperrors.NotFound("chat")
	}
	if err != nil {
		return models.Chat{}, apperrors.Internal(err)
	}
	return chat, nil
}

// AuthorizeParticipant loads the chat and fails with FORBIDDEN unless userID takes part in it.
func (s *ChatStore) AuthorizeParticipant(ctx context.Context, chatID, userID string) (models.Chat, error) {
	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return models.Chat{}, err
	}
	if !chat.HasParticipant(userID) {
		return models.Chat{}, apperrors.Forbidden("you are not a participant of this chat")
	}
	return chat, nil
}

// AppendMessage persists a message and refreshes the chat's denormalized
// last message. A failed refresh is logged and the stored message is still
// returned.
func (s *ChatStore) AppendMessage(ctx context.Context, chatID, senderID, text string) (models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.ChatMessage{}, apperrors.Validation("message text is required")
	}
	if utf8.RuneCountInString(text) > s.maxLength {
		return models.ChatMessage{}, apperrors.Validation("message text is too long")
	}

	if _, err := s.AuthorizeParticipant(ctx, chatID, senderID); err != nil {
		return models.ChatMessage{}, err
	}

	if s.moderator != nil {
		text = s.moderator.Censor(text)
	}

	now := s.now()
	msg, err := s.repo.InsertMessage(ctx, models.ChatMessage{
		ChatID:    chatID,
		SenderID:  senderID,
		Text:      text,
		Status:    models.MessageStatusSent,
		CreatedAt: now,
	})
	if err != nil {
		return models.ChatMessage{}, apperrors.Internal(err)
	}

	if err := s.repo.UpdateChatSummary(ctx, chatID, msg.Text, msg.CreatedAt); err != nil {
		s.log.Warn().Err(err).
			Str("chat_id", chatID).
			Str("message_id", msg.ID).
			Msg("message stored but chat summary update failed")
	}
	return msg, nil
}

func (s *ChatStore) ListMessages(ctx context.Context, chatID, requesterID string) ([]models.ChatMessage, error) {
	if _, err := s.AuthorizeParticipant(ctx, chatID, requesterID); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, chatID)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return msgs, nil
}

// MarkRead flips every message not authored by readerID to read and returns
// how many changed. A second call with nothing left to flip returns 0.
func (s *ChatStore) MarkRead(ctx context.Context, chatID, readerID string) (int64, time.Time, error) {
	if _, err := s.AuthorizeParticipant(ctx, chatID, readerID); err != nil {
		return 0, time.Time{}, err
	}
	at := s.now()
	n, err := s.repo.MarkRead(ctx, chatID, readerID, at)
	if err != nil {
		return 0, time.Time{}, apperrors.Internal(err)
	}
	return n, at, nil
}
