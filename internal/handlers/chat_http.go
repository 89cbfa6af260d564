package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/adoptapet/adoptapet-backend/internal/middleware"
	"github.com/adoptapet/adoptapet-backend/internal/models"
	"github.com/adoptapet/adoptapet-backend/internal/services"
	"github.com/adoptapet/adoptapet-backend/pkg/logger"
)

const requestTimeout = 5 * time.Second

// ChatHandler serves the REST chat API. Every route expects RequireAuth in
// front of it.
type ChatHandler struct {
	store     *services.ChatStore
	gateway   *services.Gateway
	presence  *services.PresenceTracker
	directory services.UserDirectory
	validate  *validator.Validate
	loc       *time.Location
}

func NewChatHandler(store *services.ChatStore, gateway *services.Gateway, presence *services.PresenceTracker, directory services.UserDirectory, loc *time.Location) *ChatHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &ChatHandler{
		store:     store,
		gateway:   gateway,
		presence:  presence,
		directory: directory,
		validate:  validator.New(),
		loc:       loc,
	}
}

type CreateChatRequest struct {
	OtherUserID    string `json:"otherUserId" validate:"required,max=128"`
	RelatedContext string `json:"relatedContext" validate:"max=256"`
}

type SendMessageRequest struct {
	Text string `json:"text" validate:"required"`
}

// ListChats returns the caller's chats, most recently active first.
func (h *ChatHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	chats, err := h.store.ListChatsForUser(ctx, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	summaries := lo.Map(chats, func(c models.Chat, _ int) models.ChatSummary {
		return h.summarize(ctx, c, userID)
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "chats": summaries})
}

// CreateChat finds or creates the chat between the caller and otherUserId.
// Body: { "otherUserId": "...", "relatedContext": "pet:123" }
func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())

	var req CreateChatRequest
	if err := decodeBody(w, r, h.validate, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	chat, created, err := h.store.FindOrCreateChat(ctx, userID, req.OtherUserID, req.RelatedContext)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if created {
		logger.Info().Str("chat_id", chat.ID).Str("user_id", userID).Msg("chat created")
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "chat": h.summarize(ctx, chat, userID)})
}

// ListMessages returns the full history of a chat, oldest first.
func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	msgs, err := h.store.ListMessages(ctx, chi.URLParam(r, "chatId"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	views := lo.Map(msgs, func(m models.ChatMessage, _ int) models.MessageView {
		return models.NewMessageView(m, userID, h.loc)
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messages": views})
}

// SendMessage appends a message through the gateway so connected room
// members get it in realtime too.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())

	var req SendMessageRequest
	if err := decodeBody(w, r, h.validate, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	msg, err := h.gateway.DeliverMessage(ctx, chi.URLParam(r, "chatId"), userID, req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "msg": models.NewMessageView(msg, userID, h.loc)})
}

func (h *ChatHandler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "userIds": h.presence.OnlineUserIDs()})
}

func (h *ChatHandler) summarize(ctx context.Context, c models.Chat, viewerID string) models.ChatSummary {
	otherID := c.Counterpart(viewerID)
	profile, err := h.directory.Lookup(ctx, otherID)
	if err != nil {
		logger.Warn().Err(err).Str("user_id", otherID).Msg("profile lookup failed")
		profile = services.FallbackProfile(otherID)
	}
	return models.NewChatSummary(c, profile, h.presence.IsOnline(otherID))
}

// Health is the liveness probe.
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}
