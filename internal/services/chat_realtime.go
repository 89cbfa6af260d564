package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/adoptapet/adoptapet-backend/internal/models"
	apperrors "github.com/adoptapet/adoptapet-backend/pkg/errors"
	"github.com/adoptapet/adoptapet-backend/pkg/logger"
)

// ErrHandshakeUnauthenticated is returned by Connect when the gateway requires
// an authenticated handshake and the connection carries no identity.
var ErrHandshakeUnauthenticated = errors.New("realtime: authentication required")

const (
	eventTimeout    = 5 * time.Second
	chatLockStripes = 64

	typingRatePerSec = 2
	typingBurst      = 4
)

// RealtimeConn is a live client socket as seen by the gateway. Emit must not
// block; transports queue the event and deliver it from their own goroutine.
type RealtimeConn interface {
	ID() string
	Emit(event string, payload any)
	// Identity is the user id proven at handshake, or "" when none was.
	Identity() string
}

// GatewayOptions tunes per-connection limits and auth policy.
type GatewayOptions struct {
	RequireAuth    bool
	SendRatePerSec float64
	SendBurst      int
	Location       *time.Location
}

// connState is the gateway's view of one connection. The lifecycle is
// connected -> registered -> in rooms -> disconnected.
type connState struct {
	conn RealtimeConn

	mu     sync.Mutex
	userID string
	rooms  map[string]struct{}
	closed bool

	sendLimiter   *rate.Limiter
	typingLimiter *rate.Limiter
}

func (c *connState) registeredUser() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *connState) inRoom(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[chatID]
	return ok
}

type eventHandler func(ctx context.Context, c *connState, raw json.RawMessage) error

// Gateway routes realtime events from any transport to the chat store and
// fans results out to chat rooms. Rooms and presence live in memory on this
// instance only.
type Gateway struct {
	store    *ChatStore
	presence *PresenceTracker
	validate *validator.Validate
	opts     GatewayOptions
	log      zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*connState
	rooms map[string]map[string]*connState

	// Appending and fanning out one message happen under the chat's stripe
	// so every room member sees messages in persist order.
	chatLocks [chatLockStripes]sync.Mutex

	handlers map[string]eventHandler
}

func NewGateway(store *ChatStore, presence *PresenceTracker, opts GatewayOptions) *Gateway {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.SendRatePerSec <= 0 {
		opts.SendRatePerSec = 5
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 10
	}

	g := &Gateway{
		store:    store,
		presence: presence,
		validate: validator.New(),
		opts:     opts,
		log:      logger.With("gateway"),
		conns:    make(map[string]*connState),
		rooms:    make(map[string]map[string]*connState),
	}
	g.handlers = map[string]eventHandler{
		models.EventRegister:       g.handleRegister,
		models.EventJoinChat:       g.handleJoinChat,
		models.EventLeaveChat:      g.handleLeaveChat,
		models.EventSendMessage:    g.handleSendMessage,
		models.EventTyping:         g.handleTyping,
		models.EventMarkRead:       g.handleMarkRead,
		models.EventGetOnlineUsers: g.handleGetOnlineUsers,
	}
	presence.SetListener(g.broadcastPresence)
	return g
}

// Events lists the inbound event names the gateway understands.
func (g *Gateway) Events() []string {
	return lo.Keys(g.handlers)
}

// RequireAuth reports whether handshakes must carry a credential.
func (g *Gateway) RequireAuth() bool {
	return g.opts.RequireAuth
}

// Connect admits a new connection.
func (g *Gateway) Connect(conn RealtimeConn) error {
	if g.opts.RequireAuth && conn.Identity() == "" {
		return ErrHandshakeUnauthenticated
	}
	c := &connState{
		conn:          conn,
		rooms:         make(map[string]struct{}),
		sendLimiter:   rate.NewLimiter(rate.Limit(g.opts.SendRatePerSec), g.opts.SendBurst),
		typingLimiter: rate.NewLimiter(typingRatePerSec, typingBurst),
	}

	g.mu.Lock()
	g.conns[conn.ID()] = c
	g.mu.Unlock()

	g.log.Debug().Str("conn_id", conn.ID()).Str("identity", conn.Identity()).Msg("connection opened")
	return nil
}

// Disconnect removes the connection from every room and from presence.
// Calling it twice is harmless.
func (g *Gateway) Disconnect(conn RealtimeConn) {
	g.mu.Lock()
	c, ok := g.conns[conn.ID()]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.conns, conn.ID())

	c.mu.Lock()
	c.closed = true
	userID := c.userID
	for chatID := range c.rooms {
		if members := g.rooms[chatID]; members != nil {
			delete(members, conn.ID())
			if len(members) == 0 {
				delete(g.rooms, chatID)
			}
		}
	}
	c.rooms = nil
	c.mu.Unlock()
	g.mu.Unlock()

	if userID != "" {
		g.presence.Unregister(userID, conn.ID())
	}
	g.log.Debug().Str("conn_id", conn.ID()).Str("user_id", userID).Msg("connection closed")
}

// Dispatch runs the handler for event. Failures are reported to the
// originating connection as an error event, never to the room.
func (g *Gateway) Dispatch(ctx context.Context, conn RealtimeConn, event string, raw json.RawMessage) {
	g.mu.RLock()
	c, ok := g.conns[conn.ID()]
	g.mu.RUnlock()
	if !ok {
		return
	}

	h, ok := g.handlers[event]
	if !ok {
		g.emitError(c, event, apperrors.Validation("unknown event"))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	if err := h(ctx, c, raw); err != nil {
		g.emitError(c, event, err)
	}
}

func (g *Gateway) emitError(c *connState, event string, err error) {
	appErr := apperrors.From(err)
	if appErr.Code == apperrors.CodeInternal {
		g.log.Error().Err(err).
			Str("conn_id", c.conn.ID()).
			Str("user_id", c.registeredUser()).
			Str("event", event).
			Msg("realtime handler failed")
	}
	c.conn.Emit(models.EventError, models.ErrorEvent{Message: appErr.Message, Code: appErr.Code})
}

func (g *Gateway) handleRegister(ctx context.Context, c *connState, raw json.RawMessage) error {
	var p models.RegisterPayload
	if err := decodeIDPayload(raw, &p.UserID, &p); err != nil {
		return err
	}
	if err := g.validatePayload(p); err != nil {
		return err
	}
	if id := c.conn.Identity(); id != "" && id != p.UserID {
		return apperrors.Forbidden("cannot register as another user")
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil
	case c.userID == p.UserID:
		c.mu.Unlock()
		return nil
	case c.userID != "":
		c.mu.Unlock()
		return apperrors.Validation("connection is already registered")
	}
	c.userID = p.UserID
	c.mu.Unlock()

	g.presence.Register(p.UserID, c.conn.ID())

	// A Disconnect that ran between setting userID and Register above
	// could not undo the registration; do it here.
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		g.presence.Unregister(p.UserID, c.conn.ID())
		return nil
	}

	c.conn.Emit(models.EventOnlineUsers, models.OnlineUsersEvent{UserIDs: g.presence.OnlineUserIDs()})
	return nil
}

func (g *Gateway) handleJoinChat(ctx context.Context, c *connState, raw json.RawMessage) error {
	userID, err := requireRegistered(c)
	if err != nil {
		return err
	}
	var p models.JoinChatPayload
	if err := decodeIDPayload(raw, &p.ChatID, &p); err != nil {
		return err
	}
	if err := g.validatePayload(p); err != nil {
		return err
	}
	if _, err := g.store.AuthorizeParticipant(ctx, p.ChatID, userID); err != nil {
		return err
	}

	g.joinRoom(c, p.ChatID)
	c.conn.Emit(models.EventJoinedChat, models.JoinedChatEvent{ChatID: p.ChatID})
	return nil
}

func (g *Gateway) handleLeaveChat(ctx context.Context, c *connState, raw json.RawMessage) error {
	var p models.JoinChatPayload
	if err := decodeIDPayload(raw, &p.ChatID, &p); err != nil {
		return err
	}
	if err := g.validatePayload(p); err != nil {
		return err
	}
	g.leaveRoom(c, p.ChatID)
	return nil
}

func (g *Gateway) handleSendMessage(ctx context.Context, c *connState, raw json.RawMessage) error {
	userID, err := requireRegistered(c)
	if err != nil {
		return err
	}
	var p models.SendMessagePayload
	if err := decodeObject(raw, &p); err != nil {
		return err
	}
	if err := g.validatePayload(p); err != nil {
		return err
	}
	if p.SenderID != "" && p.SenderID != userID {
		return apperrors.Forbidden("cannot send as another user")
	}
	if !c.sendLimiter.Allow() {
		return apperrors.TooManyRequests("sending messages too fast")
	}

	_, err = g.DeliverMessage(ctx, p.ChatID, userID, p.Text)
	return err
}

// DeliverMessage appends a message and pushes receive_message to every
// connection in the chat's room, each formatted for its own user. Both the
// realtime and REST send paths go through here.
func (g *Gateway) DeliverMessage(ctx context.Context, chatID, senderID, text string) (models.ChatMessage, error) {
	lock := g.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	msg, err := g.store.AppendMessage(ctx, chatID, senderID, text)
	if err != nil {
		return models.ChatMessage{}, err
	}
	for _, member := range g.roomMembers(chatID) {
		view := models.NewMessageView(msg, member.registeredUser(), g.opts.Location)
		member.conn.Emit(models.EventReceiveMessage, view)
	}
	return msg, nil
}

func (g *Gateway) handleTyping(ctx context.Context, c *connState, raw json.RawMessage) error {
	userID, err := requireRegistered(c)
	if err != nil {
		return err
	}
	var p models.TypingPayload
	if err := decodeObject(raw, &p); err != nil {
		return err
	}
	if err := g.validatePayload(p); err != nil {
		return err
	}
	if p.UserID != "" && p.UserID != userID {
		return apperrors.Forbidden("cannot type as another user")
	}
	if !c.inRoom(p.ChatID) {
		return apperrors.Forbidden("join the chat first")
	}
	if !c.typingLimiter.Allow() {
		return nil
	}

	event := models.UserTypingEvent{ChatID: p.ChatID, UserID: userID, IsTyping: p.IsTyping}
	for _, member := range g.roomMembers(p.ChatID) {
		if member == c {
			continue
		}
		member.conn.Emit(models.EventUserTyping, event)
	}
	return nil
}

func (g *Gateway) handleMarkRead(ctx context.Context, c *connState, raw json.RawMessage) error {
	userID, err := requireRegistered(c)
	if err != nil {
		return err
	}
	var p models.MarkReadPayload
	if err := decodeObject(raw, &p); err != nil {
		return err
	}
	if err := g.validatePayload(p); err != nil {
		return err
	}
	if p.ReaderID != "" && p.ReaderID != userID {
		return apperrors.Forbidden("cannot mark messages read for another user")
	}

	n, at, err := g.store.MarkRead(ctx, p.ChatID, userID)
	if err != nil {
		return err
	}
	event := models.MessagesReadEvent{
		ChatID:   p.ChatID,
		ReaderID: userID,
		ReadAt:   at.UTC().Format(time.RFC3339Nano),
		Count:    n,
	}
	for _, member := range g.roomMembers(p.ChatID) {
		member.conn.Emit(models.EventChatMessagesRead, event)
	}
	return nil
}

func (g *Gateway) handleGetOnlineUsers(ctx context.Context, c *connState, raw json.RawMessage) error {
	c.conn.Emit(models.EventOnlineUsers, models.OnlineUsersEvent{UserIDs: g.presence.OnlineUserIDs()})
	return nil
}

// broadcastPresence runs under the presence lock, see PresenceTracker.SetListener.
func (g *Gateway) broadcastPresence(userID string, online bool) {
	event := models.EventUserOffline
	if online {
		event = models.EventUserOnline
	}
	payload := models.PresenceEvent{UserID: userID}

	g.mu.RLock()
	targets := lo.Values(g.conns)
	g.mu.RUnlock()

	for _, c := range targets {
		c.conn.Emit(event, payload)
	}
}

func (g *Gateway) joinRoom(c *connState, chatID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.rooms[chatID] = struct{}{}

	members, ok := g.rooms[chatID]
	if !ok {
		members = make(map[string]*connState)
		g.rooms[chatID] = members
	}
	members[c.conn.ID()] = c
}

func (g *Gateway) leaveRoom(c *connState, chatID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c.mu.Lock()
	delete(c.rooms, chatID)
	c.mu.Unlock()

	if members := g.rooms[chatID]; members != nil {
		delete(members, c.conn.ID())
		if len(members) == 0 {
			delete(g.rooms, chatID)
		}
	}
}

// roomMembers snapshots the room so emits happen without the registry lock.
func (g *Gateway) roomMembers(chatID string) []*connState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return lo.Values(g.rooms[chatID])
}

// RoomSize is the number of connections currently joined to chatID.
func (g *Gateway) RoomSize(chatID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[chatID])
}

func (g *Gateway) chatLock(chatID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(chatID))
	return &g.chatLocks[h.Sum32()%chatLockStripes]
}

func (g *Gateway) validatePayload(p any) error {
	if err := g.validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apperrors.Validation("invalid field " + verrs[0].Field())
		}
		return apperrors.Validation("invalid payload")
	}
	return nil
}

func requireRegistered(c *connState) (string, error) {
	userID := c.registeredUser()
	if userID == "" {
		return "", apperrors.Unauthorized("register before using the chat", nil)
	}
	return userID, nil
}

// decodeIDPayload accepts either a bare JSON string, stored into id, or an
// object decoded into obj.
func decodeIDPayload(raw json.RawMessage, id *string, obj any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, id); err != nil {
			return apperrors.Validation("invalid payload")
		}
		return nil
	}
	return decodeObject(raw, obj)
}

func decodeObject(raw json.RawMessage, obj any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return apperrors.Validation("payload is required")
	}
	if err := json.Unmarshal(trimmed, obj); err != nil {
		return apperrors.Validation("invalid payload")
	}
	return nil
}
