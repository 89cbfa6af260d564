package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adoptapet/adoptapet-backend/internal/middleware"
	"github.com/adoptapet/adoptapet-backend/internal/models"
	"github.com/adoptapet/adoptapet-backend/internal/services"
	apperrors "github.com/adoptapet/adoptapet-backend/pkg/errors"
	"github.com/adoptapet/adoptapet-backend/pkg/logger"
)

const (
	wsReadLimit    = 64 * 1024
	wsReadTimeout  = 90 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 64
)

// ChatWebSocket serves the plain WebSocket transport at /ws/chat. Frames are
// models.Envelope JSON in both directions.
type ChatWebSocket struct {
	gateway  *services.Gateway
	auth     services.Authenticator
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewChatWebSocket(gateway *services.Gateway, auth services.Authenticator, allowedOrigins []string) *ChatWebSocket {
	return &ChatWebSocket{
		gateway: gateway,
		auth:    auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     middleware.CheckOrigin(allowedOrigins),
		},
		log: logger.With("ws"),
	}
}

// ServeHTTP authenticates the handshake (Authorization: Bearer <token> or
// ?token= for browsers), upgrades, and runs the read loop until the client
// goes away.
func (h *ChatWebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := handshakeIdentity(r.Context(), h.auth, middleware.BearerToken(r))
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredential) {
			http.Error(w, "invalid session token", http.StatusUnauthorized)
			return
		}
		h.log.Error().Err(err).Msg("handshake authentication failed")
		http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
		return
	}
	if identity == "" && h.gateway.RequireAuth() {
		http.Error(w, "missing session token", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := newWSConn(ws, identity)
	if err := h.gateway.Connect(conn); err != nil {
		conn.Close()
		ws.Close()
		return
	}
	defer h.gateway.Disconnect(conn)

	go conn.writePump()
	h.readLoop(conn)
}

func (h *ChatWebSocket) readLoop(conn *wsConn) {
	defer conn.Close()

	ws := conn.ws
	ws.SetReadLimit(wsReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("websocket closed")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			conn.Emit(models.EventError, models.ErrorEvent{Message: "invalid frame", Code: apperrors.CodeValidation})
			continue
		}
		h.gateway.Dispatch(context.Background(), conn, env.Event, env.Data)
	}
}

// handshakeIdentity resolves token to a user id. An empty token is not an
// error; the caller decides whether anonymous connections are allowed.
func handshakeIdentity(ctx context.Context, auth services.Authenticator, token string) (string, error) {
	if token == "" || auth == nil {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return auth.Authenticate(ctx, token)
}

// wsConn adapts a gorilla connection to services.RealtimeConn. Emit queues
// frames for writePump; a client that cannot keep up is disconnected.
type wsConn struct {
	id       string
	identity string
	ws       *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, identity string) *wsConn {
	return &wsConn{
		id:       uuid.NewString(),
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, wsSendBuffer),
		done:     make(chan struct{}),
	}
}

func (c *wsConn) ID() string       { return c.id }
func (c *wsConn) Identity() string { return c.identity }

func (c *wsConn) Emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error().Err(err).Str("event", event).Msg("encode event")
		return
	}
	frame, err := json.Marshal(models.Envelope{Event: event, Data: data})
	if err != nil {
		return
	}

	select {
	case <-c.done:
	case c.send <- frame:
	default:
		logger.Warn().Str("conn_id", c.id).Msg("send buffer full, dropping slow client")
		c.Close()
	}
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}
