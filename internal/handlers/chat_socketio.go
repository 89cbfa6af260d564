package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/rs/zerolog"

	"github.com/adoptapet/adoptapet-backend/internal/middleware"
	"github.com/adoptapet/adoptapet-backend/internal/services"
	"github.com/adoptapet/adoptapet-backend/pkg/logger"
)

const socketNamespace = "/"

// ChatSocketIO serves the Socket.io transport at /socket.io/. Every gateway
// event is registered on the root namespace.
type ChatSocketIO struct {
	server  *socketio.Server
	gateway *services.Gateway
	auth    services.Authenticator
	log     zerolog.Logger
}

func NewChatSocketIO(gateway *services.Gateway, auth services.Authenticator, allowedOrigins []string) *ChatSocketIO {
	checkOrigin := middleware.CheckOrigin(allowedOrigins)
	server := socketio.NewServer(&engineio.Options{
		Transports: []transport.Transport{
			&websocket.Transport{CheckOrigin: checkOrigin},
			&polling.Transport{CheckOrigin: checkOrigin},
		},
	})

	h := &ChatSocketIO{
		server:  server,
		gateway: gateway,
		auth:    auth,
		log:     logger.With("socketio"),
	}

	server.OnConnect(socketNamespace, h.onConnect)
	for _, event := range gateway.Events() {
		server.OnEvent(socketNamespace, event, func(s socketio.Conn, payload json.RawMessage) {
			conn, ok := s.Context().(*socketConn)
			if !ok {
				return
			}
			gateway.Dispatch(context.Background(), conn, event, payload)
		})
	}
	server.OnDisconnect(socketNamespace, func(s socketio.Conn, reason string) {
		if conn, ok := s.Context().(*socketConn); ok {
			gateway.Disconnect(conn)
			conn.close()
		}
		h.log.Debug().Str("conn_id", s.ID()).Str("reason", reason).Msg("socket disconnected")
	})
	server.OnError(socketNamespace, func(s socketio.Conn, err error) {
		h.log.Warn().Err(err).Msg("socket error")
	})

	return h
}

func (h *ChatSocketIO) onConnect(s socketio.Conn) error {
	s.SetContext(nil)

	u := s.URL()
	token := strings.TrimSpace(u.Query().Get("token"))
	if token == "" {
		auth := strings.TrimSpace(s.RemoteHeader().Get("Authorization"))
		if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
			token = strings.TrimSpace(auth[7:])
		}
	}

	identity, err := handshakeIdentity(context.Background(), h.auth, token)
	if err != nil {
		if !errors.Is(err, services.ErrInvalidCredential) {
			h.log.Error().Err(err).Str("conn_id", s.ID()).Msg("handshake authentication failed")
		}
		return errors.New("invalid token")
	}
	if identity == "" && h.gateway.RequireAuth() {
		return errors.New("missing token")
	}

	conn := newSocketConn(s, identity)
	if err := h.gateway.Connect(conn); err != nil {
		conn.close()
		return err
	}
	s.SetContext(conn)
	return nil
}

// Start runs the socket.io event loop in the background until Close.
func (h *ChatSocketIO) Start() {
	go func() {
		if err := h.server.Serve(); err != nil {
			h.log.Error().Err(err).Msg("socket.io server stopped")
		}
	}()
}

func (h *ChatSocketIO) Close() error {
	return h.server.Close()
}

func (h *ChatSocketIO) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.server.ServeHTTP(w, r)
}

type outbound struct {
	event   string
	payload any
}

// socketConn adapts a socket.io connection to services.RealtimeConn. The
// library's Emit may block on a slow client, so events go through a queue.
type socketConn struct {
	s        socketio.Conn
	identity string

	queue     chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

func newSocketConn(s socketio.Conn, identity string) *socketConn {
	c := &socketConn{
		s:        s,
		identity: identity,
		queue:    make(chan outbound, wsSendBuffer),
		done:     make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *socketConn) ID() string       { return c.s.ID() }
func (c *socketConn) Identity() string { return c.identity }

func (c *socketConn) Emit(event string, payload any) {
	select {
	case <-c.done:
	case c.queue <- outbound{event: event, payload: payload}:
	default:
		logger.Warn().Str("conn_id", c.s.ID()).Msg("socket queue full, dropping slow client")
		c.close()
		// Close runs the disconnect handler, which takes gateway locks the
		// caller may hold.
		go c.s.Close()
	}
}

func (c *socketConn) pump() {
	for {
		select {
		case out := <-c.queue:
			c.s.Emit(out.event, out.payload)
		case <-c.done:
			return
		}
	}
}

func (c *socketConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
