package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	eiows "github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/googollee/go-socket.io/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adoptapet/adoptapet-backend/internal/models"
)

type sioEvent struct {
	name string
	data json.RawMessage
}

// sioClient speaks Socket.io v2 over the engine.io websocket transport.
type sioClient struct {
	t      *testing.T
	conn   engineio.Conn
	enc    *parser.Encoder
	events chan sioEvent
	closed chan struct{}
	stop   chan struct{}
}

func newSocketIOServer(t *testing.T, f *apiFixture) *httptest.Server {
	t.Helper()
	sio := NewChatSocketIO(f.gateway, f.auth, []string{testOrigin})
	sio.Start()
	f.router.Handle("/socket.io/*", sio)

	srv := httptest.NewServer(f.router)
	t.Cleanup(func() {
		srv.Close()
		_ = sio.Close()
	})
	return srv
}

func dialSocketIO(t *testing.T, srv *httptest.Server, query string, header http.Header) (*sioClient, error) {
	t.Helper()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Origin") == "" {
		header.Set("Origin", testOrigin)
	}
	dialer := engineio.Dialer{Transports: []transport.Transport{eiows.Default}}
	conn, err := dialer.Dial(srv.URL+"/socket.io/"+query, header)
	if err != nil {
		return nil, err
	}

	c := &sioClient{
		t:      t,
		conn:   conn,
		enc:    parser.NewEncoder(conn),
		events: make(chan sioEvent, 64),
		closed: make(chan struct{}),
		stop:   make(chan struct{}),
	}
	t.Cleanup(func() {
		close(c.stop)
		_ = conn.Close()
	})
	go c.readLoop()
	return c, nil
}

func (c *sioClient) readLoop() {
	defer close(c.closed)
	dec := parser.NewDecoder(c.conn)
	argTypes := []reflect.Type{reflect.TypeOf(json.RawMessage{})}
	for {
		var header parser.Header
		var event string
		if err := dec.DecodeHeader(&header, &event); err != nil {
			return
		}
		if header.Type != parser.Event {
			_ = dec.DiscardLast()
			continue
		}
		args, err := dec.DecodeArgs(argTypes)
		if err != nil {
			return
		}
		ev := sioEvent{name: event}
		if len(args) > 0 {
			ev.data, _ = args[0].Interface().(json.RawMessage)
		}
		select {
		case c.events <- ev:
		case <-c.stop:
			return
		}
	}
}

func (c *sioClient) emit(event string, data any) {
	c.t.Helper()
	require.NoError(c.t, c.enc.Encode(parser.Header{Type: parser.Event}, []any{event, data}))
}

// waitFor reads events until one named event arrives and decodes its data into out.
func (c *sioClient) waitFor(event string, out any) {
	c.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-c.events:
			if ev.name != event {
				continue
			}
			if out != nil {
				require.NoError(c.t, json.Unmarshal(ev.data, out))
			}
			return
		case <-c.closed:
			c.t.Fatalf("connection closed while waiting for %s", event)
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func (c *sioClient) waitClosed() {
	c.t.Helper()
	select {
	case <-c.closed:
	case <-time.After(3 * time.Second):
		c.t.Fatal("server kept the connection open")
	}
}

func TestChatSocketIO_Handshake(t *testing.T) {
	f := newAPIFixture(t)
	srv := newSocketIOServer(t, f)

	t.Run("missing token", func(t *testing.T) {
		c, err := dialSocketIO(t, srv, "", nil)
		require.NoError(t, err)
		c.waitClosed()
	})

	t.Run("invalid token", func(t *testing.T) {
		c, err := dialSocketIO(t, srv, "?token=forged", nil)
		require.NoError(t, err)
		c.waitClosed()
	})

	t.Run("foreign origin", func(t *testing.T) {
		_, err := dialSocketIO(t, srv, "?token=tok-alice", http.Header{"Origin": {"https://evil.example"}})
		require.Error(t, err)
		var dialErr eiows.DialError
		require.True(t, errors.As(err, &dialErr), "got %v", err)
		require.NotNil(t, dialErr.Response)
		assert.Equal(t, http.StatusForbidden, dialErr.Response.StatusCode)
	})

	assert.Empty(t, f.presence.OnlineUserIDs())
}

func TestChatSocketIO_RoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	srv := newSocketIOServer(t, f)
	chatID := f.createChat(t, "alice", "bob")

	alice, err := dialSocketIO(t, srv, "?token=tok-alice", nil)
	require.NoError(t, err)
	alice.emit(models.EventRegister, "alice")
	var online models.OnlineUsersEvent
	alice.waitFor(models.EventOnlineUsers, &online)
	assert.Equal(t, []string{"alice"}, online.UserIDs)

	alice.emit(models.EventJoinChat, models.JoinChatPayload{ChatID: chatID})
	var joined models.JoinedChatEvent
	alice.waitFor(models.EventJoinedChat, &joined)
	assert.Equal(t, chatID, joined.ChatID)

	// Native clients send the token as a header.
	bob, err := dialSocketIO(t, srv, "", http.Header{"Authorization": {"Bearer tok-bob"}})
	require.NoError(t, err)
	bob.emit(models.EventRegister, models.RegisterPayload{UserID: "bob"})
	var came models.PresenceEvent
	alice.waitFor(models.EventUserOnline, &came)
	assert.Equal(t, "bob", came.UserID)

	bob.emit(models.EventJoinChat, models.JoinChatPayload{ChatID: chatID})
	bob.waitFor(models.EventJoinedChat, nil)

	bob.emit(models.EventSendMessage, models.SendMessagePayload{ChatID: chatID, Text: "  is Luna still available?  "})
	var got models.MessageView
	alice.waitFor(models.EventReceiveMessage, &got)
	assert.Equal(t, "is Luna still available?", got.Text)
	assert.Equal(t, "bob", got.SenderID)
	assert.Equal(t, models.SenderOther, got.Sender)

	var echoed models.MessageView
	bob.waitFor(models.EventReceiveMessage, &echoed)
	assert.Equal(t, got.ID, echoed.ID)
	assert.Equal(t, models.SenderMe, echoed.Sender)

	msgs, err := f.store.ListMessages(t.Context(), chatID, "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	alice.emit(models.EventTyping, models.TypingPayload{ChatID: chatID, IsTyping: true})
	var typing models.UserTypingEvent
	bob.waitFor(models.EventUserTyping, &typing)
	assert.Equal(t, "alice", typing.UserID)
	assert.True(t, typing.IsTyping)

	require.NoError(t, bob.conn.Close())
	var left models.PresenceEvent
	alice.waitFor(models.EventUserOffline, &left)
	assert.Equal(t, "bob", left.UserID)
	assert.False(t, f.presence.IsOnline("bob"))
}

func TestChatSocketIO_ErrorsGoToSender(t *testing.T) {
	f := newAPIFixture(t)
	srv := newSocketIOServer(t, f)

	alice, err := dialSocketIO(t, srv, "?token=tok-alice", nil)
	require.NoError(t, err)

	alice.emit(models.EventJoinChat, models.JoinChatPayload{ChatID: "whatever"})
	var unregistered models.ErrorEvent
	alice.waitFor(models.EventError, &unregistered)
	assert.Equal(t, "UNAUTHORIZED", unregistered.Code)

	alice.emit(models.EventRegister, "bob")
	var spoof models.ErrorEvent
	alice.waitFor(models.EventError, &spoof)
	assert.Equal(t, "FORBIDDEN", spoof.Code)
}

// stalledSocket never finishes an Emit until released.
type stalledSocket struct {
	socketio.Conn
	release   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *stalledSocket) ID() string { return "sock-1" }

func (s *stalledSocket) Emit(string, ...interface{}) { <-s.release }

func (s *stalledSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func TestSocketConn_DropsSlowClient(t *testing.T) {
	sock := &stalledSocket{release: make(chan struct{}), closed: make(chan struct{})}
	defer close(sock.release)

	conn := newSocketConn(sock, "alice")
	assert.Equal(t, "sock-1", conn.ID())
	assert.Equal(t, "alice", conn.Identity())

	for i := 0; i < wsSendBuffer+2; i++ {
		conn.Emit(models.EventUserTyping, models.UserTypingEvent{ChatID: "c1", UserID: "bob"})
	}

	select {
	case <-sock.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("slow client was not disconnected")
	}
	select {
	case <-conn.done:
	default:
		t.Fatal("connection not marked done")
	}

	// Emits after the drop are discarded.
	conn.Emit(models.EventUserTyping, models.UserTypingEvent{ChatID: "c1", UserID: "bob"})
}
