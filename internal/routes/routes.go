package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/adoptapet/adoptapet-backend/internal/handlers"
	"github.com/adoptapet/adoptapet-backend/internal/middleware"
	"github.com/adoptapet/adoptapet-backend/internal/services"
)

// Deps are the handlers the router mounts. SocketIO may be nil.
type Deps struct {
	Auth      services.Authenticator
	Chat      *handlers.ChatHandler
	WebSocket http.Handler
	SocketIO  http.Handler
}

func SetupRoutes(r chi.Router, d Deps) {
	r.Get("/health", handlers.Health)

	// REST chat API, bearer token required
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequireAuth(d.Auth))
		r.Use(middleware.ChatRateLimit())

		r.Get("/chats", d.Chat.ListChats)
		r.Post("/chats", d.Chat.CreateChat)
		r.Get("/chats/{chatId}/messages", d.Chat.ListMessages)
		r.Post("/chats/{chatId}/messages", d.Chat.SendMessage)
		r.Get("/presence/online", d.Chat.OnlineUsers)
	})

	// Realtime transports authenticate their own handshake
	if d.WebSocket != nil {
		r.Get("/ws/chat", d.WebSocket.ServeHTTP)
	}
	if d.SocketIO != nil {
		r.Handle("/socket.io/*", d.SocketIO)
	}
}
