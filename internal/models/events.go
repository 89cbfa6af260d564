package models

import "encoding/json"

// Client -> server events.
const (
	EventRegister       = "register"
	EventJoinChat       = "join_chat"
	EventLeaveChat      = "leave_chat"
	EventSendMessage    = "send_message"
	EventTyping         = "typing"
	EventMarkRead       = "mark_read"
	EventGetOnlineUsers = "get_online_users"
)

// Server -> client events.
const (
	EventReceiveMessage   = "receive_message"
	EventUserTyping       = "user_typing"
	EventChatMessagesRead = "chat_messages_read"
	EventOnlineUsers      = "online_users"
	EventUserOnline       = "user_online"
	EventUserOffline      = "user_offline"
	EventError            = "error"
	EventJoinedChat       = "joined_chat"
)

// Envelope frames every event on the plain WebSocket transport.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type RegisterPayload struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

type JoinChatPayload struct {
	ChatID string `json:"chatId" validate:"required,max=128"`
}

type SendMessagePayload struct {
	ChatID   string `json:"chatId" validate:"required,max=128"`
	SenderID string `json:"senderId" validate:"max=128"`
	Text     string `json:"text" validate:"required"`
}

type TypingPayload struct {
	ChatID   string `json:"chatId" validate:"required,max=128"`
	UserID   string `json:"userId" validate:"max=128"`
	IsTyping bool   `json:"isTyping"`
}

type MarkReadPayload struct {
	ChatID   string `json:"chatId" validate:"required,max=128"`
	ReaderID string `json:"readerId" validate:"max=128"`
}

type UserTypingEvent struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type MessagesReadEvent struct {
	ChatID   string `json:"chatId"`
	ReaderID string `json:"readerId"`
	ReadAt   string `json:"readAt"`
	Count    int64  `json:"count"`
}

type OnlineUsersEvent struct {
	UserIDs []string `json:"userIds"`
}

type PresenceEvent struct {
	UserID string `json:"userId"`
}

type JoinedChatEvent struct {
	ChatID string `json:"chatId"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
