package models

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// MessageStatus is the delivery state of a message from the sender's point of view.
// Valid values: "sent", "delivered", "read".
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// Chat is a one-to-one conversation. PairKey is the unordered participant pair
// and is unique across the collection.
type Chat struct {
	ID             string    `bson:"_id" json:"id"`
	Participants   []string  `bson:"participants" json:"participants"`
	PairKey        string    `bson:"pair_key" json:"-"`
	RelatedContext string    `bson:"related_context,omitempty" json:"related_context,omitempty"`
	LastMessage    string    `bson:"last_message" json:"last_message"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at" json:"updated_at"`
}

// HasParticipant reports whether userID belongs to the chat.
func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Counterpart returns the participant that is not userID.
func (c *Chat) Counterpart(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// ChatMessage is stored one document per message, ordered by CreatedAt within a chat.
type ChatMessage struct {
	ID        string        `bson:"_id" json:"id"`
	ChatID    string        `bson:"chat_id" json:"chat_id"`
	SenderID  string        `bson:"sender_id" json:"sender_id"`
	Text      string        `bson:"text" json:"text"`
	Status    MessageStatus `bson:"status" json:"status"`
	CreatedAt time.Time     `bson:"created_at" json:"created_at"`
	ReadAt    *time.Time    `bson:"read_at,omitempty" json:"read_at,omitempty"`
}

// PairKey builds the order-independent key of two participants. The first id
// is length-prefixed so ids containing ':' cannot collide, e.g. ("a:b", "c")
// and ("a", "b:c").
func PairKey(a, b string) string {
	ids := []string{strings.TrimSpace(a), strings.TrimSpace(b)}
	sort.Strings(ids)
	return strconv.Itoa(len(ids[0])) + ":" + ids[0] + ":" + ids[1]
}
