package models

import "time"

const (
	SenderMe    = "me"
	SenderOther = "other"
)

// MessageView is the single wire shape of a message, shared by the REST API
// and every realtime event that carries one.
type MessageView struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chatId"`
	SenderID  string        `json:"senderId"`
	Text      string        `json:"text"`
	Status    MessageStatus `json:"status"`
	CreatedAt string        `json:"createdAt"`
	Time      string        `json:"time"`
	Sender    string        `json:"sender"`
}

// NewMessageView formats m for viewerID. Display time uses loc.
func NewMessageView(m ChatMessage, viewerID string, loc *time.Location) MessageView {
	if loc == nil {
		loc = time.UTC
	}
	sender := SenderOther
	if m.SenderID == viewerID {
		sender = SenderMe
	}
	return MessageView{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		Status:    m.Status,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
		Time:      m.CreatedAt.In(loc).Format("15:04"),
		Sender:    sender,
	}
}

// ChatSummary is the list-view shape of a chat for one viewer.
type ChatSummary struct {
	ID             string      `json:"id"`
	Participants   []string    `json:"participants"`
	OtherUser      UserProfile `json:"otherUser"`
	LastMessage    string      `json:"lastMessage"`
	RelatedContext string      `json:"relatedContext,omitempty"`
	UpdatedAt      string      `json:"updatedAt"`
	Online         bool        `json:"online"`
}

func NewChatSummary(c Chat, other UserProfile, online bool) ChatSummary {
	return ChatSummary{
		ID:             c.ID,
		Participants:   c.Participants,
		OtherUser:      other,
		LastMessage:    c.LastMessage,
		RelatedContext: c.RelatedContext,
		UpdatedAt:      c.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Online:         online,
	}
}
