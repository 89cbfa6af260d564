package models

// UserProfile is the public identity of a chat counterpart as resolved from
// the user directory.
type UserProfile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}
