package models

import "time"

// InboundMessage is one message received from the messaging platform.
type InboundMessage struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	ChannelID  string    `json:"channel_id"`
	Text       string    `json:"text"`
	IsBot      bool      `json:"is_bot"`
	ReceivedAt time.Time `json:"received_at"`
}

// DisplayName prefers the author's name and falls back to the id.
func (m InboundMessage) DisplayName() string {
	if m.AuthorName != "" {
		return m.AuthorName
	}
	return m.AuthorID
}

// Turn is one prompt/response pair in a user's conversational memory.
type Turn struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}
