package client

import (
	"encoding/json"
	"errors"
	"time"
)

var errNoMessage = errors.New("client: event carries no message")

// Author is the sender projection embedded in a message.
type Author struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	Name            string `json:"name"`
	ProfileImageURL string `json:"profileImageUrl"`
	TeamRole        string `json:"teamRole,omitempty"`
}

// Message mirrors the message payload of newMessage, messageUpdated,
// messageDeleted and the lastMessage of roomMessageUpdate.
type Message struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	UserID     string     `json:"userId"`
	ChatRoomID string     `json:"chatRoomId"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
	User       Author     `json:"user"`
}

// DecodeMessage decodes the event's message, falling back to lastMessage for
// roomMessageUpdate frames.
func (e Event) DecodeMessage() (Message, error) {
	payload := e.Message
	if len(payload) == 0 {
		payload = e.LastMessage
	}
	if len(payload) == 0 || string(payload) == "null" {
		return Message{}, errNoMessage
	}
	var message Message
	if err := json.Unmarshal(payload, &message); err != nil {
		return Message{}, err
	}
	return message, nil
}
