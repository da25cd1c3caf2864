package model

import (
	"encoding/json"
	"time"
)

// EventNewMessage is the push event emitted on a user's channel for every
// message sent to or by that user.
const EventNewMessage = "new-message"

// UserRef is the denormalized sender attached to messages.
type UserRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
	Sender     *UserRef  `json:"sender,omitempty"`
}

// Counterpart returns the other participant of m as seen by userID.
func (m Message) Counterpart(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

type SendRequest struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
}

// Conversation is the latest-message summary between the current user and
// one counterpart.
type Conversation struct {
	UserID          string    `json:"userId"`
	UserName        string    `json:"userName"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	Unread          int       `json:"-"`
}

// Envelope is the frame every push backend delivers.
type Envelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}
