package model

import "time"

type PresenceStatus string

const (
	// StatusHeartbeat sends an empty body; the server only refreshes last-seen.
	StatusHeartbeat PresenceStatus = ""
	StatusOnline    PresenceStatus = "online"
	StatusOffline   PresenceStatus = "offline"
)

// PresenceState is the client's belief about its own presence.
type PresenceState struct {
	IsOnline       bool
	LastSeenAt     time.Time
	TimeoutMinutes int
}

// PresenceSnapshot is the server's acknowledgement of a presence update.
type PresenceSnapshot struct {
	IsOnline   bool      `json:"isOnline"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type User struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	Email                  string    `json:"email"`
	IsOnline               bool      `json:"isOnline"`
	LastSeenAt             time.Time `json:"lastSeenAt"`
	PresenceTimeoutMinutes int       `json:"presenceTimeoutMinutes"`
}

func (u User) Ref() *UserRef {
	return &UserRef{ID: u.ID, Name: u.Name, Email: u.Email}
}
