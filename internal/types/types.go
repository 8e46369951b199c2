package types

import (
	"encoding/json"
	"time"
)

// SessionUser is a member of a session as other members see it.
type SessionUser struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId,omitempty"`
	Username    string    `json:"username"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	IsLeader    bool      `json:"isLeader"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type SessionEventType string

const (
	EvtUserJoined    SessionEventType = "UserJoined"
	EvtUserLeft      SessionEventType = "UserLeft"
	EvtLeaderChanged SessionEventType = "LeaderChanged"
)

type SessionEvent struct {
	Type     SessionEventType `json:"type"`
	User     *SessionUser     `json:"user,omitempty"`
	UserID   string           `json:"userId,omitempty"`
	LeaderID string           `json:"leaderId,omitempty"`
}

// ClientMessage is a request frame sent over the websocket.
// ID correlates the server's reply; Payload is decoded per Type.
type ClientMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is a reply or pushed event frame.
type ServerMessage struct {
	Type    string       `json:"type"` // "result" | "error" | "event"
	ID      string       `json:"id,omitempty"`
	Payload any          `json:"payload,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionSummary is a session as listed by discovery and history queries.
type SessionSummary struct {
	ID              string    `json:"id"`
	BoardPath       string    `json:"boardPath"`
	Name            string    `json:"name,omitempty"`
	CreatedByUserID string    `json:"createdByUserId,omitempty"`
	Latitude        *float64  `json:"latitude,omitempty"`
	Longitude       *float64  `json:"longitude,omitempty"`
	DistanceMeters  *float64  `json:"distanceMeters,omitempty"`
	Participants    int       `json:"participants"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}
