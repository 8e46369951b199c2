package ws

import (
	"encoding/json"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
	"github.com/DoyleJ11/board-session-sync/internal/queue"
)

// Frame types sent by the server.
const (
	TypeResult = "result"
	TypeError  = "error"
	TypeEvent  = "event"
)

// Subscription operations, handled here rather than by the resolver.
const (
	OpSubscribeQueue   = "subscribeQueue"
	OpSubscribeSession = "subscribeSession"
	OpUnsubscribe      = "unsubscribe"
	OpGetQueueState    = "getQueueState"
	OpGetSessionUsers  = "getSessionUsers"
	OpFindNearby       = "findNearbySessions"
	OpGetUserSessions  = "getUserSessions"
)

type updateUsernamePayload struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type addItemPayload struct {
	Item     queue.Item `json:"item"`
	Position *int       `json:"position,omitempty"`
}

type uuidPayload struct {
	UUID string `json:"uuid"`
}

type reorderPayload struct {
	UUID     string `json:"uuid"`
	OldIndex int    `json:"oldIndex"`
	NewIndex int    `json:"newIndex"`
}

type setCurrentPayload struct {
	Item             *queue.Item `json:"item"`
	ShouldAddToQueue bool        `json:"shouldAddToQueue,omitempty"`
}

type mirrorPayload struct {
	Mirrored bool `json:"mirrored"`
}

type replacePayload struct {
	UUID string     `json:"uuid"`
	Item queue.Item `json:"item"`
}

type setQueuePayload struct {
	Queue                 []queue.Item `json:"queue"`
	CurrentClimbQueueItem *queue.Item  `json:"currentClimbQueueItem,omitempty"`
}

type nearbyPayload struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radiusMeters,omitempty"`
}

type subscribePayload struct {
	SessionID string `json:"sessionId"`
}

type subscribedResult struct {
	SubscriptionID string `json:"subscriptionId"`
}

type unsubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

type okResult struct {
	OK bool `json:"ok"`
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, apperr.Validation("invalid payload: %v", err)
	}
	return v, nil
}
