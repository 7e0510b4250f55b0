package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventRequestCreated   EventType = "request_created"
	EventClaimed          EventType = "claimed"
	EventRequestReleased  EventType = "request_released"
	EventRequestCancelled EventType = "request_cancelled"
	EventWaiting          EventType = "waiting"
	EventStarted          EventType = "started"
	EventExtended         EventType = "extended"
	EventWarning          EventType = "warning"
	EventPartyLost        EventType = "party_lost"
	EventPartyReturned    EventType = "party_returned"
	EventEnded            EventType = "ended"
	EventCancelled        EventType = "cancelled"
)

// LifecycleEvent is the envelope carried on the event bus. ID is the
// idempotency key consumers deduplicate on.
type LifecycleEvent struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewLifecycleEvent(eventType EventType, actor string, payload any, at time.Time) (LifecycleEvent, error) {
	ev := LifecycleEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Actor:     actor,
		Timestamp: at.UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return LifecycleEvent{}, err
		}
		ev.Payload = data
	}
	return ev, nil
}

type EndedPayload struct {
	Status          SessionStatus `json:"status"`
	Reason          string        `json:"reason,omitempty"`
	DurationMinutes int           `json:"durationMinutes"`
	EndedAt         *time.Time    `json:"endedAt,omitempty"`
}

type StartedPayload struct {
	StartedAt       time.Time `json:"startedAt"`
	DurationMinutes int       `json:"durationMinutes"`
}

type ExtendedPayload struct {
	DurationMinutes  int `json:"durationMinutes"`
	AddedMinutes     int `json:"addedMinutes"`
	RemainingSeconds int `json:"remainingSeconds"`
}

type WarningPayload struct {
	RemainingSeconds int `json:"remainingSeconds"`
}

type PresencePayload struct {
	Role Role `json:"role"`
}
