package model

import (
	"math"
	"time"
)

// Session is one consultation. StartedAt is set once, on dual presence, and a
// live session that is cancelled keeps it as a record that it ran.
// ChargeQueuedAt marks a completed session whose charge reached the queue.
type Session struct {
	ID              string        `db:"id" json:"id"`
	RequestID       *string       `db:"request_id" json:"requestId"`
	RequesterID     string        `db:"requester_id" json:"requesterId"`
	ProviderID      string        `db:"provider_id" json:"providerId"`
	ServiceType     string        `db:"service_type" json:"serviceType"`
	PlanCode        string        `db:"plan_code" json:"planCode"`
	Status          SessionStatus `db:"status" json:"status"`
	DurationMinutes int           `db:"duration_minutes" json:"durationMinutes"`
	StartedAt       *time.Time    `db:"started_at" json:"startedAt"`
	EndedAt         *time.Time    `db:"ended_at" json:"endedAt"`
	EndReason       *string       `db:"end_reason" json:"endReason,omitempty"`
	EndedBy         *string       `db:"ended_by" json:"endedBy,omitempty"`
	LastPresenceAt  *time.Time    `db:"last_presence_at" json:"lastPresenceAt,omitempty"`
	ChargeQueuedAt  *time.Time    `db:"charge_queued_at" json:"-"`
	CreatedAt       time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updatedAt"`
}

func (s *Session) IsParticipant(actorID string) bool {
	return s.ProviderID == actorID || s.RequesterID == actorID
}

// RoleOf returns the role actorID plays in this session.
func (s *Session) RoleOf(actorID string) Role {
	switch actorID {
	case s.ProviderID:
		return RoleProvider
	case s.RequesterID:
		return RoleRequester
	}
	return RoleUnknown
}

// ScheduledEnd is startedAt + durationMinutes, or zero before the start.
func (s *Session) ScheduledEnd() time.Time {
	if s.StartedAt == nil {
		return time.Time{}
	}
	return s.StartedAt.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// Remaining is derived from the start time and duration, never counted down.
func (s *Session) Remaining(now time.Time) time.Duration {
	if s.StartedAt == nil || s.Status != SessionStatusLive {
		return 0
	}
	remaining := s.ScheduledEnd().Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ElapsedMinutes rounds the time between start and end to whole minutes.
func ElapsedMinutes(startedAt, endedAt time.Time) int {
	return int(math.Round(endedAt.Sub(startedAt).Minutes()))
}

type CreateSessionParams struct {
	RequestID       *string
	RequesterID     string
	ProviderID      string
	ServiceType     string
	PlanCode        string
	DurationMinutes int
}

// SessionUpdate is the full set of mutable columns written by a transition.
type SessionUpdate struct {
	Status          SessionStatus
	DurationMinutes int
	StartedAt       *time.Time
	EndedAt         *time.Time
	EndReason       *string
	EndedBy         *string
}

func (s *Session) Update() SessionUpdate {
	return SessionUpdate{
		Status:          s.Status,
		DurationMinutes: s.DurationMinutes,
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
		EndReason:       s.EndReason,
		EndedBy:         s.EndedBy,
	}
}
