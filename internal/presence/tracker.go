// Package presence turns media room join/leave signals into a per-session
// presence vector and edge-triggered notifications.
package presence

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/consult-server-go/internal/model"
)

var ErrUnknownParticipant = errors.New("participant role could not be resolved")

type SignalKind string

const (
	SignalJoin  SignalKind = "join"
	SignalLeave SignalKind = "leave"
)

type Signal struct {
	SessionID   string
	Participant Participant
	Kind        SignalKind
	At          time.Time
}

// Vector is the presence state of both parties.
type Vector struct {
	ProviderPresent  bool                     `json:"providerPresent"`
	RequesterPresent bool                     `json:"requesterPresent"`
	LastSeen         map[model.Role]time.Time `json:"lastSeen"`
}

func (v Vector) Both() bool {
	return v.ProviderPresent && v.RequesterPresent
}

func (v Vector) Any() bool {
	return v.ProviderPresent || v.RequesterPresent
}

func (v Vector) present(role model.Role) bool {
	if role == model.RoleProvider {
		return v.ProviderPresent
	}
	return v.RequesterPresent
}

// Change describes what a signal did to the vector.
type Change struct {
	SessionID string
	Role      model.Role
	Vector    Vector
	// Changed is set only when the (provider, requester) pair differs from
	// the previous observation.
	Changed bool
	// FirstJoin is set on the first time anyone is present.
	FirstJoin bool
	// BothPresent is set on the first rising edge of both-present and
	// never again for the session.
	BothPresent bool
	// Lost and Returned are advisory edges observed after the start.
	Lost     []model.Role
	Returned []model.Role
}

type entry struct {
	identities map[model.Role]map[string]struct{}
	vector     Vector
	everJoined bool
	bothFired  bool
	started    bool
	lost       map[model.Role]bool
}

// Tracker keeps the last-known presence vector per session. It is safe for
// concurrent use.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*entry
}

func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*entry)}
}

// Observe applies one signal. started reports whether the session is already
// live; a live session never produces BothPresent, only Lost/Returned.
func (t *Tracker) Observe(sig Signal, roster Roster, started bool) (Change, error) {
	role := ResolveRole(sig.Participant, roster)
	if role == model.RoleUnknown {
		return Change{SessionID: sig.SessionID}, ErrUnknownParticipant
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entryLocked(sig.SessionID)
	if started {
		e.started = true
	}

	previous := e.vector
	members := e.identities[role]
	switch sig.Kind {
	case SignalJoin:
		members[sig.Participant.Identity] = struct{}{}
	case SignalLeave:
		delete(members, sig.Participant.Identity)
	}

	next := Vector{
		ProviderPresent:  len(e.identities[model.RoleProvider]) > 0,
		RequesterPresent: len(e.identities[model.RoleRequester]) > 0,
		LastSeen:         previous.LastSeen,
	}
	next.LastSeen[role] = sig.At
	e.vector = next

	change := Change{
		SessionID: sig.SessionID,
		Role:      role,
		Vector:    copyVector(next),
		Changed:   previous.ProviderPresent != next.ProviderPresent || previous.RequesterPresent != next.RequesterPresent,
	}
	if !change.Changed {
		return change, nil
	}

	if next.Any() && !e.everJoined {
		e.everJoined = true
		change.FirstJoin = true
	}

	if next.Both() && !previous.Both() && !e.started && !e.bothFired {
		e.bothFired = true
		e.started = true
		change.BothPresent = true
	}

	if e.started && !change.BothPresent {
		for _, r := range []model.Role{model.RoleProvider, model.RoleRequester} {
			was, is := previous.present(r), next.present(r)
			if was && !is {
				e.lost[r] = true
				change.Lost = append(change.Lost, r)
			}
			if !was && is && e.lost[r] {
				delete(e.lost, r)
				change.Returned = append(change.Returned, r)
			}
		}
	}

	log.Debug().
		Str("sessionId", sig.SessionID).
		Bool("providerPresent", next.ProviderPresent).
		Bool("requesterPresent", next.RequesterPresent).
		Bool("bothPresent", change.BothPresent).
		Msg("presence changed")

	return change, nil
}

// Snapshot returns the last-known vector for a session.
func (t *Tracker) Snapshot(sessionID string) (Vector, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[sessionID]
	if !ok {
		return Vector{}, false
	}
	return copyVector(e.vector), true
}

// Rearm clears the start latch so the next rising edge fires BothPresent
// again. Used when the start transition could not be recorded.
func (t *Tracker) Rearm(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.sessions[sessionID]; ok {
		e.bothFired = false
		e.started = false
	}
}

// Forget drops all state for a session. Called on terminal transitions.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

func (t *Tracker) entryLocked(sessionID string) *entry {
	e, ok := t.sessions[sessionID]
	if !ok {
		e = &entry{
			identities: map[model.Role]map[string]struct{}{
				model.RoleProvider:  {},
				model.RoleRequester: {},
			},
			vector: Vector{LastSeen: make(map[model.Role]time.Time)},
			lost:   make(map[model.Role]bool),
		}
		t.sessions[sessionID] = e
	}
	return e
}

func copyVector(v Vector) Vector {
	out := v
	out.LastSeen = make(map[model.Role]time.Time, len(v.LastSeen))
	for k, ts := range v.LastSeen {
		out.LastSeen[k] = ts
	}
	return out
}
