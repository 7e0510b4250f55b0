package projection

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/openclaw/consult-server-go/internal/bus"
	"github.com/openclaw/consult-server-go/internal/config"
	"github.com/openclaw/consult-server-go/internal/model"
)

type SessionView struct {
	ID              string              `json:"id"`
	Status          model.SessionStatus `json:"status"`
	DurationMinutes int                 `json:"durationMinutes"`
	StartedAt       *time.Time          `json:"startedAt,omitempty"`
	EndedAt         *time.Time          `json:"endedAt,omitempty"`
	EndReason       string              `json:"endReason,omitempty"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

type RequestView struct {
	ID        string              `json:"id"`
	Status    model.RequestStatus `json:"status"`
	ClaimedBy string              `json:"claimedBy,omitempty"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// View is one actor's picture of the sessions and requests it follows. It
// changes only through Apply and Seed.
type View struct {
	sessions map[string]*SessionView
	requests map[string]*RequestView
	seen     *bus.SeenSet
	mu       sync.Mutex
}

func NewView() *View {
	return &View{
		sessions: make(map[string]*SessionView),
		requests: make(map[string]*RequestView),
		seen:     bus.NewSeenSet(config.EventSeenSetSize),
	}
}

// Seed loads the stored state of a session before live events arrive.
func (v *View) Seed(s *model.Session) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.sessions[s.ID] = &SessionView{
		ID:              s.ID,
		Status:          s.Status,
		DurationMinutes: s.DurationMinutes,
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
		EndReason:       deref(s.EndReason),
		UpdatedAt:       s.UpdatedAt,
	}
}

func (v *View) SeedRequest(r *model.ServiceRequest) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.requests[r.ID] = &RequestView{
		ID:        r.ID,
		Status:    r.Status,
		ClaimedBy: deref(r.ClaimedBy),
		UpdatedAt: r.UpdatedAt,
	}
}

// Apply merges event into the view and reports whether it changed anything.
// Repeated event IDs and events for a session already in a terminal state are
// ignored.
func (v *View) Apply(ev model.LifecycleEvent) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.seen.Add(ev.ID) {
		return false
	}

	switch ev.Type {
	case model.EventRequestCreated, model.EventClaimed, model.EventRequestReleased, model.EventRequestCancelled:
		return v.applyRequest(ev)
	default:
		return v.applySession(ev)
	}
}

func (v *View) applyRequest(ev model.LifecycleEvent) bool {
	if ev.RequestID == "" {
		return false
	}
	r, ok := v.requests[ev.RequestID]
	if !ok {
		r = &RequestView{ID: ev.RequestID, Status: model.RequestStatusPending}
		v.requests[ev.RequestID] = r
	}
	if r.Status == model.RequestStatusCancelled {
		return false
	}

	switch ev.Type {
	case model.EventRequestCreated:
		if ok {
			return false
		}
	case model.EventClaimed:
		r.Status = model.RequestStatusAccepted
		r.ClaimedBy = ev.Actor
	case model.EventRequestReleased:
		r.Status = model.RequestStatusPending
		r.ClaimedBy = ""
	case model.EventRequestCancelled:
		r.Status = model.RequestStatusCancelled
		r.ClaimedBy = ""
	}
	r.UpdatedAt = ev.Timestamp
	return true
}

func (v *View) applySession(ev model.LifecycleEvent) bool {
	if ev.SessionID == "" {
		return false
	}
	s, ok := v.sessions[ev.SessionID]
	if !ok {
		s = &SessionView{ID: ev.SessionID, Status: model.SessionStatusPending}
		v.sessions[ev.SessionID] = s
	}
	if s.Status.IsTerminal() {
		return false
	}

	switch ev.Type {
	case model.EventWaiting:
		if s.Status != model.SessionStatusPending {
			return false
		}
		s.Status = model.SessionStatusWaiting

	case model.EventStarted:
		var p model.StartedPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			started := p.StartedAt
			s.StartedAt = &started
			s.DurationMinutes = p.DurationMinutes
		}
		s.Status = model.SessionStatusLive

	case model.EventExtended:
		var p model.ExtendedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return false
		}
		// Durations only grow, so an older extension arriving late is ignored.
		if p.DurationMinutes <= s.DurationMinutes {
			return false
		}
		s.DurationMinutes = p.DurationMinutes

	case model.EventEnded, model.EventCancelled:
		var p model.EndedPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			s.EndReason = p.Reason
			s.EndedAt = p.EndedAt
			if p.Status.IsTerminal() {
				s.Status = p.Status
			}
			if p.DurationMinutes > 0 {
				s.DurationMinutes = p.DurationMinutes
			}
		}
		if !s.Status.IsTerminal() {
			s.Status = model.SessionStatusCompleted
			if ev.Type == model.EventCancelled {
				s.Status = model.SessionStatusCancelled
			}
		}

	case model.EventWarning, model.EventPartyLost, model.EventPartyReturned:
		// Informational; passes through without changing state.

	default:
		return false
	}

	s.UpdatedAt = ev.Timestamp
	return true
}

func (v *View) Session(id string) (SessionView, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.sessions[id]
	if !ok {
		return SessionView{}, false
	}
	return *s, true
}

func (v *View) Request(id string) (RequestView, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.requests[id]
	if !ok {
		return RequestView{}, false
	}
	return *r, true
}

// Active lists sessions that are not yet terminal.
func (v *View) Active() []SessionView {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]SessionView, 0, len(v.sessions))
	for _, s := range v.sessions {
		if !s.Status.IsTerminal() {
			out = append(out, *s)
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
