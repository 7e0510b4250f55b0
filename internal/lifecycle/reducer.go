// Package lifecycle holds the authoritative session state machine as a pure
// function of (state, event).
package lifecycle

import (
	apperrors "github.com/openclaw/consult-server-go/internal/errors"
	"github.com/openclaw/consult-server-go/internal/model"
)

// Outcome is the result of reducing one event.
type Outcome struct {
	Session model.Session
	From    model.SessionStatus
	To      model.SessionStatus
	Changed bool
	Reason  string
	Effects []Effect
}

func (o Outcome) Has(effect Effect) bool {
	for _, e := range o.Effects {
		if e == effect {
			return true
		}
	}
	return false
}

// Reduce applies ev to s and returns the new state with the side effects the
// caller owes. Terminal sessions, already-reached targets and early expiries
// yield an unchanged outcome and no error. Events with no edge from the
// current state fail with INVALID_TRANSITION.
func Reduce(s model.Session, ev Event) (Outcome, error) {
	out := Outcome{Session: s, From: s.Status, To: s.Status}

	if isNoop(s.Status, ev.Kind) {
		return out, nil
	}

	tr, ok := TransitionFor(s.Status, ev.Kind)
	if !ok {
		return out, apperrors.InvalidTransition(string(s.Status), string(ev.Kind))
	}

	if ev.Kind == EvExtend && ev.Minutes <= 0 {
		return out, apperrors.InvalidInput("minutes", "must be positive")
	}

	// An expiry timed against an older duration is stale once the stored
	// startedAt + durationMinutes lies ahead of it.
	if ev.Kind == EvExpire && s.StartedAt != nil && s.ScheduledEnd().After(ev.At) {
		return out, nil
	}

	reason := tr.Reason
	if ev.Reason != "" {
		reason = ev.Reason
	}

	next := s
	next.Status = tr.To
	at := ev.At

	switch {
	case tr.To == model.SessionStatusWaiting:
		out.Effects = append(out.Effects, EffectPublishWaiting)

	case tr.To == model.SessionStatusLive && tr.From != model.SessionStatusLive:
		next.StartedAt = &at
		out.Effects = append(out.Effects, EffectStartClock, EffectPublishStarted)

	case ev.Kind == EvExtend:
		next.DurationMinutes = s.DurationMinutes + ev.Minutes
		out.Effects = append(out.Effects, EffectExtendClock, EffectPublishExtended)

	case tr.To.IsTerminal():
		next.EndedAt = &at
		next.EndReason = &reason
		if ev.Actor != "" {
			actor := ev.Actor
			next.EndedBy = &actor
		}
		out.Effects = append(out.Effects, EffectStopClock, EffectPublishEnded)
		if tr.To == model.SessionStatusCompleted {
			if s.StartedAt != nil {
				next.DurationMinutes = model.ElapsedMinutes(*s.StartedAt, at)
			}
			out.Effects = append(out.Effects, EffectCharge)
		}
	}

	out.Session = next
	out.To = next.Status
	out.Changed = true
	out.Reason = reason
	return out, nil
}
