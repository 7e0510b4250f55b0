package lifecycle

import "github.com/openclaw/consult-server-go/internal/model"

// Transition is a single allowed edge in the session state machine.
type Transition struct {
	From   model.SessionStatus
	To     model.SessionStatus
	Event  EventKind
	Reason string
}

var transitionsTable = []Transition{
	// Presence
	{From: model.SessionStatusPending, To: model.SessionStatusWaiting, Event: EvJoined},
	{From: model.SessionStatusPending, To: model.SessionStatusLive, Event: EvBothPresent},
	{From: model.SessionStatusWaiting, To: model.SessionStatusLive, Event: EvBothPresent},

	// Extension keeps the session live
	{From: model.SessionStatusLive, To: model.SessionStatusLive, Event: EvExtend},

	// Completion
	{From: model.SessionStatusLive, To: model.SessionStatusCompleted, Event: EvEnd, Reason: model.ReasonEndedByParticipant},
	{From: model.SessionStatusLive, To: model.SessionStatusCompleted, Event: EvExpire, Reason: model.ReasonExpired},
	{From: model.SessionStatusLive, To: model.SessionStatusCompleted, Event: EvForceClose, Reason: model.ReasonForceClosed},

	// Ending before the start never bills
	{From: model.SessionStatusPending, To: model.SessionStatusCancelled, Event: EvEnd, Reason: model.ReasonEndedByParticipant},
	{From: model.SessionStatusWaiting, To: model.SessionStatusCancelled, Event: EvEnd, Reason: model.ReasonEndedByParticipant},
	{From: model.SessionStatusPending, To: model.SessionStatusCancelled, Event: EvForceClose, Reason: model.ReasonForceClosed},
	{From: model.SessionStatusWaiting, To: model.SessionStatusCancelled, Event: EvForceClose, Reason: model.ReasonForceClosed},

	// Cancellation is accepted from every non-terminal state
	{From: model.SessionStatusPending, To: model.SessionStatusCancelled, Event: EvCancel, Reason: model.ReasonCancelled},
	{From: model.SessionStatusWaiting, To: model.SessionStatusCancelled, Event: EvCancel, Reason: model.ReasonCancelled},
	{From: model.SessionStatusLive, To: model.SessionStatusCancelled, Event: EvCancel, Reason: model.ReasonCancelled},

	// Sweeper: nobody (or only one party) showed up
	{From: model.SessionStatusPending, To: model.SessionStatusCancelled, Event: EvUnattended, Reason: model.ReasonUnattended},
	{From: model.SessionStatusWaiting, To: model.SessionStatusCancelled, Event: EvUnattended, Reason: model.ReasonUnattended},
}

// noopTable lists non-terminal (state, event) pairs that are acknowledged
// without change because the target state was already reached.
var noopTable = []struct {
	From  model.SessionStatus
	Event EventKind
}{
	{From: model.SessionStatusWaiting, Event: EvJoined},
	{From: model.SessionStatusLive, Event: EvJoined},
	{From: model.SessionStatusLive, Event: EvBothPresent},
}

// TransitionFor returns the allowed transition for (from, event).
func TransitionFor(from model.SessionStatus, event EventKind) (Transition, bool) {
	for _, tr := range transitionsTable {
		if tr.From == from && tr.Event == event {
			return tr, true
		}
	}
	return Transition{}, false
}

func isNoop(from model.SessionStatus, event EventKind) bool {
	if from.IsTerminal() {
		return true
	}
	for _, n := range noopTable {
		if n.From == from && n.Event == event {
			return true
		}
	}
	return false
}
