package lifecycle

import "time"

// EventKind is an input to the reducer.
type EventKind string

const (
	EvJoined      EventKind = "join"
	EvBothPresent EventKind = "both_present"
	EvEnd         EventKind = "end"
	EvExpire      EventKind = "expire"
	EvCancel      EventKind = "cancel"
	EvExtend      EventKind = "extend"
	EvForceClose  EventKind = "force_close"
	EvUnattended  EventKind = "unattended_timeout"
)

// Event is one reducer input. ID is the idempotency key; the reducer itself
// ignores it and consumers deduplicate on it before reducing.
type Event struct {
	ID      string
	Kind    EventKind
	Actor   string
	Reason  string
	Minutes int
	At      time.Time
}

// Effect is a side effect the caller must perform after persisting the
// new state.
type Effect string

const (
	EffectPublishWaiting  Effect = "publish_waiting"
	EffectStartClock      Effect = "start_clock"
	EffectPublishStarted  Effect = "publish_started"
	EffectExtendClock     Effect = "extend_clock"
	EffectPublishExtended Effect = "publish_extended"
	EffectStopClock       Effect = "stop_clock"
	EffectPublishEnded    Effect = "publish_ended"
	EffectCharge          Effect = "charge"
)
