package model

type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusAccepted  RequestStatus = "accepted"
	RequestStatusCancelled RequestStatus = "cancelled"
)

type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusWaiting   SessionStatus = "waiting"
	SessionStatusLive      SessionStatus = "live"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusCancelled
}

// NonTerminalSessionStatuses lists the states that hold a provider's commitment.
var NonTerminalSessionStatuses = []SessionStatus{
	SessionStatusPending,
	SessionStatusWaiting,
	SessionStatusLive,
}

type Role string

const (
	RoleProvider  Role = "provider"
	RoleRequester Role = "requester"
	RoleAdmin     Role = "admin"
	RoleUnknown   Role = ""
)

func (r Role) Valid() bool {
	return r == RoleProvider || r == RoleRequester || r == RoleAdmin
}

// End and cancel reasons recorded on sessions and requests.
const (
	ReasonEndedByParticipant = "ended_by_participant"
	ReasonExpired            = "expired"
	ReasonCancelled          = "cancelled"
	ReasonUnattended         = "unattended timeout"
	ReasonMaxDuration        = "max_duration_exceeded"
	ReasonForceClosed        = "force_closed"
	ReasonWithdrawn          = "withdrawn"
	ReasonSessionClosed      = "session_closed"
	ReasonRequestCancelled   = "request_cancelled"
	ReasonClaimReleased      = "claim_released"
	ReasonStaleClaim         = "stale_claim"
	ReasonBadStateReset      = "bad_state_reset"
)
