// Package audit writes a structured log line for every state change made on
// behalf of an actor and for every rejected credential.
package audit

import (
	"context"
	"net"
	"net/http"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventRequestClaim    EventType = "request_claim"
	EventRequestRelease  EventType = "request_release"
	EventRequestWithdraw EventType = "request_withdraw"
	EventForceClose      EventType = "force_close"
	EventSessionSchedule EventType = "session_schedule"
	EventRepair          EventType = "reconciliation_repair"
	EventBillingParked   EventType = "billing_parked"
	EventRateLimitExceed EventType = "rate_limit_exceeded"
	EventAuthFailure     EventType = "auth_failure"
	EventSignatureFail   EventType = "webhook_signature_failure"
)

// Warning reports whether the event signals a rejection or a failure rather
// than a change.
func (t EventType) Warning() bool {
	switch t {
	case EventBillingParked, EventRateLimitExceed, EventAuthFailure, EventSignatureFail:
		return true
	}
	return false
}

type Event struct {
	Type      EventType
	ActorID   string
	SessionID string
	RequestID string
	IP        string
	UserAgent string
	Details   map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	e := log.Info()
	if event.Type.Warning() {
		e = log.Warn()
	}

	e = e.Str("audit", "lifecycle").Str("event_type", string(event.Type))
	e = optionalStr(e, "actor_id", event.ActorID)
	e = optionalStr(e, "session_id", event.SessionID)
	e = optionalStr(e, "request_id", event.RequestID)
	e = optionalStr(e, "ip", event.IP)
	e = optionalStr(e, "user_agent", event.UserAgent)
	e = optionalStr(e, "http_request_id", chimiddleware.GetReqID(ctx))

	for k, v := range event.Details {
		e = addField(e, k, v)
	}
	e.Msg("audit event")
}

func optionalStr(e *zerolog.Event, key, value string) *zerolog.Event {
	if value == "" {
		return e
	}
	return e.Str(key, value)
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	case []string:
		return e.Strs(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = ClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}

// ClientIP returns the originating client of r: the first X-Forwarded-For
// hop, then X-Real-IP, then the host part of the socket address.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
