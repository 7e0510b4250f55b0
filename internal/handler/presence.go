package handler

import (
	"net/http"
	"time"

	apperrors "github.com/openclaw/consult-server-go/internal/errors"
	"github.com/openclaw/consult-server-go/internal/presence"
)

// PresenceHandler receives participant join/leave callbacks from the media
// provider. Signature verification happens in middleware.
type PresenceHandler struct {
	sessions SessionAPI
}

func NewPresenceHandler(sessions SessionAPI) *PresenceHandler {
	return &PresenceHandler{sessions: sessions}
}

type presenceWebhook struct {
	SessionID string     `json:"sessionId"`
	Identity  string     `json:"identity"`
	Metadata  string     `json:"metadata"`
	Kind      string     `json:"kind"`
	At        *time.Time `json:"at"`
}

func (p presenceWebhook) signal() (presence.Signal, error) {
	if p.SessionID == "" {
		return presence.Signal{}, apperrors.MissingRequired("sessionId")
	}
	if p.Identity == "" {
		return presence.Signal{}, apperrors.MissingRequired("identity")
	}

	kind := presence.SignalKind(p.Kind)
	if kind != presence.SignalJoin && kind != presence.SignalLeave {
		return presence.Signal{}, apperrors.InvalidInput("kind", "must be join or leave")
	}

	sig := presence.Signal{
		SessionID:   p.SessionID,
		Participant: presence.Participant{Identity: p.Identity, Metadata: p.Metadata},
		Kind:        kind,
	}
	if p.At != nil {
		sig.At = *p.At
	}
	return sig, nil
}

// POST /webhooks/presence
func (h *PresenceHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	var body presenceWebhook
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	sig, err := body.signal()
	if err != nil {
		writeError(w, r, err)
		return
	}

	change, err := h.sessions.HandlePresence(r.Context(), sig)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": change.SessionID,
		"changed":   change.Changed,
		"presence":  change.Vector,
	})
}
