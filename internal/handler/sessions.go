package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/consult-server-go/internal/model"
	"github.com/openclaw/consult-server-go/internal/presence"
	"github.com/openclaw/consult-server-go/internal/service"
)

// SessionAPI is implemented by service.SessionService.
type SessionAPI interface {
	Get(ctx context.Context, id string, actor model.Actor) (*model.Session, error)
	Remaining(ctx context.Context, id string, actor model.Actor) (*service.ClockView, error)
	EndSession(ctx context.Context, id string, actor model.Actor, reason string) (*model.Session, error)
	ExtendSession(ctx context.Context, id string, actor model.Actor, minutes int) (*model.Session, error)
	CancelSession(ctx context.Context, id string, actor model.Actor, reason string) (*model.Session, error)
	HandlePresence(ctx context.Context, sig presence.Signal) (presence.Change, error)
	ForceCloseAll(ctx context.Context, providerID string, actor model.Actor) (*service.ForceCloseReport, error)
	CreateScheduledSession(ctx context.Context, actor model.Actor, params service.ScheduleParams) (*model.Session, error)
	Presence(sessionID string) (presence.Vector, bool)
}

type SessionHandler struct {
	sessions SessionAPI
}

func NewSessionHandler(sessions SessionAPI) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{id}", h.Get)
	r.Get("/{id}/clock", h.Clock)
	r.Post("/{id}/end", h.End)
	r.Post("/{id}/extend", h.Extend)
	r.Post("/{id}/cancel", h.Cancel)

	return r
}

type sessionResponse struct {
	*model.Session
	Presence *presence.Vector `json:"presence,omitempty"`
}

type reasonBody struct {
	Reason string `json:"reason"`
}

type extendBody struct {
	Minutes int `json:"minutes"`
}

// GET /v1/sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(w, r)
	if !ok {
		return
	}

	session, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := sessionResponse{Session: session}
	if vector, ok := h.sessions.Presence(session.ID); ok {
		resp.Presence = &vector
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /v1/sessions/{id}/clock
func (h *SessionHandler) Clock(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(w, r)
	if !ok {
		return
	}

	view, err := h.sessions.Remaining(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// POST /v1/sessions/{id}/end
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(w, r)
	if !ok {
		return
	}

	var body reasonBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	session, err := h.sessions.EndSession(r.Context(), chi.URLParam(r, "id"), actor, body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// POST /v1/sessions/{id}/extend
func (h *SessionHandler) Extend(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(w, r)
	if !ok {
		return
	}

	var body extendBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	session, err := h.sessions.ExtendSession(r.Context(), chi.URLParam(r, "id"), actor, body.Minutes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// POST /v1/sessions/{id}/cancel
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(w, r)
	if !ok {
		return
	}

	var body reasonBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	session, err := h.sessions.CancelSession(r.Context(), chi.URLParam(r, "id"), actor, body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
