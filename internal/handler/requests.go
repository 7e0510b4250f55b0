package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/consult-server-go/internal/middleware"
	"github.com/openclaw/consult-server-go/internal/model"
	"github.com/openclaw/consult-server-go/internal/service"
)

// ClaimAPI is implemented by service.ClaimService.
type ClaimAPI interface {
	CreateRequest(ctx context.Context, actor model.Actor, serviceType, planCode string) (*model.ServiceRequest, error)
	ListOpenRequests(ctx context.Context, filter model.RequestFilter) ([]model.ServiceRequest, error)
	GetRequest(ctx context.Context, id string) (*model.ServiceRequest, error)
	Accept(ctx context.Context, requestID string, provider model.Actor) (*model.Session, error)
	CancelRequest(ctx context.Context, requestID string, actor model.Actor) (*model.ServiceRequest, error)
	ActiveCommitments(ctx context.Context, providerID string) (*service.Commitments, error)
}

type RequestHandler struct {
	claims      ClaimAPI
	acceptLimit func(http.Handler) http.Handler
}

// NewRequestHandler wraps the accept endpoint with acceptLimit when it is
// not nil.
func NewRequestHandler(claims ClaimAPI, acceptLimit func(http.Handler) http.Handler) *RequestHandler {
	return &RequestHandler{claims: claims, acceptLimit: acceptLimit}
}

func (h *RequestHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.With(middleware.RequireRole(model.RoleRequester)).Post("/", h.Create)
	r.Get("/{id}", h.Get)

	accept := r.With(middleware.RequireRole(model.RoleProvider))
	if h.acceptLimit != nil {
		accept = accept.With(h.acceptLimit)
	}
	accept.Post("/{id}/accept", h.Accept)
	r.Post("/{id}/cancel", h.Cancel)

	return r
}

type createRequestBody struct {
	ServiceType string `json:"serviceType"`
	PlanCode    string `json:"planCode"`
}

// GET /v1/requests
func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	requests, err := h.claims.ListOpenRequests(r.Context(), ParseRequestFilter(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

// POST /v1/requests
func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(w, r)
	if !ok {
		return
	}

	var body createRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	req, err := h.claims.CreateRequest(r.Context(), actor, body.ServiceType, body.PlanCode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// GET /v1/requests/{id}
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, err := h.claims.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// POST /v1/requests/{id}/accept
func (h *RequestHandler) Accept(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(w, r)
	if !ok {
		return
	}

	session, err := h.claims.Accept(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// POST /v1/requests/{id}/cancel
func (h *RequestHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(w, r)
	if !ok {
		return
	}

	req, err := h.claims.CancelRequest(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
