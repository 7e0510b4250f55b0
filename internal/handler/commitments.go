package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/consult-server-go/internal/middleware"
	"github.com/openclaw/consult-server-go/internal/model"
)

// CommitmentHandler lets a provider inspect and clear its own active work.
type CommitmentHandler struct {
	claims   ClaimAPI
	sessions SessionAPI
}

func NewCommitmentHandler(claims ClaimAPI, sessions SessionAPI) *CommitmentHandler {
	return &CommitmentHandler{claims: claims, sessions: sessions}
}

func (h *CommitmentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireRole(model.RoleProvider))

	r.Get("/", h.List)
	r.Post("/force-close", h.ForceClose)

	return r
}

// GET /v1/commitments
func (h *CommitmentHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(w, r)
	if !ok {
		return
	}

	commitments, err := h.claims.ActiveCommitments(r.Context(), actor.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providerId": commitments.ProviderID,
		"active":     commitments.Active(),
		"sessions":   commitments.Sessions,
		"claims":     commitments.Claims,
	})
}

// POST /v1/commitments/force-close
func (h *CommitmentHandler) ForceClose(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(w, r)
	if !ok {
		return
	}

	report, err := h.sessions.ForceCloseAll(r.Context(), actor.ID, actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
