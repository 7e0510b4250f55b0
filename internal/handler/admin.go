package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/consult-server-go/internal/billing"
	"github.com/openclaw/consult-server-go/internal/jobs"
	"github.com/openclaw/consult-server-go/internal/service"
)

// SweepTrigger runs one reconciliation pass on demand.
type SweepTrigger interface {
	Trigger(ctx context.Context) (*jobs.RepairReport, error)
}

// FailedCharges lists charges that exhausted their capture attempts.
type FailedCharges interface {
	Failed(ctx context.Context) ([]billing.Charge, error)
}

// AdminHandler serves operator endpoints. Authentication is applied by the
// router.
type AdminHandler struct {
	sessions SessionAPI
	sweeper  SweepTrigger
	charges  FailedCharges
}

func NewAdminHandler(sessions SessionAPI, sweeper SweepTrigger, charges FailedCharges) *AdminHandler {
	return &AdminHandler{sessions: sessions, sweeper: sweeper, charges: charges}
}

func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/providers/{id}/force-close", h.ForceClose)
	r.Post("/sweep", h.Sweep)
	r.Post("/sessions", h.ScheduleSession)
	r.Get("/billing/failed", h.ListFailedCharges)

	return r
}

type scheduleBody struct {
	RequesterID string `json:"requesterId"`
	ProviderID  string `json:"providerId"`
	ServiceType string `json:"serviceType"`
	PlanCode    string `json:"planCode"`
}

// POST /admin/providers/{id}/force-close
func (h *AdminHandler) ForceClose(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(w, r)
	if !ok {
		return
	}

	report, err := h.sessions.ForceCloseAll(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// POST /admin/sweep
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.Trigger(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":  report.Total(),
		"report": report,
	})
}

// POST /admin/sessions
func (h *AdminHandler) ScheduleSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(w, r)
	if !ok {
		return
	}

	var body scheduleBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	session, err := h.sessions.CreateScheduledSession(r.Context(), actor, service.ScheduleParams{
		RequesterID: body.RequesterID,
		ProviderID:  body.ProviderID,
		ServiceType: body.ServiceType,
		PlanCode:    body.PlanCode,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// GET /admin/billing/failed
func (h *AdminHandler) ListFailedCharges(w http.ResponseWriter, r *http.Request) {
	if h.charges == nil {
		writeJSON(w, http.StatusOK, map[string]any{"charges": []billing.Charge{}})
		return
	}

	charges, err := h.charges.Failed(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"charges": charges})
}
