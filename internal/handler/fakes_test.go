package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/consult-server-go/internal/errors"
	"github.com/openclaw/consult-server-go/internal/httputil"
	"github.com/openclaw/consult-server-go/internal/middleware"
	"github.com/openclaw/consult-server-go/internal/model"
	"github.com/openclaw/consult-server-go/internal/presence"
	"github.com/openclaw/consult-server-go/internal/service"
)

var (
	requester = model.Actor{ID: "cust-1", Role: model.RoleRequester}
	provider  = model.Actor{ID: "mech-1", Role: model.RoleProvider}
	provider2 = model.Actor{ID: "mech-2", Role: model.RoleProvider}
	admin     = model.Actor{ID: middleware.AdminActorID, Role: model.RoleAdmin}
)

type fakeClaims struct {
	mu       sync.Mutex
	requests map[string]*model.ServiceRequest
	accepted []string
	acceptFn func(requestID string, provider model.Actor) (*model.Session, error)
	filter   model.RequestFilter
}

func newFakeClaims() *fakeClaims {
	return &fakeClaims{requests: make(map[string]*model.ServiceRequest)}
}

func (f *fakeClaims) add(req *model.ServiceRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[req.ID] = req
}

func (f *fakeClaims) CreateRequest(_ context.Context, actor model.Actor, serviceType, planCode string) (*model.ServiceRequest, error) {
	if serviceType == "" {
		return nil, apperrors.MissingRequired("serviceType")
	}
	req := &model.ServiceRequest{
		ID:          "req-new",
		RequesterID: actor.ID,
		ServiceType: serviceType,
		PlanCode:    planCode,
		Status:      model.RequestStatusPending,
	}
	f.add(req)
	return req, nil
}

func (f *fakeClaims) ListOpenRequests(_ context.Context, filter model.RequestFilter) ([]model.ServiceRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	var out []model.ServiceRequest
	for _, r := range f.requests {
		if r.Status == model.RequestStatusPending {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeClaims) GetRequest(_ context.Context, id string) (*model.ServiceRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return nil, apperrors.NotFound("Request")
	}
	copied := *req
	return &copied, nil
}

func (f *fakeClaims) Accept(_ context.Context, requestID string, provider model.Actor) (*model.Session, error) {
	f.mu.Lock()
	f.accepted = append(f.accepted, requestID)
	f.mu.Unlock()
	if f.acceptFn != nil {
		return f.acceptFn(requestID, provider)
	}
	return &model.Session{ID: "sess-" + requestID, ProviderID: provider.ID, Status: model.SessionStatusPending}, nil
}

func (f *fakeClaims) CancelRequest(_ context.Context, requestID string, actor model.Actor) (*model.ServiceRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[requestID]
	if !ok {
		return nil, apperrors.NotFound("Request")
	}
	if req.RequesterID != actor.ID && !actor.IsAdmin() {
		return nil, apperrors.Forbidden("Not your request")
	}
	req.Status = model.RequestStatusCancelled
	copied := *req
	return &copied, nil
}

func (f *fakeClaims) ActiveCommitments(_ context.Context, providerID string) (*service.Commitments, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &service.Commitments{ProviderID: providerID}
	for _, r := range f.requests {
		if r.IsClaimedBy(providerID) {
			c.Claims = append(c.Claims, *r)
		}
	}
	return c, nil
}

type fakeSessions struct {
	mu        sync.Mutex
	sessions  map[string]*model.Session
	signals   []presence.Signal
	ended     []string
	extended  map[string]int
	scheduled []service.ScheduleParams
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions: make(map[string]*model.Session),
		extended: make(map[string]int),
	}
}

func (f *fakeSessions) add(s *model.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
}

func (f *fakeSessions) Get(_ context.Context, id string, actor model.Actor) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("Session")
	}
	if !s.IsParticipant(actor.ID) && !actor.IsAdmin() {
		return nil, apperrors.Forbidden("Not a participant")
	}
	copied := *s
	return &copied, nil
}

func (f *fakeSessions) Remaining(ctx context.Context, id string, actor model.Actor) (*service.ClockView, error) {
	s, err := f.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	return &service.ClockView{SessionID: s.ID, Status: s.Status, DurationMinutes: s.DurationMinutes, RemainingSeconds: 600}, nil
}

func (f *fakeSessions) EndSession(ctx context.Context, id string, actor model.Actor, reason string) (*model.Session, error) {
	s, err := f.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id+":"+reason)
	s.Status = model.SessionStatusCompleted
	return s, nil
}

func (f *fakeSessions) ExtendSession(ctx context.Context, id string, actor model.Actor, minutes int) (*model.Session, error) {
	if minutes <= 0 {
		return nil, apperrors.InvalidInput("minutes", "must be positive")
	}
	s, err := f.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extended[id] += minutes
	s.DurationMinutes += minutes
	return s, nil
}

func (f *fakeSessions) CancelSession(ctx context.Context, id string, actor model.Actor, _ string) (*model.Session, error) {
	s, err := f.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	s.Status = model.SessionStatusCancelled
	return s, nil
}

func (f *fakeSessions) HandlePresence(_ context.Context, sig presence.Signal) (presence.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sig.SessionID]; !ok {
		return presence.Change{}, apperrors.NotFound("Session")
	}
	f.signals = append(f.signals, sig)
	return presence.Change{
		SessionID: sig.SessionID,
		Changed:   true,
		Vector:    presence.Vector{ProviderPresent: sig.Kind == presence.SignalJoin},
	}, nil
}

func (f *fakeSessions) ForceCloseAll(_ context.Context, providerID string, actor model.Actor) (*service.ForceCloseReport, error) {
	if actor.ID != providerID && !actor.IsAdmin() {
		return nil, apperrors.Forbidden("Not allowed")
	}
	report := &service.ForceCloseReport{ProviderID: providerID, SessionsCancelled: []string{}, RequestsCancelled: []string{}}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ProviderID == providerID && !s.Status.IsTerminal() {
			s.Status = model.SessionStatusCancelled
			report.SessionsCancelled = append(report.SessionsCancelled, s.ID)
		}
	}
	return report, nil
}

func (f *fakeSessions) CreateScheduledSession(_ context.Context, actor model.Actor, params service.ScheduleParams) (*model.Session, error) {
	if !actor.IsAdmin() {
		return nil, apperrors.Forbidden("Only administrators can schedule sessions")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, params)
	return &model.Session{
		ID:          "sess-scheduled",
		RequesterID: params.RequesterID,
		ProviderID:  params.ProviderID,
		PlanCode:    params.PlanCode,
		Status:      model.SessionStatusPending,
	}, nil
}

func (f *fakeSessions) Presence(sessionID string) (presence.Vector, bool) {
	if sessionID == "sess-live" {
		return presence.Vector{ProviderPresent: true, RequesterPresent: true}, true
	}
	return presence.Vector{}, false
}

// serve runs h with actor already authenticated. A zero actor sends the
// request anonymously.
func serve(h http.Handler, actor model.Actor, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if actor.ID != "" {
		req = req.WithContext(middleware.WithActor(req.Context(), actor))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) apperrors.ErrorCode {
	t.Helper()
	return decodeBody[httputil.ErrorResponse](t, rec).Code
}
