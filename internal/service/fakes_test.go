package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/openclaw/consult-server-go/internal/billing"
	"github.com/openclaw/consult-server-go/internal/database"
	"github.com/openclaw/consult-server-go/internal/model"
	"github.com/openclaw/consult-server-go/internal/repository"
)

// store is an in-memory stand-in for the two Postgres tables. It applies the
// same conditional updates as the SQL repositories.
type store struct {
	mu       sync.Mutex
	requests map[string]*model.ServiceRequest
	sessions map[string]*model.Session
	clock    func() time.Time

	// txMu serializes fake transactions so a rollback never undoes another
	// transaction's commit.
	txMu sync.Mutex
}

func newStore(now func() time.Time) *store {
	return &store{
		requests: make(map[string]*model.ServiceRequest),
		sessions: make(map[string]*model.Session),
		clock:    now,
	}
}

func (s *store) hasSession(requestID string, statuses ...model.SessionStatus) bool {
	for _, sess := range s.sessions {
		if sess.RequestID == nil || *sess.RequestID != requestID {
			continue
		}
		if len(statuses) == 0 {
			return true
		}
		for _, st := range statuses {
			if sess.Status == st {
				return true
			}
		}
	}
	return false
}

type snapshot struct {
	requests map[string]*model.ServiceRequest
	sessions map[string]*model.Session
}

func (s *store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshot{
		requests: make(map[string]*model.ServiceRequest, len(s.requests)),
		sessions: make(map[string]*model.Session, len(s.sessions)),
	}
	for id, r := range s.requests {
		snap.requests[id] = copyRequest(r)
	}
	for id, sess := range s.sessions {
		snap.sessions[id] = copySession(sess)
	}
	return snap
}

func (s *store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = snap.requests
	s.sessions = snap.sessions
}

func copyRequest(r *model.ServiceRequest) *model.ServiceRequest {
	c := *r
	return &c
}

func copySession(s *model.Session) *model.Session {
	c := *s
	return &c
}

type fakeRequests struct{ st *store }

var _ repository.RequestRepository = (*fakeRequests)(nil)

func (f *fakeRequests) WithTx(*sqlx.Tx) repository.RequestRepository { return f }

func (f *fakeRequests) FindByID(_ context.Context, id string) (*model.ServiceRequest, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	if r, ok := f.st.requests[id]; ok {
		return copyRequest(r), nil
	}
	return nil, nil
}

func (f *fakeRequests) ListOpen(_ context.Context, filter model.RequestFilter) ([]model.ServiceRequest, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	var out []model.ServiceRequest
	for _, r := range f.st.requests {
		if r.Status == model.RequestStatusPending && r.ClaimedBy == nil &&
			(filter.ServiceType == "" || filter.ServiceType == r.ServiceType) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeRequests) Create(_ context.Context, p model.CreateRequestParams) (*model.ServiceRequest, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	now := f.st.clock()
	r := &model.ServiceRequest{
		ID:          uuid.NewString(),
		RequesterID: p.RequesterID,
		ServiceType: p.ServiceType,
		PlanCode:    p.PlanCode,
		Status:      model.RequestStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.st.requests[r.ID] = r
	return copyRequest(r), nil
}

func (f *fakeRequests) Claim(_ context.Context, id, providerID string, at time.Time) (*model.ServiceRequest, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	r, ok := f.st.requests[id]
	if !ok || r.Status != model.RequestStatusPending || r.ClaimedBy != nil {
		return nil, nil
	}
	r.Status = model.RequestStatusAccepted
	r.ClaimedBy = &providerID
	r.ClaimedAt = &at
	r.UpdatedAt = at
	return copyRequest(r), nil
}

func (f *fakeRequests) Release(_ context.Context, id, providerID string, at time.Time) (*model.ServiceRequest, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	r, ok := f.st.requests[id]
	if !ok || !r.IsClaimedBy(providerID) {
		return nil, nil
	}
	r.Status = model.RequestStatusPending
	r.ClaimedBy = nil
	r.ClaimedAt = nil
	r.UpdatedAt = at
	return copyRequest(r), nil
}

func (f *fakeRequests) Cancel(_ context.Context, id, reason string, at time.Time) (*model.ServiceRequest, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	r, ok := f.st.requests[id]
	if !ok || r.Status == model.RequestStatusCancelled {
		return nil, nil
	}
	r.Status = model.RequestStatusCancelled
	r.ClaimedBy = nil
	r.ClaimedAt = nil
	r.CancelReason = &reason
	r.UpdatedAt = at
	return copyRequest(r), nil
}

func (f *fakeRequests) filter(keep func(r *model.ServiceRequest) bool) []model.ServiceRequest {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	var out []model.ServiceRequest
	for _, r := range f.st.requests {
		if keep(r) {
			out = append(out, *r)
		}
	}
	return out
}

func (f *fakeRequests) FindSessionlessClaims(_ context.Context, providerID string) ([]model.ServiceRequest, error) {
	return f.filter(func(r *model.ServiceRequest) bool {
		return r.IsClaimedBy(providerID) && !f.st.hasSession(r.ID)
	}), nil
}

func (f *fakeRequests) FindAcceptedWithoutActiveSession(_ context.Context, providerID string) ([]model.ServiceRequest, error) {
	return f.filter(func(r *model.ServiceRequest) bool {
		return r.IsClaimedBy(providerID) && !f.st.hasSession(r.ID, model.NonTerminalSessionStatuses...)
	}), nil
}

func (f *fakeRequests) ResetBadState(_ context.Context, at time.Time) ([]string, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	var ids []string
	for _, r := range f.st.requests {
		if r.InBadState() {
			r.ClaimedBy = nil
			r.ClaimedAt = nil
			r.UpdatedAt = at
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

func (f *fakeRequests) FindClosedClaims(context.Context) ([]model.ServiceRequest, error) {
	return f.filter(func(r *model.ServiceRequest) bool {
		return r.Status == model.RequestStatusAccepted && f.st.hasSession(r.ID) &&
			!f.st.hasSession(r.ID, model.NonTerminalSessionStatuses...)
	}), nil
}

func (f *fakeRequests) FindStaleClaims(_ context.Context, claimedBefore time.Time) ([]model.ServiceRequest, error) {
	return f.filter(func(r *model.ServiceRequest) bool {
		return r.Status == model.RequestStatusAccepted && r.ClaimedAt != nil &&
			r.ClaimedAt.Before(claimedBefore) && !f.st.hasSession(r.ID)
	}), nil
}

func (f *fakeRequests) FindExpiredPending(_ context.Context, createdBefore time.Time) ([]model.ServiceRequest, error) {
	return f.filter(func(r *model.ServiceRequest) bool {
		return r.Status == model.RequestStatusPending && r.ClaimedBy == nil && r.CreatedAt.Before(createdBefore)
	}), nil
}

type fakeSessions struct{ st *store }

var _ repository.SessionRepository = (*fakeSessions)(nil)

func (f *fakeSessions) WithTx(*sqlx.Tx) repository.SessionRepository { return f }

func (f *fakeSessions) FindByID(_ context.Context, id string) (*model.Session, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	if s, ok := f.st.sessions[id]; ok {
		return copySession(s), nil
	}
	return nil, nil
}

func (f *fakeSessions) FindByRequestID(_ context.Context, requestID string) ([]model.Session, error) {
	return f.filter(func(s *model.Session) bool {
		return s.RequestID != nil && *s.RequestID == requestID
	}), nil
}

func (f *fakeSessions) Create(_ context.Context, p model.CreateSessionParams) (*model.Session, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	for _, s := range f.st.sessions {
		if s.ProviderID == p.ProviderID && !s.Status.IsTerminal() {
			return nil, &pq.Error{Code: "23505", Constraint: activeSessionConstraint}
		}
	}
	now := f.st.clock()
	s := &model.Session{
		ID:              uuid.NewString(),
		RequestID:       p.RequestID,
		RequesterID:     p.RequesterID,
		ProviderID:      p.ProviderID,
		ServiceType:     p.ServiceType,
		PlanCode:        p.PlanCode,
		Status:          model.SessionStatusPending,
		DurationMinutes: p.DurationMinutes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	f.st.sessions[s.ID] = s
	return copySession(s), nil
}

func (f *fakeSessions) ApplyTransition(_ context.Context, id string, from model.SessionStatus, u model.SessionUpdate, at time.Time) (*model.Session, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	s, ok := f.st.sessions[id]
	if !ok || s.Status != from {
		return nil, nil
	}
	s.Status = u.Status
	s.DurationMinutes = u.DurationMinutes
	s.StartedAt = u.StartedAt
	s.EndedAt = u.EndedAt
	s.EndReason = u.EndReason
	s.EndedBy = u.EndedBy
	s.UpdatedAt = at
	return copySession(s), nil
}

func (f *fakeSessions) TouchPresence(_ context.Context, id string, at time.Time) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	if s, ok := f.st.sessions[id]; ok && !s.Status.IsTerminal() {
		s.LastPresenceAt = &at
	}
	return nil
}

func (f *fakeSessions) filter(keep func(s *model.Session) bool) []model.Session {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	var out []model.Session
	for _, s := range f.st.sessions {
		if keep(s) {
			out = append(out, *s)
		}
	}
	return out
}

func (f *fakeSessions) FindNonTerminalByProvider(_ context.Context, providerID string) ([]model.Session, error) {
	return f.filter(func(s *model.Session) bool {
		return s.ProviderID == providerID && !s.Status.IsTerminal()
	}), nil
}

func (f *fakeSessions) CountActiveByProvider(ctx context.Context, providerID string) (int, error) {
	sessions, _ := f.FindNonTerminalByProvider(ctx, providerID)
	return len(sessions), nil
}

func (f *fakeSessions) FindUnattended(_ context.Context, idleSince time.Time) ([]model.Session, error) {
	return f.filter(func(s *model.Session) bool {
		last := s.CreatedAt
		if s.LastPresenceAt != nil {
			last = *s.LastPresenceAt
		}
		return (s.Status == model.SessionStatusPending || s.Status == model.SessionStatusWaiting) && last.Before(idleSince)
	}), nil
}

func (f *fakeSessions) FindOverdueLive(_ context.Context, now time.Time) ([]model.Session, error) {
	return f.filter(func(s *model.Session) bool {
		return s.Status == model.SessionStatusLive && !s.ScheduledEnd().After(now)
	}), nil
}

func (f *fakeSessions) FindOverlong(_ context.Context, startedBefore time.Time) ([]model.Session, error) {
	return f.filter(func(s *model.Session) bool {
		return s.Status == model.SessionStatusLive && s.StartedAt.Before(startedBefore)
	}), nil
}

func (f *fakeSessions) FindLive(context.Context) ([]model.Session, error) {
	return f.filter(func(s *model.Session) bool { return s.Status == model.SessionStatusLive }), nil
}

func (f *fakeSessions) MarkChargeQueued(_ context.Context, id string, at time.Time) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	if s, ok := f.st.sessions[id]; ok && s.ChargeQueuedAt == nil {
		s.ChargeQueuedAt = &at
	}
	return nil
}

func (f *fakeSessions) FindUnbilled(_ context.Context, endedBefore time.Time) ([]model.Session, error) {
	return f.filter(func(s *model.Session) bool {
		return s.Status == model.SessionStatusCompleted && s.ChargeQueuedAt == nil &&
			s.EndedAt != nil && s.EndedAt.Before(endedBefore)
	}), nil
}

// fakeTx runs fn as one transaction over the store: an error rolls every
// write back.
type fakeTx struct{ st *store }

func (f fakeTx) WithTx(_ context.Context, fn database.TxFunc) error {
	f.st.txMu.Lock()
	defer f.st.txMu.Unlock()

	snap := f.st.snapshot()
	if err := fn(nil); err != nil {
		f.st.restore(snap)
		return err
	}
	return nil
}

type published struct {
	Topic string
	Event model.LifecycleEvent
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, ev model.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{Topic: topic, Event: ev})
	return nil
}

func (p *recordingPublisher) types(topic string) []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.EventType
	for _, e := range p.events {
		if e.Topic == topic {
			out = append(out, e.Event.Type)
		}
	}
	return out
}

type recordingQueue struct {
	mu      sync.Mutex
	charges []billing.Charge
	// failures is the number of upcoming enqueues that fail.
	failures int
}

func (q *recordingQueue) failNext(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures = n
}

func (q *recordingQueue) Enqueue(_ context.Context, c billing.Charge, _ time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failures > 0 {
		q.failures--
		return false, errors.New("redis: connection refused")
	}
	for _, existing := range q.charges {
		if existing.SessionID == c.SessionID {
			return false, nil
		}
	}
	q.charges = append(q.charges, c)
	return true, nil
}

func (q *recordingQueue) all() []billing.Charge {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]billing.Charge(nil), q.charges...)
}
