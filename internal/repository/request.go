package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/consult-server-go/internal/database"
	"github.com/openclaw/consult-server-go/internal/model"
)

const defaultListLimit = 50

type RequestRepository interface {
	FindByID(ctx context.Context, id string) (*model.ServiceRequest, error)
	ListOpen(ctx context.Context, filter model.RequestFilter) ([]model.ServiceRequest, error)
	Create(ctx context.Context, params model.CreateRequestParams) (*model.ServiceRequest, error)
	// Claim accepts a pending request for providerID. It returns nil when the
	// request is no longer pending.
	Claim(ctx context.Context, id, providerID string, at time.Time) (*model.ServiceRequest, error)
	// Release returns an accepted request to the open pool. It returns nil when
	// the request is not held by providerID.
	Release(ctx context.Context, id, providerID string, at time.Time) (*model.ServiceRequest, error)
	// Cancel closes a request that is not already cancelled. It returns nil
	// when there was nothing to cancel.
	Cancel(ctx context.Context, id, reason string, at time.Time) (*model.ServiceRequest, error)
	// FindSessionlessClaims lists accepted requests held by providerID that
	// never got a session.
	FindSessionlessClaims(ctx context.Context, providerID string) ([]model.ServiceRequest, error)
	// FindAcceptedWithoutActiveSession lists requests held by providerID with
	// no pending, waiting or live session.
	FindAcceptedWithoutActiveSession(ctx context.Context, providerID string) ([]model.ServiceRequest, error)
	ResetBadState(ctx context.Context, at time.Time) ([]string, error)
	FindClosedClaims(ctx context.Context) ([]model.ServiceRequest, error)
	FindStaleClaims(ctx context.Context, claimedBefore time.Time) ([]model.ServiceRequest, error)
	FindExpiredPending(ctx context.Context, createdBefore time.Time) ([]model.ServiceRequest, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) RequestRepository
}

type requestRepo struct {
	db database.DBTX
}

func NewRequestRepository(db *sqlx.DB) RequestRepository {
	return &requestRepo{db: db}
}

func (r *requestRepo) WithTx(tx *sqlx.Tx) RequestRepository {
	return &requestRepo{db: tx}
}

func (r *requestRepo) FindByID(ctx context.Context, id string) (*model.ServiceRequest, error) {
	var req model.ServiceRequest
	err := r.db.GetContext(ctx, &req, `
		SELECT * FROM service_requests WHERE id = $1
	`, id)
	return optional(&req, err)
}

func (r *requestRepo) ListOpen(ctx context.Context, filter model.RequestFilter) ([]model.ServiceRequest, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var requests []model.ServiceRequest
	err := r.db.SelectContext(ctx, &requests, `
		SELECT * FROM service_requests
		WHERE status = 'pending'
		AND claimed_by IS NULL
		AND ($1 = '' OR service_type = $1)
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3
	`, filter.ServiceType, limit, filter.Offset)
	return requests, err
}

func (r *requestRepo) Create(ctx context.Context, params model.CreateRequestParams) (*model.ServiceRequest, error) {
	var req model.ServiceRequest
	err := r.db.GetContext(ctx, &req, `
		INSERT INTO service_requests (requester_id, service_type, plan_code)
		VALUES ($1, $2, $3)
		RETURNING *
	`, params.RequesterID, params.ServiceType, params.PlanCode)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *requestRepo) Claim(ctx context.Context, id, providerID string, at time.Time) (*model.ServiceRequest, error) {
	var req model.ServiceRequest
	err := r.db.GetContext(ctx, &req, `
		UPDATE service_requests SET
			status = 'accepted',
			claimed_by = $2,
			claimed_at = $3,
			updated_at = $3
		WHERE id = $1
		AND status = 'pending'
		AND claimed_by IS NULL
		RETURNING *
	`, id, providerID, at)
	return optional(&req, err)
}

func (r *requestRepo) Release(ctx context.Context, id, providerID string, at time.Time) (*model.ServiceRequest, error) {
	var req model.ServiceRequest
	err := r.db.GetContext(ctx, &req, `
		UPDATE service_requests SET
			status = 'pending',
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = $3
		WHERE id = $1
		AND status = 'accepted'
		AND claimed_by = $2
		RETURNING *
	`, id, providerID, at)
	return optional(&req, err)
}

func (r *requestRepo) Cancel(ctx context.Context, id, reason string, at time.Time) (*model.ServiceRequest, error) {
	var req model.ServiceRequest
	err := r.db.GetContext(ctx, &req, `
		UPDATE service_requests SET
			status = 'cancelled',
			claimed_by = NULL,
			claimed_at = NULL,
			cancel_reason = $2,
			updated_at = $3
		WHERE id = $1
		AND status <> 'cancelled'
		RETURNING *
	`, id, reason, at)
	return optional(&req, err)
}

func (r *requestRepo) FindSessionlessClaims(ctx context.Context, providerID string) ([]model.ServiceRequest, error) {
	var requests []model.ServiceRequest
	err := r.db.SelectContext(ctx, &requests, `
		SELECT r.* FROM service_requests r
		WHERE r.status = 'accepted'
		AND r.claimed_by = $1
		AND NOT EXISTS (SELECT 1 FROM sessions s WHERE s.request_id = r.id)
		ORDER BY r.claimed_at ASC
	`, providerID)
	return requests, err
}

func (r *requestRepo) FindAcceptedWithoutActiveSession(ctx context.Context, providerID string) ([]model.ServiceRequest, error) {
	var requests []model.ServiceRequest
	err := r.db.SelectContext(ctx, &requests, `
		SELECT r.* FROM service_requests r
		WHERE r.status = 'accepted'
		AND r.claimed_by = $1
		AND NOT EXISTS (
			SELECT 1 FROM sessions s
			WHERE s.request_id = r.id
			AND s.status IN ('pending', 'waiting', 'live')
		)
		ORDER BY r.claimed_at ASC
	`, providerID)
	return requests, err
}

func (r *requestRepo) ResetBadState(ctx context.Context, at time.Time) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		UPDATE service_requests SET
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = $1
		WHERE status = 'pending'
		AND claimed_by IS NOT NULL
		RETURNING id
	`, at)
	return ids, err
}

func (r *requestRepo) FindClosedClaims(ctx context.Context) ([]model.ServiceRequest, error) {
	var requests []model.ServiceRequest
	err := r.db.SelectContext(ctx, &requests, `
		SELECT r.* FROM service_requests r
		WHERE r.status = 'accepted'
		AND EXISTS (SELECT 1 FROM sessions s WHERE s.request_id = r.id)
		AND NOT EXISTS (
			SELECT 1 FROM sessions s
			WHERE s.request_id = r.id
			AND s.status IN ('pending', 'waiting', 'live')
		)
	`)
	return requests, err
}

func (r *requestRepo) FindStaleClaims(ctx context.Context, claimedBefore time.Time) ([]model.ServiceRequest, error) {
	var requests []model.ServiceRequest
	err := r.db.SelectContext(ctx, &requests, `
		SELECT r.* FROM service_requests r
		WHERE r.status = 'accepted'
		AND r.claimed_at < $1
		AND NOT EXISTS (SELECT 1 FROM sessions s WHERE s.request_id = r.id)
	`, claimedBefore)
	return requests, err
}

func (r *requestRepo) FindExpiredPending(ctx context.Context, createdBefore time.Time) ([]model.ServiceRequest, error) {
	var requests []model.ServiceRequest
	err := r.db.SelectContext(ctx, &requests, `
		SELECT * FROM service_requests
		WHERE status = 'pending'
		AND claimed_by IS NULL
		AND created_at < $1
	`, createdBefore)
	return requests, err
}
