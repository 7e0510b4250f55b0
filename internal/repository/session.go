package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/consult-server-go/internal/database"
	"github.com/openclaw/consult-server-go/internal/model"
)

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	FindByRequestID(ctx context.Context, requestID string) ([]model.Session, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	// ApplyTransition writes update only if the session is still in status
	// from. It returns nil when another writer got there first.
	ApplyTransition(ctx context.Context, id string, from model.SessionStatus, update model.SessionUpdate, at time.Time) (*model.Session, error)
	TouchPresence(ctx context.Context, id string, at time.Time) error
	FindNonTerminalByProvider(ctx context.Context, providerID string) ([]model.Session, error)
	CountActiveByProvider(ctx context.Context, providerID string) (int, error)
	FindUnattended(ctx context.Context, idleSince time.Time) ([]model.Session, error)
	FindOverdueLive(ctx context.Context, now time.Time) ([]model.Session, error)
	FindOverlong(ctx context.Context, startedBefore time.Time) ([]model.Session, error)
	FindLive(ctx context.Context) ([]model.Session, error)
	// MarkChargeQueued records that the charge of a completed session is on
	// the queue.
	MarkChargeQueued(ctx context.Context, id string, at time.Time) error
	FindUnbilled(ctx context.Context, endedBefore time.Time) ([]model.Session, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

type sessionRepo struct {
	db database.DBTX
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE id = $1
	`, id)
	return optional(&session, err)
}

func (r *sessionRepo) FindByRequestID(ctx context.Context, requestID string) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE request_id = $1
		ORDER BY created_at DESC
	`, requestID)
	return sessions, err
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO sessions (request_id, requester_id, provider_id, service_type, plan_code, duration_minutes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *
	`, params.RequestID, params.RequesterID, params.ProviderID, params.ServiceType, params.PlanCode, params.DurationMinutes)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) ApplyTransition(ctx context.Context, id string, from model.SessionStatus, update model.SessionUpdate, at time.Time) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		UPDATE sessions SET
			status = $3,
			duration_minutes = $4,
			started_at = $5,
			ended_at = $6,
			end_reason = $7,
			ended_by = $8,
			updated_at = $9
		WHERE id = $1
		AND status = $2
		RETURNING *
	`, id, from, update.Status, update.DurationMinutes, update.StartedAt, update.EndedAt, update.EndReason, update.EndedBy, at)
	return optional(&session, err)
}

func (r *sessionRepo) TouchPresence(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			last_presence_at = $2
		WHERE id = $1
		AND status IN ('pending', 'waiting', 'live')
	`, id, at)
	return err
}

func (r *sessionRepo) FindNonTerminalByProvider(ctx context.Context, providerID string) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE provider_id = $1
		AND status IN ('pending', 'waiting', 'live')
		ORDER BY created_at ASC
	`, providerID)
	return sessions, err
}

func (r *sessionRepo) CountActiveByProvider(ctx context.Context, providerID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM sessions
		WHERE provider_id = $1
		AND status IN ('pending', 'waiting', 'live')
	`, providerID)
	return count, err
}

func (r *sessionRepo) FindUnattended(ctx context.Context, idleSince time.Time) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE status IN ('pending', 'waiting')
		AND COALESCE(last_presence_at, created_at) < $1
	`, idleSince)
	return sessions, err
}

func (r *sessionRepo) FindOverdueLive(ctx context.Context, now time.Time) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE status = 'live'
		AND started_at + make_interval(mins => duration_minutes) <= $1
	`, now)
	return sessions, err
}

func (r *sessionRepo) FindOverlong(ctx context.Context, startedBefore time.Time) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE status = 'live'
		AND started_at < $1
	`, startedBefore)
	return sessions, err
}

func (r *sessionRepo) FindLive(ctx context.Context) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE status = 'live'
		ORDER BY started_at ASC
	`)
	return sessions, err
}

func (r *sessionRepo) MarkChargeQueued(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			charge_queued_at = $2
		WHERE id = $1
		AND charge_queued_at IS NULL
	`, id, at)
	return err
}

func (r *sessionRepo) FindUnbilled(ctx context.Context, endedBefore time.Time) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE status = 'completed'
		AND charge_queued_at IS NULL
		AND ended_at < $1
		ORDER BY ended_at ASC
	`, endedBefore)
	return sessions, err
}
