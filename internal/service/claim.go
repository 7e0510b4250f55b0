package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/consult-server-go/internal/audit"
	"github.com/openclaw/consult-server-go/internal/bus"
	"github.com/openclaw/consult-server-go/internal/clock"
	"github.com/openclaw/consult-server-go/internal/database"
	apperrors "github.com/openclaw/consult-server-go/internal/errors"
	"github.com/openclaw/consult-server-go/internal/metrics"
	"github.com/openclaw/consult-server-go/internal/model"
	"github.com/openclaw/consult-server-go/internal/repository"
	"github.com/openclaw/consult-server-go/internal/util"
)

const activeSessionConstraint = "sessions_one_active_per_provider"

// TxRunner runs fn inside a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

type Commitments struct {
	ProviderID string                 `json:"providerId"`
	Sessions   []model.Session        `json:"sessions"`
	Claims     []model.ServiceRequest `json:"claims"`
}

func (c *Commitments) Active() bool {
	return len(c.Sessions) > 0 || len(c.Claims) > 0
}

// ClaimService resolves accept races so exactly one provider wins a pending
// request. The conditional update in RequestRepository.Claim is the only
// serialization point.
type ClaimService struct {
	requests  repository.RequestRepository
	sessions  repository.SessionRepository
	tx        TxRunner
	publisher bus.Publisher
	lifecycle *SessionService
	plans     Plans
	now       clock.Clock
}

func NewClaimService(
	requests repository.RequestRepository,
	sessions repository.SessionRepository,
	tx TxRunner,
	publisher bus.Publisher,
	lifecycle *SessionService,
	plans Plans,
	c clock.Clock,
) *ClaimService {
	return &ClaimService{
		requests:  requests,
		sessions:  sessions,
		tx:        tx,
		publisher: publisher,
		lifecycle: lifecycle,
		plans:     plans,
		now:       c,
	}
}

func (s *ClaimService) CreateRequest(ctx context.Context, actor model.Actor, serviceType, planCode string) (*model.ServiceRequest, error) {
	if actor.Role != model.RoleRequester {
		return nil, apperrors.Forbidden("Only requesters can submit service requests")
	}
	serviceType = strings.TrimSpace(serviceType)
	if serviceType == "" {
		return nil, apperrors.MissingRequired("serviceType")
	}
	if _, ok := s.plans.Duration(planCode); !ok {
		return nil, apperrors.InvalidInput("planCode", "unknown plan")
	}

	req, err := s.requests.Create(ctx, model.CreateRequestParams{
		RequesterID: actor.ID,
		ServiceType: serviceType,
		PlanCode:    planCode,
	})
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	log.Info().
		Str("requestId", req.ID).
		Str("requesterId", actor.ID).
		Str("planCode", planCode).
		Msg("service request created")

	publishRequestEvent(ctx, s.publisher, req, model.EventRequestCreated, actor.ID, "", req.CreatedAt)
	return req, nil
}

func (s *ClaimService) ListOpenRequests(ctx context.Context, filter model.RequestFilter) ([]model.ServiceRequest, error) {
	requests, err := s.requests.ListOpen(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list open requests: %w", err)
	}
	if requests == nil {
		requests = []model.ServiceRequest{}
	}
	return requests, nil
}

func (s *ClaimService) GetRequest(ctx context.Context, id string) (*model.ServiceRequest, error) {
	if !util.IsValidUUID(id) {
		return nil, apperrors.NotFound("Request")
	}
	req, err := s.requests.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find request: %w", err)
	}
	if req == nil {
		return nil, apperrors.NotFound("Request")
	}
	return req, nil
}

// Accept claims a pending request for provider and opens its session in the
// same transaction. Losers of the race get ALREADY_CLAIMED. Providers that
// still hold a commitment get ACTIVE_COMMITMENT.
func (s *ClaimService) Accept(ctx context.Context, requestID string, provider model.Actor) (*model.Session, error) {
	if provider.Role != model.RoleProvider {
		return nil, apperrors.Forbidden("Only providers can accept requests")
	}

	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	switch req.Status {
	case model.RequestStatusAccepted:
		metrics.ClaimsTotal.WithLabelValues("already_claimed").Inc()
		return nil, apperrors.AlreadyClaimed()
	case model.RequestStatusCancelled:
		return nil, apperrors.InvalidTransition(string(req.Status), "accept")
	}

	minutes, ok := s.plans.Duration(req.PlanCode)
	if !ok {
		return nil, apperrors.InvalidInput("planCode", "unknown plan")
	}

	commitments, err := s.ActiveCommitments(ctx, provider.ID)
	if err != nil {
		return nil, err
	}
	if commitments.Active() {
		metrics.ClaimsTotal.WithLabelValues("active_commitment").Inc()
		return nil, apperrors.ActiveCommitment().WithDetails(commitments)
	}

	now := s.now.Now()
	var session *model.Session
	err = s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		claimed, err := s.requests.WithTx(tx).Claim(ctx, req.ID, provider.ID, now)
		if err != nil {
			return fmt.Errorf("claim request: %w", err)
		}
		if claimed == nil {
			return apperrors.AlreadyClaimed()
		}
		req = claimed

		session, err = s.sessions.WithTx(tx).Create(ctx, model.CreateSessionParams{
			RequestID:       &claimed.ID,
			RequesterID:     claimed.RequesterID,
			ProviderID:      provider.ID,
			ServiceType:     claimed.ServiceType,
			PlanCode:        claimed.PlanCode,
			DurationMinutes: minutes,
		})
		if database.IsUniqueViolation(err, activeSessionConstraint) {
			return apperrors.ActiveCommitment()
		}
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		return nil
	})

	switch {
	case apperrors.Is(err, apperrors.ErrCodeAlreadyClaimed):
		metrics.ClaimsTotal.WithLabelValues("already_claimed").Inc()
		log.Debug().
			Str("requestId", requestID).
			Str("providerId", provider.ID).
			Msg("accept lost the claim race")
		return nil, err
	case apperrors.Is(err, apperrors.ErrCodeActiveCommitment):
		metrics.ClaimsTotal.WithLabelValues("active_commitment").Inc()
		return nil, err
	case err != nil:
		metrics.ClaimsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.ClaimsTotal.WithLabelValues("won").Inc()
	log.Info().
		Str("requestId", req.ID).
		Str("providerId", provider.ID).
		Str("sessionId", session.ID).
		Msg("request accepted")

	audit.Log(ctx, audit.Event{
		Type:      audit.EventRequestClaim,
		ActorID:   provider.ID,
		RequestID: req.ID,
		SessionID: session.ID,
	})

	publishRequestEvent(ctx, s.publisher, req, model.EventClaimed, provider.ID, session.ID, now)
	return session, nil
}

// CancelRequest lets the requester withdraw a request outright, and lets the
// claiming provider (or an administrator) release an accepted request back
// to the open pool. Linked sessions that have not ended are cancelled.
func (s *ClaimService) CancelRequest(ctx context.Context, requestID string, actor model.Actor) (*model.ServiceRequest, error) {
	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if req.Status == model.RequestStatusCancelled {
		return req, nil
	}

	now := s.now.Now()

	switch {
	case actor.ID == req.RequesterID:
		cancelled, err := s.requests.Cancel(ctx, req.ID, model.ReasonWithdrawn, now)
		if err != nil {
			return nil, fmt.Errorf("cancel request: %w", err)
		}
		if cancelled == nil {
			return s.GetRequest(ctx, requestID)
		}
		if err := s.cancelLinkedSessions(ctx, req.ID, actor, model.ReasonRequestCancelled); err != nil {
			return nil, err
		}

		audit.Log(ctx, audit.Event{Type: audit.EventRequestWithdraw, ActorID: actor.ID, RequestID: req.ID})
		publishClaimEnded(ctx, s.publisher, cancelled, model.EventRequestCancelled, actor.ID, req.ClaimedBy, now)
		return cancelled, nil

	case req.Status == model.RequestStatusAccepted && (req.IsClaimedBy(actor.ID) || actor.IsAdmin()):
		claimant := *req.ClaimedBy
		released, err := s.requests.Release(ctx, req.ID, claimant, now)
		if err != nil {
			return nil, fmt.Errorf("release request: %w", err)
		}
		if released == nil {
			return nil, apperrors.Conflict("Request changed concurrently, retry")
		}
		// Release before closing sessions so the sweeper never mistakes the
		// request for a closed claim.
		if err := s.cancelLinkedSessions(ctx, req.ID, actor, model.ReasonClaimReleased); err != nil {
			return nil, err
		}

		log.Info().
			Str("requestId", req.ID).
			Str("providerId", claimant).
			Str("actorId", actor.ID).
			Msg("claim released")
		audit.Log(ctx, audit.Event{
			Type:      audit.EventRequestRelease,
			ActorID:   actor.ID,
			RequestID: req.ID,
			Details:   map[string]interface{}{"claimant": claimant},
		})
		publishClaimEnded(ctx, s.publisher, released, model.EventRequestReleased, actor.ID, &claimant, now)
		return released, nil

	case req.Status == model.RequestStatusAccepted:
		return nil, apperrors.Forbidden("Only the claiming provider can release this request")

	case actor.IsAdmin():
		cancelled, err := s.requests.Cancel(ctx, req.ID, model.ReasonCancelled, now)
		if err != nil {
			return nil, fmt.Errorf("cancel request: %w", err)
		}
		if cancelled == nil {
			return s.GetRequest(ctx, requestID)
		}
		publishRequestEvent(ctx, s.publisher, cancelled, model.EventRequestCancelled, actor.ID, "", now)
		return cancelled, nil
	}

	return nil, apperrors.InvalidTransition(string(req.Status), "cancel")
}

// ActiveCommitments lists what blocks a provider from accepting: sessions
// that have not ended and accepted requests that never got a session.
func (s *ClaimService) ActiveCommitments(ctx context.Context, providerID string) (*Commitments, error) {
	sessions, err := s.sessions.FindNonTerminalByProvider(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("find provider sessions: %w", err)
	}
	claims, err := s.requests.FindSessionlessClaims(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("find provider claims: %w", err)
	}

	c := &Commitments{ProviderID: providerID, Sessions: sessions, Claims: claims}
	if c.Sessions == nil {
		c.Sessions = []model.Session{}
	}
	if c.Claims == nil {
		c.Claims = []model.ServiceRequest{}
	}
	return c, nil
}

// ResetBadState clears the claimant of pending requests that still name one.
func (s *ClaimService) ResetBadState(ctx context.Context) ([]string, error) {
	ids, err := s.requests.ResetBadState(ctx, s.now.Now())
	if err != nil {
		return nil, fmt.Errorf("reset bad state requests: %w", err)
	}
	return ids, nil
}

// ReleaseClaim returns an accepted request to the pool on behalf of the
// system. It reports false when the request had already moved on.
func (s *ClaimService) ReleaseClaim(ctx context.Context, req *model.ServiceRequest) (bool, error) {
	if req.ClaimedBy == nil {
		return false, nil
	}
	claimant := *req.ClaimedBy
	now := s.now.Now()

	released, err := s.requests.Release(ctx, req.ID, claimant, now)
	if err != nil {
		return false, fmt.Errorf("release request: %w", err)
	}
	if released == nil {
		return false, nil
	}

	publishClaimEnded(ctx, s.publisher, released, model.EventRequestReleased, model.SystemActor.ID, &claimant, now)
	return true, nil
}

// CloseRequest cancels a request on behalf of the system. It reports false
// when the request was already cancelled.
func (s *ClaimService) CloseRequest(ctx context.Context, req *model.ServiceRequest, reason string) (bool, error) {
	now := s.now.Now()
	cancelled, err := s.requests.Cancel(ctx, req.ID, reason, now)
	if err != nil {
		return false, fmt.Errorf("cancel request: %w", err)
	}
	if cancelled == nil {
		return false, nil
	}
	publishClaimEnded(ctx, s.publisher, cancelled, model.EventRequestCancelled, model.SystemActor.ID, req.ClaimedBy, now)
	return true, nil
}

func (s *ClaimService) cancelLinkedSessions(ctx context.Context, requestID string, actor model.Actor, reason string) error {
	sessions, err := s.sessions.FindByRequestID(ctx, requestID)
	if err != nil {
		return fmt.Errorf("find request sessions: %w", err)
	}

	var errs []error
	for _, session := range sessions {
		if session.Status.IsTerminal() {
			continue
		}
		if _, _, err := s.lifecycle.apply(ctx, session.ID, lifecycleCancel(actor.ID, reason)); err != nil {
			errs = append(errs, fmt.Errorf("cancel session %s: %w", session.ID, err))
		}
	}
	return errors.Join(errs...)
}
