package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/openclaw/consult-server-go/internal/audit"
	"github.com/openclaw/consult-server-go/internal/clock"
	"github.com/openclaw/consult-server-go/internal/config"
	"github.com/openclaw/consult-server-go/internal/lifecycle"
	"github.com/openclaw/consult-server-go/internal/metrics"
	"github.com/openclaw/consult-server-go/internal/model"
)

// Sweep rules, also used as the metric label.
const (
	RuleBadState     = "bad_state"
	RuleClosedClaim  = "closed_claim"
	RuleStaleClaim   = "stale_claim"
	RuleUnattended   = "unattended"
	RuleOverdue      = "overdue"
	RuleOverlong     = "overlong"
	RuleExpiredQueue = "expired_request"
	RuleUnbilled     = "unbilled"
)

type RequestFinder interface {
	FindClosedClaims(ctx context.Context) ([]model.ServiceRequest, error)
	FindStaleClaims(ctx context.Context, claimedBefore time.Time) ([]model.ServiceRequest, error)
	FindExpiredPending(ctx context.Context, createdBefore time.Time) ([]model.ServiceRequest, error)
}

type SessionFinder interface {
	FindUnattended(ctx context.Context, idleSince time.Time) ([]model.Session, error)
	FindOverdueLive(ctx context.Context, now time.Time) ([]model.Session, error)
	FindOverlong(ctx context.Context, startedBefore time.Time) ([]model.Session, error)
	FindUnbilled(ctx context.Context, endedBefore time.Time) ([]model.Session, error)
}

// ClaimRepairer is implemented by service.ClaimService.
type ClaimRepairer interface {
	ResetBadState(ctx context.Context) ([]string, error)
	ReleaseClaim(ctx context.Context, req *model.ServiceRequest) (bool, error)
	CloseRequest(ctx context.Context, req *model.ServiceRequest, reason string) (bool, error)
}

// SessionRepairer is implemented by service.SessionService.
type SessionRepairer interface {
	Repair(ctx context.Context, id string, kind lifecycle.EventKind, reason string) (bool, error)
	RequeueCharge(ctx context.Context, session *model.Session) (bool, error)
}

type SweepConfig struct {
	Interval          time.Duration
	ClaimGrace        time.Duration
	UnattendedTimeout time.Duration
	MaxSessionLength  time.Duration
	// RequestExpiry of zero keeps pending requests open forever.
	RequestExpiry time.Duration
}

type RepairReport struct {
	BadStateReset         []string  `json:"badStateReset"`
	StaleClaimsReleased   []string  `json:"staleClaimsReleased"`
	ClosedClaimsCancelled []string  `json:"closedClaimsCancelled"`
	UnattendedCancelled   []string  `json:"unattendedCancelled"`
	OverdueCompleted      []string  `json:"overdueCompleted"`
	OverlongCompleted     []string  `json:"overlongCompleted"`
	ExpiredRequests       []string  `json:"expiredRequests"`
	ChargesRequeued       []string  `json:"chargesRequeued"`
	StartedAt             time.Time `json:"startedAt"`
	Errors                int       `json:"errors"`
}

func (r *RepairReport) Total() int {
	return len(r.BadStateReset) + len(r.StaleClaimsReleased) + len(r.ClosedClaimsCancelled) +
		len(r.UnattendedCancelled) + len(r.OverdueCompleted) + len(r.OverlongCompleted) +
		len(r.ExpiredRequests) + len(r.ChargesRequeued)
}

// Sweeper is the reconciliation safety net. Each rule reads its candidates
// fresh and repairs them through the services, so a record fixed by a
// concurrent writer is skipped rather than repaired twice.
type Sweeper struct {
	requests RequestFinder
	sessions SessionFinder
	claims   ClaimRepairer
	repairer SessionRepairer
	clock    clock.Clock
	cfg      SweepConfig

	group singleflight.Group
	done  chan struct{}
	wg    sync.WaitGroup
}

func NewSweeper(
	requests RequestFinder,
	sessions SessionFinder,
	claims ClaimRepairer,
	repairer SessionRepairer,
	c clock.Clock,
	cfg SweepConfig,
) *Sweeper {
	return &Sweeper{
		requests: requests,
		sessions: sessions,
		claims:   claims,
		repairer: repairer,
		clock:    c,
		cfg:      cfg,
		done:     make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	log.Info().Dur("interval", s.cfg.Interval).Msg("reconciliation sweeper started")
}

func (s *Sweeper) Stop() {
	close(s.done)
	s.wg.Wait()
	log.Info().Msg("reconciliation sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.sweepInBackground()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweepInBackground()
		}
	}
}

func (s *Sweeper) sweepInBackground() {
	if _, err := s.Trigger(context.Background()); err != nil {
		log.Error().Err(err).Msg("reconciliation sweep failed")
	}
}

// Trigger runs a sweep, joining one already in flight instead of starting a
// second. The sweep runs on its own deadline: callers that joined it must
// not be able to abort it for the others by cancelling their context.
func (s *Sweeper) Trigger(ctx context.Context) (*RepairReport, error) {
	v, err, shared := s.group.Do("sweep", func() (interface{}, error) {
		sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.SweepTimeout)
		defer cancel()
		return s.Sweep(sweepCtx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug().Msg("joined in-flight reconciliation sweep")
	}
	return v.(*RepairReport), nil
}

// Sweep runs every repair rule once. Failures of single records are logged
// and counted; only a failed candidate lookup aborts the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (*RepairReport, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	now := s.clock.Now()
	report := &RepairReport{StartedAt: now}

	ids, err := s.claims.ResetBadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("reset bad state: %w", err)
	}
	for _, id := range ids {
		s.record(ctx, RuleBadState, "", id)
	}
	report.BadStateReset = ids

	closed, err := s.requests.FindClosedClaims(ctx)
	if err != nil {
		return nil, fmt.Errorf("find closed claims: %w", err)
	}
	report.ClosedClaimsCancelled = s.repairRequests(ctx, report, RuleClosedClaim, closed, func(r *model.ServiceRequest) (bool, error) {
		return s.claims.CloseRequest(ctx, r, model.ReasonSessionClosed)
	})

	stale, err := s.requests.FindStaleClaims(ctx, now.Add(-s.cfg.ClaimGrace))
	if err != nil {
		return nil, fmt.Errorf("find stale claims: %w", err)
	}
	report.StaleClaimsReleased = s.repairRequests(ctx, report, RuleStaleClaim, stale, func(r *model.ServiceRequest) (bool, error) {
		return s.claims.ReleaseClaim(ctx, r)
	})

	unattended, err := s.sessions.FindUnattended(ctx, now.Add(-s.cfg.UnattendedTimeout))
	if err != nil {
		return nil, fmt.Errorf("find unattended sessions: %w", err)
	}
	report.UnattendedCancelled = s.repairSessions(ctx, report, RuleUnattended, unattended, lifecycle.EvUnattended, model.ReasonUnattended)

	overdue, err := s.sessions.FindOverdueLive(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("find overdue sessions: %w", err)
	}
	report.OverdueCompleted = s.repairSessions(ctx, report, RuleOverdue, overdue, lifecycle.EvExpire, model.ReasonExpired)

	if s.cfg.MaxSessionLength > 0 {
		overlong, err := s.sessions.FindOverlong(ctx, now.Add(-s.cfg.MaxSessionLength))
		if err != nil {
			return nil, fmt.Errorf("find overlong sessions: %w", err)
		}
		report.OverlongCompleted = s.repairSessions(ctx, report, RuleOverlong, overlong, lifecycle.EvForceClose, model.ReasonMaxDuration)
	}

	if s.cfg.RequestExpiry > 0 {
		expired, err := s.requests.FindExpiredPending(ctx, now.Add(-s.cfg.RequestExpiry))
		if err != nil {
			return nil, fmt.Errorf("find expired requests: %w", err)
		}
		report.ExpiredRequests = s.repairRequests(ctx, report, RuleExpiredQueue, expired, func(r *model.ServiceRequest) (bool, error) {
			return s.claims.CloseRequest(ctx, r, model.ReasonExpired)
		})
	}

	// Completed sessions whose charge never reached the queue. The grace
	// keeps the sweep off sessions still inside their completing call.
	unbilled, err := s.sessions.FindUnbilled(ctx, now.Add(-config.ChargeRequeueAfter))
	if err != nil {
		return nil, fmt.Errorf("find unbilled sessions: %w", err)
	}
	report.ChargesRequeued = []string{}
	for i := range unbilled {
		session := &unbilled[i]
		changed, err := s.repairer.RequeueCharge(ctx, session)
		if err != nil {
			report.Errors++
			log.Error().Err(err).Str("rule", RuleUnbilled).Str("sessionId", session.ID).Msg("failed to requeue charge")
			continue
		}
		if changed {
			report.ChargesRequeued = append(report.ChargesRequeued, session.ID)
			s.record(ctx, RuleUnbilled, session.ID, "")
		}
	}

	if total := report.Total(); total > 0 || report.Errors > 0 {
		log.Info().
			Int("repaired", total).
			Int("errors", report.Errors).
			Int("badState", len(report.BadStateReset)).
			Int("staleClaims", len(report.StaleClaimsReleased)).
			Int("closedClaims", len(report.ClosedClaimsCancelled)).
			Int("unattended", len(report.UnattendedCancelled)).
			Int("overdue", len(report.OverdueCompleted)).
			Int("overlong", len(report.OverlongCompleted)).
			Int("expiredRequests", len(report.ExpiredRequests)).
			Int("chargesRequeued", len(report.ChargesRequeued)).
			Msg("reconciliation sweep repaired records")
	}

	return report, nil
}

func (s *Sweeper) repairRequests(
	ctx context.Context,
	report *RepairReport,
	rule string,
	candidates []model.ServiceRequest,
	fix func(*model.ServiceRequest) (bool, error),
) []string {
	repaired := []string{}
	for i := range candidates {
		req := &candidates[i]
		changed, err := fix(req)
		if err != nil {
			report.Errors++
			log.Error().Err(err).Str("rule", rule).Str("requestId", req.ID).Msg("failed to repair request")
			continue
		}
		if changed {
			repaired = append(repaired, req.ID)
			s.record(ctx, rule, "", req.ID)
		}
	}
	return repaired
}

func (s *Sweeper) repairSessions(
	ctx context.Context,
	report *RepairReport,
	rule string,
	candidates []model.Session,
	kind lifecycle.EventKind,
	reason string,
) []string {
	repaired := []string{}
	for _, session := range candidates {
		changed, err := s.repairer.Repair(ctx, session.ID, kind, reason)
		if err != nil {
			report.Errors++
			log.Error().Err(err).Str("rule", rule).Str("sessionId", session.ID).Msg("failed to repair session")
			continue
		}
		if changed {
			repaired = append(repaired, session.ID)
			s.record(ctx, rule, session.ID, "")
		}
	}
	return repaired
}

func (s *Sweeper) record(ctx context.Context, rule, sessionID, requestID string) {
	metrics.SweepRepairsTotal.WithLabelValues(rule).Inc()
	audit.Log(ctx, audit.Event{
		Type:      audit.EventRepair,
		ActorID:   model.SystemActor.ID,
		SessionID: sessionID,
		RequestID: requestID,
		Details:   map[string]interface{}{"rule": rule},
	})
}
