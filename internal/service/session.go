package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/consult-server-go/internal/audit"
	"github.com/openclaw/consult-server-go/internal/bus"
	"github.com/openclaw/consult-server-go/internal/clock"
	"github.com/openclaw/consult-server-go/internal/config"
	"github.com/openclaw/consult-server-go/internal/database"
	apperrors "github.com/openclaw/consult-server-go/internal/errors"
	"github.com/openclaw/consult-server-go/internal/lifecycle"
	"github.com/openclaw/consult-server-go/internal/metrics"
	"github.com/openclaw/consult-server-go/internal/model"
	"github.com/openclaw/consult-server-go/internal/presence"
	"github.com/openclaw/consult-server-go/internal/repository"
	"github.com/openclaw/consult-server-go/internal/sessionclock"
	"github.com/openclaw/consult-server-go/internal/util"
)

const (
	maxApplyAttempts    = 3
	clockHandlerTimeout = 10 * time.Second
)

// Charger takes payment for a completed session without blocking the caller.
type Charger interface {
	Charge(ctx context.Context, s *model.Session) error
}

type ClockView struct {
	SessionID        string              `json:"sessionId"`
	Status           model.SessionStatus `json:"status"`
	StartedAt        *time.Time          `json:"startedAt,omitempty"`
	DurationMinutes  int                 `json:"durationMinutes"`
	ScheduledEnd     *time.Time          `json:"scheduledEnd,omitempty"`
	RemainingSeconds int                 `json:"remainingSeconds"`
}

type ForceCloseReport struct {
	ProviderID        string   `json:"providerId"`
	SessionsCancelled []string `json:"sessionsCancelled"`
	RequestsCancelled []string `json:"requestsCancelled"`
}

type ScheduleParams struct {
	RequesterID string
	ProviderID  string
	ServiceType string
	PlanCode    string
}

// SessionService is the lifecycle engine. Every state change goes through
// lifecycle.Reduce and is persisted with a conditional update on the previous
// status, so concurrent writers converge without a lock.
type SessionService struct {
	sessions  repository.SessionRepository
	requests  repository.RequestRepository
	publisher bus.Publisher
	charger   Charger
	tracker   *presence.Tracker
	clock     *sessionclock.Clock
	now       clock.Clock
	plans     Plans
}

func NewSessionService(
	sessions repository.SessionRepository,
	requests repository.RequestRepository,
	publisher bus.Publisher,
	charger Charger,
	plans Plans,
	c clock.Clock,
) *SessionService {
	s := &SessionService{
		sessions:  sessions,
		requests:  requests,
		publisher: publisher,
		charger:   charger,
		tracker:   presence.NewTracker(),
		now:       c,
		plans:     plans,
	}
	s.clock = sessionclock.New(c, s.onClock, config.FirstWarningBefore, config.FinalWarningBefore)
	return s
}

func (s *SessionService) Get(ctx context.Context, id string, actor model.Actor) (*model.Session, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeParticipant(session, actor); err != nil {
		return nil, err
	}
	return session, nil
}

// HandlePresence feeds one media room signal through the presence tracker
// and applies the transitions it implies. Signals for terminal sessions are
// ignored.
func (s *SessionService) HandlePresence(ctx context.Context, sig presence.Signal) (presence.Change, error) {
	session, err := s.load(ctx, sig.SessionID)
	if err != nil {
		return presence.Change{}, err
	}
	if session.Status.IsTerminal() {
		return presence.Change{SessionID: session.ID}, nil
	}
	if sig.At.IsZero() {
		sig.At = s.now.Now()
	}

	change, err := s.tracker.Observe(sig, presence.RosterOf(session), session.Status == model.SessionStatusLive)
	if errors.Is(err, presence.ErrUnknownParticipant) {
		return change, apperrors.ValidationError("participant does not belong to this session")
	}
	if err != nil {
		return change, err
	}

	if err := s.sessions.TouchPresence(ctx, session.ID, sig.At); err != nil {
		log.Warn().Err(err).Str("sessionId", session.ID).Msg("failed to record presence activity")
	}

	actor := participantID(session, change.Role)

	if change.FirstJoin && session.Status == model.SessionStatusPending {
		if _, _, err := s.apply(ctx, session.ID, lifecycle.Event{Kind: lifecycle.EvJoined, Actor: actor}); err != nil {
			return change, err
		}
	}

	if change.BothPresent {
		updated, _, err := s.apply(ctx, session.ID, lifecycle.Event{Kind: lifecycle.EvBothPresent, Actor: actor})
		if err != nil || updated.Status != model.SessionStatusLive {
			s.tracker.Rearm(session.ID)
		}
		if err != nil {
			return change, err
		}
	}

	for _, role := range change.Lost {
		publishSessionEvent(ctx, s.publisher, session, model.EventPartyLost, participantID(session, role), model.PresencePayload{Role: role}, sig.At)
	}
	for _, role := range change.Returned {
		publishSessionEvent(ctx, s.publisher, session, model.EventPartyReturned, participantID(session, role), model.PresencePayload{Role: role}, sig.At)
	}

	return change, nil
}

// EndSession completes a live session or cancels one that never started.
// Ending a terminal session succeeds without changing it.
func (s *SessionService) EndSession(ctx context.Context, id string, actor model.Actor, reason string) (*model.Session, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeParticipant(session, actor); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = model.ReasonEndedByParticipant
	}

	updated, _, err := s.apply(ctx, id, lifecycle.Event{Kind: lifecycle.EvEnd, Actor: actor.ID, Reason: reason})
	return updated, err
}

func (s *SessionService) ExtendSession(ctx context.Context, id string, actor model.Actor, minutes int) (*model.Session, error) {
	if minutes <= 0 || minutes > config.MaxExtensionMinutes {
		return nil, apperrors.InvalidInput("minutes", fmt.Sprintf("must be between 1 and %d", config.MaxExtensionMinutes))
	}

	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeParticipant(session, actor); err != nil {
		return nil, err
	}

	updated, _, err := s.apply(ctx, id, lifecycle.Event{Kind: lifecycle.EvExtend, Actor: actor.ID, Minutes: minutes})
	return updated, err
}

func (s *SessionService) CancelSession(ctx context.Context, id string, actor model.Actor, reason string) (*model.Session, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeParticipant(session, actor); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = model.ReasonCancelled
	}

	updated, _, err := s.apply(ctx, id, lifecycle.Event{Kind: lifecycle.EvCancel, Actor: actor.ID, Reason: reason})
	return updated, err
}

// Repair applies a server-initiated event. It reports whether the session
// changed.
func (s *SessionService) Repair(ctx context.Context, id string, kind lifecycle.EventKind, reason string) (bool, error) {
	_, out, err := s.apply(ctx, id, lifecycle.Event{Kind: kind, Actor: model.SystemActor.ID, Reason: reason})
	if err != nil {
		return false, err
	}
	return out.Changed, nil
}

// ForceCloseAll cancels every non-terminal session of a provider and every
// request it still holds without an active session. Calling it with nothing
// to close is a no-op.
func (s *SessionService) ForceCloseAll(ctx context.Context, providerID string, actor model.Actor) (*ForceCloseReport, error) {
	if actor.ID != providerID && !actor.IsAdmin() {
		return nil, apperrors.Forbidden("Only the provider or an administrator can force close commitments")
	}

	report := &ForceCloseReport{
		ProviderID:        providerID,
		SessionsCancelled: []string{},
		RequestsCancelled: []string{},
	}

	open, err := s.sessions.FindNonTerminalByProvider(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("find provider sessions: %w", err)
	}
	for _, session := range open {
		_, out, err := s.apply(ctx, session.ID, lifecycle.Event{
			Kind:   lifecycle.EvCancel,
			Actor:  actor.ID,
			Reason: model.ReasonForceClosed,
		})
		if err != nil {
			return nil, fmt.Errorf("cancel session %s: %w", session.ID, err)
		}
		if out.Changed {
			report.SessionsCancelled = append(report.SessionsCancelled, session.ID)
		}
	}

	claims, err := s.requests.FindAcceptedWithoutActiveSession(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("find provider claims: %w", err)
	}
	now := s.now.Now()
	for _, claim := range claims {
		cancelled, err := s.requests.Cancel(ctx, claim.ID, model.ReasonForceClosed, now)
		if err != nil {
			return nil, fmt.Errorf("cancel request %s: %w", claim.ID, err)
		}
		if cancelled == nil {
			continue
		}
		report.RequestsCancelled = append(report.RequestsCancelled, claim.ID)
		publishClaimEnded(ctx, s.publisher, cancelled, model.EventRequestCancelled, actor.ID, claim.ClaimedBy, now)
	}

	audit.Log(ctx, audit.Event{
		Type:    audit.EventForceClose,
		ActorID: actor.ID,
		Details: map[string]interface{}{
			"providerId":        providerID,
			"sessionsCancelled": len(report.SessionsCancelled),
			"requestsCancelled": len(report.RequestsCancelled),
		},
	})

	return report, nil
}

// CreateScheduledSession opens a session that has no originating request.
func (s *SessionService) CreateScheduledSession(ctx context.Context, actor model.Actor, params ScheduleParams) (*model.Session, error) {
	if !actor.IsAdmin() {
		return nil, apperrors.Forbidden("Only administrators can schedule sessions")
	}
	if params.RequesterID == "" {
		return nil, apperrors.MissingRequired("requesterId")
	}
	if params.ProviderID == "" {
		return nil, apperrors.MissingRequired("providerId")
	}
	if params.ServiceType == "" {
		return nil, apperrors.MissingRequired("serviceType")
	}
	minutes, ok := s.plans.Duration(params.PlanCode)
	if !ok {
		return nil, apperrors.InvalidInput("planCode", "unknown plan")
	}

	session, err := s.sessions.Create(ctx, model.CreateSessionParams{
		RequesterID:     params.RequesterID,
		ProviderID:      params.ProviderID,
		ServiceType:     params.ServiceType,
		PlanCode:        params.PlanCode,
		DurationMinutes: minutes,
	})
	if database.IsUniqueViolation(err, activeSessionConstraint) {
		return nil, apperrors.ActiveCommitment()
	}
	if err != nil {
		return nil, fmt.Errorf("create scheduled session: %w", err)
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("providerId", session.ProviderID).
		Str("requesterId", session.RequesterID).
		Msg("scheduled session created")

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionSchedule,
		ActorID:   actor.ID,
		SessionID: session.ID,
	})

	return session, nil
}

// ResumeClocks re-arms the session clock for every live session. Sessions
// that ran out while no clock was armed expire immediately.
func (s *SessionService) ResumeClocks(ctx context.Context) (int, error) {
	live, err := s.sessions.FindLive(ctx)
	if err != nil {
		return 0, fmt.Errorf("find live sessions: %w", err)
	}

	for _, session := range live {
		if session.StartedAt == nil {
			continue
		}
		s.clock.Start(session.ID, *session.StartedAt, session.DurationMinutes)
	}

	log.Info().Int("count", len(live)).Msg("session clocks resumed")
	return len(live), nil
}

func (s *SessionService) Remaining(ctx context.Context, id string, actor model.Actor) (*ClockView, error) {
	session, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	view := &ClockView{
		SessionID:        session.ID,
		Status:           session.Status,
		StartedAt:        session.StartedAt,
		DurationMinutes:  session.DurationMinutes,
		RemainingSeconds: int(session.Remaining(s.now.Now()).Seconds()),
	}
	if session.StartedAt != nil {
		end := session.ScheduledEnd()
		view.ScheduledEnd = &end
	}
	return view, nil
}

// Presence returns the last-known presence vector held by this instance.
func (s *SessionService) Presence(sessionID string) (presence.Vector, bool) {
	return s.tracker.Snapshot(sessionID)
}

// Shutdown disarms every session clock.
func (s *SessionService) Shutdown() {
	s.clock.StopAll()
}

// apply reduces ev against the stored session and persists the result with a
// conditional update. A lost race reloads and reduces again.
func (s *SessionService) apply(ctx context.Context, id string, ev lifecycle.Event) (*model.Session, lifecycle.Outcome, error) {
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		session, err := s.load(ctx, id)
		if err != nil {
			return nil, lifecycle.Outcome{}, err
		}

		ev.At = s.now.Now()
		out, err := lifecycle.Reduce(*session, ev)
		if err != nil {
			return nil, out, err
		}
		if !out.Changed {
			return session, out, nil
		}

		updated, err := s.sessions.ApplyTransition(ctx, id, out.From, out.Session.Update(), ev.At)
		if err != nil {
			return nil, out, fmt.Errorf("persist transition: %w", err)
		}
		if updated == nil {
			log.Debug().
				Str("sessionId", id).
				Str("event", string(ev.Kind)).
				Int("attempt", attempt+1).
				Msg("session changed concurrently, retrying transition")
			continue
		}

		metrics.TransitionsTotal.WithLabelValues(string(out.From), string(out.To), string(ev.Kind)).Inc()
		log.Info().
			Str("sessionId", id).
			Str("from", string(out.From)).
			Str("to", string(out.To)).
			Str("event", string(ev.Kind)).
			Str("reason", out.Reason).
			Msg("session transition")

		s.runEffects(ctx, updated, out, ev)
		return updated, out, nil
	}

	return nil, lifecycle.Outcome{}, apperrors.Conflict("Session changed concurrently, retry")
}

func (s *SessionService) runEffects(ctx context.Context, session *model.Session, out lifecycle.Outcome, ev lifecycle.Event) {
	for _, effect := range out.Effects {
		switch effect {
		case lifecycle.EffectPublishWaiting:
			publishSessionEvent(ctx, s.publisher, session, model.EventWaiting, ev.Actor, nil, ev.At)

		case lifecycle.EffectStartClock:
			s.clock.Start(session.ID, *session.StartedAt, session.DurationMinutes)

		case lifecycle.EffectPublishStarted:
			publishSessionEvent(ctx, s.publisher, session, model.EventStarted, ev.Actor, model.StartedPayload{
				StartedAt:       *session.StartedAt,
				DurationMinutes: session.DurationMinutes,
			}, ev.At)

		case lifecycle.EffectExtendClock:
			if !s.clock.Extend(session.ID, session.DurationMinutes) {
				s.clock.Start(session.ID, *session.StartedAt, session.DurationMinutes)
			}

		case lifecycle.EffectPublishExtended:
			publishSessionEvent(ctx, s.publisher, session, model.EventExtended, ev.Actor, model.ExtendedPayload{
				DurationMinutes:  session.DurationMinutes,
				AddedMinutes:     ev.Minutes,
				RemainingSeconds: int(session.Remaining(ev.At).Seconds()),
			}, ev.At)

		case lifecycle.EffectStopClock:
			s.clock.Stop(session.ID)
			s.tracker.Forget(session.ID)

		case lifecycle.EffectPublishEnded:
			typ := model.EventEnded
			if session.Status == model.SessionStatusCancelled {
				typ = model.EventCancelled
			}
			publishSessionEvent(ctx, s.publisher, session, typ, ev.Actor, model.EndedPayload{
				Status:          session.Status,
				Reason:          out.Reason,
				DurationMinutes: session.DurationMinutes,
				EndedAt:         session.EndedAt,
			}, ev.At)

		case lifecycle.EffectCharge:
			if err := s.charge(ctx, session); err != nil {
				log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to queue charge, left for the sweeper")
			}
		}
	}
}

// RequeueCharge queues the charge of a completed session that never reached
// the queue. It reports false when the session is not waiting for one.
func (s *SessionService) RequeueCharge(ctx context.Context, session *model.Session) (bool, error) {
	if session.Status != model.SessionStatusCompleted || session.ChargeQueuedAt != nil {
		return false, nil
	}
	if err := s.charge(ctx, session); err != nil {
		return false, err
	}
	return true, nil
}

// charge queues the session's charge, then marks the session so it is not
// queued again.
func (s *SessionService) charge(ctx context.Context, session *model.Session) error {
	if s.charger != nil {
		if err := s.charger.Charge(ctx, session); err != nil {
			return err
		}
	}
	if err := s.sessions.MarkChargeQueued(ctx, session.ID, s.now.Now()); err != nil {
		return fmt.Errorf("mark charge queued: %w", err)
	}
	return nil
}

func (s *SessionService) onClock(n sessionclock.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), clockHandlerTimeout)
	defer cancel()

	switch n.Kind {
	case sessionclock.KindWarning:
		session, err := s.sessions.FindByID(ctx, n.SessionID)
		if err != nil || session == nil || session.Status != model.SessionStatusLive {
			return
		}
		// Another instance may have extended the session since this clock
		// was armed.
		if session.Remaining(n.At) > n.Threshold {
			s.clock.Extend(session.ID, session.DurationMinutes)
			return
		}
		publishSessionEvent(ctx, s.publisher, session, model.EventWarning, model.SystemActor.ID, model.WarningPayload{
			RemainingSeconds: int(session.Remaining(n.At).Seconds()),
		}, n.At)

	case sessionclock.KindExpired:
		changed, err := s.Repair(ctx, n.SessionID, lifecycle.EvExpire, model.ReasonExpired)
		if err != nil {
			log.Error().Err(err).Str("sessionId", n.SessionID).Msg("failed to expire session")
			return
		}
		if !changed {
			s.rearm(ctx, n.SessionID)
		}
	}
}

// rearm restarts the clock of a session that is still live after its timer
// ran out, using the stored start time and duration.
func (s *SessionService) rearm(ctx context.Context, id string) {
	session, err := s.sessions.FindByID(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("failed to reload session for clock")
		return
	}
	if session == nil || session.Status != model.SessionStatusLive || session.StartedAt == nil {
		return
	}

	log.Info().
		Str("sessionId", id).
		Int("durationMinutes", session.DurationMinutes).
		Time("scheduledEnd", session.ScheduledEnd()).
		Msg("session clock behind stored duration, re-arming")
	s.clock.Start(id, *session.StartedAt, session.DurationMinutes)
}

func (s *SessionService) load(ctx context.Context, id string) (*model.Session, error) {
	if !util.IsValidUUID(id) {
		return nil, apperrors.NotFound("Session")
	}
	session, err := s.sessions.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}
	return session, nil
}

func authorizeParticipant(session *model.Session, actor model.Actor) error {
	if actor.IsAdmin() || session.IsParticipant(actor.ID) {
		return nil
	}
	return apperrors.Forbidden("Not a participant of this session")
}

func participantID(session *model.Session, role model.Role) string {
	switch role {
	case model.RoleProvider:
		return session.ProviderID
	case model.RoleRequester:
		return session.RequesterID
	}
	return ""
}

func lifecycleCancel(actorID, reason string) lifecycle.Event {
	return lifecycle.Event{Kind: lifecycle.EvCancel, Actor: actorID, Reason: reason}
}
