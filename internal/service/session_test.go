package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/consult-server-go/internal/errors"
	"github.com/openclaw/consult-server-go/internal/lifecycle"
	"github.com/openclaw/consult-server-go/internal/model"
	"github.com/openclaw/consult-server-go/internal/presence"
	redisclient "github.com/openclaw/consult-server-go/internal/redis"
)

func join(h *harness, sessionID, identity string) presence.Signal {
	return presence.Signal{
		SessionID:   sessionID,
		Participant: presence.Participant{Identity: identity},
		Kind:        presence.SignalJoin,
		At:          h.clock.Now(),
	}
}

func leave(h *harness, sessionID, identity string) presence.Signal {
	sig := join(h, sessionID, identity)
	sig.Kind = presence.SignalLeave
	return sig
}

// acceptedSession runs a request through Accept and returns its session.
func acceptedSession(t *testing.T, h *harness, plan string) *model.Session {
	t.Helper()
	ctx := context.Background()
	req, err := h.claims.CreateRequest(ctx, requester, "video", plan)
	require.NoError(t, err)
	session, err := h.claims.Accept(ctx, req.ID, provider)
	require.NoError(t, err)
	return session
}

// liveSession brings a session to live through presence signals.
func liveSession(t *testing.T, h *harness, plan string) *model.Session {
	t.Helper()
	ctx := context.Background()
	session := acceptedSession(t, h, plan)
	_, err := h.lifecycle.HandlePresence(ctx, join(h, session.ID, "customer-"+requester.ID))
	require.NoError(t, err)
	_, err = h.lifecycle.HandlePresence(ctx, join(h, session.ID, "mechanic-"+provider.ID))
	require.NoError(t, err)
	live, err := h.sessions.FindByID(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusLive, live.Status)
	return live
}

func TestSessionService_Scenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	session := acceptedSession(t, h, "diagnostic")
	assert.Equal(t, model.SessionStatusPending, session.Status)

	_, err := h.lifecycle.HandlePresence(ctx, join(h, session.ID, "customer-"+requester.ID))
	require.NoError(t, err)
	s, _ := h.sessions.FindByID(ctx, session.ID)
	assert.Equal(t, model.SessionStatusWaiting, s.Status)
	assert.Nil(t, s.StartedAt)

	h.clock.Advance(90 * time.Second)
	change, err := h.lifecycle.HandlePresence(ctx, join(h, session.ID, "mechanic-"+provider.ID))
	require.NoError(t, err)
	assert.True(t, change.BothPresent)

	startedAt := t0.Add(90 * time.Second)
	s, _ = h.sessions.FindByID(ctx, session.ID)
	require.Equal(t, model.SessionStatusLive, s.Status)
	assert.True(t, startedAt.Equal(*s.StartedAt))

	h.clock.Advance(40 * time.Minute)
	_, err = h.lifecycle.ExtendSession(ctx, session.ID, requester, 15)
	require.NoError(t, err)

	view, err := h.lifecycle.Remaining(ctx, session.ID, provider)
	require.NoError(t, err)
	assert.Equal(t, 60, view.DurationMinutes)
	assert.Equal(t, int((20 * time.Minute).Seconds()), view.RemainingSeconds)

	h.clock.Advance(20 * time.Minute)

	s, _ = h.sessions.FindByID(ctx, session.ID)
	require.Equal(t, model.SessionStatusCompleted, s.Status)
	assert.True(t, startedAt.Add(60*time.Minute).Equal(*s.EndedAt))
	assert.Equal(t, 60, s.DurationMinutes)
	assert.Equal(t, model.ReasonExpired, *s.EndReason)

	topic := redisclient.SessionTopic(session.ID)
	assert.Equal(t, []model.EventType{
		model.EventWaiting,
		model.EventStarted,
		model.EventWarning,
		model.EventExtended,
		model.EventWarning,
		model.EventEnded,
	}, h.publisher.types(topic), "the five minute warning is not repeated after the extension")

	charges := h.queue.all()
	require.Len(t, charges, 1)
	assert.Equal(t, session.ID, charges[0].SessionID)
	assert.Equal(t, int64(5200), charges[0].AmountCents)
}

func TestSessionService_EndSession(t *testing.T) {
	ctx := context.Background()

	t.Run("ending twice succeeds with state unchanged after the first", func(t *testing.T) {
		h := newHarness(t)
		session := liveSession(t, h, "standard")
		h.clock.Advance(12 * time.Minute)

		first, err := h.lifecycle.EndSession(ctx, session.ID, provider, "")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusCompleted, first.Status)
		assert.Equal(t, 12, first.DurationMinutes)

		h.clock.Advance(time.Minute)
		second, err := h.lifecycle.EndSession(ctx, session.ID, requester, "")
		require.NoError(t, err)
		assert.Equal(t, first.Status, second.Status)
		assert.Equal(t, first.EndedAt, second.EndedAt)
		assert.Equal(t, first.DurationMinutes, second.DurationMinutes)

		assert.Len(t, h.queue.all(), 1, "completion charges once")
	})

	t.Run("concurrent ends converge on one completion", func(t *testing.T) {
		h := newHarness(t)
		session := liveSession(t, h, "standard")

		var wg sync.WaitGroup
		for _, actor := range []model.Actor{provider, requester, provider, requester} {
			wg.Add(1)
			go func(a model.Actor) {
				defer wg.Done()
				_, err := h.lifecycle.EndSession(ctx, session.ID, a, "")
				assert.NoError(t, err)
			}(actor)
		}
		wg.Wait()

		var ended int
		for _, typ := range h.publisher.types(redisclient.SessionTopic(session.ID)) {
			if typ == model.EventEnded {
				ended++
			}
		}
		assert.Equal(t, 1, ended)
	})

	t.Run("ending before the start cancels without charge", func(t *testing.T) {
		h := newHarness(t)
		session := acceptedSession(t, h, "standard")

		ended, err := h.lifecycle.EndSession(ctx, session.ID, requester, "")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusCancelled, ended.Status)
		assert.Empty(t, h.queue.all())
	})

	t.Run("outsiders cannot end a session", func(t *testing.T) {
		h := newHarness(t)
		session := acceptedSession(t, h, "standard")

		_, err := h.lifecycle.EndSession(ctx, session.ID, provider2, "")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeForbidden))
	})

	t.Run("expiry after a manual end does not fire", func(t *testing.T) {
		h := newHarness(t)
		session := liveSession(t, h, "quick")

		_, err := h.lifecycle.EndSession(ctx, session.ID, provider, "")
		require.NoError(t, err)
		assert.Equal(t, 0, h.clock.PendingCount())

		h.clock.Advance(time.Hour)
		s, _ := h.sessions.FindByID(ctx, session.ID)
		assert.Equal(t, model.ReasonEndedByParticipant, *s.EndReason)
	})
}

func TestSessionService_Extend(t *testing.T) {
	ctx := context.Background()

	t.Run("extending after the end never resurrects the session", func(t *testing.T) {
		h := newHarness(t)
		session := liveSession(t, h, "standard")
		_, err := h.lifecycle.EndSession(ctx, session.ID, provider, "")
		require.NoError(t, err)

		s, err := h.lifecycle.ExtendSession(ctx, session.ID, requester, 15)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusCompleted, s.Status)
	})

	t.Run("extending a session that has not started is an invalid transition", func(t *testing.T) {
		h := newHarness(t)
		session := acceptedSession(t, h, "standard")

		_, err := h.lifecycle.ExtendSession(ctx, session.ID, provider, 15)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidTransition))
	})

	t.Run("rejects extensions beyond the limit", func(t *testing.T) {
		h := newHarness(t)
		session := liveSession(t, h, "standard")

		_, err := h.lifecycle.ExtendSession(ctx, session.ID, provider, 61)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))
		_, err = h.lifecycle.ExtendSession(ctx, session.ID, provider, 0)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))
	})
}

// peer is a second service instance over the same store, as when several
// servers share one database.
func peer(t *testing.T, h *harness) *SessionService {
	t.Helper()
	other := NewSessionService(h.sessions, h.requests, h.publisher, NewBillingService(h.queue, testPlans, h.clock), testPlans, h.clock)
	t.Cleanup(other.Shutdown)
	return other
}

func TestSessionService_ClockFollowsStoredDuration(t *testing.T) {
	ctx := context.Background()

	t.Run("expiry from a clock that missed an extension re-arms instead of ending", func(t *testing.T) {
		h := newHarness(t)
		session := liveSession(t, h, "standard")
		other := peer(t, h)

		h.clock.Advance(29*time.Minute + 30*time.Second)
		_, err := other.ExtendSession(ctx, session.ID, requester, 15)
		require.NoError(t, err)

		h.clock.Advance(time.Minute)
		s, _ := h.sessions.FindByID(ctx, session.ID)
		require.Equal(t, model.SessionStatusLive, s.Status, "stored end is 45 minutes after the start")

		h.clock.Advance(14*time.Minute + 30*time.Second)
		s, _ = h.sessions.FindByID(ctx, session.ID)
		require.Equal(t, model.SessionStatusCompleted, s.Status)
		assert.True(t, t0.Add(45*time.Minute).Equal(*s.EndedAt))
		assert.Equal(t, 45, s.DurationMinutes)
		assert.Len(t, h.queue.all(), 1)
	})

	t.Run("warnings follow an extension made elsewhere", func(t *testing.T) {
		h := newHarness(t)
		session := liveSession(t, h, "standard")
		other := peer(t, h)

		h.clock.Advance(20 * time.Minute)
		_, err := other.ExtendSession(ctx, session.ID, requester, 15)
		require.NoError(t, err)

		h.clock.Advance(6 * time.Minute)
		assert.NotContains(t, h.publisher.types(redisclient.SessionTopic(session.ID)), model.EventWarning,
			"twenty minutes remain, no five minute warning")

		remaining, ok := h.lifecycle.clock.Remaining(session.ID)
		require.True(t, ok)
		assert.Equal(t, 19*time.Minute, remaining)
	})
}

func TestSessionService_HandlePresence(t *testing.T) {
	ctx := context.Background()

	t.Run("flickering presence starts the session once", func(t *testing.T) {
		h := newHarness(t)
		session := liveSession(t, h, "standard")

		for i := 0; i < 3; i++ {
			_, err := h.lifecycle.HandlePresence(ctx, leave(h, session.ID, "customer-"+requester.ID))
			require.NoError(t, err)
			change, err := h.lifecycle.HandlePresence(ctx, join(h, session.ID, "customer-"+requester.ID))
			require.NoError(t, err)
			assert.False(t, change.BothPresent)
		}

		var started int
		for _, typ := range h.publisher.types(redisclient.SessionTopic(session.ID)) {
			if typ == model.EventStarted {
				started++
			}
		}
		assert.Equal(t, 1, started)
		assert.Contains(t, h.publisher.types(redisclient.SessionTopic(session.ID)), model.EventPartyLost)
		assert.Contains(t, h.publisher.types(redisclient.SessionTopic(session.ID)), model.EventPartyReturned)

		s, _ := h.sessions.FindByID(ctx, session.ID)
		assert.Equal(t, model.SessionStatusLive, s.Status, "a lost party never ends the session")
	})

	t.Run("unknown participants are rejected", func(t *testing.T) {
		h := newHarness(t)
		session := acceptedSession(t, h, "standard")

		_, err := h.lifecycle.HandlePresence(ctx, join(h, session.ID, "device-42"))
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
	})

	t.Run("signals for a terminal session are ignored", func(t *testing.T) {
		h := newHarness(t)
		session := acceptedSession(t, h, "standard")
		_, err := h.lifecycle.CancelSession(ctx, session.ID, requester, "")
		require.NoError(t, err)

		_, err = h.lifecycle.HandlePresence(ctx, join(h, session.ID, "customer-"+requester.ID))
		require.NoError(t, err)

		s, _ := h.sessions.FindByID(ctx, session.ID)
		assert.Equal(t, model.SessionStatusCancelled, s.Status)
	})

	t.Run("presence activity is recorded", func(t *testing.T) {
		h := newHarness(t)
		session := acceptedSession(t, h, "standard")
		h.clock.Advance(time.Minute)

		_, err := h.lifecycle.HandlePresence(ctx, join(h, session.ID, "customer-"+requester.ID))
		require.NoError(t, err)

		s, _ := h.sessions.FindByID(ctx, session.ID)
		require.NotNil(t, s.LastPresenceAt)
		assert.True(t, t0.Add(time.Minute).Equal(*s.LastPresenceAt))
	})
}

func TestSessionService_ForceCloseAll(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels sessions and session-less claims", func(t *testing.T) {
		h := newHarness(t)
		session := liveSession(t, h, "standard")

		orphan, _ := h.claims.CreateRequest(ctx, model.Actor{ID: "cust-2", Role: model.RoleRequester}, "video", "standard")
		_, err := h.requests.Claim(ctx, orphan.ID, provider.ID, t0)
		require.NoError(t, err)

		report, err := h.lifecycle.ForceCloseAll(ctx, provider.ID, provider)
		require.NoError(t, err)
		assert.Equal(t, []string{session.ID}, report.SessionsCancelled)
		assert.Contains(t, report.RequestsCancelled, orphan.ID)

		s, _ := h.sessions.FindByID(ctx, session.ID)
		assert.Equal(t, model.SessionStatusCancelled, s.Status)
		assert.Equal(t, model.ReasonForceClosed, *s.EndReason)

		require.Len(t, report.RequestsCancelled, 2)
		for _, id := range report.RequestsCancelled {
			req, _ := h.requests.FindByID(ctx, id)
			assert.Equal(t, model.RequestStatusCancelled, req.Status)
			assert.Nil(t, req.ClaimedBy, "cancelled requests name no claimant")
			assert.Nil(t, req.ClaimedAt)
		}
		assert.Contains(t, h.publisher.types(redisclient.ProviderTopic(provider.ID)), model.EventRequestCancelled)

		commitments, err := h.claims.ActiveCommitments(ctx, provider.ID)
		require.NoError(t, err)
		assert.False(t, commitments.Active())
	})

	t.Run("is a no-op when there is nothing to close", func(t *testing.T) {
		h := newHarness(t)

		report, err := h.lifecycle.ForceCloseAll(ctx, provider.ID, provider)
		require.NoError(t, err)
		assert.Empty(t, report.SessionsCancelled)
		assert.Empty(t, report.RequestsCancelled)

		again, err := h.lifecycle.ForceCloseAll(ctx, provider.ID, admin)
		require.NoError(t, err)
		assert.Empty(t, again.SessionsCancelled)
	})

	t.Run("other providers are refused", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.lifecycle.ForceCloseAll(ctx, provider.ID, provider2)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeForbidden))
	})
}

func TestSessionService_ResumeClocks(t *testing.T) {
	ctx := context.Background()

	t.Run("re-arms live sessions and expires overdue ones", func(t *testing.T) {
		h := newHarness(t)
		running := liveSession(t, h, "standard")
		h.lifecycle.Shutdown()

		started := t0.Add(-2 * time.Hour)
		overdue, err := h.sessions.Create(ctx, model.CreateSessionParams{
			RequesterID: "cust-5", ProviderID: "mech-5", ServiceType: "video", PlanCode: "standard", DurationMinutes: 30,
		})
		require.NoError(t, err)
		_, err = h.sessions.ApplyTransition(ctx, overdue.ID, model.SessionStatusPending, model.SessionUpdate{
			Status: model.SessionStatusLive, DurationMinutes: 30, StartedAt: &started,
		}, started)
		require.NoError(t, err)

		count, err := h.lifecycle.ResumeClocks(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		s, _ := h.sessions.FindByID(ctx, overdue.ID)
		assert.Equal(t, model.SessionStatusCompleted, s.Status)
		assert.Equal(t, model.ReasonExpired, *s.EndReason)

		h.clock.Advance(30 * time.Minute)
		s, _ = h.sessions.FindByID(ctx, running.ID)
		assert.Equal(t, model.SessionStatusCompleted, s.Status)
	})
}

func TestSessionService_Repair(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session := acceptedSession(t, h, "standard")

	changed, err := h.lifecycle.Repair(ctx, session.ID, lifecycle.EvUnattended, model.ReasonUnattended)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = h.lifecycle.Repair(ctx, session.ID, lifecycle.EvUnattended, model.ReasonUnattended)
	require.NoError(t, err)
	assert.False(t, changed)

	s, _ := h.sessions.FindByID(ctx, session.ID)
	assert.Equal(t, model.SessionStatusCancelled, s.Status)
	assert.Equal(t, model.SystemActor.ID, *s.EndedBy)
}

func TestSessionService_CreateScheduledSession(t *testing.T) {
	ctx := context.Background()

	t.Run("admin schedules a session without a request", func(t *testing.T) {
		h := newHarness(t)

		s, err := h.lifecycle.CreateScheduledSession(ctx, admin, ScheduleParams{
			RequesterID: requester.ID, ProviderID: provider.ID, ServiceType: "video", PlanCode: "quick",
		})
		require.NoError(t, err)
		assert.Nil(t, s.RequestID)
		assert.Equal(t, 15, s.DurationMinutes)

		_, err = h.lifecycle.CreateScheduledSession(ctx, admin, ScheduleParams{
			RequesterID: "cust-2", ProviderID: provider.ID, ServiceType: "video", PlanCode: "quick",
		})
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeActiveCommitment))
	})

	t.Run("non-admins are refused", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.lifecycle.CreateScheduledSession(ctx, provider, ScheduleParams{})
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeForbidden))
	})
}
