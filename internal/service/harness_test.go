package service

import (
	"testing"
	"time"

	"github.com/openclaw/consult-server-go/internal/clock"
	"github.com/openclaw/consult-server-go/internal/model"
)

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

var (
	requester = model.Actor{ID: "cust-1", Role: model.RoleRequester}
	provider  = model.Actor{ID: "mech-1", Role: model.RoleProvider}
	provider2 = model.Actor{ID: "mech-2", Role: model.RoleProvider}
	admin     = model.Actor{ID: "ops", Role: model.RoleAdmin}
)

var testPlans = Plans{
	Durations: map[string]int{"quick": 15, "standard": 30, "diagnostic": 45},
	Prices:    map[string]int64{"quick": 1500, "standard": 2900, "diagnostic": 3900},
}

type harness struct {
	clock     *clock.FakeClock
	store     *store
	requests  *fakeRequests
	sessions  *fakeSessions
	publisher *recordingPublisher
	queue     *recordingQueue
	lifecycle *SessionService
	claims    *ClaimService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fake := clock.Fake(t0)
	st := newStore(fake.Now)
	h := &harness{
		clock:     fake,
		store:     st,
		requests:  &fakeRequests{st: st},
		sessions:  &fakeSessions{st: st},
		publisher: &recordingPublisher{},
		queue:     &recordingQueue{},
	}

	charger := NewBillingService(h.queue, testPlans, fake)
	h.lifecycle = NewSessionService(h.sessions, h.requests, h.publisher, charger, testPlans, fake)
	h.claims = NewClaimService(h.requests, h.sessions, fakeTx{st: st}, h.publisher, h.lifecycle, testPlans, fake)
	t.Cleanup(h.lifecycle.Shutdown)
	return h
}
