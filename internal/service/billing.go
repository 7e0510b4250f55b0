package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/consult-server-go/internal/billing"
	"github.com/openclaw/consult-server-go/internal/clock"
	"github.com/openclaw/consult-server-go/internal/model"
)

type ChargeQueue interface {
	Enqueue(ctx context.Context, c billing.Charge, at time.Time) (bool, error)
}

// BillingService turns completed sessions into queued charges. Capture runs
// later in BillingRetryJob so the lifecycle never waits on the gateway.
type BillingService struct {
	queue ChargeQueue
	plans Plans
	now   clock.Clock
}

func NewBillingService(queue ChargeQueue, plans Plans, c clock.Clock) *BillingService {
	return &BillingService{queue: queue, plans: plans, now: c}
}

func (s *BillingService) Charge(ctx context.Context, session *model.Session) error {
	if session.Status != model.SessionStatusCompleted {
		return nil
	}

	price, ok := s.plans.Price(session.PlanCode)
	base, hasBase := s.plans.Duration(session.PlanCode)
	if !ok || !hasBase {
		log.Warn().
			Str("sessionId", session.ID).
			Str("planCode", session.PlanCode).
			Msg("no price for plan, session not charged")
		return nil
	}

	amount := billing.Amount(price, base, session.DurationMinutes)
	if amount <= 0 {
		return nil
	}

	now := s.now.Now()
	added, err := s.queue.Enqueue(ctx, billing.Charge{
		SessionID:   session.ID,
		AmountCents: amount,
		EnqueuedAt:  now,
	}, now)
	if err != nil {
		return fmt.Errorf("enqueue charge: %w", err)
	}

	if added {
		log.Info().
			Str("sessionId", session.ID).
			Int64("amountCents", amount).
			Int("durationMinutes", session.DurationMinutes).
			Msg("charge queued")
	}
	return nil
}
