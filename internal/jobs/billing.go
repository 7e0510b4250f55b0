package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/consult-server-go/internal/audit"
	"github.com/openclaw/consult-server-go/internal/billing"
	"github.com/openclaw/consult-server-go/internal/clock"
	"github.com/openclaw/consult-server-go/internal/config"
	"github.com/openclaw/consult-server-go/internal/metrics"
	"github.com/openclaw/consult-server-go/internal/model"
)

const (
	billingBatchSize = 20
	maxBillingDelay  = time.Hour
)

// ChargeStore is implemented by billing.Queue.
type ChargeStore interface {
	Claim(ctx context.Context, now time.Time, limit int) ([]billing.Charge, error)
	Ack(ctx context.Context, sessionID string) error
	Reschedule(ctx context.Context, c billing.Charge, at time.Time) error
	Park(ctx context.Context, c billing.Charge) error
}

type BillingResult struct {
	Captured    int
	Rescheduled int
	Parked      int
}

// BillingRetryJob captures queued charges. Failed captures are retried with
// exponential backoff; declines and charges out of attempts are parked.
type BillingRetryJob struct {
	queue    ChargeStore
	gateway  billing.Gateway
	clock    clock.Clock
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewBillingRetryJob(queue ChargeStore, gateway billing.Gateway, c clock.Clock, interval time.Duration) *BillingRetryJob {
	return &BillingRetryJob{
		queue:    queue,
		gateway:  gateway,
		clock:    c,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *BillingRetryJob) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("billing retry job started")
}

func (j *BillingRetryJob) Stop() {
	close(j.done)
	j.wg.Wait()
	log.Info().Msg("billing retry job stopped")
}

func (j *BillingRetryJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), config.SweepTimeout)
			if _, err := j.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("billing retry run failed")
			}
			cancel()
		}
	}
}

// RunOnce drains one batch of due charges.
func (j *BillingRetryJob) RunOnce(ctx context.Context) (BillingResult, error) {
	var result BillingResult

	charges, err := j.queue.Claim(ctx, j.clock.Now(), billingBatchSize)
	if err != nil {
		return result, err
	}

	for _, c := range charges {
		receipt, err := j.gateway.AuthorizeAndCapture(ctx, c.SessionID, c.AmountCents)
		if err == nil {
			if err := j.queue.Ack(ctx, c.SessionID); err != nil {
				log.Error().Err(err).Str("sessionId", c.SessionID).Msg("failed to acknowledge charge")
			}
			metrics.BillingAttemptsTotal.WithLabelValues("captured").Inc()
			log.Info().
				Str("sessionId", c.SessionID).
				Str("receiptId", receipt.ID).
				Int64("amountCents", c.AmountCents).
				Msg("charge captured")
			result.Captured++
			continue
		}

		c.Attempts++
		c.LastError = err.Error()

		if errors.Is(err, billing.ErrDeclined) || c.Attempts >= config.BillingMaxAttempts {
			if err := j.queue.Park(ctx, c); err != nil {
				log.Error().Err(err).Str("sessionId", c.SessionID).Msg("failed to park charge")
				continue
			}
			metrics.BillingAttemptsTotal.WithLabelValues("failed").Inc()
			log.Warn().
				Err(err).
				Str("sessionId", c.SessionID).
				Int("attempts", c.Attempts).
				Msg("charge parked for manual follow-up")
			audit.Log(ctx, audit.Event{
				Type:      audit.EventBillingParked,
				ActorID:   model.SystemActor.ID,
				SessionID: c.SessionID,
				Details: map[string]interface{}{
					"attempts":    c.Attempts,
					"amountCents": c.AmountCents,
					"lastError":   c.LastError,
				},
			})
			result.Parked++
			continue
		}

		next := j.clock.Now().Add(backoff(c.Attempts))
		if err := j.queue.Reschedule(ctx, c, next); err != nil {
			log.Error().Err(err).Str("sessionId", c.SessionID).Msg("failed to reschedule charge")
			continue
		}
		metrics.BillingAttemptsTotal.WithLabelValues("retry").Inc()
		log.Warn().
			Err(err).
			Str("sessionId", c.SessionID).
			Int("attempts", c.Attempts).
			Time("nextAttempt", next).
			Msg("charge capture failed, retry scheduled")
		result.Rescheduled++
	}

	return result, nil
}

// backoff doubles the base delay per failed attempt.
func backoff(attempts int) time.Duration {
	delay := config.BillingRetryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxBillingDelay {
			return maxBillingDelay
		}
	}
	return delay
}
