package billing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewQueue(client)
}

func TestQueue(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	t.Run("enqueue is idempotent per session", func(t *testing.T) {
		q := newTestQueue(t)

		added, err := q.Enqueue(ctx, Charge{SessionID: "s-1", AmountCents: 3900}, now)
		require.NoError(t, err)
		assert.True(t, added)

		added, err = q.Enqueue(ctx, Charge{SessionID: "s-1", AmountCents: 9999}, now)
		require.NoError(t, err)
		assert.False(t, added)

		pending, err := q.Pending(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), pending)
	})

	t.Run("a stored charge without a schedule is scheduled again", func(t *testing.T) {
		q := newTestQueue(t)
		require.NoError(t, q.client.HSet(ctx, chargesKey, "s-1", `{"sessionId":"s-1","amountCents":3900}`).Err())

		added, err := q.Enqueue(ctx, Charge{SessionID: "s-1", AmountCents: 3900}, now)
		require.NoError(t, err)
		assert.True(t, added)

		charges, err := q.Claim(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, charges, 1)
		assert.Equal(t, int64(3900), charges[0].AmountCents)
	})

	t.Run("enqueue succeeds on retry after redis was unavailable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		q := NewQueue(client)
		mr.Close()

		_, err := q.Enqueue(ctx, Charge{SessionID: "s-1", AmountCents: 3900}, now)
		require.Error(t, err)

		require.NoError(t, mr.Restart())
		assert.False(t, mr.Exists(chargesKey))
		added, err := q.Enqueue(ctx, Charge{SessionID: "s-1", AmountCents: 3900}, now)
		require.NoError(t, err)
		assert.True(t, added)
	})

	t.Run("claim returns only due charges and leases them", func(t *testing.T) {
		q := newTestQueue(t)
		_, err := q.Enqueue(ctx, Charge{SessionID: "due", AmountCents: 100}, now.Add(-time.Minute))
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, Charge{SessionID: "later", AmountCents: 200}, now.Add(time.Hour))
		require.NoError(t, err)

		charges, err := q.Claim(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, charges, 1)
		assert.Equal(t, "due", charges[0].SessionID)
		assert.Equal(t, int64(100), charges[0].AmountCents)

		again, err := q.Claim(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, again, "leased charge must not be claimed twice")

		expired, err := q.Claim(ctx, now.Add(LeaseDuration), 10)
		require.NoError(t, err)
		assert.Len(t, expired, 1, "charge returns once its lease runs out")
	})

	t.Run("ack removes the charge", func(t *testing.T) {
		q := newTestQueue(t)
		_, err := q.Enqueue(ctx, Charge{SessionID: "s-1"}, now)
		require.NoError(t, err)

		require.NoError(t, q.Ack(ctx, "s-1"))

		pending, _ := q.Pending(ctx)
		assert.Zero(t, pending)
		charges, err := q.Claim(ctx, now.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, charges)
	})

	t.Run("reschedule stores attempts and next run", func(t *testing.T) {
		q := newTestQueue(t)
		_, err := q.Enqueue(ctx, Charge{SessionID: "s-1"}, now)
		require.NoError(t, err)

		charges, err := q.Claim(ctx, now, 10)
		require.NoError(t, err)
		c := charges[0]
		c.Attempts = 1
		c.LastError = "gateway timeout"
		require.NoError(t, q.Reschedule(ctx, c, now.Add(30*time.Second)))

		charges, err = q.Claim(ctx, now.Add(30*time.Second), 10)
		require.NoError(t, err)
		require.Len(t, charges, 1)
		assert.Equal(t, 1, charges[0].Attempts)
		assert.Equal(t, "gateway timeout", charges[0].LastError)
	})

	t.Run("park moves the charge to the failed list", func(t *testing.T) {
		q := newTestQueue(t)
		_, err := q.Enqueue(ctx, Charge{SessionID: "s-1", AmountCents: 100}, now)
		require.NoError(t, err)

		require.NoError(t, q.Park(ctx, Charge{SessionID: "s-1", AmountCents: 100, Attempts: 6}))

		pending, _ := q.Pending(ctx)
		assert.Zero(t, pending)
		failed, err := q.Failed(ctx)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, 6, failed[0].Attempts)
	})
}
