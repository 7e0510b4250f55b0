package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingKey = "billing:pending"
	chargesKey = "billing:charges"
	failedKey  = "billing:failed"

	// LeaseDuration hides a claimed charge from other workers until it is
	// acknowledged or rescheduled.
	LeaseDuration = 2 * time.Minute
)

// claimScript leases up to ARGV[2] charges due at or before ARGV[1] by pushing
// their score to ARGV[3], and returns the stored charge payloads.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(due) do
    local payload = redis.call('HGET', KEYS[2], id)
    if payload then
        redis.call('ZADD', KEYS[1], ARGV[3], id)
        table.insert(out, payload)
    else
        redis.call('ZREM', KEYS[1], id)
    end
end
return out
`)

// enqueueScript stores the charge under ARGV[1] unless one is already stored
// and schedules it at ARGV[3]. A stored charge that lost its schedule is
// scheduled again. Returns 1 when a charge was scheduled.
var enqueueScript = redis.NewScript(`
local added = redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2])
if added == 1 or not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
    redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
    return 1
end
return 0
`)

type Charge struct {
	SessionID   string    `json:"sessionId"`
	AmountCents int64     `json:"amountCents"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError,omitempty"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// Queue is a Redis-backed schedule of charges awaiting capture.
type Queue struct {
	client *redis.Client
}

func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue schedules a first capture attempt. A session already queued is left
// untouched.
func (q *Queue) Enqueue(ctx context.Context, c Charge, at time.Time) (bool, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("marshal charge: %w", err)
	}

	added, err := enqueueScript.Run(ctx, q.client, []string{chargesKey, pendingKey}, c.SessionID, data, at.Unix()).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue charge: %w", err)
	}
	return added == 1, nil
}

// Claim leases up to limit charges due at now.
func (q *Queue) Claim(ctx context.Context, now time.Time, limit int) ([]Charge, error) {
	leaseUntil := now.Add(LeaseDuration).Unix()
	payloads, err := claimScript.Run(ctx, q.client, []string{pendingKey, chargesKey}, now.Unix(), limit, leaseUntil).StringSlice()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("claim charges: %w", err)
	}

	charges := make([]Charge, 0, len(payloads))
	for _, p := range payloads {
		var c Charge
		if err := json.Unmarshal([]byte(p), &c); err != nil {
			return nil, fmt.Errorf("unmarshal charge: %w", err)
		}
		charges = append(charges, c)
	}
	return charges, nil
}

func (q *Queue) Ack(ctx context.Context, sessionID string) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, pendingKey, sessionID)
		p.HDel(ctx, chargesKey, sessionID)
		return nil
	})
	return err
}

// Reschedule stores the updated charge and moves its next attempt to at.
func (q *Queue) Reschedule(ctx context.Context, c Charge, at time.Time) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal charge: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, chargesKey, c.SessionID, data)
		p.ZAdd(ctx, pendingKey, redis.Z{Score: float64(at.Unix()), Member: c.SessionID})
		return nil
	})
	return err
}

// Park moves a charge to the failed list for manual follow-up.
func (q *Queue) Park(ctx context.Context, c Charge) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal charge: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, pendingKey, c.SessionID)
		p.HDel(ctx, chargesKey, c.SessionID)
		p.RPush(ctx, failedKey, data)
		return nil
	})
	return err
}

func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, pendingKey).Result()
}

func (q *Queue) Failed(ctx context.Context) ([]Charge, error) {
	payloads, err := q.client.LRange(ctx, failedKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	charges := make([]Charge, 0, len(payloads))
	for _, p := range payloads {
		var c Charge
		if err := json.Unmarshal([]byte(p), &c); err != nil {
			return nil, fmt.Errorf("unmarshal charge: %w", err)
		}
		charges = append(charges, c)
	}
	return charges, nil
}
