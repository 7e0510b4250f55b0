// Package sessionclock runs the server-side countdown of live sessions.
//
// Remaining time is always derived as startedAt + duration - now, so an
// extension or a late timer corrects itself. Each warning threshold fires at
// most once per session and expiry fires exactly once.
package sessionclock

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/consult-server-go/internal/clock"
	"github.com/openclaw/consult-server-go/internal/metrics"
)

type Kind string

const (
	KindWarning Kind = "warning"
	KindExpired Kind = "expired"
)

// Notification is delivered to the Handler outside of any clock lock.
type Notification struct {
	SessionID string
	Kind      Kind
	Threshold time.Duration
	Remaining time.Duration
	At        time.Time
}

type Handler func(Notification)

type entry struct {
	startedAt time.Time
	duration  time.Duration
	fired     map[time.Duration]bool
	timer     clock.Timer
	gen       uint64
}

func (e *entry) end() time.Time {
	return e.startedAt.Add(e.duration)
}

type Clock struct {
	clock      clock.Clock
	handler    Handler
	thresholds []time.Duration

	mu       sync.Mutex
	sessions map[string]*entry
}

// New returns a Clock that reports to handler. Thresholds are the warning
// points measured as remaining time.
func New(c clock.Clock, handler Handler, thresholds ...time.Duration) *Clock {
	sorted := append([]time.Duration(nil), thresholds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	return &Clock{
		clock:      c,
		handler:    handler,
		thresholds: sorted,
		sessions:   make(map[string]*entry),
	}
}

// Start arms the clock for a session. Thresholds already behind the session
// are considered fired. Starting an armed session re-reads its parameters.
func (c *Clock) Start(sessionID string, startedAt time.Time, durationMinutes int) {
	c.mu.Lock()
	e, ok := c.sessions[sessionID]
	if !ok {
		e = &entry{fired: make(map[time.Duration]bool)}
		c.sessions[sessionID] = e
	}
	e.startedAt = startedAt
	e.duration = time.Duration(durationMinutes) * time.Minute

	remaining := e.end().Sub(c.clock.Now())
	for _, th := range c.thresholds {
		if remaining < th {
			e.fired[th] = true
		}
	}
	notes := c.evaluateLocked(sessionID)
	c.mu.Unlock()

	log.Debug().
		Str("sessionId", sessionID).
		Time("startedAt", startedAt).
		Int("durationMinutes", durationMinutes).
		Msg("session clock started")

	c.dispatch(notes)
}

// Extend replaces the session's total duration. It returns false when the
// session has no running clock.
func (c *Clock) Extend(sessionID string, newDurationMinutes int) bool {
	c.mu.Lock()
	e, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	e.duration = time.Duration(newDurationMinutes) * time.Minute
	notes := c.evaluateLocked(sessionID)
	c.mu.Unlock()

	c.dispatch(notes)
	return true
}

// Stop cancels pending timers. It returns false if the session had no clock.
func (c *Clock) Stop(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.sessions[sessionID]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	delete(c.sessions, sessionID)
	metrics.ActiveClocks.Set(float64(len(c.sessions)))
	return true
}

// StopAll cancels every clock. Used on shutdown.
func (c *Clock) StopAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Stop(id)
	}
}

// Remaining reports the time left for a running clock.
func (c *Clock) Remaining(sessionID string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.sessions[sessionID]
	if !ok {
		return 0, false
	}
	remaining := e.end().Sub(c.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

func (c *Clock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// evaluateLocked fires crossed thresholds and schedules the next wake-up.
// Must be called with c.mu held.
func (c *Clock) evaluateLocked(sessionID string) []Notification {
	e, ok := c.sessions[sessionID]
	if !ok {
		return nil
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++

	now := c.clock.Now()
	end := e.end()
	remaining := end.Sub(now)

	var notes []Notification
	if remaining <= 0 {
		for _, th := range c.thresholds {
			e.fired[th] = true
		}
		delete(c.sessions, sessionID)
		metrics.ActiveClocks.Set(float64(len(c.sessions)))
		return append(notes, Notification{
			SessionID: sessionID,
			Kind:      KindExpired,
			At:        now,
		})
	}

	for _, th := range c.thresholds {
		if e.fired[th] || remaining > th {
			continue
		}
		e.fired[th] = true
		notes = append(notes, Notification{
			SessionID: sessionID,
			Kind:      KindWarning,
			Threshold: th,
			Remaining: remaining,
			At:        now,
		})
	}

	next := end
	for _, th := range c.thresholds {
		if e.fired[th] {
			continue
		}
		if at := end.Add(-th); at.After(now) && at.Before(next) {
			next = at
		}
	}

	gen := e.gen
	e.timer = c.clock.AfterFunc(next.Sub(now), func() {
		c.fire(sessionID, gen)
	})
	metrics.ActiveClocks.Set(float64(len(c.sessions)))

	return notes
}

func (c *Clock) fire(sessionID string, gen uint64) {
	c.mu.Lock()
	e, ok := c.sessions[sessionID]
	if !ok || e.gen != gen {
		c.mu.Unlock()
		return
	}
	e.timer = nil
	notes := c.evaluateLocked(sessionID)
	c.mu.Unlock()

	c.dispatch(notes)
}

func (c *Clock) dispatch(notes []Notification) {
	if c.handler == nil {
		return
	}
	for _, n := range notes {
		c.handler(n)
	}
}
