package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/consult-server-go/internal/config"
	"github.com/openclaw/consult-server-go/internal/metrics"
	"github.com/openclaw/consult-server-go/internal/model"
	redisclient "github.com/openclaw/consult-server-go/internal/redis"
)

const subscriberBuffer = 100

// Publisher delivers lifecycle events to every subscriber of a topic.
// Delivery is at-least-once; consumers deduplicate on event ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, event model.LifecycleEvent) error
}

// Subscriber hands out per-topic subscriptions.
type Subscriber interface {
	Subscribe(topic string) *Subscription
	Unsubscribe(sub *Subscription)
}

type Bus interface {
	Publisher
	Subscriber
}

type Subscription struct {
	Topic  string
	Events chan model.LifecycleEvent
	Done   chan struct{}
}

func newSubscription(topic string) *Subscription {
	return &Subscription{
		Topic:  topic,
		Events: make(chan model.LifecycleEvent, subscriberBuffer),
		Done:   make(chan struct{}),
	}
}

// topicState holds the local subscribers of a topic and the IDs already fanned
// out to them, so a redelivered event reaches each subscriber once.
type topicState struct {
	subs map[*Subscription]bool
	seen *SeenSet
}

// hub is the in-process fan-out shared by RedisBus and MemoryBus.
type hub struct {
	topics map[string]*topicState
	mu     sync.RWMutex
}

func newHub() *hub {
	return &hub{topics: make(map[string]*topicState)}
}

// add registers sub and reports whether it is the first subscriber of its topic.
func (h *hub) add(sub *Subscription) (first bool, count int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.topics[sub.Topic]
	if !ok {
		st = &topicState{
			subs: make(map[*Subscription]bool),
			seen: NewSeenSet(config.EventSeenSetSize),
		}
		h.topics[sub.Topic] = st
	}
	st.subs[sub] = true
	return !ok, len(st.subs)
}

// remove unregisters sub and reports whether its topic has no subscribers left.
func (h *hub) remove(sub *Subscription) (last bool, removed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.topics[sub.Topic]
	if !ok || !st.subs[sub] {
		return false, false
	}
	delete(st.subs, sub)
	close(sub.Done)

	if len(st.subs) == 0 {
		delete(h.topics, sub.Topic)
		return true, true
	}
	return false, true
}

func (h *hub) broadcast(topic string, event model.LifecycleEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st, ok := h.topics[topic]
	if !ok {
		return
	}
	if !st.seen.Add(event.ID) {
		metrics.IncDrop("duplicate")
		return
	}

	for sub := range st.subs {
		select {
		case sub.Events <- event:
		default:
			metrics.IncDrop("buffer_full")
			log.Warn().
				Str("topic", topic).
				Str("eventId", event.ID).
				Msg("subscriber event buffer full, dropping event")
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, st := range h.topics {
		for sub := range st.subs {
			close(sub.Done)
		}
	}
	h.topics = make(map[string]*topicState)
}

func (h *hub) count(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if st, ok := h.topics[topic]; ok {
		return len(st.subs)
	}
	return 0
}

// RedisBus fans events out across instances over Redis pub/sub. Each instance
// holds one Redis subscription per topic with local subscribers.
type RedisBus struct {
	redis   *redisclient.Client
	hub     *hub
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewRedisBus(redisClient *redisclient.Client) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		redis:   redisClient,
		hub:     newHub(),
		cancels: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *RedisBus) Subscribe(topic string) *Subscription {
	sub := newSubscription(topic)

	b.mu.Lock()
	first, count := b.hub.add(sub)
	if first {
		ctx, cancel := context.WithCancel(b.ctx)
		b.cancels[topic] = cancel
		ready := make(chan struct{})
		b.wg.Add(1)
		go b.subscribeToRedis(ctx, topic, ready)
		<-ready
	}
	b.mu.Unlock()

	log.Info().
		Str("topic", topic).
		Int("clientCount", count).
		Msg("bus client subscribed")

	return sub
}

func (b *RedisBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	last, removed := b.hub.remove(sub)
	if !removed {
		return
	}
	if last {
		if cancel, ok := b.cancels[sub.Topic]; ok {
			cancel()
			delete(b.cancels, sub.Topic)
		}
	}

	log.Info().
		Str("topic", sub.Topic).
		Int("clientCount", b.hub.count(sub.Topic)).
		Msg("bus client unsubscribed")
}

func (b *RedisBus) Publish(ctx context.Context, topic string, event model.LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := b.redis.Publish(ctx, redisclient.EventChannel(topic), data).Err(); err != nil {
		return err
	}
	metrics.BusPublishedTotal.WithLabelValues(string(event.Type)).Inc()
	return nil
}

func (b *RedisBus) subscribeToRedis(ctx context.Context, topic string, ready chan<- struct{}) {
	defer b.wg.Done()

	channel := redisclient.EventChannel(topic)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	// Wait for the subscription confirmation so a publish right after
	// Subscribe returns is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("redis pubsub subscribe failed")
	}
	close(ready)

	log.Debug().
		Str("topic", topic).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event model.LifecycleEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				metrics.IncDrop("malformed")
				log.Error().Err(err).Msg("failed to unmarshal lifecycle event")
				continue
			}

			b.hub.broadcast(topic, event)
		}
	}
}

// Close stops every Redis subscription and releases all subscribers.
func (b *RedisBus) Close() {
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.hub.closeAll()
	b.cancels = make(map[string]context.CancelFunc)
}

func (b *RedisBus) ClientCount(topic string) int {
	return b.hub.count(topic)
}

// MemoryBus delivers events within a single process.
type MemoryBus struct {
	hub *hub
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{hub: newHub()}
}

func (b *MemoryBus) Subscribe(topic string) *Subscription {
	sub := newSubscription(topic)
	b.hub.add(sub)
	return sub
}

func (b *MemoryBus) Unsubscribe(sub *Subscription) {
	b.hub.remove(sub)
}

func (b *MemoryBus) Publish(_ context.Context, topic string, event model.LifecycleEvent) error {
	metrics.BusPublishedTotal.WithLabelValues(string(event.Type)).Inc()
	b.hub.broadcast(topic, event)
	return nil
}

func (b *MemoryBus) Close() {
	b.hub.closeAll()
}

func (b *MemoryBus) ClientCount(topic string) int {
	return b.hub.count(topic)
}

// PublishAll sends event to each topic, returning the first error after
// attempting every topic.
func PublishAll(ctx context.Context, p Publisher, event model.LifecycleEvent, topics ...string) error {
	var firstErr error
	for _, topic := range topics {
		if err := p.Publish(ctx, topic, event); err != nil {
			log.Warn().
				Err(err).
				Str("topic", topic).
				Str("eventType", string(event.Type)).
				Msg("failed to publish lifecycle event")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
