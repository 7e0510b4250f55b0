package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/consult-server-go/internal/bus"
	"github.com/openclaw/consult-server-go/internal/config"
	apperrors "github.com/openclaw/consult-server-go/internal/errors"
	"github.com/openclaw/consult-server-go/internal/model"
	"github.com/openclaw/consult-server-go/internal/projection"
	redisclient "github.com/openclaw/consult-server-go/internal/redis"
)

// EventsHandler streams lifecycle events for one topic as server-sent
// events. Each connection keeps its own projection so redelivered or stale
// events are not forwarded.
type EventsHandler struct {
	subscriber bus.Subscriber
	claims     ClaimAPI
	sessions   SessionAPI
	heartbeat  time.Duration
}

func NewEventsHandler(subscriber bus.Subscriber, claims ClaimAPI, sessions SessionAPI) *EventsHandler {
	return &EventsHandler{
		subscriber: subscriber,
		claims:     claims,
		sessions:   sessions,
		heartbeat:  config.SSEHeartbeatInterval,
	}
}

type snapshot struct {
	Topic    string                   `json:"topic"`
	Sessions []projection.SessionView `json:"sessions"`
	Requests []projection.RequestView `json:"requests"`
}

// seed is what a subscriber is allowed to see when the stream opens.
type seed struct {
	sessions []model.Session
	requests []model.ServiceRequest
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentActor(w, r)
	if !ok {
		return
	}

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, r, apperrors.MissingRequired("topic"))
		return
	}
	if _, _, ok := redisclient.ParseTopic(topic); !ok {
		writeError(w, r, apperrors.InvalidInput("topic", "unknown topic"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, apperrors.Internal("Streaming not supported"))
		return
	}

	// Subscribe before loading the snapshot so no event published in between
	// is missed.
	sub := h.subscriber.Subscribe(topic)
	defer h.subscriber.Unsubscribe(sub)

	ctx := r.Context()
	initial, err := h.load(ctx, topic, actor)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	view := projection.NewView()
	snap := snapshot{
		Topic:    topic,
		Sessions: make([]projection.SessionView, 0, len(initial.sessions)),
		Requests: make([]projection.RequestView, 0, len(initial.requests)),
	}
	for i := range initial.sessions {
		view.Seed(&initial.sessions[i])
		if sv, ok := view.Session(initial.sessions[i].ID); ok {
			snap.Sessions = append(snap.Sessions, sv)
		}
	}
	for i := range initial.requests {
		view.SeedRequest(&initial.requests[i])
		if rv, ok := view.Request(initial.requests[i].ID); ok {
			snap.Requests = append(snap.Requests, rv)
		}
	}

	log.Info().
		Str("topic", topic).
		Str("actorId", actor.ID).
		Msg("sse connection established")

	if err := h.sendEvent(w, flusher, "snapshot", snap); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("topic", topic).Msg("sse connection closed by client")
			return

		case <-sub.Done:
			log.Info().Str("topic", topic).Msg("sse connection closed by bus")
			return

		case event := <-sub.Events:
			if !view.Apply(event) {
				continue
			}
			if err := h.sendEvent(w, flusher, string(event.Type), event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("topic", topic).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

// load checks that actor may follow topic and returns the state it starts
// from.
func (h *EventsHandler) load(ctx context.Context, topic string, actor model.Actor) (*seed, error) {
	kind, id, ok := redisclient.ParseTopic(topic)
	if !ok {
		return nil, apperrors.InvalidInput("topic", "unknown topic")
	}

	switch kind {
	case "session":
		session, err := h.sessions.Get(ctx, id, actor)
		if err != nil {
			return nil, err
		}
		return &seed{sessions: []model.Session{*session}}, nil

	case "request":
		req, err := h.claims.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if !canFollowRequest(req, actor) {
			return nil, apperrors.Forbidden("Not allowed to follow this request")
		}
		return &seed{requests: []model.ServiceRequest{*req}}, nil

	case "provider":
		if actor.ID != id && !actor.IsAdmin() {
			return nil, apperrors.Forbidden("Not allowed to follow this provider")
		}
		commitments, err := h.claims.ActiveCommitments(ctx, id)
		if err != nil {
			return nil, err
		}
		return &seed{sessions: commitments.Sessions, requests: commitments.Claims}, nil

	case redisclient.OpenRequestsTopic:
		if actor.Role != model.RoleProvider && !actor.IsAdmin() {
			return nil, apperrors.Forbidden("Only providers can follow open requests")
		}
		open, err := h.claims.ListOpenRequests(ctx, model.RequestFilter{Limit: MaxLimit})
		if err != nil {
			return nil, err
		}
		return &seed{requests: open}, nil
	}

	return nil, apperrors.InvalidInput("topic", "unknown topic")
}

func canFollowRequest(req *model.ServiceRequest, actor model.Actor) bool {
	switch {
	case actor.IsAdmin():
		return true
	case req.RequesterID == actor.ID:
		return true
	case actor.Role == model.RoleProvider:
		return true
	}
	return false
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
