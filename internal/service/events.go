package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/consult-server-go/internal/bus"
	"github.com/openclaw/consult-server-go/internal/model"
	redisclient "github.com/openclaw/consult-server-go/internal/redis"
)

// publishSessionEvent sends a session event to the session topic and to the
// provider's topic so dashboards follow their own commitments.
func publishSessionEvent(ctx context.Context, p bus.Publisher, s *model.Session, typ model.EventType, actor string, payload any, at time.Time) {
	ev, err := model.NewLifecycleEvent(typ, actor, payload, at)
	if err != nil {
		log.Error().Err(err).Str("sessionId", s.ID).Msg("failed to build lifecycle event")
		return
	}
	ev.SessionID = s.ID
	if s.RequestID != nil {
		ev.RequestID = *s.RequestID
	}

	topics := []string{redisclient.SessionTopic(s.ID), redisclient.ProviderTopic(s.ProviderID)}
	if s.RequestID != nil {
		topics = append(topics, redisclient.RequestTopic(*s.RequestID))
	}
	_ = bus.PublishAll(ctx, p, ev, topics...)
}

// publishRequestEvent sends a request event to the request topic and the open
// request feed.
func publishRequestEvent(ctx context.Context, p bus.Publisher, r *model.ServiceRequest, typ model.EventType, actor, sessionID string, at time.Time) {
	publishRequestEventFor(ctx, p, r, typ, actor, sessionID, r.ClaimedBy, at)
}

// publishClaimEnded announces a request whose claim was just cleared. The
// event still reaches the former claimant's topic.
func publishClaimEnded(ctx context.Context, p bus.Publisher, r *model.ServiceRequest, typ model.EventType, actor string, claimant *string, at time.Time) {
	publishRequestEventFor(ctx, p, r, typ, actor, "", claimant, at)
}

func publishRequestEventFor(ctx context.Context, p bus.Publisher, r *model.ServiceRequest, typ model.EventType, actor, sessionID string, claimant *string, at time.Time) {
	ev, err := model.NewLifecycleEvent(typ, actor, r, at)
	if err != nil {
		log.Error().Err(err).Str("requestId", r.ID).Msg("failed to build lifecycle event")
		return
	}
	ev.RequestID = r.ID
	ev.SessionID = sessionID

	topics := []string{redisclient.RequestTopic(r.ID), redisclient.OpenRequestsTopic}
	if claimant != nil {
		topics = append(topics, redisclient.ProviderTopic(*claimant))
	}
	_ = bus.PublishAll(ctx, p, ev, topics...)
}
