package service

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/wagechannel/channel-server-go/internal/model"
	"github.com/wagechannel/channel-server-go/internal/sse"
)

const (
	EventChannelActivated  = "channel.activated"
	EventSessionCompleted  = "session.completed"
	EventClosureRequested  = "closure.requested"
	EventClosureRejected   = "closure.rejected"
	EventClosureCancelled  = "closure.cancelled"
	EventChannelClosing    = "channel.closing"
	EventChannelClosed     = "channel.closed"
	EventChannelRolledBack = "channel.rolled_back"
	EventChannelExpired    = "channel.expired"
)

// EventSink delivers an event to every stream of one actor.
type EventSink interface {
	Publish(ctx context.Context, actorID string, event sse.Event) error
}

// EventPublisher fans channel events out to both parties. A nil publisher or
// sink drops events, and delivery failures are only logged.
type EventPublisher struct {
	sink EventSink
}

func NewEventPublisher(sink EventSink) *EventPublisher {
	return &EventPublisher{sink: sink}
}

func (p *EventPublisher) Publish(ctx context.Context, eventType string, ch *model.Channel, payload any) {
	if p == nil || p.sink == nil || ch == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("eventType", eventType).Msg("failed to marshal channel event")
		return
	}

	event := sse.Event{Type: eventType, ChannelID: ch.ID, Data: data}
	for _, actorID := range []string{ch.SponsorID, ch.WorkerID} {
		if err := p.sink.Publish(ctx, actorID, event); err != nil {
			log.Warn().
				Err(err).
				Str("eventType", eventType).
				Str("channelId", ch.ID).
				Str("actorId", actorID).
				Msg("failed to publish channel event")
		}
	}
}
