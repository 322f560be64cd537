// Package service composes the custody and option state machines with
// persistence, caching, and the event bus into the units the API surface and
// the sweeper consume.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/covenant-markets/callvault/internal/domain"
)

// eventStream is the Redis stream that keeps a replayable tail of protocol
// events for late subscribers.
const eventStream = "stream:events"

// EventPublisher fans protocol events out to the Redis signal bus and the
// audit log. It implements domain.EventSink; Emit never blocks the state
// machine that produced the event, slow downstream consumers cause drops
// which are logged.
type EventPublisher struct {
	bus    domain.SignalBus
	stream StreamAppender
	audit  domain.AuditStore
	logger *slog.Logger

	queue chan domain.Event
}

// StreamAppender is the subset of the signal bus used for stream retention.
type StreamAppender interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// NewEventPublisher creates an EventPublisher. Call Run to start draining the
// internal queue; until then events accumulate in the buffer.
func NewEventPublisher(bus domain.SignalBus, stream StreamAppender, audit domain.AuditStore, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		bus:    bus,
		stream: stream,
		audit:  audit,
		logger: logger,
		queue:  make(chan domain.Event, 1024),
	}
}

var _ domain.EventSink = (*EventPublisher)(nil)

// Emit enqueues an event for publication. If the queue is full the event is
// dropped and a warning logged; custody state is already committed at this
// point and must not wait on Redis.
func (p *EventPublisher) Emit(ev domain.Event) {
	select {
	case p.queue <- ev:
	default:
		p.logger.Warn("events: queue full, dropping event",
			slog.String("type", string(ev.Type)),
			slog.String("id", ev.ID),
		)
	}
}

// Run drains the queue until ctx is cancelled. It should be called in a
// goroutine.
func (p *EventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-p.queue:
			p.publish(ctx, ev)
		}
	}
}

func (p *EventPublisher) publish(ctx context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("events: marshal failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, ch := range channelsFor(ev) {
		if err := p.bus.Publish(ctx, ch, payload); err != nil {
			p.logger.Warn("events: publish failed",
				slog.String("channel", ch),
				slog.String("error", err.Error()),
			)
		}
	}

	if p.stream != nil {
		if err := p.stream.StreamAppend(ctx, eventStream, payload); err != nil {
			p.logger.Warn("events: stream append failed",
				slog.String("error", err.Error()),
			)
		}
	}

	if p.audit != nil {
		detail := map[string]any{
			"event_id": ev.ID,
			"actor":    ev.Actor.Hex(),
		}
		if ev.Vault != (domain.Address{}) {
			detail["vault"] = ev.Vault.Hex()
		}
		if ev.AssetID != 0 {
			detail["asset_id"] = uint64(ev.AssetID)
		}
		if ev.OptionID != 0 {
			detail["option_id"] = uint64(ev.OptionID)
		}
		if ev.Amount != "" {
			detail["amount"] = ev.Amount
		}
		if err := p.audit.Log(ctx, string(ev.Type), detail); err != nil {
			p.logger.Warn("events: audit log failed",
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// channelsFor maps an event to its pub/sub channels: the firehose, a
// category channel, and a per-vault channel when the event is scoped to one.
func channelsFor(ev domain.Event) []string {
	chans := []string{"ch:events"}

	switch {
	case strings.HasPrefix(string(ev.Type), "option."):
		chans = append(chans, "ch:option")
	case strings.HasPrefix(string(ev.Type), "asset."),
		strings.HasPrefix(string(ev.Type), "entitlement."):
		chans = append(chans, "ch:vault")
	}

	if ev.Vault != (domain.Address{}) {
		chans = append(chans, "ch:vault:"+strings.ToLower(ev.Vault.Hex()))
	}
	return chans
}
