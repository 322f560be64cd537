package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/covenant-markets/callvault/internal/domain"
)

// EventBridge subscribes to the protocol event bus and forwards noteworthy
// lifecycle events to the notifier. The notifier's own event filter decides
// which types actually reach operators.
type EventBridge struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewEventBridge creates an EventBridge with the given bus and notifier.
func NewEventBridge(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *EventBridge {
	return &EventBridge{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_bridge")),
	}
}

// Run subscribes to the event firehose and dispatches notifications until
// ctx is cancelled. It should be called in a goroutine.
func (b *EventBridge) Run(ctx context.Context) error {
	msgCh, err := b.bus.Subscribe(ctx, "ch:events")
	if err != nil {
		return fmt.Errorf("notify: subscribe events: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-msgCh:
			if !ok {
				return nil
			}
			b.handle(ctx, data)
		}
	}
}

func (b *EventBridge) handle(ctx context.Context, data []byte) {
	var ev domain.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		b.logger.WarnContext(ctx, "bad event payload",
			slog.String("error", err.Error()),
		)
		return
	}

	title, message, ok := format(ev)
	if !ok {
		return
	}
	if err := b.notifier.Notify(ctx, string(ev.Type), title, message); err != nil {
		b.logger.WarnContext(ctx, "notification failed",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// format renders the lifecycle events worth an operator's attention. Routine
// custody traffic (deposits, grants) stays out of the alert channels.
func format(ev domain.Event) (title, message string, ok bool) {
	switch ev.Type {
	case domain.EventOptionSettled:
		return "Option settled",
			fmt.Sprintf("Option %d settled: asset %d in vault %s sold to %s, strike %s paid out.",
				ev.OptionID, ev.AssetID, short(ev.Vault), short(ev.Subject), ev.Amount),
			true
	case domain.EventOptionExpired:
		return "Option expired worthless",
			fmt.Sprintf("Option %d on asset %d expired with no bids and was burned.",
				ev.OptionID, ev.AssetID),
			true
	case domain.EventOptionReclaimed:
		return "Option reclaimed",
			fmt.Sprintf("Writer %s reclaimed option %d on asset %d before expiry.",
				short(ev.Actor), ev.OptionID, ev.AssetID),
			true
	case domain.EventProceedsClaimed:
		return "Proceeds claimed",
			fmt.Sprintf("Account %s claimed %s from option %d.",
				short(ev.Actor), ev.Amount, ev.OptionID),
			true
	default:
		return "", "", false
	}
}

// short abbreviates an address for chat-sized messages.
func short(a domain.Address) string {
	s := a.Hex()
	if len(s) <= 10 {
		return s
	}
	return s[:6] + "…" + s[len(s)-4:]
}
