package nostr

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/noq/internal/ops"
)

// EventSender publishes one event to a set of relays.
type EventSender interface {
	PublishEvent(ctx context.Context, relays []string, event *nostr.Event) ([]PublishResult, error)
}

// RelaySource yields the relays an event should be published to.
type RelaySource interface {
	WriteRelays(ctx context.Context) ([]string, error)
}

// Publisher publishes signed events to the owner's write relays, skipping
// relays in failure cooldown and recording per-relay outcomes.
type Publisher struct {
	sender EventSender
	relays RelaySource
	health *HealthTracker
	logger *ops.Logger
}

// NewPublisher composes a publisher from a client, a relay source, and a
// health tracker.
func NewPublisher(sender EventSender, relays RelaySource, health *HealthTracker, logger *ops.Logger) *Publisher {
	return &Publisher{
		sender: sender,
		relays: relays,
		health: health,
		logger: logger.WithComponent("publisher"),
	}
}

// Publish sends the event to every available write relay. It succeeds when
// at least one relay accepts the event.
func (p *Publisher) Publish(ctx context.Context, event *nostr.Event) error {
	relays, err := p.relays.WriteRelays(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve write relays: %w", err)
	}
	if p.health != nil {
		relays = p.health.FilterAvailable(ctx, relays)
	}
	if len(relays) == 0 {
		return fmt.Errorf("no write relays available")
	}

	results, pubErr := p.sender.PublishEvent(ctx, relays, event)

	if p.health != nil {
		if err := p.health.RecordResults(ctx, results); err != nil {
			p.logger.Warn("failed to record relay health", "error", err)
		}
	}

	for _, r := range results {
		if r.Err != nil {
			p.logger.Debug("relay rejected event",
				"relay", r.Relay,
				"event_id", event.ID,
				"error", r.Err)
		}
	}

	return pubErr
}
