package nostr

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/noq/internal/config"
)

// Client provides a high-level interface for interacting with Nostr relays
type Client struct {
	pool        *nostr.SimplePool
	relayConfig *config.Relays
	ctx         context.Context
}

// New creates a new Nostr client with the given configuration
func New(ctx context.Context, relayConfig *config.Relays) *Client {
	pool := nostr.NewSimplePool(ctx)
	return &Client{
		pool:        pool,
		relayConfig: relayConfig,
		ctx:         ctx,
	}
}

// Pool returns the underlying SimplePool for advanced operations
func (c *Client) Pool() *nostr.SimplePool {
	return c.pool
}

// FetchEvents fetches events from the given relays matching the filter
func (c *Client) FetchEvents(ctx context.Context, relays []string, filter nostr.Filter) ([]*nostr.Event, error) {
	events := make([]*nostr.Event, 0)

	// Use SubManyEose to get events and wait for EOSE
	for relayEvent := range c.pool.SubManyEose(ctx, relays, nostr.Filters{filter}) {
		if relayEvent.Event != nil {
			events = append(events, relayEvent.Event)
		}
	}

	return events, nil
}

// FetchEvent fetches a single event by ID from the given relays
func (c *Client) FetchEvent(ctx context.Context, relays []string, eventID string) (*nostr.Event, error) {
	filter := nostr.Filter{
		IDs: []string{eventID},
	}

	result := c.pool.QuerySingle(ctx, relays, filter)
	if result == nil || result.Event == nil {
		return nil, fmt.Errorf("event not found: %s", eventID)
	}

	return result.Event, nil
}

// PublishResult is the outcome of publishing one event to one relay.
type PublishResult struct {
	Relay string
	Err   error
}

// PublishEvent publishes an event to the given relays and reports the
// per-relay outcome. It returns an error when no relay accepted the event.
func (c *Client) PublishEvent(ctx context.Context, relays []string, event *nostr.Event) ([]PublishResult, error) {
	if len(relays) == 0 {
		return nil, fmt.Errorf("no relays to publish to")
	}

	pubCtx, cancel := context.WithTimeout(ctx, c.GetPublishTimeout())
	defer cancel()

	results := make([]PublishResult, 0, len(relays))
	accepted := 0
	var lastErr error

	for result := range c.pool.PublishMany(pubCtx, relays, *event) {
		pr := PublishResult{Relay: result.RelayURL}
		if result.Error != nil {
			pr.Err = result.Error
			lastErr = result.Error
		} else {
			accepted++
		}
		results = append(results, pr)
	}

	if accepted == 0 {
		if lastErr != nil {
			return results, fmt.Errorf("failed to publish to any relay: %w", lastErr)
		}
		return results, fmt.Errorf("failed to publish to any relay")
	}

	return results, nil
}

// Close closes all relay connections
func (c *Client) Close() {
	c.pool.Close("client shutting down")
}

// GetSeedRelays returns the configured seed relays
func (c *Client) GetSeedRelays() []string {
	if c.relayConfig == nil {
		return []string{}
	}
	return c.relayConfig.Seeds
}

// GetDefaultTimeout returns the configured connect timeout duration
func (c *Client) GetDefaultTimeout() time.Duration {
	if c.relayConfig == nil || c.relayConfig.Policy.ConnectTimeoutMs == 0 {
		return 30 * time.Second
	}
	return c.relayConfig.Policy.ConnectTimeout()
}

// GetPublishTimeout returns the configured publish timeout duration
func (c *Client) GetPublishTimeout() time.Duration {
	if c.relayConfig == nil || c.relayConfig.Policy.PublishTimeoutMs == 0 {
		return 30 * time.Second
	}
	return c.relayConfig.Policy.PublishTimeout()
}
