package nostr

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/noq/internal/ops"
)

// relayListMaxAge is how long a cached relay list event is trusted before
// the seed relays are asked for a newer one.
const relayListMaxAge = 24 * time.Hour

// EventFetcher is the slice of Client that discovery needs.
type EventFetcher interface {
	FetchEvents(ctx context.Context, relays []string, filter nostr.Filter) ([]*nostr.Event, error)
	GetSeedRelays() []string
	GetDefaultTimeout() time.Duration
}

// EventCache is the local event store discovery reads and writes relay
// list events through.
type EventCache interface {
	QueryEvents(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	StoreEvent(ctx context.Context, event *nostr.Event) error
}

// Discovery resolves the owner's NIP-65 relay list, preferring the local
// event cache and falling back to the seed relays. When no relay list
// exists anywhere the seeds stand in for it.
type Discovery struct {
	client EventFetcher
	cache  EventCache
	owner  string
	maxAge time.Duration
	logger *ops.Logger
}

// NewDiscovery creates a relay discovery instance for the owner's pubkey.
func NewDiscovery(client EventFetcher, cache EventCache, ownerPubkey string, logger *ops.Logger) *Discovery {
	return &Discovery{
		client: client,
		cache:  cache,
		owner:  ownerPubkey,
		maxAge: relayListMaxAge,
		logger: logger.WithComponent("discovery"),
	}
}

// OwnRelayList returns the owner's relay list. A fresh cached kind 10002
// event is used as-is; otherwise the seed relays are queried and the
// newest result cached. A stale cached list still wins over no list.
func (d *Discovery) OwnRelayList(ctx context.Context) (*RelayList, error) {
	cached := d.cachedRelayListEvent(ctx)
	if cached != nil && time.Since(cached.CreatedAt.Time()) < d.maxAge {
		return ParseRelayList(cached)
	}

	fetched, err := d.fetchRelayListEvent(ctx)
	if err != nil {
		d.logger.Debug("relay list fetch failed", "error", err)
	}
	if fetched != nil && (cached == nil || fetched.CreatedAt > cached.CreatedAt) {
		if d.cache != nil {
			if err := d.cache.StoreEvent(ctx, fetched); err != nil {
				d.logger.Warn("failed to cache relay list", "error", err)
			}
		}
		cached = fetched
	}

	if cached == nil {
		seeds := d.client.GetSeedRelays()
		return &RelayList{Read: seeds, Write: seeds}, nil
	}

	return ParseRelayList(cached)
}

// WriteRelays returns the relays the owner's events should be published
// to, in preference order: NIP-65 write relays, then read relays, then the
// seeds.
func (d *Discovery) WriteRelays(ctx context.Context) ([]string, error) {
	list, err := d.OwnRelayList(ctx)
	if err != nil {
		return nil, err
	}
	if len(list.Write) > 0 {
		return list.Write, nil
	}
	if len(list.Read) > 0 {
		return list.Read, nil
	}
	return d.client.GetSeedRelays(), nil
}

// ReadRelays returns the relays the owner's own data should be fetched
// from.
func (d *Discovery) ReadRelays(ctx context.Context) ([]string, error) {
	list, err := d.OwnRelayList(ctx)
	if err != nil {
		return nil, err
	}
	if len(list.Read) > 0 {
		return list.Read, nil
	}
	if len(list.Write) > 0 {
		return list.Write, nil
	}
	return d.client.GetSeedRelays(), nil
}

// cachedRelayListEvent returns the newest kind 10002 event for the owner
// from the local cache, or nil.
func (d *Discovery) cachedRelayListEvent(ctx context.Context) *nostr.Event {
	if d.cache == nil {
		return nil
	}

	events, err := d.cache.QueryEvents(ctx, nostr.Filter{
		Kinds:   []int{10002},
		Authors: []string{d.owner},
		Limit:   1,
	})
	if err != nil || len(events) == 0 {
		return nil
	}
	return events[0]
}

// fetchRelayListEvent fetches the owner's kind 10002 event from the seed
// relays and returns the newest one seen.
func (d *Discovery) fetchRelayListEvent(ctx context.Context) (*nostr.Event, error) {
	seeds := d.client.GetSeedRelays()
	if len(seeds) == 0 {
		return nil, fmt.Errorf("no seed relays configured")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, d.client.GetDefaultTimeout())
	defer cancel()

	events, err := d.client.FetchEvents(fetchCtx, seeds, nostr.Filter{
		Kinds:   []int{10002},
		Authors: []string{d.owner},
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch relay list from seeds: %w", err)
	}

	var newest *nostr.Event
	for _, event := range events {
		if newest == nil || event.CreatedAt > newest.CreatedAt {
			newest = event
		}
	}
	return newest, nil
}
