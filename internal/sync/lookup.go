package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/noq/internal/ops"
)

// EventCache is the local event store prerequisites are read from and
// published or fetched events are written into.
type EventCache interface {
	QueryEvents(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	StoreEvent(ctx context.Context, event *nostr.Event) error
}

// EventFetcher fetches events from remote relays.
type EventFetcher interface {
	FetchEvents(ctx context.Context, relays []string, filter nostr.Filter) ([]*nostr.Event, error)
	GetDefaultTimeout() time.Duration
}

// RelaySource yields the relays the owner's own state is fetched from.
type RelaySource interface {
	ReadRelays(ctx context.Context) ([]string, error)
}

// CacheRelayLookup resolves builder prerequisites from the local event
// cache first, falling back to the owner's read relays. Relay hits are
// written back into the cache.
type CacheRelayLookup struct {
	cache   EventCache
	fetcher EventFetcher
	relays  RelaySource
	logger  *ops.Logger
}

// NewLookup creates a cache-then-relay lookup. Either the cache or the
// fetcher may be nil; the remaining source is used alone.
func NewLookup(cache EventCache, fetcher EventFetcher, relays RelaySource, logger *ops.Logger) *CacheRelayLookup {
	return &CacheRelayLookup{
		cache:   cache,
		fetcher: fetcher,
		relays:  relays,
		logger:  logger.WithComponent("lookup"),
	}
}

// LatestByKind returns the newest event of the kind authored by author.
func (l *CacheRelayLookup) LatestByKind(ctx context.Context, author string, kind int) (*nostr.Event, error) {
	filter := nostr.Filter{
		Authors: []string{author},
		Kinds:   []int{kind},
		Limit:   1,
	}
	if event := l.queryCache(ctx, filter); event != nil {
		return event, nil
	}
	return l.fetchNewest(ctx, filter)
}

// OwnReferencing returns the newest event by author among the given kinds
// whose e tag references targetID.
func (l *CacheRelayLookup) OwnReferencing(ctx context.Context, author string, kinds []int, targetID string) (*nostr.Event, error) {
	filter := nostr.Filter{
		Authors: []string{author},
		Kinds:   kinds,
		Tags:    nostr.TagMap{"e": []string{targetID}},
	}
	if event := l.queryCache(ctx, filter); event != nil {
		return event, nil
	}
	return l.fetchNewest(ctx, filter)
}

// EventByID returns the event with the given id.
func (l *CacheRelayLookup) EventByID(ctx context.Context, id string) (*nostr.Event, error) {
	filter := nostr.Filter{
		IDs:   []string{id},
		Limit: 1,
	}
	if event := l.queryCache(ctx, filter); event != nil {
		return event, nil
	}
	return l.fetchNewest(ctx, filter)
}

func (l *CacheRelayLookup) queryCache(ctx context.Context, filter nostr.Filter) *nostr.Event {
	if l.cache == nil {
		return nil
	}
	events, err := l.cache.QueryEvents(ctx, filter)
	if err != nil {
		l.logger.Debug("cache query failed", "error", err)
		return nil
	}
	return newestOf(events)
}

func (l *CacheRelayLookup) fetchNewest(ctx context.Context, filter nostr.Filter) (*nostr.Event, error) {
	if l.fetcher == nil || l.relays == nil {
		return nil, nil
	}

	relays, err := l.relays.ReadRelays(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve read relays: %w", err)
	}
	if len(relays) == 0 {
		return nil, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, l.fetcher.GetDefaultTimeout())
	defer cancel()

	events, err := l.fetcher.FetchEvents(fetchCtx, relays, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}

	newest := newestOf(events)
	if newest != nil && l.cache != nil {
		if err := l.cache.StoreEvent(ctx, newest); err != nil {
			l.logger.Debug("failed to cache fetched event", "event_id", newest.ID, "error", err)
		}
	}
	return newest, nil
}

func newestOf(events []*nostr.Event) *nostr.Event {
	var newest *nostr.Event
	for _, event := range events {
		if newest == nil || event.CreatedAt > newest.CreatedAt {
			newest = event
		}
	}
	return newest
}
