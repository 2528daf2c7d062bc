package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fiatjaf/eventstore/sqlite3"
	"github.com/fiatjaf/khatru"
	"github.com/jmoiron/sqlx"
	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/noq/internal/config"
)

// pruneQueryLimit bounds how many cache rows one pruning pass inspects.
// Anything left over is picked up by the next scheduled pass.
const pruneQueryLimit = 5000

// Storage is the local event cache: the owner's own events mirrored by
// backfill, published action results, and fetched target events. It wraps a
// khatru relay whose handler slices point at an eventstore backend, so the
// same instance can be served by the local relay server.
type Storage struct {
	relay   *khatru.Relay
	backend *sqlite3.SQLite3Backend
	config  *config.Events
}

// New creates a Storage instance with the configured backend.
func New(ctx context.Context, cfg *config.Events) (*Storage, error) {
	s := &Storage{
		config: cfg,
	}

	switch cfg.Driver {
	case "sqlite":
		if err := s.initSQLite(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
		}
	case "lmdb":
		return nil, fmt.Errorf("lmdb driver is not implemented yet")
	default:
		return nil, fmt.Errorf("unsupported events driver: %s", cfg.Driver)
	}

	return s, nil
}

// initSQLite opens the eventstore SQLite backend and wires it into a khatru
// relay's handler slices.
func (s *Storage) initSQLite(ctx context.Context) error {
	if dir := filepath.Dir(s.config.SQLitePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create events directory: %w", err)
		}
	}

	backend := &sqlite3.SQLite3Backend{
		DatabaseURL: s.config.SQLitePath,
		QueryLimit:  pruneQueryLimit * 2,
	}
	if err := backend.Init(); err != nil {
		return fmt.Errorf("failed to initialize eventstore backend: %w", err)
	}

	relay := khatru.NewRelay()
	relay.StoreEvent = append(relay.StoreEvent, backend.SaveEvent)
	relay.ReplaceEvent = append(relay.ReplaceEvent, backend.ReplaceEvent)
	relay.QueryEvents = append(relay.QueryEvents, backend.QueryEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, backend.DeleteEvent)

	s.relay = relay
	s.backend = backend
	return nil
}

// Relay returns the underlying khatru relay instance.
func (s *Storage) Relay() *khatru.Relay {
	return s.relay
}

// DB returns the backend's database handle, or nil when no SQL backend is
// in use.
func (s *Storage) DB() *sqlx.DB {
	if s.backend == nil {
		return nil
	}
	return s.backend.DB
}

// Driver returns the configured backend driver name.
func (s *Storage) Driver() string {
	return s.config.Driver
}

// Path returns the backing database file path.
func (s *Storage) Path() string {
	return s.config.SQLitePath
}

// StoreEvent stores an event in the cache. Replaceable and addressable
// kinds (profile, contact list, relay list) go through the replace handlers
// so only the newest version per author survives.
func (s *Storage) StoreEvent(ctx context.Context, event *nostr.Event) error {
	if s.relay == nil {
		return fmt.Errorf("relay not initialized")
	}

	if nostr.IsReplaceableKind(event.Kind) || nostr.IsAddressableKind(event.Kind) {
		for _, handler := range s.relay.ReplaceEvent {
			if err := handler(ctx, event); err != nil {
				return fmt.Errorf("failed to replace event: %w", err)
			}
		}
		return nil
	}

	for _, handler := range s.relay.StoreEvent {
		if err := handler(ctx, event); err != nil {
			return fmt.Errorf("failed to store event: %w", err)
		}
	}

	return nil
}

// EventExists checks if an event already exists in the cache.
func (s *Storage) EventExists(ctx context.Context, eventID string) (bool, error) {
	filter := nostr.Filter{
		IDs:   []string{eventID},
		Limit: 1,
	}

	events, err := s.QueryEvents(ctx, filter)
	if err != nil {
		return false, err
	}

	return len(events) > 0, nil
}

// DeleteEvent deletes an event from the cache by id. Deleting an absent
// event is a no-op.
func (s *Storage) DeleteEvent(ctx context.Context, eventID string) error {
	if s.relay == nil {
		return fmt.Errorf("relay not initialized")
	}

	// The delete handlers need the full event
	filter := nostr.Filter{
		IDs:   []string{eventID},
		Limit: 1,
	}

	events, err := s.QueryEvents(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to query event before delete: %w", err)
	}

	if len(events) == 0 {
		return nil
	}

	for _, handler := range s.relay.DeleteEvent {
		if err := handler(ctx, events[0]); err != nil {
			return fmt.Errorf("failed to delete event: %w", err)
		}
	}

	return nil
}

// DeleteEventsBefore removes cached events created before cutoff, skipping
// any event authored by one of keepAuthors. The owner's pubkey goes in
// keepAuthors so published action results and backfilled own events are
// never age-pruned. Returns how many events were deleted.
func (s *Storage) DeleteEventsBefore(ctx context.Context, cutoff time.Time, keepAuthors []string) (int, error) {
	if s.relay == nil {
		return 0, fmt.Errorf("relay not initialized")
	}

	keep := make(map[string]bool, len(keepAuthors))
	for _, author := range keepAuthors {
		keep[author] = true
	}

	until := nostr.Timestamp(cutoff.Unix())
	filter := nostr.Filter{
		Until: &until,
		Limit: pruneQueryLimit,
	}

	events, err := s.QueryEvents(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to query events for pruning: %w", err)
	}

	deleted := 0
	for _, event := range events {
		if keep[event.PubKey] {
			continue
		}
		for _, handler := range s.relay.DeleteEvent {
			if err := handler(ctx, event); err != nil {
				return deleted, fmt.Errorf("failed to delete event %s: %w", event.ID, err)
			}
		}
		deleted++
	}

	return deleted, nil
}

// QueryEvents queries the cache using a Nostr filter.
func (s *Storage) QueryEvents(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	if s.relay == nil {
		return nil, fmt.Errorf("relay not initialized")
	}

	if len(s.relay.QueryEvents) == 0 {
		return nil, fmt.Errorf("no query handlers configured")
	}

	ch, err := s.relay.QueryEvents[0](ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	var events []*nostr.Event
	for event := range ch {
		events = append(events, event)
	}

	return events, nil
}

// Close closes the storage backend.
func (s *Storage) Close() error {
	if s.backend != nil {
		s.backend.Close()
	}
	return nil
}
