package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip77"

	"github.com/sandwichfarm/noq/internal/config"
	"github.com/sandwichfarm/noq/internal/ops"
	"github.com/sandwichfarm/noq/internal/queue"
)

// backfillKinds are the kinds the builders need local copies of: profile,
// contacts, reposts, reactions, generic reposts, relay list.
var backfillKinds = []int{0, 3, 6, 7, 16, 10002}

const negentropyTimeout = 30 * time.Second

// CursorStore persists per-relay per-kind since cursors.
type CursorStore interface {
	GetSyncState(ctx context.Context, relay string, kind int) (*queue.SyncState, error)
	UpdateSyncCursor(ctx context.Context, relay string, kind int, since int64) error
}

// CapabilityProbe reports whether a relay supports NIP-77 reconciliation.
type CapabilityProbe interface {
	SupportsNegentropy(ctx context.Context, url string) bool
	MarkNegentropyUnsupported(url string)
}

// Backfill keeps the local cache warm with the owner's own events so the
// builders can resolve prerequisites offline. Relays that advertise NIP-77
// are reconciled with negentropy; everything else gets windowed fetches
// with persisted since cursors.
type Backfill struct {
	cache   EventCache
	fetcher EventFetcher
	relays  RelaySource
	cursors CursorStore
	caps    CapabilityProbe
	cfg     *config.Backfill
	owner   string
	logger  *ops.Logger

	// negSync is swapped out in tests.
	negSync func(ctx context.Context, url string, filter nostr.Filter) error

	started  bool
	stopChan chan struct{}
	doneChan chan struct{}

	now func() time.Time
}

// NewBackfill creates a backfill worker for the owner's pubkey.
func NewBackfill(cache EventCache, fetcher EventFetcher, relays RelaySource, cursors CursorStore,
	caps CapabilityProbe, cfg *config.Backfill, ownerPubkey string, logger *ops.Logger) *Backfill {
	return &Backfill{
		cache:    cache,
		fetcher:  fetcher,
		relays:   relays,
		cursors:  cursors,
		caps:     caps,
		cfg:      cfg,
		owner:    ownerPubkey,
		logger:   logger.WithComponent("backfill"),
		negSync:  newNegentropySyncFn(cache),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Run performs one backfill pass over the owner's read relays. Per-relay
// failures are logged and do not abort the pass.
func (b *Backfill) Run(ctx context.Context) error {
	if b.cfg == nil || !b.cfg.Enabled {
		return nil
	}

	relays, err := b.relays.ReadRelays(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve read relays: %w", err)
	}

	for _, relay := range relays {
		if err := b.syncRelay(ctx, relay); err != nil {
			b.logger.Warn("backfill failed", "relay", relay, "error", err)
		}
	}
	return nil
}

// Start runs an initial pass and then repeats on the configured interval.
func (b *Backfill) Start(ctx context.Context) {
	if b.cfg == nil || !b.cfg.Enabled {
		b.logger.Info("backfill disabled")
		return
	}

	interval := time.Duration(b.cfg.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	b.started = true
	go func() {
		defer close(b.doneChan)

		if err := b.Run(ctx); err != nil {
			b.logger.Warn("initial backfill failed", "error", err)
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopChan:
				return
			case <-ticker.C:
				if err := b.Run(ctx); err != nil {
					b.logger.Warn("backfill pass failed", "error", err)
				}
			}
		}
	}()

	b.logger.Info("backfill started",
		"interval", interval.String(),
		"window_days", b.cfg.WindowDays,
		"negentropy", b.cfg.UseNegentropy)
}

// Stop stops the periodic passes and waits for the current one to finish.
func (b *Backfill) Stop() {
	close(b.stopChan)
	if b.started {
		<-b.doneChan
	}
}

func (b *Backfill) syncRelay(ctx context.Context, relay string) error {
	if b.cfg.UseNegentropy && b.caps != nil && b.caps.SupportsNegentropy(ctx, relay) {
		if b.negentropySync(ctx, relay) {
			return nil
		}
	}
	return b.windowedFetch(ctx, relay)
}

// negentropySync reconciles the owner's complete event set with the relay.
// Reconciliation works on whole sets, so no since cursor applies. Returns
// false to fall back to windowed fetching.
func (b *Backfill) negentropySync(ctx context.Context, relay string) bool {
	filter := nostr.Filter{
		Authors: []string{b.owner},
		Kinds:   backfillKinds,
	}

	syncCtx, cancel := context.WithTimeout(ctx, negentropyTimeout)
	defer cancel()

	if err := b.negSync(syncCtx, relay, filter); err != nil {
		if isNegentropyUnsupported(err) {
			b.logger.Debug("relay does not support negentropy", "relay", relay, "error", err)
			b.caps.MarkNegentropyUnsupported(relay)
		} else {
			b.logger.Warn("negentropy sync failed", "relay", relay, "error", err)
		}
		return false
	}

	b.logger.Debug("negentropy sync complete", "relay", relay)
	return true
}

// windowedFetch fetches the owner's events kind by kind. Replaceable kinds
// are always fetched fresh; regular kinds resume from the persisted cursor,
// bounded by the configured window.
func (b *Backfill) windowedFetch(ctx context.Context, relay string) error {
	window := time.Duration(b.cfg.WindowDays) * 24 * time.Hour
	var firstErr error

	for _, kind := range backfillKinds {
		filter := nostr.Filter{
			Authors: []string{b.owner},
			Kinds:   []int{kind},
		}

		if nostr.IsReplaceableKind(kind) {
			filter.Limit = 1
		} else {
			since := b.now().Add(-window).Unix()
			if state, err := b.cursors.GetSyncState(ctx, relay, kind); err == nil && state != nil && state.Since > since {
				since = state.Since
			}
			sinceTs := nostr.Timestamp(since)
			filter.Since = &sinceTs
		}

		fetchCtx, cancel := context.WithTimeout(ctx, b.fetcher.GetDefaultTimeout())
		events, err := b.fetcher.FetchEvents(fetchCtx, []string{relay}, filter)
		cancel()
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to fetch kind %d: %w", kind, err)
			}
			continue
		}

		stored := 0
		var newest int64
		for _, event := range events {
			if err := b.cache.StoreEvent(ctx, event); err != nil {
				b.logger.Warn("failed to store backfilled event",
					"event_id", event.ID, "kind", event.Kind, "error", err)
				continue
			}
			stored++
			if int64(event.CreatedAt) > newest {
				newest = int64(event.CreatedAt)
			}
		}

		if newest > 0 && !nostr.IsReplaceableKind(kind) {
			if err := b.cursors.UpdateSyncCursor(ctx, relay, kind, newest); err != nil {
				b.logger.Warn("failed to advance cursor", "relay", relay, "kind", kind, "error", err)
			}
		}

		if stored > 0 {
			b.logger.LogBackfillProgress(relay, kind, stored, newest)
		}
	}

	return firstErr
}

// negentropyStore adapts the event cache to the eventstore interface the
// NIP-77 reconciler drives.
type negentropyStore struct {
	cache EventCache
}

func (s *negentropyStore) Init() error { return nil }
func (s *negentropyStore) Close()      {}

func (s *negentropyStore) QueryEvents(ctx context.Context, filter nostr.Filter) (chan *nostr.Event, error) {
	events, err := s.cache.QueryEvents(ctx, filter)
	if err != nil {
		return nil, err
	}

	ch := make(chan *nostr.Event, len(events))
	go func() {
		defer close(ch)
		for _, event := range events {
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s *negentropyStore) SaveEvent(ctx context.Context, event *nostr.Event) error {
	return s.cache.StoreEvent(ctx, event)
}

func (s *negentropyStore) ReplaceEvent(ctx context.Context, event *nostr.Event) error {
	return s.cache.StoreEvent(ctx, event)
}

func (s *negentropyStore) DeleteEvent(ctx context.Context, event *nostr.Event) error {
	return fmt.Errorf("delete not supported during reconciliation")
}

func newNegentropySyncFn(cache EventCache) func(ctx context.Context, url string, filter nostr.Filter) error {
	wrapper := &eventstore.RelayWrapper{Store: &negentropyStore{cache: cache}}
	return func(ctx context.Context, url string, filter nostr.Filter) error {
		return nip77.NegentropySync(ctx, wrapper, url, filter, nip77.Down)
	}
}

// isNegentropyUnsupported matches the error shapes relays produce when
// they do not speak NIP-77, as opposed to transport failures.
func isNegentropyUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"unsupported", "unknown message", "neg-open", "neg-err", "negentropy"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
