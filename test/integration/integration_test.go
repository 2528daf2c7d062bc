//go:build integration
// +build integration

package integration

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/noq/internal/config"
	internalnostr "github.com/sandwichfarm/noq/internal/nostr"
	"github.com/sandwichfarm/noq/internal/ops"
	"github.com/sandwichfarm/noq/internal/queue"
	"github.com/sandwichfarm/noq/internal/relay"
	"github.com/sandwichfarm/noq/internal/storage"
	"github.com/sandwichfarm/noq/internal/sync"
)

// TestMain sets up and tears down test environment
func TestMain(m *testing.M) {
	// Setup
	code := m.Run()
	// Teardown
	os.Exit(code)
}

func quietLogger() *ops.Logger {
	return ops.NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard)
}

func newQueueStore(t *testing.T) *queue.Store {
	t.Helper()
	store, err := queue.Open(context.Background(), &config.Queue{
		DBPath:     filepath.Join(t.TempDir(), "queue.db"),
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("Failed to open queue store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newEventCache(t *testing.T) *storage.Storage {
	t.Helper()
	st, err := storage.New(context.Background(), &config.Events{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "events.db"),
	})
	if err != nil {
		t.Fatalf("Failed to create event cache: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// startRelay serves the given event store over the relay protocol on a
// loopback port and returns its ws:// URL.
func startRelay(t *testing.T, st *storage.Storage, owner string) string {
	t.Helper()
	srv := relay.New(&config.LocalRelay{
		Enabled: true,
		Bind:    "127.0.0.1:0",
		Name:    "integration relay",
	}, st, owner, quietLogger())
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start relay: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return "ws://" + srv.Addr()
}

// seedRelayList caches a signed relay list event so discovery resolves the
// given relay without any network round trip.
func seedRelayList(t *testing.T, cache *storage.Storage, sk, relayURL string) {
	t.Helper()
	event := nostr.Event{
		Kind:      10002,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"r", relayURL}},
	}
	if err := event.Sign(sk); err != nil {
		t.Fatalf("Failed to sign relay list: %v", err)
	}
	if err := cache.StoreEvent(context.Background(), &event); err != nil {
		t.Fatalf("Failed to seed relay list: %v", err)
	}
}

// newOfflineRunner wires a runner whose builder reads only the local cache,
// so tests control every relay interaction through the publisher.
func newOfflineRunner(t *testing.T, qs *queue.Store, cache *storage.Storage, pub sync.EventPublisher, sk string) *sync.Runner {
	t.Helper()
	logger := quietLogger()
	lookup := sync.NewLookup(cache, nil, nil, logger)
	builder, err := sync.NewBuilder(sk, lookup)
	if err != nil {
		t.Fatalf("Failed to create event builder: %v", err)
	}
	runner := sync.NewRunner(qs, builder, pub, cache,
		&config.Syncer{Workers: 1, IntervalSeconds: 1},
		&config.RelayPolicy{BackoffMs: []int{1}},
		logger)
	t.Cleanup(runner.Stop)
	return runner
}

func waitForStatus(t *testing.T, qs *queue.Store, id string, want queue.Status) *queue.PendingAction {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		a, err := qs.Get(context.Background(), id)
		if err == nil && a.Status == want {
			return a
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Action %s never reached status %s", id, want)
	return nil
}

func firstTagValue(event *nostr.Event, name string) string {
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// capturePublisher satisfies the runner's publisher dependency without any
// relay round trips. Captured events are read only after the runner stops.
type capturePublisher struct {
	err    error
	events []*nostr.Event
}

func (p *capturePublisher) Publish(ctx context.Context, event *nostr.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

// gatedPublisher blocks every publish until the gate is closed, holding the
// action in syncing so tests can race queue writes against it.
type gatedPublisher struct {
	gate   chan struct{}
	events []*nostr.Event
}

func (p *gatedPublisher) Publish(ctx context.Context, event *nostr.Event) error {
	<-p.gate
	p.events = append(p.events, event)
	return nil
}

// TestEnqueueToRelayRoundTrip drives a like through the whole pipeline: the
// queue store, the runner, the event builder, the publisher, and a real
// relay served over a websocket on loopback.
func TestEnqueueToRelayRoundTrip(t *testing.T) {
	ctx := context.Background()
	logger := quietLogger()

	sk := nostr.GeneratePrivateKey()
	owner, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("Failed to derive pubkey: %v", err)
	}

	// The remote side: a relay backed by its own event store
	remoteStore := newEventCache(t)
	relayURL := startRelay(t, remoteStore, owner)

	// The client side: queue, cache, and the full publish pipeline
	qs := newQueueStore(t)
	cache := newEventCache(t)
	seedRelayList(t, cache, sk, relayURL)

	client := internalnostr.New(ctx, &config.Relays{
		Seeds: []string{relayURL},
		Policy: config.RelayPolicy{
			ConnectTimeoutMs: 5000,
			PublishTimeoutMs: 5000,
		},
	})
	t.Cleanup(client.Close)

	discovery := internalnostr.NewDiscovery(client, cache, owner, logger)
	health := internalnostr.NewHealthTracker(qs, []string{relayURL})
	publisher := internalnostr.NewPublisher(client, discovery, health, logger)

	lookup := sync.NewLookup(cache, client, discovery, logger)
	builder, err := sync.NewBuilder(sk, lookup)
	if err != nil {
		t.Fatalf("Failed to create event builder: %v", err)
	}

	runner := sync.NewRunner(qs, builder, publisher, cache,
		&config.Syncer{Workers: 1, IntervalSeconds: 1},
		&config.RelayPolicy{BackoffMs: []int{1}},
		logger)
	if err := runner.Start(); err != nil {
		t.Fatalf("Failed to start runner: %v", err)
	}
	t.Cleanup(runner.Stop)

	target := strings.Repeat("ab", 32)
	author := strings.Repeat("12", 32)

	res, err := qs.Enqueue(ctx, &queue.PendingAction{
		ActionType:   queue.ActionLike,
		TargetID:     target,
		UserPubkey:   owner,
		AuthorPubkey: author,
		TargetKind:   34236,
	})
	if err != nil {
		t.Fatalf("Failed to enqueue action: %v", err)
	}

	done := waitForStatus(t, qs, res.Action.ID, queue.StatusCompleted)
	if done.ResultEventID == "" {
		t.Fatal("Completed action has no result event id")
	}

	// The reaction must have landed in the relay's store
	published, err := remoteStore.QueryEvents(ctx, nostr.Filter{IDs: []string{done.ResultEventID}})
	if err != nil {
		t.Fatalf("Failed to query relay store: %v", err)
	}
	if len(published) != 1 {
		t.Fatalf("Expected 1 reaction on the relay, got %d", len(published))
	}
	if published[0].Kind != 7 || published[0].Content != "+" {
		t.Errorf("Unexpected reaction: kind=%d content=%q", published[0].Kind, published[0].Content)
	}
	if got := firstTagValue(published[0], "e"); got != target {
		t.Errorf("Reaction e tag = %q, want %q", got, target)
	}

	// And in the local cache
	cached, err := cache.QueryEvents(ctx, nostr.Filter{IDs: []string{done.ResultEventID}})
	if err != nil {
		t.Fatalf("Failed to query cache: %v", err)
	}
	if len(cached) != 1 {
		t.Fatalf("Expected reaction in the cache, got %d events", len(cached))
	}

	// The accept is recorded as relay health
	rows, err := qs.ListRelayHealth(ctx)
	if err != nil {
		t.Fatalf("Failed to list relay health: %v", err)
	}
	recorded := false
	for _, row := range rows {
		if row.LastSuccessAt > 0 && row.FailureStreak == 0 {
			recorded = true
		}
	}
	if !recorded {
		t.Error("Publish success was not recorded as relay health")
	}
}

// TestLikeThenUnlikeDeletesReaction runs a like to completion and then an
// unlike, which must find the cached reaction and publish a deletion for it.
func TestLikeThenUnlikeDeletesReaction(t *testing.T) {
	ctx := context.Background()
	qs := newQueueStore(t)
	cache := newEventCache(t)

	sk := nostr.GeneratePrivateKey()
	owner, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("Failed to derive pubkey: %v", err)
	}
	target := strings.Repeat("cd", 32)

	pub := &capturePublisher{}
	runner := newOfflineRunner(t, qs, cache, pub, sk)
	if err := runner.Start(); err != nil {
		t.Fatalf("Failed to start runner: %v", err)
	}

	like, err := qs.Enqueue(ctx, &queue.PendingAction{
		ActionType: queue.ActionLike,
		TargetID:   target,
		UserPubkey: owner,
	})
	if err != nil {
		t.Fatalf("Failed to enqueue like: %v", err)
	}
	waitForStatus(t, qs, like.Action.ID, queue.StatusCompleted)
	runner.Stop()

	if len(pub.events) != 1 || pub.events[0].Kind != 7 {
		t.Fatalf("Expected 1 published reaction, got %d events", len(pub.events))
	}
	reactionID := pub.events[0].ID

	// The like is completed, so an unlike queues instead of cancelling
	pub2 := &capturePublisher{}
	runner2 := newOfflineRunner(t, qs, cache, pub2, sk)
	if err := runner2.Start(); err != nil {
		t.Fatalf("Failed to start second runner: %v", err)
	}

	unlike, err := qs.Enqueue(ctx, &queue.PendingAction{
		ActionType: queue.ActionUnlike,
		TargetID:   target,
		UserPubkey: owner,
	})
	if err != nil {
		t.Fatalf("Failed to enqueue unlike: %v", err)
	}
	if unlike.Outcome != queue.OutcomeQueued {
		t.Fatalf("Unlike outcome = %s, want %s", unlike.Outcome, queue.OutcomeQueued)
	}
	waitForStatus(t, qs, unlike.Action.ID, queue.StatusCompleted)
	runner2.Stop()

	if len(pub2.events) != 1 {
		t.Fatalf("Expected 1 published deletion, got %d events", len(pub2.events))
	}
	deletion := pub2.events[0]
	if deletion.Kind != 5 {
		t.Errorf("Deletion kind = %d, want 5", deletion.Kind)
	}
	if got := firstTagValue(deletion, "e"); got != reactionID {
		t.Errorf("Deletion e tag = %q, want the reaction id %q", got, reactionID)
	}
}

// TestCancellationDuringSync cancels an action while its publish is in
// flight. The queue row disappears, and the runner must swallow the lost
// completion instead of failing.
func TestCancellationDuringSync(t *testing.T) {
	ctx := context.Background()
	qs := newQueueStore(t)
	cache := newEventCache(t)

	sk := nostr.GeneratePrivateKey()
	owner, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("Failed to derive pubkey: %v", err)
	}
	target := strings.Repeat("ef", 32)

	pub := &gatedPublisher{gate: make(chan struct{})}
	runner := newOfflineRunner(t, qs, cache, pub, sk)
	if err := runner.Start(); err != nil {
		t.Fatalf("Failed to start runner: %v", err)
	}

	like, err := qs.Enqueue(ctx, &queue.PendingAction{
		ActionType: queue.ActionLike,
		TargetID:   target,
		UserPubkey: owner,
	})
	if err != nil {
		t.Fatalf("Failed to enqueue like: %v", err)
	}

	// The publish blocks on the gate, holding the action in syncing
	waitForStatus(t, qs, like.Action.ID, queue.StatusSyncing)

	res, err := qs.Enqueue(ctx, &queue.PendingAction{
		ActionType: queue.ActionUnlike,
		TargetID:   target,
		UserPubkey: owner,
	})
	if err != nil {
		t.Fatalf("Failed to enqueue unlike: %v", err)
	}
	if res.Outcome != queue.OutcomeCancelled {
		t.Fatalf("Unlike outcome = %s, want %s", res.Outcome, queue.OutcomeCancelled)
	}
	if res.CancelledID != like.Action.ID {
		t.Errorf("Cancelled id = %s, want %s", res.CancelledID, like.Action.ID)
	}

	close(pub.gate)

	// The publish still lands and is cached; relay state wins later. Wait
	// for the cache write before stopping the runner.
	var cached []*nostr.Event
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		cached, err = cache.QueryEvents(ctx, nostr.Filter{
			Authors: []string{owner},
			Kinds:   []int{7},
		})
		if err == nil && len(cached) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	runner.Stop()

	if len(cached) != 1 {
		t.Fatalf("Expected the published reaction in the cache, got %d events", len(cached))
	}
	if len(pub.events) != 1 || pub.events[0].ID != cached[0].ID {
		t.Fatalf("Expected the in-flight publish to finish, got %d events", len(pub.events))
	}

	// No queue rows remain for the pair
	counts, err := qs.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("Failed to count actions: %v", err)
	}
	for status, n := range counts {
		if n != 0 {
			t.Errorf("Expected empty queue, found %d actions in %s", n, status)
		}
	}
}

// TestRetryExhaustion keeps the publisher failing until the action runs out
// of retries and stays failed.
func TestRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	qs := newQueueStore(t)
	cache := newEventCache(t)

	sk := nostr.GeneratePrivateKey()
	owner, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("Failed to derive pubkey: %v", err)
	}

	pub := &capturePublisher{err: errors.New("relay unreachable")}
	runner := newOfflineRunner(t, qs, cache, pub, sk)
	if err := runner.Start(); err != nil {
		t.Fatalf("Failed to start runner: %v", err)
	}

	res, err := qs.Enqueue(ctx, &queue.PendingAction{
		ActionType: queue.ActionLike,
		TargetID:   strings.Repeat("aa", 32),
		UserPubkey: owner,
		MaxRetries: 2,
	})
	if err != nil {
		t.Fatalf("Failed to enqueue action: %v", err)
	}

	// Each tick requeues the failure and burns one more attempt
	var final *queue.PendingAction
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		a, err := qs.Get(ctx, res.Action.ID)
		if err == nil && a.Status == queue.StatusFailed && a.RetryCount >= 2 {
			final = a
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if final == nil {
		t.Fatal("Action never exhausted its retries")
	}
	if !strings.Contains(final.LastError, "relay unreachable") {
		t.Errorf("LastError = %q, want the publish error", final.LastError)
	}

	// Exhausted actions stay failed across further ticks
	time.Sleep(1500 * time.Millisecond)
	after, err := qs.Get(ctx, res.Action.ID)
	if err != nil {
		t.Fatalf("Failed to load action: %v", err)
	}
	if after.Status != queue.StatusFailed || after.RetryCount != final.RetryCount {
		t.Errorf("Exhausted action moved to %s with %d retries", after.Status, after.RetryCount)
	}
}

// TestCrashRecoveryRequeuesInterruptedActions reopens a queue database that
// was closed mid-sync and verifies the stuck action goes back to pending.
func TestCrashRecoveryRequeuesInterruptedActions(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "queue.db")

	store, err := queue.Open(ctx, &config.Queue{DBPath: dbPath, MaxRetries: 3})
	if err != nil {
		t.Fatalf("Failed to open queue store: %v", err)
	}

	res, err := store.Enqueue(ctx, &queue.PendingAction{
		ActionType: queue.ActionFollow,
		TargetID:   strings.Repeat("bb", 32),
		UserPubkey: strings.Repeat("cc", 32),
	})
	if err != nil {
		t.Fatalf("Failed to enqueue action: %v", err)
	}
	if err := store.Transition(ctx, res.Action.ID, queue.StatusSyncing, ""); err != nil {
		t.Fatalf("Failed to move action to syncing: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	reopened, err := queue.Open(ctx, &config.Queue{DBPath: dbPath, MaxRetries: 3})
	if err != nil {
		t.Fatalf("Failed to reopen queue store: %v", err)
	}
	defer reopened.Close()

	n, err := reopened.ResetSyncing(ctx)
	if err != nil {
		t.Fatalf("Failed to reset syncing actions: %v", err)
	}
	if n != 1 {
		t.Fatalf("ResetSyncing recovered %d actions, want 1", n)
	}

	a, err := reopened.Get(ctx, res.Action.ID)
	if err != nil {
		t.Fatalf("Failed to load recovered action: %v", err)
	}
	if a.Status != queue.StatusPending {
		t.Errorf("Recovered action status = %s, want %s", a.Status, queue.StatusPending)
	}
	if a.RetryCount != 0 {
		t.Errorf("Recovery must not burn retries, got %d", a.RetryCount)
	}
}

// TestBackfillFromRelay serves the owner's events from a relay on loopback
// and verifies backfill copies them into the local cache and advances the
// per-relay cursor.
func TestBackfillFromRelay(t *testing.T) {
	ctx := context.Background()
	logger := quietLogger()

	sk := nostr.GeneratePrivateKey()
	owner, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("Failed to derive pubkey: %v", err)
	}

	// Seed the remote store with the owner's reaction and profile
	remoteStore := newEventCache(t)

	reaction := nostr.Event{
		Kind:      7,
		CreatedAt: nostr.Timestamp(time.Now().Add(-time.Hour).Unix()),
		Content:   "+",
		Tags:      nostr.Tags{{"e", strings.Repeat("dd", 32)}},
	}
	if err := reaction.Sign(sk); err != nil {
		t.Fatalf("Failed to sign reaction: %v", err)
	}
	if err := remoteStore.StoreEvent(ctx, &reaction); err != nil {
		t.Fatalf("Failed to seed reaction: %v", err)
	}

	profile := nostr.Event{
		Kind:      0,
		CreatedAt: nostr.Timestamp(time.Now().Add(-2 * time.Hour).Unix()),
		Content:   `{"name":"integration"}`,
		Tags:      nostr.Tags{},
	}
	if err := profile.Sign(sk); err != nil {
		t.Fatalf("Failed to sign profile: %v", err)
	}
	if err := remoteStore.StoreEvent(ctx, &profile); err != nil {
		t.Fatalf("Failed to seed profile: %v", err)
	}

	relayURL := startRelay(t, remoteStore, owner)

	qs := newQueueStore(t)
	cache := newEventCache(t)
	seedRelayList(t, cache, sk, relayURL)

	client := internalnostr.New(ctx, &config.Relays{
		Seeds: []string{relayURL},
		Policy: config.RelayPolicy{
			ConnectTimeoutMs: 5000,
			PublishTimeoutMs: 5000,
		},
	})
	t.Cleanup(client.Close)

	discovery := internalnostr.NewDiscovery(client, cache, owner, logger)
	caps := internalnostr.NewCapabilities()

	backfill := sync.NewBackfill(cache, client, discovery, qs, caps, &config.Backfill{
		Enabled:         true,
		WindowDays:      30,
		IntervalMinutes: 60,
	}, owner, logger)

	if err := backfill.Run(ctx); err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}

	// Own events are now cached locally
	reactions, err := cache.QueryEvents(ctx, nostr.Filter{
		Authors: []string{owner},
		Kinds:   []int{7},
	})
	if err != nil {
		t.Fatalf("Failed to query cached reactions: %v", err)
	}
	if len(reactions) != 1 || reactions[0].ID != reaction.ID {
		t.Fatalf("Expected the seeded reaction in the cache, got %d events", len(reactions))
	}

	profiles, err := cache.QueryEvents(ctx, nostr.Filter{
		Authors: []string{owner},
		Kinds:   []int{0},
	})
	if err != nil {
		t.Fatalf("Failed to query cached profiles: %v", err)
	}
	if len(profiles) != 1 || profiles[0].ID != profile.ID {
		t.Fatalf("Expected the seeded profile in the cache, got %d events", len(profiles))
	}

	// The cursor for the reaction kind tracks the newest fetched event
	state, err := qs.GetSyncState(ctx, relayURL, 7)
	if err != nil {
		t.Fatalf("Failed to read sync cursor: %v", err)
	}
	if state == nil {
		t.Fatal("Backfill recorded no cursor for kind 7")
	}
	if state.Since != int64(reaction.CreatedAt) {
		t.Errorf("Cursor since = %d, want %d", state.Since, int64(reaction.CreatedAt))
	}
}
