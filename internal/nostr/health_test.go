package nostr

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sandwichfarm/noq/internal/config"
	"github.com/sandwichfarm/noq/internal/queue"
)

func setupHealthTracker(t *testing.T, seeds []string) (*HealthTracker, *queue.Store) {
	t.Helper()

	cfg := &config.Queue{
		DBPath:     filepath.Join(t.TempDir(), "queue.db"),
		MaxRetries: 3,
	}
	qs, err := queue.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to open queue store: %v", err)
	}
	t.Cleanup(func() { qs.Close() })

	return NewHealthTracker(qs, seeds), qs
}

func failTimes(t *testing.T, h *HealthTracker, relay string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := h.RecordFailure(context.Background(), relay, errors.New("connection refused")); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}
}

func TestUnknownRelayIsAvailable(t *testing.T) {
	h, _ := setupHealthTracker(t, nil)

	if !h.Available(context.Background(), "wss://new.relay.test") {
		t.Error("Available() = false for unknown relay")
	}
}

func TestFailureStreakTriggersCooldown(t *testing.T) {
	h, _ := setupHealthTracker(t, nil)
	ctx := context.Background()
	relay := "wss://flaky.relay.test"

	failTimes(t, h, relay, 2)
	if !h.Available(ctx, relay) {
		t.Error("Available() = false below failure threshold")
	}

	failTimes(t, h, relay, 1)
	if h.Available(ctx, relay) {
		t.Error("Available() = true at failure threshold")
	}
}

func TestCooldownExpires(t *testing.T) {
	h, _ := setupHealthTracker(t, nil)
	ctx := context.Background()
	relay := "wss://flaky.relay.test"

	failTimes(t, h, relay, 3)

	// Move the tracker clock past the 30s base cooldown
	h.now = func() time.Time { return time.Now().Add(time.Minute) }

	if !h.Available(ctx, relay) {
		t.Error("Available() = false after cooldown expired")
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	h, qs := setupHealthTracker(t, nil)
	ctx := context.Background()
	relay := "wss://flaky.relay.test"

	failTimes(t, h, relay, 3)
	if err := h.RecordSuccess(ctx, relay); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}

	if !h.Available(ctx, relay) {
		t.Error("Available() = false after success reset the streak")
	}

	row, err := qs.GetRelayHealth(ctx, relay)
	if err != nil {
		t.Fatalf("GetRelayHealth() error = %v", err)
	}
	if row.FailureStreak != 0 {
		t.Errorf("FailureStreak = %d, want 0", row.FailureStreak)
	}
	if row.LastSuccessAt == 0 {
		t.Error("LastSuccessAt not recorded")
	}
	if row.LastFailureAt == 0 {
		t.Error("LastFailureAt history lost on success")
	}
}

func TestCooldownFor(t *testing.T) {
	tests := []struct {
		streak int
		want   time.Duration
	}{
		{3, 30 * time.Second},
		{4, time.Minute},
		{5, 2 * time.Minute},
		{6, 4 * time.Minute},
		{20, 15 * time.Minute},
	}

	for _, tt := range tests {
		if got := cooldownFor(tt.streak); got != tt.want {
			t.Errorf("cooldownFor(%d) = %v, want %v", tt.streak, got, tt.want)
		}
	}
}

func TestRecordResults(t *testing.T) {
	h, qs := setupHealthTracker(t, nil)
	ctx := context.Background()

	err := h.RecordResults(ctx, []PublishResult{
		{Relay: "wss://good.test"},
		{Relay: "wss://bad.test", Err: errors.New("blocked")},
	})
	if err != nil {
		t.Fatalf("RecordResults() error = %v", err)
	}

	good, err := qs.GetRelayHealth(ctx, "wss://good.test")
	if err != nil {
		t.Fatalf("GetRelayHealth() error = %v", err)
	}
	if good.FailureStreak != 0 || good.LastSuccessAt == 0 {
		t.Errorf("Good relay health = %+v, want success recorded", good)
	}

	bad, err := qs.GetRelayHealth(ctx, "wss://bad.test")
	if err != nil {
		t.Fatalf("GetRelayHealth() error = %v", err)
	}
	if bad.FailureStreak != 1 {
		t.Errorf("Bad relay streak = %d, want 1", bad.FailureStreak)
	}
	if bad.LastError != "blocked" {
		t.Errorf("Bad relay error = %q, want blocked", bad.LastError)
	}
}

func TestFilterAvailable(t *testing.T) {
	seeds := []string{"wss://seed.test"}
	h, _ := setupHealthTracker(t, seeds)
	ctx := context.Background()

	failTimes(t, h, "wss://down.test", 3)

	got := h.FilterAvailable(ctx, []string{"wss://up.test", "wss://down.test"})
	if len(got) != 1 || got[0] != "wss://up.test" {
		t.Errorf("FilterAvailable() = %v, want only the healthy relay", got)
	}
}

func TestFilterAvailableFallsBackToSeeds(t *testing.T) {
	seeds := []string{"wss://seed.test"}
	h, _ := setupHealthTracker(t, seeds)
	ctx := context.Background()

	failTimes(t, h, "wss://down.test", 3)

	got := h.FilterAvailable(ctx, []string{"wss://down.test"})
	if len(got) != 1 || got[0] != "wss://seed.test" {
		t.Errorf("FilterAvailable() = %v, want seeds fallback", got)
	}
}

func TestFilterAvailableNoSeedsKeepsInput(t *testing.T) {
	h, _ := setupHealthTracker(t, nil)
	ctx := context.Background()

	failTimes(t, h, "wss://down.test", 3)

	got := h.FilterAvailable(ctx, []string{"wss://down.test"})
	if len(got) != 1 || got[0] != "wss://down.test" {
		t.Errorf("FilterAvailable() = %v, want original relays when no seeds exist", got)
	}
}
