package nostr

import (
	"context"
	"time"

	"github.com/sandwichfarm/noq/internal/queue"
)

const (
	// failureThreshold is how many consecutive failures put a relay into
	// cooldown.
	failureThreshold = 3
	baseCooldown     = 30 * time.Second
	maxCooldown      = 15 * time.Minute
)

// HealthStore persists per-relay failure streaks across restarts.
type HealthStore interface {
	GetRelayHealth(ctx context.Context, relay string) (*queue.RelayHealth, error)
	SaveRelayHealth(ctx context.Context, health *queue.RelayHealth) error
}

// HealthTracker tracks publish outcomes per relay and filters out relays
// that keep failing. Three consecutive failures start an escalating
// cooldown; any success resets the streak.
type HealthTracker struct {
	store HealthStore
	seeds []string
	now   func() time.Time
}

// NewHealthTracker creates a health tracker backed by the given store.
func NewHealthTracker(store HealthStore, seeds []string) *HealthTracker {
	return &HealthTracker{
		store: store,
		seeds: seeds,
		now:   time.Now,
	}
}

// RecordResults records per-relay outcomes from one publish attempt. The
// first persistence error is returned after all results are processed.
func (h *HealthTracker) RecordResults(ctx context.Context, results []PublishResult) error {
	var firstErr error
	for _, r := range results {
		var err error
		if r.Err != nil {
			err = h.RecordFailure(ctx, r.Relay, r.Err)
		} else {
			err = h.RecordSuccess(ctx, r.Relay)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RecordSuccess resets a relay's failure streak.
func (h *HealthTracker) RecordSuccess(ctx context.Context, relay string) error {
	health := &queue.RelayHealth{
		Relay:         relay,
		LastSuccessAt: h.now().Unix(),
	}
	if cur, err := h.store.GetRelayHealth(ctx, relay); err == nil && cur != nil {
		health.LastFailureAt = cur.LastFailureAt
	}
	return h.store.SaveRelayHealth(ctx, health)
}

// RecordFailure increments a relay's failure streak.
func (h *HealthTracker) RecordFailure(ctx context.Context, relay string, cause error) error {
	health := &queue.RelayHealth{
		Relay:         relay,
		FailureStreak: 1,
		LastFailureAt: h.now().Unix(),
	}
	if cause != nil {
		health.LastError = cause.Error()
	}
	if cur, err := h.store.GetRelayHealth(ctx, relay); err == nil && cur != nil {
		health.FailureStreak = cur.FailureStreak + 1
		health.LastSuccessAt = cur.LastSuccessAt
	}
	return h.store.SaveRelayHealth(ctx, health)
}

// Available reports whether a relay should receive traffic right now.
// Unknown relays are available.
func (h *HealthTracker) Available(ctx context.Context, relay string) bool {
	cur, err := h.store.GetRelayHealth(ctx, relay)
	if err != nil || cur == nil {
		return true
	}
	if cur.FailureStreak < failureThreshold {
		return true
	}
	cooldown := cooldownFor(cur.FailureStreak)
	return h.now().Unix() >= cur.LastFailureAt+int64(cooldown.Seconds())
}

// cooldownFor doubles the cooldown with each failure past the threshold.
func cooldownFor(streak int) time.Duration {
	d := baseCooldown
	for i := failureThreshold; i < streak; i++ {
		d *= 2
		if d >= maxCooldown {
			return maxCooldown
		}
	}
	return d
}

// FilterAvailable drops relays in cooldown. When every relay is cooling
// down the seeds are returned so a publish attempt can still happen.
func (h *HealthTracker) FilterAvailable(ctx context.Context, relays []string) []string {
	available := make([]string, 0, len(relays))
	for _, r := range relays {
		if h.Available(ctx, r) {
			available = append(available, r)
		}
	}
	if len(available) == 0 {
		if len(h.seeds) > 0 {
			return h.seeds
		}
		return relays
	}
	return available
}
