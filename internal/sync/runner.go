// Package sync drains the pending-action queue against relays and keeps
// the local event cache warm with the owner's own state.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/noq/internal/config"
	"github.com/sandwichfarm/noq/internal/ops"
	"github.com/sandwichfarm/noq/internal/queue"
)

// EventBuilder maps a pending action to the event that replays it. A nil
// event with a nil error means the action is already satisfied and there
// is nothing to publish.
type EventBuilder interface {
	Build(ctx context.Context, a *queue.PendingAction) (*nostr.Event, error)
}

// EventPublisher publishes one signed event to the owner's write relays.
type EventPublisher interface {
	Publish(ctx context.Context, event *nostr.Event) error
}

// Runner drains pending actions: a watch subscription triggers a pass
// whenever the pending set becomes non-empty, and a periodic tick requeues
// retryable failures and sweeps anything the watch missed.
type Runner struct {
	store     *queue.Store
	builder   EventBuilder
	publisher EventPublisher
	cache     EventCache
	cfg       *config.Syncer
	policy    *config.RelayPolicy
	logger    *ops.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// trigger coalesces watch emissions into at most one queued drain.
	trigger chan struct{}

	now func() time.Time
}

// NewRunner creates a runner over the queue store. The cache may be nil
// when no local event cache is configured.
func NewRunner(store *queue.Store, builder EventBuilder, publisher EventPublisher, cache EventCache,
	cfg *config.Syncer, policy *config.RelayPolicy, logger *ops.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:     store,
		builder:   builder,
		publisher: publisher,
		cache:     cache,
		cfg:       cfg,
		policy:    policy,
		logger:    logger.WithComponent("runner"),
		ctx:       ctx,
		cancel:    cancel,
		trigger:   make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Start launches the watch and drain loops.
func (r *Runner) Start() error {
	r.wg.Add(1)
	go r.watchLoop()

	r.wg.Add(1)
	go r.drainLoop()

	return nil
}

// Stop cancels both loops and waits for in-flight work to finish.
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
}

// watchLoop turns pending-set emissions into drain triggers. Emissions
// arriving while a drain is already queued collapse into it.
func (r *Runner) watchLoop() {
	defer r.wg.Done()

	updates := r.store.Watch(r.ctx)
	for {
		select {
		case <-r.ctx.Done():
			return
		case snapshot, ok := <-updates:
			if !ok {
				return
			}
			if len(snapshot) == 0 {
				continue
			}
			select {
			case r.trigger <- struct{}{}:
			default:
			}
		}
	}
}

// drainLoop runs drain passes on triggers and on a periodic tick. The tick
// also moves retryable failures back to pending once their backoff delay
// has elapsed.
func (r *Runner) drainLoop() {
	defer r.wg.Done()

	interval := time.Duration(r.cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.trigger:
			r.drainOnce()
		case <-ticker.C:
			if err := r.requeueRetryable(r.ctx); err != nil {
				r.logger.Warn("failed to requeue retryable actions", "error", err)
			}
			r.logDepth()
			r.drainOnce()
		}
	}
}

// logDepth reports the queue status breakdown on each tick.
func (r *Runner) logDepth() {
	counts, err := r.store.CountByStatus(r.ctx)
	if err != nil {
		return
	}
	var oldestAge time.Duration
	if oldest, ok, err := r.store.OldestPending(r.ctx); err == nil && ok {
		oldestAge = r.now().Sub(oldest)
	}
	r.logger.LogQueueDepth(counts[queue.StatusPending], counts[queue.StatusSyncing],
		counts[queue.StatusFailed], counts[queue.StatusCompleted], oldestAge)
}

// drainOnce processes the current pending set with a bounded worker pool.
func (r *Runner) drainOnce() {
	pending, err := r.store.ListPending(r.ctx)
	if err != nil {
		r.logger.Warn("failed to list pending actions", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	workers := r.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(pending) {
		workers = len(pending)
	}

	jobs := make(chan *queue.PendingAction)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for action := range jobs {
				r.process(action)
			}
		}()
	}

feed:
	for _, action := range pending {
		select {
		case jobs <- action:
		case <-r.ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
}

// process claims one action, builds and publishes its event, and records
// the outcome. An action deleted underneath us (cancelled by an opposite
// enqueue) is skipped silently.
func (r *Runner) process(a *queue.PendingAction) {
	ctx := r.ctx

	if err := r.store.Transition(ctx, a.ID, queue.StatusSyncing, ""); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			r.logger.Debug("action cancelled before sync", "action_id", a.ID)
			return
		}
		r.logger.Warn("failed to claim action", "action_id", a.ID, "error", err)
		return
	}

	r.logger.LogSyncAttempt(a.ID, string(a.ActionType), a.RetryCount+1, a.MaxRetries)
	start := r.now()

	event, err := r.builder.Build(ctx, a)
	if err != nil {
		r.fail(ctx, a, fmt.Errorf("failed to build event: %w", err))
		return
	}

	if event == nil {
		// Already satisfied, e.g. deleting a reaction that never existed.
		if err := r.store.MarkCompleted(ctx, a.ID, ""); err != nil && !errors.Is(err, queue.ErrNotFound) {
			r.logger.Warn("failed to complete no-op action", "action_id", a.ID, "error", err)
		}
		r.logger.LogSyncResult(a.ID, "", r.now().Sub(start), nil)
		return
	}

	if err := r.publisher.Publish(ctx, event); err != nil {
		r.fail(ctx, a, err)
		r.logger.LogSyncResult(a.ID, "", r.now().Sub(start), err)
		return
	}

	if r.cache != nil {
		if err := r.cache.StoreEvent(ctx, event); err != nil {
			r.logger.Warn("failed to cache published event",
				"action_id", a.ID, "event_id", event.ID, "error", err)
		}
	}

	if err := r.store.MarkCompleted(ctx, a.ID, event.ID); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			// Cancelled mid-publish. The event is out; reconciliation
			// resolves it against the opposite intent later.
			r.logger.Debug("action cancelled during sync", "action_id", a.ID, "event_id", event.ID)
			return
		}
		r.logger.Warn("failed to complete action", "action_id", a.ID, "error", err)
		return
	}

	r.logger.LogSyncResult(a.ID, event.ID, r.now().Sub(start), nil)
}

// fail records a failed attempt. The transition increments the retry count;
// actions out of budget are logged once and stay failed.
func (r *Runner) fail(ctx context.Context, a *queue.PendingAction, cause error) {
	if err := r.store.Transition(ctx, a.ID, queue.StatusFailed, cause.Error()); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return
		}
		r.logger.Warn("failed to record action failure", "action_id", a.ID, "error", err)
		return
	}

	if a.RetryCount+1 >= a.MaxRetries {
		r.logger.Warn("action failed permanently",
			"action_id", a.ID,
			"action_type", a.ActionType,
			"target_id", a.TargetID,
			"retries", a.RetryCount+1,
			"error", cause)
	}
}

// requeueRetryable moves failed actions whose backoff delay has elapsed
// back to pending. The delay for attempt n comes from the relay policy's
// backoff table.
func (r *Runner) requeueRetryable(ctx context.Context) error {
	failed, err := r.store.ListByStatus(ctx, queue.StatusFailed)
	if err != nil {
		return err
	}

	now := r.now()
	for _, a := range failed {
		if !a.Retryable() {
			continue
		}
		if a.LastAttemptAt != nil && now.Sub(*a.LastAttemptAt) < r.policy.Backoff(a.RetryCount) {
			continue
		}
		if err := r.store.Transition(ctx, a.ID, queue.StatusPending, a.LastError); err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				continue
			}
			return err
		}
	}
	return nil
}
