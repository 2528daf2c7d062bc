package ops

import (
	"context"
	"fmt"
	"time"

	"github.com/sandwichfarm/noq/internal/config"
	"github.com/sandwichfarm/noq/internal/queue"
	"github.com/sandwichfarm/noq/internal/storage"
)

// RetentionManager prunes completed rows from the action queue and aged
// events from the local cache. Pending, syncing, and failed actions are
// never touched: they are user intent, not history.
type RetentionManager struct {
	queue       *queue.Store
	events      *storage.Storage
	queueCfg    *config.QueueRetention
	eventsCfg   *config.Events
	logger      *Logger
	ownerPubkey string

	started  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewRetentionManager creates a new retention manager. events may be nil
// when the event cache is not in use (e.g. the enqueue subcommand).
func NewRetentionManager(qs *queue.Store, events *storage.Storage, queueCfg *config.QueueRetention, eventsCfg *config.Events, logger *Logger, ownerPubkey string) *RetentionManager {
	return &RetentionManager{
		queue:       qs,
		events:      events,
		queueCfg:    queueCfg,
		eventsCfg:   eventsCfg,
		logger:      logger.WithComponent("retention"),
		ownerPubkey: ownerPubkey,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
}

// PruneAll runs every configured pruning pass and returns the total number
// of removed rows and events.
func (r *RetentionManager) PruneAll(ctx context.Context) (int64, error) {
	total := int64(0)

	queuePruned, err := r.PruneQueue(ctx)
	if err != nil {
		return total, err
	}
	total += queuePruned

	cachePruned, err := r.PruneEventCache(ctx)
	if err != nil {
		return total, err
	}
	total += cachePruned

	return total, nil
}

// PruneQueue removes completed actions older than keep_hours. A keep_hours
// of 0 disables age-based queue pruning.
func (r *RetentionManager) PruneQueue(ctx context.Context) (int64, error) {
	if r.queueCfg.KeepHours <= 0 {
		return 0, nil
	}

	start := time.Now()
	cutoff := time.Now().Add(-time.Duration(r.queueCfg.KeepHours) * time.Hour)

	deleted, err := r.queue.PruneCompletedBefore(ctx, cutoff)
	if err != nil {
		r.logger.LogRetentionPrune("queue", int(deleted), time.Since(start), err)
		return 0, fmt.Errorf("failed to prune completed actions: %w", err)
	}

	r.logger.LogRetentionPrune("queue", int(deleted), time.Since(start), nil)
	return deleted, nil
}

// PruneEventCache removes cached events older than cache_keep_days. The
// owner's own events are always kept. A cache_keep_days of 0 disables cache
// pruning, as does a nil event store.
func (r *RetentionManager) PruneEventCache(ctx context.Context) (int64, error) {
	if r.events == nil || r.eventsCfg.CacheKeepDays <= 0 {
		return 0, nil
	}

	start := time.Now()
	cutoff := time.Now().AddDate(0, 0, -r.eventsCfg.CacheKeepDays)

	deleted, err := r.events.DeleteEventsBefore(ctx, cutoff, []string{r.ownerPubkey})
	if err != nil {
		r.logger.LogRetentionPrune("events", deleted, time.Since(start), err)
		return 0, fmt.Errorf("failed to prune event cache: %w", err)
	}

	r.logger.LogRetentionPrune("events", deleted, time.Since(start), nil)
	return int64(deleted), nil
}

// ShouldPruneOnStart returns true if pruning should run on startup
func (r *RetentionManager) ShouldPruneOnStart() bool {
	return r.queueCfg.PruneOnStart
}

// GetRetentionStats returns statistics about retention
func (r *RetentionManager) GetRetentionStats(ctx context.Context) (*RetentionStats, error) {
	stats := &RetentionStats{
		KeepHours:     r.queueCfg.KeepHours,
		CacheKeepDays: r.eventsCfg.CacheKeepDays,
		PruneOnStart:  r.queueCfg.PruneOnStart,
	}

	counts, err := r.queue.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue actions: %w", err)
	}
	stats.CompletedActions = counts[queue.StatusCompleted]

	if r.queueCfg.KeepHours > 0 {
		stats.QueueCutoff = time.Now().Add(-time.Duration(r.queueCfg.KeepHours) * time.Hour)
	}
	if r.eventsCfg.CacheKeepDays > 0 {
		stats.CacheCutoff = time.Now().AddDate(0, 0, -r.eventsCfg.CacheKeepDays)
	}

	return stats, nil
}

// RetentionStats contains retention statistics
type RetentionStats struct {
	KeepHours        int
	CacheKeepDays    int
	PruneOnStart     bool
	CompletedActions int
	QueueCutoff      time.Time
	CacheCutoff      time.Time
}

// StartPruningScheduler starts the background pruning scheduler.
func (r *RetentionManager) StartPruningScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		r.logger.Info("pruning scheduler not started (interval not configured)")
		return
	}

	r.logger.Info("starting pruning scheduler", "interval", interval)
	r.started = true

	go func() {
		defer close(r.doneChan)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("pruning scheduler stopped (context done)")
				return
			case <-r.stopChan:
				r.logger.Info("pruning scheduler stopped (shutdown)")
				return
			case <-ticker.C:
				r.logger.Debug("running scheduled pruning")
				deleted, err := r.PruneAll(ctx)
				if err != nil {
					r.logger.Error("scheduled pruning failed", "error", err)
				} else {
					r.logger.Info("scheduled pruning complete", "deleted", deleted)
				}
			}
		}
	}()
}

// Stop stops the pruning scheduler gracefully. Safe to call even when the
// scheduler never started.
func (r *RetentionManager) Stop() {
	close(r.stopChan)
	if r.started {
		<-r.doneChan
	}
}
