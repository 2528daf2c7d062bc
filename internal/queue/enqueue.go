package queue

import (
	"context"
	"fmt"
	"time"
)

// EnqueueOutcome describes what Enqueue did with a request.
type EnqueueOutcome string

const (
	// OutcomeQueued means a new action row was inserted.
	OutcomeQueued EnqueueOutcome = "queued"
	// OutcomeReplaced means an outstanding action of the same type was
	// rewritten in place, keeping its id and creation time.
	OutcomeReplaced EnqueueOutcome = "replaced"
	// OutcomeCancelled means the request annihilated an outstanding
	// opposite action and nothing new was stored.
	OutcomeCancelled EnqueueOutcome = "cancelled"
)

// EnqueueResult reports the outcome of an Enqueue call.
type EnqueueResult struct {
	Outcome EnqueueOutcome

	// Action is the stored row for queued and replaced outcomes, nil for
	// cancelled.
	Action *PendingAction

	// CancelledID is the id of the opposite action that was removed, set
	// only for cancelled outcomes.
	CancelledID string
}

// Enqueue stores a user mutation for later replay against relays.
//
// If an opposite action for the same user and target is outstanding (in any
// status other than completed, syncing included), the two cancel out: the
// outstanding row is deleted and nothing new is stored. A cancelled syncing
// row may still have its publish land; the reconcilers resolve that against
// relay state later.
//
// If an action of the same type is already outstanding, the request
// replaces it in place so at most one row per (user, target, type) is ever
// outstanding. The replacement keeps the original id and creation time but
// resets status, retries and errors.
//
// A zero MaxRetries inherits the store's configured default.
func (s *Store) Enqueue(ctx context.Context, a *PendingAction) (*EnqueueResult, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	conflict, err := s.findConflicting(ctx, a.UserPubkey, a.TargetID, a.ActionType)
	if err != nil {
		return nil, err
	}
	if conflict != nil {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM pending_actions WHERE id = ?`, conflict.ID); err != nil {
			return nil, fmt.Errorf("failed to cancel opposite action: %w", err)
		}
		s.emit()
		return &EnqueueResult{Outcome: OutcomeCancelled, CancelledID: conflict.ID}, nil
	}

	now := time.Now().UTC()
	stored := *a
	stored.Status = StatusPending
	stored.RetryCount = 0
	stored.LastError = ""
	stored.LastAttemptAt = nil
	stored.ResultEventID = ""
	if stored.MaxRetries == 0 {
		stored.MaxRetries = s.maxRetries
	}

	existing, err := s.findOutstanding(ctx, a.UserPubkey, a.TargetID, a.ActionType)
	if err != nil {
		return nil, err
	}

	outcome := OutcomeQueued
	if existing != nil {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
		outcome = OutcomeReplaced
	} else {
		id, err := generateActionID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate action id: %w", err)
		}
		stored.ID = id
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	normalizeTimes(&stored)

	if _, err := s.db.NamedExecContext(ctx, upsertActionSQL, &stored); err != nil {
		return nil, fmt.Errorf("failed to store action: %w", err)
	}

	s.emit()
	return &EnqueueResult{Outcome: outcome, Action: &stored}, nil
}
