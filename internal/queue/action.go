package queue

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const idPrefix = "qa-"

// ActionType identifies the user mutation a pending action carries.
type ActionType string

const (
	ActionLike     ActionType = "like"
	ActionUnlike   ActionType = "unlike"
	ActionFollow   ActionType = "follow"
	ActionUnfollow ActionType = "unfollow"
	ActionRepost   ActionType = "repost"
	ActionUnrepost ActionType = "unrepost"
)

// opposites maps each action type to the type that undoes it.
var opposites = map[ActionType]ActionType{
	ActionLike:     ActionUnlike,
	ActionUnlike:   ActionLike,
	ActionFollow:   ActionUnfollow,
	ActionUnfollow: ActionFollow,
	ActionRepost:   ActionUnrepost,
	ActionUnrepost: ActionRepost,
}

// Opposite returns the action type that undoes t, or "" for unknown types.
func (t ActionType) Opposite() ActionType {
	return opposites[t]
}

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	_, ok := opposites[t]
	return ok
}

// Status is the lifecycle state of a pending action.
// Transitions: pending -> syncing -> completed | failed; failed -> pending (retry).
type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// PendingAction is a queued user mutation awaiting replay against relays.
type PendingAction struct {
	ID         string     `db:"id"`
	ActionType ActionType `db:"action_type"`
	TargetID   string     `db:"target_id"`
	UserPubkey string     `db:"user_pubkey"`

	// Optional target metadata the event builder uses when present.
	AuthorPubkey  string `db:"author_pubkey"`
	AddressableID string `db:"addressable_id"`
	TargetKind    int    `db:"target_kind"`

	Status        Status     `db:"status"`
	RetryCount    int        `db:"retry_count"`
	MaxRetries    int        `db:"max_retries"`
	LastError     string     `db:"last_error"`
	LastAttemptAt *time.Time `db:"last_attempt_at"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`

	// ResultEventID is the id of the published Nostr event once completed.
	ResultEventID string `db:"result_event_id"`
}

// Retryable reports whether a failed action still has retry budget left.
func (a *PendingAction) Retryable() bool {
	return a.Status == StatusFailed && a.RetryCount < a.MaxRetries
}

// Validate checks the fields required before an action may be stored.
func (a *PendingAction) Validate() error {
	if !a.ActionType.Valid() {
		return fmt.Errorf("invalid action type: %q", a.ActionType)
	}
	if a.TargetID == "" {
		return fmt.Errorf("target id is required")
	}
	if a.UserPubkey == "" {
		return fmt.Errorf("user pubkey is required")
	}
	if a.Status != "" && !a.Status.Valid() {
		return fmt.Errorf("invalid status: %q", a.Status)
	}
	return nil
}

// generateActionID generates a unique action ID
func generateActionID() (string, error) {
	bytes := make([]byte, 8) // 16 hex characters
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return idPrefix + hex.EncodeToString(bytes), nil
}
