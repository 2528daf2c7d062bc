// Package reconcile merges the relay-confirmed view of the owner's liked,
// reposted, and followed sets with the optimistic intent still sitting in
// the pending-action queue.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/noq/internal/queue"
)

// Source says where a reference's confirmation stands.
type Source string

const (
	// SourceRelay marks references asserted by a published event.
	SourceRelay Source = "relay"
	// SourceOptimistic marks references asserted only by a queued action.
	SourceOptimistic Source = "optimistic"
)

// Ref is one element of a reconciled set: a liked video, a reposted event,
// a followed pubkey.
type Ref struct {
	TargetID  string
	EventID   string // the own event asserting the reference, relay refs only
	CreatedAt time.Time
	Source    Source
}

// EventSource yields the owner's own assertion events, usually the local
// event cache the backfill keeps warm.
type EventSource interface {
	QueryEvents(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
}

// EventFetcher refreshes assertion events from relays when the cache has
// nothing.
type EventFetcher interface {
	FetchEvents(ctx context.Context, relays []string, filter nostr.Filter) ([]*nostr.Event, error)
	GetDefaultTimeout() time.Duration
}

// RelaySource yields the relays to refresh from.
type RelaySource interface {
	ReadRelays(ctx context.Context) ([]string, error)
}

// ActionSource yields a user's queued actions.
type ActionSource interface {
	ListByUser(ctx context.Context, userPubkey string) ([]*queue.PendingAction, error)
}

// Reconciler builds reconciled sets. The fetcher and relay source may be
// nil; the cache is then the only event source.
type Reconciler struct {
	events  EventSource
	fetcher EventFetcher
	relays  RelaySource
	actions ActionSource
}

// New creates a reconciler over the given sources.
func New(events EventSource, fetcher EventFetcher, relays RelaySource, actions ActionSource) *Reconciler {
	return &Reconciler{
		events:  events,
		fetcher: fetcher,
		relays:  relays,
		actions: actions,
	}
}

// LikedSet returns the user's liked targets: e tags of their kind 7
// reactions, overlaid with queued like/unlike intent, newest first.
func (r *Reconciler) LikedSet(ctx context.Context, user string) ([]Ref, error) {
	events, err := r.ownEvents(ctx, user, []int{7})
	if err != nil {
		return nil, err
	}
	return r.overlay(ctx, user, refsFromTagged(events), queue.ActionLike, queue.ActionUnlike)
}

// RepostSet returns the user's reposted targets: e tags of their kind 6
// and 16 reposts, overlaid with queued repost/unrepost intent.
func (r *Reconciler) RepostSet(ctx context.Context, user string) ([]Ref, error) {
	events, err := r.ownEvents(ctx, user, []int{6, 16})
	if err != nil {
		return nil, err
	}
	return r.overlay(ctx, user, refsFromTagged(events), queue.ActionRepost, queue.ActionUnrepost)
}

// FollowSet returns the user's followed pubkeys: p tags of their newest
// kind 3 contact list, overlaid with queued follow/unfollow intent.
func (r *Reconciler) FollowSet(ctx context.Context, user string) ([]Ref, error) {
	events, err := r.ownEvents(ctx, user, []int{3})
	if err != nil {
		return nil, err
	}

	var refs []Ref
	if contacts := newestOf(events); contacts != nil {
		seen := make(map[string]bool)
		for _, tag := range contacts.Tags {
			if len(tag) < 2 || tag[0] != "p" || tag[1] == "" || seen[tag[1]] {
				continue
			}
			seen[tag[1]] = true
			refs = append(refs, Ref{
				TargetID:  tag[1],
				EventID:   contacts.ID,
				CreatedAt: contacts.CreatedAt.Time(),
				Source:    SourceRelay,
			})
		}
	}

	return r.overlay(ctx, user, refs, queue.ActionFollow, queue.ActionUnfollow)
}

// ownEvents queries the local cache, refreshing from relays only when the
// cache has nothing for the filter.
func (r *Reconciler) ownEvents(ctx context.Context, user string, kinds []int) ([]*nostr.Event, error) {
	filter := nostr.Filter{
		Authors: []string{user},
		Kinds:   kinds,
	}

	if r.events != nil {
		events, err := r.events.QueryEvents(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("failed to query event cache: %w", err)
		}
		if len(events) > 0 {
			return events, nil
		}
	}

	if r.fetcher == nil || r.relays == nil {
		return nil, nil
	}

	relays, err := r.relays.ReadRelays(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve read relays: %w", err)
	}
	if len(relays) == 0 {
		return nil, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.fetcher.GetDefaultTimeout())
	defer cancel()

	events, err := r.fetcher.FetchEvents(fetchCtx, relays, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	return events, nil
}

// overlay applies queued intent on top of relay-confirmed refs: an
// outstanding add action inserts its target, an outstanding remove action
// drops it. Completed actions are already reflected in the relay view.
func (r *Reconciler) overlay(ctx context.Context, user string, refs []Ref, add, remove queue.ActionType) ([]Ref, error) {
	actions, err := r.actions.ListByUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued actions: %w", err)
	}

	byTarget := make(map[string]int, len(refs))
	for i, ref := range refs {
		byTarget[ref.TargetID] = i
	}

	removed := make(map[string]bool)
	for _, a := range actions {
		if a.Status == queue.StatusCompleted {
			continue
		}
		switch a.ActionType {
		case add:
			if _, ok := byTarget[a.TargetID]; ok || removed[a.TargetID] {
				continue
			}
			byTarget[a.TargetID] = len(refs)
			refs = append(refs, Ref{
				TargetID:  a.TargetID,
				CreatedAt: a.CreatedAt,
				Source:    SourceOptimistic,
			})
		case remove:
			removed[a.TargetID] = true
		}
	}

	result := refs[:0]
	for _, ref := range refs {
		if removed[ref.TargetID] {
			continue
		}
		result = append(result, ref)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// refsFromTagged extracts one ref per target from tagged assertion events
// (reactions, reposts), keeping the newest assertion per target. The
// target is the last e tag, following how reaction targets are written.
func refsFromTagged(events []*nostr.Event) []Ref {
	newest := make(map[string]Ref)
	for _, event := range events {
		target := lastETag(event)
		if target == "" {
			continue
		}
		if existing, ok := newest[target]; ok && !existing.CreatedAt.Before(event.CreatedAt.Time()) {
			continue
		}
		newest[target] = Ref{
			TargetID:  target,
			EventID:   event.ID,
			CreatedAt: event.CreatedAt.Time(),
			Source:    SourceRelay,
		}
	}

	refs := make([]Ref, 0, len(newest))
	for _, ref := range newest {
		refs = append(refs, ref)
	}
	return refs
}

func lastETag(event *nostr.Event) string {
	for i := len(event.Tags) - 1; i >= 0; i-- {
		tag := event.Tags[i]
		if len(tag) >= 2 && tag[0] == "e" {
			return tag[1]
		}
	}
	return ""
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
