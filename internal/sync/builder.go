package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/noq/internal/queue"
)

// Lookup finds the prerequisite events builders need: the latest contact
// list, the owner's own reaction to a target, the target event itself. A
// nil event with a nil error means nothing matched anywhere.
type Lookup interface {
	LatestByKind(ctx context.Context, author string, kind int) (*nostr.Event, error)
	OwnReferencing(ctx context.Context, author string, kinds []int, targetID string) (*nostr.Event, error)
	EventByID(ctx context.Context, id string) (*nostr.Event, error)
}

// Builder maps pending actions to the signed Nostr events that replay
// them against relays.
type Builder struct {
	secretKey string
	pubkey    string
	lookup    Lookup
}

// NewBuilder creates a builder signing with the given hex secret key.
func NewBuilder(secretKey string, lookup Lookup) (*Builder, error) {
	pubkey, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive pubkey from secret key: %w", err)
	}
	return &Builder{
		secretKey: secretKey,
		pubkey:    pubkey,
		lookup:    lookup,
	}, nil
}

// Pubkey returns the hex pubkey events are signed as.
func (b *Builder) Pubkey() string {
	return b.pubkey
}

// Build returns the event that replays the action, or nil when the action
// is already satisfied and nothing needs publishing.
func (b *Builder) Build(ctx context.Context, a *queue.PendingAction) (*nostr.Event, error) {
	switch a.ActionType {
	case queue.ActionLike:
		return b.buildReaction(a)
	case queue.ActionUnlike:
		return b.buildDeletionOf(ctx, a, []int{7})
	case queue.ActionFollow:
		return b.buildContactUpdate(ctx, a, true)
	case queue.ActionUnfollow:
		return b.buildContactUpdate(ctx, a, false)
	case queue.ActionRepost:
		return b.buildRepost(ctx, a)
	case queue.ActionUnrepost:
		return b.buildDeletionOf(ctx, a, []int{6, 16})
	default:
		return nil, fmt.Errorf("unknown action type: %q", a.ActionType)
	}
}

// buildReaction builds a kind 7 "+" reaction (NIP-25).
func (b *Builder) buildReaction(a *queue.PendingAction) (*nostr.Event, error) {
	tags := nostr.Tags{{"e", a.TargetID}}
	if a.AuthorPubkey != "" {
		tags = append(tags, nostr.Tag{"p", a.AuthorPubkey})
	}
	if a.AddressableID != "" {
		tags = append(tags, nostr.Tag{"a", a.AddressableID})
	}
	if a.TargetKind != 0 {
		tags = append(tags, nostr.Tag{"k", strconv.Itoa(a.TargetKind)})
	}

	event := &nostr.Event{
		Kind:      7,
		CreatedAt: nostr.Now(),
		Content:   "+",
		Tags:      tags,
	}
	if err := event.Sign(b.secretKey); err != nil {
		return nil, fmt.Errorf("failed to sign reaction: %w", err)
	}
	return event, nil
}

// buildDeletionOf builds a kind 5 deletion of the owner's own event of the
// given kinds referencing the target. No such event means the intent is
// already satisfied and nil is returned.
func (b *Builder) buildDeletionOf(ctx context.Context, a *queue.PendingAction, kinds []int) (*nostr.Event, error) {
	own, err := b.lookup.OwnReferencing(ctx, b.pubkey, kinds, a.TargetID)
	if err != nil {
		return nil, fmt.Errorf("failed to locate own event for deletion: %w", err)
	}
	if own == nil {
		return nil, nil
	}

	event := &nostr.Event{
		Kind:      5,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"e", own.ID},
			{"k", strconv.Itoa(own.Kind)},
		},
	}
	if err := event.Sign(b.secretKey); err != nil {
		return nil, fmt.Errorf("failed to sign deletion: %w", err)
	}
	return event, nil
}

// buildContactUpdate builds a kind 3 contact list with the target added or
// removed. The latest list's tags and content (relay hints) carry over.
// An update that would change nothing returns nil.
func (b *Builder) buildContactUpdate(ctx context.Context, a *queue.PendingAction, add bool) (*nostr.Event, error) {
	contacts, err := b.lookup.LatestByKind(ctx, b.pubkey, 3)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch contact list: %w", err)
	}

	var existing nostr.Tags
	var content string
	if contacts != nil {
		existing = contacts.Tags
		content = contacts.Content
	}

	found := false
	tags := make(nostr.Tags, 0, len(existing)+1)
	for _, tag := range existing {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] == a.TargetID {
			found = true
			if !add {
				continue
			}
		}
		tags = append(tags, tag)
	}

	if add {
		if found {
			return nil, nil
		}
		tags = append(tags, nostr.Tag{"p", a.TargetID})
	} else if !found {
		return nil, nil
	}

	event := &nostr.Event{
		Kind:      3,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags:      tags,
	}
	if err := event.Sign(b.secretKey); err != nil {
		return nil, fmt.Errorf("failed to sign contact list: %w", err)
	}
	return event, nil
}

// buildRepost builds a kind 6 repost for kind 1 targets and a kind 16
// generic repost for everything else (NIP-18). The content embeds the
// reposted event's JSON when the event is available locally or on relays.
func (b *Builder) buildRepost(ctx context.Context, a *queue.PendingAction) (*nostr.Event, error) {
	kind := 6
	if a.TargetKind != 0 && a.TargetKind != 1 {
		kind = 16
	}

	tags := nostr.Tags{{"e", a.TargetID}}
	if a.AuthorPubkey != "" {
		tags = append(tags, nostr.Tag{"p", a.AuthorPubkey})
	}
	if a.AddressableID != "" {
		tags = append(tags, nostr.Tag{"a", a.AddressableID})
	}
	if kind == 16 {
		tags = append(tags, nostr.Tag{"k", strconv.Itoa(a.TargetKind)})
	}

	content := ""
	if target, err := b.lookup.EventByID(ctx, a.TargetID); err == nil && target != nil {
		if raw, err := json.Marshal(target); err == nil {
			content = string(raw)
		}
	}

	event := &nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags:      tags,
	}
	if err := event.Sign(b.secretKey); err != nil {
		return nil, fmt.Errorf("failed to sign repost: %w", err)
	}
	return event, nil
}
