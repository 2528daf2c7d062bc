package identity

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip05"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/sandwichfarm/noq/internal/config"
)

var hexPubkeyRegex = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Resolver turns user references into hex pubkeys. NIP-05 lookups hit the
// network, so their results are cached with the configured TTL.
type Resolver struct {
	cache Cache
	ttl   time.Duration

	// queryFn is swapped out in tests.
	queryFn func(ctx context.Context, fullname string) (*nostr.ProfilePointer, error)
}

// NewResolver creates a resolver over the given cache. The TTL bounds how
// long NIP-05 results are trusted before the next network lookup.
func NewResolver(cache Cache, cfg *config.Caching) *Resolver {
	ttl := time.Hour
	if cfg != nil && cfg.NIP05TTLSeconds > 0 {
		ttl = cfg.NIP05TTL()
	}
	return &Resolver{
		cache:   cache,
		ttl:     ttl,
		queryFn: nip05.QueryIdentifier,
	}
}

// Resolve returns the hex pubkey for a reference:
//   - 64-character hex is returned as is (lowercased)
//   - npub1.../nprofile1... strings are NIP-19 decoded
//   - name@domain addresses go through a NIP-05 lookup
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, "nostr:")
	if ref == "" {
		return "", fmt.Errorf("empty reference")
	}

	if hexPubkeyRegex.MatchString(ref) {
		return strings.ToLower(ref), nil
	}

	if strings.HasPrefix(ref, "npub1") || strings.HasPrefix(ref, "nprofile1") {
		return decodePubkey(ref)
	}

	if strings.Contains(ref, "@") {
		return r.resolveNIP05(ctx, ref)
	}

	return "", fmt.Errorf("unrecognized reference: %s", ref)
}

// Verify reports whether a NIP-05 address currently maps to pubkey.
func (r *Resolver) Verify(ctx context.Context, pubkey, address string) (bool, error) {
	resolved, err := r.resolveNIP05(ctx, address)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(resolved, pubkey), nil
}

func decodePubkey(ref string) (string, error) {
	prefix, decoded, err := nip19.Decode(ref)
	if err != nil {
		return "", fmt.Errorf("failed to decode NIP-19: %w", err)
	}

	switch prefix {
	case "npub":
		return decoded.(string), nil
	case "nprofile":
		pointer := decoded.(nostr.ProfilePointer)
		return pointer.PublicKey, nil
	default:
		return "", fmt.Errorf("unsupported NIP-19 type: %s", prefix)
	}
}

func (r *Resolver) resolveNIP05(ctx context.Context, address string) (string, error) {
	address = strings.ToLower(strings.TrimSpace(address))

	if cached, ok, err := r.cache.Get(ctx, address); err == nil && ok {
		return cached, nil
	}

	pointer, err := r.queryFn(ctx, address)
	if err != nil {
		return "", fmt.Errorf("nip05 lookup for %s: %w", address, err)
	}
	if pointer == nil || pointer.PublicKey == "" {
		return "", fmt.Errorf("nip05 address %s has no pubkey", address)
	}

	// Cache write failures do not fail the lookup.
	_ = r.cache.Set(ctx, address, pointer.PublicKey, r.ttl)

	return pointer.PublicKey, nil
}
