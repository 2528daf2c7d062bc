package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/noq/internal/config"
)

const (
	testNpub    = "npub10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg"
	testNpubHex = "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e"

	testNprofile    = "nprofile1qqsrhuxx8l9ex335q7he0f09aej04zpazpl0ne2cgukyawd24mayt8gpp4mhxue69uhhytnc9e3k7mgpz4mhxue69uhkg6nzv9ejuumpv34kytnrdaksjlyr9p"
	testNprofileHex = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
)

type stubQuery struct {
	pointer *nostr.ProfilePointer
	err     error
	calls   int
	lastArg string
}

func (s *stubQuery) fn(_ context.Context, fullname string) (*nostr.ProfilePointer, error) {
	s.calls++
	s.lastArg = fullname
	return s.pointer, s.err
}

func newTestResolver(t *testing.T, q *stubQuery) *Resolver {
	t.Helper()

	r := NewResolver(newMemoryCache(), &config.Caching{
		Enabled:         true,
		Engine:          "memory",
		NIP05TTLSeconds: 3600,
	})
	if q != nil {
		r.queryFn = q.fn
	}
	return r
}

func TestResolveHexPassthrough(t *testing.T) {
	r := newTestResolver(t, nil)
	ctx := context.Background()

	got, err := r.Resolve(ctx, testNpubHex)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != testNpubHex {
		t.Errorf("pubkey = %s, want %s", got, testNpubHex)
	}

	// Uppercase hex is accepted and normalized.
	got, err = r.Resolve(ctx, strings.ToUpper(testNpubHex))
	if err != nil {
		t.Fatalf("Resolve failed for uppercase hex: %v", err)
	}
	if got != testNpubHex {
		t.Errorf("pubkey = %s, want lowercased %s", got, testNpubHex)
	}
}

func TestResolveNpub(t *testing.T) {
	r := newTestResolver(t, nil)

	got, err := r.Resolve(context.Background(), testNpub)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != testNpubHex {
		t.Errorf("pubkey = %s, want %s", got, testNpubHex)
	}
}

func TestResolveNprofile(t *testing.T) {
	r := newTestResolver(t, nil)

	got, err := r.Resolve(context.Background(), testNprofile)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != testNprofileHex {
		t.Errorf("pubkey = %s, want %s", got, testNprofileHex)
	}
}

func TestResolveNostrURI(t *testing.T) {
	r := newTestResolver(t, nil)

	got, err := r.Resolve(context.Background(), "nostr:"+testNpub)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != testNpubHex {
		t.Errorf("pubkey = %s, want %s", got, testNpubHex)
	}
}

func TestResolveInvalidReferences(t *testing.T) {
	r := newTestResolver(t, &stubQuery{err: errors.New("no network in this test")})
	ctx := context.Background()

	tests := []struct {
		name string
		ref  string
	}{
		{"empty", ""},
		{"whitespace only", "   "},
		{"random word", "notanidentifier"},
		{"bad npub checksum", "npub1aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
		{"nsec is not a pubkey", "nsec1vl029mgpspedva04g90vltkh6fvh240zqtv9k0t9af8935ke9laqsnlfe5"},
		{"truncated hex", testNpubHex[:40]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Resolve(ctx, tt.ref); err == nil {
				t.Errorf("expected error for %q, got nil", tt.ref)
			}
		})
	}
}

func TestResolveNIP05(t *testing.T) {
	q := &stubQuery{pointer: &nostr.ProfilePointer{PublicKey: testNpubHex}}
	r := newTestResolver(t, q)
	ctx := context.Background()

	got, err := r.Resolve(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != testNpubHex {
		t.Errorf("pubkey = %s, want %s", got, testNpubHex)
	}
	if q.calls != 1 {
		t.Fatalf("query calls = %d, want 1", q.calls)
	}

	// Second lookup is served from the cache.
	if _, err := r.Resolve(ctx, "alice@example.com"); err != nil {
		t.Fatalf("cached Resolve failed: %v", err)
	}
	if q.calls != 1 {
		t.Errorf("query calls after cached lookup = %d, want 1", q.calls)
	}
}

func TestResolveNIP05NormalizesCase(t *testing.T) {
	q := &stubQuery{pointer: &nostr.ProfilePointer{PublicKey: testNpubHex}}
	r := newTestResolver(t, q)

	if _, err := r.Resolve(context.Background(), "Alice@Example.COM"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if q.lastArg != "alice@example.com" {
		t.Errorf("queried address = %q, want lowercased", q.lastArg)
	}
}

func TestResolveNIP05LookupFailure(t *testing.T) {
	q := &stubQuery{err: errors.New("dns lookup failed")}
	r := newTestResolver(t, q)

	if _, err := r.Resolve(context.Background(), "alice@example.com"); err == nil {
		t.Error("expected error when lookup fails")
	}
}

func TestResolveNIP05EmptyPointer(t *testing.T) {
	q := &stubQuery{pointer: &nostr.ProfilePointer{}}
	r := newTestResolver(t, q)

	if _, err := r.Resolve(context.Background(), "alice@example.com"); err == nil {
		t.Error("expected error when address has no pubkey")
	}
}

func TestVerify(t *testing.T) {
	q := &stubQuery{pointer: &nostr.ProfilePointer{PublicKey: testNpubHex}}
	r := newTestResolver(t, q)
	ctx := context.Background()

	ok, err := r.Verify(ctx, testNpubHex, "alice@example.com")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Error("expected address to verify")
	}

	ok, err = r.Verify(ctx, testNprofileHex, "alice@example.com")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if ok {
		t.Error("expected mismatch for a different pubkey")
	}
}

func TestVerifyLookupFailure(t *testing.T) {
	q := &stubQuery{err: errors.New("dns lookup failed")}
	r := newTestResolver(t, q)

	if _, err := r.Verify(context.Background(), testNpubHex, "alice@example.com"); err == nil {
		t.Error("expected error when lookup fails")
	}
}

func TestNewResolverTTL(t *testing.T) {
	r := NewResolver(newMemoryCache(), nil)
	if r.ttl != time.Hour {
		t.Errorf("default ttl = %v, want 1h", r.ttl)
	}

	r = NewResolver(newMemoryCache(), &config.Caching{NIP05TTLSeconds: 7200})
	if r.ttl != 2*time.Hour {
		t.Errorf("ttl = %v, want 2h", r.ttl)
	}
}
