package nostr

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr/nip11"
)

// capabilityTTL is how long a relay's information document is trusted
// before it is fetched again.
const capabilityTTL = 7 * 24 * time.Hour

type relayCapabilities struct {
	supportsNegentropy bool
	software           string
	version            string
	checkedAt          time.Time
}

// Capabilities caches NIP-11 relay information documents so negentropy
// support is probed at most once per relay per TTL window.
type Capabilities struct {
	mu    sync.Mutex
	cache map[string]*relayCapabilities

	// fetchFn is swapped out in tests.
	fetchFn func(ctx context.Context, url string) (*nip11.RelayInformationDocument, error)
}

// NewCapabilities creates an empty capability cache backed by NIP-11
// fetches.
func NewCapabilities() *Capabilities {
	return &Capabilities{
		cache: make(map[string]*relayCapabilities),
		fetchFn: func(ctx context.Context, url string) (*nip11.RelayInformationDocument, error) {
			info, err := nip11.Fetch(ctx, url)
			if err != nil {
				return nil, err
			}
			return &info, nil
		},
	}
}

// SupportsNegentropy reports whether the relay advertises NIP-77 support.
// Unknown or unreachable relays report false.
func (c *Capabilities) SupportsNegentropy(ctx context.Context, url string) bool {
	c.mu.Lock()
	cached, ok := c.cache[url]
	c.mu.Unlock()

	if ok && time.Since(cached.checkedAt) < capabilityTTL {
		return cached.supportsNegentropy
	}

	caps := &relayCapabilities{checkedAt: time.Now()}
	info, err := c.fetchFn(ctx, url)
	if err == nil && info != nil {
		caps.software = info.Software
		caps.version = info.Version
		caps.supportsNegentropy = supportsNIP77(info.SupportedNIPs)
	}

	c.mu.Lock()
	c.cache[url] = caps
	c.mu.Unlock()

	return caps.supportsNegentropy
}

// MarkNegentropyUnsupported pins a relay as not supporting NIP-77 after a
// runtime failure, regardless of what its information document claims.
func (c *Capabilities) MarkNegentropyUnsupported(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[url] = &relayCapabilities{checkedAt: time.Now()}
}

// supportsNIP77 scans a NIP-11 supported_nips list. Relays serialize the
// entries as JSON numbers or strings.
func supportsNIP77(nips []any) bool {
	for _, nip := range nips {
		switch v := nip.(type) {
		case float64:
			if int(v) == 77 {
				return true
			}
		case int:
			if v == 77 {
				return true
			}
		case string:
			if v == "77" {
				return true
			}
		}
	}
	return false
}
