package nostr

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// RelayList is a parsed NIP-65 relay list. A relay may appear on both
// sides.
type RelayList struct {
	Read  []string
	Write []string
}

// ParseRelayList extracts read and write relays from a NIP-65 kind 10002
// event. Malformed and duplicate r tags are skipped.
func ParseRelayList(event *nostr.Event) (*RelayList, error) {
	if event.Kind != 10002 {
		return nil, fmt.Errorf("expected kind 10002, got %d", event.Kind)
	}

	list := &RelayList{}
	seen := make(map[string]bool, len(event.Tags))

	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}

		relay := strings.TrimSpace(tag[1])
		if relay == "" || !nostr.IsValidRelayURL(relay) {
			continue
		}
		if seen[relay] {
			continue
		}
		seen[relay] = true

		canRead, canWrite := true, true
		if len(tag) >= 3 {
			switch strings.ToLower(tag[2]) {
			case "read":
				canWrite = false
			case "write":
				canRead = false
			}
		}

		if canRead {
			list.Read = append(list.Read, relay)
		}
		if canWrite {
			list.Write = append(list.Write, relay)
		}
	}

	return list, nil
}
