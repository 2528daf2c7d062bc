package ops

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/sandwichfarm/noq/internal/queue"
	"github.com/sandwichfarm/noq/internal/storage"
)

// SystemStats contains overall system statistics
type SystemStats struct {
	Version   string
	Commit    string
	Uptime    time.Duration
	StartTime time.Time

	// Runtime stats
	GoVersion       string
	NumGoroutines   int
	MemAllocMB      float64
	MemTotalAllocMB float64
	MemSysMB        float64
	NumGC           uint32
}

// QueueStats contains action queue statistics
type QueueStats struct {
	Pending          int
	Syncing          int
	Failed           int
	Completed        int
	OldestPendingAge time.Duration
	DatabaseSizeMB   float64
}

// CacheStats contains event cache statistics
type CacheStats struct {
	Enabled        bool
	Driver         string
	DatabaseSizeMB float64
}

// SyncStats contains backfill cursor statistics
type SyncStats struct {
	Cursors []CursorInfo
}

// CursorInfo contains cursor information for a relay/kind pair
type CursorInfo struct {
	Relay   string
	Kind    int
	Since   int64
	Updated time.Time
}

// RelayHealth contains health information for a relay
type RelayHealth struct {
	URL           string
	FailureStreak int
	LastSuccess   *time.Time
	LastFailure   *time.Time
	LastError     string
}

// DiagnosticsCollector collects system diagnostics
type DiagnosticsCollector struct {
	version   string
	commit    string
	startTime time.Time
	queue     *queue.Store
	events    *storage.Storage
}

// NewDiagnosticsCollector creates a new diagnostics collector. events may
// be nil when the event cache is not in use.
func NewDiagnosticsCollector(version, commit string, qs *queue.Store, events *storage.Storage) *DiagnosticsCollector {
	return &DiagnosticsCollector{
		version:   version,
		commit:    commit,
		startTime: time.Now(),
		queue:     qs,
		events:    events,
	}
}

// CollectSystemStats collects system-level statistics
func (d *DiagnosticsCollector) CollectSystemStats() *SystemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &SystemStats{
		Version:   d.version,
		Commit:    d.commit,
		Uptime:    time.Since(d.startTime),
		StartTime: d.startTime,

		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
		MemAllocMB:      float64(m.Alloc) / 1024 / 1024,
		MemTotalAllocMB: float64(m.TotalAlloc) / 1024 / 1024,
		MemSysMB:        float64(m.Sys) / 1024 / 1024,
		NumGC:           m.NumGC,
	}
}

// CollectQueueStats collects action queue statistics
func (d *DiagnosticsCollector) CollectQueueStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}

	counts, err := d.queue.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue actions: %w", err)
	}
	stats.Pending = counts[queue.StatusPending]
	stats.Syncing = counts[queue.StatusSyncing]
	stats.Failed = counts[queue.StatusFailed]
	stats.Completed = counts[queue.StatusCompleted]

	oldest, ok, err := d.queue.OldestPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find oldest pending action: %w", err)
	}
	if ok {
		stats.OldestPendingAge = time.Since(oldest)
	}

	stats.DatabaseSizeMB = fileSizeMB(d.queue.Path())

	return stats, nil
}

// CollectCacheStats collects event cache statistics
func (d *DiagnosticsCollector) CollectCacheStats(ctx context.Context) (*CacheStats, error) {
	if d.events == nil {
		return &CacheStats{Enabled: false}, nil
	}

	return &CacheStats{
		Enabled:        true,
		Driver:         d.events.Driver(),
		DatabaseSizeMB: fileSizeMB(d.events.Path()),
	}, nil
}

// CollectSyncStats collects backfill cursor positions
func (d *DiagnosticsCollector) CollectSyncStats(ctx context.Context) (*SyncStats, error) {
	states, err := d.queue.ListSyncStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync cursors: %w", err)
	}

	stats := &SyncStats{
		Cursors: make([]CursorInfo, 0, len(states)),
	}
	for _, s := range states {
		stats.Cursors = append(stats.Cursors, CursorInfo{
			Relay:   s.Relay,
			Kind:    s.Kind,
			Since:   s.Since,
			Updated: time.Unix(s.UpdatedAt, 0).UTC(),
		})
	}

	return stats, nil
}

// CollectRelayHealth collects relay health information
func (d *DiagnosticsCollector) CollectRelayHealth(ctx context.Context) ([]RelayHealth, error) {
	rows, err := d.queue.ListRelayHealth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list relay health: %w", err)
	}

	health := make([]RelayHealth, 0, len(rows))
	for _, row := range rows {
		h := RelayHealth{
			URL:           row.Relay,
			FailureStreak: row.FailureStreak,
			LastError:     row.LastError,
		}
		if row.LastSuccessAt > 0 {
			t := time.Unix(row.LastSuccessAt, 0).UTC()
			h.LastSuccess = &t
		}
		if row.LastFailureAt > 0 {
			t := time.Unix(row.LastFailureAt, 0).UTC()
			h.LastFailure = &t
		}
		health = append(health, h)
	}

	sort.Slice(health, func(i, j int) bool { return health[i].URL < health[j].URL })

	return health, nil
}

// CollectAll collects all diagnostic information
func (d *DiagnosticsCollector) CollectAll(ctx context.Context) (*Diagnostics, error) {
	diag := &Diagnostics{
		CollectedAt: time.Now(),
	}

	diag.System = d.CollectSystemStats()

	queueStats, err := d.CollectQueueStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect queue stats: %w", err)
	}
	diag.Queue = queueStats

	cacheStats, err := d.CollectCacheStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect cache stats: %w", err)
	}
	diag.Cache = cacheStats

	syncStats, err := d.CollectSyncStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect sync stats: %w", err)
	}
	diag.Sync = syncStats

	relayHealth, err := d.CollectRelayHealth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect relay health: %w", err)
	}
	diag.Relays = relayHealth

	return diag, nil
}

// Diagnostics contains all diagnostic information
type Diagnostics struct {
	CollectedAt time.Time
	System      *SystemStats
	Queue       *QueueStats
	Cache       *CacheStats
	Sync        *SyncStats
	Relays      []RelayHealth
}

// FormatAsText formats diagnostics as plain text
func (d *Diagnostics) FormatAsText() string {
	var out string

	out += fmt.Sprintf("=== noq Diagnostics ===\n")
	out += fmt.Sprintf("Collected: %s\n\n", d.CollectedAt.Format(time.RFC3339))

	out += fmt.Sprintf("--- System ---\n")
	out += fmt.Sprintf("Version: %s (%s)\n", d.System.Version, d.System.Commit)
	out += fmt.Sprintf("Uptime: %s\n", d.System.Uptime.Round(time.Second))
	out += fmt.Sprintf("Go Version: %s\n", d.System.GoVersion)
	out += fmt.Sprintf("Goroutines: %d\n", d.System.NumGoroutines)
	out += fmt.Sprintf("Memory: %.2f MB allocated, %.2f MB system\n", d.System.MemAllocMB, d.System.MemSysMB)
	out += fmt.Sprintf("GC Runs: %d\n\n", d.System.NumGC)

	out += fmt.Sprintf("--- Action Queue ---\n")
	out += fmt.Sprintf("Pending: %d\n", d.Queue.Pending)
	out += fmt.Sprintf("Syncing: %d\n", d.Queue.Syncing)
	out += fmt.Sprintf("Failed: %d\n", d.Queue.Failed)
	out += fmt.Sprintf("Completed: %d\n", d.Queue.Completed)
	if d.Queue.OldestPendingAge > 0 {
		out += fmt.Sprintf("Oldest Pending: %s ago\n", d.Queue.OldestPendingAge.Round(time.Second))
	}
	out += fmt.Sprintf("Database Size: %.2f MB\n\n", d.Queue.DatabaseSizeMB)

	out += fmt.Sprintf("--- Event Cache ---\n")
	out += fmt.Sprintf("Enabled: %v\n", d.Cache.Enabled)
	if d.Cache.Enabled {
		out += fmt.Sprintf("Driver: %s\n", d.Cache.Driver)
		out += fmt.Sprintf("Database Size: %.2f MB\n", d.Cache.DatabaseSizeMB)
	}
	out += "\n"

	out += fmt.Sprintf("--- Backfill Cursors ---\n")
	if len(d.Sync.Cursors) == 0 {
		out += fmt.Sprintf("No cursors recorded\n")
	}
	for _, c := range d.Sync.Cursors {
		out += fmt.Sprintf("%s kind %d: since=%d updated=%s\n",
			c.Relay, c.Kind, c.Since, c.Updated.Format(time.RFC3339))
	}
	out += "\n"

	if len(d.Relays) > 0 {
		out += fmt.Sprintf("--- Relay Health ---\n")
		for _, relay := range d.Relays {
			out += fmt.Sprintf("%s: failure streak %d\n", relay.URL, relay.FailureStreak)
			if relay.LastSuccess != nil {
				out += fmt.Sprintf("  Last Success: %s\n", relay.LastSuccess.Format(time.RFC3339))
			}
			if relay.LastFailure != nil {
				out += fmt.Sprintf("  Last Failure: %s\n", relay.LastFailure.Format(time.RFC3339))
			}
			if relay.LastError != "" {
				out += fmt.Sprintf("  Last Error: %s\n", relay.LastError)
			}
		}
	}

	return out
}

// fileSizeMB returns the size of a file in megabytes, or 0 when the file
// does not exist.
func fileSizeMB(path string) float64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return float64(info.Size()) / 1024 / 1024
}
