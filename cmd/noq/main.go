package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/sandwichfarm/noq/internal/config"
	"github.com/sandwichfarm/noq/internal/identity"
	"github.com/sandwichfarm/noq/internal/nostr"
	"github.com/sandwichfarm/noq/internal/ops"
	"github.com/sandwichfarm/noq/internal/queue"
	"github.com/sandwichfarm/noq/internal/reconcile"
	"github.com/sandwichfarm/noq/internal/relay"
	"github.com/sandwichfarm/noq/internal/storage"
	"github.com/sandwichfarm/noq/internal/sync"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "manual"
)

func main() {
	// Define subcommands
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			handleInit()
			return
		case "enqueue":
			handleEnqueue(os.Args[2:])
			return
		case "status":
			handleStatus(os.Args[2:])
			return
		case "backup":
			handleBackup(os.Args[2:])
			return
		}
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("noq %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		fmt.Printf("  by:     %s\n", builtBy)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("noq - Offline-first Nostr action queue")
		fmt.Println()
		fmt.Println("No configuration file specified. Use --config <path> to specify config.")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  noq init                Generate example configuration")
		fmt.Println("  noq enqueue             Queue an action from the command line")
		fmt.Println("  noq status              Show queue and sync diagnostics")
		fmt.Println("  noq backup              Back up the queue and event cache databases")
		fmt.Println("  noq --version           Show version information")
		fmt.Println("  noq --config <path>     Start the sync daemon with configuration file")
		os.Exit(1)
	}

	// Load and validate configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting noq %s\n", version)
	fmt.Printf("  Identity: %s\n", cfg.Identity.Npub)
	fmt.Printf("  Queue: %s\n", cfg.Queue.DBPath)
	fmt.Println()

	// Run the application
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := ops.NewLogger(&cfg.Logging)
	ops.SetDefault(logger)

	// Resolve the identity the queue acts for
	fmt.Println("Resolving identity...")
	idCache, err := identity.NewCache(&cfg.Caching)
	if err != nil {
		return fmt.Errorf("failed to initialize identity cache: %w", err)
	}
	defer idCache.Close()
	resolver := identity.NewResolver(idCache, &cfg.Caching)

	owner, err := resolver.Resolve(ctx, cfg.Identity.Npub)
	if err != nil {
		return fmt.Errorf("failed to resolve identity: %w", err)
	}

	secretKey, err := decodeSecretKey(cfg.Identity.Nsec)
	if err != nil {
		return fmt.Errorf("signing key (%s): %w", cfg.Identity.NsecEnv, err)
	}
	fmt.Printf("  Acting as %s\n", owner)

	// Open the action queue
	fmt.Println("Opening action queue...")
	qs, err := queue.Open(ctx, &cfg.Queue)
	if err != nil {
		return fmt.Errorf("failed to open action queue: %w", err)
	}
	defer qs.Close()

	// Actions stuck in syncing from a previous crash go back to pending
	recovered, err := qs.ResetSyncing(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted actions: %w", err)
	}
	if recovered > 0 {
		fmt.Printf("  Recovered %d interrupted actions\n", recovered)
	}
	fmt.Println("  Action queue ready")

	// Initialize the event cache
	fmt.Println("Initializing event cache...")
	st, err := storage.New(ctx, &cfg.Events)
	if err != nil {
		return fmt.Errorf("failed to initialize event cache: %w", err)
	}
	defer st.Close()
	fmt.Printf("  Event cache: %s initialized\n", cfg.Events.Driver)

	// Initialize retention manager
	fmt.Println("Initializing retention manager...")
	retentionMgr := ops.NewRetentionManager(qs, st, &cfg.Queue.Retention, &cfg.Events, logger, owner)
	fmt.Println("  Retention manager ready")

	// Run prune on startup if configured
	if retentionMgr.ShouldPruneOnStart() {
		fmt.Println("  Running startup pruning...")
		deleted, err := retentionMgr.PruneAll(ctx)
		if err != nil {
			fmt.Printf("  ⚠ Startup pruning failed: %v\n", err)
		} else {
			fmt.Printf("  ✓ Startup pruning complete: %d rows deleted\n", deleted)
		}
	}

	// Start periodic pruning scheduler if configured
	if cfg.Queue.Retention.PruneIntervalHours > 0 {
		interval := time.Duration(cfg.Queue.Retention.PruneIntervalHours) * time.Hour
		retentionMgr.StartPruningScheduler(ctx, interval)
		fmt.Printf("  Periodic pruning enabled: every %d hours\n", cfg.Queue.Retention.PruneIntervalHours)
	}

	defer retentionMgr.Stop()

	// Initialize relay plumbing
	fmt.Println("Connecting relay pool...")
	client := nostr.New(ctx, &cfg.Relays)
	defer client.Close()

	capabilities := nostr.NewCapabilities()
	discovery := nostr.NewDiscovery(client, st, owner, logger)
	health := nostr.NewHealthTracker(qs, cfg.Relays.Seeds)
	publisher := nostr.NewPublisher(client, discovery, health, logger)
	fmt.Printf("  Seed relays: %d\n", len(cfg.Relays.Seeds))

	// Initialize event building
	lookup := sync.NewLookup(st, client, discovery, logger)
	builder, err := sync.NewBuilder(secretKey, lookup)
	if err != nil {
		return fmt.Errorf("failed to initialize event builder: %w", err)
	}
	if builder.Pubkey() != owner {
		return fmt.Errorf("signing key does not match identity.npub")
	}

	// Start own-event backfill
	backfill := sync.NewBackfill(st, client, discovery, qs, capabilities, &cfg.Syncer.Backfill, owner, logger)
	backfill.Start(ctx)
	defer backfill.Stop()

	// Start the sync runner
	fmt.Println("Starting sync runner...")
	runner := sync.NewRunner(qs, builder, publisher, st, &cfg.Syncer, &cfg.Relays.Policy, logger)
	if err := runner.Start(); err != nil {
		return fmt.Errorf("failed to start sync runner: %w", err)
	}
	defer runner.Stop()
	fmt.Printf("  Sync runner started: %d workers\n", cfg.Syncer.Workers)

	// Local relay server
	var servers []interface{ Stop() error }

	if cfg.LocalRelay.Enabled {
		fmt.Printf("Starting local relay on %s...\n", cfg.LocalRelay.Bind)
		localRelay := relay.New(&cfg.LocalRelay, st, owner, logger)
		if err := localRelay.Start(); err != nil {
			return fmt.Errorf("failed to start local relay: %w", err)
		}
		servers = append(servers, localRelay)
		fmt.Println("  Local relay ready")
	}

	collector := ops.NewDiagnosticsCollector(version, commit, qs, st)

	logger.LogStartup(version, commit, map[string]interface{}{
		"identity":    owner,
		"queue_db":    cfg.Queue.DBPath,
		"workers":     cfg.Syncer.Workers,
		"backfill":    cfg.Syncer.Backfill.Enabled,
		"local_relay": cfg.LocalRelay.Enabled,
	})

	fmt.Println()
	fmt.Println("✓ All services started successfully!")
	fmt.Println()
	fmt.Println("Press Ctrl+C to shutdown gracefully...")

	// Wait for interrupt signal. SIGUSR1 dumps diagnostics without stopping.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)

	for sig := range sigChan {
		if sig == syscall.SIGUSR1 {
			printDiagnostics(ctx, collector)
			continue
		}
		logger.LogShutdown(sig.String())
		break
	}

	fmt.Println()
	fmt.Println("Shutting down gracefully...")

	// Stop all servers
	for _, server := range servers {
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
		}
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}

	// Write to stdout
	fmt.Print(string(exampleConfig))
}

// handleEnqueue queues a single action against the configured queue
// database. The sync daemon picks it up on its next drain.
func handleEnqueue(args []string) {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "Path to configuration file")
		actionType = fs.String("type", "", "Action type: like|unlike|follow|unfollow|repost|unrepost")
		target     = fs.String("target", "", "Target event id, or pubkey for follow actions (hex)")
		author     = fs.String("author", "", "Target event author pubkey (hex, optional)")
		addr       = fs.String("addr", "", "Addressable id kind:pubkey:d-tag (optional)")
		kind       = fs.Int("kind", 0, "Target event kind (optional)")
	)
	fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	ctx := context.Background()

	owner := mustResolveOwner(ctx, cfg)

	qs, err := queue.Open(ctx, &cfg.Queue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening action queue: %v\n", err)
		os.Exit(1)
	}
	defer qs.Close()

	res, err := qs.Enqueue(ctx, &queue.PendingAction{
		ActionType:    queue.ActionType(*actionType),
		TargetID:      *target,
		UserPubkey:    owner,
		AuthorPubkey:  *author,
		AddressableID: *addr,
		TargetKind:    *kind,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error queueing action: %v\n", err)
		os.Exit(1)
	}

	switch res.Outcome {
	case queue.OutcomeCancelled:
		fmt.Printf("Cancelled opposite pending action %s\n", res.CancelledID)
	case queue.OutcomeReplaced:
		fmt.Printf("Replaced pending action %s\n", res.Action.ID)
	default:
		fmt.Printf("Queued action %s\n", res.Action.ID)
	}
}

// handleStatus prints a diagnostics snapshot plus the reconciled
// liked/reposted/followed sets as the client would see them offline.
func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	ctx := context.Background()

	qs, err := queue.Open(ctx, &cfg.Queue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening action queue: %v\n", err)
		os.Exit(1)
	}
	defer qs.Close()

	st, err := storage.New(ctx, &cfg.Events)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening event cache: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	collector := ops.NewDiagnosticsCollector(version, commit, qs, st)
	printDiagnostics(ctx, collector)

	// Reconciled sets from the local cache and queue only, no relay round trips
	owner := mustResolveOwner(ctx, cfg)
	rec := reconcile.New(st, nil, nil, qs)

	fmt.Println("--- Reconciled Sets ---")
	liked, err := rec.LikedSet(ctx, owner)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reconciling liked set: %v\n", err)
	} else {
		fmt.Printf("Liked: %d\n", len(liked))
	}
	reposted, err := rec.RepostSet(ctx, owner)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reconciling repost set: %v\n", err)
	} else {
		fmt.Printf("Reposted: %d\n", len(reposted))
	}
	followed, err := rec.FollowSet(ctx, owner)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reconciling follow set: %v\n", err)
	} else {
		fmt.Printf("Followed: %d\n", len(followed))
	}
}

// handleBackup copies the queue and event cache databases to a destination
// directory using the online backup APIs, safe while the daemon runs.
func handleBackup(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "Path to configuration file")
		dest       = fs.String("dest", "", "Destination directory (default: alongside the databases)")
	)
	fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	ctx := context.Background()

	qs, err := queue.Open(ctx, &cfg.Queue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening action queue: %v\n", err)
		os.Exit(1)
	}
	defer qs.Close()

	st, err := storage.New(ctx, &cfg.Events)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening event cache: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	logger := ops.NewLogger(&cfg.Logging)
	backupMgr := ops.NewBackupManager(qs, st, logger)

	var paths []string
	if *dest != "" {
		paths, err = backupMgr.BackupAllTo(ctx, *dest)
	} else {
		paths, err = backupMgr.BackupAll(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error backing up: %v\n", err)
		os.Exit(1)
	}

	for _, path := range paths {
		fmt.Printf("✓ Backed up %s\n", path)
	}
	fmt.Println()
	fmt.Print(ops.RestoreInstructions(paths[0], cfg.Queue.DBPath))
}

func printDiagnostics(ctx context.Context, collector *ops.DiagnosticsCollector) {
	diag, err := collector.CollectAll(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error collecting diagnostics: %v\n", err)
		return
	}
	fmt.Print(diag.FormatAsText())
}

func mustLoadConfig(path string) *config.Config {
	if path == "" {
		fmt.Fprintln(os.Stderr, "No configuration file specified. Use --config <path>.")
		os.Exit(1)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func mustResolveOwner(ctx context.Context, cfg *config.Config) string {
	idCache, err := identity.NewCache(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing identity cache: %v\n", err)
		os.Exit(1)
	}
	resolver := identity.NewResolver(idCache, &cfg.Caching)
	owner, err := resolver.Resolve(ctx, cfg.Identity.Npub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving identity: %v\n", err)
		os.Exit(1)
	}
	return owner
}

// decodeSecretKey accepts the signing key as either an nsec or raw hex and
// returns the hex form the event builder signs with.
func decodeSecretKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", fmt.Errorf("not set")
	}
	if strings.HasPrefix(key, "nsec1") {
		prefix, value, err := nip19.Decode(key)
		if err != nil {
			return "", fmt.Errorf("failed to decode nsec: %w", err)
		}
		if prefix != "nsec" {
			return "", fmt.Errorf("expected an nsec key, got %s", prefix)
		}
		return value.(string), nil
	}
	if len(key) == 64 {
		return strings.ToLower(key), nil
	}
	return "", fmt.Errorf("must be an nsec or 64-character hex key")
}
