package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	cachering "go-cachering"

	"github.com/eiannone/keyboard"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var (
	clusterID        string
	nodeID           string
	address          string
	vnodeCount       int
	replicas         int
	softTTLFraction  float64
	lockTTL          time.Duration
	migrationTimeout time.Duration
	defaultTTL       time.Duration
	originLatency    time.Duration
	dbURL            string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "cachenode",
		Short: "A distributed cache node on a consistent hashing ring",
		Long: `Cachenode is a demonstration of the go-cachering library.
It places keys on a consistent hashing ring, fills cold keys from a slow
simulated origin at most once at a time, and migrates entries when nodes
join or leave. With --db it shares stampede locks and membership with other
cachenode processes through PostgreSQL.`,
		RunE: runNode,
	}

	rootCmd.Flags().StringVar(&clusterID, "cluster-id", "demo_cache", "Cluster identifier")
	rootCmd.Flags().StringVar(&nodeID, "node-id", "", "Node identifier (random when empty)")
	rootCmd.Flags().StringVar(&address, "address", "localhost:7000", "Address announced to other nodes")
	rootCmd.Flags().IntVar(&vnodeCount, "vnodes", 128, "Virtual nodes per unit of weight")
	rootCmd.Flags().IntVar(&replicas, "replicas", 1, "Replication factor reported by Locate")
	rootCmd.Flags().Float64Var(&softTTLFraction, "soft-ttl-fraction", 0.9, "Fraction of the TTL after which reads refresh ahead")
	rootCmd.Flags().DurationVar(&lockTTL, "lock-ttl", 10*time.Second, "Stampede lock time-to-live duration")
	rootCmd.Flags().DurationVar(&migrationTimeout, "migration-timeout", 30*time.Second, "Maximum time a range stays migrating")
	rootCmd.Flags().DurationVar(&defaultTTL, "default-ttl", 30*time.Second, "TTL of entries filled from the origin")
	rootCmd.Flags().DurationVar(&originLatency, "origin-latency", 200*time.Millisecond, "Latency of the simulated origin")
	rootCmd.Flags().StringVar(&dbURL, "db", "", "PostgreSQL connection URL (in-process locks and membership when empty)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// slowOrigin simulates a system of record with fixed latency.
type slowOrigin struct {
	latency time.Duration
	calls   atomic.Int64
}

func (o *slowOrigin) Fetch(ctx context.Context, key string) ([]byte, error) {
	o.calls.Add(1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(o.latency):
		return []byte(fmt.Sprintf("%s@%s", key, time.Now().Format(time.TimeOnly))), nil
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	var (
		ctx       = context.Background()
		origin    = &slowOrigin{latency: originLatency}
		locks     cachering.CoordinationStore
		discovery *cachering.Discovery
		lastBurst string
		extras    []string
	)

	if nodeID == "" {
		nodeID = "node-" + uuid.NewString()[0:8]
	}

	// Logs go to stderr so they don't get cleared by status updates
	var opts = []cachering.Option{
		cachering.WithVirtualNodes(vnodeCount),
		cachering.WithReplicationFactor(replicas),
		cachering.WithSoftTTLFraction(softTTLFraction),
		cachering.WithLockTTL(lockTTL),
		cachering.WithMigrationTimeout(migrationTimeout),
		cachering.WithDefaultTTL(defaultTTL),
		cachering.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))),
	}

	var db *sql.DB
	if dbURL != "" {
		fmt.Printf("Connecting to database...\n")
		var err error
		db, err = sql.Open("postgres", dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}

		store, err := cachering.NewPostgresLockStore(db, clusterID)
		if err != nil {
			return fmt.Errorf("failed to create lock store: %w", err)
		}
		locks = store
	}

	var cache = cachering.New(origin, locks, nil, opts...)
	if err := cache.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cache: %w", err)
	}

	var self = cachering.NodeMetadata{ID: nodeID, Address: address, Weight: 1}
	if db != nil {
		fmt.Printf("Joining cluster '%s' as %s...\n", clusterID, nodeID)
		discovery = cachering.NewDiscovery(db, clusterID, self, cache, opts...)
		if err := discovery.Start(ctx); err != nil {
			return fmt.Errorf("failed to start discovery: %w", err)
		}
	} else if err := cache.Join(ctx, self); err != nil {
		return fmt.Errorf("failed to join ring: %w", err)
	}

	fmt.Printf("✓ Node %s is serving\n\n", nodeID)
	printStatus(cache, origin, lastBurst)

	var ticker = time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if err := keyboard.Open(); err != nil {
		return fmt.Errorf("failed to initialize keyboard: %w", err)
	}
	defer keyboard.Close()

	var keyCh = make(chan rune)
	go func() {
		for {
			char, _, err := keyboard.GetKey()
			if err != nil {
				return
			}
			keyCh <- char
		}
	}()

	for {
		select {
		case <-ticker.C:
			printStatus(cache, origin, lastBurst)
		case key := <-keyCh:
			switch key {
			case 'j', 'J':
				var id = "local-" + uuid.NewString()[0:8]
				if err := cache.Join(ctx, cachering.NodeMetadata{ID: id, Weight: 1}); err != nil {
					fmt.Fprintf(os.Stderr, "❌ Failed to join %s: %v\n", id, err)
					break
				}
				extras = append(extras, id)
			case 'l', 'L':
				if len(extras) == 0 {
					break
				}
				var id = extras[len(extras)-1]
				if err := cache.Leave(ctx, id); err != nil {
					fmt.Fprintf(os.Stderr, "❌ Failed to remove %s: %v\n", id, err)
					break
				}
				extras = extras[:len(extras)-1]
			case 'h', 'H':
				lastBurst = hotKeyBurst(ctx, cache, origin)
			case 'i', 'I':
				if err := cache.Invalidate(ctx, "hot-key"); err != nil {
					fmt.Fprintf(os.Stderr, "❌ Failed to invalidate: %v\n", err)
				}
			case 'q', 'Q':
				fmt.Printf("\n\nShutting down gracefully...\n")
				if discovery != nil {
					if err := discovery.Stop(ctx); err != nil {
						return fmt.Errorf("failed to leave cluster: %w", err)
					}
				}
				var stopCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				if err := cache.Stop(stopCtx); err != nil {
					return fmt.Errorf("failed to stop cache: %w", err)
				}
				fmt.Printf("✓ Gracefully left cluster\n")
				return nil
			}
			printStatus(cache, origin, lastBurst)
		case sig := <-sigCh:
			fmt.Printf("\n\n💥 Received signal %v, crashing immediately (no cleanup)...\n", sig)
			os.Exit(1)
		}
	}
}

// hotKeyBurst fires 50 concurrent reads of one key and summarizes the outcome.
func hotKeyBurst(ctx context.Context, cache *cachering.Cache, origin *slowOrigin) string {
	const callers = 50

	var (
		before = origin.calls.Load()
		start  = time.Now()
		failed atomic.Int64
		wg     sync.WaitGroup
	)

	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := cache.Get(ctx, "hot-key"); err != nil {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	return fmt.Sprintf("%d concurrent gets in %s: %d origin calls, %d errors",
		callers, time.Since(start).Round(time.Millisecond), origin.calls.Load()-before, failed.Load())
}

func printStatus(cache *cachering.Cache, origin *slowOrigin, lastBurst string) {
	fmt.Print("\033[2J\033[H") // Clear screen and move cursor to top
	fmt.Println(cache.Ring().String())

	fmt.Printf("\nMembers:\n")
	for _, m := range cache.Members() {
		fmt.Printf("  %-20s %s\n", m.Node.ID, m.State)
	}

	var stats = cache.Stats()
	fmt.Printf("\nStats: hits=%d misses=%d stale=%d origin=%d lock_timeouts=%d degraded=%d migrated=%d incomplete=%d\n",
		stats.Hits, stats.Misses, stats.StaleServes, origin.calls.Load(),
		stats.LockTimeouts, stats.DegradedFetches, stats.MigrationCopies, stats.MigrationIncomplete)

	if lastBurst != "" {
		fmt.Printf("Last burst: %s\n", lastBurst)
	}

	fmt.Printf("\nControls:\n")
	fmt.Printf("  [j] Join a local node\n")
	fmt.Printf("  [l] Remove the last local node\n")
	fmt.Printf("  [h] Hot-key burst (50 concurrent gets)\n")
	fmt.Printf("  [i] Invalidate hot-key\n")
	fmt.Printf("  [q] Quit gracefully\n")
}
