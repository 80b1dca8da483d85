package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/offline-sync/internal/cache"
	"github.com/onnwee/offline-sync/internal/config"
	"github.com/onnwee/offline-sync/internal/integrity"
	"github.com/onnwee/offline-sync/internal/kvstore"
	"github.com/onnwee/offline-sync/internal/logger"
)

func main() {
	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
	repairCmd := flag.NewFlagSet("repair", flag.ExitOnError)
	statsCmd := flag.NewFlagSet("stats", flag.ExitOnError)
	sweepCmd := flag.NewFlagSet("sweep", flag.ExitOnError)

	repairDryRun := repairCmd.Bool("dry-run", false, "Show what would be repaired without changing anything")
	sweepMaxAge := sweepCmd.Duration("max-age", 0, "Remove entries older than this (default: SWEEP_MAX_AGE_MS)")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	_ = godotenv.Load()
	cfg := config.Load()
	logger.Init(cfg.LogLevel)

	ctx := context.Background()
	// read straight from the backend so the report reflects what is persisted
	kv, err := kvstore.Open(ctx, kvstore.Options{
		Backend: cfg.StorageBackend,
		DSN:     cfg.StorageDSN,
		Table:   cfg.StorageTable,
	})
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer kv.Close()

	store := cache.New(kv, cache.Options{DefaultMaxAge: cfg.CacheDefaultMaxAge})
	svc := integrity.NewService(kv, store)

	switch os.Args[1] {
	case "check":
		checkCmd.Parse(os.Args[2:])
		os.Exit(runCheck(ctx, svc))
	case "repair":
		repairCmd.Parse(os.Args[2:])
		runRepair(ctx, svc, *repairDryRun)
	case "stats":
		statsCmd.Parse(os.Args[2:])
		runStats(ctx, store)
	case "sweep":
		sweepCmd.Parse(os.Args[2:])
		maxAge := *sweepMaxAge
		if maxAge <= 0 {
			maxAge = cfg.SweepMaxAge
		}
		runSweep(ctx, store, maxAge)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Offline Sync - Storage Integrity Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  integrity check                    - Run all integrity checks")
	fmt.Println("  integrity repair [-dry-run]        - Remove corrupt entries and rebuild kind indexes")
	fmt.Println("  integrity stats                    - Show cache statistics")
	fmt.Println("  integrity sweep [-max-age 168h]    - Remove expired entries")
	fmt.Println()
	fmt.Println("Storage is selected with STORAGE_BACKEND and STORAGE_DSN.")
}

func runCheck(ctx context.Context, svc *integrity.Service) int {
	log.Println("Running integrity checks...")

	results, err := svc.CheckAll(ctx)
	if err != nil {
		log.Fatalf("Failed to run integrity checks: %v", err)
	}

	fmt.Println()
	fmt.Println("=== Integrity Check Results ===")
	fmt.Println()

	hasAnyIssues := false
	for _, result := range results {
		status := "✓ OK"
		if result.HasIssues {
			status = fmt.Sprintf("⚠ ISSUES FOUND: %d", result.IssueCount)
			hasAnyIssues = true
		}

		fmt.Printf("%-30s %s\n", result.CheckName+":", status)
		fmt.Printf("  %s\n", result.Details)
		for _, s := range result.Samples {
			fmt.Printf("    - %s\n", s)
		}
		fmt.Println()
	}

	if hasAnyIssues {
		fmt.Println("Run 'integrity repair' to fix issues")
		return 1
	}
	fmt.Println("All integrity checks passed!")
	return 0
}

func runRepair(ctx context.Context, svc *integrity.Service, dryRun bool) {
	if dryRun {
		log.Println("Running in DRY-RUN mode (no changes will be made)")
		results, err := svc.CheckAll(ctx)
		if err != nil {
			log.Fatalf("Failed to check integrity: %v", err)
		}

		fmt.Println()
		fmt.Println("=== Dry-Run: Would Repair ===")
		for _, result := range results {
			if result.HasIssues {
				fmt.Printf("%s: %d items\n", result.CheckName, result.IssueCount)
			}
		}
		return
	}

	startTime := time.Now()
	res, err := svc.Repair(ctx)
	if err != nil {
		log.Fatalf("Repair failed: %v", err)
	}
	fmt.Printf("Removed %d corrupt entries, rebuilt %d kind indexes in %v\n",
		res.CorruptRemoved, res.KindsIndexed, time.Since(startTime).Round(time.Millisecond))
}

func runStats(ctx context.Context, store *cache.Store) {
	stats, err := store.Stats(ctx)
	if err != nil {
		log.Fatalf("Failed to read cache stats: %v", err)
	}

	fmt.Println()
	fmt.Println("=== Cache Statistics ===")
	fmt.Println()
	fmt.Printf("%-20s %d\n", "Entries:", stats.TotalEntries)
	fmt.Printf("%-20s %d bytes\n", "Serialized size:", stats.TotalSizeBytes)
	fmt.Println()

	kinds := make([]string, 0, len(stats.PerKindCounts))
	for k := range stats.PerKindCounts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("  %-18s %d\n", k, stats.PerKindCounts[k])
	}
}

func runSweep(ctx context.Context, store *cache.Store, maxAge time.Duration) {
	log.Printf("Sweeping entries older than %v...", maxAge)
	removed, err := store.SweepExpired(ctx, maxAge)
	if err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}
	fmt.Printf("Removed %d expired entries\n", removed)
}
