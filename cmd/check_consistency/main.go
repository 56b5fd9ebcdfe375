package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"positionSyncBot/config"
	"positionSyncBot/internal/adapters/logger"
	"positionSyncBot/internal/adapters/redisstore"
	"positionSyncBot/internal/adapters/sqlite"
	"positionSyncBot/internal/ports"
	"positionSyncBot/internal/reconcile"
)

var (
	strategyFlag = flag.String("strategy", "", "check a single strategy (default: all configured)")
	jsonFlag     = flag.Bool("json", false, "print reports as JSON")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger (stderr, reports go to stdout)
	appLogger := logger.NewZeroLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	// 3. Open the stored tiers
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer repo.Close()

	var cache ports.StateCache
	if cfg.RedisAddr != "" {
		store, err := redisstore.New(redisstore.Config{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			KeyPrefix:   cfg.RedisKeyPrefix,
			TTL:         cfg.CacheTTL,
			DialTimeout: 5 * time.Second,
			Logger:      appLogger,
		})
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize cache: %v", err)
		}
		defer store.Close()
		cache = store
	}

	// The in-memory tier only exists inside the running service.
	checker := reconcile.NewChecker(repo, cache, nil, cfg.SizeEpsilon)

	ids := cfg.StrategyIDs()
	if *strategyFlag != "" {
		ids = []string{*strategyFlag}
	}

	var reports []*reconcile.ConsistencyReport
	failed := false
	for _, id := range ids {
		report, err := checker.Check(ctx, id)
		if err != nil {
			appLogger.Error(ctx, err, "Consistency check failed", map[string]interface{}{"strategyID": id})
			failed = true
			continue
		}
		if !report.Consistent {
			failed = true
		}
		reports = append(reports, report)
	}

	if *jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			log.Fatalf("Error encoding reports: %v", err)
		}
	} else {
		printReports(reports)
	}

	if failed {
		os.Exit(1)
	}
}

func printReports(reports []*reconcile.ConsistencyReport) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "STRATEGY\tCONSISTENT\tMISMATCHES\tMISSING\tERRORS")
	for _, r := range reports {
		fields := make([]string, 0, len(r.Mismatches))
		for _, m := range r.Mismatches {
			fields = append(fields, fmt.Sprintf("%s(db=%v cache=%v)", m.Field, m.Database, m.Cache))
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n",
			r.StrategyID,
			r.Consistent,
			orDash(strings.Join(fields, ", ")),
			orDash(strings.Join(r.Missing, ", ")),
			orDash(strings.Join(r.Errors, "; ")),
		)
	}
	w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
