package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"positionSyncBot/config"
	"positionSyncBot/internal/analytics"
	"positionSyncBot/internal/adapters/binanceclient"
	"positionSyncBot/internal/adapters/logger"
	"positionSyncBot/internal/adapters/memory"
	"positionSyncBot/internal/adapters/sqlite"
	"positionSyncBot/internal/app"
	"positionSyncBot/internal/utils"
)

var (
	strategyFlag = flag.String("strategy", "", "rebuild a single strategy (default: all configured)")
	ingestFlag   = flag.Bool("ingest", true, "fetch new fills and funding from the exchange before rebuilding")
	outDirFlag   = flag.String("out", "", "directory to export completed trades as CSV (optional)")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewZeroLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	// 3. Initialize Repository
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer repo.Close()

	// 4. Initialize Exchange Client
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	// 5. Initialize Application Service (no cache, no metrics)
	svc, err := app.NewSyncService(cfg, appLogger, binanceClient, repo, nil, memory.NewStore(), nil)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize sync service: %v", err)
	}
	if err := svc.RegisterStrategies(ctx); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	if *ingestFlag {
		if err := binanceClient.SetServerTime(ctx); err != nil {
			log.Fatalf("FATAL: Failed to synchronize server time: %v", err)
		}
	}

	ids := cfg.StrategyIDs()
	if *strategyFlag != "" {
		ids = []string{*strategyFlag}
	}

	failed := false
	for _, id := range ids {
		if *ingestFlag {
			if err := svc.SyncTrades(ctx, id); err != nil {
				appLogger.Error(ctx, err, "Trade sync failed", map[string]interface{}{"strategyID": id})
				failed = true
				continue
			}
		} else if _, err := svc.RebuildTrades(ctx, id); err != nil {
			appLogger.Error(ctx, err, "Trade rebuild failed", map[string]interface{}{"strategyID": id})
			failed = true
			continue
		}

		trades, err := repo.FindTradesByStrategy(ctx, id, 0)
		if err != nil {
			appLogger.Error(ctx, err, "Error loading trades", map[string]interface{}{"strategyID": id})
			failed = true
			continue
		}
		printSummary(id, analytics.Summarize(trades))

		if *outDirFlag == "" {
			continue
		}
		filename := filepath.Join(*outDirFlag, fmt.Sprintf("%s_trades_%s.csv", id, time.Now().UTC().Format("20060102")))
		if err := utils.WriteTradesToCSV(trades, filename); err != nil {
			appLogger.Error(ctx, err, "Error writing CSV", map[string]interface{}{"filename": filename})
			failed = true
			continue
		}
		appLogger.Info(ctx, "Saved to", map[string]interface{}{"filename": filename, "trades": len(trades)})
	}

	if failed {
		os.Exit(1)
	}
}

func printSummary(strategyID string, s *analytics.Summary) {
	fmt.Printf("\nStrategy: %s\n", strategyID)
	fmt.Printf("Trades: %d  Win rate: %.2f%%  Net PnL: %.4f  Fees: %.4f (estimated on %d)  Funding: %.4f\n",
		s.TotalTrades, s.WinRate*100, s.NetPNL, s.TotalFees, s.EstimatedFeeTrades, s.TotalFunding)
	fmt.Printf("Profit factor: %.2f  Max drawdown: %.4f  Avg hold: %s\n",
		s.ProfitFactor, s.MaxDrawdown, s.AverageHoldTime.Round(time.Second))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "Close Reason\tCount\tTotal PnL\tAvg PnL\t")
	for _, reason := range s.CloseReasons() {
		rs := s.ByCloseReason[reason]
		fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f\t\n", reason, rs.Count, rs.PNL, rs.Average())
	}
	w.Flush()
}
