package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"gasrelay/config"
	"gasrelay/gateway/compat"
	"gasrelay/gateway/server"
	"gasrelay/observability/logging"
	telemetry "gasrelay/observability/otel"
	"gasrelay/relay/audit"
	"gasrelay/relay/burn"
	"gasrelay/relay/chain"
	"gasrelay/relay/oracle"
	"gasrelay/relay/pool"
	"gasrelay/relay/quotes"
	"gasrelay/relay/ratelimit"
	"gasrelay/relay/replay"
	"gasrelay/relay/service"
	"gasrelay/relay/txwire"
)

const (
	balanceRefreshEvery = 30 * time.Second
	sweepEvery          = 15 * time.Second
	shutdownGrace       = 10 * time.Second
	defaultAuditDSN     = "gasrelay-audit.db"
)

func main() {
	var cfgPath string
	var compatModeFlag string
	flag.StringVar(&cfgPath, "config", "", "path to relayd configuration")
	flag.StringVar(&compatModeFlag, "compat-mode", "", "override legacy path compatibility (enabled|disabled|auto)")
	flag.Parse()

	if err := run(cfgPath, compatModeFlag); err != nil {
		slog.Error("relayd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath, compatModeFlag string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var fileCfg *logging.FileConfig
	if strings.TrimSpace(cfg.LogFile.Path) != "" {
		fileCfg = &logging.FileConfig{
			Path:       cfg.LogFile.Path,
			MaxSizeMB:  cfg.LogFile.MaxSizeMB,
			MaxBackups: cfg.LogFile.MaxBackups,
			MaxAgeDays: cfg.LogFile.MaxAgeDays,
		}
	}
	logging.Setup("relayd", cfg.Environment, fileCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Traces || cfg.Telemetry.Metrics {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "relayd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				slog.Warn("relayd: telemetry shutdown", "error", err)
			}
		}()
	}

	compatMode, err := compat.ParseMode(firstNonEmpty(compatModeFlag, cfg.CompatMode))
	if err != nil {
		return err
	}

	chainClient, err := chain.NewClient(cfg.RPCURLs)
	if err != nil {
		return fmt.Errorf("chain client: %w", err)
	}

	payerPool, err := pool.New(cfg.FeePayerPrivateKeys, pool.Limits{
		MinHealthyBalance: cfg.MinHealthyBalance,
		MaxPerPayer:       cfg.MaxReservationsPerPayer,
		ReservationTTL:    cfg.ReservationTTL.Duration,
	})
	if err != nil {
		return fmt.Errorf("fee payer pool: %w", err)
	}
	refresher := pool.NewRefresher(payerPool, chainClient, balanceRefreshEvery)

	quoteStore, replayStore, err := openStores(cfg.StoreURL)
	if err != nil {
		return err
	}
	defer quoteStore.Close()
	defer replayStore.Close()
	guard := replay.NewGuard(replayStore, cfg.ReplayTTL.Duration)

	oracleClient := &http.Client{Timeout: cfg.OracleTimeout.Duration}
	oracleSource := oracle.NewHTTPSource(cfg.OracleURL, oracleClient)
	if url := strings.TrimSpace(cfg.EngagementURL); url != "" {
		oracleSource.WithEngagementBase(url)
	}
	oracleGateway := oracle.NewGateway(oracleSource)

	limiter := ratelimit.NewLimiter(
		ratelimit.Limits{Quotes: cfg.RateLimits.QuotePerWallet, Submits: cfg.RateLimits.SubmitPerWallet},
		ratelimit.Limits{Quotes: cfg.RateLimits.QuotePerIP, Submits: cfg.RateLimits.SubmitPerIP},
	)

	auditDSN := strings.TrimSpace(cfg.AuditDSN)
	if auditDSN == "" {
		auditDSN = defaultAuditDSN
	}
	auditSink, err := audit.NewSQLiteSink(auditDSN)
	if err != nil {
		return fmt.Errorf("audit sink: %w", err)
	}
	defer auditSink.Close()
	auditLog := audit.NewLog(auditSink)

	detector := ratelimit.NewDetector(anomalyFloors(cfg.Anomaly), func(alert ratelimit.Alert) {
		auditLog.Record(audit.NewEvent(audit.TypeAnomaly, "", "", "").
			WithDetail("anomaly_type", alert.Type).
			WithDetail("subject", alert.Subject).
			WithDetail("observed", fmt.Sprintf("%.0f", alert.Observed)).
			WithDetail("threshold", fmt.Sprintf("%.0f", alert.Threshold)))
	})
	detector.WithLearning(cfg.Anomaly.Learn)

	var ledger *burn.Ledger
	if path := strings.TrimSpace(cfg.BurnLedgerPath); path != "" {
		ledger, err = burn.Open(path)
		if err != nil {
			return fmt.Errorf("burn ledger: %w", err)
		}
		defer ledger.Close()
	}

	quoteSvc := service.NewQuoteService(service.FeeSchedule{
		BaseFeeLamports:       cfg.BaseFeeLamports,
		NetworkFeeLamports:    cfg.NetworkFeeLamports,
		PriorityMicroLamports: cfg.PriorityMicroLamports,
		DefaultComputeUnits:   cfg.DefaultComputeUnits,
		TreasuryRatio:         cfg.TreasuryRatio,
		QuoteTTL:              cfg.QuoteTTL.Duration,
	}, payerPool, quoteStore, oracleGateway, limiter, detector, auditLog)

	params := service.SubmitParams{
		MaxExpectedGas:  cfg.MaxExpectedGasLamports,
		ExplorerBaseURL: cfg.ExplorerBaseURL(),
	}
	if params.Treasury, err = txwire.ParsePubkey(cfg.TreasuryAddress); err != nil {
		return fmt.Errorf("treasury address: %w", err)
	}
	if sink := strings.TrimSpace(cfg.GasSinkAddress); sink != "" {
		key, err := txwire.ParsePubkey(sink)
		if err != nil {
			return fmt.Errorf("gas sink address: %w", err)
		}
		params.GasSink = &key
	}
	submitSvc := service.NewSubmitService(params, quoteStore, guard, payerPool, chainClient, limiter, detector, auditLog, ledger)
	submitSvc.WithConfirmer(service.NewConfirmer(ctx, chainClient))

	srv := server.New(server.Config{
		Network:        cfg.Network,
		Tokens:         cfg.Tokens,
		AllowedOrigins: cfg.AllowedOrigins,
		GlobalPerIP:    cfg.RateLimits.GlobalPerIP,
		MetricsAPIKey:  cfg.MetricsAPIKey,
		AdminJWTSecret: cfg.AdminJWTSecret,
		CompatMode:     compatMode,
	}, quoteSvc, submitSvc, payerPool, chainClient, quoteStore, oracleGateway, ledger)

	go refresher.Run(ctx)
	go guard.Run(ctx, sweepEvery)
	go auditLog.Run(ctx)
	go detector.Run(ctx)
	if sweeper, ok := quoteStore.(quotes.Sweeper); ok {
		go quotes.RunSweeper(ctx, sweeper, sweepEvery, time.Now)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(srv.Handler(), "relayd"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("relayd: listening",
			"addr", cfg.ListenAddress,
			"network", cfg.Network,
			"payers", len(cfg.FeePayerPrivateKeys),
			"endpoints", len(cfg.RPCURLs),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	slog.Info("relayd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if err := auditLog.Flush(shutdownCtx); err != nil {
		slog.Warn("relayd: final audit flush", "error", err)
	}
	return nil
}

// openStores picks the quote and replay backends: a filesystem path gets
// persistent LevelDB stores, an empty URL keeps everything in memory.
func openStores(storeURL string) (quotes.Store, replay.Store, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(storeURL), "leveldb://"))
	if trimmed == "" {
		return quotes.NewMemoryStore(), replay.NewMemoryStore(), nil
	}
	quoteStore, err := quotes.NewLevelDBStore(filepath.Join(trimmed, "quotes"))
	if err != nil {
		return nil, nil, fmt.Errorf("quote store: %w", err)
	}
	replayStore, err := replay.NewLevelDBStore(filepath.Join(trimmed, "replay"))
	if err != nil {
		quoteStore.Close()
		return nil, nil, fmt.Errorf("replay store: %w", err)
	}
	return quoteStore, replayStore, nil
}

func anomalyFloors(cfg config.Anomaly) map[string]float64 {
	return map[string]float64{
		"quote_volume":  float64(cfg.GlobalThreshold),
		"submit_volume": float64(cfg.GlobalThreshold),
		"wallet_volume": float64(cfg.WalletThreshold),
		"failure_rate":  float64(cfg.IPThreshold),
		"rate_limited":  float64(cfg.IPThreshold),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
