// Command tmfautotrader is the process entrypoint: it loads configuration,
// opens the embedded database, wires every collaborator (safety, calendar,
// preflight, risk, OMS, gateway, ingest, notify, health, reconcile), and
// runs until an interrupt or terminate signal asks it to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Minstyle11/tmf-autotrader/internal/bars"
	"github.com/Minstyle11/tmf-autotrader/internal/calendar"
	"github.com/Minstyle11/tmf-autotrader/internal/config"
	"github.com/Minstyle11/tmf-autotrader/internal/cost"
	"github.com/Minstyle11/tmf-autotrader/internal/eventstore"
	"github.com/Minstyle11/tmf-autotrader/internal/gateway"
	"github.com/Minstyle11/tmf-autotrader/internal/health"
	"github.com/Minstyle11/tmf-autotrader/internal/ingest"
	"github.com/Minstyle11/tmf-autotrader/internal/metrics"
	"github.com/Minstyle11/tmf-autotrader/internal/notify"
	"github.com/Minstyle11/tmf-autotrader/internal/oms"
	"github.com/Minstyle11/tmf-autotrader/internal/preflight"
	"github.com/Minstyle11/tmf-autotrader/internal/reconcile"
	"github.com/Minstyle11/tmf-autotrader/internal/risk"
	"github.com/Minstyle11/tmf-autotrader/internal/safety"
	"github.com/Minstyle11/tmf-autotrader/internal/statestore"
	"github.com/Minstyle11/tmf-autotrader/internal/strategy"
	"github.com/Minstyle11/tmf-autotrader/internal/taxonomy"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	log := newLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "error", err)
		os.Exit(1)
	}

	release, err := acquireSingleInstanceLock(cfg.Store.LockDir)
	if err != nil {
		log.Error("acquire single-instance lock", "error", err)
		os.Exit(1)
	}
	defer release()

	db, err := statestore.Open(cfg.Store.DatabasePath)
	if err != nil {
		log.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	events, err := eventstore.New(db)
	if err != nil {
		log.Error("init event store", "error", err)
		os.Exit(1)
	}
	state, err := statestore.New(db)
	if err != nil {
		log.Error("init state store", "error", err)
		os.Exit(1)
	}
	barStore, err := bars.New(db)
	if err != nil {
		log.Error("init bar store", "error", err)
		os.Exit(1)
	}

	metricsReader := metrics.New(events, barStore, cfg.Safety.BidAskKind, 14)
	barBuilder := bars.NewBuilder(events, barStore)

	notifier := notify.New(cfg.Notify)
	safetyEng := safety.New(cfg.Safety, events, state).WithNotifier(notifier)
	calGate := calendar.New(cfg.Calendar)
	preGate := preflight.New(cfg.Preflight)
	riskEng := risk.New(cfg.Risk, state)
	costModel := cost.NewModel(cfg.Cost.TaxRate, cfg.Cost.FeePerSideBySymbol, cfg.Cost.MultiplierBySymbol)
	omsEngine := oms.New(state, costModel, cfg.Risk.PointValueBySymbol)

	policy, err := taxonomy.LoadPolicy(cfg.Gateway.RejectPolicyPath)
	if err != nil {
		log.Error("load reject policy", "error", err)
		os.Exit(1)
	}

	gw := gateway.New(cfg.Gateway, safetyEng, calGate, preGate, riskEng, omsEngine, state, policy, metricsReader, log)
	runner := strategy.New(gw, "default", log)
	_ = runner // wired for a concrete signal source to attach via Runner.Run

	recon := reconcile.New(state, events)
	_ = recon // constructed only; no loop below calls DailyReport or DriftReport

	healthSrv := health.New(cfg.Health, state, log)
	if cfg.Health.Enabled {
		healthSrv.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Ingest.WSURL != "" {
		feed := ingest.NewFeed(cfg.Ingest.WSURL, cfg.Ingest.QueueCapacity, log)
		ingestor := ingest.New(feed, events, log)
		go ingestor.Run(ctx)
	}

	go runHealthSnapshotLoop(ctx, healthSrv, log)
	go runBarBuildLoop(ctx, barBuilder, log)

	log.Info("tmfautotrader started", "database", cfg.Store.DatabasePath, "dry_run", cfg.DryRun)
	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cfg.Health.Enabled {
		if err := healthSrv.Stop(shutdownCtx); err != nil {
			log.Error("stop health server", "error", err)
		}
	}
}

func newLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler)
}

// runHealthSnapshotLoop records a health-check row every minute.
func runHealthSnapshotLoop(ctx context.Context, srv *health.Server, log *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := srv.Snapshot(ctx, "periodic"); err != nil {
				log.Error("health snapshot failed", "error", err)
			}
		}
	}
}

// runBarBuildLoop aggregates newly ingested ticks into 1-minute bars every
// few seconds, tracking its own watermark across iterations.
func runBarBuildLoop(ctx context.Context, builder *bars.Builder, log *slog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var watermark int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, err := builder.Build(ctx, watermark, 2000)
			if err != nil {
				log.Error("bar build failed", "error", err)
				continue
			}
			watermark = next
		}
	}
}

// acquireSingleInstanceLock ensures only one process trades against a given
// database at a time. The lock file is created exclusively and holds the
// current pid; a stale lock from a crashed process must be removed by hand
// before restarting, matching the teacher's fail-loud posture for
// unexpected existing state.
func acquireSingleInstanceLock(lockDir string) (func(), error) {
	if lockDir == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lockPath := filepath.Join(lockDir, "tmfautotrader.lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("another instance appears to be running (lock file %s exists): %w", lockPath, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return func() { os.Remove(lockPath) }, nil
}
