// Package health exposes the platform's liveness as Prometheus gauges and
// counters over HTTP, and records periodic health-check snapshots
// (including the process's dev-override environment variables) into the
// State Store for the reconciler's daily report.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Minstyle11/tmf-autotrader/internal/config"
	"github.com/Minstyle11/tmf-autotrader/internal/domain"
	"github.com/Minstyle11/tmf-autotrader/internal/statestore"
)

// devOverrideEnvVars are recorded verbatim in every health-check snapshot so
// a reconciler reading the audit trail can tell whether a session ran with
// any dev bypass active.
var devOverrideEnvVars = []string{
	"TMF_DEV_ALLOW_STALE_BIDASK",
	"TMF_DEV_MAX_BIDASK_AGE_SECONDS",
	"TMF_IGNORE_MARKET_CALENDAR",
	"TMF_DRY_RUN",
}

// Server exposes /metrics and periodically snapshots process health into
// the State Store.
type Server struct {
	http  *http.Server
	state *statestore.Store
	log   *slog.Logger

	registry      *prometheus.Registry
	killGauge     prometheus.Gauge
	cooldownGauge prometheus.Gauge
	ordersTotal   *prometheus.CounterVec
	rejectsTotal  *prometheus.CounterVec
}

// New builds a Server bound to cfg.Port. Start does not begin listening
// until Start is called, matching the teacher's server-construction-is-not-
// server-start convention.
func New(cfg config.HealthConfig, state *statestore.Store, log *slog.Logger) *Server {
	registry := prometheus.NewRegistry()

	killGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tmf_kill_switch_enabled",
		Help: "1 if the kill switch is currently engaged, 0 otherwise.",
	})
	cooldownGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tmf_cooldown_active",
		Help: "1 if a cooldown is currently active, 0 otherwise.",
	})
	ordersTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tmf_orders_total",
		Help: "Count of orders persisted by the gateway, by status.",
	}, []string{"status"})
	rejectsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tmf_rejects_total",
		Help: "Count of rejected intents, by verdict code.",
	}, []string{"code"})

	registry.MustRegister(killGauge, cooldownGauge, ordersTotal, rejectsTotal)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s := &Server{
		http:          &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux},
		state:         state,
		log:           log.With("component", "health"),
		registry:      registry,
		killGauge:     killGauge,
		cooldownGauge: cooldownGauge,
		ordersTotal:   ordersTotal,
		rejectsTotal:  rejectsTotal,
	}
	return s
}

// Start begins serving /metrics in a background goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics server failed", "error", err)
		}
	}()
}

// Stop gracefully shuts the metrics server down within a bounded deadline.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// RecordOrder increments the order counter for a terminal status.
func (s *Server) RecordOrder(status domain.OrderStatus) {
	s.ordersTotal.WithLabelValues(string(status)).Inc()
}

// RecordReject increments the reject counter for a verdict code.
func (s *Server) RecordReject(code string) {
	s.rejectsTotal.WithLabelValues(code).Inc()
}

// SetKillSwitch updates the kill-switch gauge.
func (s *Server) SetKillSwitch(enabled bool) {
	if enabled {
		s.killGauge.Set(1)
	} else {
		s.killGauge.Set(0)
	}
}

// SetCooldown updates the cooldown gauge.
func (s *Server) SetCooldown(active bool) {
	if active {
		s.cooldownGauge.Set(1)
	} else {
		s.cooldownGauge.Set(0)
	}
}

// Snapshot persists one health_checks row capturing the kill/cooldown state
// and the dev-override environment, for the reconciler's daily report.
func (s *Server) Snapshot(ctx context.Context, name string) error {
	kill, err := s.state.GetKill(ctx)
	if err != nil {
		return fmt.Errorf("health: snapshot kill state: %w", err)
	}
	cooldown, err := s.state.GetCooldown(ctx)
	if err != nil {
		return fmt.Errorf("health: snapshot cooldown state: %w", err)
	}

	status := "OK"
	if kill.Enabled {
		status = "KILLED"
	} else if cooldown.Active(time.Now()) {
		status = "COOLDOWN"
	}

	env := domain.Meta{}
	for _, key := range devOverrideEnvVars {
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}

	hc := domain.HealthCheck{
		Ts:     time.Now().UTC(),
		Name:   name,
		Kind:   "process_snapshot",
		Status: status,
		Summary: domain.Meta{
			"kill_enabled":      kill.Enabled,
			"cooldown_until":    cooldown.UntilEpoch,
			"env_overrides":     env,
		},
	}
	if _, err := s.state.InsertHealthCheck(ctx, hc); err != nil {
		return fmt.Errorf("health: insert health check: %w", err)
	}
	s.SetKillSwitch(kill.Enabled)
	s.SetCooldown(cooldown.Active(time.Now()))
	return nil
}
