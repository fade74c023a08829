package health

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/Minstyle11/tmf-autotrader/internal/config"
	"github.com/Minstyle11/tmf-autotrader/internal/statestore"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := statestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	state, err := statestore.New(db)
	if err != nil {
		t.Fatalf("statestore.New: %v", err)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return New(config.HealthConfig{Enabled: true, Port: 0}, state, log)
}

func TestSnapshotRecordsOKWhenClear(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	if err := s.Snapshot(ctx, "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checks, err := s.state.RecentHealthChecks(ctx, 1)
	if err != nil {
		t.Fatalf("recent health checks: %v", err)
	}
	if len(checks) != 1 || checks[0].Status != "OK" {
		t.Fatalf("expected one OK health check row, got %+v", checks)
	}
}

func TestMetricsEndpointServesCounters(t *testing.T) {
	s := newTestServer(t)
	s.RecordOrder("FILLED")
	s.RecordReject("RISK_QTY_LIMIT")
	s.SetKillSwitch(true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	s.http.Handler.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "tmf_orders_total") {
		t.Fatalf("expected orders_total metric in output, got: %s", body)
	}
	if !strings.Contains(body, "tmf_kill_switch_enabled 1") {
		t.Fatalf("expected kill switch gauge set to 1, got: %s", body)
	}
}
