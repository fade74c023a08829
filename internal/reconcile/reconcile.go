// Package reconcile is the read-only reconciler/reporter collaborator: it
// summarizes a session's orders, trades and positions into a daily report,
// and flags replay drift in the ingested event stream (events whose
// timestamp or sequencing fields are missing or unparsable).
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Minstyle11/tmf-autotrader/internal/domain"
	"github.com/Minstyle11/tmf-autotrader/internal/eventstore"
	"github.com/Minstyle11/tmf-autotrader/internal/statestore"
)

// DailyReport summarizes one day's trading activity.
type DailyReport struct {
	Day            string
	OrdersTotal    int
	OrdersByStatus map[domain.OrderStatus]int
	RejectsByCode  map[string]int
	RealizedPnLNTD decimal.Decimal
	OpenPositions  []domain.Position
	LastHealth     *domain.HealthCheck
}

// DriftReport flags ingest quality issues in the raw event stream for a
// given event kind.
type DriftReport struct {
	Kind            string
	Scanned         int
	MissingTsRatio  float64
	MissingSeqRatio float64
}

// Reconciler reads from the State Store and Event Store; it never mutates
// either — every method here is safe to call concurrently with the
// Gateway's writes.
type Reconciler struct {
	state  *statestore.Store
	events *eventstore.Store
}

// New builds a Reconciler.
func New(state *statestore.Store, events *eventstore.Store) *Reconciler {
	return &Reconciler{state: state, events: events}
}

// DailyReport builds the report for the given YYYY-MM-DD day.
func (r *Reconciler) DailyReport(ctx context.Context, day string) (DailyReport, error) {
	orders, err := r.state.RecentOrders(ctx, 5000)
	if err != nil {
		return DailyReport{}, fmt.Errorf("reconcile: recent orders: %w", err)
	}

	report := DailyReport{
		Day:            day,
		OrdersByStatus: map[domain.OrderStatus]int{},
		RejectsByCode:  map[string]int{},
	}
	for _, o := range orders {
		if o.Ts.UTC().Format("2006-01-02") != day {
			continue
		}
		report.OrdersTotal++
		report.OrdersByStatus[o.Status]++
		if o.Status == domain.StatusRejected && o.VerdictCode != "" {
			report.RejectsByCode[o.VerdictCode]++
		}
	}

	pnl, err := r.state.DailyRealizedPnL(ctx, day)
	if err != nil {
		return DailyReport{}, fmt.Errorf("reconcile: daily pnl: %w", err)
	}
	report.RealizedPnLNTD = pnl

	positions, err := r.state.Positions(ctx)
	if err != nil {
		return DailyReport{}, fmt.Errorf("reconcile: positions: %w", err)
	}
	report.OpenPositions = positions

	checks, err := r.state.RecentHealthChecks(ctx, 1)
	if err != nil {
		return DailyReport{}, fmt.Errorf("reconcile: health checks: %w", err)
	}
	if len(checks) > 0 {
		report.LastHealth = &checks[0]
	}

	return report, nil
}

// DriftReport scans the most recent events of kind and reports the fraction
// missing a parseable timestamp or sequence-identifying field (neither
// "seq" nor "id" present in the payload, meaning replay ordering would have
// to fall back to ingest order alone).
func (r *Reconciler) DriftReport(ctx context.Context, kind string, scanLimit int) (DriftReport, error) {
	events, err := r.events.RecentEvents(ctx, kind, scanLimit)
	if err != nil {
		return DriftReport{}, fmt.Errorf("reconcile: recent events: %w", err)
	}
	report := DriftReport{Kind: kind, Scanned: len(events)}
	if len(events) == 0 {
		return report, nil
	}

	var missingTs, missingSeq int
	for _, ev := range events {
		if ev.Ts.IsZero() || ev.Ts.Equal(time.Time{}) {
			missingTs++
		}
		if _, hasSeq := ev.Payload["seq"]; !hasSeq {
			if _, hasID := ev.Payload["id"]; !hasID {
				missingSeq++
			}
		}
	}
	report.MissingTsRatio = float64(missingTs) / float64(len(events))
	report.MissingSeqRatio = float64(missingSeq) / float64(len(events))
	return report, nil
}
