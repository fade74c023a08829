package calendar

import (
	"testing"
	"time"

	"github.com/Minstyle11/tmf-autotrader/internal/config"
	"github.com/Minstyle11/tmf-autotrader/internal/domain"
)

func mustParse(t *testing.T, layout, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(layout, value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func TestCheckBlocksWeekend(t *testing.T) {
	g := New(config.CalendarConfig{})
	// 2026-08-01 is a Saturday
	now := mustParse(t, "2006-01-02 1504", "2026-08-01 1000")
	v := g.Check(domain.Intent{}, now)
	if v.OK || v.Code != "EXEC_MARKET_CLOSED" {
		t.Fatalf("expected EXEC_MARKET_CLOSED for weekend, got %+v", v)
	}
}

func TestCheckBlocksHoliday(t *testing.T) {
	g := New(config.CalendarConfig{})
	now := mustParse(t, "2006-01-02 1504", "2026-01-01 1000")
	v := g.Check(domain.Intent{}, now)
	if v.OK || v.Code != "EXEC_MARKET_CLOSED" {
		t.Fatalf("expected EXEC_MARKET_CLOSED for holiday, got %+v", v)
	}
}

func TestCheckBlocksSessionGap(t *testing.T) {
	g := New(config.CalendarConfig{})
	// 2026-08-03 is a Monday
	now := mustParse(t, "2006-01-02 1504", "2026-08-03 1400")
	v := g.Check(domain.Intent{}, now)
	if v.OK || v.Code != "EXEC_MARKET_CLOSED" {
		t.Fatalf("expected EXEC_MARKET_CLOSED for 13:45-15:00 gap, got %+v", v)
	}
}

func TestCheckAllowsRegularSession(t *testing.T) {
	g := New(config.CalendarConfig{})
	now := mustParse(t, "2006-01-02 1504", "2026-08-03 1000")
	v := g.Check(domain.Intent{}, now)
	if !v.OK {
		t.Fatalf("expected accept during regular session, got %+v", v)
	}
}

func TestCheckAllowsIntentOverride(t *testing.T) {
	g := New(config.CalendarConfig{})
	now := mustParse(t, "2006-01-02 1504", "2026-08-01 1000") // Saturday
	v := g.Check(domain.Intent{Meta: domain.Meta{"allow_market_closed": true}}, now)
	if !v.OK || v.Code != "OK_MARKET_OVERRIDE" {
		t.Fatalf("expected OK_MARKET_OVERRIDE, got %+v", v)
	}
}

func TestCheckAllowsSimModeOverride(t *testing.T) {
	g := New(config.CalendarConfig{SimMode: true})
	now := mustParse(t, "2006-01-02 1504", "2026-08-01 1000") // Saturday
	v := g.Check(domain.Intent{}, now)
	if !v.OK || v.Code != "OK_MARKET_OVERRIDE" {
		t.Fatalf("expected OK_MARKET_OVERRIDE for sim_mode, got %+v", v)
	}
}
