// Package calendar implements the Market Calendar Gate: weekends, a static
// holiday set, and the lunch-break session gap, with override knobs for
// simulation/paper modes and an environment bypass.
package calendar

import (
	"time"

	"github.com/Minstyle11/tmf-autotrader/internal/config"
	"github.com/Minstyle11/tmf-autotrader/internal/domain"
)

// holidays2026 is the embedded 2026 TAIFEX holiday calendar. Per the design
// decision recorded for this repository, this table is intentionally baked
// in for 2026 only; a calendar provider would be needed for later years.
var holidays2026 = map[string]bool{
	"2026-01-01": true, // New Year's Day
	"2026-02-16": true, // Lunar New Year's Eve
	"2026-02-17": true, // Lunar New Year
	"2026-02-18": true, // Lunar New Year
	"2026-02-19": true, // Lunar New Year
	"2026-02-20": true, // Lunar New Year
	"2026-02-27": true, // Peace Memorial Day (observed)
	"2026-04-03": true, // Children's Day (observed)
	"2026-04-06": true, // Tomb Sweeping Day (observed)
	"2026-06-19": true, // Dragon Boat Festival
	"2026-09-25": true, // Mid-Autumn Festival
	"2026-10-09": true, // National Day (observed)
}

// Gate evaluates the Market Calendar Gate.
type Gate struct {
	cfg config.CalendarConfig
}

// New builds a Gate from config.
func New(cfg config.CalendarConfig) *Gate {
	return &Gate{cfg: cfg}
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// Check returns the calendar verdict for now, honoring intent-level and
// environment overrides.
func (g *Gate) Check(intent domain.Intent, now time.Time) domain.Verdict {
	if b, ok := intent.Meta["allow_market_closed"].(bool); ok && b {
		return domain.Verdict{OK: true, Code: "OK_MARKET_OVERRIDE"}
	}
	if g.cfg.AllowMarketClosed || g.cfg.SimMode || g.cfg.PaperMode {
		return domain.Verdict{OK: true, Code: "OK_MARKET_OVERRIDE"}
	}
	if config.EnvTruthy("TMF_IGNORE_MARKET_CALENDAR") {
		return domain.Verdict{OK: true, Code: "OK_MARKET_ENV_OVERRIDE"}
	}

	if isWeekend(now) {
		return domain.Verdict{OK: false, Code: "EXEC_MARKET_CLOSED", Reason: "weekend"}
	}
	day := now.Format("2006-01-02")
	if holidays2026[day] {
		return domain.Verdict{OK: false, Code: "EXEC_MARKET_CLOSED", Reason: "holiday", Details: domain.Meta{"date": day}}
	}

	hhmm := now.Format("1504")
	if hhmm > "1345" && hhmm < "1500" {
		return domain.Verdict{OK: false, Code: "EXEC_MARKET_CLOSED", Reason: "session break 13:45-15:00"}
	}

	return domain.Verdict{OK: true, Code: "OK"}
}
