package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPositionIsFlat(t *testing.T) {
	flat := Position{Symbol: "TMF", Qty: decimal.Zero}
	if !flat.IsFlat() {
		t.Fatalf("expected zero-qty position to be flat")
	}
	open := Position{Symbol: "TMF", Qty: decimal.NewFromInt(2)}
	if open.IsFlat() {
		t.Fatalf("expected nonzero-qty position to not be flat")
	}
}

func TestCooldownActive(t *testing.T) {
	now := time.Now()
	cleared := Cooldown{UntilEpoch: 0}
	if cleared.Active(now) {
		t.Fatalf("expected UntilEpoch=0 to mean cleared, not active")
	}

	future := Cooldown{UntilEpoch: now.Add(time.Minute).Unix()}
	if !future.Active(now) {
		t.Fatalf("expected a future until_epoch to be active")
	}

	past := Cooldown{UntilEpoch: now.Add(-time.Minute).Unix()}
	if past.Active(now) {
		t.Fatalf("expected a past until_epoch to be inactive")
	}
}

func TestVerdictAsMeta(t *testing.T) {
	v := Verdict{OK: false, Code: "RISK_STOP_REQUIRED", Reason: "stop price required", Details: Meta{"max": 10.0}}
	m := v.AsMeta()
	if m["ok"] != false || m["code"] != "RISK_STOP_REQUIRED" || m["reason"] != "stop price required" {
		t.Fatalf("unexpected verdict meta shape: %+v", m)
	}
	details, ok := m["details"].(Meta)
	if !ok || details["max"] != 10.0 {
		t.Fatalf("expected details to carry through unchanged, got %+v", m["details"])
	}
}

func TestRejectDecisionAsMeta(t *testing.T) {
	d := RejectDecision{OK: false, Code: "RISK_STOP_REQUIRED", Domain: DomainRisk, Severity: SeverityHigh, Action: ActionReject, Reason: "x"}
	m := d.AsMeta()
	if m["domain"] != DomainRisk || m["severity"] != SeverityHigh || m["action"] != ActionReject {
		t.Fatalf("unexpected reject decision meta shape: %+v", m)
	}
}
