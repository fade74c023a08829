package taxonomy

import (
	"testing"

	"github.com/Minstyle11/tmf-autotrader/internal/domain"
)

func TestFromVerdictOKMapsToAllow(t *testing.T) {
	d := FromVerdict(domain.Verdict{OK: true, Code: "OK"}, Policy{})
	if !d.OK || d.Action != domain.ActionAllow || d.Severity != domain.SeverityLow {
		t.Fatalf("expected ALLOW/LOW, got %+v", d)
	}
}

func TestFromVerdictDefaultsByDomain(t *testing.T) {
	cases := []struct {
		code     string
		domain   domain.Domain
		severity domain.Severity
	}{
		{"SAFETY_FEED_STALE", domain.DomainSafety, domain.SeverityHigh},
		{"RISK_QTY_LIMIT", domain.DomainRisk, domain.SeverityMed},
		{"EXEC_MARKET_CLOSED", domain.DomainExec, domain.SeverityMed},
		{"BROKER_TIMEOUT", domain.DomainBroker, domain.SeverityMed},
		{"WEIRD_CODE", domain.DomainUnknown, domain.SeverityLow},
	}
	for _, c := range cases {
		d := FromVerdict(domain.Verdict{OK: false, Code: c.code, Reason: "x"}, Policy{})
		if d.Domain != c.domain {
			t.Errorf("%s: domain = %s, want %s", c.code, d.Domain, c.domain)
		}
		if d.Severity != c.severity {
			t.Errorf("%s: severity = %s, want %s", c.code, d.Severity, c.severity)
		}
		if d.Action != domain.ActionReject {
			t.Errorf("%s: action = %s, want REJECT (no policy configured)", c.code, d.Action)
		}
	}
}

func TestFromVerdictByCodeOverride(t *testing.T) {
	policy := Policy{
		ByCode: map[string]PolicyRow{
			"EXEC_TAIFEX_MKT_QTY_LIMIT": {Action: "split", Severity: "low"},
		},
	}
	d := FromVerdict(domain.Verdict{OK: false, Code: "EXEC_TAIFEX_MKT_QTY_LIMIT"}, policy)
	if d.Action != domain.ActionSplit || d.Severity != domain.SeverityLow {
		t.Fatalf("expected SPLIT/LOW from by_code override, got %+v", d)
	}
}

func TestFromVerdictByPrefixOverride(t *testing.T) {
	policy := Policy{
		ByPrefix: map[string]PolicyRow{
			"SAFETY_": {Action: "cooldown"},
		},
	}
	d := FromVerdict(domain.Verdict{OK: false, Code: "SAFETY_FEED_STALE"}, policy)
	if d.Action != domain.ActionCooldown {
		t.Fatalf("expected COOLDOWN from by_prefix override, got %+v", d)
	}
}

func TestFromVerdictByCodeWinsOverByPrefix(t *testing.T) {
	policy := Policy{
		ByCode:   map[string]PolicyRow{"SAFETY_FEED_STALE": {Action: "reject"}},
		ByPrefix: map[string]PolicyRow{"SAFETY_": {Action: "kill"}},
	}
	d := FromVerdict(domain.Verdict{OK: false, Code: "SAFETY_FEED_STALE"}, policy)
	if d.Action != domain.ActionReject {
		t.Fatalf("expected by_code to win over by_prefix, got %+v", d)
	}
}

func TestFromVerdictByDomainOverride(t *testing.T) {
	policy := Policy{
		ByDomain: map[string]PolicyRow{"RISK": {Action: "retry"}},
	}
	d := FromVerdict(domain.Verdict{OK: false, Code: "RISK_QTY_LIMIT"}, policy)
	if d.Action != domain.ActionRetry {
		t.Fatalf("expected RETRY from by_domain override, got %+v", d)
	}
}

func TestFromVerdictEmptyCodeDefaultsToUnknown(t *testing.T) {
	d := FromVerdict(domain.Verdict{OK: false, Code: ""}, Policy{})
	if d.Code != "UNKNOWN" || d.Domain != domain.DomainUnknown {
		t.Fatalf("expected UNKNOWN code/domain, got %+v", d)
	}
}

func TestFromVerdictUnwrapsNestedRiskShape(t *testing.T) {
	v := domain.Verdict{
		OK:   false,
		Code: "RISK_QTY_LIMIT",
		Details: domain.Meta{
			"risk": domain.Meta{"max": 10.0, "got": 99.0},
		},
	}
	d := FromVerdict(v, Policy{})
	details, ok := d.Details["details"].(domain.Meta)
	if !ok {
		t.Fatalf("expected unwrapped details map, got %+v", d.Details)
	}
	if details["max"] != 10.0 {
		t.Fatalf("expected unwrapped risk.max = 10.0, got %+v", details)
	}
}
