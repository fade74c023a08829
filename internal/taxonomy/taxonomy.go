// Package taxonomy implements the Reject Taxonomy: it normalizes the
// Verdict a gate returns into a stable, policy-driven RejectDecision so the
// Gateway can decide whether to reject, retry, cooldown, or kill.
package taxonomy

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/Minstyle11/tmf-autotrader/internal/domain"
)

// Policy is the by_code / by_prefix / by_domain override table, loaded from
// a YAML file via viper (consistent with the rest of this repository's
// configuration layer).
type Policy struct {
	ByCode   map[string]PolicyRow `mapstructure:"by_code"`
	ByPrefix map[string]PolicyRow `mapstructure:"by_prefix"`
	ByDomain map[string]PolicyRow `mapstructure:"by_domain"`
}

// PolicyRow is one override entry: action and/or severity.
type PolicyRow struct {
	Action   string `mapstructure:"action"`
	Severity string `mapstructure:"severity"`
}

// LoadPolicy reads a reject-policy YAML file. A missing path is not an
// error — an empty Policy falls back entirely to the built-in defaults.
func LoadPolicy(path string) (Policy, error) {
	var p Policy
	if path == "" {
		return p, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return p, fmt.Errorf("taxonomy: read policy: %w", err)
	}
	if err := v.Unmarshal(&p); err != nil {
		return p, fmt.Errorf("taxonomy: unmarshal policy: %w", err)
	}
	return p, nil
}

func domainFromCode(code string) domain.Domain {
	c := strings.ToUpper(code)
	switch {
	case strings.HasPrefix(c, "RISK_"):
		return domain.DomainRisk
	case strings.HasPrefix(c, "SAFETY_"):
		return domain.DomainSafety
	case strings.HasPrefix(c, "EXEC_"):
		return domain.DomainExec
	case strings.HasPrefix(c, "BROKER_"):
		return domain.DomainBroker
	default:
		return domain.DomainUnknown
	}
}

func defaultSeverity(d domain.Domain) domain.Severity {
	switch d {
	case domain.DomainSafety:
		return domain.SeverityHigh
	case domain.DomainRisk, domain.DomainBroker, domain.DomainExec:
		return domain.SeverityMed
	default:
		return domain.SeverityLow
	}
}

// DecideAction resolves (action, severity) for a code: an exact by_code
// match wins, then the first matching by_prefix entry (map iteration order
// is not guaranteed, so ties between overlapping prefixes are
// policy-author error, not something this resolves further), then
// by_domain, then the conservative built-in default.
func DecideAction(code string, policy Policy) (domain.Action, domain.Severity) {
	c := strings.ToUpper(code)
	d := domainFromCode(c)

	if row, ok := policy.ByCode[c]; ok {
		return resolveRow(row, d, c)
	}
	for prefix, row := range policy.ByPrefix {
		if strings.HasPrefix(c, strings.ToUpper(prefix)) {
			return resolveRow(row, d, c)
		}
	}
	if row, ok := policy.ByDomain[string(d)]; ok {
		return resolveRow(row, d, c)
	}
	return domain.ActionReject, defaultSeverity(d)
}

func resolveRow(row PolicyRow, d domain.Domain, code string) (domain.Action, domain.Severity) {
	action := domain.Action(strings.ToUpper(row.Action))
	if action == "" {
		action = domain.ActionReject
	}
	severity := domain.Severity(strings.ToUpper(row.Severity))
	if severity == "" {
		severity = defaultSeverity(d)
	}
	return action, severity
}

// unwrapVerdict mirrors the original's deterministic nested-wrapper
// peeling: {"risk": {...}} then, if still wrapped, {"safety": {...}}.
func unwrapVerdict(details domain.Meta) domain.Meta {
	if details == nil {
		return nil
	}
	if risk, ok := details["risk"].(domain.Meta); ok {
		details = risk
	} else if riskMap, ok := details["risk"].(map[string]any); ok {
		details = domain.Meta(riskMap)
	}
	if safety, ok := details["safety"].(domain.Meta); ok {
		details = safety
	} else if safetyMap, ok := details["safety"].(map[string]any); ok {
		details = domain.Meta(safetyMap)
	}
	return details
}

// FromVerdict normalizes a gate's Verdict into a sealed RejectDecision. An
// OK verdict always maps to ALLOW/LOW regardless of policy.
func FromVerdict(v domain.Verdict, policy Policy) domain.RejectDecision {
	if v.OK {
		return domain.RejectDecision{
			OK:       true,
			Code:     "OK",
			Domain:   domain.DomainUnknown,
			Severity: domain.SeverityLow,
			Action:   domain.ActionAllow,
			Reason:   "pass",
			Details:  domain.Meta{"verdict": v.AsMeta()},
		}
	}

	code := v.Code
	if code == "" {
		code = "UNKNOWN"
	}
	d := domainFromCode(code)
	action, severity := DecideAction(code, policy)

	details := unwrapVerdict(v.Details)
	if details == nil {
		details = domain.Meta{}
	}

	return domain.RejectDecision{
		OK:       false,
		Code:     code,
		Domain:   d,
		Severity: severity,
		Action:   action,
		Reason:   v.Reason,
		Details:  domain.Meta{"details": details, "verdict": v.AsMeta()},
	}
}
