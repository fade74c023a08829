package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
dry_run: true
store:
  database_path: /tmp/tmfautotrader.db
  lock_dir: /tmp/tmfautotrader.lock
  event_scan_limit: 2000
safety:
  fop_code: TMFR1
  require_recent_bidask: true
  max_bidask_age: 15s
risk:
  max_qty_per_order: 10
  allow_symbols: [TMF, TXF, MXF]
gateway:
  split_loop_guard: 20
  intent_deadline: 500ms
`

func writeSampleConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesNestedStructure(t *testing.T) {
	cfg, err := Load(writeSampleConfig(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.DryRun {
		t.Fatalf("expected dry_run=true")
	}
	if cfg.Safety.FopCode != "TMFR1" {
		t.Fatalf("expected fop_code=TMFR1, got %q", cfg.Safety.FopCode)
	}
	if cfg.Risk.MaxQtyPerOrder != 10 {
		t.Fatalf("expected max_qty_per_order=10, got %v", cfg.Risk.MaxQtyPerOrder)
	}
	if len(cfg.Risk.AllowSymbols) != 3 {
		t.Fatalf("expected 3 allow_symbols, got %+v", cfg.Risk.AllowSymbols)
	}
	if cfg.Gateway.SplitLoopGuard != 20 {
		t.Fatalf("expected split_loop_guard=20, got %d", cfg.Gateway.SplitLoopGuard)
	}
}

func TestLoadEnvOverridesSensitiveFields(t *testing.T) {
	t.Setenv("TMF_STORE_DATABASE_PATH", "/var/tmfautotrader/override.db")
	t.Setenv("TMF_SAFETY_FOP_CODE", "TMFB6")
	t.Setenv("TMF_DRY_RUN", "1")

	cfg, err := Load(writeSampleConfig(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.DatabasePath != "/var/tmfautotrader/override.db" {
		t.Fatalf("expected env override of database_path, got %q", cfg.Store.DatabasePath)
	}
	if cfg.Safety.FopCode != "TMFB6" {
		t.Fatalf("expected env override of fop_code, got %q", cfg.Safety.FopCode)
	}
	if !cfg.DryRun {
		t.Fatalf("expected TMF_DRY_RUN=1 to force dry_run true")
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error loading a nonexistent config file")
	}
}

func TestValidateRequiresDatabasePath(t *testing.T) {
	cfg := Config{Safety: SafetyConfig{FopCode: "TMFR1"}, Risk: RiskConfig{MaxQtyPerOrder: 1, AllowSymbols: []string{"TMF"}}, Gateway: GatewayConfig{SplitLoopGuard: 1}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing database_path")
	}
}

func TestValidateRequiresFopCode(t *testing.T) {
	cfg := Config{Store: StoreConfig{DatabasePath: "/tmp/x.db"}, Risk: RiskConfig{MaxQtyPerOrder: 1, AllowSymbols: []string{"TMF"}}, Gateway: GatewayConfig{SplitLoopGuard: 1}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing fop_code")
	}
}

func TestValidateRequiresAllowSymbols(t *testing.T) {
	cfg := Config{
		Store:   StoreConfig{DatabasePath: "/tmp/x.db"},
		Safety:  SafetyConfig{FopCode: "TMFR1"},
		Risk:    RiskConfig{MaxQtyPerOrder: 1},
		Gateway: GatewayConfig{SplitLoopGuard: 1},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for empty allow_symbols")
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := Config{
		Store:   StoreConfig{DatabasePath: "/tmp/x.db"},
		Safety:  SafetyConfig{FopCode: "TMFR1"},
		Risk:    RiskConfig{MaxQtyPerOrder: 1, AllowSymbols: []string{"TMF"}},
		Gateway: GatewayConfig{SplitLoopGuard: 1},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected a fully populated config to validate, got %v", err)
	}
}

func TestEnvTruthyRecognizesTokens(t *testing.T) {
	cases := map[string]bool{
		"1": true, "true": true, "TRUE": true, "yes": true, "y": true, "on": true,
		"0": false, "false": false, "no": false, "": false, "bogus": false,
	}
	for val, want := range cases {
		t.Setenv("TMF_TEST_FLAG", val)
		if got := EnvTruthy("TMF_TEST_FLAG"); got != want {
			t.Fatalf("EnvTruthy(%q) = %v, want %v", val, got, want)
		}
	}
}
