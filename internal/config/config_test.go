package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "missing.yaml")
	settings, err := Load(GlobalFlags{ConfigPath: cfgPath, Retries: -1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.SlippageBps != 100 {
		t.Fatalf("expected default slippage 100 bps, got %d", settings.SlippageBps)
	}
	if settings.ThresholdUSD != 5 {
		t.Fatalf("expected default threshold $5, got %v", settings.ThresholdUSD)
	}
	if settings.SessionTTL != 7*24*time.Hour {
		t.Fatalf("expected 7-day session TTL, got %v", settings.SessionTTL)
	}
	if settings.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", settings.Port)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	content := `
port: 9090
timeout: 30s
slippage:
  bps: 50
threshold:
  usd: 10
chains:
  42161:
    rpc_url: https://rpc.example/arb
    bundler_url: https://bundler.example/arb
providers:
  pimlico:
    policy_id: sp_test
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	settings, err := Load(GlobalFlags{ConfigPath: cfgPath, Retries: -1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", settings.Port)
	}
	if settings.Timeout != 30*time.Second {
		t.Fatalf("expected 30s timeout, got %v", settings.Timeout)
	}
	if settings.SlippageBps != 50 {
		t.Fatalf("expected 50 bps, got %d", settings.SlippageBps)
	}
	if settings.ThresholdUSD != 10 {
		t.Fatalf("expected $10 threshold, got %v", settings.ThresholdUSD)
	}
	if settings.RPCOverrides[42161] != "https://rpc.example/arb" {
		t.Fatalf("expected rpc override, got %q", settings.RPCOverrides[42161])
	}
	if settings.BundlerOverrides[42161] != "https://bundler.example/arb" {
		t.Fatalf("expected bundler override, got %q", settings.BundlerOverrides[42161])
	}
	if settings.SponsorPolicyID != "sp_test" {
		t.Fatalf("expected policy id, got %q", settings.SponsorPolicyID)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("port: 9090\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DUSTPAN_PORT", "7070")
	t.Setenv("DUSTPAN_1INCH_API_KEY", "key-from-env")

	settings, err := Load(GlobalFlags{ConfigPath: cfgPath, Retries: -1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", settings.Port)
	}
	if settings.OneInchAPIKey != "key-from-env" {
		t.Fatalf("expected env api key, got %q", settings.OneInchAPIKey)
	}
}

func TestFlagsOverrideEverything(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "missing.yaml")
	t.Setenv("DUSTPAN_PORT", "7070")

	settings, err := Load(GlobalFlags{ConfigPath: cfgPath, Port: 6060, Retries: 5, ThresholdUSD: 1.5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.Port != 6060 {
		t.Fatalf("expected flag port 6060, got %d", settings.Port)
	}
	if settings.Retries != 5 {
		t.Fatalf("expected 5 retries, got %d", settings.Retries)
	}
	if settings.ThresholdUSD != 1.5 {
		t.Fatalf("expected $1.5 threshold, got %v", settings.ThresholdUSD)
	}
}

func TestInvalidSlippageFallsBackToDefault(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "missing.yaml")
	t.Setenv("DUSTPAN_SLIPPAGE_BPS", "20000")

	settings, err := Load(GlobalFlags{ConfigPath: cfgPath, Retries: -1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.SlippageBps != 100 {
		t.Fatalf("expected clamp to 100 bps, got %d", settings.SlippageBps)
	}
}
