package app

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ggonzalez94/dustpan/internal/version"
)

func newTestRunner(t *testing.T) (*Runner, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	var stdout, stderr bytes.Buffer
	return NewRunnerWithWriters(&stdout, &stderr), &stdout, &stderr
}

func TestVersionCommand(t *testing.T) {
	runner, stdout, _ := newTestRunner(t)
	if code := runner.Run([]string{"version"}); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if got := strings.TrimSpace(stdout.String()); got != version.CLIVersion {
		t.Fatalf("expected version %q, got %q", version.CLIVersion, got)
	}
}

func TestVersionLongCommand(t *testing.T) {
	runner, stdout, _ := newTestRunner(t)
	if code := runner.Run([]string{"version", "--long"}); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(stdout.String(), "commit:") {
		t.Fatalf("expected build metadata, got %q", stdout.String())
	}
}

func TestScanRequiresAddress(t *testing.T) {
	runner, _, stderr := newTestRunner(t)
	if code := runner.Run([]string{"scan"}); code != 2 {
		t.Fatalf("expected usage exit code 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "address") {
		t.Fatalf("expected address error, got %q", stderr.String())
	}
}

func TestScanRejectsMalformedAddress(t *testing.T) {
	runner, _, stderr := newTestRunner(t)
	code := runner.Run([]string{"scan", "--address", "not-hex"})
	if code != 2 {
		t.Fatalf("expected usage exit code 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "not a valid address") {
		t.Fatalf("unexpected error output %q", stderr.String())
	}
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	runner, _, _ := newTestRunner(t)
	if code := runner.Run([]string{"scan", "--bogus"}); code != 2 {
		t.Fatalf("expected usage exit code 2, got %d", code)
	}
}

func TestSweepRequiresWalletKey(t *testing.T) {
	runner, _, stderr := newTestRunner(t)
	code := runner.Run([]string{"sweep", "--address", "0x1111111111111111111111111111111111111111"})
	if code != 2 {
		t.Fatalf("expected usage exit code 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "DUSTPAN_WALLET_KEY") {
		t.Fatalf("expected wallet key hint, got %q", stderr.String())
	}
}

func TestSessionRevokeUnsupportedChain(t *testing.T) {
	runner, _, _ := newTestRunner(t)
	if code := runner.Run([]string{"session", "revoke", "--chain", "999"}); code != 13 {
		t.Fatalf("expected unsupported-chain exit code 13, got %d", code)
	}
}

func TestSessionStatusEmptyStore(t *testing.T) {
	runner, stdout, _ := newTestRunner(t)
	if code := runner.Run([]string{"session", "status"}); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(stdout.String(), "\"sessions\"") {
		t.Fatalf("expected sessions payload, got %q", stdout.String())
	}
}

func TestOrdersListEmptyStore(t *testing.T) {
	runner, stdout, _ := newTestRunner(t)
	if code := runner.Run([]string{"orders", "list"}); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(stdout.String(), "\"orders\"") {
		t.Fatalf("expected orders payload, got %q", stdout.String())
	}
}
