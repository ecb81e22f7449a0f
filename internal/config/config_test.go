package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load("")
	if cfg.ICAP.Addr != ":1344" {
		t.Errorf("ICAP addr = %q", cfg.ICAP.Addr)
	}
	if cfg.Clamd.Port != 3310 || cfg.Clamd.Host != "scanner" {
		t.Errorf("clamd defaults = %s:%d", cfg.Clamd.Host, cfg.Clamd.Port)
	}
	if cfg.Valkey.Port != 6379 {
		t.Errorf("valkey port = %d", cfg.Valkey.Port)
	}
	if len(cfg.Approval.Domains) != 1 || cfg.Approval.Domains[0] != ".api.telegram.org" {
		t.Errorf("approval domains = %v", cfg.Approval.Domains)
	}
	if cfg.Approval.TimeGateSecs != 15 {
		t.Errorf("time gate = %d", cfg.Approval.TimeGateSecs)
	}
	if cfg.Valkey.DLPSecretPath != "/run/secrets/valkey_dlp_password" {
		t.Errorf("dlp secret path = %q", cfg.Valkey.DLPSecretPath)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("POLIS_APPROVAL_DOMAINS", ".api.telegram.org, .api.slack.com")
	t.Setenv("POLIS_APPROVAL_TIME_GATE_SECS", "30")
	t.Setenv("POLIS_CLAMD_SOCKET", "/run/clamd.sock")
	t.Setenv("VALKEY_HOST", "valkey.internal")
	t.Setenv("VALKEY_PORT", "7000")

	cfg := Load("")
	if len(cfg.Approval.Domains) != 2 || cfg.Approval.Domains[1] != ".api.slack.com" {
		t.Errorf("domains = %v", cfg.Approval.Domains)
	}
	if cfg.Approval.TimeGateSecs != 30 {
		t.Errorf("time gate = %d", cfg.Approval.TimeGateSecs)
	}
	if cfg.Clamd.Socket != "/run/clamd.sock" {
		t.Errorf("clamd socket = %q", cfg.Clamd.Socket)
	}
	if cfg.Valkey.Addr() != "valkey.internal:7000" {
		t.Errorf("valkey addr = %q", cfg.Valkey.Addr())
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	content := "icap:\n  addr: \":2344\"\ndlp:\n  pattern_file: /etc/polis/custom.conf\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := Load(path)
	if cfg.ICAP.Addr != ":2344" {
		t.Errorf("icap addr = %q", cfg.ICAP.Addr)
	}
	if cfg.DLP.PatternFile != "/etc/polis/custom.conf" {
		t.Errorf("pattern file = %q", cfg.DLP.PatternFile)
	}
}

func TestLoad_BadFileFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	os.WriteFile(path, []byte("icap: [not: a: map"), 0o600)
	cfg := Load(path)
	if cfg.ICAP.Addr != ":1344" {
		t.Error("broken file should fall back to defaults")
	}
}

func TestInvalidEnvIntIgnored(t *testing.T) {
	t.Setenv("VALKEY_PORT", "not-a-port")
	cfg := Load("")
	if cfg.Valkey.Port != 6379 {
		t.Errorf("invalid port should keep default, got %d", cfg.Valkey.Port)
	}
}
