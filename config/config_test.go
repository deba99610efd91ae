package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gmoconnect.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("GMO_API_KEY", "key-1234")
	t.Setenv("GMO_API_SECRET", "secret")

	cfg, err := Load(writeConfig(t, "symbols: [BTC_JPY]\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.REST.Timeout != 10*time.Second {
		t.Fatalf("default REST timeout = %v", cfg.REST.Timeout)
	}
	if cfg.REST.RateLimitTier != 1 {
		t.Fatalf("default tier = %d", cfg.REST.RateLimitTier)
	}
	if cfg.MarketData.BookDepth != 20 {
		t.Fatalf("default book depth = %d", cfg.MarketData.BookDepth)
	}
	if cfg.ReconcileInterval != 30*time.Second {
		t.Fatalf("default reconcile interval = %v", cfg.ReconcileInterval)
	}
	if len(cfg.Symbols) != 1 || cfg.Symbols[0] != "BTC_JPY" {
		t.Fatalf("symbols = %v", cfg.Symbols)
	}
}

func TestEnvironmentOverridesFileCredentials(t *testing.T) {
	t.Setenv("GMO_API_KEY", "env-key")
	t.Setenv("GMO_API_SECRET", "env-secret")

	cfg, err := Load(writeConfig(t, "credentials:\n  apiKey: file-key\n  apiSecret: file-secret\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Credentials.APIKey != "env-key" || cfg.Credentials.APISecret != "env-secret" {
		t.Fatalf("expected environment credentials to win, got %+v", cfg.Credentials)
	}
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	t.Setenv("GMO_API_KEY", "")
	t.Setenv("GMO_API_SECRET", "")

	if _, err := Load(writeConfig(t, "symbols: [BTC_JPY]\n")); err == nil {
		t.Fatalf("expected missing credential error")
	}
}

func TestLoadRejectsInvalidOverrides(t *testing.T) {
	t.Setenv("GMO_API_KEY", "k")
	t.Setenv("GMO_API_SECRET", "s")

	body := "rest:\n  rateOverrides:\n    order:\n      rate: 0\n      burst: 5\n"
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected invalid override error")
	}
}

func TestCredentialsNeverRenderSecret(t *testing.T) {
	creds := Credentials{APIKey: "abcdef123", APISecret: "topsecret"}
	out := creds.String()
	if strings.Contains(out, "topsecret") {
		t.Fatalf("secret leaked through String(): %s", out)
	}
	if !strings.Contains(out, "abcd***") {
		t.Fatalf("expected masked key prefix, got %s", out)
	}
}
