package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
chain:
  rpc_url: https://rpc.example
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.BundlerURL != "https://rpc.example" {
		t.Fatalf("bundler URL should default to rpc_url, got %q", cfg.Chain.BundlerURL)
	}
	if cfg.Savings.MaxActivePlans != 10 || cfg.Savings.MaxRetries != 3 {
		t.Fatalf("savings defaults not applied: %+v", cfg.Savings)
	}
	if cfg.Chain.GasFeeTimeout != 2*time.Second {
		t.Fatalf("gas fee timeout default mismatch: %v", cfg.Chain.GasFeeTimeout)
	}
	if cfg.Chain.ReceiptPollAttempts != 30 || cfg.Chain.ReceiptPollInterval != 3*time.Second {
		t.Fatalf("receipt poll defaults mismatch: %+v", cfg.Chain)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
chain:
  rpc_url: https://rpc.example
server:
  api_key: from-file
`)
	t.Setenv("WALLET_WEBHOOK_API_KEY", "from-env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.APIKey != "from-env" {
		t.Fatalf("env override not applied: %q", cfg.Server.APIKey)
	}
}

func TestValidateRejectsBadDriver(t *testing.T) {
	path := writeConfig(t, `
chain:
  rpc_url: https://rpc.example
storage:
  driver: dynamo
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected invalid driver error")
	}
}

func TestValidateRequiresRPCURL(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected missing rpc_url error")
	}
}
