package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testSeed = `{
  "chains": [{ "chainId": 42220, "name": "celo", "rpcUrl": "http://localhost:8545" }],
  "tokens": [{ "symbol": "USDC", "contract": "0x01", "chainId": 42220, "decimals": 6 }],
  "countries": [{ "code": "KE", "currency": "KES", "callingCode": "254", "providers": ["pretium"] }],
  "providers": [{ "name": "pretium", "kind": "pretium", "baseUrl": "http://seed", "settlementAddress": "0x02" }],
  "timeouts": { "pollIntervalMs": 2000 }
}`

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func TestLoadFromSeedWithDefaults(t *testing.T) {
	cfg, err := LoadFrom(writeSeed(t, testSeed))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := cfg.Seed.Tokens[0].ChainID; got != 42220 {
		t.Fatalf("token chain: want 42220 got %d", got)
	}
	if cfg.Timeouts.PollInterval != 2*time.Second {
		t.Fatalf("poll interval from seed: got %v", cfg.Timeouts.PollInterval)
	}
	if cfg.Timeouts.ChainSwitchRetries != 3 {
		t.Fatalf("default switch retries: got %d", cfg.Timeouts.ChainSwitchRetries)
	}
	if cfg.Timeouts.QuoteTTL != time.Minute {
		t.Fatalf("default quote ttl: got %v", cfg.Timeouts.QuoteTTL)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.InitialBackoff != 500*time.Millisecond {
		t.Fatalf("default retry: %+v", cfg.Retry)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("PROVIDER_PRETIUM_API_KEY", "env-key")
	t.Setenv("PROVIDER_PRETIUM_BASE_URL", "http://env")
	t.Setenv("TIMEOUTS_CHAINSWITCHRETRIES", "5")
	t.Setenv("API_HTTP_PORT", "8088")

	cfg, err := LoadFrom(writeSeed(t, testSeed))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := cfg.Seed.Providers[0]
	if p.APIKey != "env-key" || p.BaseURL != "http://env" {
		t.Fatalf("provider env override not applied: %+v", p)
	}
	if cfg.Timeouts.ChainSwitchRetries != 5 {
		t.Fatalf("env switch retries: got %d", cfg.Timeouts.ChainSwitchRetries)
	}
	if cfg.Service.HTTPPort != 8088 {
		t.Fatalf("port: got %d", cfg.Service.HTTPPort)
	}
}

func TestLoadRejectsUnknownRoute(t *testing.T) {
	seed := `{
  "chains": [{ "chainId": 1, "name": "x", "rpcUrl": "http://x" }],
  "tokens": [{ "symbol": "USDC", "contract": "0x01", "chainId": 1, "decimals": 6 }],
  "countries": [{ "code": "KE", "currency": "KES", "callingCode": "254", "providers": ["ghost"] }],
  "providers": []
}`
	if _, err := LoadFrom(writeSeed(t, seed)); err == nil {
		t.Fatalf("expected unknown provider route to be rejected")
	}
}

func TestLoadMissingSeed(t *testing.T) {
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing seed")
	}
}
