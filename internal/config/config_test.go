package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{
		Postgres: PostgresConfig{DSN: "postgres://localhost/pesabridge"},
		Ethereum: EthereumConfig{
			RPCURL:          "http://localhost:8545",
			ContractAddress: "0x1111111111111111111111111111111111111111",
			PrivateKey:      "ab" + "cd",
			ChainID:         1,
		},
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := baseConfig()
	applyDefaults(cfg)
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("http addr = %q, want :8080", cfg.HTTP.Addr)
	}
	if cfg.Reconciler.Interval != 5*time.Second {
		t.Errorf("reconciler interval = %v, want 5s", cfg.Reconciler.Interval)
	}
	if cfg.Reconciler.BatchSize != 50 {
		t.Errorf("reconciler batch = %d, want 50", cfg.Reconciler.BatchSize)
	}
	if cfg.Binance.BaseURL != "https://fapi.binance.com" {
		t.Errorf("binance base url = %q", cfg.Binance.BaseURL)
	}
	if cfg.Mpesa.BaseURL != "https://sandbox.safaricom.co.ke" {
		t.Errorf("mpesa base url = %q", cfg.Mpesa.BaseURL)
	}
	if cfg.Oracle.MaxAge != 5*time.Minute {
		t.Errorf("oracle max age = %v, want 5m", cfg.Oracle.MaxAge)
	}
}

func TestValidateRequiresPostgresDSN(t *testing.T) {
	cfg := baseConfig()
	cfg.Postgres.DSN = ""
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for missing postgres dsn")
	}
}

func TestValidateRequiresEthereum(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"rpc url", func(c *Config) { c.Ethereum.RPCURL = "" }},
		{"contract address", func(c *Config) { c.Ethereum.ContractAddress = "" }},
		{"private key", func(c *Config) { c.Ethereum.PrivateKey = "" }},
		{"chain id", func(c *Config) { c.Ethereum.ChainID = 0 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			tc.mutate(cfg)
			applyDefaults(cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected error for missing %s", tc.name)
			}
		})
	}
}

func TestValidateBinanceCredentialsWhenEnabled(t *testing.T) {
	cfg := baseConfig()
	cfg.Binance.Enabled = true
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for enabled hedging without credentials")
	}

	cfg.Binance.APIKey = "k"
	cfg.Binance.APISecret = "s"
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestEnvOverridesConfig(t *testing.T) {
	t.Setenv("PESABRIDGE_POSTGRES_DSN", "postgres://env/db")
	t.Setenv("PESABRIDGE_MPESA_PASSKEY", "env-passkey")
	cfg := baseConfig()
	cfg.Mpesa.Passkey = "file-passkey"
	applyEnv(cfg)
	if cfg.Postgres.DSN != "postgres://env/db" {
		t.Errorf("dsn = %q, want env override", cfg.Postgres.DSN)
	}
	if cfg.Mpesa.Passkey != "env-passkey" {
		t.Errorf("passkey = %q, want env override", cfg.Mpesa.Passkey)
	}
}

func TestEnvEmptyValueIgnored(t *testing.T) {
	t.Setenv("PESABRIDGE_REDIS_PASSWORD", "")
	cfg := baseConfig()
	cfg.Redis.Password = "file-secret"
	applyEnv(cfg)
	if cfg.Redis.Password != "file-secret" {
		t.Errorf("password = %q, empty env should not clear it", cfg.Redis.Password)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
log:
  level: debug
http:
  addr: ":9090"
postgres:
  dsn: postgres://localhost/pesabridge_test
ethereum:
  rpc_url: http://localhost:8545
  contract_address: "0x2222222222222222222222222222222222222222"
  private_key: deadbeef
  chain_id: 11155111
reconciler:
  interval: 2s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Ethereum.ChainID != 11155111 {
		t.Errorf("chain id = %d", cfg.Ethereum.ChainID)
	}
	if cfg.Reconciler.Interval != 2*time.Second {
		t.Errorf("interval = %v", cfg.Reconciler.Interval)
	}
	// Unspecified sections still get defaults.
	if cfg.Reconciler.BatchSize != 50 {
		t.Errorf("batch = %d", cfg.Reconciler.BatchSize)
	}
}

func TestLoadMissingPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
