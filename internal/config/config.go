// Package config loads the engine configuration from YAML with environment
// overrides for secrets.
package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LoggingConfig    `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Ethereum   EthereumConfig   `yaml:"ethereum"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Mpesa      MpesaConfig      `yaml:"mpesa"`
	Binance    BinanceConfig    `yaml:"binance"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type EthereumConfig struct {
	RPCURL          string `yaml:"rpc_url"`
	ContractAddress string `yaml:"contract_address"`
	PrivateKey      string `yaml:"private_key"`
	ChainID         int64  `yaml:"chain_id"`
}

type OracleConfig struct {
	FeedAddress string        `yaml:"feed_address"`
	MaxAge      time.Duration `yaml:"max_age"`
}

type MpesaConfig struct {
	BaseURL        string `yaml:"base_url"`
	ConsumerKey    string `yaml:"consumer_key"`
	ConsumerSecret string `yaml:"consumer_secret"`
	ShortCode      string `yaml:"short_code"`
	Passkey        string `yaml:"passkey"`
	CallbackURL    string `yaml:"callback_url"`
}

type BinanceConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	APISecret string        `yaml:"api_secret"`
	Interval  time.Duration `yaml:"interval"`
}

type ReconcilerConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

// applyEnv overlays secrets from the environment so credentials never need
// to live in the YAML file.
func applyEnv(cfg *Config) {
	overlay(&cfg.Postgres.DSN, "PESABRIDGE_POSTGRES_DSN")
	overlay(&cfg.Redis.Addr, "PESABRIDGE_REDIS_ADDR")
	overlay(&cfg.Redis.Password, "PESABRIDGE_REDIS_PASSWORD")
	overlay(&cfg.Ethereum.RPCURL, "PESABRIDGE_ETH_RPC_URL")
	overlay(&cfg.Ethereum.PrivateKey, "PESABRIDGE_ETH_PRIVATE_KEY")
	overlay(&cfg.Mpesa.ConsumerKey, "PESABRIDGE_MPESA_CONSUMER_KEY")
	overlay(&cfg.Mpesa.ConsumerSecret, "PESABRIDGE_MPESA_CONSUMER_SECRET")
	overlay(&cfg.Mpesa.Passkey, "PESABRIDGE_MPESA_PASSKEY")
	overlay(&cfg.Binance.APIKey, "PESABRIDGE_BINANCE_API_KEY")
	overlay(&cfg.Binance.APISecret, "PESABRIDGE_BINANCE_API_SECRET")
}

func overlay(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Oracle.MaxAge == 0 {
		cfg.Oracle.MaxAge = 5 * time.Minute
	}
	if cfg.Mpesa.BaseURL == "" {
		cfg.Mpesa.BaseURL = "https://sandbox.safaricom.co.ke"
	}
	if cfg.Binance.BaseURL == "" {
		cfg.Binance.BaseURL = "https://fapi.binance.com"
	}
	if cfg.Binance.Interval == 0 {
		cfg.Binance.Interval = 10 * time.Second
	}
	if cfg.Reconciler.Interval == 0 {
		cfg.Reconciler.Interval = 5 * time.Second
	}
	if cfg.Reconciler.BatchSize == 0 {
		cfg.Reconciler.BatchSize = 50
	}
}

func validate(cfg *Config) error {
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Ethereum.RPCURL == "" {
		return errors.New("ethereum.rpc_url is required")
	}
	if cfg.Ethereum.ContractAddress == "" {
		return errors.New("ethereum.contract_address is required")
	}
	if cfg.Ethereum.PrivateKey == "" {
		return errors.New("ethereum.private_key is required")
	}
	if cfg.Ethereum.ChainID <= 0 {
		return errors.New("ethereum.chain_id must be > 0")
	}
	if cfg.Binance.Enabled {
		if cfg.Binance.APIKey == "" || cfg.Binance.APISecret == "" {
			return errors.New("binance credentials are required when hedging is enabled")
		}
	}
	return nil
}
