// Package config loads the engine's Config from a YAML file, then
// layers environment variable overrides on top. Both steps live in one
// place since nothing else reads the YAML file directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chainwatch/ew/internal/chain"
)

// Config is the engine's full runtime configuration.
type Config struct {
	PostgresURI string   `yaml:"postgres_uri"`
	NodeURLs    []string `yaml:"node_urls"`
	LogDebug    bool     `yaml:"log_debug"`

	ChannelCapacity    int           `yaml:"channel_capacity"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	ChainSliceWindow   chain.Height  `yaml:"chain_slice_window"`
	RollbackHorizon    chain.Height  `yaml:"rollback_horizon"`
	NodeRateLimitRPS   float64       `yaml:"node_rate_limit_rps"`
	NodeRateLimitBurst int           `yaml:"node_rate_limit_burst"`

	APIPort           int     `yaml:"api_port"`
	MonitorPort       int     `yaml:"monitor_port"`
	AdminJWTKey       string  `yaml:"admin_jwt_key"`
	APIRateLimitRPS   float64 `yaml:"api_rate_limit_rps"`
	APIRateLimitBurst int     `yaml:"api_rate_limit_burst"`

	ExchangeAddresses  []string `yaml:"exchange_addresses"`
	OracleAddress      string   `yaml:"oracle_address"`
	OracleRateScale    float64  `yaml:"oracle_rate_scale"`
	OracleReferenceURL string   `yaml:"oracle_reference_url"`
	OracleAsset        string   `yaml:"oracle_asset"`
}

// Defaults returns the engine's baseline configuration.
func Defaults() Config {
	return Config{
		ChannelCapacity:    8,
		PollInterval:       5000 * time.Millisecond,
		ChainSliceWindow:   10,
		RollbackHorizon:    20,
		NodeRateLimitRPS:   10,
		NodeRateLimitBurst: 20,
		APIPort:            8080,
		MonitorPort:        8081,
		APIRateLimitRPS:    10,
		APIRateLimitBurst:  20,
		OracleRateScale:    1e9,
		OracleReferenceURL: "https://api.coingecko.com/api/v3/simple/price",
		OracleAsset:        "ergo",
	}
}

// Load reads path as YAML over Defaults(), then applies env var
// overrides (EW_POSTGRES_URI, EW_NODE_URL, EW_LOG_DEBUG among others);
// an env var always wins over whatever the file says. An empty path
// skips the file step entirely, useful for tests and for fully
// env-driven deployments.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EW_POSTGRES_URI"); v != "" {
		cfg.PostgresURI = v
	}
	if v := os.Getenv("EW_NODE_URL"); v != "" {
		cfg.NodeURLs = []string{v}
	}
	if v := os.Getenv("EW_LOG_DEBUG"); v != "" {
		cfg.LogDebug = v == "true"
	}
	if v := os.Getenv("EW_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.APIPort = n
		}
	}
	if v := os.Getenv("EW_MONITOR_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MonitorPort = n
		}
	}
	if v := os.Getenv("EW_ADMIN_JWT_KEY"); v != "" {
		cfg.AdminJWTKey = v
	}
	if v := os.Getenv("EW_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("EW_CHAIN_SLICE_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChainSliceWindow = chain.Height(n)
		}
	}
	if v := os.Getenv("EW_ROLLBACK_HORIZON"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RollbackHorizon = chain.Height(n)
		}
	}
}
