// Package config loads service settings from the environment and the chain
// configuration (tokens, pricing strategies, protocol addresses) from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// ErrMissingSetting is returned when a required environment variable is
// unset.
var ErrMissingSetting = errors.New("config: missing required setting")

// Config holds the service settings.
type Config struct {
	Port           string
	RPCURL         string
	FundAddress    common.Address
	ChainConfig    string // path to the chain YAML file
	RedisURL       string // empty disables the Redis report cache
	ResolveTimeout time.Duration
	ReportCacheTTL time.Duration // zero disables report caching
	LogLevel       slog.Level
}

// Load reads settings from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		RPCURL:      os.Getenv("RPC_URL"),
		ChainConfig: getEnv("CHAIN_CONFIG", "configs/bsc.yaml"),
		RedisURL:    os.Getenv("REDIS_URL"),
	}

	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: RPC_URL", ErrMissingSetting)
	}

	fund := os.Getenv("FUND_ADDRESS")
	if fund == "" {
		return nil, fmt.Errorf("%w: FUND_ADDRESS", ErrMissingSetting)
	}
	if !common.IsHexAddress(fund) {
		return nil, fmt.Errorf("config: FUND_ADDRESS %q is not an address", fund)
	}
	cfg.FundAddress = common.HexToAddress(fund)

	var err error
	if cfg.ResolveTimeout, err = getEnvDuration("RESOLVE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReportCacheTTL, err = getEnvDuration("REPORT_CACHE_TTL", 0); err != nil {
		return nil, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", key)
	}
	return d, nil
}
