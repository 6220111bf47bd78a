// Package config loads runtime configuration for the payment gateway
// daemon from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// NetworkConfig holds the chain-facing settings for one network.
type NetworkConfig struct {
	RPCURL         string
	GatewayAddress string
	PrivateKey     string
	ChainID        int64
}

// Config represents runtime configuration for the payment gateway.
type Config struct {
	ListenAddress string
	DatabaseURL   string
	Environment   string

	Testnet *NetworkConfig
	Mainnet *NetworkConfig

	WatchInterval time.Duration
	Lookback      uint64
	SweepInterval time.Duration
	Staleness     time.Duration
	QueueCapacity int

	SettleHour      int
	SettleMinute    int
	SettleNetwork   string
	SettleThreshold int64

	TelegramBotToken string
	TelegramChatID   string
}

// FromEnv builds a Config from OPENLYPAY_* environment variables. At
// least one network must be configured.
func FromEnv() (*Config, error) {
	dbURL := os.Getenv("OPENLYPAY_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("OPENLYPAY_DB_URL is required")
	}

	cfg := &Config{
		ListenAddress: getEnvDefault("OPENLYPAY_LISTEN", ":8080"),
		DatabaseURL:   dbURL,
		Environment:   getEnvDefault("OPENLYPAY_ENV", "development"),

		WatchInterval: parseDurationEnv("OPENLYPAY_WATCH_INTERVAL", 5*time.Second),
		Lookback:      uint64(parseIntEnv("OPENLYPAY_LOOKBACK_BLOCKS", 1200)),
		SweepInterval: parseDurationEnv("OPENLYPAY_SWEEP_INTERVAL", 30*time.Second),
		Staleness:     parseDurationEnv("OPENLYPAY_STALENESS", 3*time.Minute),
		QueueCapacity: parseIntEnv("OPENLYPAY_QUEUE_CAPACITY", 256),

		SettleHour:    parseIntEnv("OPENLYPAY_SETTLE_HOUR", 0),
		SettleMinute:  parseIntEnv("OPENLYPAY_SETTLE_MINUTE", 0),
		SettleNetwork: getEnvDefault("OPENLYPAY_SETTLE_NETWORK", "MAINNET"),

		TelegramBotToken: strings.TrimSpace(os.Getenv("OPENLYPAY_TELEGRAM_BOT_TOKEN")),
		TelegramChatID:   strings.TrimSpace(os.Getenv("OPENLYPAY_TELEGRAM_CHAT_ID")),
	}

	threshold := getEnvDefault("OPENLYPAY_SETTLE_THRESHOLD_USDC", "10")
	thresholdValue, err := strconv.ParseFloat(threshold, 64)
	if err != nil || thresholdValue <= 0 {
		return nil, fmt.Errorf("invalid OPENLYPAY_SETTLE_THRESHOLD_USDC %q", threshold)
	}
	cfg.SettleThreshold = int64(thresholdValue * 1e6)

	testnet, err := networkFromEnv("TESTNET")
	if err != nil {
		return nil, err
	}
	mainnet, err := networkFromEnv("MAINNET")
	if err != nil {
		return nil, err
	}
	if testnet == nil && mainnet == nil {
		return nil, fmt.Errorf("at least one of OPENLYPAY_TESTNET_RPC_URL or OPENLYPAY_MAINNET_RPC_URL is required")
	}
	cfg.Testnet = testnet
	cfg.Mainnet = mainnet
	return cfg, nil
}

// networkFromEnv reads the per-network variable group. A network with no
// RPC URL is treated as disabled; a partially configured one is an error.
func networkFromEnv(name string) (*NetworkConfig, error) {
	rpcURL := strings.TrimSpace(os.Getenv("OPENLYPAY_" + name + "_RPC_URL"))
	if rpcURL == "" {
		return nil, nil
	}
	gateway := strings.TrimSpace(os.Getenv("OPENLYPAY_" + name + "_GATEWAY_ADDRESS"))
	if gateway == "" {
		return nil, fmt.Errorf("OPENLYPAY_%s_GATEWAY_ADDRESS is required when OPENLYPAY_%s_RPC_URL is set", name, name)
	}
	chainIDRaw := strings.TrimSpace(os.Getenv("OPENLYPAY_" + name + "_CHAIN_ID"))
	chainID, err := strconv.ParseInt(chainIDRaw, 10, 64)
	if err != nil || chainID <= 0 {
		return nil, fmt.Errorf("invalid OPENLYPAY_%s_CHAIN_ID %q", name, chainIDRaw)
	}
	return &NetworkConfig{
		RPCURL:         rpcURL,
		GatewayAddress: gateway,
		PrivateKey:     strings.TrimSpace(os.Getenv("OPENLYPAY_" + name + "_PRIVATE_KEY")),
		ChainID:        chainID,
	}, nil
}

func getEnvDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
