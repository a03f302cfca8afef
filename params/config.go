package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

type Storage struct {
	DataDir string
}

type Log struct {
	File  string // empty logs to stdout only
	Level string
}

type API struct {
	Addr              string
	RequireSignatures bool
	AllowedOrigins    []string
	Faucet            bool // exposes the mint endpoint; development only
}

// Market is created at startup when it does not exist yet.
type Market struct {
	Address           common.Address
	BaseAsset         string
	QuoteAsset        string
	AllowSelfMatching bool
	EmitEvents        bool
	ReleaseOnCancel   bool
	PreCancelWindow   time.Duration
}

type Kafka struct {
	Brokers []string // empty disables the publisher
	Topic   string
}

type Config struct {
	Storage Storage
	Log     Log
	API     API
	Market  Market
	Kafka   Kafka
}

func Default() Config {
	return Config{
		Storage: Storage{DataDir: "data/escrow"},
		Log:     Log{File: "logs/escrowd.log", Level: "info"},
		API: API{
			Addr:              ":8080",
			RequireSignatures: true,
			AllowedOrigins:    []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Market: Market{
			Address:         common.HexToAddress("0x0000000000000000000000000000000000001001"),
			BaseAsset:       "HYPL",
			QuoteAsset:      "USDC",
			EmitEvents:      true,
			ReleaseOnCancel: true,
			PreCancelWindow: time.Minute,
		},
		Kafka: Kafka{Topic: "escrow-events"},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v, ok := os.LookupEnv("DATA_DIR"); ok {
		cfg.Storage.DataDir = v
	}
	if v, ok := os.LookupEnv("LOG_FILE"); ok {
		cfg.Log.File = v
	}
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if v := os.Getenv("API_ALLOWED_ORIGINS"); v != "" {
		cfg.API.AllowedOrigins = splitList(v)
	}

	if v := os.Getenv("MARKET_ADDRESS"); v != "" {
		if !common.IsHexAddress(v) {
			return cfg, fmt.Errorf("MARKET_ADDRESS: %q is not a hex address", v)
		}
		cfg.Market.Address = common.HexToAddress(v)
	}
	cfg.Market.BaseAsset = getEnv("MARKET_BASE_ASSET", cfg.Market.BaseAsset)
	cfg.Market.QuoteAsset = getEnv("MARKET_QUOTE_ASSET", cfg.Market.QuoteAsset)

	bools := []struct {
		key string
		dst *bool
	}{
		{"API_REQUIRE_SIGNATURES", &cfg.API.RequireSignatures},
		{"API_FAUCET", &cfg.API.Faucet},
		{"MARKET_ALLOW_SELF_MATCHING", &cfg.Market.AllowSelfMatching},
		{"MARKET_EMIT_EVENTS", &cfg.Market.EmitEvents},
		{"MARKET_RELEASE_ON_CANCEL", &cfg.Market.ReleaseOnCancel},
	}
	for _, b := range bools {
		v := os.Getenv(b.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", b.key, err)
		}
		*b.dst = parsed
	}

	if v := os.Getenv("MARKET_PRE_CANCEL_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("MARKET_PRE_CANCEL_WINDOW: %w", err)
		}
		cfg.Market.PreCancelWindow = d
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	return cfg, nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
