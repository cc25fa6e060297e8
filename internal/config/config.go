package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CardMode selects the identity-card issuance policy. It is fixed at
// process start and never mutated afterwards.
type CardMode int

const (
	// SingleCard reuses one ledger identity per participant across all
	// studies they ever interact with.
	SingleCard CardMode = iota
	// MultiCard lets a participant accumulate one ledger identity per
	// onboarding event; validity is judged per study.
	MultiCard
)

func (m CardMode) String() string {
	if m == MultiCard {
		return "multi"
	}
	return "single"
}

// Backend names the ledger connector implementation.
type Backend string

const (
	BackendRest  Backend = "rest"
	BackendChain Backend = "chain"
)

// Config is the immutable process configuration. All knobs come from
// BIOBANK_* environment variables; none may change per request.
type Config struct {
	Addr  string
	PGDSN string

	Backend  Backend
	CardMode CardMode

	// REST ledger backend
	RestAdminURL   string
	RestAdminToken string
	RestUserURL    string
	RestUserToken  string

	// Chain ledger backend
	ChainRPCURL   string
	ChainContract string
	ChainKeyHex   string
	ChainID       int64
	ChainPoll     time.Duration

	// HS256 secret enabling the JWT token source; when empty the gateway
	// resolves bearer tokens through the relational token store.
	TokenSecret string

	// 32-byte hex key for participant PII encryption at rest.
	PIIKey []byte

	TaskWorkers int
	RateBurst   int
	RatePerSec  int
}

// FromEnv loads and validates the process configuration.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:           envOr("BIOBANK_ADDR", ":8080"),
		PGDSN:          os.Getenv("BIOBANK_PG_DSN"),
		Backend:        Backend(envOr("BIOBANK_LEDGER_BACKEND", string(BackendRest))),
		RestAdminURL:   os.Getenv("BIOBANK_REST_ADMIN_URL"),
		RestAdminToken: os.Getenv("BIOBANK_REST_ADMIN_TOKEN"),
		RestUserURL:    os.Getenv("BIOBANK_REST_USER_URL"),
		RestUserToken:  os.Getenv("BIOBANK_REST_USER_TOKEN"),
		ChainRPCURL:    os.Getenv("BIOBANK_CHAIN_RPC_URL"),
		ChainContract:  os.Getenv("BIOBANK_CHAIN_CONTRACT"),
		ChainKeyHex:    os.Getenv("BIOBANK_CHAIN_KEY"),
		ChainPoll:      2 * time.Second,
		TokenSecret:    os.Getenv("BIOBANK_TOKEN_SECRET"),
		TaskWorkers:    envInt("BIOBANK_TASK_WORKERS", 4),
		RateBurst:      envInt("BIOBANK_RATE_BURST", 20),
		RatePerSec:     envInt("BIOBANK_RATE_PER_SEC", 10),
	}

	if os.Getenv("BIOBANK_MULTI_CARD") == "true" {
		cfg.CardMode = MultiCard
	}

	switch cfg.Backend {
	case BackendRest, BackendChain:
	default:
		return Config{}, fmt.Errorf("config: unknown ledger backend %q", cfg.Backend)
	}

	if cfg.Backend == BackendChain {
		cid, err := strconv.ParseInt(envOr("BIOBANK_CHAIN_ID", "1337"), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("config: BIOBANK_CHAIN_ID: %w", err)
		}
		cfg.ChainID = cid
	}

	if raw := os.Getenv("BIOBANK_PII_KEY"); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: BIOBANK_PII_KEY is not hex: %w", err)
		}
		if len(key) != 32 {
			return Config{}, fmt.Errorf("config: BIOBANK_PII_KEY must be 32 bytes, got %d", len(key))
		}
		cfg.PIIKey = key
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
