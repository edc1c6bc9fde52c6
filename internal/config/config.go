package config

import (
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

// Config carries every tunable the server needs. It is built once at startup
// and passed by reference; nothing reads the environment after that.
type Config struct {
	Port int

	// Session / channel parameters included in every session proposal.
	TokenAddress  string
	ChainID       int
	MinBetAmount  int64 // minor units
	MaxBetAmount  int64 // minor units
	SessionTTL    time.Duration
	DisputePeriod time.Duration
	BetMultiplier int64

	// Settlement node.
	SettlementURL     string
	SettlementTimeout time.Duration

	// Auth.
	JWTSecret       string
	ChallengeExpiry time.Duration

	SignerKey string
}

func Load() *Config {
	return &Config{
		Port:              getEnvAsInt("PORT", 8080),
		TokenAddress:      getEnv("TOKEN_ADDRESS", "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"),
		ChainID:           getEnvAsInt("CHAIN_ID", 137),
		MinBetAmount:      getEnvAsInt64("MIN_BET_AMOUNT", 1_000_000),      // 1 token
		MaxBetAmount:      getEnvAsInt64("MAX_BET_AMOUNT", 1_000_000_000),  // 1000 tokens
		SessionTTL:        getEnvAsDuration("SESSION_TTL", 24*time.Hour),
		DisputePeriod:     getEnvAsDuration("DISPUTE_PERIOD", 5*time.Minute),
		BetMultiplier:     2,
		SettlementURL:     getEnv("SETTLEMENT_NODE_URL", "ws://localhost:9545"),
		SettlementTimeout: getEnvAsDuration("SETTLEMENT_TIMEOUT", 30*time.Second),
		JWTSecret:         getEnv("JWT_SECRET", "dev-jwt-secret"),
		ChallengeExpiry:   getEnvAsDuration("AUTH_CHALLENGE_EXPIRY", 5*time.Minute),
		SignerKey:         getEnv("SERVER_SIGNER_KEY", "dev-signer-key"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
