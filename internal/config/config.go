package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env             string
	HTTPPort        string
	DataDir         string
	JWTIssuer       string
	JWTSecret       string
	TokenTTL        time.Duration
	RedisAddr       string
	QueueBackend    string
	RateLimitPerMin int
	AuthEnforce     bool
	MockHistory     bool
	LogLevel        string

	// Ledger mirror settings; any empty value disables the mirror without
	// affecting the rest of the system.
	LedgerRPCURL   string
	LedgerContract string
	LedgerSigner   string
	LedgerTimeout  time.Duration
}

// Load returns application config populated from environment variables with
// sensible defaults. Outside production a .env file is honored when present.
func Load() App {
	if env := os.Getenv("APP_ENV"); env != "production" && env != "prod" {
		_ = godotenv.Load()
	}
	return App{
		Env:             getEnv("APP_ENV", "dev"),
		HTTPPort:        getEnv("PORT", "5000"),
		DataDir:         getEnv("DATA_DIR", "data"),
		JWTIssuer:       getEnv("JWT_ISSUER", "blockattend"),
		JWTSecret:       getEnv("JWT_SECRET", "super_secret_key_123"),
		TokenTTL:        durationEnv("TOKEN_TTL", 4*time.Hour),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		QueueBackend:    getEnv("QUEUE_BACKEND", "memory"),
		RateLimitPerMin: intEnv("RATE_LIMIT_PER_MIN", 120),
		AuthEnforce:     boolEnv("AUTH_ENFORCE", false),
		MockHistory:     boolEnv("MOCK_HISTORY", true),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LedgerRPCURL:    getEnv("RPC_URL", "http://127.0.0.1:8545"),
		LedgerContract:  getEnv("ATTENDANCE_CONTRACT_ADDRESS", ""),
		LedgerSigner:    getEnv("SIGNER_PRIVATE_KEY", ""),
		LedgerTimeout:   durationEnv("LEDGER_TIMEOUT", 90*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Printf("invalid duration for %s: %v, using fallback %s", key, err, fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if val == "1" || val == "true" || val == "TRUE" {
			return true
		}
		if val == "0" || val == "false" || val == "FALSE" {
			return false
		}
		log.Printf("invalid bool for %s, using fallback %v", key, fallback)
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		log.Printf("invalid int for %s, using fallback %d", key, fallback)
	}
	return fallback
}
