// Package config loads the runtime knobs spec.md §6 names from the
// environment, the same multi-file layered style the teacher's own
// config package uses for its server settings.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

var configLogger = log.New(os.Stdout, "[CONFIG] ", log.Ldate|log.Ltime|log.LUTC)

// Config holds every tunable this core reads from the environment.
// Fields map 1:1 onto spec.md §6's knob list.
type Config struct {
	// SessionKeyRotationHours is a ratchet session's time-based rekey
	// interval (internal/ratchet's DefaultRekeyInterval is its default;
	// State.SetRekeyInterval applies it per session). cmd/sessiongc also
	// uses it as the prekey rotation scheduler's check interval.
	SessionKeyRotationHours int
	// MaxMessagesPerChain bounds how many messages a single sending
	// chain may encrypt before a self-ratchet step is forced.
	MaxMessagesPerChain int
	// MaxSkippedKeysPerChain bounds the skipped-message-key cache each
	// ratchet session retains for out-of-order delivery.
	MaxSkippedKeysPerChain int
	// OneTimePrekeyPoolSize is how many one-time prekeys a registry
	// entry should be replenished up to.
	OneTimePrekeyPoolSize int
	// SignedPrekeyRotationDays is how often a user's signed prekey
	// should be rotated and re-published to the registry.
	SignedPrekeyRotationDays int
	// EpochKeyRetentionCount is how many past group epochs remain
	// decryptable before internal/group evicts them.
	EpochKeyRetentionCount int
	// SessionStorePath is the base directory internal/store.File
	// persists session blobs under.
	SessionStorePath string
}

// loadEnvFiles loads environment files in the same order the teacher's
// config package does: base .env, then an environment-specific
// override, then a local override that always wins.
func loadEnvFiles() {
	_ = godotenv.Load()
	if env := os.Getenv("NODE_ENV"); env != "" {
		_ = godotenv.Load(".env." + env)
	}
	_ = godotenv.Load(".env.local")
}

// Load reads the environment (after layering .env files) into a
// Config, falling back to spec.md §6's defaults for anything unset or
// unparsable.
func Load() *Config {
	loadEnvFiles()

	cfg := &Config{
		SessionKeyRotationHours:  getEnvInt("SESSION_KEY_ROTATION_HOURS", 24),
		MaxMessagesPerChain:      getEnvInt("MAX_MESSAGES_PER_CHAIN", 1000),
		MaxSkippedKeysPerChain:   getEnvInt("MAX_SKIPPED_KEYS_PER_CHAIN", 1000),
		OneTimePrekeyPoolSize:    getEnvInt("ONE_TIME_PREKEY_POOL_SIZE", 100),
		SignedPrekeyRotationDays: getEnvInt("SIGNED_PREKEY_ROTATION_DAYS", 7),
		EpochKeyRetentionCount:   getEnvInt("EPOCH_KEY_RETENTION_COUNT", 10),
		SessionStorePath:         getEnv("SESSION_STORE_PATH", "./data/sessions"),
	}

	configLogger.Printf("loaded config: rotation=%dh maxMsgsPerChain=%d maxSkippedKeys=%d "+
		"prekeyPool=%d signedPrekeyRotation=%dd epochRetention=%d storePath=%s",
		cfg.SessionKeyRotationHours, cfg.MaxMessagesPerChain, cfg.MaxSkippedKeysPerChain,
		cfg.OneTimePrekeyPoolSize, cfg.SignedPrekeyRotationDays, cfg.EpochKeyRetentionCount,
		cfg.SessionStorePath)

	return cfg
}

// SessionKeyRotationInterval converts SessionKeyRotationHours to a
// time.Duration for callers that schedule rotation directly.
func (c *Config) SessionKeyRotationInterval() time.Duration {
	return time.Duration(c.SessionKeyRotationHours) * time.Hour
}

// SignedPrekeyRotationInterval converts SignedPrekeyRotationDays to a
// time.Duration.
func (c *Config) SignedPrekeyRotationInterval() time.Duration {
	return time.Duration(c.SignedPrekeyRotationDays) * 24 * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		configLogger.Printf("warning: %s=%q is not a valid integer, using default %d", key, value, defaultValue)
		return defaultValue
	}
	if parsed <= 0 {
		configLogger.Printf("warning: %s=%d must be positive, using default %d", key, parsed, defaultValue)
		return defaultValue
	}
	return parsed
}

// MustGetEnv retrieves a required environment variable or fails fast —
// used by callers that need a value with no sane default, such as a
// deployment-specific identity seed.
func MustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("FATAL: required environment variable %s is not set", key)
	}
	return value
}
