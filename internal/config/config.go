package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the keysafed daemon.
type Config struct {
	// Homeserver connection
	HomeserverURL string
	AccessToken   string
	UserID        string
	DeviceID      string
	// SigningKeySeed is the unpadded-base64 32-byte seed of the device's
	// ed25519 signing key.
	SigningKeySeed string

	// Store backend: sqlite, postgres or redis
	StoreBackend  string
	SQLitePath    string
	PostgresURL   string
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Admin / metrics HTTP API
	AdminPort string

	// Service registry
	ConsulURL string
	ServiceID string

	// Vault key custody (optional)
	VaultAddr       string
	VaultToken      string
	VaultMountPath  string
	VaultSecretPath string

	// Export archival (optional)
	MinioURL    string
	MinioKey    string
	MinioSecret string
	MinioBucket string
	MinioSecure bool

	// Sync feed for new-session events
	SyncURL string
}

// loadEnvFiles loads environment files in the correct order. godotenv.Load
// never overwrites a variable that is already set, so the most specific file
// is loaded first: .env.local overrides .env.<env>, which overrides .env.
func loadEnvFiles() {
	// Load local overrides (.env.local; ignore error - file may not exist)
	_ = godotenv.Load(".env.local")

	// Load environment-specific file (e.g., .env.development, .env.production)
	if env := os.Getenv("KEYSAFE_ENV"); env != "" {
		_ = godotenv.Load(".env." + env)
	}

	// Load base .env file
	_ = godotenv.Load()
}

// Load reads configuration from environment variables. Fatal on missing
// required values.
func Load() *Config {
	loadEnvFiles()

	cfg := &Config{
		HomeserverURL:  MustGetEnv("HOMESERVER_URL"),
		AccessToken:    MustGetEnv("ACCESS_TOKEN"),
		UserID:         MustGetEnv("USER_ID"),
		DeviceID:       MustGetEnv("DEVICE_ID"),
		SigningKeySeed: MustGetEnv("SIGNING_KEY_SEED"),

		StoreBackend:  getEnv("STORE_BACKEND", "sqlite"),
		SQLitePath:    getEnv("SQLITE_PATH", "keysafe.db"),
		PostgresURL:   getEnv("POSTGRES_URL", ""),
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		AdminPort: getEnv("ADMIN_PORT", "8710"),

		ConsulURL: getEnv("CONSUL_URL", ""),
		ServiceID: getEnv("SERVICE_ID", "keysafed-1"),

		VaultAddr:       getEnv("VAULT_ADDR", ""),
		VaultToken:      getEnv("VAULT_TOKEN", ""),
		VaultMountPath:  getEnv("VAULT_MOUNT_PATH", "secret"),
		VaultSecretPath: getEnv("VAULT_SECRET_PATH", "keysafe"),

		MinioURL:    getEnv("MINIO_URL", ""),
		MinioKey:    getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecret: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket: getEnv("MINIO_BUCKET", "key-exports"),
		MinioSecure: getEnvBool("MINIO_SECURE", false),

		SyncURL: getEnv("SYNC_URL", ""),
	}

	if err := cfg.validate(); err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}
	return cfg
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case "sqlite":
	case "postgres":
		if c.PostgresURL == "" {
			return fmt.Errorf("STORE_BACKEND=postgres requires POSTGRES_URL")
		}
	case "redis":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (want sqlite, postgres or redis)", c.StoreBackend)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// MustGetEnv retrieves an environment variable or fails if not set
func MustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set", key)
	}
	return value
}
