package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// JWT
	JWTSecret      string
	JWTExpireHours int

	// API
	APIPort    int
	UploadPort int

	// Credential vault master key (64 hex chars = 32 bytes)
	VaultMasterKey string

	// Drive gateway (backend storage provider)
	GatewayURL   string
	GatewayToken string

	// Scheduler
	SchedulerMaxConcurrent int

	// Abuse controls
	LoginMaxAttempts   int // failed logins per address before lockout
	LoginBlockMinutes  int
	RateLimitRequests  int // API requests per address per window
	RateLimitWindowSec int

	// Provisioning
	PerAccountQuota       int64 // default capacity of a freshly created drive
	AccountCreateDelaySec int   // pacing between account creations
	ProvisionPollAttempts int
	ProvisionPollDelaySec int
	PoolOwner             string // prefix for provisioned project names
}

// generateSecureSecret generates a cryptographically secure random secret
func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a timestamp-based approach if crypto/rand fails
		return hex.EncodeToString([]byte(os.Getenv("HOSTNAME") + string(rune(length))))
	}
	return hex.EncodeToString(bytes)
}

func Load() *Config {
	// JWT Secret - generate random if not provided
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = generateSecureSecret(32) // 64 character hex string
		log.Println("WARNING: JWT_SECRET not set - generated random secret. Sessions will not persist across restarts.")
	}

	// Database password - warn if using default
	dbPassword := getEnv("DB_PASSWORD", "")
	if dbPassword == "" {
		log.Println("WARNING: DB_PASSWORD not set - this is insecure for production!")
		dbPassword = "changeme"
	}

	// Redis password - warn if using default
	redisPassword := getEnv("REDIS_PASSWORD", "")
	if redisPassword == "" {
		log.Println("WARNING: REDIS_PASSWORD not set - Redis is not secured!")
	}

	// Vault master key is mandatory: drive credentials are unreadable without it
	vaultKey := os.Getenv("VAULT_MASTER_KEY")
	if vaultKey == "" {
		log.Fatal("VAULT_MASTER_KEY not set - refusing to start without a credential vault key")
	}
	if decoded, err := hex.DecodeString(vaultKey); err != nil || len(decoded) != 32 {
		log.Fatal("VAULT_MASTER_KEY must be 64 hex characters (32 bytes)")
	}

	return &Config{
		// Database
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "drivepool"),
		DBPassword: dbPassword,
		DBName:     getEnv("DB_NAME", "drivepool"),

		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnvInt("REDIS_PORT", 6379),
		RedisPassword: redisPassword,

		// JWT
		JWTSecret:      jwtSecret,
		JWTExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 168), // 7 days default

		// API
		APIPort:    getEnvInt("API_PORT", 8080),
		UploadPort: getEnvInt("UPLOAD_PORT", 8081),

		VaultMasterKey: vaultKey,

		// Drive gateway
		GatewayURL:   getEnv("GATEWAY_URL", "http://localhost:9090"),
		GatewayToken: getEnv("GATEWAY_TOKEN", ""),

		// Scheduler
		SchedulerMaxConcurrent: getEnvInt("SCHEDULER_MAX_CONCURRENT", 20),

		// Abuse controls
		LoginMaxAttempts:   getEnvInt("LOGIN_MAX_ATTEMPTS", 5),
		LoginBlockMinutes:  getEnvInt("LOGIN_BLOCK_MINUTES", 15),
		RateLimitRequests:  getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindowSec: getEnvInt("RATE_LIMIT_WINDOW_SEC", 60),

		// Provisioning
		PerAccountQuota:       getEnvInt64("PER_ACCOUNT_QUOTA", 15*1024*1024*1024), // 15 GB
		AccountCreateDelaySec: getEnvInt("ACCOUNT_CREATE_DELAY_SEC", 2),
		ProvisionPollAttempts: getEnvInt("PROVISION_POLL_ATTEMPTS", 10),
		ProvisionPollDelaySec: getEnvInt("PROVISION_POLL_DELAY_SEC", 3),
		PoolOwner:             getEnv("POOL_OWNER", "drivepool"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}
