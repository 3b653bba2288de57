package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const maxNumberedKeys = 10

type Config struct {
	// Fireworks
	FireworksAPIBaseURL string
	FireworksModel      string
	FireworksAPIKeys    []string

	// Auth
	JWTSecret  string
	TokenTTL   time.Duration
	AdminUsers []string

	// Store
	StoreBackend string
	SQLitePath   string
	DatabaseURL  string
	RedisURL     string

	// Supabase
	SupabaseURL           string
	SupabaseKey           string
	SupabaseStorageBucket string
	SupabaseEventsTable   string

	// Batches
	BatchAutoDispatch      bool
	BatchWorkers           int
	BatchRefundFailedTasks bool

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Moderation
	ModerationWordsFile string

	// Maintenance
	SweepSchedule string

	// Server
	Port        string
	Environment string
}

// Load reads configuration from the environment, after merging a .env file
// from the working directory when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment variables from .env file")
	}

	tokenTTL, err := getEnvDuration("JWT_TTL", 7*24*time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		FireworksAPIBaseURL: getEnv("FIREWORKS_API_BASE_URL", "https://api.fireworks.ai/inference/v1"),
		FireworksModel:      getEnv("FIREWORKS_MODEL", "flux-kontext-pro"),
		FireworksAPIKeys:    CollectAPIKeys(os.Getenv),

		JWTSecret:  getEnv("JWT_SECRET", ""),
		TokenTTL:   tokenTTL,
		AdminUsers: splitList(getEnv("ADMIN_USERS", "")),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", "memory")),
		SQLitePath:   getEnv("SQLITE_PATH", "imagegen.db"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		RedisURL:     getEnv("REDIS_URL", ""),

		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseKey:           getEnv("SUPABASE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", ""),
		SupabaseEventsTable:   getEnv("SUPABASE_EVENTS_TABLE", ""),

		BatchAutoDispatch:      getEnvBool("BATCH_AUTO_DISPATCH", false),
		BatchWorkers:           getEnvInt("BATCH_WORKERS", 1),
		BatchRefundFailedTasks: getEnvBool("BATCH_REFUND_FAILED_TASKS", false),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 2),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 10),

		ModerationWordsFile: getEnv("MODERATION_WORDS_FILE", ""),

		SweepSchedule: getEnv("SWEEP_SCHEDULE", "0 */5 * * * *"),

		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.BatchWorkers < 1 {
		return fmt.Errorf("BATCH_WORKERS must be at least 1")
	}

	switch c.StoreBackend {
	case "memory":
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite store")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis store")
		}
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_KEY are required for the supabase store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if (c.SupabaseStorageBucket != "" || c.SupabaseEventsTable != "") && (c.SupabaseURL == "" || c.SupabaseKey == "") {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_KEY are required when Supabase storage or events are enabled")
	}
	return nil
}

// IsAdmin reports whether username is listed in ADMIN_USERS.
func (c *Config) IsAdmin(username string) bool {
	for _, admin := range c.AdminUsers {
		if admin == username {
			return true
		}
	}
	return false
}

// CollectAPIKeys gathers upstream keys from FIREWORKS_API_KEYS (comma
// separated) or FIREWORKS_API_KEY, then FIREWORKS_API_KEY_1..10. Order is
// preserved and duplicates dropped.
func CollectAPIKeys(lookup func(string) string) []string {
	var keys []string
	if list := lookup("FIREWORKS_API_KEYS"); list != "" {
		keys = append(keys, splitList(list)...)
	} else if single := strings.TrimSpace(lookup("FIREWORKS_API_KEY")); single != "" {
		keys = append(keys, single)
	}

	for i := 1; i <= maxNumberedKeys; i++ {
		if key := strings.TrimSpace(lookup(fmt.Sprintf("FIREWORKS_API_KEY_%d", i))); key != "" {
			keys = append(keys, key)
		}
	}

	seen := make(map[string]struct{}, len(keys))
	unique := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	return unique
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
