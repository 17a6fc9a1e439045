package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string   `mapstructure:"MIGRATIONS_DIR"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`
	UploadLimit    string   `mapstructure:"UPLOAD_LIMIT"`

	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`

	AIServiceURL     string        `mapstructure:"AI_SERVICE_URL"`
	AIAPIKey         string        `mapstructure:"AI_API_KEY"`
	AIModel          string        `mapstructure:"AI_MODEL"`
	AITimeout        time.Duration `mapstructure:"AI_TIMEOUT"`
	AIMaxAttempts    int           `mapstructure:"AI_MAX_ATTEMPTS"`
	AIRetryBaseDelay time.Duration `mapstructure:"AI_RETRY_BASE_DELAY"`
	AIRPS            float64       `mapstructure:"AI_RPS"`

	LabDictionaryFile string        `mapstructure:"LAB_DICTIONARY_FILE"`
	// ChartLockTTL is how long a crashed holder blocks a patient's chart.
	// Live holders renew it every third of the TTL.
	ChartLockTTL      time.Duration `mapstructure:"CHART_LOCK_TTL"`
	ChartWriteRetries int           `mapstructure:"CHART_WRITE_RETRIES"`
	ExtractionTimeout time.Duration `mapstructure:"EXTRACTION_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"REDIS_URL", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "UPLOAD_LIMIT",
	"STORAGE_BACKEND", "MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY",
	"MINIO_BUCKET", "MINIO_USE_SSL",
	"AI_SERVICE_URL", "AI_API_KEY", "AI_MODEL", "AI_TIMEOUT", "AI_MAX_ATTEMPTS",
	"AI_RETRY_BASE_DELAY", "AI_RPS",
	"LAB_DICTIONARY_FILE", "CHART_LOCK_TTL", "CHART_WRITE_RETRIES", "EXTRACTION_TIMEOUT",
}

// Load reads the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("UPLOAD_LIMIT", "25M")
	v.SetDefault("STORAGE_BACKEND", "memory")
	v.SetDefault("MINIO_BUCKET", "clinical-documents")
	v.SetDefault("AI_MODEL", "clinical-extract")
	v.SetDefault("AI_TIMEOUT", "60s")
	v.SetDefault("AI_MAX_ATTEMPTS", 3)
	v.SetDefault("AI_RETRY_BASE_DELAY", "500ms")
	v.SetDefault("AI_RPS", 5)
	v.SetDefault("CHART_LOCK_TTL", "30s")
	v.SetDefault("CHART_WRITE_RETRIES", 3)
	v.SetDefault("EXTRACTION_TIMEOUT", "90s")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesDatabase reports whether Postgres-backed stores are configured. Without
// DATABASE_URL the server runs on in-memory stores.
func (c *Config) UsesDatabase() bool {
	return c.DatabaseURL != ""
}

// Validate rejects settings the server cannot run safely with.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "test", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, test, staging or production, got %q", c.Env)
	}

	if !c.IsDev() {
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%s", c.Env)
		}
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters")
		}
	}
	if c.IsProduction() {
		if c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	switch c.StorageBackend {
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("STORAGE_BACKEND=memory is not allowed in production")
		}
	case "minio":
		if c.MinioEndpoint == "" {
			return fmt.Errorf("MINIO_ENDPOINT is required when STORAGE_BACKEND=minio")
		}
		if c.MinioBucket == "" {
			return fmt.Errorf("MINIO_BUCKET is required when STORAGE_BACKEND=minio")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be memory or minio, got %q", c.StorageBackend)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.AIMaxAttempts <= 0 {
		return fmt.Errorf("AI_MAX_ATTEMPTS must be positive, got %d", c.AIMaxAttempts)
	}
	if c.ChartWriteRetries <= 0 {
		return fmt.Errorf("CHART_WRITE_RETRIES must be positive, got %d", c.ChartWriteRetries)
	}
	if c.ExtractionTimeout <= 0 {
		return fmt.Errorf("EXTRACTION_TIMEOUT must be positive, got %s", c.ExtractionTimeout)
	}
	if c.ChartLockTTL <= 0 {
		return fmt.Errorf("CHART_LOCK_TTL must be positive, got %s", c.ChartLockTTL)
	}
	return nil
}
