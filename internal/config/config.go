// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Service   *ServiceConfig
	Mongo     *MongoConfig
	Redis     *RedisConfig
	SQLite    *SQLiteConfig
	Auth      *AuthConfig
	Presence  *PresenceConfig
	Messaging *MessagingConfig
	RateLimit *RateLimitConfig
	Logger    *LoggerConfig
	Tracer    *TracerConfig
}

type ServiceConfig struct {
	Name        string
	Env         string
	HTTPAddr    string
	GRPCAddr    string
	CORSOrigins []string
	TLSCert     string
	TLSKey      string
	RequireTLS  bool
}

type MongoConfig struct {
	URI      string
	Database string
}

// RedisConfig is optional; an empty URL disables the presence mirror.
type RedisConfig struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	PingTimeout  time.Duration
}

type SQLiteConfig struct {
	WatermarkPath string
}

type AuthConfig struct {
	Secret    string
	Keys      map[string]string
	ActiveKID string
	TokenTTL  time.Duration
}

type PresenceConfig struct {
	Heartbeat    time.Duration
	OnlineWindow time.Duration
}

type MessagingConfig struct {
	SeenDebounce      time.Duration
	DeliveryHintDelay time.Duration
	ReviewCollections []string
}

type RateLimitConfig struct {
	AuthRPM   int
	ActionRPM int
	Burst     int
}

type LoggerConfig struct {
	Level  string
	Format string
}

type TracerConfig struct {
	Address string
}

// Load reads the environment, seeded from a .env file when present.
func Load() (*Config, error) {
	loadDotEnv()

	keys, err := parseKeys(getEnv("JWT_KEYS", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Service: &ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "marketchat"),
			Env:         getEnv("SERVICE_ENV", "development"),
			HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
			GRPCAddr:    getEnv("GRPC_ADDR", ":50051"),
			CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
			TLSCert:     getEnv("TLS_CERT", ""),
			TLSKey:      getEnv("TLS_KEY", ""),
			RequireTLS:  getEnvBool("REQUIRE_TLS", false),
		},
		Mongo: &MongoConfig{
			URI:      getEnv("MONGODB_URI", ""),
			Database: getEnv("MONGODB_DB", "marketchat"),
		},
		Redis: &RedisConfig{
			URL:          getEnv("REDIS_URL", ""),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE", 2),
			PingTimeout:  getEnvDuration("REDIS_PING_TIMEOUT", 2*time.Second),
		},
		SQLite: &SQLiteConfig{
			WatermarkPath: getEnv("WATERMARK_DB", "watermarks.db"),
		},
		Auth: &AuthConfig{
			Secret:    getEnv("JWT_SECRET", ""),
			Keys:      keys,
			ActiveKID: getEnv("JWT_ACTIVE_KID", ""),
			TokenTTL:  getEnvDuration("JWT_TTL", 24*time.Hour),
		},
		Presence: &PresenceConfig{
			Heartbeat:    getEnvDuration("PRESENCE_HEARTBEAT", 30*time.Second),
			OnlineWindow: getEnvDuration("PRESENCE_ONLINE_WINDOW", 90*time.Second),
		},
		Messaging: &MessagingConfig{
			SeenDebounce:      getEnvDuration("SEEN_DEBOUNCE", 500*time.Millisecond),
			DeliveryHintDelay: getEnvDuration("DELIVERY_HINT_DELAY", time.Second),
			ReviewCollections: getEnvList("REVIEW_COLLECTIONS", []string{"worker_reviews", "service_reviews", "ad_reviews"}),
		},
		RateLimit: &RateLimitConfig{
			AuthRPM:   getEnvInt("RATE_LIMIT_RPM", 10),
			ActionRPM: getEnvInt("ACTION_RATE_LIMIT_RPM", 120),
			Burst:     getEnvInt("RATE_LIMIT_BURST", 3),
		},
		Logger: &LoggerConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Tracer: &TracerConfig{
			Address: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		},
	}

	if cfg.Mongo.URI == "" {
		return nil, errors.New("MONGODB_URI must be set")
	}
	if cfg.Service.RequireTLS && (cfg.Service.TLSCert == "" || cfg.Service.TLSKey == "") {
		return nil, errors.New("REQUIRE_TLS is true but TLS_CERT/TLS_KEY are not configured")
	}
	if cfg.Auth.Secret == "" && len(cfg.Auth.Keys) == 0 {
		return nil, errors.New("either JWT_SECRET or JWT_KEYS must be set")
	}
	if len(cfg.Auth.Keys) > 0 {
		if _, ok := cfg.Auth.Keys[cfg.Auth.ActiveKID]; !ok {
			return nil, fmt.Errorf("JWT_ACTIVE_KID %q is not among JWT_KEYS", cfg.Auth.ActiveKID)
		}
	}
	return cfg, nil
}

// parseKeys reads "kid:secret,kid2:secret2".
func parseKeys(v string) (map[string]string, error) {
	keys := map[string]string{}
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kid, secret, ok := strings.Cut(p, ":")
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("invalid JWT_KEYS entry: %s", p)
		}
		keys[kid] = secret
	}
	return keys, nil
}
