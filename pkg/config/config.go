package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"crewcall-backend/pkg/env"
)

// Store drivers
const (
	StoreDriverCockroach = "cockroach"
	StoreDriverSQLite    = "sqlite"
)

// Change feed drivers
const (
	FeedDriverRedis = "redis"
	FeedDriverLocal = "local" // single process only
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	LiveKit   LiveKitConfig
	Call      CallConfig
	Push      PushConfig
	Worker    WorkerConfig
	JWT       JWTConfig
	Log       LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port                   int
	Environment            string // development, staging, production
	ServiceName            string
	AllowedOrigins         []string
	MaxPresenceConnections int
	CommandRateLimit       int // call commands per user per minute, 0 disables
}

// StoreConfig selects the session store backend
type StoreConfig struct {
	Driver     string // cockroach, sqlite
	SQLitePath string
	FeedDriver string // redis, local
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// CassandraConfig holds Cassandra configuration
type CassandraConfig struct {
	Enabled     bool
	Hosts       []string
	Keyspace    string
	Consistency string
	Timeout     time.Duration
	Username    string
	Password    string
}

// LiveKitConfig holds media room provider configuration
type LiveKitConfig struct {
	URL       string // server API URL
	JoinURL   string // URL handed to clients, defaults to URL
	APIKey    string
	APISecret string
	TokenTTL  time.Duration
}

// CallConfig holds call lifecycle tuning
type CallConfig struct {
	ProvisionTimeout  time.Duration
	StoreTimeout      time.Duration
	StoreRetryBackoff time.Duration
	GhostTTL          time.Duration // 0 disables ghost reaping
	ReapInterval      time.Duration
}

// PushConfig holds push provider configuration
type PushConfig struct {
	Provider        string // firebase, mock
	ProjectID       string
	CredentialsPath string
}

// WorkerConfig holds notification worker configuration
type WorkerConfig struct {
	Concurrency int
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables, reading a .env file first when present
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly
	_ = godotenv.Load()

	r := &env.Reader{}

	livekitURL := r.String("LIVEKIT_URL", "")

	cfg := &Config{
		Server: ServerConfig{
			Port:                   r.Int("PORT", 8080),
			Environment:            r.String("ENV", "development"),
			ServiceName:            r.String("SERVICE_NAME", "call-service"),
			AllowedOrigins:         getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://127.0.0.1:3000"}),
			MaxPresenceConnections: r.Int("WS_MAX_PRESENCE_CONNECTIONS", 1000),
			CommandRateLimit:       r.Int("CALL_COMMAND_RATE_LIMIT", 60),
		},
		Store: StoreConfig{
			Driver:     r.String("STORE_DRIVER", StoreDriverCockroach),
			SQLitePath: r.String("SQLITE_PATH", "data/crewcall.db"),
			FeedDriver: r.String("CHANGEFEED_DRIVER", FeedDriverRedis),
		},
		Database: DatabaseConfig{
			Host:     r.String("DB_HOST", "localhost"),
			Port:     r.Int("DB_PORT", 26257),
			User:     r.String("DB_USER", "root"),
			Password: r.Secret("DB_PASSWORD", ""),
			Database: r.String("DB_NAME", "crewcall"),
			SSLMode:  r.String("DB_SSL_MODE", "disable"),
			MaxConns: r.Int("DB_MAX_CONNS", 25),
			MinConns: r.Int("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     r.String("REDIS_HOST", "localhost"),
			Port:     r.Int("REDIS_PORT", 6379),
			Password: r.Secret("REDIS_PASSWORD", ""),
			DB:       r.Int("REDIS_DB", 0),
			PoolSize: r.Int("REDIS_POOL_SIZE", 10),
			Timeout:  r.Duration("REDIS_TIMEOUT", 5*time.Second),
		},
		Cassandra: CassandraConfig{
			Enabled:     r.Bool("CASSANDRA_ENABLED", false),
			Hosts:       getEnvAsSlice("CASSANDRA_HOSTS", []string{"localhost"}),
			Keyspace:    r.String("CASSANDRA_KEYSPACE", "crewcall"),
			Consistency: r.String("CASSANDRA_CONSISTENCY", "QUORUM"),
			Timeout:     r.Duration("CASSANDRA_TIMEOUT", 600*time.Millisecond),
			Username:    r.String("CASSANDRA_USER", ""),
			Password:    r.Secret("CASSANDRA_PASSWORD", ""),
		},
		LiveKit: LiveKitConfig{
			URL:       livekitURL,
			JoinURL:   r.String("LIVEKIT_JOIN_URL", livekitURL),
			APIKey:    r.Secret("LIVEKIT_API_KEY", ""),
			APISecret: r.Secret("LIVEKIT_API_SECRET", ""),
			TokenTTL:  r.Duration("LIVEKIT_TOKEN_TTL", 6*time.Hour),
		},
		Call: CallConfig{
			ProvisionTimeout:  r.Duration("CALL_PROVISION_TIMEOUT", 10*time.Second),
			StoreTimeout:      r.Duration("CALL_STORE_TIMEOUT", 5*time.Second),
			StoreRetryBackoff: r.Duration("CALL_STORE_RETRY_BACKOFF", 200*time.Millisecond),
			GhostTTL:          r.Duration("CALL_GHOST_TTL", 0),
			ReapInterval:      r.Duration("CALL_REAP_INTERVAL", 30*time.Second),
		},
		Push: PushConfig{
			Provider:        r.String("PUSH_PROVIDER", "mock"),
			ProjectID:       r.String("FIREBASE_PROJECT_ID", ""),
			CredentialsPath: r.String("FIREBASE_CREDENTIALS_PATH", ""),
		},
		Worker: WorkerConfig{
			Concurrency: r.Int("WORKER_CONCURRENCY", 10),
		},
		JWT: JWTConfig{
			Secret:            r.Secret("JWT_SECRET", ""),
			AccessTokenExpiry: r.Duration("JWT_ACCESS_EXPIRY", 15*time.Minute),
		},
		Log: LogConfig{
			Level:    r.String("LOG_LEVEL", "info"),
			Format:   r.String("LOG_FORMAT", "json"),
			Output:   r.String("LOG_OUTPUT", "stdout"),
			FilePath: r.String("LOG_FILE_PATH", "/logs/app.log"),
		},
	}

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	// Validate critical configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreDriverCockroach, StoreDriverSQLite:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverCockroach, StoreDriverSQLite, c.Store.Driver)
	}

	switch c.Store.FeedDriver {
	case FeedDriverRedis, FeedDriverLocal:
	default:
		return fmt.Errorf("CHANGEFEED_DRIVER must be %q or %q, got %q", FeedDriverRedis, FeedDriverLocal, c.Store.FeedDriver)
	}

	if c.Call.ProvisionTimeout <= 0 {
		return fmt.Errorf("CALL_PROVISION_TIMEOUT must be positive")
	}
	if c.Call.StoreTimeout <= 0 {
		return fmt.Errorf("CALL_STORE_TIMEOUT must be positive")
	}
	if c.Call.GhostTTL < 0 {
		return fmt.Errorf("CALL_GHOST_TTL must not be negative")
	}
	if c.Call.GhostTTL > 0 && c.Call.ReapInterval <= 0 {
		return fmt.Errorf("CALL_REAP_INTERVAL must be positive when CALL_GHOST_TTL is set")
	}

	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.LiveKit.URL == "" || c.LiveKit.APIKey == "" || c.LiveKit.APISecret == "" {
			return fmt.Errorf("LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET must be set in production")
		}
	}

	return nil
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := env.GetString(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
