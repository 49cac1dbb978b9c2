package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// DefaultDependencyOrder lists entity types parents first.
var DefaultDependencyOrder = []string{"User", "Party", "Pen", "TallySession", "Voter", "TallyLine", "AuditLog"}

type Config struct {
	Env  string
	Port int

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Log      LogConfig
	Cache    CacheConfig
	Sync     SyncConfig
	Station  StationConfig
	CORS     CORSConfig

	// Adjustments records every value that was clamped into its allowed range.
	Adjustments []string
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig carries the shared secret used to sign and verify operator tokens.
type JWTConfig struct {
	Secret     string
	Expiration time.Duration
	Issuer     string
}

type LogConfig struct {
	Level  string
	Format string
}

// CacheConfig tunes the server side pull cache.
type CacheConfig struct {
	PullTTL   time.Duration
	StatusTTL time.Duration
}

// SyncConfig drives the station sync engine and the server's advertised sync flag.
type SyncConfig struct {
	Endpoint        string
	Enabled         bool
	Interval        time.Duration
	MaxPayloadSize  int
	FastTallySync   bool
	FastBatchSize   int
	PullPageSize    int
	MaxPullPages    int
	MaxRetries      int
	BackoffBase     float64
	BackoffMax      time.Duration
	DependencyOrder []string
	RequestTimeout  time.Duration
}

// StationConfig identifies the local polling station and its operator.
type StationConfig struct {
	ID           string
	DatabasePath string
	ListenAddr   string
	OperatorID   string
	OperatorRole string
	AuthToken    string
}

type CORSConfig struct {
	AllowedOrigins []string
}

// Bounds enforced at load time.
const (
	MinIntervalSeconds = 60
	MaxIntervalSeconds = 3600
	MinPayloadSize     = 1024
	MaxPayloadSize     = 10485760
	MinFastBatchSize   = 1
	MaxFastBatchSize   = 50
	MinPullPageSize    = 10
	MaxPullPageSize    = 1000
	MinPullPages       = 1
	MaxPullPages       = 100
	MinRetries         = 1
	MaxRetries         = 10
	MinBackoffBase     = 1.0
	MaxBackoffBase     = 5.0
	MinBackoffSeconds  = 60
	MaxBackoffSeconds  = 1800
)

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		Issuer:     v.GetString("JWT_ISSUER"),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Cache = CacheConfig{
		PullTTL:   parseDuration(v.GetString("PULL_CACHE_TTL"), 30*time.Second),
		StatusTTL: parseDuration(v.GetString("STATION_STATUS_TTL"), 72*time.Hour),
	}

	order := splitAndTrim(v.GetString("SYNC_DEPENDENCY_ORDER"))
	if len(order) == 0 {
		order = append([]string(nil), DefaultDependencyOrder...)
	}

	cfg.Sync = SyncConfig{
		Endpoint:        strings.TrimRight(v.GetString("SYNC_ENDPOINT"), "/"),
		Enabled:         v.GetBool("SYNC_ENABLED"),
		Interval:        time.Duration(cfg.clampInt("SYNC_INTERVAL_SECONDS", v.GetInt("SYNC_INTERVAL_SECONDS"), MinIntervalSeconds, MaxIntervalSeconds)) * time.Second,
		MaxPayloadSize:  cfg.clampInt("SYNC_MAX_PAYLOAD_SIZE", v.GetInt("SYNC_MAX_PAYLOAD_SIZE"), MinPayloadSize, MaxPayloadSize),
		FastTallySync:   v.GetBool("SYNC_FAST_TALLY_ENABLED"),
		FastBatchSize:   cfg.clampInt("SYNC_FAST_BATCH_SIZE", v.GetInt("SYNC_FAST_BATCH_SIZE"), MinFastBatchSize, MaxFastBatchSize),
		PullPageSize:    cfg.clampInt("SYNC_PULL_PAGE_SIZE", v.GetInt("SYNC_PULL_PAGE_SIZE"), MinPullPageSize, MaxPullPageSize),
		MaxPullPages:    cfg.clampInt("SYNC_MAX_PULL_PAGES", v.GetInt("SYNC_MAX_PULL_PAGES"), MinPullPages, MaxPullPages),
		MaxRetries:      cfg.clampInt("SYNC_MAX_RETRIES", v.GetInt("SYNC_MAX_RETRIES"), MinRetries, MaxRetries),
		BackoffBase:     cfg.clampFloat("SYNC_BACKOFF_BASE", v.GetFloat64("SYNC_BACKOFF_BASE"), MinBackoffBase, MaxBackoffBase),
		BackoffMax:      time.Duration(cfg.clampInt("SYNC_BACKOFF_MAX_SECONDS", v.GetInt("SYNC_BACKOFF_MAX_SECONDS"), MinBackoffSeconds, MaxBackoffSeconds)) * time.Second,
		DependencyOrder: order,
		RequestTimeout:  parseDuration(v.GetString("SYNC_REQUEST_TIMEOUT"), 30*time.Second),
	}

	cfg.Station = StationConfig{
		ID:           v.GetString("STATION_ID"),
		DatabasePath: v.GetString("STATION_DB_PATH"),
		ListenAddr:   v.GetString("STATION_LISTEN_ADDR"),
		OperatorID:   v.GetString("STATION_OPERATOR_ID"),
		OperatorRole: strings.ToUpper(v.GetString("STATION_OPERATOR_ROLE")),
		AuthToken:    v.GetString("SYNC_AUTH_TOKEN"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("CORS_ALLOWED_ORIGINS"))}

	if cfg.Sync.Enabled && cfg.Sync.Endpoint == "" {
		return nil, fmt.Errorf("SYNC_ENDPOINT is required when SYNC_ENABLED is true")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "election_sync")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("JWT_ISSUER", "election-sync")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("PULL_CACHE_TTL", "30s")
	v.SetDefault("STATION_STATUS_TTL", "72h")

	v.SetDefault("SYNC_ENDPOINT", "http://localhost:8080")
	v.SetDefault("SYNC_ENABLED", true)
	v.SetDefault("SYNC_INTERVAL_SECONDS", 300)
	v.SetDefault("SYNC_MAX_PAYLOAD_SIZE", 1048576)
	v.SetDefault("SYNC_FAST_TALLY_ENABLED", true)
	v.SetDefault("SYNC_FAST_BATCH_SIZE", 5)
	v.SetDefault("SYNC_PULL_PAGE_SIZE", 100)
	v.SetDefault("SYNC_MAX_PULL_PAGES", 10)
	v.SetDefault("SYNC_MAX_RETRIES", 5)
	v.SetDefault("SYNC_BACKOFF_BASE", 2.0)
	v.SetDefault("SYNC_BACKOFF_MAX_SECONDS", 300)
	v.SetDefault("SYNC_DEPENDENCY_ORDER", strings.Join(DefaultDependencyOrder, ","))
	v.SetDefault("SYNC_REQUEST_TIMEOUT", "30s")

	v.SetDefault("STATION_ID", "station-local")
	v.SetDefault("STATION_DB_PATH", "./station.db")
	v.SetDefault("STATION_LISTEN_ADDR", "127.0.0.1:8090")
	v.SetDefault("STATION_OPERATOR_ID", "")
	v.SetDefault("STATION_OPERATOR_ROLE", "OPERATOR")
	v.SetDefault("SYNC_AUTH_TOKEN", "")

	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
}

func (c *Config) clampInt(key string, value, lo, hi int) int {
	switch {
	case value < lo:
		c.Adjustments = append(c.Adjustments, fmt.Sprintf("%s=%d raised to %d", key, value, lo))
		return lo
	case value > hi:
		c.Adjustments = append(c.Adjustments, fmt.Sprintf("%s=%d lowered to %d", key, value, hi))
		return hi
	}
	return value
}

func (c *Config) clampFloat(key string, value, lo, hi float64) float64 {
	switch {
	case value < lo:
		c.Adjustments = append(c.Adjustments, fmt.Sprintf("%s=%g raised to %g", key, value, lo))
		return lo
	case value > hi:
		c.Adjustments = append(c.Adjustments, fmt.Sprintf("%s=%g lowered to %g", key, value, hi))
		return hi
	}
	return value
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
