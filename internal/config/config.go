package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv
const EnvPrefix = "TRIPSYNC_"

// Config is the complete process configuration
type Config struct {
	HTTP        *HTTPConfig        `json:"http" yaml:"http"`
	WebSocket   *WebSocketConfig   `json:"websocket" yaml:"websocket"`
	Auth        *AuthConfig        `json:"auth" yaml:"auth"`
	Relay       *RelayConfig       `json:"relay" yaml:"relay"`
	Access      *AccessConfig      `json:"access" yaml:"access"`
	Redis       *RedisConfig       `json:"redis" yaml:"redis"`
	Log         *LogConfig         `json:"log" yaml:"log"`
	Maintenance *MaintenanceConfig `json:"maintenance" yaml:"maintenance"`
}

type HTTPConfig struct {
	Host            string   `json:"host" yaml:"host"`
	Port            int      `json:"port" yaml:"port"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins  []string `json:"allowed_origins" yaml:"allowed_origins"`
}

type WebSocketConfig struct {
	SendBuffer      int      `json:"send_buffer" yaml:"send_buffer"`
	InboundQueue    int      `json:"inbound_queue" yaml:"inbound_queue"`
	PingInterval    Duration `json:"ping_interval" yaml:"ping_interval"`
	PongWait        Duration `json:"pong_wait" yaml:"pong_wait"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	MaxMessageBytes int64    `json:"max_message_bytes" yaml:"max_message_bytes"`
}

// AuthConfig describes the tokens issued by the external auth service
type AuthConfig struct {
	JWTSecret     string   `json:"jwt_secret" yaml:"jwt_secret"`
	Issuer        string   `json:"issuer" yaml:"issuer"`
	Leeway        Duration `json:"leeway" yaml:"leeway"`
	RequireExpiry bool     `json:"require_expiry" yaml:"require_expiry"`
}

type RelayConfig struct {
	RateLimit  int      `json:"rate_limit" yaml:"rate_limit"` // events per window per session, 0 disables
	RateWindow Duration `json:"rate_window" yaml:"rate_window"`
}

// AccessConfig controls the optional join-room check against the planner's
// trip tables
type AccessConfig struct {
	Enforce         bool     `json:"enforce" yaml:"enforce"`
	Timeout         Duration `json:"timeout" yaml:"timeout"`
	DatabasePath    string   `json:"database_path" yaml:"database_path"`
	MigrationsPath  string   `json:"migrations_path" yaml:"migrations_path"`
	ApplyMigrations bool     `json:"apply_migrations" yaml:"apply_migrations"`
}

// RedisConfig enables the cluster bridge
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
	Buffer   int    `json:"buffer" yaml:"buffer"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// MaintenanceConfig holds cron specs for housekeeping jobs
type MaintenanceConfig struct {
	LimiterCleanup string `json:"limiter_cleanup" yaml:"limiter_cleanup"`
	StatsReport    string `json:"stats_report" yaml:"stats_report"`
}

// DefaultConfig returns defaults for everything except the JWT secret,
// which must be supplied
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			AllowedOrigins:  []string{"*"},
		},
		WebSocket: &WebSocketConfig{
			SendBuffer:      256,
			InboundQueue:    1024,
			PingInterval:    Duration(30 * time.Second),
			PongWait:        Duration(60 * time.Second),
			WriteTimeout:    Duration(5 * time.Second),
			MaxMessageBytes: 128 * 1024,
		},
		Auth: &AuthConfig{
			Leeway:        Duration(30 * time.Second),
			RequireExpiry: true,
		},
		Relay: &RelayConfig{
			RateLimit:  600,
			RateWindow: Duration(time.Minute),
		},
		Access: &AccessConfig{
			Enforce:        false,
			Timeout:        Duration(2 * time.Second),
			DatabasePath:   "./data/trips.db",
			MigrationsPath: "./migrations",
		},
		Redis: &RedisConfig{
			Addr:    "localhost:6379",
			Channel: "tripsync:events",
			Buffer:  1024,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "json",
		},
		Maintenance: &MaintenanceConfig{
			LimiterCleanup: "@every 5m",
			StatsReport:    "@every 1m",
		},
	}
}

// Validate checks every section
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Auth == nil || c.Relay == nil ||
		c.Access == nil || c.Redis == nil || c.Log == nil || c.Maintenance == nil {
		return fmt.Errorf("all configuration sections are required")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("WebSocket send buffer must be positive")
	}
	if c.WebSocket.InboundQueue <= 0 {
		return fmt.Errorf("WebSocket inbound queue must be positive")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongWait <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket timeouts must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		return fmt.Errorf("WebSocket ping interval must be shorter than pong wait")
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth JWT secret is required (set %sJWT_SECRET)", EnvPrefix)
	}
	if c.Auth.Leeway < 0 {
		return fmt.Errorf("auth leeway cannot be negative")
	}

	if c.Relay.RateLimit < 0 {
		return fmt.Errorf("relay rate limit cannot be negative")
	}
	if c.Relay.RateWindow <= 0 {
		return fmt.Errorf("relay rate window must be positive")
	}

	if c.Access.Enforce && c.Access.DatabasePath == "" {
		return fmt.Errorf("access database path is required when access is enforced")
	}
	if c.Access.Timeout <= 0 {
		return fmt.Errorf("access timeout must be positive")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required when redis is enabled")
	}

	for name, spec := range map[string]string{
		"limiter_cleanup": c.Maintenance.LimiterCleanup,
		"stats_report":    c.Maintenance.StatsReport,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("maintenance %s schedule %q: %w", name, spec, err)
		}
	}

	return nil
}

// Address is the HTTP listen address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// LoadFromEnv returns the defaults overridden by TRIPSYNC_* variables
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(c *Config) {
	envString("HTTP_HOST", &c.HTTP.Host)
	envInt("HTTP_PORT", &c.HTTP.Port)
	envDuration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	envDuration("HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)
	if origins := os.Getenv(EnvPrefix + "HTTP_ALLOWED_ORIGINS"); origins != "" {
		c.HTTP.AllowedOrigins = splitList(origins)
	}

	envInt("WEBSOCKET_SEND_BUFFER", &c.WebSocket.SendBuffer)
	envInt("WEBSOCKET_INBOUND_QUEUE", &c.WebSocket.InboundQueue)
	envDuration("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	envDuration("WEBSOCKET_PONG_WAIT", &c.WebSocket.PongWait)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)

	// JWT_SECRET is what the planner's auth service already exports
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	envString("JWT_SECRET", &c.Auth.JWTSecret)
	envString("AUTH_ISSUER", &c.Auth.Issuer)
	envDuration("AUTH_LEEWAY", &c.Auth.Leeway)

	envInt("RELAY_RATE_LIMIT", &c.Relay.RateLimit)
	envDuration("RELAY_RATE_WINDOW", &c.Relay.RateWindow)

	envBool("ACCESS_ENFORCE", &c.Access.Enforce)
	envString("ACCESS_DATABASE_PATH", &c.Access.DatabasePath)
	envString("ACCESS_MIGRATIONS_PATH", &c.Access.MigrationsPath)
	envBool("ACCESS_APPLY_MIGRATIONS", &c.Access.ApplyMigrations)

	if addr := os.Getenv(EnvPrefix + "REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	envBool("REDIS_ENABLED", &c.Redis.Enabled)
	envString("REDIS_PASSWORD", &c.Redis.Password)
	envInt("REDIS_DB", &c.Redis.DB)
	envString("REDIS_CHANNEL", &c.Redis.Channel)

	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)

	envString("MAINTENANCE_LIMITER_CLEANUP", &c.Maintenance.LimiterCleanup)
	envString("MAINTENANCE_STATS_REPORT", &c.Maintenance.StatsReport)
}

// LoadFromFile overlays a JSON or YAML file, chosen by extension, onto the
// defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := overlayFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func overlayFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file type %s", path)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults and
// validates the result
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()
	if path != "" {
		if err := overlayFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
