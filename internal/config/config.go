package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "PARLEY"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "parley.db"
	defaultLogLevel       = "info"
	defaultCookieName     = "app_session"
	defaultSessionIssuer  = "parley-auth"
	defaultSessionTTL     = 60
	defaultCacheTTL       = 300
	defaultSendBuffer     = 64
	defaultShardCount     = 32
	defaultRelayChannel   = "parley:realtime"
	defaultAllowedOrigins = "http://localhost:5173"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	SessionTTL           time.Duration
	RedisURL             string
	CacheTTL             time.Duration
	RealtimeSendBuffer   int
	RealtimeShards       int
	RealtimeRelayChannel string
	AllowedOrigins       []string
}

// CacheEnabled reports whether a redis backend was configured.
func (c AppConfig) CacheEnabled() bool {
	return strings.TrimSpace(c.RedisURL) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.ttl_minutes", defaultSessionTTL)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("cache.ttl_seconds", defaultCacheTTL)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.shards", defaultShardCount)
	configViper.SetDefault("realtime.relay_channel", defaultRelayChannel)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		SessionTTL:           time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
		RedisURL:             configViper.GetString("redis.url"),
		CacheTTL:             time.Duration(configViper.GetInt("cache.ttl_seconds")) * time.Second,
		RealtimeSendBuffer:   configViper.GetInt("realtime.send_buffer"),
		RealtimeShards:       configViper.GetInt("realtime.shards"),
		RealtimeRelayChannel: configViper.GetString("realtime.relay_channel"),
		AllowedOrigins:       splitList(configViper.GetString("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("session.issuer is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl_minutes must be positive")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be positive")
	}
	if c.RealtimeSendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if c.RealtimeShards <= 0 {
		return fmt.Errorf("realtime.shards must be positive")
	}
	if c.CacheEnabled() && strings.TrimSpace(c.RealtimeRelayChannel) == "" {
		return fmt.Errorf("realtime.relay_channel is required when redis.url is set")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
