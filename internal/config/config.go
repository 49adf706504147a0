package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "COWRITE"

	defaultHTTPAddress      = "0.0.0.0:8443"
	defaultServerURL        = "ws://localhost:8443"
	defaultDatabasePath     = "cowrited.db"
	defaultStatePath        = "cowrite-state.db"
	defaultLogLevel         = "info"
	defaultTokenTTLMinutes  = 720
	defaultRPCTimeoutSecs   = 30
	defaultWatchDebounceMS  = 250
	defaultReconnectMaxSecs = 60
)

// ServerConfig captures runtime configuration for the coordination server.
type ServerConfig struct {
	HTTPAddress   string
	DatabasePath  string
	SigningSecret string
	TokenTTL      time.Duration
	LogLevel      string
}

// ClientConfig captures runtime configuration for the client processes.
type ClientConfig struct {
	ServerURL     string
	StatePath     string
	WorkspaceRoot string
	RPCTimeout    time.Duration
	WatchDebounce time.Duration
	ReconnectMax  time.Duration
	LogLevel      string
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
	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("state.path", defaultStatePath)
	configViper.SetDefault("workspace.root", "")
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("rpc.timeout_seconds", defaultRPCTimeoutSecs)
	configViper.SetDefault("watch.debounce_ms", defaultWatchDebounceMS)
	configViper.SetDefault("reconnect.max_seconds", defaultReconnectMaxSecs)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// LoadServer parses coordination-server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		LogLevel:      configViper.GetString("log.level"),
	}

	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return ServerConfig{}, fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return ServerConfig{}, fmt.Errorf("database.path is required")
	}
	if cfg.TokenTTL <= 0 {
		return ServerConfig{}, fmt.Errorf("token.ttl_minutes must be positive")
	}

	return cfg, nil
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:     configViper.GetString("server.url"),
		StatePath:     configViper.GetString("state.path"),
		WorkspaceRoot: configViper.GetString("workspace.root"),
		RPCTimeout:    time.Duration(configViper.GetInt("rpc.timeout_seconds")) * time.Second,
		WatchDebounce: time.Duration(configViper.GetInt("watch.debounce_ms")) * time.Millisecond,
		ReconnectMax:  time.Duration(configViper.GetInt("reconnect.max_seconds")) * time.Second,
		LogLevel:      configViper.GetString("log.level"),
	}

	if strings.TrimSpace(cfg.ServerURL) == "" {
		return ClientConfig{}, fmt.Errorf("server.url is required")
	}
	if strings.TrimSpace(cfg.StatePath) == "" {
		return ClientConfig{}, fmt.Errorf("state.path is required")
	}
	if cfg.RPCTimeout <= 0 {
		return ClientConfig{}, fmt.Errorf("rpc.timeout_seconds must be positive")
	}

	return cfg, nil
}
