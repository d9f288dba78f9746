package server

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gochat/pkg/logging"
)

// EnvPrefix prefixes every environment override, e.g. GOCHAT_LISTEN_ADDR.
const EnvPrefix = "GOCHAT"

// Config holds server configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`   // TCP bind address
	WSAddr      string `yaml:"ws_addr" envconfig:"WS_ADDR"`           // WebSocket bind address (empty = disabled)
	MetricsAddr string `yaml:"metrics_addr" envconfig:"METRICS_ADDR"` // HTTP bind address for /metrics (empty = disabled)
	DBPath      string `yaml:"db_path" envconfig:"DB_PATH"`           // SQLite database path, ":memory:" for throwaway

	TLS      bool   `yaml:"tls" envconfig:"TLS"`             // serve the TCP listener over TLS
	CertFile string `yaml:"cert_file" envconfig:"CERT_FILE"` // TLS certificate file path
	KeyFile  string `yaml:"key_file" envconfig:"KEY_FILE"`   // TLS private key file path
	DataDir  string `yaml:"data_dir" envconfig:"DATA_DIR"`   // directory for generated certs

	HandshakeTimeout time.Duration `yaml:"handshake_timeout" envconfig:"HANDSHAKE_TIMEOUT"`   // max wait for the connect frame
	GatewayWorkers   int           `yaml:"gateway_workers" envconfig:"GATEWAY_WORKERS"`       // concurrent store calls
	JoinHistoryLimit int           `yaml:"join_history_limit" envconfig:"JOIN_HISTORY_LIMIT"` // messages pushed after join (0 = none)
	RateLimit        float64       `yaml:"rate_limit" envconfig:"RATE_LIMIT"`                 // inbound frames/s per session (0 = unlimited)
	RateBurst        int           `yaml:"rate_burst" envconfig:"RATE_BURST"`

	RoomsFile string `yaml:"rooms_file" envconfig:"ROOMS_FILE"` // YAML file defining rooms to create on startup

	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" envconfig:"LOG_FORMAT"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":9700",
		MetricsAddr:      ":9702",
		DBPath:           "gochat.db",
		DataDir:          ".",
		HandshakeTimeout: time.Second,
		GatewayWorkers:   10,
		JoinHistoryLimit: 50,
		RateLimit:        20,
		RateBurst:        40,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// LoadConfigFile overlays the YAML file at path onto cfg. Keys absent from
// the file keep their current value.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overlays GOCHAT_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("env config: %w", err)
	}
	return nil
}

// Validate reports configuration errors that would stop the server.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr must not be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path must not be empty"))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("handshake_timeout must be positive"))
	}
	if c.GatewayWorkers < 0 {
		errs = append(errs, errors.New("gateway_workers must not be negative"))
	}
	if c.JoinHistoryLimit < 0 {
		errs = append(errs, errors.New("join_history_limit must not be negative"))
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		errs = append(errs, errors.New("rate_limit and rate_burst must not be negative"))
	}
	if err := logging.Validate(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("server: invalid config: %w", err)
	}
	return nil
}
