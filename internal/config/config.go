package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/italolelis/mirror_downloader/internal/scheduler"
)

// Config struct for environment variables.
type Config struct {
	Enabled bool `envconfig:"ENABLED" default:"true"`
	Verbose bool `envconfig:"VERBOSE" default:"false"`

	// Timeouts are whole seconds.
	DLTimeout     int `envconfig:"DL_TIMEOUT" default:"300"`
	SocketTimeout int `envconfig:"SOCKET_TIMEOUT" default:"10"`

	MaxThreads             int `envconfig:"MAX_THREADS" default:"8"`
	ThreadsPerServer       int `envconfig:"THREADS_PER_SERVER" default:"4"`
	ServersPerRepo         int `envconfig:"SERVERS_PER_REPO" default:"4"`
	MirrorFailureThreshold int `envconfig:"MIRROR_FAILURE_THRESHOLD" default:"3"`

	TargetDir         string        `envconfig:"TARGET_DIR" default:"./mt_downloads"`
	UserAgent         string        `envconfig:"USER_AGENT" default:"mirror_downloader"`
	KnownHostsPath    string        `envconfig:"KNOWN_HOSTS_PATH"`
	SSHKeyPath        string        `envconfig:"SSH_KEY_PATH"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string        `envconfig:"DB_PATH" default:"downloads.db"`
	KeepHistoryFor    time.Duration `envconfig:"KEEP_HISTORY_FOR" default:"720h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	Telemetry struct {
		Enabled      bool   `envconfig:"TELEMETRY_ENABLED" default:"true"`
		OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
// Scheduler limits are validated here so a bad value fails at startup.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Limits().Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SlogLevel maps LOG_LEVEL to a slog level. VERBOSE forces debug.
func (c *Config) SlogLevel() slog.Level {
	if c.Verbose {
		return slog.LevelDebug
	}

	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Limits returns the scheduler limits described by the configuration.
func (c *Config) Limits() scheduler.Limits {
	return scheduler.Limits{
		MaxThreads:       c.MaxThreads,
		ThreadsPerServer: c.ThreadsPerServer,
		ServersPerRepo:   c.ServersPerRepo,
		ConnectTimeout:   time.Duration(c.DLTimeout) * time.Second,
		StallTimeout:     time.Duration(c.SocketTimeout) * time.Second,
		FailureThreshold: c.MirrorFailureThreshold,
	}
}
