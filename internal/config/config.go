package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mr1hm/go-safety-alerts/internal/escalation"
)

// Config is the safety agent's configuration.
type Config struct {
	Server     ServerConfig
	Backend    BackendConfig
	Connection ConnectionConfig
	Escalation EscalationConfig
	Queue      QueueConfig
	Worker     WorkerConfig
	DB         DatabaseConfig
	Logging    LoggingConfig
}

// ServerConfig is the local API the UI talks to.
type ServerConfig struct {
	Host      string
	Port      int
	RateLimit int
}

type BackendConfig struct {
	URL       string
	StreamURL string
	Token     string
	Scope     string
	Timeout   time.Duration
}

type ConnectionConfig struct {
	PollInterval      time.Duration
	PollMaxRetries    int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	StreamMaxFailures int
	UpgradeInterval   time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

type EscalationConfig struct {
	Critical time.Duration
	High     time.Duration
	Medium   time.Duration
	Low      time.Duration
	Snooze   time.Duration
}

type QueueConfig struct {
	MaxItems int
	MaxAge   time.Duration
}

type WorkerConfig struct {
	Count      int
	BufferSize int
}

type DatabaseConfig struct {
	Path string
}

type LoggingConfig struct {
	Level string
}

func Load() (*Config, error) {
	backendURL := strings.TrimRight(getEnv("SAFETY_BACKEND_URL", "http://localhost:8090"), "/")
	cfg := &Config{
		Server: ServerConfig{
			Host:      getEnv("SERVER_HOST", "localhost"),
			Port:      getEnvInt("SERVER_PORT", 8080),
			RateLimit: getEnvInt("API_RATE_LIMIT", 20),
		},
		Backend: BackendConfig{
			URL:       backendURL,
			StreamURL: getEnv("SAFETY_STREAM_URL", streamURLFor(backendURL)),
			Token:     getEnv("SAFETY_AUTH_TOKEN", ""),
			Scope:     getEnv("SAFETY_SCOPE", "default"),
			Timeout:   getEnvDuration("SAFETY_BACKEND_TIMEOUT", 10*time.Second),
		},
		Connection: ConnectionConfig{
			PollInterval:      getEnvDuration("POLL_INTERVAL", 15*time.Second),
			PollMaxRetries:    getEnvInt("POLL_MAX_RETRIES", 3),
			HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
			HeartbeatTimeout:  getEnvDuration("HEARTBEAT_TIMEOUT", 75*time.Second),
			StreamMaxFailures: getEnvInt("STREAM_MAX_FAILURES", 3),
			UpgradeInterval:   getEnvDuration("STREAM_UPGRADE_INTERVAL", 60*time.Second),
			BackoffBase:       getEnvDuration("BACKOFF_BASE", time.Second),
			BackoffMax:        getEnvDuration("BACKOFF_MAX", 30*time.Second),
		},
		Escalation: EscalationConfig{
			Critical: getEnvDuration("DEADLINE_CRITICAL", 5*time.Minute),
			High:     getEnvDuration("DEADLINE_HIGH", 10*time.Minute),
			Medium:   getEnvDuration("DEADLINE_MEDIUM", 15*time.Minute),
			Low:      getEnvDuration("DEADLINE_LOW", 15*time.Minute),
			Snooze:   getEnvDuration("SNOOZE_DURATION", 5*time.Minute),
		},
		Queue: QueueConfig{
			MaxItems: getEnvInt("QUEUE_MAX_ITEMS", 500),
			MaxAge:   getEnvDuration("QUEUE_MAX_AGE", 72*time.Hour),
		},
		Worker: WorkerConfig{
			Count:      getEnvInt("WORKER_COUNT", 2),
			BufferSize: getEnvInt("WORKER_BUFFER_SIZE", 64),
		},
		DB: DatabaseConfig{
			Path: getEnv("DB_PATH", "./data/safety-agent.db"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Policy is the severity to response window mapping.
func (c *Config) Policy() escalation.Policy {
	return escalation.Policy{
		Critical: c.Escalation.Critical,
		High:     c.Escalation.High,
		Medium:   c.Escalation.Medium,
		Low:      c.Escalation.Low,
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RateLimit < 1 {
		return fmt.Errorf("API rate limit must be at least 1")
	}
	if err := validLevel(c.Logging.Level); err != nil {
		return err
	}

	if u, err := url.Parse(c.Backend.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid backend url: %s", c.Backend.URL)
	}
	if u, err := url.Parse(c.Backend.StreamURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("invalid stream url: %s", c.Backend.StreamURL)
	}
	if c.Backend.Scope == "" {
		return fmt.Errorf("scope must not be empty")
	}

	if c.Connection.PollInterval < time.Second {
		return fmt.Errorf("poll interval must be at least 1 second")
	}
	if c.Connection.HeartbeatTimeout <= c.Connection.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout must be longer than the heartbeat interval")
	}
	if c.Connection.BackoffMax < c.Connection.BackoffBase {
		return fmt.Errorf("backoff max must not be below backoff base")
	}
	if c.Connection.StreamMaxFailures < 1 || c.Connection.PollMaxRetries < 1 {
		return fmt.Errorf("stream failures and poll retries must be at least 1")
	}

	for name, d := range map[string]time.Duration{
		"critical": c.Escalation.Critical,
		"high":     c.Escalation.High,
		"medium":   c.Escalation.Medium,
		"low":      c.Escalation.Low,
		"snooze":   c.Escalation.Snooze,
	} {
		if d < time.Second {
			return fmt.Errorf("%s duration must be at least 1 second", name)
		}
	}

	if c.Queue.MaxItems < 1 {
		return fmt.Errorf("queue max items must be at least 1")
	}
	return nil
}

// BackendServer is the reference backend's configuration.
type BackendServer struct {
	Host    string
	Port    int
	Token   string
	Logging LoggingConfig
}

func LoadBackend() (*BackendServer, error) {
	cfg := &BackendServer{
		Host:    getEnv("BACKEND_HOST", "localhost"),
		Port:    getEnvInt("BACKEND_PORT", 8090),
		Token:   getEnv("SAFETY_AUTH_TOKEN", ""),
		Logging: LoggingConfig{Level: getEnv("LOG_LEVEL", "info")},
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid backend port: %d", cfg.Port)
	}
	if err := validLevel(cfg.Logging.Level); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validLevel(level string) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[level] {
		return fmt.Errorf("invalid log level: %s", level)
	}
	return nil
}

func streamURLFor(backendURL string) string {
	switch {
	case strings.HasPrefix(backendURL, "https://"):
		return "wss://" + strings.TrimPrefix(backendURL, "https://") + "/alerts/stream"
	case strings.HasPrefix(backendURL, "http://"):
		return "ws://" + strings.TrimPrefix(backendURL, "http://") + "/alerts/stream"
	default:
		return backendURL + "/alerts/stream"
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
