package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"ledgercal/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Google     GoogleConfig     `yaml:"google"`
	Sync       SyncConfig       `yaml:"sync"`
	Exports    ExportConfig     `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type GoogleConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	RedirectURL    string `yaml:"redirect_url"`
	WebhookAddress string `yaml:"webhook_address"`
}

type SyncConfig struct {
	Workers              int           `yaml:"workers"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	VisibilityTimeout    time.Duration `yaml:"visibility_timeout"`
	MaxRetries           int           `yaml:"max_retries"`
	InitialRetryDelay    time.Duration `yaml:"initial_retry_delay"`
	MaxRetryDelay        time.Duration `yaml:"max_retry_delay"`
	JobRetentionDays     int           `yaml:"job_retention_days"`
	ChannelRenewalMargin float64       `yaml:"channel_renewal_margin"`
	SchedulerInterval    time.Duration `yaml:"scheduler_interval"`
	FullSyncWait         time.Duration `yaml:"full_sync_wait"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; the YAML can reference its variables.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
		return errors.New("google oauth client id and secret are required")
	}
	if c.Sync.ChannelRenewalMargin <= 0 || c.Sync.ChannelRenewalMargin >= 1 {
		return fmt.Errorf("channel_renewal_margin must be in (0, 1), got %v", c.Sync.ChannelRenewalMargin)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "ledgercal"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}

	if c.Sync.Workers == 0 {
		c.Sync.Workers = 4
	}
	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = 2 * time.Second
	}
	if c.Sync.VisibilityTimeout == 0 {
		c.Sync.VisibilityTimeout = 5 * time.Minute
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = models.DefaultMaxRetries
	}
	if c.Sync.InitialRetryDelay == 0 {
		c.Sync.InitialRetryDelay = 2 * time.Second
	}
	if c.Sync.MaxRetryDelay == 0 {
		c.Sync.MaxRetryDelay = time.Minute
	}
	if c.Sync.JobRetentionDays == 0 {
		c.Sync.JobRetentionDays = models.DefaultJobRetentionDays
	}
	if c.Sync.ChannelRenewalMargin == 0 {
		c.Sync.ChannelRenewalMargin = 0.8
	}
	if c.Sync.SchedulerInterval == 0 {
		c.Sync.SchedulerInterval = time.Minute
	}
	if c.Sync.FullSyncWait == 0 {
		c.Sync.FullSyncWait = 30 * time.Second
	}
}
