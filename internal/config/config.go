package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Queue    QueueConfig    `mapstructure:"queue"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// WebhookConfig holds outbound webhook and gating configuration
type WebhookConfig struct {
	Enabled                   bool          `mapstructure:"enabled"`
	EndpointURL               string        `mapstructure:"endpoint_url"`
	Secret                    string        `mapstructure:"secret"`
	MinAgeMinutes             int           `mapstructure:"min_age_minutes"`
	OpenTimeout               time.Duration `mapstructure:"open_timeout"`
	ReadTimeout               time.Duration `mapstructure:"read_timeout"`
	FireOnceEnabled           bool          `mapstructure:"fire_once_enabled"`
	ForceDigestNever          bool          `mapstructure:"force_digest_never"`
	PostbackOnEmailLevelNever bool          `mapstructure:"postback_on_email_level_never"`
	HookOnlyOnPost            bool          `mapstructure:"hook_only_on_post"`
	NeverEmailLevel           int           `mapstructure:"never_email_level"`
}

// MinAge returns the minimum account age as a duration.
func (c *WebhookConfig) MinAge() time.Duration {
	return time.Duration(c.MinAgeMinutes) * time.Minute
}

// QueueConfig holds task runner configuration
type QueueConfig struct {
	PollSeconds int `mapstructure:"poll_seconds"`
	BatchSize   int `mapstructure:"batch_size"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set defaults
	setDefaults()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	viper.AutomaticEnv()

	// Bind environment variables
	bindEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)

	viper.SetDefault("webhook.enabled", true)
	viper.SetDefault("webhook.min_age_minutes", 10)
	viper.SetDefault("webhook.open_timeout", "5s")
	viper.SetDefault("webhook.read_timeout", "10s")
	viper.SetDefault("webhook.fire_once_enabled", true)
	viper.SetDefault("webhook.force_digest_never", true)
	viper.SetDefault("webhook.postback_on_email_level_never", true)
	viper.SetDefault("webhook.hook_only_on_post", true)
	// Negative means the host never provided the ordinal; the all-mail-off
	// predicate then always answers false.
	viper.SetDefault("webhook.never_email_level", -1)

	viper.SetDefault("queue.poll_seconds", 5)
	viper.SetDefault("queue.batch_size", 20)
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// Database
	viper.BindEnv("database.host", "DB_HOST")
	viper.BindEnv("database.port", "DB_PORT")
	viper.BindEnv("database.user", "DB_USER")
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("database.dbname", "DB_NAME")

	// Webhook
	viper.BindEnv("webhook.enabled", "WEBHOOK_ENABLED")
	viper.BindEnv("webhook.endpoint_url", "WEBHOOK_ENDPOINT_URL")
	viper.BindEnv("webhook.secret", "WEBHOOK_SECRET")
	viper.BindEnv("webhook.min_age_minutes", "WEBHOOK_MIN_AGE_MINUTES")
	viper.BindEnv("webhook.open_timeout", "WEBHOOK_OPEN_TIMEOUT")
	viper.BindEnv("webhook.read_timeout", "WEBHOOK_READ_TIMEOUT")
	viper.BindEnv("webhook.fire_once_enabled", "WEBHOOK_FIRE_ONCE_ENABLED")
	viper.BindEnv("webhook.force_digest_never", "WEBHOOK_FORCE_DIGEST_NEVER")
	viper.BindEnv("webhook.postback_on_email_level_never", "WEBHOOK_POSTBACK_ON_EMAIL_LEVEL_NEVER")
	viper.BindEnv("webhook.hook_only_on_post", "WEBHOOK_HOOK_ONLY_ON_POST")
	viper.BindEnv("webhook.never_email_level", "WEBHOOK_NEVER_EMAIL_LEVEL")

	// Queue
	viper.BindEnv("queue.poll_seconds", "QUEUE_POLL_SECONDS")
	viper.BindEnv("queue.batch_size", "QUEUE_BATCH_SIZE")
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
		return fmt.Errorf("database host, user, and dbname are required")
	}

	if c.Webhook.Enabled {
		if c.Webhook.EndpointURL == "" {
			return fmt.Errorf("webhook endpoint URL is required when the webhook is enabled")
		}
		if _, err := url.ParseRequestURI(c.Webhook.EndpointURL); err != nil {
			return fmt.Errorf("webhook endpoint URL is invalid: %w", err)
		}
	}

	if c.Webhook.MinAgeMinutes < 0 {
		return fmt.Errorf("webhook min age must not be negative")
	}

	if c.Webhook.OpenTimeout <= 0 || c.Webhook.ReadTimeout <= 0 {
		return fmt.Errorf("webhook timeouts must be greater than 0")
	}

	if c.Queue.PollSeconds <= 0 {
		return fmt.Errorf("queue poll interval must be greater than 0")
	}

	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue batch size must be greater than 0")
	}

	return nil
}
