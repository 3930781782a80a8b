package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	ServerPort       string           `mapstructure:"SERVER_PORT"`
	GinMode          string           `mapstructure:"GIN_MODE"`
	DatabaseURL      string           `mapstructure:"DATABASE_URL"`
	Source           SourceConfig     `mapstructure:"SOURCE"`
	Predictions      PredictionConfig `mapstructure:"PREDICTIONS"`
	PII              PIIConfig        `mapstructure:"PII"`
	PipelineInterval time.Duration    `mapstructure:"PIPELINE_INTERVAL"`
	DevLockCourseID  string           `mapstructure:"DEV_LOCK_COURSE_ID"`
	CourseSeedPath   string           `mapstructure:"COURSE_SEED_PATH"`
}

// SourceConfig holds credentials for the external course-platform API.
type SourceConfig struct {
	BaseURL        string        `mapstructure:"BASE_URL"`
	APIKey         string        `mapstructure:"API_KEY"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

// PredictionConfig holds the prediction-host endpoint and the shared HMAC
// key used both for outbound bearer tokens and inbound webhook validation.
type PredictionConfig struct {
	BaseURL       string `mapstructure:"BASE_URL"`
	JWTSigningKey string `mapstructure:"JWT_SIGNING_KEY"`
	WebhookIssuer string `mapstructure:"WEBHOOK_ISSUER"`
}

// PIIConfig holds the student-identity encryption key (64 hex chars).
type PIIConfig struct {
	EncryptionKey string `mapstructure:"ENCRYPTION_KEY"`
}

// LoadConfig loads configuration from config.yaml and environment variables.
// Missing credentials are a fatal configuration error: the pipeline must not
// start without them.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.SetDefault("SERVER_PORT", ":8080")
	viper.SetDefault("GIN_MODE", "debug")
	viper.SetDefault("SOURCE.REQUEST_TIMEOUT", "30s")
	viper.SetDefault("PREDICTIONS.WEBHOOK_ISSUER", "prediction-host")
	viper.SetDefault("PIPELINE_INTERVAL", "6h")
	viper.SetDefault("COURSE_SEED_PATH", "courses.yaml")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("config.yaml not found, using environment variables and defaults")
		} else {
			return nil, fmt.Errorf("fatal error config file: %w", err)
		}
	}

	viper.SetEnvPrefix("EWS")
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("SOURCE.BASE_URL is required")
	}
	if c.Source.APIKey == "" {
		return fmt.Errorf("SOURCE.API_KEY is required")
	}
	if c.Predictions.BaseURL == "" {
		return fmt.Errorf("PREDICTIONS.BASE_URL is required")
	}
	if c.Predictions.JWTSigningKey == "" {
		return fmt.Errorf("PREDICTIONS.JWT_SIGNING_KEY is required")
	}
	key, err := hex.DecodeString(c.PII.EncryptionKey)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("PII.ENCRYPTION_KEY must be 64 hex characters (32 bytes)")
	}
	return nil
}
