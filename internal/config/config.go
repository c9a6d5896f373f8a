package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	ServiceURL string `mapstructure:"service_url" validate:"required,url"`
	PolicyName string `mapstructure:"policy_name" validate:"required"`
	PolicyKey  string `mapstructure:"policy_key" validate:"required"`
	QueueName  string `mapstructure:"queue_name" validate:"required"`

	MaxConcurrentMessages int           `mapstructure:"max_concurrent_messages" validate:"min=1"`
	PullTimeout           time.Duration `mapstructure:"pull_timeout"`
	FailureCooldown       time.Duration `mapstructure:"failure_cooldown"`
	CapacityInterval      time.Duration `mapstructure:"capacity_interval"`

	TokenValidity      time.Duration `mapstructure:"token_validity"`
	TokenRefreshWindow time.Duration `mapstructure:"token_refresh_window" validate:"ltfield=TokenValidity"`

	// RedisURL enables a token cache shared between processes.
	RedisURL string `mapstructure:"redis_url" validate:"omitempty,url"`

	// FailuresTableName enables recording failures in DynamoDB.
	FailuresTableName string     `mapstructure:"failures_table_name"`
	AWSConfig         aws.Config `mapstructure:"aws_config" validate:"-"`

	MetricsPort      int    `mapstructure:"metrics_port" validate:"min=0,max=65535"`
	MetricsAuthToken string `mapstructure:"metrics_auth_token"`
}

func init() {
	setDefaults()
}

func setDefaults() {
	viper.SetDefault("max_concurrent_messages", 1)
	viper.SetDefault("pull_timeout", 60*time.Second)
	viper.SetDefault("failure_cooldown", 30*time.Second)
	viper.SetDefault("capacity_interval", time.Second)
	viper.SetDefault("token_validity", 15*time.Minute)
	viper.SetDefault("token_refresh_window", 3*time.Minute)
}

// Load reads the configuration from viper and validates it. AWS configuration
// is only loaded when a failures table is configured.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.FailuresTableName != "" {
		awsCfg, err := LoadAWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		cfg.AWSConfig = awsCfg
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func LoadAWSConfig(ctx context.Context) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return cfg, nil
}
