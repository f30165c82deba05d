// Package config loads the engine configuration from a YAML file plus
// MATCHING_-prefixed environment overrides, applies defaults, and validates
// the result before anything is constructed from it.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/matching-engine/pkg/matching"
	"github.com/abdoElHodaky/matching-engine/pkg/orderbook"
	"github.com/abdoElHodaky/matching-engine/pkg/validation"
)

// Config is the root configuration document.
type Config struct {
	Service    matching.ServiceConfig   `mapstructure:"service"`
	Validation validation.Config        `mapstructure:"validation"`
	Contracts  []orderbook.ContractSpec `mapstructure:"contracts" validate:"dive"`
	LogLevel   string                   `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Service:    matching.DefaultServiceConfig(),
		Validation: validation.DefaultConfig(),
		LogLevel:   "info",
	}
}

// Load reads path (optional) and the environment into a validated Config.
// An empty path loads defaults plus environment overrides only.
func Load(path string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MATCHING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		logger.Info("configuration loaded", zap.String("file", v.ConfigFileUsed()))
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies struct-tag rules plus the contract-grid checks that tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for i := range c.Contracts {
		if err := c.Contracts[i].Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.engine.partition_count", 0)
	v.SetDefault("service.engine.queue_capacity", 10_000)
	v.SetDefault("service.engine.batch_size", 100)
	v.SetDefault("service.engine.enable_cpu_affinity", false)
	v.SetDefault("service.publisher_pool_size", 8)
	v.SetDefault("service.timestamp_interval", 100)
	v.SetDefault("validation.min_price", 1)
	v.SetDefault("validation.max_quantity", 1_000_000)
	v.SetDefault("validation.min_quantity", 1)
	v.SetDefault("log_level", "info")
}
