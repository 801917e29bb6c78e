// Package config loads relaybus's runtime configuration via viper. A
// missing config file is not a startup error: the process runs on the
// defaults below.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/relaybus/relaybus/pkg/bus"
)

// Config mirrors the viper keys documented in configs/config.yaml.
type Config struct {
	Server struct {
		GRPCAddr         string `mapstructure:"grpc_addr"`
		HTTPAddr         string `mapstructure:"http_addr"`
		ShutdownTimeoutS int    `mapstructure:"shutdown_timeout_s"`
	} `mapstructure:"server"`

	Bus struct {
		TopicQueueCapacity int     `mapstructure:"topic_queue_capacity"`
		RingCapacity       int     `mapstructure:"ring_capacity"`
		BatchSize          int     `mapstructure:"batch_size"`
		BatchTimeoutMs     int     `mapstructure:"batch_timeout_ms"`
		SendDeadlineMs     int     `mapstructure:"send_deadline_ms"`
		FullQueuePolicy    string  `mapstructure:"full_queue_policy"`
		RateLimitRPS       float64 `mapstructure:"rate_limit_rps"`
		RateLimitBurst     int     `mapstructure:"rate_limit_burst"`
	} `mapstructure:"bus"`
}

func setDefaults() {
	viper.SetDefault("server.grpc_addr", ":50051")
	viper.SetDefault("server.http_addr", ":8080")
	viper.SetDefault("server.shutdown_timeout_s", 5)

	viper.SetDefault("bus.topic_queue_capacity", 2000)
	viper.SetDefault("bus.ring_capacity", 100)
	viper.SetDefault("bus.batch_size", 10)
	viper.SetDefault("bus.batch_timeout_ms", 20)
	viper.SetDefault("bus.send_deadline_ms", 500)
	viper.SetDefault("bus.full_queue_policy", "drop_oldest")
	viper.SetDefault("bus.rate_limit_rps", 1000)
	viper.SetDefault("bus.rate_limit_burst", 500)
}

// InitConfig loads configs/config.yaml if present, applying defaults for
// every key it omits or if the file is absent entirely.
func InitConfig() (*Config, error) {
	setDefaults()
	viper.AddConfigPath("configs")
	viper.SetConfigName("config")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// TopicConfig translates the loaded bus.* keys into a bus.TopicConfig ready
// to hand to bus.NewManager.
func (c *Config) TopicConfig() bus.TopicConfig {
	policy := bus.PolicyDropOldest
	if c.Bus.FullQueuePolicy == "reject" {
		policy = bus.PolicyReject
	}
	return bus.TopicConfig{
		QueueCapacity:   c.Bus.TopicQueueCapacity,
		RingCapacity:    c.Bus.RingCapacity,
		BatchSize:       c.Bus.BatchSize,
		BatchTimeout:    time.Duration(c.Bus.BatchTimeoutMs) * time.Millisecond,
		SendDeadline:    time.Duration(c.Bus.SendDeadlineMs) * time.Millisecond,
		FullQueuePolicy: policy,
		RateLimit:       c.Bus.RateLimitRPS,
		RateBurst:       c.Bus.RateLimitBurst,
	}
}
