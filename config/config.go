package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Carriers   CarriersConfig   `yaml:"carriers"`
	ParcelDesk ParcelDeskConfig `yaml:"parceldesk"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	ShipmentUpdatedTopicName string `yaml:"shipment_updated_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// CarriersConfig holds the live-integration credentials. Missing USPS
// credentials are a supported degraded mode (simulated results); missing
// FedEx credentials fail at authentication time.
type CarriersConfig struct {
	USPS  USPSConfig  `yaml:"usps"`
	FedEx FedExConfig `yaml:"fedex"`
}

type USPSConfig struct {
	BaseURL string `yaml:"base_url"`
	UserID  string `yaml:"user_id"`
}

type FedExConfig struct {
	BaseURL      string `yaml:"base_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// DemoMode serves simulated results without touching the live API.
	DemoMode bool `yaml:"demo_mode"`
}

type ParcelDeskConfig struct {
	HTTPAddr                string `yaml:"http_addr"`
	KafkaConsumerGroup      string `yaml:"kafka_consumer_group"`
	CurrentStatusTTLSeconds int    `yaml:"current_status_ttl_seconds"`

	WorkerPollIntervalSeconds int `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int `yaml:"worker_batch_size"`
	WorkerConcurrency         int `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int `yaml:"worker_rate_limit_per_minute"`

	WorkerRateLimitUSPSPerMinute  int `yaml:"worker_rate_limit_usps_per_minute"`
	WorkerRateLimitFedExPerMinute int `yaml:"worker_rate_limit_fedex_per_minute"`

	WorkerHTTPAddr string `yaml:"worker_http_addr"`

	// Worker scheduling (optional). If not set, defaults are "prod-like":
	// IN_TRANSIT: 30..120 minutes, UNKNOWN: 90 minutes, backoff: 5/15/30/60.
	WorkerNextCheckInTransitMinSeconds int `yaml:"worker_next_check_in_transit_min_seconds"`
	WorkerNextCheckInTransitMaxSeconds int `yaml:"worker_next_check_in_transit_max_seconds"`
	WorkerNextCheckUnknownSeconds      int `yaml:"worker_next_check_unknown_seconds"`
	WorkerBackoff1Seconds              int `yaml:"worker_backoff_1_seconds"`
	WorkerBackoff2Seconds              int `yaml:"worker_backoff_2_seconds"`
	WorkerBackoff3Seconds              int `yaml:"worker_backoff_3_seconds"`
	WorkerBackoff4Seconds              int `yaml:"worker_backoff_4_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	config.applyEnvOverrides()
	return &config, nil
}

// Credentials are usually injected through the environment rather than kept
// in the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("USPS_USER_ID"); v != "" {
		c.Carriers.USPS.UserID = v
	}
	if v := os.Getenv("FEDEX_CLIENT_ID"); v != "" {
		c.Carriers.FedEx.ClientID = v
	}
	if v := os.Getenv("FEDEX_CLIENT_SECRET"); v != "" {
		c.Carriers.FedEx.ClientSecret = v
	}
}
