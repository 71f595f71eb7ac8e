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
	ShipBridge ShipBridgeConfig `yaml:"shipbridge"`
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
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	ShipmentUpdatedTopic string `yaml:"shipment_updated_topic_name"`
	ShipmentAlertsTopic  string `yaml:"shipment_alerts_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ShipBridgeConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	// Общий секрет для подписи вебхуков Shopfront (HMAC-SHA256, base64).
	WebhookSecret string `yaml:"webhook_secret"`

	CurrentStatusTTLSeconds int `yaml:"current_status_ttl_seconds"`

	// Страны назначения, которые обслуживает EcoFreight.
	AllowedCountries []string `yaml:"allowed_countries"`

	WorkerHTTPAddr            string `yaml:"worker_http_addr"`
	WorkerPollIntervalSeconds int    `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int    `yaml:"worker_batch_size"`
	WorkerConcurrency         int    `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int    `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int    `yaml:"worker_rate_limit_per_minute"`

	// Retry ladder (optional). If not set, defaults are 1/5/15 minutes.
	WorkerBackoff1Seconds int `yaml:"worker_backoff_1_seconds"`
	WorkerBackoff2Seconds int `yaml:"worker_backoff_2_seconds"`
	WorkerBackoff3Seconds int `yaml:"worker_backoff_3_seconds"`

	EcoFreightBaseURL      string `yaml:"ecofreight_base_url"`
	EcoFreightMode         string `yaml:"ecofreight_mode"` // "v1" | "fake"
	EcoFreightTokenTTLSecs int    `yaml:"ecofreight_token_ttl_seconds"`

	ShopfrontBaseURL string `yaml:"shopfront_base_url"`
	ShopfrontMode    string `yaml:"shopfront_mode"` // "v1" | "fake"
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

	return &config, nil
}
