package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the conductor service.
type Config struct {
	LogLevel          string
	KafkaBrokers      string
	RedisAddr         string
	PostgresDSN       string
	MaxRetries        int
	TaskTimeout       time.Duration
	HTTPAddr          string
	APIRateLimit      int
	MetricsAddr       string
	OTelEndpoint      string
	ReconcileSchedule string
	SMTPHost          string
	SMTPPort          int
	SMTPFrom          string
	SMTPUsername      string
	SMTPPassword      string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:          v.GetString("log_level"),
		KafkaBrokers:      v.GetString("kafka_brokers"),
		RedisAddr:         v.GetString("redis_addr"),
		PostgresDSN:       v.GetString("postgres_dsn"),
		MaxRetries:        v.GetInt("max_retries"),
		TaskTimeout:       v.GetDuration("task_timeout"),
		HTTPAddr:          v.GetString("http_addr"),
		APIRateLimit:      v.GetInt("api_rate_limit"),
		MetricsAddr:       v.GetString("metrics_addr"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
		ReconcileSchedule: v.GetString("reconcile_schedule"),
		SMTPHost:          v.GetString("smtp_host"),
		SMTPPort:          v.GetInt("smtp_port"),
		SMTPFrom:          v.GetString("smtp_from"),
		SMTPUsername:      v.GetString("smtp_username"),
		SMTPPassword:      v.GetString("smtp_password"),
	}
}
