package config

import "time"

// TargetSettings configures the delivery adapter for one target system.
type TargetSettings struct {
	Kind           string        `mapstructure:"kind" validate:"required,oneof=http portal postgres rabbitmq gcp-pubsub"`
	URL            string        `mapstructure:"url" validate:"required_if=Kind http,required_if=Kind portal,required_if=Kind rabbitmq"`
	Token          string        `mapstructure:"token"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gte=0"`
	RateLimit      float64       `mapstructure:"rate_limit" validate:"gte=0"` // requests per second, 0 disables
	ReferenceField string        `mapstructure:"reference_field"`
	DSN            string        `mapstructure:"dsn" validate:"required_if=Kind postgres"`
	Table          string        `mapstructure:"table"`
	Exchange       string        `mapstructure:"exchange" validate:"required_if=Kind rabbitmq"`
	PoolSize       int           `mapstructure:"pool_size" validate:"gte=0"`
	ProjectID      string        `mapstructure:"project_id" validate:"required_if=Kind gcp-pubsub"`
	Topic          string        `mapstructure:"topic" validate:"required_if=Kind gcp-pubsub"`
}
