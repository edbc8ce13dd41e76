package config

import "time"

type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url" validate:"omitempty,url"`
	MetricsURL  string `mapstructure:"metrics_url" validate:"omitempty,url"`
}

// RetrySettings shapes the exponential backoff between delivery attempts.
type RetrySettings struct {
	Base time.Duration `mapstructure:"base" validate:"gt=0"`
	Cap  time.Duration `mapstructure:"cap" validate:"gtefield=Base"`
}

// ConnectivitySettings configures the reachability probe. An empty ProbeURL
// leaves the monitor driven only by explicit online/offline signals.
type ConnectivitySettings struct {
	ProbeURL      string        `mapstructure:"probe_url" validate:"omitempty,url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" validate:"gt=0"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
}
