package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SYNCENGINE_DATABASE_TYPE.
const EnvPrefix = "SYNCENGINE"

type Settings struct {
	Database       DbSettings                `mapstructure:"database"`
	WorkerID       string                    `mapstructure:"worker_id"`
	PollInterval   time.Duration             `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize      int                       `mapstructure:"batch_size" validate:"gt=0"`
	Workers        int                       `mapstructure:"workers" validate:"gt=0"`
	MaxAttempts    int                       `mapstructure:"max_attempts" validate:"gte=1"`
	Retry          RetrySettings             `mapstructure:"retry"`
	LockExpiration time.Duration             `mapstructure:"lock_expiration" validate:"gt=0"`
	Connectivity   ConnectivitySettings      `mapstructure:"connectivity"`
	Targets        map[string]TargetSettings `mapstructure:"targets" validate:"dive"`
	Observability  Observability             `mapstructure:"observability"` // Observability settings
}

func (c *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	for name, target := range c.Targets {
		if target.Timeout > 0 && target.Timeout >= c.LockExpiration {
			return fmt.Errorf("target %s: timeout %s must be shorter than lock_expiration %s", name, target.Timeout, c.LockExpiration)
		}
	}
	return nil
}

// Default returns the settings used when neither a file nor the environment
// overrides a key.
func Default() *Settings {
	v := newViper()
	cfg := &Settings{}
	if err := v.Unmarshal(cfg); err != nil {
		// defaults are static, so this only fails on a programming error
		panic(err)
	}
	cfg.fillDerived()
	return cfg
}

// LoadFromFile reads syncengine.yaml from filePath (or the working directory),
// merges syncengine.<ENVIRONMENT>.yaml on top, then applies environment
// overrides and validates the result.
func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	v := newViper()
	v.SetConfigType("yaml")
	v.SetConfigName("syncengine")
	v.AddConfigPath(filePath) // path to config
	v.AddConfigPath(".")      // current directory

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Printf("No config file found (will rely on env): %v", err)
	}

	if err := mergeConfig(v, filePath, "syncengine."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	return load(v)
}

// LoadFromEnv builds settings from defaults and environment variables only.
func LoadFromEnv() (*Settings, error) {
	return load(newViper())
}

func load(v *viper.Viper) (*Settings, error) {
	cfg := &Settings{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.fillDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "syncengine.db")
	v.SetDefault("database.uri", "")
	v.SetDefault("database.db_name", "")
	v.SetDefault("database.collection", "sync")
	v.SetDefault("database.migrate", true)
	v.SetDefault("worker_id", "")
	v.SetDefault("poll_interval", 5*time.Second)
	v.SetDefault("batch_size", 100)
	v.SetDefault("workers", runtime.NumCPU()*4)
	v.SetDefault("max_attempts", 5)
	v.SetDefault("retry.base", 30*time.Second)
	v.SetDefault("retry.cap", time.Hour)
	v.SetDefault("lock_expiration", 5*time.Minute)
	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", 15*time.Second)
	v.SetDefault("connectivity.probe_timeout", 3*time.Second)
	v.SetDefault("observability.service_name", "go-syncengine")
	v.SetDefault("observability.tracing_url", "")
	v.SetDefault("observability.metrics_url", "")

	// Every key above has a default, so AutomaticEnv sees all of them.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like SYNCENGINE_DATABASE_TYPE
	v.AutomaticEnv()

	return v
}

func (c *Settings) fillDerived() {
	if c.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		c.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.Targets == nil {
		c.Targets = map[string]TargetSettings{}
	}
}

func mergeConfig(v *viper.Viper, path string, name string) error {
	v.SetConfigName(name)
	v.AddConfigPath(path)
	return v.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
