package config

// DbSettings selects and configures the job store backend.
type DbSettings struct {
	Type       string `mapstructure:"type" validate:"required,oneof=memory postgres sqlite mongo spanner"`
	DSN        string `mapstructure:"dsn" validate:"required_if=Type postgres,required_if=Type sqlite"`
	URI        string `mapstructure:"uri" validate:"required_if=Type mongo,required_if=Type spanner"`
	DBName     string `mapstructure:"db_name" validate:"required_if=Type mongo"`
	Collection string `mapstructure:"collection"` // Optional, mongo collection prefix
	Migrate    bool   `mapstructure:"migrate"`    // Apply embedded migrations on startup (postgres)
}
