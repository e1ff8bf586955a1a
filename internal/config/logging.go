package config

// LoggingConfig controls the subscriber's log output. Console logging is
// always on; a non-empty FILE adds a rotating file sink beside it.
type LoggingConfig struct {
	// Level is the minimum severity emitted.
	Level string `mapstructure:"LEVEL" json:"level" validate:"required,log_level"`

	// FilePath enables the file sink when set.
	FilePath string `mapstructure:"FILE" json:"file" validate:"omitempty"`

	// Format selects the console encoder (json or console).
	Format string `mapstructure:"FORMAT" json:"format" validate:"omitempty,log_format"`

	// Rotation limits for the file sink, passed through to lumberjack.
	MaxSize    int `mapstructure:"MAX_SIZE"    json:"max_size"    validate:"required,min=1,max=1000"`
	MaxBackups int `mapstructure:"MAX_BACKUPS" json:"max_backups" validate:"required,min=0,max=100"`
	MaxAge     int `mapstructure:"MAX_AGE"     json:"max_age"     validate:"required,min=1,max=365"`
}
