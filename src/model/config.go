package model

// ----------------------------------------------------
// ================ Config ================

// LogConfig holds configuration for the global logger
type LogConfig struct {
	Level      string `envconfig:"LOG_LEVEL" yaml:"level" default:"info"`
	Format     string `envconfig:"LOG_FORMAT" yaml:"format" default:"json"`
	Output     string `envconfig:"LOG_OUTPUT" yaml:"output" default:"stdout"`
	FilePath   string `envconfig:"LOG_FILE_PATH" yaml:"file_path" default:"logs/greentic-session.log"`
	TimeFormat string `envconfig:"LOG_TIME_FORMAT" yaml:"time_format" default:"rfc3339"`
}

// SessionConfig selects and tunes the session backend
type SessionConfig struct {
	// Backend is "inmemory" or "redis"
	Backend string `envconfig:"SESSION_BACKEND" yaml:"backend" default:"inmemory"`
	// RedisURL is required when Backend is "redis"
	RedisURL string `envconfig:"REDIS_URL" yaml:"redis_url"`
	// Namespace overrides the default key namespace prefix
	Namespace string `envconfig:"SESSION_NAMESPACE" yaml:"namespace"`
	// DefaultTTLSecs is the TTL callers apply to new sessions (0 = no expiry)
	DefaultTTLSecs uint32 `envconfig:"SESSION_DEFAULT_TTL_SECS" yaml:"default_ttl_secs" default:"1800"`
	// SweepSecs is the in-memory sweep cadence; values below 60 are clamped
	SweepSecs uint32 `envconfig:"SESSION_SWEEP_SECS" yaml:"sweep_secs" default:"60"`
}
