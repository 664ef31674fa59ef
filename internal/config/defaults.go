package config

import "time"

// Default configuration values.
const (
	// Server defaults.
	DefaultHost              = "localhost"
	DefaultPort              = 9000
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultMaxBodySize       = 6 * 1024 * 1024 // matches the platform's sync payload limit

	// Runtime surface defaults.
	DefaultRuntimeHost = "127.0.0.1"
	DefaultGracePeriod = 2 * time.Second

	// Functions defaults.
	DefaultFunctionsPath   = "functions"
	DefaultFunctionTimeout = 30 * time.Second
	DefaultConcurrency     = 1
	DefaultShape           = "http-proxy"
	DefaultMemorySize      = 128 // MB

	// Watch defaults.
	DefaultDebounce     = 300 * time.Millisecond
	DefaultBuildTimeout = 2 * time.Minute

	// Logging defaults.
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              DefaultHost,
			Port:              DefaultPort,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			MaxBodySize:       DefaultMaxBodySize,
			CORS: CORSConfig{
				Enabled:          true,
				AllowedOrigins:   []string{"*"},
				AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
				ExposedHeaders:   []string{"X-Request-ID", "X-Amz-Function-Error"},
				AllowCredentials: false,
				MaxAge:           12 * time.Hour,
			},
		},
		Runtime: RuntimeConfig{
			Host:        DefaultRuntimeHost,
			Port:        0,
			GracePeriod: DefaultGracePeriod,
		},
		Functions: FunctionsConfig{
			Path:        DefaultFunctionsPath,
			Timeout:     DefaultFunctionTimeout,
			Concurrency: DefaultConcurrency,
			Shape:       DefaultShape,
			MemorySize:  DefaultMemorySize,
			Env:         make(map[string]string),
		},
		Watch: WatchConfig{
			Enabled:      true,
			Debounce:     DefaultDebounce,
			BuildTimeout: DefaultBuildTimeout,
		},
		Logging: LoggingConfig{
			Level:     DefaultLogLevel,
			Format:    DefaultLogFormat,
			Caller:    false,
			Timestamp: true,
		},
	}
}
