// Package config provides configuration management for lambdev.
package config

import (
	"time"
)

// Config is the root configuration structure for lambdev.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Functions FunctionsConfig `mapstructure:"functions"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds ingress HTTP server settings.
type ServerConfig struct {
	// Host to bind the server to
	Host string `mapstructure:"host"`

	// Port to listen on
	Port int `mapstructure:"port"`

	// Enable CORS
	CORS CORSConfig `mapstructure:"cors"`

	// Connection timeouts. Write stays unset so a slow function cannot be
	// cut off mid-invocation.
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`

	// Maximum request body size in bytes
	MaxBodySize int64 `mapstructure:"max_body_size"`
}

// CORSConfig holds CORS settings for browser clients hitting function URLs.
type CORSConfig struct {
	// Enable CORS
	Enabled bool `mapstructure:"enabled"`

	// Allowed origins (use ["*"] for all)
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// Allowed methods
	AllowedMethods []string `mapstructure:"allowed_methods"`

	// Allowed headers
	AllowedHeaders []string `mapstructure:"allowed_headers"`

	// Exposed headers
	ExposedHeaders []string `mapstructure:"exposed_headers"`

	// Allow credentials
	AllowCredentials bool `mapstructure:"allow_credentials"`

	// Max age for preflight cache
	MaxAge time.Duration `mapstructure:"max_age"`
}

// RuntimeConfig holds settings for the worker-facing protocol surface.
type RuntimeConfig struct {
	// Host to bind to. Workers run locally, so this stays on loopback.
	Host string `mapstructure:"host"`

	// Port to listen on (0 picks an ephemeral port)
	Port int `mapstructure:"port"`

	// How long a terminated worker gets before force kill
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// FunctionsConfig holds function discovery defaults. Per-function manifests
// override these.
type FunctionsConfig struct {
	// Path to the functions directory
	Path string `mapstructure:"path"`

	// Default execution timeout
	Timeout time.Duration `mapstructure:"timeout"`

	// Default per-function concurrency limit
	Concurrency int `mapstructure:"concurrency"`

	// Default event shape (rest-proxy, http-proxy, raw-url)
	Shape string `mapstructure:"shape"`

	// Default advertised memory size in MB
	MemorySize int `mapstructure:"memory_size"`

	// Environment variables passed to every function
	Env map[string]string `mapstructure:"env"`
}

// WatchConfig holds rebuild-on-change settings.
type WatchConfig struct {
	// Enable the file watcher
	Enabled bool `mapstructure:"enabled"`

	// Quiet period before a change triggers a rebuild
	Debounce time.Duration `mapstructure:"debounce"`

	// Maximum duration of a single build
	BuildTimeout time.Duration `mapstructure:"build_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Log format (json, console)
	Format string `mapstructure:"format"`

	// Include caller info
	Caller bool `mapstructure:"caller"`

	// Include timestamp
	Timestamp bool `mapstructure:"timestamp"`
}

// Address returns the ingress address in host:port format.
func (s *ServerConfig) Address() string {
	return s.Host + ":" + itoa(s.Port)
}

// Address returns the runtime surface address in host:port format.
func (r *RuntimeConfig) Address() string {
	return r.Host + ":" + itoa(r.Port)
}

// itoa converts int to string without importing strconv.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	negative := i < 0
	if negative {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if negative {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
