package config

import (
	"fmt"
	"strings"
	"time"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
		sb.WriteString("\n")
	}
	return sb.String()
}

func Validate(cfg *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateRuntime(&cfg.Runtime)...)
	errs = append(errs, validateFunctions(&cfg.Functions)...)
	errs = append(errs, validateWatch(&cfg.Watch)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(cfg *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: "must be between 1 and 65535",
		})
	}

	if cfg.ReadHeaderTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.read_header_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.MaxBodySize <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.max_body_size",
			Message: "must be positive",
		})
	}

	if cfg.CORS.Enabled && cfg.CORS.AllowCredentials {
		for _, origin := range cfg.CORS.AllowedOrigins {
			if origin == "*" {
				errs = append(errs, ValidationError{
					Field:   "server.cors",
					Message: "security: allow_credentials=true with allowed_origins=[\"*\"] is insecure",
				})
				break
			}
		}
	}

	return errs
}

func validateRuntime(cfg *RuntimeConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Port < 0 || cfg.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "runtime.port",
			Message: "must be between 0 and 65535",
		})
	}

	// Workers carry no authentication; exposing the surface beyond loopback
	// would let anything on the network post invocation results.
	if cfg.Host != "127.0.0.1" && cfg.Host != "localhost" && cfg.Host != "::1" {
		errs = append(errs, ValidationError{
			Field:   "runtime.host",
			Message: "must be a loopback address",
		})
	}

	if cfg.GracePeriod < 0 {
		errs = append(errs, ValidationError{
			Field:   "runtime.grace_period",
			Message: "must be non-negative",
		})
	}

	return errs
}

func validateFunctions(cfg *FunctionsConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "functions.path",
			Message: "must not be empty",
		})
	}

	if cfg.Timeout < time.Second {
		errs = append(errs, ValidationError{
			Field:   "functions.timeout",
			Message: "must be at least 1s",
		})
	}

	if cfg.Concurrency < 1 {
		errs = append(errs, ValidationError{
			Field:   "functions.concurrency",
			Message: "must be at least 1",
		})
	}

	switch cfg.Shape {
	case "rest-proxy", "http-proxy", "raw-url":
	default:
		errs = append(errs, ValidationError{
			Field:   "functions.shape",
			Message: "must be one of rest-proxy, http-proxy, raw-url",
		})
	}

	if cfg.MemorySize < 64 {
		errs = append(errs, ValidationError{
			Field:   "functions.memory_size",
			Message: "must be at least 64",
		})
	}

	return errs
}

func validateWatch(cfg *WatchConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Debounce < 0 {
		errs = append(errs, ValidationError{
			Field:   "watch.debounce",
			Message: "must be non-negative",
		})
	}

	if cfg.BuildTimeout < time.Second {
		errs = append(errs, ValidationError{
			Field:   "watch.build_timeout",
			Message: "must be at least 1s",
		})
	}

	return errs
}

func validateLogging(cfg *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch cfg.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of trace, debug, info, warn, error",
		})
	}

	switch cfg.Format {
	case "json", "console":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be json or console",
		})
	}

	return errs
}
