// Package config provides centralized configuration management for Ouros.
//
// This package implements a two-tier configuration hierarchy:
//  1. Command-line flags (highest priority)
//  2. Environment variables (lowest priority)
//
// Ouros has no backing entity database, so unlike the config package it was
// adapted from, there is no third "database configuration entity" tier —
// everything a running process needs is knowable before the process starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds all configuration values for the Ouros remote-tool server.
//
// All values have sensible defaults and can be overridden through
// environment variables or command-line flags (see Manager.RegisterFlags).
type Config struct {
	// Server Configuration
	// ===================

	// Port is the HTTP server listening port.
	// Environment: OUROS_PORT
	// Default: 8701
	Port int

	// HTTP Server Timeouts
	// ====================

	// HTTPReadTimeout is the maximum duration for reading the entire request.
	// Environment: OUROS_HTTP_READ_TIMEOUT (seconds)
	// Default: 15 seconds
	HTTPReadTimeout time.Duration

	// HTTPWriteTimeout is the maximum duration before timing out writes.
	// Environment: OUROS_HTTP_WRITE_TIMEOUT (seconds)
	// Default: 15 seconds
	HTTPWriteTimeout time.Duration

	// HTTPIdleTimeout is the maximum time to wait for the next request.
	// Environment: OUROS_HTTP_IDLE_TIMEOUT (seconds)
	// Default: 60 seconds
	HTTPIdleTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Environment: OUROS_SHUTDOWN_TIMEOUT (seconds)
	// Default: 30 seconds
	ShutdownTimeout time.Duration

	// File System Paths
	// =================

	// StorageDir is the directory session.Manager dumps and loads .ouros
	// session files from (save_session/load_session).
	// Environment: OUROS_STORAGE_DIR
	// Default: "./var"
	StorageDir string

	// Session Defaults
	// ================

	// HistoryDepth bounds how many rewind() checkpoints a session keeps.
	// Environment: OUROS_HISTORY_DEPTH
	// Default: 20
	HistoryDepth int

	// Default resource limits applied to a session's vm.VM when a caller's
	// create_session/execute request does not specify its own (§ resource
	// tracker). Mirrors vm.Limits field-for-field.

	// DefaultMaxAllocations is the default heap allocation ceiling.
	// Environment: OUROS_DEFAULT_MAX_ALLOCATIONS
	// Default: 1000000
	DefaultMaxAllocations int64

	// DefaultMaxMemory is the default heap byte-size estimate ceiling.
	// Environment: OUROS_DEFAULT_MAX_MEMORY
	// Default: 268435456 (256 MiB)
	DefaultMaxMemory int64

	// DefaultMaxDurationSecs is the default wall-clock execution budget.
	// Environment: OUROS_DEFAULT_MAX_DURATION_SECS
	// Default: 10
	DefaultMaxDurationSecs float64

	// DefaultMaxRecursionDepth is the default frame-stack depth ceiling.
	// Environment: OUROS_DEFAULT_MAX_RECURSION_DEPTH
	// Default: 1000
	DefaultMaxRecursionDepth int

	// DefaultGCInterval is the default reserved, currently-unused
	// reference-cycle collector interval (vm.Limits.GCInterval).
	// Environment: OUROS_DEFAULT_GC_INTERVAL (seconds)
	// Default: 0 (disabled)
	DefaultGCInterval time.Duration

	// API Documentation Configuration
	// ===============================

	// SwaggerHost defines the host:port for Swagger API documentation.
	// Environment: OUROS_SWAGGER_HOST
	// Default: "localhost:8701"
	SwaggerHost string

	// Logging Configuration
	// =====================

	// LogLevel sets the minimum log level for message output.
	// Environment: OUROS_LOG_LEVEL
	// Default: "info"
	// Valid values: "trace", "debug", "info", "warn", "error"
	LogLevel string

	// Application Metadata
	// ====================

	// AppName is the application name used in logs and responses.
	// Environment: OUROS_APP_NAME
	// Default: "Ouros"
	AppName string

	// AppVersion is the application version for API documentation.
	// Environment: OUROS_APP_VERSION
	// Default: "0.1.0"
	AppVersion string
}

// Load creates a new Config instance with values loaded from environment
// variables.
//
// This function applies the lowest priority tier of the configuration
// hierarchy; values it returns can be overridden by command-line flags
// (see Manager.RegisterFlags/Initialize).
//
// Duration OUROS_* environment variables hold whole seconds (unlike the
// matching duration flags, which take Go duration strings such as "15s");
// booleans accept "true"/"1"; everything else is a plain string or integer.
func Load() *Config {
	return &Config{
		Port: getEnvInt("OUROS_PORT", 8701),

		HTTPReadTimeout:  getEnvDuration("OUROS_HTTP_READ_TIMEOUT", 15),
		HTTPWriteTimeout: getEnvDuration("OUROS_HTTP_WRITE_TIMEOUT", 15),
		HTTPIdleTimeout:  getEnvDuration("OUROS_HTTP_IDLE_TIMEOUT", 60),
		ShutdownTimeout:  getEnvDuration("OUROS_SHUTDOWN_TIMEOUT", 30),

		StorageDir: getEnv("OUROS_STORAGE_DIR", "./var"),

		HistoryDepth: getEnvInt("OUROS_HISTORY_DEPTH", 20),

		DefaultMaxAllocations:    getEnvInt64("OUROS_DEFAULT_MAX_ALLOCATIONS", 1_000_000),
		DefaultMaxMemory:         getEnvInt64("OUROS_DEFAULT_MAX_MEMORY", 256*1024*1024),
		DefaultMaxDurationSecs:   getEnvFloat("OUROS_DEFAULT_MAX_DURATION_SECS", 10),
		DefaultMaxRecursionDepth: getEnvInt("OUROS_DEFAULT_MAX_RECURSION_DEPTH", 1000),
		DefaultGCInterval:        getEnvDuration("OUROS_DEFAULT_GC_INTERVAL", 0),

		SwaggerHost: getEnv("OUROS_SWAGGER_HOST", "localhost:8701"),

		LogLevel: getEnv("OUROS_LOG_LEVEL", "info"),

		AppName:    getEnv("OUROS_APP_NAME", "Ouros"),
		AppVersion: getEnv("OUROS_APP_VERSION", "0.1.0"),
	}
}

// SessionFilePath returns the full path to a session dump of the given id.
func (c *Config) SessionFilePath(id string) string {
	return c.StorageDir + "/" + id + ".ouros"
}

// limitsFile is the shape of a --ouros-limits-file YAML document: default
// resource limits applied to sessions that don't specify their own,
// expressed in the vocabulary of §6's "Limits object" rather than Config's
// internal field names.
type limitsFile struct {
	MaxAllocations    *int64   `yaml:"max_allocations"`
	MaxMemory         *int64   `yaml:"max_memory"`
	MaxDurationSecs   *float64 `yaml:"max_duration_secs"`
	MaxRecursionDepth *int     `yaml:"max_recursion_depth"`
	GCIntervalSecs    *int     `yaml:"gc_interval_secs"`
}

// ApplyLimitsFile overlays c's default session limits with whatever a YAML
// limits file sets, leaving any field the file omits untouched. A missing
// file is not an error — the flag/env defaults stand on their own.
func (c *Config) ApplyLimitsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading limits file: %w", err)
	}
	var lf limitsFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return fmt.Errorf("config: parsing limits file %s: %w", path, err)
	}
	if lf.MaxAllocations != nil {
		c.DefaultMaxAllocations = *lf.MaxAllocations
	}
	if lf.MaxMemory != nil {
		c.DefaultMaxMemory = *lf.MaxMemory
	}
	if lf.MaxDurationSecs != nil {
		c.DefaultMaxDurationSecs = *lf.MaxDurationSecs
	}
	if lf.MaxRecursionDepth != nil {
		c.DefaultMaxRecursionDepth = *lf.MaxRecursionDepth
	}
	if lf.GCIntervalSecs != nil {
		c.DefaultGCInterval = time.Duration(*lf.GCIntervalSecs) * time.Second
	}
	return nil
}

// =============================================================================
// Environment Variable Parsing Utilities
// =============================================================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultSeconds int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return time.Duration(intValue) * time.Second
		}
	}
	return time.Duration(defaultSeconds) * time.Second
}
