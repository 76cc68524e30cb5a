package config

import (
	"flag"
	"sync"

	"github.com/parcadei/ouros/logger"
	"github.com/parcadei/ouros/vm"
)

// Manager manages Ouros's two-tier configuration hierarchy: command-line
// flags override environment variables. There is no third, database-backed
// tier — a sandbox runtime has no entity repository to hold one.
//
// Flag Processing:
//
//	Command-line flags use long names (--ouros-*) to avoid conflicts.
//	Only explicitly set flags override environment values.
//
// Thread Safety:
//
//	All operations are protected by a read-write mutex for safe concurrent
//	access from multiple goroutines.
type Manager struct {
	mu         sync.RWMutex
	config     *Config
	flagValues map[string]interface{}
	limitsFile string
}

// NewManager creates a new configuration manager instance.
func NewManager() *Manager {
	return &Manager{
		flagValues: make(map[string]interface{}),
	}
}

// Initialize builds the final configuration by applying the two-tier
// hierarchy. Must be called after RegisterFlags() and flag.Parse().
func (cm *Manager) Initialize() (*Config, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.config == nil {
		cm.config = Load()
	}
	cm.applyFlags()
	if cm.limitsFile != "" {
		if err := cm.config.ApplyLimitsFile(cm.limitsFile); err != nil {
			return nil, err
		}
	}
	return cm.config, nil
}

// RegisterFlags registers all command-line flags with long names.
func (cm *Manager) RegisterFlags() {
	if cm.config == nil {
		cm.config = Load()
	}

	flag.IntVar(&cm.config.Port, "ouros-port", cm.config.Port,
		"HTTP server port (default from OUROS_PORT or 8701)")

	flag.DurationVar(&cm.config.HTTPReadTimeout, "ouros-http-read-timeout", cm.config.HTTPReadTimeout,
		"HTTP read timeout")
	flag.DurationVar(&cm.config.HTTPWriteTimeout, "ouros-http-write-timeout", cm.config.HTTPWriteTimeout,
		"HTTP write timeout")
	flag.DurationVar(&cm.config.HTTPIdleTimeout, "ouros-http-idle-timeout", cm.config.HTTPIdleTimeout,
		"HTTP idle timeout")
	flag.DurationVar(&cm.config.ShutdownTimeout, "ouros-shutdown-timeout", cm.config.ShutdownTimeout,
		"Server shutdown timeout")

	flag.StringVar(&cm.config.StorageDir, "ouros-storage-dir", cm.config.StorageDir,
		"Directory for saved session dumps")

	flag.IntVar(&cm.config.HistoryDepth, "ouros-history-depth", cm.config.HistoryDepth,
		"Number of rewind() checkpoints kept per session")

	flag.Int64Var(&cm.config.DefaultMaxAllocations, "ouros-default-max-allocations", cm.config.DefaultMaxAllocations,
		"Default heap allocation ceiling for a new session")
	flag.Int64Var(&cm.config.DefaultMaxMemory, "ouros-default-max-memory", cm.config.DefaultMaxMemory,
		"Default heap byte-size ceiling for a new session")
	flag.Float64Var(&cm.config.DefaultMaxDurationSecs, "ouros-default-max-duration-secs", cm.config.DefaultMaxDurationSecs,
		"Default wall-clock execution budget, in seconds")
	flag.IntVar(&cm.config.DefaultMaxRecursionDepth, "ouros-default-max-recursion-depth", cm.config.DefaultMaxRecursionDepth,
		"Default frame-stack depth ceiling for a new session")
	flag.DurationVar(&cm.config.DefaultGCInterval, "ouros-default-gc-interval", cm.config.DefaultGCInterval,
		"Reserved reference-cycle collector interval (currently unused by the VM)")

	flag.StringVar(&cm.config.SwaggerHost, "ouros-swagger-host", cm.config.SwaggerHost,
		"Swagger API documentation host")

	flag.StringVar(&cm.config.LogLevel, "ouros-log-level", cm.config.LogLevel,
		"Log level (trace, debug, info, warn, error)")

	flag.StringVar(&cm.config.AppName, "ouros-app-name", cm.config.AppName,
		"Application name used in logs and responses")
	flag.StringVar(&cm.config.AppVersion, "ouros-app-version", cm.config.AppVersion,
		"Application version reported in API documentation")

	flag.StringVar(&cm.limitsFile, "ouros-limits-file", "",
		"Optional YAML file of default session limits, applied after flags/env")

	// Essential short flags only.
	flag.Bool("v", false, "Show version information")
	flag.Bool("version", false, "Show version information")
	flag.Bool("h", false, "Show help")
	flag.Bool("help", false, "Show help")

	flag.VisitAll(func(f *flag.Flag) {
		cm.flagValues[f.Name] = f.Value
	})
}

// applyFlags applies command-line flag values if they were explicitly set.
// flag.*Var already wrote into cm.config directly during parsing, so this
// exists only to log which overrides actually took effect.
func (cm *Manager) applyFlags() {
	flag.Visit(func(f *flag.Flag) {
		logger.Debug("config override from flag --%s=%s", f.Name, f.Value.String())
	})
}

// GetConfig returns the currently active configuration.
func (cm *Manager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// DefaultLimits builds a vm.Limits from the configured session defaults, for
// create_session/execute calls that don't supply their own.
func (c *Config) DefaultLimits() vm.Limits {
	return vm.Limits{
		MaxAllocations:    c.DefaultMaxAllocations,
		MaxMemory:         c.DefaultMaxMemory,
		MaxDurationSecs:   c.DefaultMaxDurationSecs,
		MaxRecursionDepth: c.DefaultMaxRecursionDepth,
		GCInterval:        c.DefaultGCInterval,
	}
}
