package config

import "testing"

func TestConfigDefaultLimits(t *testing.T) {
	cfg := Load()
	limits := cfg.DefaultLimits()

	if limits.MaxAllocations != cfg.DefaultMaxAllocations {
		t.Errorf("MaxAllocations = %d, want %d", limits.MaxAllocations, cfg.DefaultMaxAllocations)
	}
	if limits.MaxMemory != cfg.DefaultMaxMemory {
		t.Errorf("MaxMemory = %d, want %d", limits.MaxMemory, cfg.DefaultMaxMemory)
	}
	if limits.MaxDurationSecs != cfg.DefaultMaxDurationSecs {
		t.Errorf("MaxDurationSecs = %v, want %v", limits.MaxDurationSecs, cfg.DefaultMaxDurationSecs)
	}
	if limits.MaxRecursionDepth != cfg.DefaultMaxRecursionDepth {
		t.Errorf("MaxRecursionDepth = %d, want %d", limits.MaxRecursionDepth, cfg.DefaultMaxRecursionDepth)
	}
	if limits.GCInterval != cfg.DefaultGCInterval {
		t.Errorf("GCInterval = %v, want %v", limits.GCInterval, cfg.DefaultGCInterval)
	}
}

func TestManagerGetConfigBeforeInitialize(t *testing.T) {
	cm := NewManager()
	if got := cm.GetConfig(); got != nil {
		t.Errorf("GetConfig() before Initialize/RegisterFlags = %v, want nil", got)
	}
}
