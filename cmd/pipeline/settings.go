package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// runtimeSettings holds the operational knobs that sit outside the ensemble
// descriptor (spec §6 only defines the descriptor's JSON shape) — thread
// pool sizing, logging, and the ONNX Runtime shared library location. Kept
// as YAML, mirroring mantle's config.go convention for the operator-facing
// settings file.
type runtimeSettings struct {
	SharedLibPath  string `yaml:"shared_lib_path"`
	ThreadPoolSize int    `yaml:"thread_pool_size"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
}

func defaultRuntimeSettings() runtimeSettings {
	return runtimeSettings{
		ThreadPoolSize: 4,
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

func loadRuntimeSettings(path string) (runtimeSettings, error) {
	cfg := defaultRuntimeSettings()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read settings file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse settings file %q: %w", path, err)
	}
	return cfg, nil
}
