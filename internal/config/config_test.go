package config

import (
	"errors"
	"testing"
)

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.MaxInnerUppers != 16 {
		t.Errorf("MaxInnerUppers = %d, want 16", cfg.MaxInnerUppers)
	}
	if cfg.FlushDir == "" {
		t.Errorf("expected a non-empty default FlushDir")
	}
}

func TestLoadMissingFileIsConfigError(t *testing.T) {
	_, err := Load("/nonexistent/path/taskloom.yaml")
	if err == nil {
		t.Fatal("expected an error loading a nonexistent config file")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
}
