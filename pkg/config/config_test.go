package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewDefaultConfig(t *testing.T) {
	dataDir := "/tmp/subframe"
	cfg := NewDefaultConfig(dataDir)

	if cfg.Version != CurrentVersion {
		t.Errorf("expected version %d, got %d", CurrentVersion, cfg.Version)
	}

	if cfg.BlockFile != filepath.Join(dataDir, "files", "blocks.dat") {
		t.Errorf("unexpected block file %s", cfg.BlockFile)
	}

	if cfg.IndexFile != filepath.Join(dataDir, "databases", "index.json") {
		t.Errorf("unexpected index file %s", cfg.IndexFile)
	}

	if cfg.BlockSize != 64*1024 {
		t.Errorf("expected block size %d, got %d", 64*1024, cfg.BlockSize)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected default config to be valid, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name     string
		mutate   func(*Config)
		expected string
	}{
		{
			name:     "invalid version",
			mutate:   func(c *Config) { c.Version = 0 },
			expected: "invalid configuration: invalid version 0",
		},
		{
			name:     "empty block file",
			mutate:   func(c *Config) { c.BlockFile = "" },
			expected: "invalid configuration: block file not specified",
		},
		{
			name:     "empty index file",
			mutate:   func(c *Config) { c.IndexFile = "" },
			expected: "invalid configuration: index file not specified",
		},
		{
			name:     "tiny block size",
			mutate:   func(c *Config) { c.BlockSize = 16 },
			expected: "invalid configuration: block size must be at least 64",
		},
		{
			name:     "zero max block count",
			mutate:   func(c *Config) { c.MaxBlockCount = 0 },
			expected: "invalid configuration: max block count must be positive",
		},
		{
			name:     "unknown compression",
			mutate:   func(c *Config) { c.Compression = "lz4" },
			expected: `invalid configuration: unknown compression "lz4"`,
		},
		{
			name:     "empty listen address",
			mutate:   func(c *Config) { c.ListenAddr = "" },
			expected: "invalid configuration: listen address not specified",
		},
		{
			name:     "tls without key pair",
			mutate:   func(c *Config) { c.TLS.Enabled = true },
			expected: "invalid configuration: tls requires cert and key files",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig("/tmp/subframe")
			tc.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			if err.Error() != tc.expected {
				t.Errorf("expected error %q, got %q", tc.expected, err.Error())
			}
		})
	}
}

func TestConfigSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := SettingsPath(dir)

	cfg := NewDefaultConfig(dir)
	cfg.BlockSize = 4096
	cfg.MaxBlockCount = 12
	cfg.Compression = "zstd"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary settings file should be gone, stat err: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if loaded.BlockSize != 4096 || loaded.MaxBlockCount != 12 || loaded.Compression != "zstd" {
		t.Errorf("loaded config does not match: %+v", loaded)
	}
	if loaded.BlockFile != cfg.BlockFile {
		t.Errorf("expected block file %s, got %s", cfg.BlockFile, loaded.BlockFile)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := SettingsPath(dir)

	if err := os.WriteFile(path, []byte(`{"version":1,"block_size":128}`), 0644); err != nil {
		t.Fatalf("failed to write settings: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.BlockSize != 128 {
		t.Errorf("expected block size 128, got %d", cfg.BlockSize)
	}
	if cfg.IndexFile != filepath.Join(dir, "databases", "index.json") {
		t.Errorf("expected default index file, got %s", cfg.IndexFile)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.json")); !errors.Is(err, ErrSettingsNotFound) {
		t.Errorf("expected ErrSettingsNotFound, got %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := Load(bad); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("expected ErrInvalidSettings, got %v", err)
	}
}

func TestConfigUpdate(t *testing.T) {
	cfg := NewDefaultConfig("/tmp/subframe")
	cfg.Update(func(c *Config) {
		c.MaxBlockCount = 4
	})
	if cfg.MaxBlockCount != 4 {
		t.Errorf("expected max block count 4, got %d", cfg.MaxBlockCount)
	}
}
