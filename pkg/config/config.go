package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/subframe/subframe/pkg/blockstore"
	"github.com/subframe/subframe/pkg/grpc/transport"
	"github.com/subframe/subframe/pkg/telemetry"
)

const (
	// DefaultSettingsFileName is the settings file kept in the data directory
	DefaultSettingsFileName = "settings.json"
	CurrentVersion          = 1
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrSettingsNotFound = errors.New("settings not found")
	ErrInvalidSettings  = errors.New("invalid settings")
)

// Config describes one storage node.
type Config struct {
	Version int `json:"version"`

	// Storage layout
	DataDir   string `json:"data_dir"`
	BlockFile string `json:"block_file"`
	IndexFile string `json:"index_file"`

	// Block store
	BlockSize     int  `json:"block_size"`
	MaxBlockCount int  `json:"max_block_count"`
	SyncWrites    bool `json:"sync_writes"`

	// Payload handling: none, snappy or zstd
	Compression string `json:"compression"`

	// Network
	ListenAddr  string `json:"listen_addr"`
	MetricsAddr string `json:"metrics_addr"`

	TLS transport.TLSConfig `json:"tls"`

	LogLevel string `json:"log_level"`

	Telemetry telemetry.Config `json:"telemetry"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(dataDir string) *Config {
	return &Config{
		Version: CurrentVersion,

		DataDir:   dataDir,
		BlockFile: filepath.Join(dataDir, "files", "blocks.dat"),
		IndexFile: filepath.Join(dataDir, "databases", "index.json"),

		BlockSize:     64 * 1024, // 64KB
		MaxBlockCount: 16 * 1024, // 1GB of payload at the default block size
		SyncWrites:    true,

		Compression: "none",

		ListenAddr:  "localhost:9123",
		MetricsAddr: "localhost:9124",

		LogLevel: "info",

		Telemetry: telemetry.DefaultConfig(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.BlockFile == "" {
		return fmt.Errorf("%w: block file not specified", ErrInvalidConfig)
	}

	if c.IndexFile == "" {
		return fmt.Errorf("%w: index file not specified", ErrInvalidConfig)
	}

	if c.BlockSize < blockstore.MinBlockSize {
		return fmt.Errorf("%w: block size must be at least %d", ErrInvalidConfig, blockstore.MinBlockSize)
	}

	if c.MaxBlockCount <= 0 {
		return fmt.Errorf("%w: max block count must be positive", ErrInvalidConfig)
	}

	switch c.Compression {
	case "none", "snappy", "zstd":
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidConfig, c.Compression)
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen address not specified", ErrInvalidConfig)
	}

	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls requires cert and key files", ErrInvalidConfig)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return nil
}

// SettingsPath returns the settings file location inside the data directory.
func SettingsPath(dataDir string) string {
	return filepath.Join(dataDir, DefaultSettingsFileName)
}

// Load reads a config from path. Fields missing from the file keep the
// defaults for the data directory the file lives in.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSettingsNotFound
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	cfg := NewDefaultConfig(filepath.Dir(path))
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the config to path through a temporary file and a rename.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename settings: %w", err)
	}

	return nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
