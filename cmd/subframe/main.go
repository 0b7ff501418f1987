package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/subframe/subframe/pkg/common/log"
	"github.com/subframe/subframe/pkg/config"
)

const helpText = `
SuBFraMe storage node - fixed-size block storage with a durable key index.

Usage:
  subframe [options]

Options:
  -config string          - Settings file (default <data-dir>/settings.json)
  -data-dir string        - Data directory (default "./data")
  -server                 - Run in server mode, exposing a gRPC API
  -address string         - Address to listen on in server mode
  -metrics-address string - Address of the Prometheus endpoint, empty to disable
  -block-size int         - Block size in bytes for a new block file
  -max-blocks int         - Maximum number of data blocks
  -compression string     - Payload codec: none, snappy or zstd
  -log-level string       - debug, info, warn or error

Commands (interactive mode only):
  .help                   - Show this help message
  .stats                  - Show node statistics
  .blocks                 - Show block occupancy
  .exit                   - Exit the program

  PUT key value           - Store a payload under key
  GET key                 - Print the payload stored under key
  INFO key                - Show where the payload under key is stored
  HAS key                 - Report whether key holds a payload
  DELETE key              - Delete key and release its block
`

// Flags holds the command line settings. Zero values mean "not given".
type Flags struct {
	ConfigPath  string
	DataDir     string
	ServerMode  bool
	ListenAddr  string
	MetricsAddr string
	BlockSize   int
	MaxBlocks   int
	Compression string
	LogLevel    string

	// set records which flags were given explicitly
	set map[string]bool
}

func main() {
	flags, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	cfg, settingsPath, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading settings: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log.SetDefaultLogger(logger)

	if err := cfg.Save(settingsPath); err != nil {
		logger.Warn("Failed to write settings to %s: %v", settingsPath, err)
	}

	n, err := openNode(cfg, logger)
	if err != nil {
		logger.Error("Failed to open storage: %v", err)
		os.Exit(1)
	}

	if flags.ServerMode {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		err = runServer(ctx, n)
		if closeErr := n.Close(); closeErr != nil {
			logger.Error("Failed to close storage: %v", closeErr)
		}
		if err != nil {
			logger.Error("Server failed: %v", err)
			os.Exit(1)
		}
		logger.Info("Shutdown complete")
		return
	}

	runInteractive(n)
	if err := n.Close(); err != nil {
		logger.Error("Failed to close storage: %v", err)
	}
}

// parseFlags parses args into Flags.
func parseFlags(args []string, output io.Writer) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("subframe", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), helpText)
	}

	fs.StringVar(&f.ConfigPath, "config", "", "Settings file (default <data-dir>/settings.json)")
	fs.StringVar(&f.DataDir, "data-dir", "./data", "Data directory")
	fs.BoolVar(&f.ServerMode, "server", false, "Run in server mode, exposing a gRPC API")
	fs.StringVar(&f.ListenAddr, "address", "", "Address to listen on in server mode")
	fs.StringVar(&f.MetricsAddr, "metrics-address", "", "Address of the Prometheus endpoint, empty to disable")
	fs.IntVar(&f.BlockSize, "block-size", 0, "Block size in bytes for a new block file")
	fs.IntVar(&f.MaxBlocks, "max-blocks", 0, "Maximum number of data blocks")
	fs.StringVar(&f.Compression, "compression", "", "Payload codec: none, snappy or zstd")
	fs.StringVar(&f.LogLevel, "log-level", "", "debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return f, err
	}

	f.set = make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) {
		f.set[fl.Name] = true
	})
	return f, nil
}

// loadConfig reads the settings file, falling back to defaults when it does
// not exist, and applies the flags given explicitly on top. It returns the
// effective config and the path it should be saved back to.
func loadConfig(f Flags) (*config.Config, string, error) {
	settingsPath := f.ConfigPath
	if settingsPath == "" {
		settingsPath = config.SettingsPath(f.DataDir)
	}

	cfg, err := config.Load(settingsPath)
	if errors.Is(err, config.ErrSettingsNotFound) {
		cfg = config.NewDefaultConfig(f.DataDir)
	} else if err != nil {
		return nil, "", err
	}

	cfg.Update(func(c *config.Config) {
		if f.set["address"] {
			c.ListenAddr = f.ListenAddr
		}
		if f.set["metrics-address"] {
			c.MetricsAddr = f.MetricsAddr
		}
		if f.set["block-size"] {
			c.BlockSize = f.BlockSize
		}
		if f.set["max-blocks"] {
			c.MaxBlockCount = f.MaxBlocks
		}
		if f.set["compression"] {
			c.Compression = f.Compression
		}
		if f.set["log-level"] {
			c.LogLevel = f.LogLevel
		}
	})
	cfg.Telemetry.LoadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, settingsPath, nil
}

func newLogger(level string) (*log.StandardLogger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return log.NewStandardLogger(log.WithLevel(lvl)), nil
}
