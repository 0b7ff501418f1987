package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/subframe/subframe/pkg/blockstore"
	"github.com/subframe/subframe/pkg/common/log"
	"github.com/subframe/subframe/pkg/config"
	"github.com/subframe/subframe/pkg/keyindex"
	"github.com/subframe/subframe/pkg/stats"
	"github.com/subframe/subframe/pkg/storage"
	"github.com/subframe/subframe/pkg/telemetry"
)

// node owns the stores of one storage node and the service composed from them.
type node struct {
	cfg       *config.Config
	logger    log.Logger
	telemetry telemetry.Telemetry
	stats     *stats.AtomicCollector

	blocks  *blockstore.BlockStore
	index   *keyindex.KeyIndex
	service *storage.Service
}

// openNode opens the block file and the key index named by cfg. A corrupt
// superblock or index snapshot is returned as an error and startup stops.
func openNode(cfg *config.Config, logger log.Logger) (*node, error) {
	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	codec, err := storage.ParseCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	collector := stats.NewAtomicCollector()
	loadStart := collector.StartLoad()

	blocks, err := blockstore.Open(cfg.BlockFile, cfg.BlockSize, cfg.MaxBlockCount,
		blockstore.WithLogger(logger.WithField("component", "blockstore")),
		blockstore.WithMetrics(blockstore.NewStoreMetrics(tel)),
		blockstore.WithSync(cfg.SyncWrites),
	)
	if err != nil {
		tel.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to open block store: %w", err)
	}

	index, err := keyindex.Open(cfg.IndexFile,
		keyindex.WithLogger(logger.WithField("component", "keyindex")),
		keyindex.WithTelemetry(tel),
	)
	if err != nil {
		blocks.Close()
		tel.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to open key index: %w", err)
	}

	service, err := storage.NewService(blocks, index,
		storage.WithCodec(codec),
		storage.WithLogger(logger.WithField("component", "storage")),
		storage.WithTelemetry(tel),
		storage.WithStatsCollector(collector),
	)
	if err != nil {
		index.Close()
		blocks.Close()
		tel.Shutdown(context.Background())
		return nil, err
	}

	collector.FinishLoad(loadStart, uint64(blocks.Stats().UsedBlocks), uint64(index.Len()))
	logger.Info("Opened %s (%d records, %d blocks of %d bytes)",
		cfg.DataDir, index.Len(), blocks.Stats().UsedBlocks, blocks.BlockSize())

	return &node{
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		stats:     collector,
		blocks:    blocks,
		index:     index,
		service:   service,
	}, nil
}

// Close closes the service, both stores and the telemetry provider.
func (n *node) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return errors.Join(
		n.service.Close(),
		n.index.Close(),
		n.blocks.Close(),
		n.telemetry.Shutdown(ctx),
	)
}
