// Package storage composes a block store and a key index into a keyed
// payload store: each key owns one block, and the key index records where
// that block is and how its content was encoded.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/subframe/subframe/pkg/blockstore"
	"github.com/subframe/subframe/pkg/common/failure"
	"github.com/subframe/subframe/pkg/common/keylock"
	"github.com/subframe/subframe/pkg/common/log"
	"github.com/subframe/subframe/pkg/stats"
	"github.com/subframe/subframe/pkg/telemetry"
)

// BlockStorage is the block layer the service stores payloads in.
type BlockStorage interface {
	Allocate(data []byte) (uint64, error)
	Write(index uint64, data []byte) error
	Read(index uint64) ([]byte, error)
	Free(index uint64) error
	BlockSize() int
	Stats() blockstore.Stats
}

// RecordIndex is the key index the service records locations in.
type RecordIndex interface {
	Write(key string, value interface{}) error
	ReadInto(key string, out interface{}) error
	HasRecord(key string) bool
	Delete(key string) error
	Len() int
}

// Location is the key index value describing a stored payload.
type Location struct {
	Block    uint64    `json:"block"`
	Length   int       `json:"length"`
	Size     int       `json:"size"`
	Checksum string    `json:"checksum"`
	Codec    Codec     `json:"codec"`
	StoredAt time.Time `json:"storedAt"`
}

// Stats describes the service and the stores beneath it.
type Stats struct {
	Records    int                    `json:"records"`
	Codec      Codec                  `json:"codec"`
	Blocks     blockstore.Stats       `json:"blocks"`
	Operations map[string]interface{} `json:"operations"`
}

// Service stores payloads by key.
type Service struct {
	blocks     BlockStorage
	index      RecordIndex
	compressor *Compressor
	codec      Codec

	locks   *keylock.Registry
	logger  log.Logger
	metrics ServiceMetrics
	stats   stats.Collector
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCodec sets the codec used for new payloads.
func WithCodec(codec Codec) Option {
	return func(s *Service) {
		s.codec = codec
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTelemetry records spans and metrics through tel.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(s *Service) {
		s.metrics = NewServiceMetrics(tel)
	}
}

// WithStatsCollector sets the collector for operation statistics.
func WithStatsCollector(collector stats.Collector) Option {
	return func(s *Service) {
		s.stats = collector
	}
}

// WithLockRegistry sets the registry providing per-key locks.
func WithLockRegistry(locks *keylock.Registry) Option {
	return func(s *Service) {
		s.locks = locks
	}
}

// NewService creates a service over blocks and index. The caller keeps
// ownership of both and closes them after the service.
func NewService(blocks BlockStorage, index RecordIndex, opts ...Option) (*Service, error) {
	s := &Service{
		blocks: blocks,
		index:  index,
		codec:  CodecNone,
		locks:  keylock.NewRegistry(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := ParseCodec(string(s.codec)); err != nil {
		return nil, err
	}
	if s.logger == nil {
		s.logger = log.Component(telemetry.ComponentStorage)
	}
	if s.metrics == nil {
		s.metrics = NewNoopServiceMetrics()
	}
	if s.stats == nil {
		s.stats = stats.NewAtomicCollector()
	}

	compressor, err := NewCompressor()
	if err != nil {
		return nil, err
	}
	s.compressor = compressor

	return s, nil
}

// Put stores payload under key. A new key gets a fresh block; an existing
// key has its block overwritten in place.
func (s *Service) Put(ctx context.Context, key string, payload []byte) (loc Location, err error) {
	start := time.Now()
	var stored int
	ctx, span := s.metrics.StartOperation(ctx, telemetry.OpTypePut, key)
	defer func() {
		span.End()
		s.finish(ctx, stats.OpPut, start, len(payload), stored, loc.Codec, err)
	}()

	if key == "" {
		return Location{}, failure.New(failure.BadRequest, "record key must not be empty")
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	encoded, codec, err := s.encode(payload)
	if err != nil {
		return Location{}, err
	}
	stored = len(encoded)

	loc = Location{
		Length:   len(encoded),
		Size:     len(payload),
		Checksum: checksum(payload),
		Codec:    codec,
		StoredAt: s.now().UTC(),
	}

	if s.index.HasRecord(key) {
		err = s.overwrite(key, &loc, encoded)
	} else {
		err = s.insert(key, &loc, encoded)
	}
	if err != nil {
		return Location{}, err
	}

	s.logger.Debug("Stored %q in block %d (%d bytes, %s)", key, loc.Block, loc.Length, loc.Codec)
	return loc, nil
}

func (s *Service) insert(key string, loc *Location, encoded []byte) error {
	block, err := s.blocks.Allocate(encoded)
	if err != nil {
		return err
	}
	loc.Block = block

	if err := s.index.Write(key, loc); err != nil {
		if freeErr := s.blocks.Free(block); freeErr != nil {
			s.logger.Error("Failed to release block %d after index write failure: %v", block, freeErr)
		}
		return err
	}
	return nil
}

func (s *Service) overwrite(key string, loc *Location, encoded []byte) error {
	var previous Location
	if err := s.index.ReadInto(key, &previous); err != nil {
		return err
	}
	loc.Block = previous.Block

	old, err := s.blocks.Read(previous.Block)
	if err != nil {
		return err
	}

	if err := s.blocks.Write(previous.Block, encoded); err != nil {
		return err
	}

	if err := s.index.Write(key, loc); err != nil {
		if previous.Length < len(old) {
			old = old[:previous.Length]
		}
		if restoreErr := s.blocks.Write(previous.Block, old); restoreErr != nil {
			s.logger.Error("Failed to restore block %d for %q: %v", previous.Block, key, restoreErr)
		}
		return err
	}
	return nil
}

// Get returns the payload stored under key.
func (s *Service) Get(ctx context.Context, key string) (payload []byte, err error) {
	start := time.Now()
	var loc Location
	ctx, span := s.metrics.StartOperation(ctx, telemetry.OpTypeGet, key)
	defer func() {
		span.End()
		s.finish(ctx, stats.OpGet, start, len(payload), loc.Length, loc.Codec, err)
	}()

	// Shared with other readers, excluded by a Put rewriting the block
	unlock := s.locks.RLock(key)
	defer unlock()

	loc, err = s.lookup(key)
	if err != nil {
		return nil, err
	}

	block, err := s.blocks.Read(loc.Block)
	if err != nil {
		return nil, err
	}
	if loc.Length > len(block) {
		return nil, failure.New(failure.ReadError,
			"record %q claims %d bytes in a block of %d", key, loc.Length, len(block))
	}

	payload, err = s.compressor.Decompress(block[:loc.Length], loc.Codec)
	if err != nil {
		return nil, failure.Wrap(failure.ReadError, err, "failed to decode %q", key)
	}
	if len(payload) != loc.Size || checksum(payload) != loc.Checksum {
		return nil, failure.New(failure.ReadError, "checksum mismatch for %q", key)
	}

	return payload, nil
}

// Info returns where and how the payload under key is stored.
func (s *Service) Info(ctx context.Context, key string) (loc Location, err error) {
	start := time.Now()
	defer func() {
		s.finish(ctx, stats.OpInfo, start, 0, 0, loc.Codec, err)
	}()

	unlock := s.locks.RLock(key)
	defer unlock()

	return s.lookup(key)
}

// Has reports whether key holds a payload.
func (s *Service) Has(key string) bool {
	s.stats.TrackOperation(stats.OpHas)
	return s.index.HasRecord(key)
}

// Delete removes key and releases its block.
func (s *Service) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	ctx, span := s.metrics.StartOperation(ctx, telemetry.OpTypeDelete, key)
	defer func() {
		span.End()
		s.finish(ctx, stats.OpDelete, start, 0, 0, "", err)
	}()

	unlock := s.locks.Lock(key)
	defer unlock()

	loc, err := s.lookup(key)
	if err != nil {
		return err
	}

	// The record goes first; a block whose release fails is leaked, never
	// left referenced by a key.
	if err := s.index.Delete(key); err != nil {
		return err
	}
	if err := s.blocks.Free(loc.Block); err != nil {
		s.logger.Error("Record %q deleted but block %d was not released: %v", key, loc.Block, err)
	}

	s.logger.Debug("Deleted %q from block %d", key, loc.Block)
	return nil
}

// Stats returns a snapshot of the service statistics.
func (s *Service) Stats() Stats {
	return Stats{
		Records:    s.index.Len(),
		Codec:      s.codec,
		Blocks:     s.blocks.Stats(),
		Operations: s.stats.GetStats(),
	}
}

// Close releases the compressor. The stores are closed by their owner.
func (s *Service) Close() error {
	return errors.Join(s.compressor.Close(), s.metrics.Close())
}

func (s *Service) lookup(key string) (Location, error) {
	if key == "" {
		return Location{}, failure.New(failure.BadRequest, "record key must not be empty")
	}

	var loc Location
	if err := s.index.ReadInto(key, &loc); err != nil {
		if errors.Is(err, failure.MissingRecord) {
			return Location{}, failure.Wrap(failure.UnknownResource, err, "no payload stored under %q", key)
		}
		return Location{}, err
	}
	return loc, nil
}

// encode compresses payload with the service codec, falling back to no
// compression when it would not shrink the payload.
func (s *Service) encode(payload []byte) ([]byte, Codec, error) {
	if s.codec == CodecNone {
		return payload, CodecNone, nil
	}

	compressed, err := s.compressor.Compress(payload, s.codec)
	if err != nil {
		return nil, "", failure.Wrap(failure.WriteError, err, "failed to compress payload")
	}
	if len(compressed) >= len(payload) {
		return payload, CodecNone, nil
	}
	return compressed, s.codec, nil
}

func (s *Service) finish(ctx context.Context, op stats.OperationType, start time.Time, raw, stored int, codec Codec, err error) {
	elapsed := time.Since(start)
	s.stats.TrackOperationWithLatency(op, uint64(elapsed.Nanoseconds()))
	if err != nil {
		s.stats.TrackError(failure.KindOf(err).Code)
	} else if op == stats.OpPut {
		s.stats.TrackBytes(true, uint64(stored))
		s.stats.TrackStoredBytes(uint64(raw), uint64(stored))
	} else if op == stats.OpGet {
		s.stats.TrackBytes(false, uint64(stored))
	}
	s.metrics.RecordOperation(ctx, string(op), elapsed, raw, stored, codec, err)
}

func checksum(payload []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(payload))
}
