// Package blockstore implements a fixed-block storage engine inside a single
// backing file. Block 0 holds the superblock, a length-prefixed JSON record
// of the block size and the occupied block indices; every other block holds
// caller data, zero padded to the block size.
//
// Allocation is append oriented: a new block always gets the index after the
// highest occupied one, so interior blocks released by Free are not reused.
package blockstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/subframe/subframe/pkg/common/failure"
	"github.com/subframe/subframe/pkg/common/keylock"
	"github.com/subframe/subframe/pkg/common/log"
	"github.com/subframe/subframe/pkg/telemetry"
)

// MinBlockSize is large enough to hold the initial superblock.
const MinBlockSize = 64

var (
	// ErrClosed is returned when operations are performed on a closed store
	ErrClosed = errors.New("block store is closed")
	// ErrCorruptSuperblock is returned by Open when block zero cannot be parsed
	ErrCorruptSuperblock = errors.New("corrupt superblock")
	// ErrInvalidGeometry is returned by Open for unusable size parameters
	ErrInvalidGeometry = errors.New("invalid block store geometry")
)

// BlockStore manages fixed-size blocks in one backing file. It is safe for
// concurrent use; every operation runs under the named lock of the backing
// file path, mutations exclusively and reads shared.
type BlockStore struct {
	path          string
	lockName      string
	file          *os.File
	blockSize     int
	maxBlockCount int
	occupied      map[uint64]struct{}
	closed        bool

	syncWrites bool
	locks      *keylock.Registry
	logger     log.Logger
	metrics    StoreMetrics
}

// Option configures a BlockStore.
type Option func(*BlockStore)

// WithLogger sets the logger used by the store.
func WithLogger(logger log.Logger) Option {
	return func(s *BlockStore) {
		s.logger = logger
	}
}

// WithMetrics sets the telemetry recorder.
func WithMetrics(metrics StoreMetrics) Option {
	return func(s *BlockStore) {
		s.metrics = metrics
	}
}

// WithLockRegistry sets the registry providing the per-path lock.
func WithLockRegistry(locks *keylock.Registry) Option {
	return func(s *BlockStore) {
		s.locks = locks
	}
}

// WithSync makes every block and superblock write fsync the backing file.
func WithSync(sync bool) Option {
	return func(s *BlockStore) {
		s.syncWrites = sync
	}
}

// Open opens the block store at path, creating it when absent. When the file
// exists its superblock is authoritative: the persisted block size replaces
// blockSize. A malformed superblock fails with ErrCorruptSuperblock.
func Open(path string, blockSize, maxBlockCount int, opts ...Option) (*BlockStore, error) {
	if blockSize < MinBlockSize {
		return nil, fmt.Errorf("%w: block size %d below minimum %d", ErrInvalidGeometry, blockSize, MinBlockSize)
	}
	if maxBlockCount <= 0 {
		return nil, fmt.Errorf("%w: max block count must be positive", ErrInvalidGeometry)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	s := &BlockStore{
		path:          absPath,
		lockName:      "blockstore:" + absPath,
		blockSize:     blockSize,
		maxBlockCount: maxBlockCount,
		occupied:      map[uint64]struct{}{0: {}},
		locks:         keylock.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Component(telemetry.ComponentBlockStore)
	}
	s.logger = s.logger.WithField("path", absPath)
	if s.metrics == nil {
		s.metrics = NewNoopStoreMetrics()
	}

	unlock := s.locks.Lock(s.lockName)
	defer unlock()

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		s.logger.Debug("File does not exist. Creating...")
		if err := s.create(); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", absPath, err)
	} else {
		s.logger.Debug("File exists. Loading...")
		if err := s.load(); err != nil {
			return nil, err
		}
	}

	s.logger.Info("Block store ready: block size %d, %d of %d blocks occupied",
		s.blockSize, s.dataBlockCount(), s.maxBlockCount)
	return s, nil
}

func (s *BlockStore) create() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create block file: %w", err)
	}
	s.file = file

	encoded, err := NewSuperblock(s.blockSize, s.occupied).Encode()
	if err == nil {
		err = s.writeSuperblock(encoded)
	}
	if err != nil {
		file.Close()
		os.Remove(s.path)
		return fmt.Errorf("failed to write initial superblock: %w", err)
	}

	return nil
}

func (s *BlockStore) load() error {
	file, err := os.OpenFile(s.path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open block file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat block file: %w", err)
	}

	sb, err := readSuperblock(file, info.Size())
	if err != nil {
		file.Close()
		return err
	}

	if sb.BlockSize != s.blockSize {
		s.logger.Warn("Persisted block size %d overrides requested block size %d", sb.BlockSize, s.blockSize)
	}

	s.file = file
	s.blockSize = sb.BlockSize
	s.occupied = sb.occupancy()

	if n := s.dataBlockCount(); n > s.maxBlockCount {
		s.logger.Warn("%d blocks occupied, more than the configured maximum of %d", n, s.maxBlockCount)
	}

	return nil
}

// readSuperblock reads the header probe, then exactly the announced number
// of payload bytes after the delimiter. size is the length of the backing
// file; a prefix announcing more than it holds is corrupt.
func readSuperblock(r io.ReaderAt, size int64) (*Superblock, error) {
	probe := make([]byte, HeaderProbeSize)
	n, err := r.ReadAt(probe, 0)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read superblock header: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrCorruptSuperblock)
	}

	payloadLen, payloadOffset, err := decodeHeader(probe[:n])
	if err != nil {
		return nil, err
	}

	if int64(payloadLen) > size-int64(payloadOffset) {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds file size %d", ErrCorruptSuperblock, payloadLen, size)
	}

	payload := make([]byte, payloadLen)
	if _, err := r.ReadAt(payload, int64(payloadOffset)); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: payload truncated", ErrCorruptSuperblock)
		}
		return nil, fmt.Errorf("failed to read superblock payload: %w", err)
	}

	sb, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	if payloadOffset+payloadLen > sb.BlockSize {
		return nil, fmt.Errorf("%w: %d bytes exceed block size %d", ErrCorruptSuperblock,
			payloadOffset+payloadLen, sb.BlockSize)
	}
	if highest := sb.OccupiedBlocks[len(sb.OccupiedBlocks)-1]; highest > maxBlockIndex(sb.BlockSize) {
		return nil, fmt.Errorf("%w: block %d is beyond the addressable range", ErrCorruptSuperblock, highest)
	}

	return sb, nil
}

// Allocate stores data in a new block and returns its index.
func (s *BlockStore) Allocate(data []byte) (index uint64, err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordOperation(context.Background(), telemetry.OpTypeAllocate, time.Since(start), len(data), err)
	}()

	unlock := s.locks.Lock(s.lockName)
	defer unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if err := s.checkSize(data); err != nil {
		return 0, err
	}
	if s.dataBlockCount()+1 > s.maxBlockCount {
		return 0, failure.New(failure.BlockLimitExceeded,
			"cannot allocate more than %d blocks", s.maxBlockCount)
	}

	index = s.highestIndex() + 1
	if index > maxBlockIndex(s.blockSize) {
		return 0, failure.New(failure.BlockLimitExceeded, "block %d is beyond the addressable range", index)
	}
	if err := s.store(index, data); err != nil {
		return 0, err
	}

	s.logger.Debug("Allocated block %d (%d bytes)", index, len(data))
	return index, nil
}

// Write replaces the content of block index, occupying it if it was free.
func (s *BlockStore) Write(index uint64, data []byte) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordOperation(context.Background(), telemetry.OpTypeWrite, time.Since(start), len(data), err)
	}()

	unlock := s.locks.Lock(s.lockName)
	defer unlock()

	if s.closed {
		return ErrClosed
	}
	if index == 0 {
		return failure.New(failure.InvalidOperation, "block 0 is reserved for the superblock")
	}
	if index > maxBlockIndex(s.blockSize) {
		return failure.New(failure.InvalidOperation, "block %d is beyond the addressable range", index)
	}
	if err := s.checkSize(data); err != nil {
		return err
	}
	if _, ok := s.occupied[index]; !ok && s.dataBlockCount()+1 > s.maxBlockCount {
		return failure.New(failure.BlockLimitExceeded,
			"cannot occupy more than %d blocks", s.maxBlockCount)
	}

	if err := s.store(index, data); err != nil {
		return err
	}

	s.logger.Debug("Wrote block %d (%d bytes)", index, len(data))
	return nil
}

// store writes data to index, then records the index in the superblock.
// Callers hold the exclusive lock.
func (s *BlockStore) store(index uint64, data []byte) error {
	_, existed := s.occupied[index]

	next := s.occupancyWith(index, true)
	encoded, err := s.encodeSuperblock(next)
	if err != nil {
		return err
	}

	if err := s.writeBlock(index, data); err != nil {
		return failure.Wrap(failure.WriteError, err, "failed to write block %d", index)
	}

	if err := s.writeSuperblock(encoded); err != nil {
		if !existed {
			s.logger.Error("Superblock update for block %d failed, block stays free: %v", index, err)
		}
		return failure.Wrap(failure.WriteError, err, "failed to persist superblock")
	}

	s.occupied = next
	return nil
}

// Read returns the full content of block index, blockSize bytes including
// the zero padding after the stored data.
func (s *BlockStore) Read(index uint64) (data []byte, err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordOperation(context.Background(), telemetry.OpTypeRead, time.Since(start), len(data), err)
	}()

	unlock := s.locks.RLock(s.lockName)
	defer unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if index == 0 {
		return nil, failure.New(failure.InvalidOperation, "block 0 is reserved for the superblock")
	}
	if _, ok := s.occupied[index]; !ok {
		return nil, failure.New(failure.UnknownBlock, "block %d is not occupied", index)
	}

	buf := make([]byte, s.blockSize)
	if _, err := s.file.ReadAt(buf, s.offset(index)); err != nil {
		return nil, failure.Wrap(failure.ReadError, err, "failed to read block %d", index)
	}

	return buf, nil
}

// Free zero-fills block index and releases it.
func (s *BlockStore) Free(index uint64) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordOperation(context.Background(), telemetry.OpTypeFree, time.Since(start), 0, err)
	}()

	unlock := s.locks.Lock(s.lockName)
	defer unlock()

	if s.closed {
		return ErrClosed
	}
	if index == 0 {
		return failure.New(failure.InvalidOperation, "block 0 cannot be freed")
	}
	if _, ok := s.occupied[index]; !ok {
		return failure.New(failure.UnknownBlock, "block %d is not occupied", index)
	}

	next := s.occupancyWith(index, false)
	encoded, err := s.encodeSuperblock(next)
	if err != nil {
		return err
	}

	if err := s.writeBlock(index, nil); err != nil {
		return failure.Wrap(failure.WriteError, err, "failed to clear block %d", index)
	}

	if err := s.writeSuperblock(encoded); err != nil {
		return failure.Wrap(failure.WriteError, err, "failed to persist superblock")
	}

	s.occupied = next
	s.logger.Debug("Freed block %d", index)
	return nil
}

// PersistSuperblock writes the current occupancy to block zero.
func (s *BlockStore) PersistSuperblock() (err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordOperation(context.Background(), telemetry.OpTypePersist, time.Since(start), 0, err)
	}()

	unlock := s.locks.Lock(s.lockName)
	defer unlock()

	if s.closed {
		return ErrClosed
	}

	encoded, err := s.encodeSuperblock(s.occupied)
	if err != nil {
		return err
	}
	if err := s.writeSuperblock(encoded); err != nil {
		return failure.Wrap(failure.WriteError, err, "failed to persist superblock")
	}
	return nil
}

// Close releases the backing file. Further operations return ErrClosed.
func (s *BlockStore) Close() error {
	unlock := s.locks.Lock(s.lockName)
	defer unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close block file: %w", err)
	}
	s.logger.Debug("Block store closed")
	return s.metrics.Close()
}

// Path returns the absolute path of the backing file.
func (s *BlockStore) Path() string {
	return s.path
}

// BlockSize returns the size of every block in bytes.
func (s *BlockStore) BlockSize() int {
	unlock := s.locks.RLock(s.lockName)
	defer unlock()
	return s.blockSize
}

// OccupiedBlocks returns the sorted occupied indices, including block 0.
func (s *BlockStore) OccupiedBlocks() []uint64 {
	unlock := s.locks.RLock(s.lockName)
	defer unlock()
	return NewSuperblock(s.blockSize, s.occupied).OccupiedBlocks
}

// IsOccupied reports whether index currently holds data.
func (s *BlockStore) IsOccupied(index uint64) bool {
	unlock := s.locks.RLock(s.lockName)
	defer unlock()
	if index == 0 {
		return false
	}
	_, ok := s.occupied[index]
	return ok
}

// Stats describes the store's occupancy.
type Stats struct {
	Path          string `json:"path"`
	BlockSize     int    `json:"blockSize"`
	MaxBlockCount int    `json:"maxBlockCount"`
	UsedBlocks    int    `json:"usedBlocks"`
	FreeBlocks    int    `json:"freeBlocks"`
	HighestBlock  uint64 `json:"highestBlock"`
}

// Stats returns a snapshot of the store's occupancy.
func (s *BlockStore) Stats() Stats {
	unlock := s.locks.RLock(s.lockName)
	defer unlock()

	used := s.dataBlockCount()
	free := s.maxBlockCount - used
	if free < 0 {
		free = 0
	}
	return Stats{
		Path:          s.path,
		BlockSize:     s.blockSize,
		MaxBlockCount: s.maxBlockCount,
		UsedBlocks:    used,
		FreeBlocks:    free,
		HighestBlock:  s.highestIndex(),
	}
}

func (s *BlockStore) checkSize(data []byte) error {
	if len(data) > s.blockSize {
		return failure.New(failure.DataExceedsBlockSize,
			"data does not fit into block size (length: %d, block size: %d)", len(data), s.blockSize)
	}
	return nil
}

// dataBlockCount is the number of occupied blocks, not counting block 0.
func (s *BlockStore) dataBlockCount() int {
	n := len(s.occupied)
	if _, ok := s.occupied[0]; ok {
		n--
	}
	return n
}

func (s *BlockStore) highestIndex() uint64 {
	var highest uint64
	for idx := range s.occupied {
		if idx > highest {
			highest = idx
		}
	}
	return highest
}

// maxBlockIndex is the highest index whose block ends within an int64 file
// offset.
func maxBlockIndex(blockSize int) uint64 {
	return uint64(math.MaxInt64/int64(blockSize)) - 1
}

// offset is only valid for indices up to maxBlockIndex.
func (s *BlockStore) offset(index uint64) int64 {
	return int64(index) * int64(s.blockSize)
}

// occupancyWith returns a copy of the occupancy set with index added or removed.
func (s *BlockStore) occupancyWith(index uint64, present bool) map[uint64]struct{} {
	next := make(map[uint64]struct{}, len(s.occupied)+1)
	for idx := range s.occupied {
		next[idx] = struct{}{}
	}
	if present {
		next[index] = struct{}{}
	} else {
		delete(next, index)
	}
	return next
}

// encodeSuperblock encodes occupancy and checks that it fits in block zero.
func (s *BlockStore) encodeSuperblock(occupied map[uint64]struct{}) ([]byte, error) {
	encoded, err := NewSuperblock(s.blockSize, occupied).Encode()
	if err != nil {
		return nil, failure.Wrap(failure.WriteError, err, "failed to encode superblock")
	}
	if len(encoded) > s.blockSize {
		return nil, failure.New(failure.BlockLimitExceeded,
			"superblock of %d bytes would not fit into block size %d", len(encoded), s.blockSize)
	}
	return encoded, nil
}

// writeBlock writes data zero padded to a full block.
func (s *BlockStore) writeBlock(index uint64, data []byte) error {
	buf := make([]byte, s.blockSize)
	copy(buf, data)
	if _, err := s.file.WriteAt(buf, s.offset(index)); err != nil {
		return err
	}
	return s.maybeSync()
}

func (s *BlockStore) writeSuperblock(encoded []byte) error {
	return s.writeBlock(0, encoded)
}

func (s *BlockStore) maybeSync() error {
	if !s.syncWrites {
		return nil
	}
	return s.file.Sync()
}
