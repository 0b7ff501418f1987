// Package keyindex provides a durable map from string keys to JSON values,
// persisted as a single JSON object snapshot that is rewritten in full on
// every mutation.
package keyindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/subframe/subframe/pkg/common/failure"
	"github.com/subframe/subframe/pkg/common/keylock"
	"github.com/subframe/subframe/pkg/common/log"
	"github.com/subframe/subframe/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrClosed is returned when operations are performed on a closed index
	ErrClosed = errors.New("key index is closed")
	// ErrCorruptSnapshot is returned by Open when the snapshot cannot be parsed
	ErrCorruptSnapshot = errors.New("corrupt key index snapshot")
)

// KeyIndex maps keys to JSON values. The in-memory map is guarded by a
// RWMutex; snapshot writes are serialized by a named lock on the file path,
// so two handles on one path never interleave their writes.
type KeyIndex struct {
	path     string
	lockName string

	mu      sync.RWMutex
	entries map[string]json.RawMessage
	closed  bool

	locks  *keylock.Registry
	logger log.Logger
	tel    telemetry.Telemetry
}

// Option configures a KeyIndex.
type Option func(*KeyIndex)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(k *KeyIndex) {
		k.logger = logger
	}
}

// WithTelemetry records snapshot write durations and sizes.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(k *KeyIndex) {
		k.tel = tel
	}
}

// WithLockRegistry sets the registry providing the snapshot lock.
func WithLockRegistry(locks *keylock.Registry) Option {
	return func(k *KeyIndex) {
		k.locks = locks
	}
}

// Open loads the snapshot at path, creating an empty one when absent.
func Open(path string, opts ...Option) (*KeyIndex, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	k := &KeyIndex{
		path:     absPath,
		lockName: "keyindex:" + absPath,
		entries:  make(map[string]json.RawMessage),
		locks:    keylock.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.logger == nil {
		k.logger = log.Component(telemetry.ComponentKeyIndex)
	}
	k.logger = k.logger.WithField("path", absPath)
	if k.tel == nil {
		k.tel = telemetry.NewNoop()
	}

	unlock := k.locks.Lock(k.lockName)
	defer unlock()

	data, err := os.ReadFile(absPath)
	switch {
	case os.IsNotExist(err):
		k.logger.Debug("Snapshot does not exist. Creating...")
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		if err := k.writeSnapshot(k.entries); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	default:
		if err := json.Unmarshal(data, &k.entries); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
		// A literal null decodes into a nil map
		if k.entries == nil {
			return nil, fmt.Errorf("%w: snapshot is not a JSON object", ErrCorruptSnapshot)
		}
	}

	k.logger.Info("Key index ready with %d records", len(k.entries))
	return k, nil
}

// Write stores value under key and rewrites the snapshot. If the snapshot
// cannot be written the previous entry is restored.
func (k *KeyIndex) Write(key string, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return failure.Wrap(failure.BadRequest, err, "value for %q is not JSON serializable", key)
	}

	return k.mutate(key, func(entries map[string]json.RawMessage) error {
		entries[key] = encoded
		return nil
	})
}

// Delete removes key and rewrites the snapshot.
func (k *KeyIndex) Delete(key string) error {
	return k.mutate(key, func(entries map[string]json.RawMessage) error {
		if _, ok := entries[key]; !ok {
			return failure.New(failure.MissingRecord, "no record for key %q", key)
		}
		delete(entries, key)
		return nil
	})
}

// mutate applies change to the map and persists it. The snapshot lock is
// held across both steps so the file always reflects a prefix of the
// applied mutations. A change that returns an error leaves the map and the
// file untouched.
func (k *KeyIndex) mutate(key string, change func(map[string]json.RawMessage) error) error {
	unlock := k.locks.Lock(k.lockName)
	defer unlock()

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return ErrClosed
	}
	previous, existed := k.entries[key]
	if err := change(k.entries); err != nil {
		k.mu.Unlock()
		return err
	}
	snapshot := make(map[string]json.RawMessage, len(k.entries))
	for name, v := range k.entries {
		snapshot[name] = v
	}
	k.mu.Unlock()

	if err := k.writeSnapshot(snapshot); err != nil {
		k.mu.Lock()
		if existed {
			k.entries[key] = previous
		} else {
			delete(k.entries, key)
		}
		k.mu.Unlock()

		k.logger.Error("Snapshot write for %q failed, entry restored: %v", key, err)
		return failure.Wrap(failure.WriteError, err, "failed to persist key index")
	}

	return nil
}

// Read returns the JSON stored under key.
func (k *KeyIndex) Read(key string) (json.RawMessage, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return nil, ErrClosed
	}
	value, ok := k.entries[key]
	if !ok {
		return nil, failure.New(failure.MissingRecord, "no record for key %q", key)
	}
	return value, nil
}

// ReadInto decodes the value stored under key into out.
func (k *KeyIndex) ReadInto(key string, out interface{}) error {
	value, err := k.Read(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(value, out); err != nil {
		return failure.Wrap(failure.ReadError, err, "record %q has an unexpected shape", key)
	}
	return nil
}

// HasRecord reports whether key is present. It does no I/O.
func (k *KeyIndex) HasRecord(key string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.entries[key]
	return ok
}

// Keys returns all keys in ascending order.
func (k *KeyIndex) Keys() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	keys := make([]string, 0, len(k.entries))
	for key := range k.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of records.
func (k *KeyIndex) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.entries)
}

// Path returns the absolute snapshot path.
func (k *KeyIndex) Path() string {
	return k.path
}

// Close marks the index closed. The snapshot is already durable.
func (k *KeyIndex) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	return nil
}

// writeSnapshot replaces the snapshot file through a temp file and a rename.
// Callers hold the snapshot lock.
func (k *KeyIndex) writeSnapshot(entries map[string]json.RawMessage) (err error) {
	start := time.Now()
	var size int
	defer func() {
		ctx := context.Background()
		attrs := []attribute.KeyValue{
			attribute.String(telemetry.AttrComponent, telemetry.ComponentKeyIndex),
			attribute.String(telemetry.AttrOperationType, telemetry.OpTypePersist),
			attribute.String(telemetry.AttrStatus, telemetry.StatusOf(err)),
		}
		telemetry.RecordDuration(ctx, k.tel, "subframe.keyindex.snapshot.duration", start, attrs...)
		if err == nil {
			telemetry.RecordBytes(ctx, k.tel, "subframe.keyindex.snapshot.bytes", int64(size), attrs[0])
		}
	}()

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	size = len(data)

	tempPath := k.path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tempPath, k.path); err != nil {
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}
