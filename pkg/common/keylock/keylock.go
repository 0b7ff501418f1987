// Package keylock provides named reader/writer locks. Two callers locking the
// same name exclude each other; callers using different names never do.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

type namedLock struct {
	mu   sync.RWMutex
	refs int
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*namedLock
}

// Registry hands out locks by name. Entries are reference counted and dropped
// once nobody holds or waits on them.
type Registry struct {
	shards [shardCount]shard
}

// NewRegistry creates an empty lock registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].locks = make(map[string]*namedLock)
	}
	return r
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry. Components guarding a file path
// use it unless told otherwise, so two handles on one path still exclude
// each other.
func Default() *Registry {
	return defaultRegistry
}

func (r *Registry) shardFor(name string) *shard {
	return &r.shards[xxhash.Sum64String(name)%shardCount]
}

func (r *Registry) acquire(name string) *namedLock {
	s := r.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[name]
	if !ok {
		l = &namedLock{}
		s.locks[name] = l
	}
	l.refs++
	return l
}

func (r *Registry) release(name string, l *namedLock) {
	s := r.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(s.locks, name)
	}
}

// Lock acquires the exclusive lock for name and returns the function that
// releases it.
func (r *Registry) Lock(name string) (unlock func()) {
	l := r.acquire(name)
	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			r.release(name, l)
		})
	}
}

// RLock acquires the shared lock for name and returns the function that
// releases it.
func (r *Registry) RLock(name string) (unlock func()) {
	l := r.acquire(name)
	l.mu.RLock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.RUnlock()
			r.release(name, l)
		})
	}
}

// Len reports how many names currently have holders or waiters.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
