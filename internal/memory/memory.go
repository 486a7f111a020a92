// Package memory implements the scoped, in-process blackboard that carries
// results between pipeline stages.
package memory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Scope is a named partition of the blackboard. Exactly four are used by the
// pipeline: three data scopes populated stage-by-stage, plus TIMING for
// per-stage start/end bookkeeping.
type Scope string

const (
	Preprocess    Scope = "PREPROCESS"
	Research      Scope = "RESEARCH"
	Documentation Scope = "DOCUMENTATION"
	Timing        Scope = "TIMING"
)

// entry is the internal record for one scope:key pair.
type entry struct {
	raw         json.RawMessage
	createdAt   time.Time
	updatedAt   time.Time
	accessCount int64
	size        int64
}

// Memory is the scoped blackboard. Many concurrent readers, one writer at a
// time; writes are small (one per agent output) so contention stays low.
type Memory struct {
	mu   sync.RWMutex
	data map[Scope]map[string]*entry
}

// New returns an empty blackboard with the standard scopes pre-created.
func New() *Memory {
	return &Memory{
		data: map[Scope]map[string]*entry{
			Preprocess:    {},
			Research:      {},
			Documentation: {},
			Timing:        {},
		},
	}
}

// Store serializes value to its structured-tree form and records it under
// scope:key. Fails only if value cannot be serialized.
func (m *Memory) Store(scope Scope, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("memory: serialize %s:%s: %w", scope, key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.data[scope]
	if !ok {
		bucket = map[string]*entry{}
		m.data[scope] = bucket
	}

	now := time.Now()
	e, existed := bucket[key]
	if !existed {
		e = &entry{createdAt: now}
		bucket[key] = e
	}
	e.raw = raw
	e.updatedAt = now
	e.size = int64(len(raw))
	return nil
}

// Get retrieves scope:key and attempts to unmarshal it into out, which must
// be a non-nil pointer. It returns (true, nil) on a successful projection,
// and (false, nil) if the key is absent or its stored shape does not unmarshal
// into out's type — per the data model, a shape mismatch is "absent", never
// an error. A non-nil error is only returned for programmer errors (out is
// not a pointer).
func (m *Memory) Get(scope Scope, key string, out any) (bool, error) {
	m.mu.Lock()
	bucket, ok := m.data[scope]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	e, ok := bucket[key]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	atomic.AddInt64(&e.accessCount, 1)
	raw := e.raw
	m.mu.Unlock()

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var invalid *json.InvalidUnmarshalError
		if errors.As(err, &invalid) {
			return false, fmt.Errorf("memory: get %s:%s: %w", scope, key, err)
		}
		return false, nil
	}
	return true, nil
}

// List returns the keys stored within scope, in no particular order.
func (m *Memory) List(scope Scope) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket := m.data[scope]
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	return keys
}

// Has reports whether scope:key exists, without deserializing it.
func (m *Memory) Has(scope Scope, key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[scope][key]
	return ok
}

// UsageByScope returns the aggregate serialized byte size of live entries,
// per scope.
func (m *Memory) UsageByScope() map[Scope]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Scope]int64, len(m.data))
	for scope, bucket := range m.data {
		var total int64
		for _, e := range bucket {
			total += e.size
		}
		out[scope] = total
	}
	return out
}

// AccessCount returns how many times scope:key has been read via Get. Used
// by tests asserting the access-counter invariant.
func (m *Memory) AccessCount(scope Scope, key string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[scope][key]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&e.accessCount)
}
