// Copyright (c) fastkeyd authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store implements the in-memory keyspace: a separately-chained hash
// table guarded by a single RWMutex, holding string values and append-only
// streams side by side.
package store

import (
	"sync"
	"time"

	"github.com/fastkeyd/fastkeyd/internal/stream"
)

const (
	initialBuckets = 16
	loadFactor     = 0.75
)

// ValueType distinguishes the two kinds of value a key can hold.
type ValueType int

const (
	TypeNone ValueType = iota
	TypeString
	TypeStream
)

func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeStream:
		return "stream"
	default:
		return "none"
	}
}

type entry struct {
	key      string
	vtype    ValueType
	str      []byte
	log      *stream.Log
	expireAt int64 // unix millis; 0 means no expiry
	next     *entry
}

func (e *entry) expired(nowMs int64) bool {
	return e.expireAt != 0 && nowMs >= e.expireAt
}

// Store is a concurrency-safe hash table. The zero value is not usable; call
// New.
type Store struct {
	mu      sync.RWMutex
	buckets []*entry
	count   int
}

// New returns an empty Store with the spec's initial bucket count.
func New() *Store {
	return &Store{buckets: make([]*entry, initialBuckets)}
}

// djb2 is the hash function specified for bucket placement.
func djb2(key string) uint64 {
	var h uint64 = 5381
	for i := 0; i < len(key); i++ {
		h = h*33 + uint64(key[i])
	}
	return h
}

func (s *Store) bucketIndex(key string) int {
	return int(djb2(key) % uint64(len(s.buckets)))
}

// nowMillis returns the current wall-clock time in epoch milliseconds.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// rehash doubles bucket count and relinks every live entry. Caller must hold
// the write lock.
func (s *Store) rehash() {
	newBuckets := make([]*entry, len(s.buckets)*2)
	for _, head := range s.buckets {
		for e := head; e != nil; {
			next := e.next
			idx := int(djb2(e.key) % uint64(len(newBuckets)))
			e.next = newBuckets[idx]
			newBuckets[idx] = e
			e = next
		}
	}
	s.buckets = newBuckets
}

// maybeGrow doubles the table when the load factor is exceeded. Caller must
// hold the write lock.
func (s *Store) maybeGrow() {
	if float64(s.count)/float64(len(s.buckets)) > loadFactor {
		s.rehash()
	}
}

func (s *Store) find(key string) *entry {
	for e := s.buckets[s.bucketIndex(key)]; e != nil; e = e.next {
		if e.key == key {
			return e
		}
	}
	return nil
}

// delete unlinks key's entry, if present. Caller must hold the write lock.
func (s *Store) delete(key string) {
	idx := s.bucketIndex(key)
	var prev *entry
	for e := s.buckets[idx]; e != nil; e = e.next {
		if e.key == key {
			if prev == nil {
				s.buckets[idx] = e.next
			} else {
				prev.next = e.next
			}
			s.count--
			return
		}
		prev = e
	}
}

// Set stores a string value for key, discarding any prior value (including a
// stream, which changes the key's type) and any expiry it carried.
func (s *Store) Set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.find(key); e != nil {
		e.vtype = TypeString
		e.str = append([]byte(nil), value...)
		e.log = nil
		e.expireAt = 0
		return
	}

	s.maybeGrow()
	idx := s.bucketIndex(key)
	e := &entry{
		key:   key,
		vtype: TypeString,
		str:   append([]byte(nil), value...),
		next:  s.buckets[idx],
	}
	s.buckets[idx] = e
	s.count++
}

// Get returns a copy of key's string value. ok is false if the key is absent,
// expired, or not a string.
func (s *Store) Get(key string) (value []byte, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.find(key)
	if e == nil || e.vtype != TypeString || e.expired(nowMillis()) {
		return nil, false
	}
	return append([]byte(nil), e.str...), true
}

// SetExpiry sets key's absolute expiry time in epoch milliseconds. ok is
// false if the key does not exist.
func (s *Store) SetExpiry(key string, atMillis int64) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.find(key)
	if e == nil {
		return false
	}
	e.expireAt = atMillis
	return true
}

// Type reports the ValueType of key, or TypeNone if absent or expired.
func (s *Store) Type(key string) ValueType {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.find(key)
	if e == nil || e.expired(nowMillis()) {
		return TypeNone
	}
	return e.vtype
}

// StreamAdd appends an entry to key's stream, creating the stream if key is
// absent. A non-stream or expired entry under key is deleted first, so the
// key becomes a new stream.
func (s *Store) StreamAdd(key string, id string, fields []stream.Field) (stream.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.find(key)
	if e != nil && (e.expired(nowMillis()) || e.vtype != TypeStream) {
		s.delete(key)
		e = nil
	}
	if e == nil {
		s.maybeGrow()
		idx := s.bucketIndex(key)
		e = &entry{key: key, vtype: TypeStream, log: stream.NewLog(), next: s.buckets[idx]}
		s.buckets[idx] = e
		s.count++
	}

	return e.log.Add(id, fields)
}

// GetStream returns key's stream log. ok is false if absent, expired, or not
// a stream.
func (s *Store) GetStream(key string) (log *stream.Log, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.find(key)
	if e == nil || e.vtype != TypeStream || e.expired(nowMillis()) {
		return nil, false
	}
	return e.log, true
}

// ClearExpired sweeps every bucket and deletes entries whose expiry has
// passed. It is meant to be invoked periodically by a scheduler, not on the
// client-request path.
func (s *Store) ClearExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMillis()
	cleared := 0
	for idx, head := range s.buckets {
		var prev *entry
		for e := head; e != nil; {
			next := e.next
			if e.expired(now) {
				if prev == nil {
					s.buckets[idx] = next
				} else {
					prev.next = next
				}
				s.count--
				cleared++
				e = next
				continue
			}
			prev = e
			e = next
		}
	}
	return cleared
}

// Keys returns every live (non-expired) key. The KEYS * command does not use
// it; that command enumerates the snapshot file.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := nowMillis()
	keys := make([]string, 0, s.count)
	for _, head := range s.buckets {
		for e := head; e != nil; e = e.next {
			if !e.expired(now) {
				keys = append(keys, e.key)
			}
		}
	}
	return keys
}

// Exists reports whether key is present and not expired.
func (s *Store) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.find(key)
	return e != nil && !e.expired(nowMillis())
}

// Delete removes key if present, reporting whether it existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.find(key); e == nil || e.expired(nowMillis()) {
		return false
	}
	s.delete(key)
	return true
}

// Flush removes every key, resetting the table to its initial size.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = make([]*entry, initialBuckets)
	s.count = 0
}

// Len reports the number of stored entries, including expired ones that
// ClearExpired has not yet removed (used for the keyspace-size metric).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
