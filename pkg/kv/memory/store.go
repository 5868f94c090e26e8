package memory

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/leafsii/leafsii-intents/pkg/kv"
)

var errWrongType = errors.New("WRONGTYPE operation against a key holding the wrong kind of value")

// Store is an in-memory implementation of the kv.Store interface
type Store struct {
	mu      sync.RWMutex
	strings map[string][]byte
	hashes  map[string]map[string][]byte
	sets    map[string]map[string]struct{}
	closed  bool
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		strings: make(map[string][]byte),
		hashes:  make(map[string]map[string][]byte),
		sets:    make(map[string]map[string]struct{}),
	}
}

// deleteKeyUnsafe removes a key from all data structures (must hold write lock)
func (s *Store) deleteKeyUnsafe(key string) bool {
	_, str := s.strings[key]
	_, hash := s.hashes[key]
	_, set := s.sets[key]
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.sets, key)
	return str || hash || set
}

func (s *Store) existsUnsafe(key string) bool {
	if _, ok := s.strings[key]; ok {
		return true
	}
	if _, ok := s.hashes[key]; ok {
		return true
	}
	_, ok := s.sets[key]
	return ok
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// String operations

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteKeyUnsafe(key)
	s.strings[key] = clone(value)
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.strings[key]
	if !exists {
		return nil, kv.ErrNotFound
	}
	return clone(value), nil
}

// Key operations

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, key := range keys {
		if s.deleteKeyUnsafe(key) {
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, key := range keys {
		if s.existsUnsafe(key) {
			count++
		}
	}
	return count, nil
}

// Counter operations

func (s *Store) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.hashes[key]; ok {
		return 0, errWrongType
	}
	if _, ok := s.sets[key]; ok {
		return 0, errWrongType
	}

	var current int64
	if value, exists := s.strings[key]; exists {
		parsed, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return 0, errors.New("ERR value is not an integer or out of range")
		}
		current = parsed
	}
	current += n
	s.strings[key] = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

// Hash operations

func (s *Store) HSet(ctx context.Context, key string, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.strings[key]; ok {
		return errWrongType
	}
	if _, ok := s.sets[key]; ok {
		return errWrongType
	}
	hash, exists := s.hashes[key]
	if !exists {
		hash = make(map[string][]byte)
		s.hashes[key] = hash
	}
	hash[field] = clone(value)
	return nil
}

func (s *Store) HSetNX(ctx context.Context, key string, field string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.strings[key]; ok {
		return false, errWrongType
	}
	if _, ok := s.sets[key]; ok {
		return false, errWrongType
	}
	hash, exists := s.hashes[key]
	if !exists {
		hash = make(map[string][]byte)
		s.hashes[key] = hash
	}
	if _, ok := hash[field]; ok {
		return false, nil
	}
	hash[field] = clone(value)
	return true, nil
}

func (s *Store) HGet(ctx context.Context, key string, field string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.hashes[key][field]
	if !exists {
		return nil, kv.ErrNotFound
	}
	return clone(value), nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, exists := s.hashes[key]
	if !exists {
		return 0, nil
	}
	var deleted int64
	for _, field := range fields {
		if _, ok := hash[field]; ok {
			delete(hash, field)
			deleted++
		}
	}
	if len(hash) == 0 {
		delete(s.hashes, key)
	}
	return deleted, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hash := s.hashes[key]
	result := make(map[string][]byte, len(hash))
	for field, value := range hash {
		result[field] = clone(value)
	}
	return result, nil
}

// Set operations

func (s *Store) SAdd(ctx context.Context, key string, members ...[]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.strings[key]; ok {
		return 0, errWrongType
	}
	if _, ok := s.hashes[key]; ok {
		return 0, errWrongType
	}
	set, exists := s.sets[key]
	if !exists {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	var added int64
	for _, member := range members {
		m := string(member)
		if _, ok := set[m]; !ok {
			set[m] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (s *Store) SRem(ctx context.Context, key string, members ...[]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, exists := s.sets[key]
	if !exists {
		return 0, nil
	}
	var removed int64
	for _, member := range members {
		m := string(member)
		if _, ok := set[m]; ok {
			delete(set, m)
			removed++
		}
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return removed, nil
}

func (s *Store) SMembers(ctx context.Context, key string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.sets[key]
	members := make([][]byte, 0, len(set))
	for m := range set {
		members = append(members, []byte(m))
	}
	return members, nil
}

func (s *Store) SIsMember(ctx context.Context, key string, member []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.sets[key][string(member)]
	return ok, nil
}

// Multi operations

func (s *Store) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make([][]byte, len(keys))
	for i, key := range keys {
		if value, ok := s.strings[key]; ok {
			values[i] = clone(value)
		}
	}
	return values, nil
}

// Ping reports whether the store is still open.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return kv.ErrBackendUnavailable
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
