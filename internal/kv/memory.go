package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store used in tests and as the workflow queue
// fallback when the shared store is unreachable. TTLs are honoured lazily on
// access.
type Memory struct {
	mu      sync.Mutex
	values  map[string]memoryEntry
	lists   map[string][]string
	failing bool
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]memoryEntry),
		lists:  make(map[string][]string),
	}
}

// SetFailing makes every operation report a store error, for failure-path tests.
func (m *Memory) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

var errMemoryUnavailable = &storeError{"kv: memory store unavailable"}

type storeError struct{ msg string }

func (e *storeError) Error() string { return e.msg }

func (m *Memory) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = memoryEntry{value: value}
}

func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return "", errMemoryUnavailable
	}
	e, ok := m.values[key]
	if !ok || (!e.expiresAt.IsZero() && time.Now().After(e.expiresAt)) {
		delete(m.values, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return 0, errMemoryUnavailable
	}
	e, ok := m.values[key]
	if ok && !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		ok = false
	}
	n := int64(0)
	if ok {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n++
	entry := memoryEntry{value: strconv.FormatInt(n, 10)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	} else if ok {
		entry.expiresAt = e.expiresAt
	}
	m.values[key] = entry
	return n, nil
}

func (m *Memory) Decr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return 0, errMemoryUnavailable
	}
	e := m.values[key]
	n, _ := strconv.ParseInt(e.value, 10, 64)
	n--
	e.value = strconv.FormatInt(n, 10)
	m.values[key] = e
	return n, nil
}

func (m *Memory) LPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errMemoryUnavailable
	}
	for _, v := range values {
		m.lists[key] = append([]string{v}, m.lists[key]...)
	}
	return nil
}

func (m *Memory) RPop(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return "", errMemoryUnavailable
	}
	list := m.lists[key]
	if len(list) == 0 {
		return "", ErrNotFound
	}
	v := list[len(list)-1]
	m.lists[key] = list[:len(list)-1]
	return v, nil
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errMemoryUnavailable
	}
	return nil
}

func (m *Memory) Close() error { return nil }
