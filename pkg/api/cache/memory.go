package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process cache. Expired entries are dropped on read and
// by a janitor running at the ttl interval.
type Memory struct {
	log     logrus.FieldLogger
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]memoryEntry
	done    chan struct{}
	wg      sync.WaitGroup
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an in-process cache.
func NewMemory(log logrus.FieldLogger, ttl time.Duration) *Memory {
	return &Memory{
		log:     log,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry, 64),
		done:    make(chan struct{}),
	}
}

// Start launches the janitor.
func (m *Memory) Start(ctx context.Context) error {
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.ttl)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := m.evictExpired(); n > 0 {
					m.log.WithField("evicted", n).Debug("Evicted expired cache entries")
				}
			case <-m.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	m.log.WithField("ttl", m.ttl.String()).Info("Memory cache started")

	return nil
}

// Stop stops the janitor.
func (m *Memory) Stop() error {
	close(m.done)
	m.wg.Wait()

	return nil
}

// Get returns a live entry.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	if !m.now().Before(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()

		return nil, false, nil
	}

	return e.value, true, nil
}

// Set stores value for one ttl.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{value: value, expiresAt: m.now().Add(m.ttl)}

	return nil
}

// Purge drops every entry.
func (m *Memory) Purge(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.entries)

	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}

func (m *Memory) evictExpired() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int

	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			n++
		}
	}

	return n
}
