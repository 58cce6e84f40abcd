package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/grocery-checkout/internal/port"
)

const (
	idempotencyKeyTTL  = 24 * time.Hour
	defaultActivityMax = 50
	defaultActivityTTL = 24 * time.Hour
	activitySweepEvery = time.Minute
)

type MemoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{keys: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryIdempotency) Claim(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.keys[key] = now.Add(idempotencyKeyTTL)
	return true, nil
}

func (m *MemoryIdempotency) Forget(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type journal struct {
	entries []port.ActivityEntry // oldest first
	touched time.Time
}

// MemoryActivity keeps at most maxEntries per customer and drops journals
// untouched for longer than ttl.
type MemoryActivity struct {
	mu         sync.Mutex
	journals   map[int64]*journal
	maxEntries int
	ttl        time.Duration
	lastSweep  time.Time
	now        func() time.Time
}

func NewMemoryActivity(maxEntries int, ttl time.Duration) *MemoryActivity {
	if maxEntries <= 0 {
		maxEntries = defaultActivityMax
	}
	if ttl <= 0 {
		ttl = defaultActivityTTL
	}
	return &MemoryActivity{
		journals:   make(map[int64]*journal),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

func (m *MemoryActivity) Append(ctx context.Context, customerID int64, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweepLocked(now)

	j := m.liveLocked(customerID, now)
	if j == nil {
		j = &journal{}
		m.journals[customerID] = j
	}
	j.entries = append(j.entries, port.ActivityEntry{At: now, Message: message})
	if over := len(j.entries) - m.maxEntries; over > 0 {
		j.entries = append([]port.ActivityEntry(nil), j.entries[over:]...)
	}
	j.touched = now
	return nil
}

func (m *MemoryActivity) Recent(ctx context.Context, customerID int64, limit int) ([]port.ActivityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := m.liveLocked(customerID, m.now())
	if j == nil {
		return nil, nil
	}
	if limit <= 0 || limit > len(j.entries) {
		limit = len(j.entries)
	}
	out := make([]port.ActivityEntry, 0, limit)
	for i := len(j.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.entries[i])
	}
	return out, nil
}

func (m *MemoryActivity) Clear(ctx context.Context, customerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.journals, customerID)
	return nil
}

func (m *MemoryActivity) liveLocked(customerID int64, now time.Time) *journal {
	j, ok := m.journals[customerID]
	if !ok {
		return nil
	}
	if now.Sub(j.touched) > m.ttl {
		delete(m.journals, customerID)
		return nil
	}
	return j
}

func (m *MemoryActivity) sweepLocked(now time.Time) {
	if now.Sub(m.lastSweep) < activitySweepEvery {
		return
	}
	m.lastSweep = now
	for id, j := range m.journals {
		if now.Sub(j.touched) > m.ttl {
			delete(m.journals, id)
		}
	}
}
