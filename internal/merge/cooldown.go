package merge

import (
	"sync"
	"time"
)

const defaultCooldownEntries = 1024

// CooldownMap records when each key last fired. Entries whose TTL has
// elapsed are evicted on every write, and the map never holds more than
// its capacity; the oldest entry goes first when full.
type CooldownMap struct {
	mu    sync.Mutex
	ttl   time.Duration
	limit int
	last  map[string]time.Time
}

func NewCooldownMap(ttl time.Duration, limit int) *CooldownMap {
	if limit <= 0 {
		limit = defaultCooldownEntries
	}
	return &CooldownMap{
		ttl:   ttl,
		limit: limit,
		last:  make(map[string]time.Time),
	}
}

// Allow reports whether key may fire at now and, if so, records now.
func (m *CooldownMap) Allow(key string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.last[key]; ok && now.Sub(prev) < m.ttl {
		return false
	}
	m.evictLocked(now)
	m.last[key] = now
	return true
}

func (m *CooldownMap) Last(key string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.last[key]
	return ts, ok
}

func (m *CooldownMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.last)
}

func (m *CooldownMap) TTL() time.Duration {
	return m.ttl
}

func (m *CooldownMap) evictLocked(now time.Time) {
	for key, ts := range m.last {
		if now.Sub(ts) >= m.ttl {
			delete(m.last, key)
		}
	}
	for len(m.last) >= m.limit {
		var oldestKey string
		var oldest time.Time
		first := true
		for key, ts := range m.last {
			if first || ts.Before(oldest) {
				oldestKey, oldest, first = key, ts, false
			}
		}
		delete(m.last, oldestKey)
	}
}
