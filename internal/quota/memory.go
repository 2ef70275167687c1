package quota

import (
	"context"
	"sync"
	"time"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/types"
	"github.com/nanjiek/pixiu-quota/internal/util"
)

type memRecord struct {
	period    string
	count     int64
	createdAt time.Time
	expiresAt time.Time
}

type memShard struct {
	mu      sync.Mutex
	records map[string]*memRecord
}

// MemoryCounter is the process-local Counter. Records are keyed by subject
// only; a record from an older period is replaced on access, so at most one
// live record exists per subject. Each shard lock is the critical section
// for every key hashed onto it.
type MemoryCounter struct {
	shards    []*memShard
	retention time.Duration
	now       func() time.Time
}

// MemoryOption configures MemoryCounter.
type MemoryOption func(*MemoryCounter)

// WithShards sets the shard count (default 32).
func WithShards(n int) MemoryOption {
	return func(m *MemoryCounter) {
		if n > 0 {
			m.shards = newShards(n)
		}
	}
}

// WithRetention sets how long a record is kept after creation (default 48h).
func WithRetention(d time.Duration) MemoryOption {
	return func(m *MemoryCounter) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithMemoryClock overrides time.Now.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryCounter) { m.now = now }
}

func NewMemoryCounter(opts ...MemoryOption) *MemoryCounter {
	m := &MemoryCounter{
		shards:    newShards(32),
		retention: 48 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func newShards(n int) []*memShard {
	shards := make([]*memShard, n)
	for i := range shards {
		shards[i] = &memShard{records: make(map[string]*memRecord)}
	}
	return shards
}

func (m *MemoryCounter) Name() string { return "memory" }

func (m *MemoryCounter) shard(subject string) *memShard {
	return m.shards[util.ShardIndex(subject, len(m.shards))]
}

// current returns the live record for period, replacing a stale one.
// Caller holds the shard lock.
func (m *MemoryCounter) current(s *memShard, subject, period string) *memRecord {
	rec, ok := s.records[subject]
	if ok && rec.period == period {
		return rec
	}
	if ok && rec.period > period {
		// A caller that computed its period just before UTC midnight lands
		// in the live record of the new day, so no increment is lost.
		return rec
	}
	rec = &memRecord{period: period, createdAt: m.now()}
	s.records[subject] = rec
	return rec
}

func (m *MemoryCounter) Get(_ context.Context, subject, period string) (int64, error) {
	s := m.shard(subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.current(s, subject, period).count, nil
}

func (m *MemoryCounter) IncrWithExpiry(_ context.Context, subject, period string, ttl time.Duration) (int64, error) {
	s := m.shard(subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := m.current(s, subject, period)
	rec.count++
	if rec.count == 1 {
		rec.expiresAt = m.now().Add(ttl)
	}
	return rec.count, nil
}

func (m *MemoryCounter) IncrBelow(_ context.Context, subject, period string, limit int64, ttl time.Duration) (int64, bool, error) {
	s := m.shard(subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := m.current(s, subject, period)
	if rec.count >= limit {
		return rec.count, false, nil
	}
	rec.count++
	if rec.count == 1 {
		rec.expiresAt = m.now().Add(ttl)
	}
	return rec.count, true, nil
}

func (m *MemoryCounter) Delete(_ context.Context, subject, period string) error {
	s := m.shard(subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[subject]; ok && rec.period == period {
		delete(s.records, subject)
	}
	return nil
}

// Sweep evicts records created more than the retention window ago, or past
// their expiry. Records of the current period are never evicted.
func (m *MemoryCounter) Sweep(_ context.Context, now time.Time) (int, error) {
	today := types.PeriodKey(now)
	cutoff := now.Add(-m.retention)
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for subject, rec := range s.records {
			if rec.period == today {
				continue
			}
			expired := !rec.expiresAt.IsZero() && now.After(rec.expiresAt)
			if expired || rec.createdAt.Before(cutoff) {
				delete(s.records, subject)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of records held, for tests and debugging.
func (m *MemoryCounter) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}
