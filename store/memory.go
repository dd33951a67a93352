package store

import (
	"context"
	"sync"
	"time"
)

// retention is how long the in-memory backend keeps events before the
// background sweep evicts them. It only needs to cover the largest
// admission window (one day).
const retention = 24 * time.Hour

// Memory is an in-memory implementation of Backend.
// State is local to the process; use Redis (or Failover) when multiple
// processes share one customer's quota.
type Memory struct {
	mu     sync.RWMutex
	events map[string][]time.Time
	usage  map[string]*Usage
	stopCh chan struct{}
	once   sync.Once
	now    func() time.Time
}

// NewMemory creates an in-memory backend with automatic eviction of
// events older than the day window.
func NewMemory() *Memory {
	m := &Memory{
		events: make(map[string][]time.Time),
		usage:  make(map[string]*Usage),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}

	go m.sweep()
	return m
}

func (m *Memory) GetRequestHistory(_ context.Context, key Key) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[key.String()]
	out := make([]time.Time, len(events))
	copy(out, events)
	return out, nil
}

func (m *Memory) AddRequest(_ context.Context, key Key, at time.Time, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key.String()
	for i := 0; i < size; i++ {
		m.events[k] = append(m.events[k], at)
	}
	return nil
}

func (m *Memory) GetQuotaUsage(_ context.Context, customerID string) (*Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.usage[customerID]
	if !ok {
		return nil, nil
	}
	dup := *u
	return &dup, nil
}

func (m *Memory) UpdateQuotaUsage(_ context.Context, customerID string, delta int64) (*Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	u, ok := m.usage[customerID]
	if !ok {
		u = &Usage{CustomerID: customerID, WindowStart: dayStart(now)}
		m.usage[customerID] = u
	}

	u.DailyUsed = rollDaily(u, delta, now)
	if u.DailyUsed > u.PeakUsed {
		u.PeakUsed = u.DailyUsed
	}

	dup := *u
	return &dup, nil
}

func (m *Memory) CleanupOldEntries(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, events := range m.events {
		kept := events[:0]
		for _, t := range events {
			if t.Before(cutoff) {
				removed++
			} else {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(m.events, k)
		} else {
			m.events[k] = kept
		}
	}
	return removed, nil
}

func (m *Memory) HealthCheck(_ context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stopCh) })
	return nil
}

func (m *Memory) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CleanupOldEntries(context.Background(), m.now().Add(-retention))
		case <-m.stopCh:
			return
		}
	}
}

// dayStart returns the UTC midnight beginning the day containing t.
func dayStart(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// rollDaily applies the day-boundary reset and delta to u in place,
// returning the new DailyUsed. The result never goes negative.
func rollDaily(u *Usage, delta int64, now time.Time) int64 {
	start := dayStart(now)
	if start.After(u.WindowStart) {
		u.WindowStart = start
		u.DailyUsed = 0
	}
	used := u.DailyUsed + delta
	if used < 0 {
		used = 0
	}
	return used
}
