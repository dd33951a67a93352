package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryRequestHistory(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	key := Key{CustomerID: "cust-1", Operation: OpSearch}

	history, err := m.GetRequestHistory(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected empty history, got %d entries", len(history))
	}

	now := time.Now()
	if err := m.AddRequest(ctx, key, now, 1); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if err := m.AddRequest(ctx, key, now.Add(time.Second), 3); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	history, err = m.GetRequestHistory(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 4 {
		t.Errorf("expected 4 entries (1 + size 3), got %d", len(history))
	}
}

func TestMemoryKeyIndependence(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	now := time.Now()

	keys := []Key{
		{CustomerID: "cust-1", Operation: OpSearch},
		{CustomerID: "cust-1", Operation: OpMutate},
		{CustomerID: "cust-2", Operation: OpSearch},
	}
	for i, key := range keys {
		if err := m.AddRequest(ctx, key, now, i+1); err != nil {
			t.Fatalf("AddRequest %s: %v", key, err)
		}
	}

	for i, key := range keys {
		history, err := m.GetRequestHistory(ctx, key)
		if err != nil {
			t.Fatalf("GetRequestHistory %s: %v", key, err)
		}
		if len(history) != i+1 {
			t.Errorf("key %s: expected %d entries, got %d", key, i+1, len(history))
		}
	}
}

func TestMemoryQuotaUsage(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()

	u, err := m.GetQuotaUsage(ctx, "cust-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u != nil {
		t.Fatalf("expected nil usage for unknown customer, got %+v", u)
	}

	u, err = m.UpdateQuotaUsage(ctx, "cust-1", 100)
	if err != nil {
		t.Fatalf("UpdateQuotaUsage: %v", err)
	}
	if u.DailyUsed != 100 || u.PeakUsed != 100 {
		t.Errorf("expected used=100 peak=100, got used=%d peak=%d", u.DailyUsed, u.PeakUsed)
	}

	u, err = m.UpdateQuotaUsage(ctx, "cust-1", 50)
	if err != nil {
		t.Fatalf("UpdateQuotaUsage: %v", err)
	}
	if u.DailyUsed != 150 || u.PeakUsed != 150 {
		t.Errorf("expected used=150 peak=150, got used=%d peak=%d", u.DailyUsed, u.PeakUsed)
	}
}

func TestMemoryQuotaRollover(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	day1 := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return day1 }

	if _, err := m.UpdateQuotaUsage(ctx, "cust-1", 500); err != nil {
		t.Fatalf("UpdateQuotaUsage: %v", err)
	}

	// Crossing midnight resets exactly once; repeated updates on the new
	// day accumulate from zero, never double-reset.
	day2 := time.Date(2026, 3, 11, 0, 30, 0, 0, time.UTC)
	m.now = func() time.Time { return day2 }

	u, err := m.UpdateQuotaUsage(ctx, "cust-1", 40)
	if err != nil {
		t.Fatalf("UpdateQuotaUsage: %v", err)
	}
	if u.DailyUsed != 40 {
		t.Errorf("expected reset to 40 after rollover, got %d", u.DailyUsed)
	}
	if u.PeakUsed != 500 {
		t.Errorf("expected peak preserved at 500, got %d", u.PeakUsed)
	}
	if !u.WindowStart.Equal(time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected window start at new day boundary, got %s", u.WindowStart)
	}

	u, err = m.UpdateQuotaUsage(ctx, "cust-1", 10)
	if err != nil {
		t.Fatalf("UpdateQuotaUsage: %v", err)
	}
	if u.DailyUsed != 50 {
		t.Errorf("expected 50 on second same-day update, got %d", u.DailyUsed)
	}
}

func TestMemoryQuotaNeverNegative(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	u, err := m.UpdateQuotaUsage(context.Background(), "cust-1", -10)
	if err != nil {
		t.Fatalf("UpdateQuotaUsage: %v", err)
	}
	if u.DailyUsed != 0 {
		t.Errorf("expected usage clamped at 0, got %d", u.DailyUsed)
	}
}

func TestMemoryCleanupOldEntries(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	key := Key{CustomerID: "cust-1", Operation: OpSearch}
	now := time.Now()

	if err := m.AddRequest(ctx, key, now.Add(-2*time.Hour), 2); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if err := m.AddRequest(ctx, key, now, 3); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	removed, err := m.CleanupOldEntries(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CleanupOldEntries: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}

	history, err := m.GetRequestHistory(ctx, key)
	if err != nil {
		t.Fatalf("GetRequestHistory: %v", err)
	}
	if len(history) != 3 {
		t.Errorf("expected 3 surviving entries, got %d", len(history))
	}
}

func TestMemoryConcurrentAccess(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	key := Key{CustomerID: "cust-1", Operation: OpSearch}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.AddRequest(ctx, key, time.Now(), 1)
		}()
		go func() {
			defer wg.Done()
			m.GetRequestHistory(ctx, key)
		}()
	}
	wg.Wait()

	history, err := m.GetRequestHistory(ctx, key)
	if err != nil {
		t.Fatalf("GetRequestHistory: %v", err)
	}
	if len(history) != 50 {
		t.Errorf("expected 50 entries after concurrent writes, got %d", len(history))
	}
}
