package quotaguard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nhalm/quotaguard/store"
)

// WindowStatus describes one sliding window's usage.
type WindowStatus struct {
	WindowSeconds int64 `json:"window_seconds"`
	Limit         int   `json:"limit"`
	Used          int   `json:"used"`
	Remaining     int   `json:"remaining"`
}

// Status is the read-only introspection surface for one (customer,
// operation) key: per-window used/remaining/limit plus the daily cost
// quota. Built for dashboards and alerts; it takes no locks and
// reserves nothing.
type Status struct {
	CustomerID string       `json:"customer_id"`
	Operation  Operation    `json:"operation"`
	Minute     WindowStatus `json:"minute"`
	Hour       WindowStatus `json:"hour"`
	Day        WindowStatus `json:"day"`

	// QuotaLimit is 0 when the cost quota is disabled for the operation.
	QuotaLimit     int64 `json:"quota_limit"`
	QuotaUsed      int64 `json:"quota_used"`
	QuotaRemaining int64 `json:"quota_remaining"`
	QuotaPeak      int64 `json:"quota_peak"`
}

// GetRateLimitStatus reports current usage against every window and the
// daily quota for the customer's operation.
func (l *Limiter) GetRateLimitStatus(ctx context.Context, customerID string, op Operation) (*Status, error) {
	lc, err := l.limits(op)
	if err != nil {
		return nil, err
	}

	key := store.Key{CustomerID: customerID, Operation: op}
	history, err := l.backend.GetRequestHistory(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("status for %s: %w", key, err)
	}
	sort.Slice(history, func(i, j int) bool { return history[i].Before(history[j]) })

	now := l.now()
	windows := lc.windows()
	st := &Status{
		CustomerID: customerID,
		Operation:  op,
		QuotaLimit: lc.DailyQuotaUnits,
	}

	out := []*WindowStatus{&st.Minute, &st.Hour, &st.Day}
	for i, w := range windows {
		used := len(history) - firstAfter(history, now.Add(-w.length))
		remaining := w.limit - used
		if remaining < 0 {
			remaining = 0
		}
		*out[i] = WindowStatus{
			WindowSeconds: int64(w.length / time.Second),
			Limit:         w.limit,
			Used:          used,
			Remaining:     remaining,
		}
	}

	if lc.DailyQuotaUnits > 0 {
		usage, err := l.backend.GetQuotaUsage(ctx, customerID)
		if err != nil {
			return nil, fmt.Errorf("status for %s: %w", customerID, err)
		}
		if usage != nil && sameDay(usage.WindowStart, now) {
			st.QuotaUsed = usage.DailyUsed
		}
		if usage != nil {
			st.QuotaPeak = usage.PeakUsed
		}
		st.QuotaRemaining = lc.DailyQuotaUnits - st.QuotaUsed
		if st.QuotaRemaining < 0 {
			st.QuotaRemaining = 0
		}
	}

	return st, nil
}
