// Package quotaguard coordinates access to rate-limited, metered
// third-party APIs. It decides, for every outbound call, whether the
// call may proceed now, how long to wait if not, and accounts for calls
// already in flight across many goroutines and (with the Redis store)
// many processes sharing one customer's quota.
//
// Admission is per (customer, operation) key over three sliding windows
// (minute, hour, day) plus an optional daily cost-unit quota. Basic
// usage:
//
//	backend := store.NewMemory()
//	limiter, err := quotaguard.New(backend, quotaguard.Config{
//		Limits: map[store.Operation]quotaguard.LimitConfig{
//			store.OpSearch: {RequestsPerMinute: 10, RequestsPerHour: 600, RequestsPerDay: 14400},
//		},
//	})
//	defer limiter.Close()
//
//	if err := limiter.WaitUntilAllowed(ctx, "cust-1", store.OpSearch, 1); err != nil {
//		return err
//	}
//	resp, err := client.Search(ctx, q)
//	limiter.RecordCost(ctx, "cust-1", resp.CostUnits)
//
// For cross-process coordination back the limiter with store.NewRedis,
// or store.NewFailover to keep limiting through a Redis outage. To
// retry calls the provider itself rejects for quota reasons, wrap them
// with Wrap or Do.
package quotaguard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nhalm/quotaguard/store"
)

// Operation re-exports store.Operation for callers that only import the
// root package.
type Operation = store.Operation

// Recognized operation types.
const (
	OpSearch     = store.OpSearch
	OpMutate     = store.OpMutate
	OpBulkMutate = store.OpBulkMutate
)

// minWaitFloor keeps the wait loop from spinning when the computed
// retry time has already passed by the time we get to sleep.
const minWaitFloor = 10 * time.Millisecond

// Limiter is the admission coordinator. It holds only configuration;
// all mutable state lives in the storage backend, which is what makes
// backends swappable. Construct one per service at startup and share it
// among all callers; it is safe for concurrent use.
type Limiter struct {
	backend store.Backend
	cfg     Config

	// reserveLocks serializes the check-then-record reservation per key
	// within this process. Cross-process serialization additionally goes
	// through the backend's distributed lock when it provides one.
	reserveLocks sync.Map // key string -> *sync.Mutex

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Limiter over the given backend. The configuration is
// validated eagerly; cross-window inconsistencies fail here.
func New(backend store.Backend, cfg Config) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.withRetryDefaults()

	return &Limiter{
		backend: backend,
		cfg:     cfg,
		now:     time.Now,
		sleep:   sleepContext,
	}, nil
}

// Close tears down the limiter's storage backend.
func (l *Limiter) Close() error {
	return l.backend.Close()
}

// window pairs a sliding-window duration with its unit limit.
type window struct {
	length time.Duration
	limit  int
}

func (lc LimitConfig) windows() [3]window {
	return [3]window{
		{time.Minute, lc.RequestsPerMinute},
		{time.Hour, lc.RequestsPerHour},
		{24 * time.Hour, lc.RequestsPerDay},
	}
}

// smallestLimit is the tightest window limit; request sizes above it
// can never be admitted.
func (lc LimitConfig) smallestLimit() int {
	limit := lc.RequestsPerMinute
	if lc.RequestsPerHour < limit {
		limit = lc.RequestsPerHour
	}
	if lc.RequestsPerDay < limit {
		limit = lc.RequestsPerDay
	}
	return limit
}

func (l *Limiter) limits(op Operation) (LimitConfig, error) {
	lc, ok := l.cfg.Limits[op]
	if !ok {
		return LimitConfig{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	return lc, nil
}

// CheckRateLimit reports whether admitting size more units right now
// would stay within every window and the daily quota. It is a pure
// query with no side effects and no reservation; use WaitUntilAllowed
// before actually performing a call.
func (l *Limiter) CheckRateLimit(ctx context.Context, customerID string, op Operation, size int) (bool, error) {
	if size < 1 {
		size = 1
	}
	lc, err := l.limits(op)
	if err != nil {
		return false, err
	}

	ok, _, err := l.admissible(ctx, store.Key{CustomerID: customerID, Operation: op}, lc, size)
	return ok, err
}

// admissible evaluates all three windows plus the quota for key and
// reports whether size units fit now. When they do not, retryAt is the
// earliest instant admission could succeed: the most restrictive
// violated window governs.
func (l *Limiter) admissible(ctx context.Context, key store.Key, lc LimitConfig, size int) (bool, time.Time, error) {
	now := l.now()

	history, err := l.backend.GetRequestHistory(ctx, key)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("rate limit check for %s: %w", key, err)
	}
	sort.Slice(history, func(i, j int) bool { return history[i].Before(history[j]) })

	allowed := true
	var retryAt time.Time
	for _, w := range lc.windows() {
		start := now.Add(-w.length)

		inWindow := history[firstAfter(history, start):]
		if len(inWindow)+size <= w.limit {
			continue
		}
		allowed = false

		// Admission needs this many of the window's oldest events to
		// expire; the last of them leaving the window is the earliest
		// this window could admit.
		need := len(inWindow) + size - w.limit
		if need > len(inWindow) {
			// size alone exceeds the limit; no expiry helps.
			return false, now.Add(w.length), nil
		}
		at := inWindow[need-1].Add(w.length)
		if at.After(retryAt) {
			retryAt = at
		}
	}

	if lc.DailyQuotaUnits > 0 {
		usage, err := l.backend.GetQuotaUsage(ctx, key.CustomerID)
		if err != nil {
			return false, time.Time{}, fmt.Errorf("quota check for %s: %w", key.CustomerID, err)
		}
		if usage != nil && sameDay(usage.WindowStart, now) && usage.DailyUsed >= lc.DailyQuotaUnits {
			allowed = false
			if nextDay := nextDayStart(now); nextDay.After(retryAt) {
				retryAt = nextDay
			}
		}
	}

	return allowed, retryAt, nil
}

// reserve atomically performs check-then-record for size units. Two
// callers racing for the last remaining slot cannot both win: the
// sequence runs under a per-key mutex and, when the backend offers a
// distributed lock, under that lock as well so the guarantee extends
// across processes.
func (l *Limiter) reserve(ctx context.Context, key store.Key, lc LimitConfig, size int) (bool, time.Time, error) {
	muVal, _ := l.reserveLocks.LoadOrStore(key.String(), &sync.Mutex{})
	mu := muVal.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	var (
		allowed bool
		retryAt time.Time
	)
	attempt := func(ctx context.Context) error {
		var err error
		allowed, retryAt, err = l.admissible(ctx, key, lc, size)
		if err != nil || !allowed {
			return err
		}
		return l.backend.AddRequest(ctx, key, l.now(), size)
	}

	var err error
	if locker, ok := l.backend.(store.Locker); ok {
		err = locker.WithLock(ctx, "reserve:"+key.String(), attempt)
	} else {
		err = attempt(ctx)
	}
	return allowed, retryAt, err
}

// WaitUntilAllowed blocks until size units can be admitted for the
// customer's operation, then reserves that capacity by recording the
// request before returning. This is the only admission path that is
// safe to use directly before performing the real call.
//
// An abandoned wait (ctx cancelled) leaves no partial state: the
// reservation happens only at the moment of successful return. Sizes
// larger than the tightest window limit fail immediately with
// ErrUnsatisfiable. No FIFO fairness is guaranteed among waiters.
func (l *Limiter) WaitUntilAllowed(ctx context.Context, customerID string, op Operation, size int) error {
	return l.wait(ctx, customerID, op, size, time.Time{})
}

// WaitForRateLimit is WaitUntilAllowed bounded by maxWait. When
// capacity cannot be reserved within the bound it fails fast with
// ErrWaitTimeout so callers can shed load instead of queueing
// indefinitely under sustained overload.
func (l *Limiter) WaitForRateLimit(ctx context.Context, customerID string, op Operation, size int, maxWait time.Duration) error {
	return l.wait(ctx, customerID, op, size, l.now().Add(maxWait))
}

func (l *Limiter) wait(ctx context.Context, customerID string, op Operation, size int, deadline time.Time) error {
	if size < 1 {
		size = 1
	}
	lc, err := l.limits(op)
	if err != nil {
		return err
	}
	if size > lc.smallestLimit() {
		return fmt.Errorf("%w: size %d, limit %d", ErrUnsatisfiable, size, lc.smallestLimit())
	}

	key := store.Key{CustomerID: customerID, Operation: op}
	for {
		ok, retryAt, err := l.reserve(ctx, key, lc, size)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		if !deadline.IsZero() && retryAt.After(deadline) {
			return fmt.Errorf("%w: capacity for %s not expected before %s", ErrWaitTimeout, key, retryAt.Format(time.RFC3339))
		}

		d := retryAt.Sub(l.now())
		if d < minWaitFloor {
			d = minWaitFloor
		}
		if err := l.sleep(ctx, d); err != nil {
			return err
		}
	}
}

// RecordRequest records a completed call of the given size and, when
// costUnits is positive, charges it against the customer's daily cost
// quota. WaitUntilAllowed already records the request event itself;
// use RecordRequest for calls made outside the blocking path, and
// RecordCost to report cost for calls admitted through it.
func (l *Limiter) RecordRequest(ctx context.Context, customerID string, op Operation, size int, costUnits int64) error {
	if size < 1 {
		size = 1
	}
	if _, err := l.limits(op); err != nil {
		return err
	}

	key := store.Key{CustomerID: customerID, Operation: op}
	if err := l.backend.AddRequest(ctx, key, l.now(), size); err != nil {
		return fmt.Errorf("record request for %s: %w", key, err)
	}
	if costUnits > 0 {
		if _, err := l.backend.UpdateQuotaUsage(ctx, customerID, costUnits); err != nil {
			return fmt.Errorf("record cost for %s: %w", customerID, err)
		}
	}
	return nil
}

// RecordCost charges provider-reported cost units against the
// customer's daily quota without recording another request event.
func (l *Limiter) RecordCost(ctx context.Context, customerID string, costUnits int64) error {
	if costUnits <= 0 {
		return nil
	}
	if _, err := l.backend.UpdateQuotaUsage(ctx, customerID, costUnits); err != nil {
		return fmt.Errorf("record cost for %s: %w", customerID, err)
	}
	return nil
}

// HealthCheck probes the limiter's storage backend.
func (l *Limiter) HealthCheck(ctx context.Context) error {
	return l.backend.HealthCheck(ctx)
}

// sameDay reports whether a and b fall on the same UTC day.
func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// nextDayStart returns the UTC midnight after t, when the daily quota
// resets.
func nextDayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// firstAfter returns the index of the first timestamp in the ascending
// slice that is strictly after start.
func firstAfter(ts []time.Time, start time.Time) int {
	return sort.Search(len(ts), func(i int) bool { return ts[i].After(start) })
}

// sleepContext sleeps for d unless ctx finishes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
