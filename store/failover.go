package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nhalm/canonlog"
)

// Failover routes every operation to a primary backend and degrades to
// a fallback backend when the primary fails, so a shared-store outage
// never surfaces to rate-limiter callers. Recovery is driven by health
// probes, at most one per probe interval.
//
// Events recorded in the fallback during an outage are NOT replayed
// into the primary on recovery: replay cannot be distinguished from
// double-counting, so accounting across an outage boundary is
// intentionally local and conservative. Expect a window of under- or
// over-admission immediately after recovery.
//
// Failover logs degradation and recovery through canonlog when the
// caller's context carries a logger; otherwise transitions are silent.
type Failover struct {
	primary  Backend
	fallback Backend

	degraded  atomic.Bool
	probeMu   sync.Mutex
	lastProbe time.Time

	probeInterval time.Duration
	now           func() time.Time
}

// FailoverOption configures a Failover backend.
type FailoverOption func(*Failover)

// WithProbeInterval sets the minimum spacing between recovery probes of
// the primary backend (default 30s).
func WithProbeInterval(d time.Duration) FailoverOption {
	return func(f *Failover) {
		f.probeInterval = d
	}
}

// NewFailover creates a failover backend over primary and fallback.
func NewFailover(primary, fallback Backend, opts ...FailoverOption) *Failover {
	f := &Failover{
		primary:       primary,
		fallback:      fallback,
		probeInterval: 30 * time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Degraded reports whether operations are currently routed to the
// fallback backend.
func (f *Failover) Degraded() bool {
	return f.degraded.Load()
}

// degrade flips into fallback routing. Only the first caller logs the
// transition.
func (f *Failover) degrade(ctx context.Context, err error) {
	if f.degraded.CompareAndSwap(false, true) {
		f.probeMu.Lock()
		f.lastProbe = f.now()
		f.probeMu.Unlock()

		if _, ok := canonlog.TryGetLogger(ctx); ok {
			canonlog.ErrorAdd(ctx, fmt.Errorf("quotaguard: shared store degraded, using in-memory fallback: %w", err))
		}
	}
}

// active returns the backend to route to, probing the primary for
// recovery when degraded and the probe interval has elapsed.
func (f *Failover) active(ctx context.Context) Backend {
	if !f.degraded.Load() {
		return f.primary
	}

	f.probeMu.Lock()
	due := f.now().Sub(f.lastProbe) >= f.probeInterval
	if due {
		f.lastProbe = f.now()
	}
	f.probeMu.Unlock()

	if due && f.primary.HealthCheck(ctx) == nil {
		f.degraded.Store(false)
		if _, ok := canonlog.TryGetLogger(ctx); ok {
			canonlog.InfoAdd(ctx, "quotaguard_failover", "recovered")
		}
		return f.primary
	}
	return f.fallback
}

func (f *Failover) GetRequestHistory(ctx context.Context, key Key) ([]time.Time, error) {
	b := f.active(ctx)
	events, err := b.GetRequestHistory(ctx, key)
	if err != nil && b == f.primary {
		f.degrade(ctx, err)
		return f.fallback.GetRequestHistory(ctx, key)
	}
	return events, err
}

func (f *Failover) AddRequest(ctx context.Context, key Key, at time.Time, size int) error {
	b := f.active(ctx)
	err := b.AddRequest(ctx, key, at, size)
	if err != nil && b == f.primary {
		f.degrade(ctx, err)
		return f.fallback.AddRequest(ctx, key, at, size)
	}
	return err
}

func (f *Failover) GetQuotaUsage(ctx context.Context, customerID string) (*Usage, error) {
	b := f.active(ctx)
	u, err := b.GetQuotaUsage(ctx, customerID)
	if err != nil && b == f.primary {
		f.degrade(ctx, err)
		return f.fallback.GetQuotaUsage(ctx, customerID)
	}
	return u, err
}

func (f *Failover) UpdateQuotaUsage(ctx context.Context, customerID string, delta int64) (*Usage, error) {
	b := f.active(ctx)
	u, err := b.UpdateQuotaUsage(ctx, customerID, delta)
	if err != nil && b == f.primary {
		f.degrade(ctx, err)
		return f.fallback.UpdateQuotaUsage(ctx, customerID, delta)
	}
	return u, err
}

func (f *Failover) CleanupOldEntries(ctx context.Context, cutoff time.Time) (int, error) {
	b := f.active(ctx)
	n, err := b.CleanupOldEntries(ctx, cutoff)
	if err != nil && b == f.primary {
		f.degrade(ctx, err)
		return f.fallback.CleanupOldEntries(ctx, cutoff)
	}
	return n, err
}

// WithLock implements Locker. While healthy it uses the primary's
// distributed lock when available; while degraded the critical section
// runs unlocked here, relying on the limiter's in-process serialization
// (the fallback store is process-local anyway).
func (f *Failover) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !f.degraded.Load() {
		if locker, ok := f.primary.(Locker); ok {
			err := locker.WithLock(ctx, name, fn)
			if err != nil && errors.Is(err, ErrBackendUnavailable) {
				f.degrade(ctx, err)
				return fn(ctx)
			}
			return err
		}
	}
	return fn(ctx)
}

// HealthCheck reports the health of whichever backend is serving
// traffic; while degraded it also gives the primary a chance to
// recover.
func (f *Failover) HealthCheck(ctx context.Context) error {
	return f.active(ctx).HealthCheck(ctx)
}

func (f *Failover) Close() error {
	return errors.Join(f.primary.Close(), f.fallback.Close())
}
