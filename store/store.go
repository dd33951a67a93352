// Package store provides storage backends for quotaguard's rate-limit
// accounting: the per-key request event log consulted for sliding-window
// admission and the per-customer daily cost-unit quota.
//
// Three implementations are provided:
//
//   - Memory: single-process, mutex-guarded. Suitable for single-instance
//     deployments and development.
//   - Redis: shared across processes. Use this when multiple workers or
//     replicas draw on the same customer's API quota.
//   - Failover: routes to a primary (Redis) backend and degrades to a
//     fallback (Memory) backend when the primary is unreachable.
//
// All implementations are safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"
)

// Operation classifies outbound API calls into independent quota pools.
// Each operation has its own limit configuration and its own counters;
// counters for one operation never influence admission for another.
type Operation string

const (
	// OpSearch covers read-only report and search calls.
	OpSearch Operation = "search"

	// OpMutate covers single-entity write calls.
	OpMutate Operation = "mutate"

	// OpBulkMutate covers batched write calls that consume multiple
	// units per request.
	OpBulkMutate Operation = "bulk_mutate"
)

// Valid reports whether op is one of the recognized operations.
func (op Operation) Valid() bool {
	switch op {
	case OpSearch, OpMutate, OpBulkMutate:
		return true
	}
	return false
}

// Key identifies one customer's counters for one operation.
type Key struct {
	CustomerID string
	Operation  Operation
}

// String returns the canonical "customer:operation" form used for
// storage keys.
func (k Key) String() string {
	return k.CustomerID + ":" + string(k.Operation)
}

// Usage is the daily cost-unit quota record for one customer.
// DailyUsed counts provider-reported cost units consumed since
// WindowStart; it is monotonically non-decreasing within a day and
// resets to zero when the UTC day boundary is crossed. PeakUsed is the
// highest DailyUsed ever observed for the customer.
type Usage struct {
	CustomerID  string
	DailyUsed   int64
	PeakUsed    int64
	WindowStart time.Time
}

// ErrBackendUnavailable indicates the backend's underlying store could
// not be reached. The Failover backend absorbs this category; callers
// of a bare Redis backend may see it wrapped in operation errors.
var ErrBackendUnavailable = errors.New("storage backend unavailable")

// Backend records and queries rate-limit state for (customer, operation)
// keys. Implementations must be safe for concurrent use.
type Backend interface {
	// GetRequestHistory returns all recorded event timestamps for the key,
	// unfiltered; callers filter by window themselves. An unknown key is
	// not an error and returns an empty slice.
	GetRequestHistory(ctx context.Context, key Key) ([]time.Time, error)

	// AddRequest appends size timestamp entries for the key. A call that
	// internally performs N sub-operations records size N. The append is
	// all-or-nothing: a concurrent GetRequestHistory sees either all size
	// entries or none of them.
	AddRequest(ctx context.Context, key Key, at time.Time, size int) error

	// GetQuotaUsage returns the customer's quota record, or nil if the
	// customer has no recorded usage.
	GetQuotaUsage(ctx context.Context, customerID string) (*Usage, error)

	// UpdateQuotaUsage atomically adds delta cost units to the customer's
	// daily usage, resetting first if the UTC day boundary has passed
	// since the last update, and returns the post-update record.
	UpdateQuotaUsage(ctx context.Context, customerID string, delta int64) (*Usage, error)

	// CleanupOldEntries evicts all events older than cutoff across every
	// key the backend tracks and returns how many were removed.
	CleanupOldEntries(ctx context.Context, cutoff time.Time) (int, error)

	// HealthCheck probes the backend's underlying store.
	HealthCheck(ctx context.Context) error

	// Close releases resources held by the backend.
	Close() error
}

// Locker is an optional capability of backends that can serialize a
// critical section across every process sharing the store. The Redis
// backend implements it with a distributed lock; the limiter uses it
// for its reserve-then-commit admission path.
type Locker interface {
	// WithLock runs fn while holding the named lock, releasing it on all
	// exit paths.
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}
