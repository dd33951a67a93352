package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds configuration for the Redis-backed store.
// Populate from environment variables in your application code.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces every key this backend writes.
	// Defaults to "quotaguard:".
	Prefix string

	// KeyTTL bounds how long abandoned event and quota keys survive.
	// Must cover the day window; defaults to 25h.
	KeyTTL time.Duration

	// LockTTL is the expiry on distributed lock keys, the safety net
	// against crashed holders. Defaults to 5s.
	LockTTL time.Duration

	// LockTimeout bounds lock acquisition. Defaults to 10s.
	LockTimeout time.Duration

	// LockRetryDelay is the pause between lock acquisition attempts.
	// Defaults to 50ms.
	LockRetryDelay time.Duration
}

func (c *RedisConfig) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "quotaguard:"
	}
	if c.KeyTTL == 0 {
		c.KeyTTL = 25 * time.Hour
	}
	if c.LockTTL == 0 {
		c.LockTTL = 5 * time.Second
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = 10 * time.Second
	}
	if c.LockRetryDelay == 0 {
		c.LockRetryDelay = 50 * time.Millisecond
	}
}

// trimScript evicts everything older than the cutoff from all tracked
// event lists in one atomic round trip. Lists are appended in timestamp
// order, so eviction pops from the head until the head is fresh enough.
// A client-side read-then-write would reintroduce the race this backend
// exists to avoid.
var trimScript = redis.NewScript(`
local removed = 0
for _, key in ipairs(redis.call("KEYS", ARGV[1])) do
	while true do
		local head = redis.call("LINDEX", key, 0)
		if not head or tonumber(head) >= tonumber(ARGV[2]) then
			break
		end
		redis.call("LPOP", key)
		removed = removed + 1
	end
end
return removed
`)

// Redis is a Backend shared by every process that points at the same
// Redis instance. Event logs are lists of UnixNano timestamps with a
// bounded TTL; quota records are hashes updated under a distributed
// lock (the rollover decision compares two reads and cannot be
// expressed as a single atomic increment).
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	now    func() time.Time
}

// NewRedis creates a Redis backend and verifies connectivity.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	cfg.applyDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{
		client: client,
		cfg:    cfg,
		now:    time.Now,
	}, nil
}

func (r *Redis) eventsKey(key Key) string {
	return r.cfg.Prefix + "events:" + key.String()
}

func (r *Redis) quotaKey(customerID string) string {
	return r.cfg.Prefix + "quota:" + customerID
}

func (r *Redis) lockKey(name string) string {
	return r.cfg.Prefix + "lock:" + name
}

func (r *Redis) GetRequestHistory(ctx context.Context, key Key) ([]time.Time, error) {
	raw, err := r.client.LRange(ctx, r.eventsKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis history read failed: %w", err)
	}

	events := make([]time.Time, 0, len(raw))
	for _, s := range raw {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt event entry %q for %s: %w", s, key, err)
		}
		events = append(events, time.Unix(0, n))
	}
	return events, nil
}

func (r *Redis) AddRequest(ctx context.Context, key Key, at time.Time, size int) error {
	k := r.eventsKey(key)
	ts := strconv.FormatInt(at.UnixNano(), 10)

	// Transactional pipeline: a crash mid-write cannot leave a partial
	// append visible to readers.
	pipe := r.client.TxPipeline()
	for i := 0; i < size; i++ {
		pipe.RPush(ctx, k, ts)
	}
	pipe.Expire(ctx, k, r.cfg.KeyTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append failed: %w", err)
	}
	return nil
}

func (r *Redis) GetQuotaUsage(ctx context.Context, customerID string) (*Usage, error) {
	fields, err := r.client.HGetAll(ctx, r.quotaKey(customerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis quota read failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseUsage(customerID, fields)
}

func (r *Redis) UpdateQuotaUsage(ctx context.Context, customerID string, delta int64) (*Usage, error) {
	var out *Usage

	err := r.WithLock(ctx, "quota:"+customerID, func(ctx context.Context) error {
		u, err := r.GetQuotaUsage(ctx, customerID)
		if err != nil {
			return err
		}
		now := r.now()
		if u == nil {
			u = &Usage{CustomerID: customerID, WindowStart: dayStart(now)}
		}

		u.DailyUsed = rollDaily(u, delta, now)
		if u.DailyUsed > u.PeakUsed {
			u.PeakUsed = u.DailyUsed
		}

		k := r.quotaKey(customerID)
		pipe := r.client.TxPipeline()
		pipe.HSet(ctx, k,
			"daily_used", u.DailyUsed,
			"peak_used", u.PeakUsed,
			"window_start", u.WindowStart.UnixNano(),
		)
		pipe.Expire(ctx, k, r.cfg.KeyTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis quota write failed: %w", err)
		}

		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Redis) CleanupOldEntries(ctx context.Context, cutoff time.Time) (int, error) {
	removed, err := trimScript.Run(ctx, r.client,
		[]string{},
		r.cfg.Prefix+"events:*",
		strconv.FormatInt(cutoff.UnixNano(), 10),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis cleanup failed: %w", err)
	}
	return removed, nil
}

// WithLock runs fn while holding the named distributed lock,
// implementing Locker. The lock is released on all exit paths.
// Acquisition failures other than timeout and cancellation are tagged
// ErrBackendUnavailable; fn has not run when WithLock returns them.
func (r *Redis) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	lock := NewLock(r.client, r.lockKey(name), r.cfg.LockTTL, r.cfg.LockTimeout, r.cfg.LockRetryDelay)
	if err := lock.Acquire(ctx); err != nil {
		if errors.Is(err, ErrLockTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	defer lock.Release(context.WithoutCancel(ctx))

	return fn(ctx)
}

func (r *Redis) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func parseUsage(customerID string, fields map[string]string) (*Usage, error) {
	used, err := strconv.ParseInt(fields["daily_used"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt quota record for %s: %w", customerID, err)
	}
	peak, err := strconv.ParseInt(fields["peak_used"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt quota record for %s: %w", customerID, err)
	}
	start, err := strconv.ParseInt(fields["window_start"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt quota record for %s: %w", customerID, err)
	}

	return &Usage{
		CustomerID:  customerID,
		DailyUsed:   used,
		PeakUsed:    peak,
		WindowStart: time.Unix(0, start).UTC(),
	}, nil
}
