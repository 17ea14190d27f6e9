package cachering

import (
	"io"
	"log/slog"
	"time"
)

// options configures the Cache behavior (internal only).
type options struct {
	vnodeCount        int
	capacity          int
	replicationFactor int
	softTTLFraction   float64
	defaultTTL        time.Duration
	lockTTL           time.Duration
	lockWait          time.Duration
	pollInterval      time.Duration
	maxPollInterval   time.Duration
	releaseTimeout    time.Duration
	migrationTimeout  time.Duration
	migrationBackoff  time.Duration
	tombstoneTTL      time.Duration
	janitorInterval   time.Duration
	memberLeaseTTL    time.Duration
	renewalInterval   time.Duration
	refreshInterval   time.Duration
	logger            *slog.Logger
	now               func() time.Time
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	var (
		lockTTL        = 10 * time.Second
		memberLeaseTTL = 15 * time.Second
	)
	return options{
		vnodeCount:        128,
		capacity:          0,
		replicationFactor: 1,
		softTTLFraction:   0.9,
		defaultTTL:        5 * time.Minute,
		lockTTL:           lockTTL,
		lockWait:          lockTTL,
		pollInterval:      10 * time.Millisecond,
		maxPollInterval:   500 * time.Millisecond,
		releaseTimeout:    2 * time.Second,
		migrationTimeout:  30 * time.Second,
		migrationBackoff:  100 * time.Millisecond,
		tombstoneTTL:      time.Minute,
		janitorInterval:   time.Second,
		memberLeaseTTL:    memberLeaseTTL,
		renewalInterval:   memberLeaseTTL / 3,
		refreshInterval:   memberLeaseTTL / 2,
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:               time.Now,
	}
}

// Option is a functional option for configuring a Cache.
type Option func(*options)

// WithVirtualNodes sets the number of virtual nodes per unit of node weight.
// Values below 1 keep the default of 128.
func WithVirtualNodes(count int) Option {
	return func(o *options) {
		if count > 0 {
			o.vnodeCount = count
		}
	}
}

// WithCapacity bounds the number of live entries each in-process node store
// holds before evicting. Zero means unbounded.
// DEFAULT: 0
func WithCapacity(entries int) Option {
	return func(o *options) {
		if entries >= 0 {
			o.capacity = entries
		}
	}
}

// WithReplicationFactor sets how many distinct nodes Locate reports (owner included).
func WithReplicationFactor(factor int) Option {
	return func(o *options) {
		if factor > 0 {
			o.replicationFactor = factor
		}
	}
}

// WithSoftTTLFraction sets the fraction of an entry's TTL after which reads
// trigger a background refresh. Must be in (0, 1]; other values are ignored.
func WithSoftTTLFraction(fraction float64) Option {
	return func(o *options) {
		if fraction > 0 && fraction <= 1 {
			o.softTTLFraction = fraction
		}
	}
}

// WithDefaultTTL sets the TTL of entries filled from the origin.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.defaultTTL = ttl
		}
	}
}

// WithLockTTL sets the TTL of stampede locks. It also resets the lock wait
// deadline to the same value.
func WithLockTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.lockTTL = ttl
			o.lockWait = ttl
		}
	}
}

// WithLockWait bounds how long a caller waits for another lock holder to
// populate the cache before fetching directly.
func WithLockWait(wait time.Duration) Option {
	return func(o *options) {
		if wait > 0 {
			o.lockWait = wait
		}
	}
}

// WithPollInterval sets the initial and maximum poll backoff used while waiting on another holder.
func WithPollInterval(initial, maxInterval time.Duration) Option {
	return func(o *options) {
		if initial > 0 {
			o.pollInterval = initial
		}
		if maxInterval >= o.pollInterval {
			o.maxPollInterval = maxInterval
		}
	}
}

// WithMigrationTimeout bounds how long a range stays migrating before routing flips anyway.
func WithMigrationTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.migrationTimeout = timeout
		}
	}
}

// WithMemberLeaseTTL sets the discovery lease time-to-live duration.
func WithMemberLeaseTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.memberLeaseTTL = ttl
			o.renewalInterval = ttl / 3
			o.refreshInterval = ttl / 2
		}
	}
}

// WithLogger sets the logger for the cache.
// If the logger is nil, the cache will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}

// withClock replaces the time source (tests only).
func withClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// softTTL returns the portion of ttl after which an entry is refreshed ahead.
func (o options) softTTL(ttl time.Duration) time.Duration {
	return time.Duration(float64(ttl) * o.softTTLFraction)
}
