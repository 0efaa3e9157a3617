// Package scheduler polls due producer schedules and fires triggers onto
// the dispatch bus.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const leaseKey = "stoke:scheduler:lease"

// Lease is a single-holder lock over Redis so only one scheduler instance
// fires triggers at a time.
type Lease struct {
	client *redis.Client
	holder string
	ttl    time.Duration
}

// NewLease creates a lease bound to the given holder id.
func NewLease(client *redis.Client, holder string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	return &Lease{client: client, holder: holder, ttl: ttl}
}

// Acquire takes or refreshes the lease. It returns false when another
// holder owns it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, leaseKey, l.holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire scheduler lease: %w", err)
	}

	if ok {
		return true, nil
	}

	current, err := l.client.Get(ctx, leaseKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read scheduler lease: %w", err)
	}

	if current != l.holder {
		return false, nil
	}

	// Refresh our own lease.
	if err := l.client.Expire(ctx, leaseKey, l.ttl).Err(); err != nil {
		return false, fmt.Errorf("failed to refresh scheduler lease: %w", err)
	}

	return true, nil
}

// Release gives the lease up if this holder owns it.
func (l *Lease) Release(ctx context.Context) error {
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`

	if err := l.client.Eval(ctx, script, []string{leaseKey}, l.holder).Err(); err != nil {
		return fmt.Errorf("failed to release scheduler lease: %w", err)
	}

	return nil
}
