// Package lock provides Redis-backed fencing-token locks: one per asset's
// round (taken when a round starts, so a second round for the same asset
// cannot start while it is held) and one per order id (serializing
// concurrent placements of the same order).
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when Release or Extend is called with a token that
// does not match (or no longer matches) the holder recorded in Redis.
var ErrNotHeld = errors.New("lock: not held by this token")

// ErrAlreadyLocked is returned when Acquire fails because another holder
// already owns the key.
var ErrAlreadyLocked = errors.New("lock: already held")

const (
	// RoundLockTTL bounds how long a round's critical section may run
	// before the lock is considered abandoned and reclaimable.
	RoundLockTTL = 5 * time.Second

	// OrderLockTTL bounds a single bet-placement critical section.
	OrderLockTTL = 30 * time.Second
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Manager acquires and releases fencing-token locks over a shared Redis
// client. Every lock holder must present the exact token it was issued in
// order to release or extend the lock, so a client that out-lived its TTL
// can never release a lock some other holder has since acquired.
type Manager struct {
	client *redis.Client
}

func New(client *redis.Client) *Manager {
	return &Manager{client: client}
}

func roundKey(asset string) string {
	return fmt.Sprintf("lock:round:%s", asset)
}

func orderKey(orderID string) string {
	return fmt.Sprintf("lock:order:%s", orderID)
}

// acquire issues a fresh fencing token and SET NX PX's it under key.
func (m *Manager) acquire(ctx context.Context, key string, ttl time.Duration) (token string, err error) {
	token = uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("lock acquire %s: %w", key, err)
	}
	if !ok {
		return "", ErrAlreadyLocked
	}
	return token, nil
}

func (m *Manager) release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, m.client, []string{key}, token).Int64()
	if err != nil {
		return fmt.Errorf("lock release %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (m *Manager) extend(ctx context.Context, key, token string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, m.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("lock extend %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// AcquireRound acquires the per-asset round lock. It expires after
// RoundLockTTL unless renewed with ExtendRound.
func (m *Manager) AcquireRound(ctx context.Context, asset string) (token string, err error) {
	return m.acquire(ctx, roundKey(asset), RoundLockTTL)
}

func (m *Manager) ReleaseRound(ctx context.Context, asset, token string) error {
	return m.release(ctx, roundKey(asset), token)
}

func (m *Manager) ExtendRound(ctx context.Context, asset, token string) error {
	return m.extend(ctx, roundKey(asset), token, RoundLockTTL)
}

// AcquireOrder acquires the per-order lock that serializes a single bet
// placement against a concurrent retry of the same request.
func (m *Manager) AcquireOrder(ctx context.Context, orderID string) (token string, err error) {
	return m.acquire(ctx, orderKey(orderID), OrderLockTTL)
}

func (m *Manager) ReleaseOrder(ctx context.Context, orderID, token string) error {
	return m.release(ctx, orderKey(orderID), token)
}
