// Package arealock serializes scans of the same area across processes with a
// Redis lock.
package arealock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// DefaultTTL bounds how long a crashed holder can keep an area locked.
const DefaultTTL = 15 * time.Minute

const keyPrefix = "discovery:scan-lock:"

// ErrNotHeld is returned when releasing a lock that expired or was taken over.
var ErrNotHeld = eris.New("arealock: lock not held")

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Locker hands out per-area locks.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a Locker. ttl <= 0 uses DefaultTTL; it should exceed the scan
// timeout.
func New(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{client: client, ttl: ttl}
}

// Lock is TryAcquire with the lease reduced to its release func.
func (l *Locker) Lock(ctx context.Context, areaKey string) (func(context.Context) error, bool, error) {
	lease, ok, err := l.TryAcquire(ctx, areaKey)
	if err != nil || !ok {
		return nil, ok, err
	}
	return lease.Release, true, nil
}

// Lease is a held lock.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// TryAcquire takes the lock for areaKey without waiting. It returns
// acquired=false when another holder has it.
func (l *Locker) TryAcquire(ctx context.Context, areaKey string) (*Lease, bool, error) {
	key := keyPrefix + areaKey
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, eris.Wrapf(err, "arealock: acquire %s", areaKey)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{client: l.client, key: key, token: token}, true, nil
}

// Release deletes the lock if this lease still owns it.
func (ls *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, ls.client, []string{ls.key}, ls.token).Int()
	if err != nil {
		return eris.Wrapf(err, "arealock: release %s", ls.key)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Key returns the Redis key of the lease.
func (ls *Lease) Key() string {
	return ls.key
}
