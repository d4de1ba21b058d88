/*
Kumo MTA - High-throughput outbound SMTP mail transfer agent.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Kumo MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNonExistentLease is returned by Extend for a lease that has been
// released or has already expired.
var ErrNonExistentLease = errors.New("throttle: lease does not exist")

// TooManyLeasesError reports that the limit is fully subscribed.
// RetryAfter is the interval until the earliest existing lease expires.
type TooManyLeasesError struct {
	RetryAfter time.Duration
}

func (err TooManyLeasesError) Error() string {
	return fmt.Sprintf("throttle: too many leases, next expires in %v", err.RetryAfter)
}

func (TooManyLeasesError) Temporary() bool {
	return true
}

// LimitSpec bounds concurrency for a key: at most Limit outstanding leases,
// each held for at most Duration before it expires on its own.
type LimitSpec struct {
	Limit    int           `json:"limit" toml:"limit"`
	Duration time.Duration `json:"duration" toml:"duration"`
}

type backendKind int

const (
	backendMemory backendKind = iota
	backendRedis
)

// Lease is one unit of admitted concurrency. It must be released when the
// guarded operation completes; a lease that is abandoned without Release
// expires after its duration, so a crashed holder cannot wedge the limit
// forever.
type Lease struct {
	key     string
	id      uuid.UUID
	backend backendKind

	mu    sync.Mutex
	armed bool
}

// AcquireLease attempts to take a lease for key.
func (s LimitSpec) AcquireLease(ctx context.Context, key string) (*Lease, error) {
	if conn := redisBackend(); conn != nil {
		return s.acquireLeaseRedis(ctx, conn, key)
	}
	return s.acquireLeaseMemory(key)
}

// Release returns the lease. Releasing twice is a no-op.
func (l *Lease) Release(ctx context.Context) {
	l.mu.Lock()
	if !l.armed {
		l.mu.Unlock()
		return
	}
	l.armed = false
	l.mu.Unlock()

	switch l.backend {
	case backendMemory:
		l.releaseMemory()
	case backendRedis:
		if conn := redisBackend(); conn != nil {
			conn.ZRem(ctx, leaseKey(l.key), l.id.String())
		}
	}
}

// ReleaseDeferred releases the lease asynchronously. It exists for exit
// paths that must not block, e.g. dropping a lease while handling another
// failure.
func (l *Lease) ReleaseDeferred() {
	l.mu.Lock()
	if !l.armed {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.Release(ctx)
	}()
}

// Extend pushes the expiry of a held lease out to now+duration. It fails
// with ErrNonExistentLease if the lease has been released or expired.
func (l *Lease) Extend(ctx context.Context, duration time.Duration) error {
	l.mu.Lock()
	armed := l.armed
	l.mu.Unlock()
	if !armed {
		return ErrNonExistentLease
	}

	switch l.backend {
	case backendMemory:
		return l.extendMemory(duration)
	case backendRedis:
		conn := redisBackend()
		if conn == nil {
			return errors.New("throttle: lease backend is redis but redis is not configured")
		}
		return l.extendRedis(ctx, conn, duration)
	}
	return nil
}

// --- memory backend ---

type leaseSet struct {
	members map[uuid.UUID]time.Time
}

func (set *leaseSet) expireOld(now time.Time) {
	for id, expiry := range set.members {
		if !expiry.After(now) {
			delete(set.members, id)
		}
	}
}

var (
	memLeasesMu sync.Mutex
	memLeases   map[string]*leaseSet
)

func (s LimitSpec) acquireLeaseMemory(key string) (*Lease, error) {
	memLeasesMu.Lock()
	defer memLeasesMu.Unlock()

	if memLeases == nil {
		memLeases = make(map[string]*leaseSet)
	}
	set, ok := memLeases[key]
	if !ok {
		set = &leaseSet{members: map[uuid.UUID]time.Time{}}
		memLeases[key] = set
	}

	now := time.Now()
	set.expireOld(now)

	if len(set.members)+1 > s.Limit {
		minExpiry := time.Time{}
		for _, expiry := range set.members {
			if minExpiry.IsZero() || expiry.Before(minExpiry) {
				minExpiry = expiry
			}
		}
		return nil, TooManyLeasesError{RetryAfter: minExpiry.Sub(now)}
	}

	id := uuid.New()
	set.members[id] = now.Add(s.Duration)
	return &Lease{key: key, id: id, backend: backendMemory, armed: true}, nil
}

func (l *Lease) releaseMemory() {
	memLeasesMu.Lock()
	defer memLeasesMu.Unlock()
	if set, ok := memLeases[l.key]; ok {
		delete(set.members, l.id)
	}
}

func (l *Lease) extendMemory(duration time.Duration) error {
	memLeasesMu.Lock()
	defer memLeasesMu.Unlock()
	set, ok := memLeases[l.key]
	if !ok {
		return ErrNonExistentLease
	}
	set.expireOld(time.Now())
	if _, ok := set.members[l.id]; !ok {
		return ErrNonExistentLease
	}
	set.members[l.id] = time.Now().Add(duration)
	return nil
}

// --- redis backend ---

func leaseKey(key string) string {
	return "lease:" + key
}

// acquireScript prunes expired members, counts the active window and
// inserts only if under the limit, returning either OK or the remaining
// seconds of the soonest-expiring member.
var acquireScript = redis.NewScript(`
local now_ts = tonumber(ARGV[1])
local expires_ts = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local uuid = ARGV[4]
local tomorrow_ts = now_ts + 86400

redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, now_ts-1)

local count = redis.call("ZCOUNT", KEYS[1], now_ts, tomorrow_ts)
if count + 1 > limit then
  local smallest = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "+inf", "WITHSCORES", "LIMIT", 0, 1)
  return smallest[2] - now_ts
end
redis.call("ZADD", KEYS[1], "NX", expires_ts, uuid)
return redis.status_reply('OK')
`)

func (s LimitSpec) acquireLeaseRedis(ctx context.Context, conn redis.UniversalClient, key string) (*Lease, error) {
	now := time.Now().Unix()
	id := uuid.New()

	result, err := acquireScript.Run(ctx, conn,
		[]string{leaseKey(key)},
		now, now+int64(s.Duration.Seconds()), s.Limit, id.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("throttle: redis: %w", err)
	}

	switch value := result.(type) {
	case string:
		return &Lease{key: key, id: id, backend: backendRedis, armed: true}, nil
	case int64:
		return nil, TooManyLeasesError{RetryAfter: time.Duration(value) * time.Second}
	default:
		return nil, fmt.Errorf("throttle: acquire script returned unexpected %T", result)
	}
}

func (l *Lease) extendRedis(ctx context.Context, conn redis.UniversalClient, duration time.Duration) error {
	expires := time.Now().Add(duration).Unix()

	// XX: only update an existing member; CH: report whether we did.
	changed, err := conn.ZAddArgs(ctx, leaseKey(l.key), redis.ZAddArgs{
		XX: true,
		Ch: true,
		Members: []redis.Z{
			{Score: float64(expires), Member: l.id.String()},
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("throttle: redis: %w", err)
	}
	if changed != 1 {
		// CH also reports 0 when the member exists with an identical score;
		// only report a missing lease if it is actually gone.
		if err := conn.ZScore(ctx, leaseKey(l.key), l.id.String()).Err(); err != nil {
			return ErrNonExistentLease
		}
	}
	return nil
}
