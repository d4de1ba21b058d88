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

// Package throttle implements the two admission primitives used by the
// delivery pipeline: time-windowed rate throttles and fixed-duration
// concurrency leases.
//
// Both primitives are keyed by opaque strings and run against an
// in-process backend by default. When a Redis connection is configured the
// same operations execute as atomic scripts against it, so every node of a
// cluster observes the same counters. The two rate throttle backends use
// different algorithms: the in-process one is a token bucket holding up to
// Limit tokens that refill evenly over Period, while the Redis one counts
// admissions in fixed windows of Period, so RetryAfter and the moment
// admissions resume differ between the modes.
package throttle

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

var (
	redisMu   sync.Mutex
	redisConn redis.UniversalClient
)

// ConfigureRedis switches both primitives to the shared backend. Passing
// nil reverts to the in-process backend.
func ConfigureRedis(client redis.UniversalClient) {
	redisMu.Lock()
	defer redisMu.Unlock()
	redisConn = client
}

func redisBackend() redis.UniversalClient {
	redisMu.Lock()
	defer redisMu.Unlock()
	return redisConn
}

// Spec is a rate limit: at most Limit admissions per Period.
//
// The textual form accepted in configuration files is "COUNT/PERIOD",
// e.g. "100/min" or "5/1s".
type Spec struct {
	Limit  int
	Period time.Duration
}

// ParseSpec parses the "COUNT/PERIOD" form.
func ParseSpec(s string) (Spec, error) {
	limitStr, periodStr, found := strings.Cut(s, "/")
	if !found {
		return Spec{}, fmt.Errorf("throttle: %q is not of the form COUNT/PERIOD", s)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
	if err != nil || limit <= 0 {
		return Spec{}, fmt.Errorf("throttle: bad count in %q", s)
	}
	periodStr = strings.TrimSpace(periodStr)
	switch periodStr {
	case "s", "sec", "second":
		periodStr = "1s"
	case "m", "min", "minute":
		periodStr = "1m"
	case "h", "hr", "hour":
		periodStr = "1h"
	case "d", "day":
		periodStr = "24h"
	}
	period, err := time.ParseDuration(periodStr)
	if err != nil || period <= 0 {
		return Spec{}, fmt.Errorf("throttle: bad period in %q", s)
	}
	return Spec{Limit: limit, Period: period}, nil
}

func (s Spec) String() string {
	return fmt.Sprintf("%d/%s", s.Limit, s.Period)
}

func (s Spec) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText lets the "COUNT/PERIOD" form appear directly in TOML and
// JSON configuration files.
func (s *Spec) UnmarshalText(text []byte) error {
	parsed, err := ParseSpec(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s *Spec) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("throttle: rate must be a COUNT/PERIOD string: %w", err)
	}
	return s.UnmarshalText([]byte(str))
}

func (s Spec) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Result reports the outcome of a throttle check.
type Result struct {
	Throttled bool

	// RetryAfter is how long the caller should wait before retrying, set
	// only when Throttled.
	RetryAfter time.Duration
}

var (
	memRatesMu sync.Mutex
	memRates   map[string]*rate.Limiter
)

// Throttle attempts to take one token for key. It never blocks: a denied
// admission is reported through Result.
func (s Spec) Throttle(ctx context.Context, key string) (Result, error) {
	if s.Limit <= 0 {
		return Result{}, nil
	}
	if conn := redisBackend(); conn != nil {
		return s.throttleRedis(ctx, conn, key)
	}
	return s.throttleMemory(key), nil
}

func (s Spec) throttleMemory(key string) Result {
	memRatesMu.Lock()
	if memRates == nil {
		memRates = make(map[string]*rate.Limiter)
	}
	lim, ok := memRates[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.Period/time.Duration(s.Limit)), s.Limit)
		memRates[key] = lim
	}
	memRatesMu.Unlock()

	reservation := lim.Reserve()
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return Result{Throttled: true, RetryAfter: delay}
	}
	return Result{}
}

// throttleScript implements a fixed window counter: the first admission of
// a window arms the expiry, later admissions check against the limit and
// report the remaining window time on overflow.
var throttleScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
if count > tonumber(ARGV[2]) then
  local ttl = redis.call("PTTL", KEYS[1])
  if ttl < 0 then
    ttl = tonumber(ARGV[1])
  end
  return ttl
end
return 0
`)

func (s Spec) throttleRedis(ctx context.Context, conn redis.UniversalClient, key string) (Result, error) {
	ttl, err := throttleScript.Run(ctx, conn,
		[]string{"throttle:" + key},
		s.Period.Milliseconds(), s.Limit).Int64()
	if err != nil {
		return Result{}, fmt.Errorf("throttle: redis: %w", err)
	}
	if ttl > 0 {
		return Result{Throttled: true, RetryAfter: time.Duration(ttl) * time.Millisecond}, nil
	}
	return Result{}, nil
}
