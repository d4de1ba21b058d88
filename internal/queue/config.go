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

package queue

import (
	"math"
	"time"

	"github.com/KumoCorp/kumomta/internal/shaping"
	"github.com/KumoCorp/kumomta/internal/throttle"
)

// Strategy selects the scheduling structure of a queue.
type Strategy string

const (
	// StrategyTimerWheel is the default: one timer goroutine per queue
	// over an unordered slot list.
	StrategyTimerWheel Strategy = "TimerWheel"
)

// Config tunes one scheduled queue. It is re-fetched from the policy layer
// every refresh_interval.
type Config struct {
	// RetryInterval is the base of the exponential backoff.
	RetryInterval shaping.Duration `json:"retry_interval,omitempty" toml:"retry_interval"`

	// MaxRetryInterval caps the computed interval. Setting it equal to
	// RetryInterval disables the exponential growth.
	MaxRetryInterval *shaping.Duration `json:"max_retry_interval,omitempty" toml:"max_retry_interval"`

	// MaxAge limits how long a message can remain queued.
	MaxAge shaping.Duration `json:"max_age,omitempty" toml:"max_age"`

	// EgressPool names the source pool used when delivering these
	// messages.
	EgressPool string `json:"egress_pool,omitempty" toml:"egress_pool"`

	// MaxMessageRate bounds the flow from this scheduled queue into the
	// ready queue.
	MaxMessageRate *throttle.Spec `json:"max_message_rate,omitempty" toml:"max_message_rate"`

	// Protocol selects the delivery path: "Smtp" (default) or "Maildir".
	Protocol string `json:"protocol,omitempty" toml:"protocol"`

	// MaildirPath is the target directory for the Maildir protocol.
	MaildirPath string `json:"maildir_path,omitempty" toml:"maildir_path"`

	// ReapInterval is how long the queue may sit idle before it is
	// dropped from memory.
	ReapInterval shaping.Duration `json:"reap_interval,omitempty" toml:"reap_interval"`

	// RefreshInterval is how often the config is re-fetched.
	RefreshInterval shaping.Duration `json:"refresh_interval,omitempty" toml:"refresh_interval"`

	Strategy Strategy `json:"strategy,omitempty" toml:"strategy"`

	// ProviderName overrides the provider derived from the site name in
	// metrics rollups.
	ProviderName string `json:"provider_name,omitempty" toml:"provider_name"`

	// ShrinkPolicy lists memory reduction steps applied to resident
	// messages after the given idle interval under memory pressure.
	ShrinkPolicy []shaping.ShrinkPolicyEntry `json:"shrink_policy,omitempty" toml:"shrink_policy"`
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		RetryInterval:   shaping.Duration(20 * time.Minute),
		MaxAge:          shaping.Duration(7 * 24 * time.Hour),
		Protocol:        "Smtp",
		ReapInterval:    shaping.Duration(10 * time.Minute),
		RefreshInterval: shaping.Duration(time.Minute),
		Strategy:        StrategyTimerWheel,
	}
}

// maxDelay bounds the backoff math against 64-bit overflow.
const maxDelay = time.Duration(math.MaxInt64 / 2)

// DelayForAttempt computes the backoff delay scheduled after the given
// attempt number:
//
//	min(retry_interval * 2^attempt, max_retry_interval)
//
// The shift saturates, so very large attempt numbers stay finite.
func (c *Config) DelayForAttempt(attempt int) time.Duration {
	delay := c.RetryInterval.Std()
	if delay <= 0 {
		delay = 20 * time.Minute
	}

	if attempt >= 62 || delay > maxDelay>>uint(attempt) {
		delay = maxDelay
	} else {
		delay <<= uint(attempt)
	}

	if c.MaxRetryInterval != nil && delay > c.MaxRetryInterval.Std() {
		delay = c.MaxRetryInterval.Std()
	}
	return delay
}

// ComputeDelayBasedOnAge computes the delay from now until attempt number
// numAttempts (1-based) is due for a message of the given age. ok is false
// when the accumulated schedule meets or exceeds max_age: the message has
// expired and must not be re-queued.
func (c *Config) ComputeDelayBasedOnAge(numAttempts int, age time.Duration) (delay time.Duration, ok bool) {
	maxAge := c.MaxAge.Std()
	if age >= maxAge {
		return 0, false
	}

	// Accumulate the delays of attempts made so far to find the absolute
	// offset of the next attempt from the reception time.
	var overall time.Duration
	for i := 1; i < numAttempts; i++ {
		overall += c.DelayForAttempt(i)
		if overall >= maxAge {
			return 0, false
		}
	}

	if overall >= maxAge {
		return 0, false
	}

	delay = overall - age
	if delay < 0 {
		delay = 0
	}
	return delay, true
}
