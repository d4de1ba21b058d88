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
	"testing"
	"time"

	"github.com/KumoCorp/kumomta/internal/shaping"
)

func TestDelayForAttemptDoubling(t *testing.T) {
	config := DefaultConfig()
	config.RetryInterval = shaping.Duration(time.Minute)

	want := []time.Duration{
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
	}
	for attempt, expected := range want {
		if got := config.DelayForAttempt(attempt); got != expected {
			t.Errorf("DelayForAttempt(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestDelayForAttemptMonotonic(t *testing.T) {
	config := DefaultConfig()
	config.RetryInterval = shaping.Duration(17 * time.Second)

	prev := time.Duration(-1)
	for attempt := 0; attempt < 100; attempt++ {
		delay := config.DelayForAttempt(attempt)
		if delay < prev {
			t.Fatalf("DelayForAttempt(%d) = %v < previous %v", attempt, delay, prev)
		}
		if delay < 0 {
			t.Fatalf("DelayForAttempt(%d) overflowed: %v", attempt, delay)
		}
		prev = delay
	}
}

func TestDelayForAttemptCap(t *testing.T) {
	capValue := shaping.Duration(5 * time.Minute)
	config := DefaultConfig()
	config.RetryInterval = shaping.Duration(time.Minute)
	config.MaxRetryInterval = &capValue

	for attempt := 0; attempt < 20; attempt++ {
		if got := config.DelayForAttempt(attempt); got > capValue.Std() {
			t.Fatalf("DelayForAttempt(%d) = %v exceeds the cap", attempt, got)
		}
	}
	if got := config.DelayForAttempt(10); got != capValue.Std() {
		t.Errorf("expected the cap to be reached, got %v", got)
	}

	// Setting the cap equal to the base disables the growth entirely.
	flat := shaping.Duration(time.Minute)
	config.MaxRetryInterval = &flat
	for attempt := 0; attempt < 5; attempt++ {
		if got := config.DelayForAttempt(attempt); got != time.Minute {
			t.Errorf("DelayForAttempt(%d) = %v, want a flat minute", attempt, got)
		}
	}
}

func TestComputeDelayBasedOnAge(t *testing.T) {
	config := DefaultConfig()
	config.RetryInterval = shaping.Duration(time.Minute)
	config.MaxAge = shaping.Duration(10 * time.Minute)

	// Attempt 1: no prior delays accumulated, due immediately.
	if delay, ok := config.ComputeDelayBasedOnAge(1, 30*time.Second); !ok || delay != 0 {
		t.Errorf("attempt 1: delay=%v ok=%v", delay, ok)
	}

	// Attempt 3 accumulates 2m+4m=6m; with 1m of age the remaining wait
	// is 5m.
	if delay, ok := config.ComputeDelayBasedOnAge(3, time.Minute); !ok || delay != 5*time.Minute {
		t.Errorf("attempt 3: delay=%v ok=%v", delay, ok)
	}

	// Attempt 4 would accumulate 2m+4m+8m=14m >= max_age: expired.
	if _, ok := config.ComputeDelayBasedOnAge(4, time.Minute); ok {
		t.Error("attempt 4 should exceed max_age")
	}

	// Age at or past max_age expires regardless of attempts.
	if _, ok := config.ComputeDelayBasedOnAge(1, 10*time.Minute); ok {
		t.Error("age >= max_age should expire")
	}
}
