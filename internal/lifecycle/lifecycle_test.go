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

package lifecycle

import (
	"errors"
	"testing"
	"time"
)

func TestShutdownGating(t *testing.T) {
	Reset()
	Init()
	t.Cleanup(Reset)

	activity, err := Get("test work")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		WaitForShutdown()
		close(done)
	}()

	InitiateShutdown()

	if !IsShuttingDown() {
		t.Fatal("IsShuttingDown should report true")
	}

	// New activity is refused while draining.
	if _, err := Get("late work"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Get during drain: %v", err)
	}

	// The open activity holds the process alive.
	select {
	case <-done:
		t.Fatal("WaitForShutdown returned while an activity was open")
	case <-time.After(50 * time.Millisecond):
	}

	activity.Release()
	// Releasing twice is harmless.
	activity.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForShutdown did not return after the last release")
	}
}

func TestShutdownSubscription(t *testing.T) {
	Reset()
	Init()
	t.Cleanup(Reset)

	ch := ShutdownRequested()
	select {
	case <-ch:
		t.Fatal("shutdown channel closed prematurely")
	default:
	}

	InitiateShutdown()
	// Idempotent.
	InitiateShutdown()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("shutdown channel was not closed")
	}
}
