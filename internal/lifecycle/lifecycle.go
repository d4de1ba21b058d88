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

// Package lifecycle manages the life cycle of the server process and helps
// to shut things down gracefully.
//
// Graceful shutdown has two stages: first the shutdown signal is broadcast,
// flipping the process into the draining state where new work is refused;
// then the process waits for every outstanding Activity to be released
// before the final teardown runs.
package lifecycle

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrShuttingDown is returned when new work is rejected because the process
// is draining.
var ErrShuttingDown = errors.New("shutting down")

type state struct {
	mu           sync.Mutex
	initialized  bool
	shuttingDown bool

	// Broadcast channel closed when shutdown begins.
	shutdownCh chan struct{}

	// Open activities by id; the label is kept for diagnostics of a stuck
	// shutdown.
	active map[uuid.UUID]string

	// Signalled when active becomes empty while draining.
	idle chan struct{}
}

var proc = &state{}

// Init prepares the global life cycle state. It must be called exactly once,
// before any Activity is requested.
func Init() {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.initialized {
		panic("lifecycle: double Init")
	}
	proc.initialized = true
	proc.shutdownCh = make(chan struct{})
	proc.active = make(map[uuid.UUID]string)
	proc.idle = make(chan struct{}, 1)
}

// Activity represents some work which cannot be ruthlessly interrupted.
// While any Activity instances are alive, WaitForShutdown cannot complete.
type Activity struct {
	id       uuid.UUID
	released bool
	mu       sync.Mutex
}

// Get obtains an Activity instance. It returns ErrShuttingDown if the
// process is draining and no new activity can be initiated.
func Get(label string) (*Activity, error) {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if !proc.initialized || proc.shuttingDown {
		return nil, ErrShuttingDown
	}
	id := uuid.New()
	proc.active[id] = label
	return &Activity{id: id}, nil
}

// Release marks the activity as finished. Releasing twice is a no-op.
func (a *Activity) Release() {
	if a == nil {
		return
	}
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	a.mu.Unlock()

	proc.mu.Lock()
	delete(proc.active, a.id)
	drained := proc.shuttingDown && len(proc.active) == 0
	proc.mu.Unlock()

	if drained {
		select {
		case proc.idle <- struct{}{}:
		default:
		}
	}
}

// IsShuttingDown reports whether shutdown has been initiated.
func IsShuttingDown() bool {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	return proc.shuttingDown
}

// ShutdownRequested returns a channel that is closed when shutdown begins.
// Idling code should select on it alongside its timers.
func ShutdownRequested() <-chan struct{} {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	return proc.shutdownCh
}

// InitiateShutdown flips the process into the draining state and wakes all
// shutdown subscribers. Calling it more than once is harmless.
func InitiateShutdown() {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if !proc.initialized || proc.shuttingDown {
		return
	}
	proc.shuttingDown = true
	close(proc.shutdownCh)
	if len(proc.active) == 0 {
		select {
		case proc.idle <- struct{}{}:
		default:
		}
	}
}

// WaitForShutdown blocks until shutdown has been initiated and the last
// Activity has been released.
func WaitForShutdown() {
	<-ShutdownRequested()
	for {
		proc.mu.Lock()
		done := len(proc.active) == 0
		proc.mu.Unlock()
		if done {
			return
		}
		<-proc.idle
	}
}

// ActiveLabels returns the labels of currently open activities, for
// diagnosing a shutdown that will not complete.
func ActiveLabels() []string {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	labels := make([]string, 0, len(proc.active))
	for _, label := range proc.active {
		labels = append(labels, label)
	}
	return labels
}

// Reset clears the global state. It exists for tests only.
func Reset() {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	proc.initialized = false
	proc.shuttingDown = false
	proc.shutdownCh = nil
	proc.active = nil
	proc.idle = nil
}
