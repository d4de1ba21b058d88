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

// Package policy is the seam between the engine and the operator's policy
// layer.
//
// The engine raises named events ("get_queue_config",
// "should_enqueue_log_record", ...) and expects a value of the documented
// type in return. Events with no registered handler are silently ignored.
// The engine does not assume the policy layer is dynamic; it only assumes
// the layer is observable and answers within a deadline.
package policy

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Handler answers one named event. The args and return types are part of
// each event's documented contract.
type Handler func(ctx context.Context, args ...interface{}) (interface{}, error)

// ErrReentrantRegister is returned when Register is called from inside a
// handler. The policy layer is single-writer per event registration.
var ErrReentrantRegister = errors.New("policy: cannot register handlers from within a handler")

// DefaultDeadline bounds every handler invocation that does not inherit a
// tighter context.
const DefaultDeadline = 5 * time.Second

type registry struct {
	mu          sync.Mutex
	handlers    map[string]Handler
	dispatching int
}

var global = &registry{handlers: map[string]Handler{}}

// Register installs the handler for an event, replacing any previous one.
func Register(event string, handler Handler) error {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.dispatching != 0 {
		return ErrReentrantRegister
	}
	global.handlers[event] = handler
	return nil
}

// Unregister removes the handler for an event.
func Unregister(event string) error {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.dispatching != 0 {
		return ErrReentrantRegister
	}
	delete(global.handlers, event)
	return nil
}

// Fire invokes the handler registered for the event. handled is false when
// no handler is registered, which callers must treat as "use the default
// behavior".
func Fire(ctx context.Context, event string, args ...interface{}) (result interface{}, handled bool, err error) {
	global.mu.Lock()
	handler, ok := global.handlers[event]
	if !ok {
		global.mu.Unlock()
		return nil, false, nil
	}
	global.dispatching++
	global.mu.Unlock()

	defer func() {
		global.mu.Lock()
		global.dispatching--
		global.mu.Unlock()
	}()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDeadline)
		defer cancel()
	}

	result, err = handler(ctx, args...)
	return result, true, err
}

// ResetForTest clears all registrations.
func ResetForTest() {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.handlers = map[string]Handler{}
	global.dispatching = 0
}
