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

// Package spool implements content-addressed durable storage for message
// data and metadata.
//
// A message that is visible to the engine always has a corresponding spool
// entry until it is deliberately removed after its final disposition.
package spool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is reported by Load and Remove for ids that are not present.
var ErrNotFound = errors.New("spool: no such entry")

// Entry is produced by Enumerate for every persisted id. Unreadable entries
// are reported as corrupt instead of aborting the enumeration.
type Entry struct {
	ID   ID
	Data []byte

	// Err is set for corrupt entries; Data is nil then.
	Err error
}

// Store is a single logical key-value store. The engine maintains two: one
// for message data and one for metadata.
type Store interface {
	// Store persists data under id. The write is atomic: a concurrent
	// reader observes either the full value or ErrNotFound.
	Store(ctx context.Context, id ID, data []byte) error

	// Load returns the exact bytes previously stored under id.
	Load(ctx context.Context, id ID) ([]byte, error)

	// Remove deletes the entry. Removing an absent id fails with
	// ErrNotFound.
	Remove(ctx context.Context, id ID) error

	// Enumerate visits every currently-persisted id at least once, sending
	// entries to ch and closing it when done. It need not reflect
	// concurrent mutations.
	Enumerate(ch chan<- Entry) error

	// Cleanup removes empty shard directories left behind by Remove.
	Cleanup(ctx context.Context) error

	Close() error
}

// Kind names one of the two logical stores.
type Kind string

const (
	Data Kind = "data"
	Meta Kind = "meta"
)

var (
	registryMu sync.Mutex
	registry   map[Kind]Store
)

// Register installs the process-wide stores. It must be called exactly once
// before messages are created.
func Register(data, meta Store) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if registry != nil {
		return errors.New("spool: stores already registered")
	}
	registry = map[Kind]Store{Data: data, Meta: meta}
	return nil
}

// Get returns the registered store of the given kind.
func Get(kind Kind) (Store, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	store, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("spool: %s store is not registered", kind)
	}
	return store, nil
}

// Shutdown closes the registered stores and clears the registry.
func Shutdown() error {
	registryMu.Lock()
	defer registryMu.Unlock()
	var lastErr error
	for _, store := range registry {
		if err := store.Close(); err != nil {
			lastErr = err
		}
	}
	registry = nil
	return lastErr
}
