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

// Package message implements the in-memory handle over spool-backed message
// state.
//
// Both the RFC 5322 data and the metadata can be unloaded to reduce memory
// usage and re-hydrated from the spool on demand. A message is exclusively
// owned by whichever queue currently references it; ownership transfers on
// enqueue/dequeue. Shared read-only access is permitted for logging.
package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/KumoCorp/kumomta/internal/spool"
)

// ErrDirty is returned by UnloadData/UnloadMeta when there are unsaved
// modifications. Call Save first.
var ErrDirty = errors.New("message: refusing to unload unsaved state")

// metaBlock is the JSON form persisted in the meta spool store.
type metaBlock struct {
	Sender      string                     `json:"sender"`
	Recipients  []string                   `json:"recipients"`
	Created     time.Time                  `json:"created"`
	NumAttempts int                        `json:"num_attempts"`
	Due         *time.Time                 `json:"due,omitempty"`
	Meta        map[string]json.RawMessage `json:"meta"`
}

// Message is the handle over one spooled message.
//
// The zero value is not usable; construct with New or LoadFromSpool.
type Message struct {
	id spool.ID

	mu sync.Mutex

	data       []byte
	dataLoaded bool
	dataDirty  bool

	meta       *metaBlock
	metaLoaded bool
	metaDirty  bool
}

// New creates a message handle with both parts loaded and dirty. Nothing is
// written to the spool until Save is called.
func New(sender string, recipients []string, data []byte) *Message {
	return &Message{
		id:         spool.NewID(),
		data:       data,
		dataLoaded: true,
		dataDirty:  true,
		meta: &metaBlock{
			Sender:     sender,
			Recipients: append([]string(nil), recipients...),
			Created:    time.Now().UTC(),
			Meta:       map[string]json.RawMessage{},
		},
		metaLoaded: true,
		metaDirty:  true,
	}
}

// LoadFromSpool returns an unloaded handle for an id that is known to exist
// in the spool, e.g. during the spool-in phase at startup.
func LoadFromSpool(id spool.ID) *Message {
	return &Message{id: id}
}

// ID is immutable for the lifetime of the message.
func (m *Message) ID() spool.ID {
	return m.id
}

func (m *Message) loadMetaLocked(ctx context.Context) error {
	if m.metaLoaded {
		return nil
	}
	store, err := spool.Get(spool.Meta)
	if err != nil {
		return err
	}
	raw, err := store.Load(ctx, m.id)
	if err != nil {
		return err
	}
	meta := &metaBlock{}
	if err := json.Unmarshal(raw, meta); err != nil {
		return fmt.Errorf("message: corrupt metadata for %v: %w", m.id, err)
	}
	if meta.Meta == nil {
		meta.Meta = map[string]json.RawMessage{}
	}
	m.meta = meta
	m.metaLoaded = true
	return nil
}

// LoadMetaIfNeeded hydrates the metadata from the spool unless it is
// already resident.
func (m *Message) LoadMetaIfNeeded(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadMetaLocked(ctx)
}

// LoadDataIfNeeded hydrates the message data from the spool unless it is
// already resident.
func (m *Message) LoadDataIfNeeded(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dataLoaded {
		return nil
	}
	store, err := spool.Get(spool.Data)
	if err != nil {
		return err
	}
	data, err := store.Load(ctx, m.id)
	if err != nil {
		return err
	}
	m.data = data
	m.dataLoaded = true
	return nil
}

// Save writes any dirty parts to the spool.
func (m *Message) Save(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dataDirty {
		store, err := spool.Get(spool.Data)
		if err != nil {
			return err
		}
		if err := store.Store(ctx, m.id, m.data); err != nil {
			return err
		}
		m.dataDirty = false
	}
	if m.metaDirty {
		store, err := spool.Get(spool.Meta)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(m.meta)
		if err != nil {
			return err
		}
		if err := store.Store(ctx, m.id, raw); err != nil {
			return err
		}
		m.metaDirty = false
	}
	return nil
}

// UnloadData drops the resident data blob. Dirty data cannot be unloaded.
func (m *Message) UnloadData() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dataDirty {
		return ErrDirty
	}
	m.data = nil
	m.dataLoaded = false
	return nil
}

// UnloadMeta drops the resident metadata. Dirty metadata cannot be
// unloaded.
func (m *Message) UnloadMeta() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metaDirty {
		return ErrDirty
	}
	m.meta = nil
	m.metaLoaded = false
	return nil
}

// IsDataLoaded reports whether the data blob is resident.
func (m *Message) IsDataLoaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dataLoaded
}

// IsMetaLoaded reports whether the metadata is resident.
func (m *Message) IsMetaLoaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metaLoaded
}

// RemoveFromSpool deletes both parts after the final disposition of the
// message. Absent parts are ignored: a message created but never saved has
// nothing to remove.
func (m *Message) RemoveFromSpool(ctx context.Context) error {
	var lastErr error
	for _, kind := range []spool.Kind{spool.Data, spool.Meta} {
		store, err := spool.Get(kind)
		if err != nil {
			return err
		}
		if err := store.Remove(ctx, m.id); err != nil && !errors.Is(err, spool.ErrNotFound) {
			lastErr = err
		}
	}
	return lastErr
}

func (m *Message) mustMeta() *metaBlock {
	if !m.metaLoaded {
		panic("message: metadata accessed while unloaded")
	}
	return m.meta
}

// Data returns the resident message data. LoadDataIfNeeded must have been
// called (or the message constructed loaded).
func (m *Message) Data() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dataLoaded {
		panic("message: data accessed while unloaded")
	}
	return m.data
}

func (m *Message) SetData(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	m.dataLoaded = true
	m.dataDirty = true
}

func (m *Message) Sender() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mustMeta().Sender
}

// Recipients returns the recipients the next delivery attempt should cover.
func (m *Message) Recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.mustMeta().Recipients...)
}

// SetRecipients narrows the recipient set, e.g. after a partial delivery.
func (m *Message) SetRecipients(recipients []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustMeta().Recipients = append([]string(nil), recipients...)
	m.metaDirty = true
}

func (m *Message) Created() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mustMeta().Created
}

// Age is the time elapsed since the message was received.
func (m *Message) Age(now time.Time) time.Duration {
	age := now.Sub(m.Created())
	if age < 0 {
		return 0
	}
	return age
}

func (m *Message) NumAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mustMeta().NumAttempts
}

func (m *Message) IncrementAttempts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustMeta().NumAttempts++
	m.metaDirty = true
}

// Due returns the explicit next-attempt time, if one was assigned.
func (m *Message) Due() *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := m.mustMeta().Due
	if due == nil {
		return nil
	}
	copied := *due
	return &copied
}

func (m *Message) SetDue(due *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustMeta().Due = due
	m.metaDirty = true
}

// SetMeta stores a JSON-serializable value under key.
func (m *Message) SetMeta(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustMeta().Meta[key] = raw
	m.metaDirty = true
	return nil
}

// GetMeta decodes the value stored under key into out. It returns false if
// the key is absent.
func (m *Message) GetMeta(key string, out interface{}) (bool, error) {
	m.mu.Lock()
	raw, ok := m.mustMeta().Meta[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

// GetMetaString coerces the value under key to a string. Numbers and
// booleans are rendered with their JSON representation; absent keys produce
// an empty string.
func (m *Message) GetMetaString(key string) (string, error) {
	m.mu.Lock()
	raw, ok := m.mustMeta().Meta[key]
	m.mu.Unlock()
	if !ok {
		return "", nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}
	var other interface{}
	if err := json.Unmarshal(raw, &other); err != nil {
		return "", err
	}
	switch other.(type) {
	case map[string]interface{}, []interface{}:
		return "", fmt.Errorf("message: meta key %q is not a scalar", key)
	}
	return strings.TrimSpace(string(raw)), nil
}

func (m *Message) UnsetMeta(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mustMeta().Meta, key)
	m.metaDirty = true
}

// MetaBool is a helper for flag-style metadata.
func (m *Message) MetaBool(key string) bool {
	var flag bool
	ok, err := m.GetMeta(key, &flag)
	return ok && err == nil && flag
}
