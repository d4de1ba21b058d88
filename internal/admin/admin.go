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

// Package admin holds the process-wide registries for runtime operator
// overrides: bounce, suspend, ready-queue suspend and rebind directives.
//
// Overrides are matched against messages as they enter a scheduled queue.
// A nil predicate field matches any message; a set field requires exact
// equality with the corresponding queue name component.
package admin

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KumoCorp/kumomta/internal/message"
)

// Entry is one override directive.
type Entry struct {
	ID uuid.UUID `json:"id"`

	Campaign      *string `json:"campaign,omitempty"`
	Tenant        *string `json:"tenant,omitempty"`
	Domain        *string `json:"domain,omitempty"`
	RoutingDomain *string `json:"routing_domain,omitempty"`

	Reason  string    `json:"reason"`
	Expires time.Time `json:"expires"`

	// SuppressLogging skips per-message AdminBounce records for bulk
	// operations whose volume would swamp the log stream.
	SuppressLogging bool `json:"suppress_logging,omitempty"`

	// RebindTo holds the metadata rewrites applied by a rebind directive.
	RebindTo map[string]string `json:"rebind_to,omitempty"`

	mu   sync.Mutex
	hits map[string]int64
}

// Matches evaluates the predicate fields against the queue components.
func (e *Entry) Matches(c message.QueueNameComponents) bool {
	match := func(predicate *string, value string) bool {
		return predicate == nil || *predicate == value
	}
	return match(e.Campaign, c.Campaign) &&
		match(e.Tenant, c.Tenant) &&
		match(e.Domain, c.Domain) &&
		match(e.RoutingDomain, c.RoutingDomain)
}

// Expired reports whether the directive is past its expiry.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.Expires)
}

// RemainingDuration is how long the directive still applies.
func (e *Entry) RemainingDuration(now time.Time) time.Duration {
	remaining := e.Expires.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// NoteHit counts one affected message for the queue.
func (e *Entry) NoteHit(queueName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hits == nil {
		e.hits = map[string]int64{}
	}
	e.hits[queueName]++
}

// Hits returns a copy of the per-queue counter map.
func (e *Entry) Hits() map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	copied := make(map[string]int64, len(e.hits))
	for queue, count := range e.hits {
		copied[queue] = count
	}
	return copied
}

// Registry is a set of override entries of one kind.
type Registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[uuid.UUID]*Entry{}}
}

// Add installs the entry, assigning an id if it has none.
func (r *Registry) Add(entry *Entry) uuid.UUID {
	if entry.ID == (uuid.UUID{}) {
		entry.ID = uuid.New()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.ID] = entry
	return entry.ID
}

// Remove cancels the entry with the id. It reports whether it existed.
func (r *Registry) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	return ok
}

// List returns the active entries, pruning expired ones.
func (r *Registry) List() []*Entry {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	active := make([]*Entry, 0, len(r.entries))
	for id, entry := range r.entries {
		if entry.Expired(now) {
			delete(r.entries, id)
			continue
		}
		active = append(active, entry)
	}
	return active
}

// Match returns the first active entry matching the queue components.
func (r *Registry) Match(c message.QueueNameComponents) *Entry {
	for _, entry := range r.List() {
		if entry.Matches(c) {
			return entry
		}
	}
	return nil
}

// The process-wide registries.
var (
	Bounces            = NewRegistry()
	Suspends           = NewRegistry()
	ReadyQueueSuspends = NewSiteRegistry()
	Rebinds            = NewRegistry()
)

// SiteEntry suspends one ready queue, matched by its site name.
type SiteEntry struct {
	ID       uuid.UUID `json:"id"`
	SiteName string    `json:"site_name"`
	Reason   string    `json:"reason"`
	Expires  time.Time `json:"expires"`
}

func (e *SiteEntry) Expired(now time.Time) bool {
	return !now.Before(e.Expires)
}

// SiteRegistry is the ready-queue analog of Registry.
type SiteRegistry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*SiteEntry
}

func NewSiteRegistry() *SiteRegistry {
	return &SiteRegistry{entries: map[uuid.UUID]*SiteEntry{}}
}

func (r *SiteRegistry) Add(entry *SiteEntry) uuid.UUID {
	if entry.ID == (uuid.UUID{}) {
		entry.ID = uuid.New()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.ID] = entry
	return entry.ID
}

func (r *SiteRegistry) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	return ok
}

func (r *SiteRegistry) List() []*SiteEntry {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	active := make([]*SiteEntry, 0, len(r.entries))
	for id, entry := range r.entries {
		if entry.Expired(now) {
			delete(r.entries, id)
			continue
		}
		active = append(active, entry)
	}
	return active
}

// Match returns the active suspension for the site, if any.
func (r *SiteRegistry) Match(siteName string) *SiteEntry {
	for _, entry := range r.List() {
		if strings.EqualFold(entry.SiteName, siteName) {
			return entry
		}
	}
	return nil
}

// ResetForTest clears all registries.
func ResetForTest() {
	Bounces = NewRegistry()
	Suspends = NewRegistry()
	ReadyQueueSuspends = NewSiteRegistry()
	Rebinds = NewRegistry()
}
