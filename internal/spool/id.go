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

package spool

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ID identifies a spooled message. It is a 128-bit time-based value
// (UUID v1) that embeds its creation instant. The low timestamp bits come
// first in its byte layout, so sorting IDs lexicographically does not sort
// them by creation instant.
type ID uuid.UUID

// NewID creates a fresh identifier stamped with the current time.
func NewID() ID {
	id, err := uuid.NewUUID()
	if err != nil {
		// NewUUID can only fail if the system clock or interface
		// enumeration is broken; fall back to purely random bits rather
		// than propagating an error through every message constructor.
		return ID(uuid.New())
	}
	return ID(id)
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Created recovers the creation timestamp embedded in the id.
func (id ID) Created() (sec, nsec int64) {
	return uuid.UUID(id).Time().UnixTime()
}

// ParseID parses the canonical xxxxxxxx-xxxx-... form.
func ParseID(s string) (ID, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("spool: malformed id %q: %w", s, err)
	}
	return ID(parsed), nil
}

// ComputePath maps the id to its location under the store root. The first
// eight hex digits form four nested shard directories so that no single
// directory accumulates an unbounded number of entries.
func (id ID) ComputePath(root string) string {
	hexed := strings.ReplaceAll(id.String(), "-", "")
	return filepath.Join(root,
		hexed[0:2], hexed[2:4], hexed[4:6], hexed[6:8],
		id.String())
}

// IDFromPath recovers the id from a path produced by ComputePath.
func IDFromPath(path string) (ID, bool) {
	id, err := ParseID(filepath.Base(path))
	if err != nil {
		return ID{}, false
	}
	return id, true
}
