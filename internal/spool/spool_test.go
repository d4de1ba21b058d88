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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openTestSpool(t *testing.T) *LocalDisk {
	t.Helper()
	store, err := OpenLocalDisk(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLocalDiskRoundTrip(t *testing.T) {
	store := openTestSpool(t)
	ctx := context.Background()

	// Can't load an entry that doesn't exist.
	missing := NewID()
	if _, err := store.Load(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("loading a missing entry: %v", err)
	}

	// Insert some entries and verify that we can load them back.
	var ids []ID
	for i := 0; i < 100; i++ {
		id := NewID()
		if err := store.Store(ctx, id, []byte(fmt.Sprintf("I am %d", i))); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	for i, id := range ids {
		data, err := store.Load(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != fmt.Sprintf("I am %d", i) {
			t.Fatalf("entry %d corrupted: %q", i, data)
		}
	}

	// Enumerate visits every entry exactly once here.
	ch := make(chan Entry, 32)
	if err := store.Enumerate(ch); err != nil {
		t.Fatal(err)
	}
	seen := map[ID]bool{}
	for entry := range ch {
		if entry.Err != nil {
			t.Fatalf("unexpected corrupt entry %v: %v", entry.ID, entry.Err)
		}
		if seen[entry.ID] {
			t.Fatalf("entry %v visited twice", entry.ID)
		}
		seen[entry.ID] = true
	}
	if len(seen) != len(ids) {
		t.Fatalf("enumerated %d entries, want %d", len(seen), len(ids))
	}

	// Remove everything; a second removal must fail.
	for _, id := range ids {
		if err := store.Remove(ctx, id); err != nil {
			t.Fatal(err)
		}
		if err := store.Remove(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("removing %v twice: %v", id, err)
		}
		if _, err := store.Load(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("loading removed %v: %v", id, err)
		}
	}

	// Enumerating again yields nothing, and the cleanup passes must not
	// break the directory structure.
	for round := 0; round < 2; round++ {
		ch := make(chan Entry, 32)
		if err := store.Enumerate(ch); err != nil {
			t.Fatal(err)
		}
		for entry := range ch {
			t.Fatalf("unexpected entry after removal: %v", entry.ID)
		}
	}
}

func TestLocalDiskEnumeratePrunesTempFiles(t *testing.T) {
	root := t.TempDir()
	store, err := OpenLocalDisk(root, false)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	stale := filepath.Join(root, "new", "spool-stale")
	if err := os.WriteFile(stale, []byte("leftover"), 0o600); err != nil {
		t.Fatal(err)
	}

	ch := make(chan Entry, 1)
	if err := store.Enumerate(ch); err != nil {
		t.Fatal(err)
	}
	for range ch {
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale temp file survived enumeration")
	}
}

func TestLocalDiskLockExclusive(t *testing.T) {
	root := t.TempDir()
	store, err := OpenLocalDisk(root, false)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := OpenLocalDisk(root, false); err == nil {
		t.Fatal("second open of the same spool root must fail")
	} else if !strings.Contains(err.Error(), "lock") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestIDPathRoundTrip(t *testing.T) {
	id := NewID()
	path := id.ComputePath("/spool/data")

	recovered, ok := IDFromPath(path)
	if !ok {
		t.Fatalf("IDFromPath(%q) failed", path)
	}
	if recovered != id {
		t.Errorf("round trip changed the id: %v -> %v", id, recovered)
	}

	if !strings.HasPrefix(path, "/spool/data/") {
		t.Errorf("path %q escapes the root", path)
	}
}

func TestRegistry(t *testing.T) {
	data := openTestSpool(t)
	meta := openTestSpool(t)

	if err := Register(data, meta); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { Shutdown() })

	if err := Register(data, meta); err == nil {
		t.Error("double Register must fail")
	}

	store, err := Get(Data)
	if err != nil {
		t.Fatal(err)
	}
	if store != Store(data) {
		t.Error("Get(Data) returned the wrong store")
	}
}
