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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/KumoCorp/kumomta/framework/log"
)

// LocalDisk is a Store backed by a directory tree.
//
// Entries live under <root>/data/<sharded-path>. Writes go through a
// temporary file in <root>/new followed by an atomic rename, so a crash
// can leave stale temp files but never a partially-visible entry.
//
// A `lock` file in the root is held exclusively for the lifetime of the
// store; failing to obtain the lock at startup is fatal since two processes
// sharing a spool would corrupt each other's view.
type LocalDisk struct {
	root  string
	flush bool

	lockFile *os.File

	Log log.Logger
}

// OpenLocalDisk prepares the directory structure under root and takes the
// exclusive spool lock. flush enables fdatasync after each write.
func OpenLocalDisk(root string, flush bool) (*LocalDisk, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}

	lockFile, err := lockPidFile(filepath.Join(root, "lock"))
	if err != nil {
		return nil, err
	}

	for _, sub := range []string{"new", "data"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o700); err != nil {
			lockFile.Close()
			return nil, err
		}
	}

	return &LocalDisk{
		root:     root,
		flush:    flush,
		lockFile: lockFile,
		Log:      log.Logger{Name: "spool"},
	}, nil
}

func (s *LocalDisk) dataDir() string {
	return filepath.Join(s.root, "data")
}

func (s *LocalDisk) computePath(id ID) string {
	return id.ComputePath(s.dataDir())
}

func (s *LocalDisk) Store(ctx context.Context, id ID, data []byte) error {
	temp, err := os.CreateTemp(filepath.Join(s.root, "new"), "spool-*")
	if err != nil {
		return fmt.Errorf("spool: creating temporary file for %v: %w", id, err)
	}
	tempName := temp.Name()
	defer os.Remove(tempName)

	if _, err := temp.Write(data); err != nil {
		temp.Close()
		return fmt.Errorf("spool: writing data for %v: %w", id, err)
	}
	if s.flush {
		if err := temp.Sync(); err != nil {
			temp.Close()
			return fmt.Errorf("spool: syncing data for %v: %w", id, err)
		}
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("spool: closing temporary file for %v: %w", id, err)
	}

	path := s.computePath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("spool: creating shard directory for %v: %w", id, err)
	}
	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("spool: placing %v: %w", id, err)
	}
	return nil
}

func (s *LocalDisk) Load(ctx context.Context, id ID) ([]byte, error) {
	data, err := os.ReadFile(s.computePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("spool: loading %v: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("spool: loading %v: %w", id, err)
	}
	return data, nil
}

func (s *LocalDisk) Remove(ctx context.Context, id ID) error {
	if err := os.Remove(s.computePath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("spool: removing %v: %w", id, ErrNotFound)
		}
		return fmt.Errorf("spool: removing %v: %w", id, err)
	}
	return nil
}

// Enumerate prunes stale temp files, then walks the data tree yielding an
// Entry per file, then opportunistically removes now-empty shard
// directories.
func (s *LocalDisk) Enumerate(ch chan<- Entry) error {
	go func() {
		defer close(ch)

		s.cleanupNew()

		filepath.WalkDir(s.dataDir(), func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			id, ok := IDFromPath(path)
			if !ok {
				s.Log.Printf("%s is not a spool id", path)
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				ch <- Entry{ID: id, Err: err}
				return nil
			}
			ch <- Entry{ID: id, Data: data}
			return nil
		})

		s.cleanupData()
	}()
	return nil
}

func (s *LocalDisk) Cleanup(ctx context.Context) error {
	s.cleanupData()
	return nil
}

func (s *LocalDisk) cleanupNew() {
	entries, err := os.ReadDir(filepath.Join(s.root, "new"))
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(s.root, "new", entry.Name())
		if err := os.Remove(path); err != nil {
			s.Log.Error("failed to remove stale temp file", err, "path", path)
		}
	}
}

func (s *LocalDisk) cleanupData() {
	// Collect directories deepest-first so that removing leaves makes their
	// parents removable in the same pass.
	var dirs []string
	filepath.WalkDir(s.dataDir(), func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != s.dataDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		// Speculatively try removing the directory; it only succeeds if it
		// is empty and we don't care if it fails.
		os.Remove(dirs[i])
	}
}

func (s *LocalDisk) Close() error {
	if s.lockFile == nil {
		return nil
	}
	err := s.lockFile.Close()
	s.lockFile = nil
	return err
}
