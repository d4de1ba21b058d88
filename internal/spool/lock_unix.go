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

//go:build unix

package spool

import (
	"fmt"
	"os"
	"strings"
	"syscall"
)

// lockPidFile opens the spool lock file, takes an exclusive flock on it and
// writes our pid into it. The file is kept open for the lifetime of the
// store; the lock dies with the process even on SIGKILL.
func lockPidFile(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("spool: opening lock file %s: %w", path, err)
	}

	setStickyBit(path)

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		owner := ""
		if pid, readErr := os.ReadFile(path); readErr == nil && len(pid) != 0 {
			owner = fmt.Sprintf(". Owned by pid %s.", strings.TrimSpace(string(pid)))
		}
		file.Close()
		return nil, fmt.Errorf("spool: unable to lock %s: %w%s", path, err, owner)
	}

	file.Truncate(0)
	fmt.Fprintf(file, "%d\n", os.Getpid())

	return file, nil
}

// setStickyBit sets the sticky bit on path. This prevents tmpwatch-style
// cleanup jobs from removing the lock file.
func setStickyBit(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	os.Chmod(path, info.Mode()|os.ModeSticky)
}
