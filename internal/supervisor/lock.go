// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/telearc/telearc/internal/logging"
)

// Lock is a pidfile guard that keeps a second daemon instance from
// running against the same data directory.
type Lock struct {
	path string
}

// AcquireLock writes the current pid to lock.pid under dir. A lockfile
// naming a live process means another instance owns the data dir and
// acquisition fails. A lockfile naming a dead process is stale and is
// replaced.
func AcquireLock(dir string) (*Lock, error) {
	path := filepath.Join(dir, "lock.pid")

	if data, err := os.ReadFile(path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && pid > 0 && pid != os.Getpid() && processAlive(pid) {
			return nil, fmt.Errorf("another instance is running (pid %d, lockfile %s)", pid, path)
		}
		if perr == nil {
			lg := logging.WithComponent("supervisor")
			lg.Warn().
				Int("stale_pid", pid).
				Str("path", path).
				Msg("removing stale lockfile")
		}
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("writing lockfile: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lockfile. Safe to call more than once.
func (l *Lock) Release() {
	if l == nil || l.path == "" {
		return
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		lg := logging.WithComponent("supervisor")
		lg.Warn().Err(err).Str("path", l.path).Msg("failed to remove lockfile")
	}
	l.path = ""
}

// processAlive sends signal 0, which performs the permission and
// existence checks without delivering anything.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
