// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2024 The pressure-vessel-runtimecomp authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package lockfile implements component C2: an advisory lock on a single
// path, used throughout this module as a reference count on a runtime-image
// or runtime-store-entry directory (the `.ref` file of spec.md §3/§4.4).
//
// Two backends are supported: open-file-description (OFD) locks, which are
// scoped to the open file description rather than the process and therefore
// survive being handed off to a child via StealFD, and classic
// process-associated fcntl(2) record locks (F_SETLK) as a fallback on kernels or
// filesystems that reject F_OFD_SETLK. Acquisition failures are reported to
// the caller as plain errors; this package never decides whether a failed
// acquisition is fatal.
package lockfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/pressurevessel/runtimecomp/osutil"
	"github.com/pressurevessel/runtimecomp/osutil/sys"
)

// ErrAlreadyLocked is returned by TryLock/TryReadLock when a competing
// holder already owns the lock in an incompatible mode.
var ErrAlreadyLocked = osutil.ErrAlreadyLocked

// Lock is a handle to an advisory lock on the file at Path(). The zero value
// is not usable; construct with Open.
type Lock struct {
	path string
	file *os.File
	ofd  bool
	held bool
}

// Open opens (creating if necessary) the file at path and prepares it to be
// locked. It does not itself acquire any lock.
func Open(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, xerrors.Errorf("cannot open lock file %q: %w", path, err)
	}
	return &Lock{path: path, file: f, ofd: ofdSupportedFn()}, nil
}

// Path returns the filesystem path backing this lock.
func (l *Lock) Path() string { return l.path }

// IsOFD reports whether this lock, once acquired, will be an
// open-file-description lock (true) as opposed to a process-associated
// fcntl(2) F_SETLK fallback (false).
func (l *Lock) IsOFD() bool { return l.ofd }

// Close releases any held lock and closes the underlying file descriptor.
func (l *Lock) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Lock blocks until an exclusive (write) lock is acquired.
func (l *Lock) Lock() error { return l.acquire(unix.F_WRLCK, true) }

// ReadLock blocks until a shared (read) lock is acquired.
func (l *Lock) ReadLock() error { return l.acquire(unix.F_RDLCK, true) }

// TryLock attempts to acquire an exclusive lock without blocking, returning
// ErrAlreadyLocked if another holder is incompatible.
func (l *Lock) TryLock() error { return l.acquire(unix.F_WRLCK, false) }

// TryReadLock attempts to acquire a shared lock without blocking.
func (l *Lock) TryReadLock() error { return l.acquire(unix.F_RDLCK, false) }

// Unlock releases whatever lock is currently held.
func (l *Lock) Unlock() error {
	flock := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0, Start: 0, Len: 0}
	cmd := unix.F_OFD_SETLK
	if !l.ofd {
		cmd = unix.F_SETLK
	}
	l.held = false
	return unix.FcntlFlock(l.file.Fd(), cmd, &flock)
}

// StealFD hands ownership of the underlying descriptor to the caller (who
// is expected to pass it to a child process via cmd.ExtraFiles or similar),
// and forgets about it so Close becomes a no-op. This is how an OFD lock is
// kept alive across the composer process exiting while the in-container
// supervisor continues to hold the reference (spec.md §4.1 rationale).
func (l *Lock) StealFD() sys.FD {
	if l.file == nil {
		return 0
	}
	fd := sys.FD(l.file.Fd())
	// Detach without closing: os.File's finalizer must not run on this fd
	// anymore. NewFile+Release-style detachment isn't available on
	// *os.File directly, so the caller is responsible for not calling
	// Close after stealing; we drop our reference by nilling the field.
	l.file = nil
	return fd
}

func (l *Lock) acquire(typ int16, blocking bool) error {
	flock := unix.Flock_t{Type: typ, Whence: 0, Start: 0, Len: 0}

	cmd := unix.F_OFD_SETLK
	if blocking {
		cmd = unix.F_OFD_SETLKW
	}
	if !l.ofd {
		cmd = unix.F_SETLK
		if blocking {
			cmd = unix.F_SETLKW
		}
	}

	err := unix.FcntlFlock(l.file.Fd(), cmd, &flock)
	if err == nil {
		l.held = true
		return nil
	}
	if !blocking && (err == unix.EACCES || err == unix.EAGAIN) {
		return ErrAlreadyLocked
	}
	return fmt.Errorf("cannot lock %q: %w", l.path, err)
}

// ofdSupportedFn probes whether the running kernel understands F_OFD_GETLK
// by issuing a harmless query against a throwaway file descriptor. Kernels
// older than 3.15 (or some non-Linux-compatible filesystems) return EINVAL,
// in which case every Lock falls back to process-associated fcntl(2)
// F_SETLK semantics. It is a variable so tests can force the fallback path.
var ofdSupportedFn = ofdSupported

func ofdSupported() bool {
	f, err := os.CreateTemp("", "ofd-probe-")
	if err != nil {
		// Can't probe; assume the common case.
		return true
	}
	defer os.Remove(f.Name())
	defer f.Close()

	flock := unix.Flock_t{Type: unix.F_RDLCK, Whence: 0, Start: 0, Len: 0}
	err = unix.FcntlFlock(f.Fd(), unix.F_OFD_GETLK, &flock)
	return err == nil
}

// WithLock acquires a blocking exclusive lock on path, runs fn, and always
// releases the lock afterwards, returning fn's error unchanged.
func WithLock(path string, fn func() error) error {
	l, err := Open(path)
	if err != nil {
		return err
	}
	defer l.Close()
	if err := l.Lock(); err != nil {
		return err
	}
	defer l.Unlock()
	return fn()
}

// WithTryLock is like WithLock but fails immediately with ErrAlreadyLocked
// instead of blocking when the lock is held elsewhere.
func WithTryLock(path string, fn func() error) error {
	l, err := Open(path)
	if err != nil {
		return err
	}
	defer l.Close()
	if err := l.TryLock(); err != nil {
		return err
	}
	defer l.Unlock()
	return fn()
}
