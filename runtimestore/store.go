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

// Package runtimestore implements component C5: creating, locking, and
// garbage-collecting ephemeral mutable copies of a runtime image under a
// shared parent directory, per spec.md §3/§4.4.
package runtimestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pressurevessel/runtimecomp/logger"
	"github.com/pressurevessel/runtimecomp/lockfile"
	"github.com/pressurevessel/runtimecomp/osutil"
)

// fixedTopLevelNames are the entries spec.md §4.4 step 8 normalises for a
// sysroot-shaped image: libqual directories vary (lib32, lib64, ...), so
// every "lib*" present under usr/ is considered, not just a fixed set.
var fixedTopLevelNames = []string{"bin", "etc", "sbin", "var"}

// Flags controls optional PrepareMutable behaviour.
type Flags struct {
	// GC requests a best-effort garbage-collection sweep of stale
	// entries before creating a new one (spec.md §4.4 step 3, normally
	// driven by the GC_RUNTIMES environment variable).
	GC bool
}

// Entry is a locked, owned runtime-store entry: a directory under parent
// holding a mutable copy of a runtime image, read-locked against
// concurrent GC for as long as it is in use.
type Entry struct {
	// Path is the entry's directory, e.g. ".../tmp-abc123".
	Path string
	// UsrPath is the entry's /usr content (either Path+"/usr" for a
	// normalised sysroot, same either way since normalisation always
	// produces a real usr/ subdirectory).
	UsrPath string
	lock    *lockfile.Lock
}

// Release drops this entry's read lock on usr/.ref. The directory itself is
// left behind for a future PrepareMutable's GC sweep to reclaim (spec.md §3
// lifecycle: RELEASED retains the mutable-sysroot copy).
func (e *Entry) Release() error {
	if e.lock == nil {
		return nil
	}
	if err := e.lock.Unlock(); err != nil {
		return err
	}
	return e.lock.Close()
}

// Keep creates the `keep` marker file that makes this entry immune to GC
// (spec.md §3 invariant 3).
func (e *Entry) Keep() error {
	return os.WriteFile(filepath.Join(e.Path, "keep"), nil, 0644)
}

// PrepareMutable implements spec.md §4.4: it creates parent if absent,
// optionally GCs stale entries, then makes and locks a fresh mutable copy
// of image.
func PrepareMutable(parent, image string, flags Flags) (*Entry, error) {
	if err := os.MkdirAll(parent, 0700); err != nil {
		return nil, fmt.Errorf("cannot create runtime store parent %q: %w", parent, err)
	}

	parentLock, err := lockfile.Open(filepath.Join(parent, ".ref"))
	if err != nil {
		return nil, err
	}
	defer parentLock.Close()
	if err := parentLock.ReadLock(); err != nil {
		return nil, fmt.Errorf("cannot lock runtime store %q: %w", parent, err)
	}
	defer parentLock.Unlock()

	if flags.GC {
		// Best-effort: failures here are never fatal to the launch
		// (spec.md §7 "Lock contention during GC: silent skip").
		if _, err := GC(parent); err != nil {
			logger.Noticef("garbage collection of %q failed: %v", parent, err)
		}
	}

	entryPath, err := os.MkdirTemp(parent, "tmp-")
	if err != nil {
		return nil, fmt.Errorf("cannot create runtime store entry under %q: %w", parent, err)
	}

	mergedUsr := !osutil.IsDirectory(filepath.Join(image, "usr"))

	usrPath := filepath.Join(entryPath, "usr")
	if mergedUsr {
		// The image's own root already is the future /usr content; nest
		// it one level so the store entry always exposes a real usr/
		// subdirectory, the uniform location the lock lives at
		// (spec.md §8 property 4).
		if err := osutil.CopyTree(image, usrPath); err != nil {
			os.RemoveAll(entryPath)
			return nil, fmt.Errorf("cannot copy runtime image %q: %w", image, err)
		}
	} else {
		if err := osutil.CopyTree(image, entryPath); err != nil {
			os.RemoveAll(entryPath)
			return nil, fmt.Errorf("cannot copy runtime image %q: %w", image, err)
		}
	}

	// Break hardlink sharing of the lock files with the source image
	// (spec.md §4.4 step 6): until this happens the copy's lock would be
	// indistinguishable from the original image's.
	if err := osutil.UnlinkIfExists(filepath.Join(entryPath, ".ref")); err != nil {
		os.RemoveAll(entryPath)
		return nil, err
	}
	if err := osutil.UnlinkIfExists(filepath.Join(usrPath, ".ref")); err != nil {
		os.RemoveAll(entryPath)
		return nil, err
	}

	usrRefPath := filepath.Join(usrPath, ".ref")
	entryLock, err := lockfile.Open(usrRefPath)
	if err != nil {
		os.RemoveAll(entryPath)
		return nil, err
	}
	if err := entryLock.ReadLock(); err != nil {
		entryLock.Close()
		os.RemoveAll(entryPath)
		return nil, fmt.Errorf("cannot lock new runtime store entry %q: %w", entryPath, err)
	}

	if mergedUsr {
		if err := os.Symlink("usr/.ref", filepath.Join(entryPath, ".ref")); err != nil && !os.IsExist(err) {
			entryLock.Unlock()
			entryLock.Close()
			os.RemoveAll(entryPath)
			return nil, fmt.Errorf("cannot create merged-/usr .ref symlink: %w", err)
		}
	} else {
		if err := normaliseTopLevelSymlinks(entryPath); err != nil {
			entryLock.Unlock()
			entryLock.Close()
			os.RemoveAll(entryPath)
			return nil, err
		}
	}

	return &Entry{Path: entryPath, UsrPath: usrPath, lock: entryLock}, nil
}

// normaliseTopLevelSymlinks implements spec.md §4.4 step 8's "otherwise"
// branch for a sysroot-shaped image: for each of {bin, etc, lib*, sbin,
// var} present under usr/, create a top-level symlink to it if (and only
// if) no top-level entry of that name already exists.
func normaliseTopLevelSymlinks(entryPath string) error {
	usrPath := filepath.Join(entryPath, "usr")
	entries, err := os.ReadDir(usrPath)
	if err != nil {
		return fmt.Errorf("cannot read %q: %w", usrPath, err)
	}

	names := make(map[string]bool, len(fixedTopLevelNames))
	for _, n := range fixedTopLevelNames {
		names[n] = true
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "lib") {
			names[e.Name()] = true
		}
	}

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		usrTarget := filepath.Join(usrPath, name)
		if _, err := os.Lstat(usrTarget); err != nil {
			continue // not present under usr/, nothing to link
		}
		topLevel := filepath.Join(entryPath, name)
		if _, err := os.Lstat(topLevel); err == nil {
			continue // already present, never overwrite
		}
		if err := os.Symlink(filepath.Join("usr", name), topLevel); err != nil {
			return fmt.Errorf("cannot create top-level symlink %q: %w", topLevel, err)
		}
	}
	return nil
}

// GC performs the non-blocking sweep of spec.md §4.4 step 3: every
// tmp-* subdirectory without a `keep` marker whose usr/.ref write lock can
// be acquired immediately is nobody's in-use entry, and its subtree is
// removed. It never blocks and a failure to GC one entry never aborts the
// sweep of the others.
func GC(parent string) (removed []string, err error) {
	entries, err := os.ReadDir(parent)
	if err != nil {
		return nil, fmt.Errorf("cannot list runtime store %q: %w", parent, err)
	}

	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "tmp-") {
			continue
		}
		entryPath := filepath.Join(parent, e.Name())

		if _, err := os.Stat(filepath.Join(entryPath, "keep")); err == nil {
			continue
		}

		refPath := filepath.Join(entryPath, "usr", ".ref")
		lock, err := lockfile.Open(refPath)
		if err != nil {
			logger.Debugf("cannot open %q during GC: %v", refPath, err)
			continue
		}
		if err := lock.TryLock(); err != nil {
			lock.Close()
			logger.Debugf("skipping %q during GC: still in use", entryPath)
			continue
		}
		lock.Unlock()
		lock.Close()

		if err := os.RemoveAll(entryPath); err != nil {
			logger.Noticef("cannot remove stale runtime store entry %q: %v", entryPath, err)
			continue
		}
		removed = append(removed, entryPath)
	}
	return removed, nil
}
