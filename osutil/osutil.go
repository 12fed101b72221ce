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

// Package osutil collects the path-joining, ELF-adjacent filesystem, and
// process-spawning primitives (component C1) that every other package in
// this module builds on: canonical path resolution, symlink reading,
// the runtime store's "cheap tree copy", and running external helpers and
// capturing their stdout.
package osutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrAlreadyLocked is returned by a non-blocking lock acquisition attempt
// when another holder already owns the lock.
var ErrAlreadyLocked = errors.New("lock already held")

// IsDirectory reports whether path exists and is a directory.
func IsDirectory(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// ExistsSymlink reports whether path exists, without following it, and
// whether it is a symlink.
func ExistsSymlink(path string) (exists, isSymlink bool) {
	fi, err := os.Lstat(path)
	if err != nil {
		return false, false
	}
	return true, fi.Mode()&os.ModeSymlink != 0
}

// ReadSymlink reads the immediate target of a symlink without canonicalising
// it further, the building block for the "symlink reading" half of C1.
func ReadSymlink(path string) (string, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", fmt.Errorf("cannot read symlink %q: %w", path, err)
	}
	return target, nil
}

// ResolveSymlinkChain follows a chain of symlinks rooted at `root` (an open
// directory tree, conceptually a sysroot) up to a fixed depth, returning the
// final, non-symlink path relative to `root`. This is the core of the
// architecture pass's "resolve ld.so inside the composed root" (spec §4.5
// step 1): unlike filepath.EvalSymlinks, it never escapes `root` by
// following a symlink whose target is absolute into the host filesystem --
// an absolute target is reinterpreted as rooted at `root` itself, matching
// how the kernel resolves an absolute symlink inside a chrooted/bind-mounted
// sysroot.
func ResolveSymlinkChain(root, relpath string) (string, error) {
	const maxDepth = 40
	cur := filepath.Clean("/" + relpath)
	for i := 0; i < maxDepth; i++ {
		full := filepath.Join(root, cur)
		fi, err := os.Lstat(full)
		if err != nil {
			return "", fmt.Errorf("cannot resolve %q under %q: %w", relpath, root, err)
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			return cur, nil
		}
		target, err := os.Readlink(full)
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(target) {
			cur = filepath.Clean(target)
		} else {
			cur = filepath.Clean("/" + filepath.Join(filepath.Dir(cur), target))
		}
	}
	return "", fmt.Errorf("too many levels of symbolic links resolving %q under %q", relpath, root)
}

// EnsureDir is a thin mkdir -p, matching the teacher's secureMkdirAll in
// spirit but without any chroot-escape hardening: path components are
// followed like any os.MkdirAll call follows them.
func EnsureDir(path string, mode os.FileMode) error {
	return os.MkdirAll(path, mode)
}

// AtomicWriteFile writes data to path by creating a temporary file in the
// same directory and renaming it into place, so a reader never observes a
// partially written ICD manifest or mount-plan file.
func AtomicWriteFile(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// CopyTree performs the runtime store's "cheap tree copy" (spec §4.4 step
// 5): regular files are hardlinked when possible so that an unmodified
// runtime image costs no extra disk space, falling back to a real copy
// whenever hardlinking fails (cross-device, or the source is already at the
// kernel's hardlink-count ceiling) or the destination needs to be a
// genuinely independent inode (symlinks and directories are always
// recreated, never hardlinked, since a shared directory inode makes no
// sense).
func CopyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		default:
			if err := os.Link(path, target); err == nil {
				return nil
			}
			return copyRegularFile(path, target, info.Mode().Perm())
		}
	})
}

func copyRegularFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// UnlinkIfExists removes path, treating "does not exist" as success. It is
// used to break hardlink sharing of `.ref` files after CopyTree (spec §4.4
// step 6): the copy must own an independent inode for its lock to be
// meaningful.
func UnlinkIfExists(path string) error {
	err := unix.Unlink(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove %q: %w", path, err)
	}
	return nil
}

// RunAndCaptureStdout runs name with args and returns its trimmed stdout;
// the composer uses it to run the locale-gen helper. A non-zero exit is
// reported as an error wrapping the *exec.ExitError and carrying the
// child's stderr for diagnostics.
func RunAndCaptureStdout(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("%s %v: %w (stderr: %s)", name, args, err, ee.Stderr)
		}
		return "", fmt.Errorf("%s %v: %w", name, args, err)
	}
	return trimTrailingNewline(string(out)), nil
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
