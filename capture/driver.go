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

package capture

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// execCommand is overridable in tests so the driver can be exercised
// without a real `<tuple>-capsule-capture-libs` binary on PATH.
var execCommand = exec.Command

// Driver wraps one per-architecture invocation of the external capture
// helper (spec.md §4.2/§6): `<tuple>-capsule-capture-libs --container ROOT
// --link-target PREFIX --dest DIR --provider PROVIDER EXPR…`.
type Driver struct {
	// Tool is the path to the per-tuple capture helper binary.
	Tool string
	// ContainerRoot is the composed sysroot the helper must restrict
	// itself to when resolving libraries (spec.md §4.2 "runs ... in a
	// sandbox restricted to the composed sysroot").
	ContainerRoot string
	// LinkTarget is the prefix every emitted symlink points under, e.g.
	// "/run/host".
	LinkTarget string
	// Dest is the destination directory captured libraries land in.
	Dest string
	// Provider is the filesystem the helper should resolve libraries
	// from (conventionally the host root).
	Provider string
}

// Capture invokes the helper once with the given expression list. A helper
// failure is returned to the caller, who (per spec.md §7 "per-library
// capture failures: logged per-entry, continue") decides whether to treat
// it as fatal or merely log and move on.
func (d *Driver) Capture(exprs ...Expr) error {
	if len(exprs) == 0 {
		return nil
	}
	args := []string{
		"--container", d.ContainerRoot,
		"--link-target", d.LinkTarget,
		"--dest", d.Dest,
		"--provider", d.Provider,
	}
	for _, e := range exprs {
		args = append(args, e.String())
	}

	cmd := execCommand(d.Tool, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("capture helper %q failed: %w (output: %s)", d.Tool, err, out)
	}
	return nil
}

// PrintLdSo asks the helper to report the interoperable loader path for its
// tuple via `--print-ld.so`, the side-effecting viability probe described in
// spec.md §3 ("an architecture descriptor is viable iff its capture tool
// executes successfully on the host").
func (d *Driver) PrintLdSo() (string, error) {
	cmd := execCommand(d.Tool, "--print-ld.so")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("cannot determine ld.so via %q: %w", d.Tool, err)
	}
	return trimNewline(string(out)), nil
}

// PreviewPathMatch returns every path under root matching glob, using
// doublestar so that "**"-style recursive globs behave the same way the
// capture helper's own shell-level globs do. This is a local, read-only
// match against whatever directory tree root names (archpass passes a host
// DRI directory) -- it does not invoke the external helper -- used by
// callers (e.g. archpass.stageDRIDrivers, selecting
// which "*_dri.so" files are actual DRI drivers) to decide what to hand
// the helper next.
func PreviewPathMatch(root, glob string) ([]string, error) {
	var matches []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		ok, err := doublestar.Match(glob, rel)
		if err != nil {
			return err
		}
		if ok {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot preview path-match %q under %q: %w", glob, root, err)
	}
	return matches, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
