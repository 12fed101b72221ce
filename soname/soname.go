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

// Package soname is the ELF half of component C1: extracting the DT_SONAME
// entry from a shared library, and classifying its ABI (word size and
// machine) so archpass can re-check the `if-same-abi:` capture modifier
// locally after the capture helper has run.
package soname

import (
	"debug/elf"
	"fmt"
)

// ABI identifies the word size and machine of an ELF object, the minimum
// needed to decide "same ABI as the target architecture".
type ABI struct {
	Class   elf.Class
	Machine elf.Machine
}

// String renders the ABI as its debug/elf class and machine names, e.g.
// "ELFCLASS64 EM_X86_64".
func (a ABI) String() string {
	return fmt.Sprintf("%s %s", a.Class, a.Machine)
}

// Equal reports whether two ABI descriptors are for the same class+machine.
func (a ABI) Equal(b ABI) bool {
	return a.Class == b.Class && a.Machine == b.Machine
}

// ReadSONAME returns the DT_SONAME dynamic-tag value of the ELF object at
// path, or "" if the object carries no SONAME (e.g. it's an executable, not
// a shared library).
func ReadSONAME(path string) (string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", fmt.Errorf("cannot open ELF object %q: %w", path, err)
	}
	defer f.Close()

	names, err := f.DynString(elf.DT_SONAME)
	if err != nil {
		// Objects without a dynamic section (e.g. static executables)
		// simply have no SONAME; that's not an error condition callers
		// need to special-case.
		return "", nil
	}
	if len(names) == 0 {
		return "", nil
	}
	return names[0], nil
}

// ReadABI returns the word size and machine of the ELF object at path.
func ReadABI(path string) (ABI, error) {
	f, err := elf.Open(path)
	if err != nil {
		return ABI{}, fmt.Errorf("cannot open ELF object %q: %w", path, err)
	}
	defer f.Close()
	return ABI{Class: f.Class, Machine: f.Machine}, nil
}

// TupleABI maps the well-known Debian multiarch tuples this module supports
// to the ABI a library for that tuple must have. Unknown tuples return
// ok=false; archpass treats that as "cannot verify, assume compatible" per
// spec.md's graceful-degradation policy.
func TupleABI(tuple string) (abi ABI, ok bool) {
	switch tuple {
	case "x86_64-linux-gnu":
		return ABI{Class: elf.ELFCLASS64, Machine: elf.EM_X86_64}, true
	case "i386-linux-gnu":
		return ABI{Class: elf.ELFCLASS32, Machine: elf.EM_386}, true
	case "aarch64-linux-gnu":
		return ABI{Class: elf.ELFCLASS64, Machine: elf.EM_AARCH64}, true
	default:
		return ABI{}, false
	}
}
