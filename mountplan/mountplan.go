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

// Package mountplan implements component C8: an append-only, ordered
// sequence of bubblewrap-shaped instructions (spec.md §4.7), together with
// its serialisation to argv.
package mountplan

import (
	"fmt"
	"os"
)

// Op is one of the fixed vocabulary tokens spec.md §4.7 allows.
type Op string

const (
	OpROBind         Op = "ro-bind"
	OpBind           Op = "bind"
	OpTmpfs          Op = "tmpfs"
	OpDir            Op = "dir"
	OpSymlink        Op = "symlink"
	OpSetenv         Op = "setenv"
	OpUnsetenv       Op = "unsetenv"
	OpLockFile       Op = "lock-file"
	OpSeparator      Op = "--"
	OpSetenvFromFD   Op = "setenv-from-fd"
	OpFD             Op = "fd"
)

// Instruction is one entry of the mount plan.
type Instruction struct {
	Op Op
	// Args holds the operation's positional arguments, e.g. {src, dest}
	// for ro-bind/bind, {name, value} for setenv, {dest} for tmpfs/dir.
	Args []string
	// File is the descriptor carried alongside this instruction (lock-file,
	// setenv-from-fd, fd); nil when the instruction carries none.
	File *os.File
}

// ErrFinished is returned by every appending method (ROBind, Bind, ...,
// Merge) once Finish has been called.
var ErrFinished = fmt.Errorf("mount plan is finished and can no longer be appended to")

// Builder accumulates instructions. Once Finish is called the sequence is
// immutable, matching spec.md §4.7's "once finished, immutable" contract.
type Builder struct {
	instructions []Instruction
	finished     bool
	nextFD       int
}

// NewBuilder returns an empty, appendable Builder.
func NewBuilder() *Builder {
	return &Builder{nextFD: 3} // fds 0-2 are stdio
}

func (b *Builder) append(ins Instruction) error {
	if b.finished {
		return ErrFinished
	}
	b.instructions = append(b.instructions, ins)
	return nil
}

// ROBind appends a read-only bind mount instruction.
func (b *Builder) ROBind(src, dest string) error {
	return b.append(Instruction{Op: OpROBind, Args: []string{src, dest}})
}

// Bind appends a read-write bind mount instruction.
func (b *Builder) Bind(src, dest string) error {
	return b.append(Instruction{Op: OpBind, Args: []string{src, dest}})
}

// Tmpfs appends an instruction mounting an empty tmpfs at dest.
func (b *Builder) Tmpfs(dest string) error {
	return b.append(Instruction{Op: OpTmpfs, Args: []string{dest}})
}

// Dir appends an instruction creating an empty directory at dest.
func (b *Builder) Dir(dest string) error {
	return b.append(Instruction{Op: OpDir, Args: []string{dest}})
}

// Symlink appends an instruction creating a symlink at dest pointing at target.
func (b *Builder) Symlink(target, dest string) error {
	return b.append(Instruction{Op: OpSymlink, Args: []string{target, dest}})
}

// Setenv appends an instruction setting an environment variable.
func (b *Builder) Setenv(name, value string) error {
	return b.append(Instruction{Op: OpSetenv, Args: []string{name, value}})
}

// Unsetenv appends an instruction clearing an environment variable.
func (b *Builder) Unsetenv(name string) error {
	return b.append(Instruction{Op: OpUnsetenv, Args: []string{name}})
}

// LockFile appends an instruction telling the launcher to keep path's lock
// held (by file descriptor) for the lifetime of the contained process,
// implementing the session-entry handoff of spec.md §5's inter-process
// concurrency rules.
func (b *Builder) LockFile(path string, f *os.File) error {
	return b.append(Instruction{Op: OpLockFile, Args: []string{path}, File: f})
}

// Separator appends the bare "--" argv-ending marker.
func (b *Builder) Separator() error {
	return b.append(Instruction{Op: OpSeparator})
}

// SetenvFromFD reserves the next available descriptor number, appends an
// fd instruction carrying f, and an setenv-from-fd instruction referencing
// it by descriptor number so the launcher can pass a generated file's
// contents to the contained process without writing it to disk first.
func (b *Builder) SetenvFromFD(name string, f *os.File) (fdNum int, err error) {
	if b.finished {
		return 0, ErrFinished
	}
	fdNum = b.nextFD
	b.nextFD++
	if err := b.append(Instruction{Op: OpFD, Args: []string{fmt.Sprintf("%d", fdNum)}, File: f}); err != nil {
		return 0, err
	}
	if err := b.append(Instruction{Op: OpSetenvFromFD, Args: []string{name, fmt.Sprintf("%d", fdNum)}}); err != nil {
		return 0, err
	}
	return fdNum, nil
}

// Finish freezes the builder; further appending calls return ErrFinished.
func (b *Builder) Finish() {
	b.finished = true
}

// Instructions returns the accumulated sequence. The caller must not
// mutate the returned slice's instructions' Args.
func (b *Builder) Instructions() []Instruction {
	return append([]Instruction(nil), b.instructions...)
}

// Merge appends other's instructions onto b, in order, then finishes other
// (its own instructions now live in b). Both builders must be unfinished
// when this is called (other a strict exception, it is finished by this
// call).
func (b *Builder) Merge(other *Builder) error {
	if b.finished {
		return ErrFinished
	}
	for _, ins := range other.instructions {
		if err := b.append(ins); err != nil {
			return err
		}
	}
	other.finished = true
	return nil
}

// ExtraFiles returns every *os.File carried by the plan's instructions, in
// the order the launcher must append them to its own ExtraFiles so that the
// descriptor numbers minted by SetenvFromFD line up.
func (b *Builder) ExtraFiles() []*os.File {
	var out []*os.File
	for _, ins := range b.instructions {
		if ins.File != nil {
			out = append(out, ins.File)
		}
	}
	return out
}

// Argv serialises the instruction sequence to a flat token list, in order:
// each instruction contributes its Op name as-is (e.g. "ro-bind") followed
// by its Args. The bubblewrap "--" flag prefix (as in "--ro-bind") is not
// added.
func (b *Builder) Argv() []string {
	var argv []string
	for _, ins := range b.instructions {
		argv = append(argv, string(ins.Op))
		argv = append(argv, ins.Args...)
	}
	return argv
}
