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

// Package sys holds small value types shared by osutil and lockfile that
// don't belong to either: file descriptors explicitly flagged as "owned by
// someone else now" and numeric uid/gid wrappers.
package sys

// UserID is a numeric uid, kept as a distinct type so call sites can't
// accidentally pass a pid or fd where a uid is expected.
type UserID uint32

// GroupID is a numeric gid.
type GroupID uint32

// FD is a raw file descriptor that has been handed off to a child process
// (see lockfile.Lock.StealFD): the Go runtime's file-closing finalizers no
// longer apply to it, and the caller is responsible for its lifetime.
type FD int

// Nil reports whether the descriptor is the zero-value sentinel, i.e. no
// descriptor was ever stolen.
func (fd FD) Nil() bool { return fd == 0 }
