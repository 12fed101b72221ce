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

// Package dirs centralises every path the runtime-composition engine reads
// or writes, relative to an overridable root. Production code always goes
// through RootDir; tests call SetRootDir to point everything at a scratch
// directory for the duration of a suite.
package dirs

import "path/filepath"

var (
	// RootDir is normally "/", overridden in tests to a temporary
	// directory so no component ever touches the real filesystem.
	RootDir = "/"

	RunDir         string
	XdgRuntimeDir  string
	HostRunDir     string
	LocaleArchive  string
	EtcLocaltime   string
	EtcTimezone    string
	ResolvConf     string
	DriDriverGlob  string
	LdSoCacheFile  string
)

func init() {
	SetRootDir("/")
}

// SetRootDir overrides RootDir and recomputes every derived path. Passing
// "" resets to "/".
func SetRootDir(root string) {
	if root == "" {
		root = "/"
	}
	RootDir = root

	RunDir = filepath.Join(root, "/run")
	XdgRuntimeDir = filepath.Join(RunDir, "user")
	HostRunDir = filepath.Join(RunDir, "host")
	LocaleArchive = filepath.Join(root, "/usr/lib/locale/locale-archive")
	EtcLocaltime = filepath.Join(root, "/etc/localtime")
	EtcTimezone = filepath.Join(root, "/etc/timezone")
	ResolvConf = filepath.Join(root, "/etc/resolv.conf")
	DriDriverGlob = "dri"
	LdSoCacheFile = filepath.Join(root, "/etc/ld.so.cache")
}

// RuntimeStoreParentDefault is the conventional parent directory for
// mutable runtime-store copies, as consulted by cmd/pressure-compose when
// --store is not given (runtimestore.PrepareMutable itself always takes an
// explicit parent).
func RuntimeStoreParentDefault() string {
	return filepath.Join(XdgRuntimeDir, "pressure-vessel")
}
