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

// Package config centralises the environment-variable and optional
// /etc/pressure-vessel.conf surface the rest of this module reads
// (spec.md §4.4, §4.6), parsed into an explicit value rather than left as
// raw process globals so callers (and tests) can inject a synthetic
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/util"
	"github.com/mvo5/goconfigparser"
)

// Config is the parsed configuration surface a composition run needs.
type Config struct {
	// GCRuntimes enables the best-effort GC sweep of stale working
	// copies (spec.md §4.4 step 3).
	GCRuntimes bool
	// GenerateLocales enables the pressure-vessel-locale-gen trigger
	// (spec.md §4.6).
	GenerateLocales bool

	// CaptureToolOverride overrides the default "<tuple>-capsule-capture-libs"
	// search path, when set.
	CaptureToolOverride string
	// BubblewrapToolOverride overrides the default "bwrap" search path, when set.
	BubblewrapToolOverride string

	// XDGRuntimeDir is XDG_RUNTIME_DIR from the environment, or a
	// systemd-derived fallback, or "" if neither is available.
	XDGRuntimeDir string

	// MultiarchTuples is the ordered list of tuples to compose for,
	// from /etc/pressure-vessel.conf's [multiarch] tuples= entry, or
	// nil to use the built-in default list.
	MultiarchTuples []string
}

// isRunningSystemd is overridable in tests.
var isRunningSystemd = util.IsRunningSystemd

// FromEnviron builds a Config from a process-style environment slice
// ("NAME=value" entries, as returned by os.Environ) plus the optional INI
// override file at confPath (read only if it exists). Passing ""  for
// confPath skips the file entirely.
func FromEnviron(environ []string, confPath string) (Config, error) {
	env := parseEnviron(environ)
	cfg := Config{
		GCRuntimes:             envBool(env, "GC_RUNTIMES"),
		GenerateLocales:        envBool(env, "GENERATE_LOCALES"),
		CaptureToolOverride:    env["PRESSURE_VESSEL_CAPTURE_TOOL"],
		BubblewrapToolOverride: env["PRESSURE_VESSEL_BWRAP"],
	}

	if dir, ok := env["XDG_RUNTIME_DIR"]; ok && dir != "" {
		cfg.XDGRuntimeDir = dir
	} else if isRunningSystemd() {
		cfg.XDGRuntimeDir = fmt.Sprintf("/run/user/%d", os.Getuid())
	}

	if confPath != "" {
		if err := applyConfFile(&cfg, confPath); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func parseEnviron(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[name] = value
	}
	return out
}

func envBool(env map[string]string, name string) bool {
	v, ok := env[name]
	if !ok || v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		// Any non-empty value (snapd's own convention for these
		// env-gated switches) counts as "set".
		return true
	}
	return b
}

// applyConfFile merges /etc/pressure-vessel.conf's [multiarch] tuples=
// entry and [paths] overrides into cfg, when the file exists. A missing
// file is not an error; a malformed one is.
func applyConfFile(cfg *Config, confPath string) error {
	if _, err := os.Stat(confPath); err != nil {
		return nil
	}

	parser := goconfigparser.New()
	parser.AllowNoSectionHeader = true
	if err := parser.ReadFile(confPath); err != nil {
		return fmt.Errorf("cannot read %q: %w", confPath, err)
	}

	if tuples, err := parser.Get("multiarch", "tuples"); err == nil && tuples != "" {
		cfg.MultiarchTuples = strings.Fields(strings.ReplaceAll(tuples, ",", " "))
	}
	if tool, err := parser.Get("paths", "capture_tool"); err == nil && tool != "" {
		cfg.CaptureToolOverride = tool
	}
	if tool, err := parser.Get("paths", "bubblewrap"); err == nil && tool != "" {
		cfg.BubblewrapToolOverride = tool
	}

	return nil
}
