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

// Command pressure-compose is the thin carrier binary wiring config,
// runtimestore, archpass and composer together: the argument vocabulary
// a real launcher would expose is out of core scope (spec.md §1), so this
// only covers enough flags to drive one composition end to end.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"

	"github.com/pressurevessel/runtimecomp/archpass"
	"github.com/pressurevessel/runtimecomp/composer"
	"github.com/pressurevessel/runtimecomp/config"
	"github.com/pressurevessel/runtimecomp/dirs"
	"github.com/pressurevessel/runtimecomp/logger"
	"github.com/pressurevessel/runtimecomp/runtimestore"
)

// defaultMultiarchTuples is used when the pressure-vessel.conf file names
// no explicit list.
var defaultMultiarchTuples = []archpass.Tuple{
	{Name: "x86_64-linux-gnu", LibQual: "lib64"},
	{Name: "i386-linux-gnu", LibQual: "lib32"},
}

type cliOptions struct {
	RuntimeImage   string `long:"runtime" description:"path to the runtime image to compose" required:"true"`
	StoreParent    string `long:"store" description:"parent directory for mutable runtime copies (defaults to dirs.RuntimeStoreParentDefault())"`
	ConfFile       string `long:"conf" description:"path to pressure-vessel.conf" default:"/etc/pressure-vessel.conf"`
	CaptureToolFmt string `long:"capture-tool-format" description:"printf-style path template for the per-tuple capture helper, %s is the tuple name" default:"/usr/lib/pressure-vessel/%s-capsule-capture-libs"`
}

// resolveTuples picks the configured multiarch tuple list, falling back to
// defaultMultiarchTuples when pressure-vessel.conf named none explicitly.
func resolveTuples(cfg config.Config) []archpass.Tuple {
	if len(cfg.MultiarchTuples) == 0 {
		return defaultMultiarchTuples
	}
	tuples := make([]archpass.Tuple, 0, len(cfg.MultiarchTuples))
	for _, name := range cfg.MultiarchTuples {
		tuples = append(tuples, archpass.Tuple{Name: name})
	}
	return tuples
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "pressure-compose:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts cliOptions
	if _, err := flags.ParseArgs(&opts, args); err != nil {
		return err
	}

	cfg, err := config.FromEnviron(os.Environ(), opts.ConfFile)
	if err != nil {
		return err
	}
	if cfg.XDGRuntimeDir != "" {
		dirs.XdgRuntimeDir = cfg.XDGRuntimeDir
	}

	storeParent := opts.StoreParent
	if storeParent == "" {
		storeParent = dirs.RuntimeStoreParentDefault()
	}

	entry, err := runtimestore.PrepareMutable(storeParent, opts.RuntimeImage, runtimestore.Flags{GC: cfg.GCRuntimes})
	if err != nil {
		return fmt.Errorf("cannot prepare mutable runtime copy: %w", err)
	}
	defer entry.Release()

	tuples := resolveTuples(cfg)

	captureTool := cfg.CaptureToolOverride
	overridesOnHost := filepath.Join(entry.Path, "overrides")
	overridesInContainer := "/usr/lib/pressure-vessel/overrides"

	archConfigs := make([]archpass.Config, 0, len(tuples))
	for _, tuple := range tuples {
		tool := captureTool
		if tool == "" {
			tool = fmt.Sprintf(opts.CaptureToolFmt, tuple.Name)
		}
		archConfigs = append(archConfigs, archpass.Config{
			Tuple:                tuple,
			CaptureTool:          tool,
			LinkTarget:           dirs.HostRunDir,
			Provider:             dirs.RootDir,
			LibdirOnHost:         filepath.Join(overridesOnHost, "lib", tuple.Name),
			LibdirInContainer:    filepath.Join(overridesInContainer, "lib", tuple.Name),
			MutableSysroot:       entry.Path,
			HostRootForManifests: dirs.RootDir,
		})
	}

	plan, err := composer.Compose(archConfigs, composer.Options{
		RuntimeRoot:          entry.Path,
		OverridesOnHost:      overridesOnHost,
		OverridesInContainer: overridesInContainer,
		HostRoot:             dirs.RootDir,
		GenerateLocales:      cfg.GenerateLocales,
		LocaleGenTool:        "/usr/lib/pressure-vessel/pressure-vessel-locale-gen",
	})
	if err != nil {
		return fmt.Errorf("cannot compose runtime: %w", err)
	}

	if err := entry.Keep(); err != nil {
		logger.Noticef("cannot mark runtime copy %q as kept: %v", entry.Path, err)
	}

	for name, value := range plan.Env {
		fmt.Printf("%s=%s\n", name, value)
	}
	for _, tok := range plan.Mount.Argv() {
		fmt.Println(tok)
	}

	return nil
}
