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

// Package composer implements component C7: orchestrating an architecture
// pass (C6) across every configured multiarch tuple, then post-processing
// the collected results into rewritten ICD manifests, environment
// variables, and a bind plan for the sandbox launcher (spec.md §4.6).
package composer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pressurevessel/runtimecomp/archpass"
	"github.com/pressurevessel/runtimecomp/hostinfo"
	"github.com/pressurevessel/runtimecomp/logger"
	"github.com/pressurevessel/runtimecomp/mountplan"
	"github.com/pressurevessel/runtimecomp/osutil"
)

// ErrNoCommonArchitecture is returned when every configured architecture
// was non-viable on this host (spec.md §4.6 "none of the supported CPU
// architectures are common").
var ErrNoCommonArchitecture = errors.New("none of the supported CPU architectures are common")

// etcBlocklist and varBlocklist are the fixed exclusions of spec.md §4.6's
// bind plan: entries the runtime ships but that must never shadow the
// host's own copy.
var etcBlocklist = map[string]bool{
	"group": true, "passwd": true, "host.conf": true, "hosts": true,
	"localtime": true, "machine-id": true, "resolv.conf": true,
}

var varBlocklist = map[string]bool{
	"dbus": true, "dhcp": true, "sudo": true, "urandom": true,
}

// preferHostFiles are the /etc entries spec.md §4.6 says to bind from the
// host, when present, in preference to the runtime's own copy.
var preferHostFiles = []string{"passwd", "group", "host.conf", "hosts", "resolv.conf", "machine-id"}

// Options configures one composition run.
type Options struct {
	// RuntimeRoot is the mutable sysroot's root directory (or the
	// immutable runtime image's root, absent a mutable sysroot).
	RuntimeRoot string
	// OverridesOnHost is the overrides/ directory's real host path.
	OverridesOnHost string
	// OverridesInContainer is the equivalent container path, e.g.
	// "/usr/lib/pressure-vessel/overrides" with a mutable sysroot, or
	// "/overrides" without one.
	OverridesInContainer string
	// HostRoot is the filesystem root the host's own /etc contents are
	// read from, conventionally "/".
	HostRoot string

	GenerateLocales bool
	LocaleGenTool   string
}

// Plan is the result of composing: the environment the launcher should set
// and the bind/symlink/setenv instructions it should pass to bubblewrap.
type Plan struct {
	Env           map[string]string
	Mount         *mountplan.Builder
	Architectures []archpass.Tuple
}

type archRun struct {
	cfg    archpass.Config
	result *archpass.Result
}

// Compose runs an architecture pass for every config, skips non-viable
// architectures, and post-processes the union of viable results into a
// Plan. It fails with ErrNoCommonArchitecture if none were viable.
func Compose(configs []archpass.Config, opts Options) (*Plan, error) {
	var runs []archRun
	for _, cfg := range configs {
		result, err := archpass.NewPass(cfg).Run()
		if err != nil {
			if errors.Is(err, archpass.ErrArchitectureSkipped) {
				logger.Noticef("architecture %s is not common with the host, skipping", cfg.Tuple.Name)
				continue
			}
			return nil, err
		}
		runs = append(runs, archRun{cfg: cfg, result: result})
	}
	if len(runs) == 0 {
		return nil, ErrNoCommonArchitecture
	}
	return postProcess(runs, opts)
}

func postProcess(runs []archRun, opts Options) (*Plan, error) {
	plan := &Plan{Env: map[string]string{}, Mount: mountplan.NewBuilder()}
	for _, r := range runs {
		plan.Architectures = append(plan.Architectures, r.cfg.Tuple)
	}

	if err := os.MkdirAll(opts.OverridesOnHost, 0755); err != nil {
		return nil, fmt.Errorf("cannot create overrides directory %q: %w", opts.OverridesOnHost, err)
	}

	eglFilenames, err := writeManifests(runs, func(r *archpass.Result) []archpass.BoundICD { return r.EGL },
		"glvnd/egl_vendor.d", opts)
	if err != nil {
		return nil, err
	}
	if eglFilenames != "" {
		plan.Env["__EGL_VENDOR_LIBRARY_FILENAMES"] = eglFilenames
	}
	// __EGL_VENDOR_LIBRARY_DIRS is always unset (spec.md §6): glvnd falls
	// back to scanning host vendor directories if it survives from the
	// host environment, defeating __EGL_VENDOR_LIBRARY_FILENAMES above.
	if err := plan.Mount.Unsetenv("__EGL_VENDOR_LIBRARY_DIRS"); err != nil {
		return nil, err
	}

	vulkanFilenames, err := writeManifests(runs, func(r *archpass.Result) []archpass.BoundICD { return r.Vulkan },
		"vulkan/icd.d", opts)
	if err != nil {
		return nil, err
	}
	if vulkanFilenames != "" {
		plan.Env["VK_ICD_FILENAMES"] = vulkanFilenames
	}

	plan.Env["LIBVA_DRIVERS_PATH"] = joinUnique(vaapiDriverDirs(runs))
	plan.Env["LIBGL_DRIVERS_PATH"] = joinUnique(libglDriverDirs(runs))
	plan.Env["LD_LIBRARY_PATH"] = joinUnique(ldLibraryPathDirs(runs))
	plan.Env["VDPAU_DRIVER_PATH"] = filepath.Join(opts.OverridesInContainer, "lib", "${PLATFORM}-linux-gnu", "vdpau")
	plan.Env["PATH"] = "/usr/bin:/bin"

	if err := symlinkVDPAU32BitAliases(runs, opts.OverridesOnHost); err != nil {
		return nil, err
	}

	if err := buildEtcVarBindPlan(plan.Mount, opts); err != nil {
		return nil, err
	}

	anyLibcFromHost := false
	for _, r := range runs {
		if r.result.AnyLibcFromHost {
			anyLibcFromHost = true
		}
	}
	if anyLibcFromHost {
		if err := bindLocaleInfrastructure(plan.Mount, opts.HostRoot); err != nil {
			return nil, err
		}
	}

	if opts.GenerateLocales {
		locpath, err := runLocaleGen(opts, anyLibcFromHost)
		if err != nil {
			logger.Noticef("locale generation reported: %v", err)
		} else if locpath != "" {
			plan.Env["LOCPATH"] = locpath
		}
	}

	return plan, nil
}

type icdGroup struct {
	seq          int
	manifestPath string
	absolute     map[string]archpass.BoundICD // tuple name -> bound
	anySoname    bool
}

// writeManifests implements spec.md §4.6's EGL/Vulkan manifest rewriting:
// one rewritten JSON per absolute-kind architecture, plus an unmodified
// copy of the host manifest when at least one architecture resolved the
// same ICD by soname instead.
func writeManifests(runs []archRun, pick func(*archpass.Result) []archpass.BoundICD, subdir string, opts Options) (string, error) {
	groups := map[int]*icdGroup{}
	var order []int
	for _, r := range runs {
		for _, bound := range pick(r.result) {
			g, ok := groups[bound.Descriptor.Seq]
			if !ok {
				g = &icdGroup{seq: bound.Descriptor.Seq, manifestPath: bound.Descriptor.ManifestPath, absolute: map[string]archpass.BoundICD{}}
				groups[bound.Descriptor.Seq] = g
				order = append(order, bound.Descriptor.Seq)
			}
			switch bound.Kind {
			case archpass.ICDAbsolute:
				g.absolute[r.cfg.Tuple.Name] = bound
			case archpass.ICDSoname:
				g.anySoname = true
			}
		}
	}
	sort.Ints(order)

	destDir := filepath.Join(opts.OverridesOnHost, "share", subdir)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}

	var filenames []string
	for _, seq := range order {
		g := groups[seq]

		tuples := make([]string, 0, len(g.absolute))
		for tuple := range g.absolute {
			tuples = append(tuples, tuple)
		}
		sort.Strings(tuples)

		for _, tuple := range tuples {
			bound := g.absolute[tuple]
			name := fmt.Sprintf("%d-%s.json", seq, tuple)
			containerPath := filepath.Join(opts.OverridesInContainer, "share", subdir, name)
			if err := writeICDJSON(filepath.Join(destDir, name), bound.PathInContainer); err != nil {
				return "", err
			}
			filenames = append(filenames, containerPath)
		}

		if g.anySoname && g.manifestPath != "" {
			name := fmt.Sprintf("%d.json", seq)
			data, err := os.ReadFile(g.manifestPath)
			if err != nil {
				logger.Noticef("cannot re-read host manifest %q: %v", g.manifestPath, err)
				continue
			}
			if err := osutil.AtomicWriteFile(filepath.Join(destDir, name), data, 0644); err != nil {
				return "", err
			}
			filenames = append(filenames, filepath.Join(opts.OverridesInContainer, "share", subdir, name))
		}
	}

	return strings.Join(filenames, ":"), nil
}

type manifestOut struct {
	FileFormatVersion string         `json:"file_format_version"`
	ICD               manifestICDOut `json:"ICD"`
}

type manifestICDOut struct {
	LibraryPath string `json:"library_path"`
}

func writeICDJSON(path, libraryPath string) error {
	data, err := json.Marshal(manifestOut{FileFormatVersion: "1.0.0", ICD: manifestICDOut{LibraryPath: libraryPath}})
	if err != nil {
		return err
	}
	return osutil.AtomicWriteFile(path, data, 0644)
}

func vaapiDriverDirs(runs []archRun) []string {
	var dirs []string
	for _, r := range runs {
		for _, bound := range r.result.VAAPI {
			if bound.Kind == archpass.ICDAbsolute && bound.PathInContainer != "" {
				dirs = append(dirs, filepath.Dir(bound.PathInContainer))
			}
		}
	}
	return dirs
}

func libglDriverDirs(runs []archRun) []string {
	var dirs []string
	for _, r := range runs {
		dirs = append(dirs, r.result.DRIDirsInContainer...)
	}
	return dirs
}

func ldLibraryPathDirs(runs []archRun) []string {
	var dirs []string
	for _, r := range runs {
		dirs = append(dirs, r.cfg.LibdirInContainer)
	}
	return dirs
}

func joinUnique(dirs []string) string {
	seen := map[string]bool{}
	var out []string
	for _, d := range dirs {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return strings.Join(out, ":")
}

// symlinkVDPAU32BitAliases implements spec.md §4.6's handling of
// ${PLATFORM} expanding to i486/i586/i686 on 32-bit hosts: when an i386
// overrides directory exists, alias directories are created pointing at it.
func symlinkVDPAU32BitAliases(runs []archRun, overridesOnHost string) error {
	var i386Dir string
	for _, r := range runs {
		if r.cfg.Tuple.Name == "i386-linux-gnu" {
			i386Dir = r.cfg.LibdirOnHost
		}
	}
	if i386Dir == "" {
		return nil
	}
	for _, alias := range []string{"i486-linux-gnu", "i586-linux-gnu", "i686-linux-gnu"} {
		aliasPath := filepath.Join(overridesOnHost, "lib", alias)
		if _, err := os.Lstat(aliasPath); err == nil {
			continue
		}
		if err := os.Symlink("i386-linux-gnu", aliasPath); err != nil {
			return fmt.Errorf("cannot create VDPAU platform alias %q: %w", aliasPath, err)
		}
	}
	return nil
}

// buildEtcVarBindPlan implements spec.md §4.6's bind plan for /etc and
// /var: runtime entries are bound read-only except for the blocklist and
// the small set of files the host's own copy always takes precedence for.
func buildEtcVarBindPlan(mp *mountplan.Builder, opts Options) error {
	if err := bindTreeExcept(mp, filepath.Join(opts.RuntimeRoot, "etc"), "/etc", etcBlocklist); err != nil {
		return err
	}
	for _, sub := range []string{"cache", "lib"} {
		if err := bindTreeExcept(mp, filepath.Join(opts.RuntimeRoot, "var", sub), filepath.Join("/var", sub), varBlocklist); err != nil {
			return err
		}
	}

	for _, name := range preferHostFiles {
		hostPath := filepath.Join(opts.HostRoot, "etc", name)
		if _, err := os.Stat(hostPath); err != nil {
			continue
		}
		if err := mp.ROBind(hostPath, filepath.Join("/etc", name)); err != nil {
			return err
		}
	}

	if err := bindLocaltime(mp, opts.HostRoot); err != nil {
		return err
	}

	// Prefer the zone name the host's /etc/localtime symlink points at;
	// query timedate1 only when that symlink does not name one.
	var tz string
	var err error
	if target, rerr := os.Readlink(filepath.Join(opts.HostRoot, "etc", "localtime")); rerr == nil {
		if i := strings.Index(target, "/zoneinfo/"); i >= 0 {
			tz = target[i+len("/zoneinfo/"):]
		}
	}
	if tz == "" {
		tz, err = hostinfo.HostTimezone()
	}
	if err != nil {
		logger.Debugf("cannot determine host timezone: %v", err)
	} else {
		tzPath := filepath.Join(opts.OverridesOnHost, "etc-timezone")
		if err := osutil.AtomicWriteFile(tzPath, []byte(tz+"\n"), 0644); err != nil {
			return err
		}
		if err := mp.ROBind(tzPath, "/etc/timezone"); err != nil {
			return err
		}
	}

	return nil
}

func bindTreeExcept(mp *mountplan.Builder, srcDir, destPrefix string, blocklist map[string]bool) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil // this layer of the runtime has nothing here
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		if blocklist[name] {
			continue
		}
		dest := filepath.Join(destPrefix, name)
		if IsVisibleInRunHost(dest) {
			// Already reachable through the existing /run/host mirror;
			// a separate ro-bind here would be redundant.
			continue
		}
		if err := mp.ROBind(filepath.Join(srcDir, name), dest); err != nil {
			return err
		}
	}
	return nil
}

// bindLocaltime implements /etc/localtime's special case: a host
// /etc/localtime that canonicalises under /usr/… is expressed as a
// symlink (since the runtime already has that tzdata tree); anything else
// is bound directly.
func bindLocaltime(mp *mountplan.Builder, hostRoot string) error {
	hostLocaltime := filepath.Join(hostRoot, "etc", "localtime")
	target, err := filepath.EvalSymlinks(hostLocaltime)
	if err != nil {
		logger.Debugf("host has no resolvable /etc/localtime: %v", err)
		return nil
	}
	if strings.HasPrefix(target, filepath.Join(hostRoot, "usr")+string(filepath.Separator)) {
		rel, err := filepath.Rel(hostRoot, target)
		if err != nil {
			return err
		}
		return mp.Symlink(filepath.Join("/", rel), "/etc/localtime")
	}
	return mp.ROBind(hostLocaltime, "/etc/localtime")
}

// bindLocaleInfrastructure implements spec.md §4.6's "if any libc came
// from the host" clause: the locale archive/definitions and the three
// locale-adjacent binaries are bound from the host, each skipped if its
// destination on the host isn't the expected kind of file.
func bindLocaleInfrastructure(mp *mountplan.Builder, hostRoot string) error {
	dirs := []string{"usr/lib/locale", "usr/share/i18n"}
	for _, d := range dirs {
		src := filepath.Join(hostRoot, d)
		if !osutil.IsDirectory(src) {
			continue
		}
		if err := mp.ROBind(src, "/"+d); err != nil {
			return err
		}
	}

	bins := []string{"usr/bin/localedef", "usr/bin/locale", "usr/sbin/ldconfig", "sbin/ldconfig"}
	for _, b := range bins {
		src := filepath.Join(hostRoot, b)
		fi, err := os.Stat(src)
		if err != nil || fi.IsDir() {
			continue
		}
		if err := mp.ROBind(src, "/"+b); err != nil {
			return err
		}
	}
	return nil
}

// runLocaleGen invokes the external pressure-vessel-locale-gen helper per
// spec.md §4.6: exit code 72 (EX_OSFILE) is the expected success signal
// meaning locales were generated, any other non-zero is logged and
// ignored.
func runLocaleGen(opts Options, runOnHost bool) (locpath string, err error) {
	if opts.LocaleGenTool == "" {
		return "", fmt.Errorf("GENERATE_LOCALES requested but no locale-gen tool configured")
	}
	localesDir := filepath.Join(opts.OverridesOnHost, "locales")
	if err := os.MkdirAll(localesDir, 0755); err != nil {
		return "", err
	}

	_, err = osutil.RunAndCaptureStdout(opts.LocaleGenTool, "--destination", localesDir)
	if err != nil {
		if exitCode(err) == 72 {
			logger.Debugf("pressure-vessel-locale-gen created missing locales")
		} else {
			logger.Noticef("pressure-vessel-locale-gen failed: %v", err)
		}
	}

	entries, rerr := os.ReadDir(localesDir)
	if rerr != nil || len(entries) == 0 {
		return "", nil
	}
	return localesDir, nil
}

func exitCode(err error) int {
	type exitCoder interface{ ExitCode() int }
	var ec exitCoder
	for e := err; e != nil; e = errors.Unwrap(e) {
		if x, ok := e.(exitCoder); ok {
			ec = x
			break
		}
	}
	if ec == nil {
		return -1
	}
	return ec.ExitCode()
}

// IsVisibleInRunHost reports whether path, inside the container, would
// already resolve to the same content as the host's own copy via the
// standard /run/host bind mount -- ported from path_visible_in_run_host in
// the original runtime.c (Supplemented Feature 2). It is consulted before
// adding a redundant ro-bind for something the /run/host mirror already
// exposes.
func IsVisibleInRunHost(path string) bool {
	clean := filepath.Clean(path)
	if clean == "/run/host" || strings.HasPrefix(clean, "/run/host/") {
		return true
	}
	// Known pass-through mount points that /run/host always mirrors even
	// when path itself isn't spelled under /run/host.
	for _, prefix := range []string{"/usr", "/bin", "/sbin", "/lib", "/lib32", "/lib64"} {
		if clean == prefix || strings.HasPrefix(clean, prefix+"/") {
			return true
		}
	}
	return false
}
