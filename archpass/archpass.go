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

// Package archpass implements component C6: the seven-step per-architecture
// pass described in spec.md §4.5 (resolve ld.so, capture the host graphics
// stack, bind ICDs, prune shadowed runtime libraries, decide the libc and
// libdrm policy, and stage DRI drivers).
package archpass

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pressurevessel/runtimecomp/capture"
	"github.com/pressurevessel/runtimecomp/hostinfo"
	"github.com/pressurevessel/runtimecomp/logger"
	"github.com/pressurevessel/runtimecomp/osutil"
	"github.com/pressurevessel/runtimecomp/soname"
)

// ErrArchitectureSkipped is returned (wrapped with the tuple name) whenever
// an architecture fails its viability check and must be excluded from the
// composition, per spec.md §3's "non-viable architectures are skipped".
var ErrArchitectureSkipped = errors.New("architecture is not viable on this host")

// Tuple describes one supported Debian-style multiarch tuple plus its
// legacy single-directory qualifier. Per spec.md §9's Open Question 2,
// LibQual is modeled as a plain possibly-empty string (Option<string>)
// rather than a parallel array assumed exactly one element shorter than the
// tuple list.
type Tuple struct {
	Name    string // e.g. "x86_64-linux-gnu"
	LibQual string // e.g. "lib64"; "" if this tuple has no legacy qualifier
}

// Config is everything one architecture pass needs to know about where
// things live for its tuple.
type Config struct {
	Tuple Tuple

	// CaptureTool is the path to this tuple's capture helper binary.
	CaptureTool string
	// LinkTarget is the prefix captured symlinks point under, e.g. "/run/host".
	LinkTarget string
	// Provider is the filesystem root the capture helper resolves
	// libraries from (conventionally the host root, "/").
	Provider string

	// LibdirOnHost is overrides/lib/<tuple> on the host filesystem.
	LibdirOnHost string
	// LibdirInContainer is the equivalent path as it will appear inside
	// the container.
	LibdirInContainer string

	// MutableSysroot is the working copy's root, or "" when composing
	// without one (spec.md §3 "absent a mutable sysroot").
	MutableSysroot string
	// HostRootForManifests is where hostinfo enumeration looks for ICD
	// manifests and DRI drivers (conventionally "/").
	HostRootForManifests string
}

// ICDKind classifies how (or whether) one ICD descriptor was captured.
type ICDKind string

const (
	ICDNonexistent ICDKind = "nonexistent"
	ICDAbsolute    ICDKind = "absolute"
	ICDSoname      ICDKind = "soname"
)

// BoundICD is one ICD descriptor extended with this architecture's capture
// decision (spec.md §3 "Extended per-architecture with...").
type BoundICD struct {
	Descriptor      hostinfo.Descriptor
	Kind            ICDKind
	PathInContainer string
}

// Result accumulates everything a pass learned about one architecture, to
// be fed into the composer's cross-architecture post-processing.
type Result struct {
	Tuple Tuple
	LdSo  string

	EGL    []BoundICD
	Vulkan []BoundICD
	VDPAU  []BoundICD
	VAAPI  []BoundICD

	AnyLibcFromHost  bool
	AllLibcFromHost  bool
	GconvDirOnHost   string
	LibdrmShareDir   string
	AllLibdrmFromHost bool

	DRIDirsOnHost      []string
	DRIDirsInContainer []string

	Warnings []error
}

// Pass runs one architecture's composition.
type Pass struct {
	Config Config
	Driver *capture.Driver
}

// NewPass constructs a Pass wired to drive cfg.CaptureTool.
func NewPass(cfg Config) *Pass {
	return &Pass{
		Config: cfg,
		Driver: &capture.Driver{
			Tool:          cfg.CaptureTool,
			ContainerRoot: cfg.MutableSysroot,
			Provider:      cfg.Provider,
			LinkTarget:    cfg.LinkTarget,
			Dest:          cfg.LibdirOnHost,
		},
	}
}

// Run executes all seven steps of spec.md §4.5 and returns the accumulated
// Result, or ErrArchitectureSkipped if the architecture is not viable.
func (p *Pass) Run() (*Result, error) {
	result := &Result{Tuple: p.Config.Tuple, AllLibcFromHost: true, AllLibdrmFromHost: true}

	ldSo, err := p.resolveLdSo()
	if err != nil {
		logger.Debugf("architecture %s is not viable: %v", p.Config.Tuple.Name, err)
		return nil, fmt.Errorf("%s: %w: %v", p.Config.Tuple.Name, ErrArchitectureSkipped, err)
	}
	result.LdSo = ldSo

	if err := p.captureHostGraphicsStack(); err != nil {
		// Per spec.md §7, capture failures are per-entry and logged,
		// never fatal to the whole architecture.
		result.Warnings = append(result.Warnings, err)
		logger.Noticef("%s: capturing host graphics stack reported: %v", p.Config.Tuple.Name, err)
	}

	if err := os.MkdirAll(p.Config.LibdirOnHost, 0755); err != nil {
		return nil, fmt.Errorf("%s: cannot create %q: %w", p.Config.Tuple.Name, p.Config.LibdirOnHost, err)
	}

	result.EGL = p.bindAll("glvnd", hostinfo.EnumerateEGL(p.Config.HostRootForManifests), true)
	result.Vulkan = p.bindAll("vulkan", hostinfo.EnumerateVulkan(p.Config.HostRootForManifests), true)
	result.VDPAU = p.bindAll("vdpau", hostinfo.EnumerateVDPAU(p.Config.HostRootForManifests, p.Config.Tuple.Name), false)
	result.VAAPI = p.bindAll("va", hostinfo.EnumerateVAAPI(p.Config.HostRootForManifests, p.Config.Tuple.Name), true)

	if p.Config.MutableSysroot != "" {
		if removed, err := p.pruneShadowedRuntimeLibraries(); err != nil {
			result.Warnings = append(result.Warnings, err)
			logger.Noticef("%s: pruning shadowed runtime libraries reported: %v", p.Config.Tuple.Name, err)
		} else {
			logger.Debugf("%s: pruned %d shadowed runtime libraries", p.Config.Tuple.Name, removed)
		}
	}

	p.decideLibc(result)
	p.decideLibdrm(result)
	p.stageDRIDrivers(result)

	return result, nil
}

// resolveLdSo implements step 1: the capture tool's --print-ld.so both
// probes viability and reports the loader path; with a mutable sysroot we
// further canonicalise that path by walking symlinks inside the composed
// root (spec.md §4.5 step 1).
func (p *Pass) resolveLdSo() (string, error) {
	ldSo, err := p.Driver.PrintLdSo()
	if err != nil {
		return "", err
	}
	if p.Config.MutableSysroot == "" {
		return ldSo, nil
	}
	resolved, err := osutil.ResolveSymlinkChain(p.Config.MutableSysroot, ldSo)
	if err != nil {
		return "", fmt.Errorf("cannot resolve ld.so %q inside sysroot: %w", ldSo, err)
	}
	return resolved, nil
}

// nvidiaSonames is the closed proprietary-driver set of spec.md §4.5 step 2.
var nvidiaSonames = []string{
	"libEGL.so.*",
	"libGLX_nvidia.so.*",
	"libcuda.so.*",
	"libnvidia-*.so.*",
	"libvdpau_nvidia.so.*",
	"libOpenCL.so.*",
}

// vaapiSonames is the full VA-API soname set of spec.md §4.5 step 2.
var vaapiSonames = []string{
	"libva.so.1", "libva.so.2",
	"libva-drm.so.1", "libva-drm.so.2",
	"libva-glx.so.1", "libva-glx.so.2",
	"libva-x11.so.1", "libva-x11.so.2",
}

// FixedGraphicsStackExprs builds the fixed capture expression list of
// spec.md §4.5 step 2.
func FixedGraphicsStackExprs() []capture.Expr {
	exprs := []capture.Expr{
		capture.GL(),
		capture.Soname("libvulkan.so.1").IfExists().IfSameABI(),
		capture.Soname("libvdpau.so.1").IfExists().IfSameABI(),
	}
	for _, s := range vaapiSonames {
		exprs = append(exprs, capture.Soname(s).IfExists().IfSameABI())
	}
	for _, s := range nvidiaSonames {
		exprs = append(exprs, capture.SonameMatch(s).IfExists().EvenIfOlder())
	}
	return exprs
}

func (p *Pass) captureHostGraphicsStack() error {
	if err := os.MkdirAll(p.Config.LibdirOnHost, 0755); err != nil {
		return err
	}
	d := *p.Driver
	d.Dest = p.Config.LibdirOnHost
	return d.Capture(FixedGraphicsStackExprs()...)
}

// bindAll runs the bind_icd procedure (step 3) over every descriptor of one
// driver kind. useSeq selects whether per-ICD numbered subdirectories are
// used (everything except VDPAU, which spec.md §4.5 says "is
// single-directory by protocol").
func (p *Pass) bindAll(subdirLabel string, descs []hostinfo.Descriptor, useSeq bool) []BoundICD {
	out := make([]BoundICD, 0, len(descs))
	for _, d := range descs {
		if err := hostinfo.CheckError(d); err != nil {
			logger.Noticef("skipping malformed %s descriptor: %v", d.Kind, err)
			continue
		}
		bound, err := p.bindICD(subdirLabel, d, useSeq)
		if err != nil {
			logger.Noticef("%s: binding %s descriptor (seq %d) failed: %v", p.Config.Tuple.Name, d.Kind, d.Seq, err)
			continue
		}
		out = append(out, bound)
	}
	return out
}

func (p *Pass) bindICD(subdirLabel string, d hostinfo.Descriptor, useSeq bool) (BoundICD, error) {
	bound := BoundICD{Descriptor: d}

	if !filepath.IsAbs(d.LibraryPath) {
		bound.Kind = ICDSoname
		expr := capture.Soname(d.LibraryPath).IfExists().IfSameABI()
		drv := *p.Driver
		drv.Dest = p.Config.LibdirOnHost
		if err := drv.Capture(expr); err != nil {
			return BoundICD{}, err
		}
		return bound, nil
	}

	bound.Kind = ICDAbsolute
	subdirName := subdirLabel
	if useSeq {
		subdirName = filepath.Join(subdirLabel, fmt.Sprintf("%d", d.Seq))
	}
	destDir := filepath.Join(p.Config.LibdirOnHost, subdirName)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return BoundICD{}, err
	}

	rootExpr := capture.Path(d.LibraryPath).NoDependencies().EvenIfOlder().IfExists().IfSameABI()
	rootDrv := *p.Driver
	rootDrv.Dest = destDir
	if err := rootDrv.Capture(rootExpr); err != nil {
		return BoundICD{}, err
	}

	empty, err := dirIsEmpty(destDir)
	if err != nil {
		return BoundICD{}, err
	}
	if empty {
		// Same-ABI check failed: nothing was captured.
		bound.Kind = ICDNonexistent
		return bound, nil
	}

	capturedPath := filepath.Join(destDir, filepath.Base(d.LibraryPath))
	if same, err := p.sameABIAsTuple(capturedPath); err != nil {
		logger.Noticef("%s: cannot verify ABI of captured %q: %v", p.Config.Tuple.Name, capturedPath, err)
	} else if !same {
		// The capture helper's own `if-same-abi:` modifier should have
		// excluded this already; treat a mismatch as if nothing had been
		// captured rather than trusting an untrusted external binary.
		logger.Noticef("%s: %q has the wrong ABI despite if-same-abi:, discarding", p.Config.Tuple.Name, capturedPath)
		if err := os.RemoveAll(destDir); err != nil {
			return BoundICD{}, err
		}
		bound.Kind = ICDNonexistent
		return bound, nil
	}

	depsExpr := capture.Path(d.LibraryPath).OnlyDependencies().EvenIfOlder().IfExists().IfSameABI()
	depsDrv := *p.Driver
	depsDrv.Dest = p.Config.LibdirOnHost
	if err := depsDrv.Capture(depsExpr); err != nil {
		logger.Noticef("capturing dependencies of %q failed: %v", d.LibraryPath, err)
	}

	bound.PathInContainer = filepath.Join(p.Config.LibdirInContainer, subdirName, filepath.Base(d.LibraryPath))
	return bound, nil
}

// sameABIAsTuple backstops the `if-same-abi:` capture modifier: it opens
// the captured object itself and compares its word size and machine
// against the tuple's expected ABI, rather than trusting the external
// capture helper to have enforced the modifier correctly. An unrecognised
// tuple reports true (cannot verify, assume compatible), matching
// soname.TupleABI's own documented policy.
func (p *Pass) sameABIAsTuple(path string) (bool, error) {
	want, ok := soname.TupleABI(p.Config.Tuple.Name)
	if !ok {
		return true, nil
	}
	got, err := soname.ReadABI(path)
	if err != nil {
		return false, err
	}
	return got.Equal(want), nil
}

// pruneShadowedRuntimeLibraries implements step 4: a two-phase scan (mark,
// then delete) of lib/, usr/lib/ and usr/lib/mesa/ under the mutable
// sysroot's per-tuple subdirectory, removing anything shadowed by an
// override with the same basename, the same symlink target basename, or
// the same SONAME.
func (p *Pass) pruneShadowedRuntimeLibraries() (removed int, err error) {
	overridesTupleDir := filepath.Join(p.Config.LibdirOnHost)
	overrideBasenames, err := listBasenames(overridesTupleDir)
	if err != nil {
		return 0, err
	}

	var toDelete []string
	for _, rel := range []string{"lib", "usr/lib", "usr/lib/mesa"} {
		dir := filepath.Join(p.Config.MutableSysroot, rel, p.Config.Tuple.Name)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // directory absent for this tuple, nothing to prune
		}
		for _, e := range entries {
			name := e.Name()
			if !strings.HasPrefix(name, "lib") || !strings.Contains(name, ".so") {
				continue
			}
			full := filepath.Join(dir, name)
			info, err := os.Lstat(full)
			if err != nil {
				continue
			}

			if overrideBasenames[name] {
				toDelete = append(toDelete, full)
				continue
			}
			if info.Mode()&os.ModeSymlink != 0 {
				target, err := os.Readlink(full)
				if err == nil && overrideBasenames[filepath.Base(target)] {
					toDelete = append(toDelete, full)
					continue
				}
			}
			if sn, err := soname.ReadSONAME(full); err == nil && sn != "" && overrideBasenames[sn] {
				toDelete = append(toDelete, full)
			}
		}
	}

	for _, path := range toDelete {
		if err := os.Remove(path); err != nil {
			logger.Noticef("cannot remove shadowed library %q: %v", path, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// decideLibc implements step 5.
func (p *Pass) decideLibc(result *Result) {
	libcPath := filepath.Join(p.Config.LibdirOnHost, "libc.so.6")
	exists, isSymlink := osutil.ExistsSymlink(libcPath)
	if !exists || !isSymlink {
		result.AllLibcFromHost = false
		return
	}

	result.AnyLibcFromHost = true

	// Capture libidn2.so.0 opportunistically; libc may dlopen it.
	d := *p.Driver
	d.Dest = p.Config.LibdirOnHost
	if err := d.Capture(capture.Soname("libidn2.so.0").IfExists().IfSameABI()); err != nil {
		logger.Debugf("opportunistic libidn2 capture failed: %v", err)
	}

	target, err := os.Readlink(libcPath)
	if err == nil {
		hostLibcDir := filepath.Dir(target)
		result.GconvDirOnHost = filepath.Join(hostLibcDir, "gconv")
	}
}

// decideLibdrm implements step 6: infer the host libdrm share directory by
// stripping the architecture suffix from the captured libdrm symlink's
// target.
func (p *Pass) decideLibdrm(result *Result) {
	libdrmPath := filepath.Join(p.Config.LibdirOnHost, "libdrm.so.2")
	exists, isSymlink := osutil.ExistsSymlink(libdrmPath)
	if !exists || !isSymlink {
		result.AllLibdrmFromHost = false
		return
	}
	target, err := os.Readlink(libdrmPath)
	if err != nil {
		result.AllLibdrmFromHost = false
		return
	}
	prefix := stripArchSuffix(filepath.Dir(target), p.Config.Tuple)
	if prefix == "" {
		result.AllLibdrmFromHost = false
		return
	}
	result.LibdrmShareDir = filepath.Join(prefix, "share", "libdrm")
}

var archSuffixes = []string{"/lib64", "/lib32", "/lib"}

func stripArchSuffix(dir string, tuple Tuple) string {
	tupleSuffix := "/lib/" + tuple.Name
	if strings.HasSuffix(dir, tupleSuffix) {
		return strings.TrimSuffix(dir, tupleSuffix)
	}
	for _, suf := range archSuffixes {
		if strings.HasSuffix(dir, suf) {
			return strings.TrimSuffix(dir, suf)
		}
	}
	return ""
}

// stageDRIDrivers implements step 7: for every known DRI-bearing directory
// on the host, capture each driver's dependencies and create per-file
// symlinks pointing at /run/host. Later directories in the search order win
// on collision, matching multiple vendor layouts coexisting on one host.
func (p *Pass) stageDRIDrivers(result *Result) {
	candidates := []string{
		"/lib", "/usr/lib",
	}
	if p.Config.Tuple.LibQual != "" {
		candidates = append(candidates, "/"+p.Config.Tuple.LibQual, "/usr/"+p.Config.Tuple.LibQual)
	}
	candidates = append(candidates,
		"/lib/"+p.Config.Tuple.Name,
		"/usr/lib/"+p.Config.Tuple.Name,
	)

	destDRI := filepath.Join(p.Config.LibdirOnHost, "dri")
	destDRIContainer := filepath.Join(p.Config.LibdirInContainer, "dri")

	found := false
	for _, c := range candidates {
		hostDir := filepath.Join(p.Config.HostRootForManifests, c, "dri")
		if !osutil.IsDirectory(hostDir) {
			continue
		}
		found = true

		matches, err := capture.PreviewPathMatch(hostDir, "*_dri.so")
		if err != nil {
			logger.Noticef("cannot enumerate DRI drivers under %q: %v", hostDir, err)
			continue
		}
		if len(matches) == 0 {
			continue
		}
		if err := os.MkdirAll(destDRI, 0755); err != nil {
			logger.Noticef("cannot create %q: %v", destDRI, err)
			continue
		}
		for _, full := range matches {
			name := filepath.Base(full)
			d := *p.Driver
			d.Dest = p.Config.LibdirOnHost
			if err := d.Capture(capture.Path(full).OnlyDependencies().EvenIfOlder().IfExists().IfSameABI()); err != nil {
				logger.Noticef("cannot capture DRI driver dependencies for %q: %v", name, err)
			}
			linkPath := filepath.Join(destDRI, name)
			os.Remove(linkPath) // later directories win on collision
			if err := os.Symlink(filepath.Join(p.Config.LinkTarget, full), linkPath); err != nil {
				logger.Noticef("cannot create DRI drop-in symlink %q: %v", linkPath, err)
			}
		}

		s2tc := filepath.Join(hostDir, "libtxc_dxtn.so")
		if _, err := os.Stat(s2tc); err == nil {
			d := *p.Driver
			d.Dest = p.Config.LibdirOnHost
			if err := d.Capture(capture.Path(s2tc).IfExists().IfSameABI()); err != nil {
				logger.Noticef("cannot capture s2tc library: %v", err)
			}
		}
	}

	if found {
		result.DRIDirsOnHost = append(result.DRIDirsOnHost, destDRI)
		result.DRIDirsInContainer = append(result.DRIDirsInContainer, destDRIContainer)
	}
}

func dirIsEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

func listBasenames(dir string) (map[string]bool, error) {
	out := map[string]bool{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			out[e.Name()] = true
		}
	}
	return out, nil
}
