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

// Package hostinfo implements component C4: enumerating the host's EGL,
// Vulkan, VDPAU and VA-API driver descriptors for a given multiarch tuple.
// Order of discovery is preserved (spec.md §4.3) and becomes the sequence
// number archpass uses to disambiguate basename collisions.
package hostinfo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pressurevessel/runtimecomp/logger"
)

// Kind identifies which driver class a Descriptor belongs to.
type Kind string

const (
	KindEGL    Kind = "egl"
	KindVulkan Kind = "vulkan"
	KindVDPAU  Kind = "vdpau"
	KindVAAPI  Kind = "vaapi"
)

// Descriptor is one opaque entry discovered on the host: a JSON manifest
// (EGL/Vulkan) or a bare driver .so (VDPAU/VA-API), plus the resolvable
// library path spec.md §3 calls out as always present.
type Descriptor struct {
	Kind Kind
	// Seq is the order in which this descriptor was discovered, used to
	// disambiguate basename collisions (spec.md §4.3 "Order of
	// discovery is preserved and becomes the sequence number").
	Seq int
	// ManifestPath is the JSON manifest's path, empty for VDPAU/VA-API.
	ManifestPath string
	// LibraryPath is the (possibly relative, possibly just a SONAME)
	// library reference this descriptor resolves to.
	LibraryPath string
}

type eglOrVulkanManifest struct {
	FileFormatVersion string          `json:"file_format_version"`
	ICD               *manifestICD    `json:"ICD,omitempty"`
	Layer             json.RawMessage `json:"layer,omitempty"`
}

type manifestICD struct {
	LibraryPath string `json:"library_path"`
}

// manifestSearchDirs are the standard locations a host exposes EGL/Vulkan
// ICD manifests, most-specific (site admin override) first.
func manifestSearchDirs(base string, sub string) []string {
	return []string{
		filepath.Join(base, "etc", sub),
		filepath.Join(base, "usr", "share", sub),
		filepath.Join(base, "usr", "local", "share", sub),
	}
}

// check_error equivalent: a malformed/unreadable manifest is logged and
// skipped, never fatal (spec.md §4.3, §7 "ICD manifest errors").
func scanJSONManifests(dirs []string, kind Kind) []Descriptor {
	var out []Descriptor
	seq := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)

		for _, name := range names {
			path := filepath.Join(dir, name)
			data, err := os.ReadFile(path)
			if err != nil {
				logger.Noticef("cannot read %s manifest %q: %v", kind, path, err)
				continue
			}
			var m eglOrVulkanManifest
			if err := json.Unmarshal(data, &m); err != nil {
				logger.Noticef("cannot parse %s manifest %q: %v", kind, path, err)
				continue
			}
			if m.ICD == nil || m.ICD.LibraryPath == "" {
				logger.Noticef("%s manifest %q has no usable library_path", kind, path)
				continue
			}
			out = append(out, Descriptor{
				Kind:         kind,
				Seq:          seq,
				ManifestPath: path,
				LibraryPath:  m.ICD.LibraryPath,
			})
			seq++
		}
	}
	return out
}

// EnumerateEGL discovers EGL ICD manifests under the standard
// glvnd/egl_vendor.d locations.
func EnumerateEGL(rootDir string) []Descriptor {
	return scanJSONManifests(manifestSearchDirs(rootDir, filepath.Join("glvnd", "egl_vendor.d")), KindEGL)
}

// EnumerateVulkan discovers Vulkan ICD manifests under the standard
// vulkan/icd.d locations.
func EnumerateVulkan(rootDir string) []Descriptor {
	return scanJSONManifests(manifestSearchDirs(rootDir, filepath.Join("vulkan", "icd.d")), KindVulkan)
}

// driverSOGlob discovers bare driver .so files (VDPAU/VA-API have no JSON
// manifest; spec.md §4.3) under rootDir/usr/lib/<tuple>/<subdir>.
func driverSOGlob(rootDir, tuple, subdir string, kind Kind) []Descriptor {
	dir := filepath.Join(rootDir, "usr", "lib", tuple, subdir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".so" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]Descriptor, 0, len(names))
	for i, name := range names {
		out = append(out, Descriptor{
			Kind:        kind,
			Seq:         i,
			LibraryPath: filepath.Join(dir, name),
		})
	}
	return out
}

// EnumerateVDPAU discovers VDPAU driver .so files for tuple.
func EnumerateVDPAU(rootDir, tuple string) []Descriptor {
	return driverSOGlob(rootDir, tuple, "vdpau", KindVDPAU)
}

// EnumerateVAAPI discovers VA-API driver .so files for tuple (conventionally
// named "<name>_drv_video.so" under the dri/ directory).
func EnumerateVAAPI(rootDir, tuple string) []Descriptor {
	return driverSOGlob(rootDir, tuple, "dri", KindVAAPI)
}

// CheckError is the per-descriptor validity check spec.md §4.3 calls
// "check_error()": a descriptor without a library path is malformed,
// whether or not it has a manifest.
func CheckError(d Descriptor) error {
	if d.LibraryPath == "" {
		return fmt.Errorf("%s descriptor (seq %d) has no library path", d.Kind, d.Seq)
	}
	return nil
}
