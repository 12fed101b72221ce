// -*- Mode: Go; indent-tabs-mode: t -*-

package archpass_test

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/pressurevessel/runtimecomp/archpass"
	"github.com/pressurevessel/runtimecomp/capture"
)

func Test(t *testing.T) { TestingT(t) }

type archpassSuite struct{}

var _ = Suite(&archpassSuite{})

// writeFakeCaptureTool lays down a small shell script standing in for
// "<tuple>-capsule-capture-libs": its behaviour for a given invocation is
// steered entirely by environment variables, the same indirection
// TestHelperProcess uses elsewhere in this module, but here a real script is
// required since archpass has no access to capture's unexported execCommand
// hook from outside that package.
func writeFakeCaptureTool(c *C) string {
	if runtime.GOOS != "linux" {
		c.Skip("fake capture tool is a shell script")
	}
	path := filepath.Join(c.MkDir(), "fake-capsule-capture-libs")
	script := `#!/bin/sh
if [ "$1" = "--print-ld.so" ]; then
	echo "$FAKE_CAPTURE_LDSO"
	exit "${FAKE_CAPTURE_LDSO_EXIT:-0}"
fi

dest=""
prev=""
for a in "$@"; do
	if [ "$prev" = "--dest" ]; then
		dest="$a"
	fi
	prev="$a"
done

if [ -n "$FAKE_CAPTURE_TOUCH" ] && [ -n "$dest" ]; then
	touch "$dest/$FAKE_CAPTURE_TOUCH"
fi

exit "${FAKE_CAPTURE_EXIT:-0}"
`
	c.Assert(os.WriteFile(path, []byte(script), 0755), IsNil)
	return path
}

func (s *archpassSuite) SetUpTest(c *C) {
	for _, v := range []string{"FAKE_CAPTURE_LDSO", "FAKE_CAPTURE_LDSO_EXIT", "FAKE_CAPTURE_TOUCH", "FAKE_CAPTURE_EXIT"} {
		os.Unsetenv(v)
	}
}

func baseConfig(tool, hostRoot string) archpass.Config {
	return archpass.Config{
		Tuple:                archpass.Tuple{Name: "x86_64-linux-gnu", LibQual: "lib64"},
		CaptureTool:          tool,
		LinkTarget:           "/run/host",
		Provider:             "/",
		HostRootForManifests: hostRoot,
	}
}

func (s *archpassSuite) TestRunSkipsNonViableArchitecture(c *C) {
	tool := writeFakeCaptureTool(c)
	os.Setenv("FAKE_CAPTURE_LDSO_EXIT", "1")

	cfg := baseConfig(tool, c.MkDir())
	cfg.LibdirOnHost = filepath.Join(c.MkDir(), "overrides")
	cfg.LibdirInContainer = "/overrides/lib/x86_64-linux-gnu"

	_, err := archpass.NewPass(cfg).Run()
	c.Assert(err, ErrorMatches, ".*not viable.*")
}

func (s *archpassSuite) TestRunResolvesLdSoInsideMutableSysroot(c *C) {
	tool := writeFakeCaptureTool(c)
	os.Setenv("FAKE_CAPTURE_LDSO", "/lib64/ld-linux-x86-64.so.2")

	sysroot := c.MkDir()
	c.Assert(os.MkdirAll(filepath.Join(sysroot, "lib", "x86_64-linux-gnu"), 0755), IsNil)
	c.Assert(os.WriteFile(filepath.Join(sysroot, "lib", "x86_64-linux-gnu", "ld-2.31.so"), nil, 0644), IsNil)
	c.Assert(os.MkdirAll(filepath.Join(sysroot, "lib64"), 0755), IsNil)
	c.Assert(os.Symlink("../lib/x86_64-linux-gnu/ld-2.31.so", filepath.Join(sysroot, "lib64", "ld-linux-x86-64.so.2")), IsNil)

	cfg := baseConfig(tool, c.MkDir())
	cfg.MutableSysroot = sysroot
	cfg.LibdirOnHost = filepath.Join(c.MkDir(), "overrides")
	cfg.LibdirInContainer = "/overrides/lib/x86_64-linux-gnu"

	result, err := archpass.NewPass(cfg).Run()
	c.Assert(err, IsNil)
	c.Check(result.LdSo, Equals, "/lib/x86_64-linux-gnu/ld-2.31.so")
}

func (s *archpassSuite) TestBindICDAbsoluteCapturesIntoNumberedSubdir(c *C) {
	tool := writeFakeCaptureTool(c)
	os.Setenv("FAKE_CAPTURE_LDSO", "/lib64/ld-linux-x86-64.so.2")
	os.Setenv("FAKE_CAPTURE_TOUCH", "libEGL_nvidia.so.0")

	hostRoot := c.MkDir()
	manifestDir := filepath.Join(hostRoot, "usr", "share", "glvnd", "egl_vendor.d")
	c.Assert(os.MkdirAll(manifestDir, 0755), IsNil)
	c.Assert(os.WriteFile(filepath.Join(manifestDir, "10_nvidia.json"),
		[]byte(`{"file_format_version":"1.0.0","ICD":{"library_path":"/usr/lib/x86_64-linux-gnu/libEGL_nvidia.so.0"}}`), 0644), IsNil)

	cfg := baseConfig(tool, hostRoot)
	cfg.LibdirOnHost = filepath.Join(c.MkDir(), "overrides")
	cfg.LibdirInContainer = "/overrides/lib/x86_64-linux-gnu"

	result, err := archpass.NewPass(cfg).Run()
	c.Assert(err, IsNil)
	c.Assert(result.EGL, HasLen, 1)
	c.Check(result.EGL[0].Kind, Equals, archpass.ICDAbsolute)
	c.Check(result.EGL[0].PathInContainer, Equals, "/overrides/lib/x86_64-linux-gnu/glvnd/0/libEGL_nvidia.so.0")
}

func (s *archpassSuite) TestBindICDNonexistentWhenSameABICaptureFindsNothing(c *C) {
	tool := writeFakeCaptureTool(c)
	os.Setenv("FAKE_CAPTURE_LDSO", "/lib64/ld-linux-x86-64.so.2")
	// No FAKE_CAPTURE_TOUCH: the capture helper runs but "finds" nothing.

	hostRoot := c.MkDir()
	manifestDir := filepath.Join(hostRoot, "usr", "share", "vulkan", "icd.d")
	c.Assert(os.MkdirAll(manifestDir, 0755), IsNil)
	c.Assert(os.WriteFile(filepath.Join(manifestDir, "radeon_icd.x86_64.json"),
		[]byte(`{"file_format_version":"1.0.0","ICD":{"library_path":"/usr/lib/x86_64-linux-gnu/libvulkan_radeon.so"}}`), 0644), IsNil)

	cfg := baseConfig(tool, hostRoot)
	cfg.LibdirOnHost = filepath.Join(c.MkDir(), "overrides")
	cfg.LibdirInContainer = "/overrides/lib/x86_64-linux-gnu"

	result, err := archpass.NewPass(cfg).Run()
	c.Assert(err, IsNil)
	c.Assert(result.Vulkan, HasLen, 1)
	c.Check(result.Vulkan[0].Kind, Equals, archpass.ICDNonexistent)
	c.Check(result.Vulkan[0].PathInContainer, Equals, "")
}

func (s *archpassSuite) TestBindICDSonameDescriptorCapturesDirectlyIntoLibdir(c *C) {
	tool := writeFakeCaptureTool(c)
	os.Setenv("FAKE_CAPTURE_LDSO", "/lib64/ld-linux-x86-64.so.2")

	hostRoot := c.MkDir()
	manifestDir := filepath.Join(hostRoot, "etc", "vulkan", "icd.d")
	c.Assert(os.MkdirAll(manifestDir, 0755), IsNil)
	c.Assert(os.WriteFile(filepath.Join(manifestDir, "intel_icd.json"),
		[]byte(`{"file_format_version":"1.0.0","ICD":{"library_path":"libvulkan_intel.so"}}`), 0644), IsNil)

	cfg := baseConfig(tool, hostRoot)
	cfg.LibdirOnHost = filepath.Join(c.MkDir(), "overrides")
	cfg.LibdirInContainer = "/overrides/lib/x86_64-linux-gnu"

	result, err := archpass.NewPass(cfg).Run()
	c.Assert(err, IsNil)
	c.Assert(result.Vulkan, HasLen, 1)
	c.Check(result.Vulkan[0].Kind, Equals, archpass.ICDSoname)
}

func (s *archpassSuite) TestDecideLibcDetectsHostLibcAndGconvDir(c *C) {
	tool := writeFakeCaptureTool(c)
	os.Setenv("FAKE_CAPTURE_LDSO", "/lib64/ld-linux-x86-64.so.2")

	cfg := baseConfig(tool, c.MkDir())
	cfg.LibdirOnHost = filepath.Join(c.MkDir(), "overrides")
	cfg.LibdirInContainer = "/overrides/lib/x86_64-linux-gnu"
	c.Assert(os.MkdirAll(cfg.LibdirOnHost, 0755), IsNil)
	c.Assert(os.Symlink("/run/host/usr/lib/x86_64-linux-gnu/libc-2.31.so",
		filepath.Join(cfg.LibdirOnHost, "libc.so.6")), IsNil)

	result, err := archpass.NewPass(cfg).Run()
	c.Assert(err, IsNil)
	c.Check(result.AnyLibcFromHost, Equals, true)
	c.Check(result.GconvDirOnHost, Equals, "/run/host/usr/lib/x86_64-linux-gnu/gconv")
}

func (s *archpassSuite) TestDecideLibcAllLibcFromHostFalseWhenNotASymlink(c *C) {
	tool := writeFakeCaptureTool(c)
	os.Setenv("FAKE_CAPTURE_LDSO", "/lib64/ld-linux-x86-64.so.2")

	cfg := baseConfig(tool, c.MkDir())
	cfg.LibdirOnHost = filepath.Join(c.MkDir(), "overrides")
	cfg.LibdirInContainer = "/overrides/lib/x86_64-linux-gnu"

	result, err := archpass.NewPass(cfg).Run()
	c.Assert(err, IsNil)
	c.Check(result.AllLibcFromHost, Equals, false)
	c.Check(result.AnyLibcFromHost, Equals, false)
}

func (s *archpassSuite) TestDecideLibdrmSharePath(c *C) {
	tool := writeFakeCaptureTool(c)
	os.Setenv("FAKE_CAPTURE_LDSO", "/lib64/ld-linux-x86-64.so.2")

	cfg := baseConfig(tool, c.MkDir())
	cfg.LibdirOnHost = filepath.Join(c.MkDir(), "overrides")
	cfg.LibdirInContainer = "/overrides/lib/x86_64-linux-gnu"
	c.Assert(os.MkdirAll(cfg.LibdirOnHost, 0755), IsNil)
	c.Assert(os.Symlink("/run/host/usr/lib/x86_64-linux-gnu/libdrm-2.4.so",
		filepath.Join(cfg.LibdirOnHost, "libdrm.so.2")), IsNil)

	result, err := archpass.NewPass(cfg).Run()
	c.Assert(err, IsNil)
	c.Check(result.LibdrmShareDir, Equals, "/run/host/usr/share/libdrm")
}

func (s *archpassSuite) TestStageDRIDriversCreatesRunHostSymlinks(c *C) {
	tool := writeFakeCaptureTool(c)
	os.Setenv("FAKE_CAPTURE_LDSO", "/lib64/ld-linux-x86-64.so.2")

	hostRoot := c.MkDir()
	hostDRIDir := filepath.Join(hostRoot, "usr", "lib", "x86_64-linux-gnu", "dri")
	c.Assert(os.MkdirAll(hostDRIDir, 0755), IsNil)
	c.Assert(os.WriteFile(filepath.Join(hostDRIDir, "radeonsi_dri.so"), nil, 0644), IsNil)

	cfg := baseConfig(tool, hostRoot)
	cfg.LibdirOnHost = filepath.Join(c.MkDir(), "overrides")
	cfg.LibdirInContainer = "/overrides/lib/x86_64-linux-gnu"

	result, err := archpass.NewPass(cfg).Run()
	c.Assert(err, IsNil)
	c.Assert(result.DRIDirsOnHost, HasLen, 1)

	target, err := os.Readlink(filepath.Join(cfg.LibdirOnHost, "dri", "radeonsi_dri.so"))
	c.Assert(err, IsNil)
	c.Check(target, Equals, filepath.Join("/run/host", hostDRIDir, "radeonsi_dri.so"))
}

func (s *archpassSuite) TestFixedGraphicsStackExprsIncludesNvidiaEvenIfOlderAndVAAPISet(c *C) {
	exprs := archpass.FixedGraphicsStackExprs()

	var sawGL, sawNvidia, sawVAAPI bool
	for _, e := range exprs {
		switch {
		case e.String() == "gl:":
			sawGL = true
		case e.Kind == capture.KindSonameMatch:
			sawNvidia = true
			var hasEvenIfOlder bool
			for _, m := range e.Modifiers {
				if m == capture.ModEvenIfOlder {
					hasEvenIfOlder = true
				}
			}
			c.Check(hasEvenIfOlder, Equals, true)
		case e.Arg == "libva.so.2":
			sawVAAPI = true
		}
	}
	c.Check(sawGL, Equals, true)
	c.Check(sawNvidia, Equals, true)
	c.Check(sawVAAPI, Equals, true)
}

func (s *archpassSuite) TestSameABIAsTupleUnknownTupleAssumesCompatible(c *C) {
	// An unrecognised tuple can't be checked against soname.TupleABI, so
	// bindICD's backstop must default to "assume compatible" rather than
	// reject the capture outright -- and must do so without even needing to
	// open the (nonexistent) file.
	same, err := archpass.SameABIAsTupleForTest(
		archpass.Tuple{Name: "mips-linux-gnu"},
		filepath.Join(c.MkDir(), "nope.so"),
	)
	c.Assert(err, IsNil)
	c.Check(same, Equals, true)
}

func (s *archpassSuite) TestSameABIAsTupleKnownTuplePropagatesReadError(c *C) {
	_, err := archpass.SameABIAsTupleForTest(
		archpass.Tuple{Name: "x86_64-linux-gnu"},
		filepath.Join(c.MkDir(), "nope.so"),
	)
	c.Assert(err, NotNil)
}
