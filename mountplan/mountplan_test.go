// -*- Mode: Go; indent-tabs-mode: t -*-

package mountplan_test

import (
	"os"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/pressurevessel/runtimecomp/mountplan"
)

func Test(t *testing.T) { TestingT(t) }

type mountplanSuite struct{}

var _ = Suite(&mountplanSuite{})

func (s *mountplanSuite) TestAppendOrderIsPreserved(c *C) {
	b := mountplan.NewBuilder()
	c.Assert(b.ROBind("/usr", "/run/host/usr"), IsNil)
	c.Assert(b.Setenv("FOO", "bar"), IsNil)
	c.Assert(b.Tmpfs("/tmp"), IsNil)

	argv := b.Argv()
	c.Check(argv, DeepEquals, []string{
		"ro-bind", "/usr", "/run/host/usr",
		"setenv", "FOO", "bar",
		"tmpfs", "/tmp",
	})
}

func (s *mountplanSuite) TestFinishRejectsFurtherAppends(c *C) {
	b := mountplan.NewBuilder()
	c.Assert(b.Dir("/run/host"), IsNil)
	b.Finish()

	err := b.Bind("/a", "/b")
	c.Assert(err, Equals, mountplan.ErrFinished)
}

func (s *mountplanSuite) TestSymlinkAndUnsetenv(c *C) {
	b := mountplan.NewBuilder()
	c.Assert(b.Symlink("usr/lib", "/lib"), IsNil)
	c.Assert(b.Unsetenv("LD_PRELOAD"), IsNil)

	c.Check(b.Argv(), DeepEquals, []string{
		"symlink", "usr/lib", "/lib",
		"unsetenv", "LD_PRELOAD",
	})
}

func (s *mountplanSuite) TestLockFileCarriesDescriptor(c *C) {
	f, err := os.CreateTemp(c.MkDir(), "ref")
	c.Assert(err, IsNil)
	defer f.Close()

	b := mountplan.NewBuilder()
	c.Assert(b.LockFile("/run/pressure-vessel/mutable/usr/.ref", f), IsNil)

	instructions := b.Instructions()
	c.Assert(instructions, HasLen, 1)
	c.Check(instructions[0].File, Equals, f)
	c.Check(b.ExtraFiles(), DeepEquals, []*os.File{f})
}

func (s *mountplanSuite) TestSetenvFromFDMintsIncreasingDescriptors(c *C) {
	f1, err := os.CreateTemp(c.MkDir(), "a")
	c.Assert(err, IsNil)
	defer f1.Close()
	f2, err := os.CreateTemp(c.MkDir(), "b")
	c.Assert(err, IsNil)
	defer f2.Close()

	b := mountplan.NewBuilder()
	fd1, err := b.SetenvFromFD("LOCALE_GEN_OUTPUT", f1)
	c.Assert(err, IsNil)
	fd2, err := b.SetenvFromFD("SOME_OTHER_VAR", f2)
	c.Assert(err, IsNil)
	c.Check(fd2, Equals, fd1+1)

	c.Check(b.Argv(), DeepEquals, []string{
		"fd", "3",
		"setenv-from-fd", "LOCALE_GEN_OUTPUT", "3",
		"fd", "4",
		"setenv-from-fd", "SOME_OTHER_VAR", "4",
	})
	c.Check(b.ExtraFiles(), DeepEquals, []*os.File{f1, f2})
}

func (s *mountplanSuite) TestMergeAppendsAndFinishesOther(c *C) {
	a := mountplan.NewBuilder()
	c.Assert(a.Dir("/run/host"), IsNil)

	other := mountplan.NewBuilder()
	c.Assert(other.ROBind("/usr", "/run/host/usr"), IsNil)

	c.Assert(a.Merge(other), IsNil)
	c.Check(a.Argv(), DeepEquals, []string{
		"dir", "/run/host",
		"ro-bind", "/usr", "/run/host/usr",
	})

	err := other.Dir("/anything")
	c.Assert(err, Equals, mountplan.ErrFinished)
}

func (s *mountplanSuite) TestSeparatorToken(c *C) {
	b := mountplan.NewBuilder()
	c.Assert(b.Setenv("A", "1"), IsNil)
	c.Assert(b.Separator(), IsNil)

	c.Check(b.Argv(), DeepEquals, []string{"setenv", "A", "1", "--"})
}
