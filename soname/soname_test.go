// -*- Mode: Go; indent-tabs-mode: t -*-

package soname_test

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/pressurevessel/runtimecomp/soname"
)

func Test(t *testing.T) { TestingT(t) }

type sonameSuite struct{}

var _ = Suite(&sonameSuite{})

func (s *sonameSuite) TestTupleABIKnown(c *C) {
	abi, ok := soname.TupleABI("x86_64-linux-gnu")
	c.Assert(ok, Equals, true)
	c.Check(abi.Class, Equals, elf.ELFCLASS64)
	c.Check(abi.Machine, Equals, elf.EM_X86_64)
	c.Check(abi.String(), Equals, "ELFCLASS64 EM_X86_64")

	abi32, ok := soname.TupleABI("i386-linux-gnu")
	c.Assert(ok, Equals, true)
	c.Check(abi.Equal(abi32), Equals, false)
}

func (s *sonameSuite) TestTupleABIUnknown(c *C) {
	_, ok := soname.TupleABI("mips-linux-gnu")
	c.Check(ok, Equals, false)
}

func (s *sonameSuite) TestABIEqual(c *C) {
	a := soname.ABI{Class: elf.ELFCLASS64, Machine: elf.EM_X86_64}
	b := soname.ABI{Class: elf.ELFCLASS64, Machine: elf.EM_X86_64}
	d := soname.ABI{Class: elf.ELFCLASS32, Machine: elf.EM_386}
	c.Check(a.Equal(b), Equals, true)
	c.Check(a.Equal(d), Equals, false)
}

func (s *sonameSuite) TestReadSONAMEMissingFile(c *C) {
	_, err := soname.ReadSONAME(filepath.Join(c.MkDir(), "nope.so"))
	c.Assert(err, ErrorMatches, "cannot open ELF object.*")
}

func (s *sonameSuite) TestReadSONAMENotAnELFFile(c *C) {
	path := filepath.Join(c.MkDir(), "not-elf.so")
	c.Assert(os.WriteFile(path, []byte("not an ELF file"), 0644), IsNil)

	_, err := soname.ReadSONAME(path)
	c.Assert(err, ErrorMatches, "cannot open ELF object.*")
}

func (s *sonameSuite) TestReadABIMissingFile(c *C) {
	_, err := soname.ReadABI(filepath.Join(c.MkDir(), "nope.so"))
	c.Assert(err, NotNil)
}
