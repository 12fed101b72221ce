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

package dirs_test

import (
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/pressurevessel/runtimecomp/dirs"
)

func Test(t *testing.T) { TestingT(t) }

type dirsSuite struct{}

var _ = Suite(&dirsSuite{})

func (s *dirsSuite) TearDownTest(c *C) {
	dirs.SetRootDir("")
}

func (s *dirsSuite) TestDefaultRootDir(c *C) {
	dirs.SetRootDir("")
	c.Check(dirs.RootDir, Equals, "/")
	c.Check(dirs.HostRunDir, Equals, "/run/host")
}

func (s *dirsSuite) TestSetRootDirRecomputesDerivedPaths(c *C) {
	root := c.MkDir()
	dirs.SetRootDir(root)

	c.Check(dirs.RootDir, Equals, root)
	c.Check(dirs.RunDir, Equals, filepath.Join(root, "run"))
	c.Check(dirs.XdgRuntimeDir, Equals, filepath.Join(root, "run/user"))
	c.Check(dirs.HostRunDir, Equals, filepath.Join(root, "run/host"))
	c.Check(dirs.EtcLocaltime, Equals, filepath.Join(root, "etc/localtime"))
}

func (s *dirsSuite) TestRuntimeStoreParentDefault(c *C) {
	root := c.MkDir()
	dirs.SetRootDir(root)
	c.Check(dirs.RuntimeStoreParentDefault(), Equals, filepath.Join(dirs.XdgRuntimeDir, "pressure-vessel"))
}
