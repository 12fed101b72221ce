// -*- Mode: Go; indent-tabs-mode: t -*-

package main_test

import (
	"testing"

	. "gopkg.in/check.v1"

	main "github.com/pressurevessel/runtimecomp/cmd/pressure-compose"
)

func Test(t *testing.T) { TestingT(t) }

type mainSuite struct{}

var _ = Suite(&mainSuite{})

func (s *mainSuite) TestResolveTuplesFallsBackToDefaults(c *C) {
	tuples := main.ResolveTuples(main.Config{})
	c.Assert(tuples, Not(HasLen), 0)
	c.Check(tuples[0].Name, Equals, "x86_64-linux-gnu")
}

func (s *mainSuite) TestResolveTuplesUsesConfiguredList(c *C) {
	tuples := main.ResolveTuples(main.Config{MultiarchTuples: []string{"aarch64-linux-gnu"}})
	c.Assert(tuples, HasLen, 1)
	c.Check(tuples[0].Name, Equals, "aarch64-linux-gnu")
}
