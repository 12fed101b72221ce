// -*- Mode: Go; indent-tabs-mode: t -*-

package main

import "github.com/pressurevessel/runtimecomp/config"

var ResolveTuples = resolveTuples

type Config = config.Config
