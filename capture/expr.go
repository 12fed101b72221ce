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

// Package capture implements component C3: the expression DSL the
// library-capture driver feeds to the external per-architecture capture
// helper, and the driver that invokes it.
//
// Per spec.md §9, the DSL is modeled as a tagged-variant value (Expr)
// rather than ad-hoc string concatenation, and serialised to the helper's
// colon-separated, prefix-composed CLI syntax only at the edge.
package capture

import "strings"

// Kind identifies the root token of an expression.
type Kind string

const (
	KindSoname      Kind = "soname"
	KindSonameMatch Kind = "soname-match"
	KindPath        Kind = "path"
	KindPathMatch   Kind = "path-match"
	KindGL          Kind = "gl"
)

// Modifier is one of the prefix tokens that can precede a root token.
type Modifier string

const (
	ModIfExists         Modifier = "if-exists"
	ModIfSameABI        Modifier = "if-same-abi"
	ModEvenIfOlder      Modifier = "even-if-older"
	ModOnlyDependencies Modifier = "only-dependencies"
	ModNoDependencies   Modifier = "no-dependencies"
)

// Expr is one capture expression: a root token plus an ordered list of
// prefix modifiers, exactly as described in spec.md §4.2.
type Expr struct {
	Kind      Kind
	Arg       string
	Modifiers []Modifier
}

// Soname builds a `soname:NAME` expression.
func Soname(name string) Expr { return Expr{Kind: KindSoname, Arg: name} }

// SonameMatch builds a `soname-match:GLOB` expression.
func SonameMatch(glob string) Expr { return Expr{Kind: KindSonameMatch, Arg: glob} }

// Path builds a `path:ABS` expression.
func Path(abs string) Expr { return Expr{Kind: KindPath, Arg: abs} }

// PathMatch builds a `path-match:GLOB` expression.
func PathMatch(glob string) Expr { return Expr{Kind: KindPathMatch, Arg: glob} }

// GL builds the fixed `gl:` expression that captures the known
// OpenGL/EGL/GLX stack set.
func GL() Expr { return Expr{Kind: KindGL} }

// With returns a copy of e with the given modifiers appended, in the
// caller-supplied order (the helper's grammar is prefix-composed, so order
// is preserved when serialising).
func (e Expr) With(mods ...Modifier) Expr {
	out := e
	out.Modifiers = append(append([]Modifier(nil), e.Modifiers...), mods...)
	return out
}

// IfExists, IfSameABI, EvenIfOlder, OnlyDependencies and NoDependencies are
// readable shorthands for the common modifiers used throughout archpass.
func (e Expr) IfExists() Expr         { return e.With(ModIfExists) }
func (e Expr) IfSameABI() Expr        { return e.With(ModIfSameABI) }
func (e Expr) EvenIfOlder() Expr      { return e.With(ModEvenIfOlder) }
func (e Expr) OnlyDependencies() Expr { return e.With(ModOnlyDependencies) }
func (e Expr) NoDependencies() Expr   { return e.With(ModNoDependencies) }

// String renders the expression in the helper's colon-separated,
// prefix-composed CLI syntax, e.g. "if-exists:if-same-abi:soname:libvulkan.so.1".
func (e Expr) String() string {
	var b strings.Builder
	for _, m := range e.Modifiers {
		b.WriteString(string(m))
		b.WriteString(":")
	}
	b.WriteString(string(e.Kind))
	b.WriteString(":")
	b.WriteString(e.Arg)
	return b.String()
}
