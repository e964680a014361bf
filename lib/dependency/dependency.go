// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

// Package dependency defines the provider/dependency expression model
// shared by the stone codec, the metadata store, and the resolver.
package dependency

import "fmt"

// Kind identifies the namespace a dependency or provider expression
// lives in. Values and ordering match the meta payload's Dependency
// kind byte so a Kind round-trips through stone encoding unchanged.
type Kind uint8

const (
	PackageName Kind = iota
	SharedLibrary
	PkgConfig
	Interpreter
	CMake
	PythonModule
	Binary
	SystemBinary
	PkgConfig32
)

var kindNames = [...]string{
	PackageName:   "name",
	SharedLibrary: "soname",
	PkgConfig:     "pkgconfig",
	Interpreter:   "interpreter",
	CMake:         "cmake",
	PythonModule:  "python",
	Binary:        "binary",
	SystemBinary:  "sysbinary",
	PkgConfig32:   "pkgconfig32",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("dependency.Kind(%d)", uint8(k))
}

// ParseKind maps a stone meta record's serialized kind name back to a
// Kind. It returns false if name is not recognized.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return Kind(k), true
		}
	}
	return 0, false
}

// Expression is a single dependency or provider requirement, e.g.
// soname(libz.so.1) or pkgconfig(gtk4).
type Expression struct {
	Kind Kind
	Name string
}

func (e Expression) String() string {
	if e.Kind == PackageName {
		return e.Name
	}
	return fmt.Sprintf("%s(%s)", e.Kind, e.Name)
}

// Set is a small ordered collection used for a single package's
// dependency or provider list; duplicates are permitted at this layer
// since the same soname may be both a dependency and a provider.
type Set []Expression

// Has reports whether the set contains an expression equal to e.
func (s Set) Has(e Expression) bool {
	for _, existing := range s {
		if existing == e {
			return true
		}
	}
	return false
}
