// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package dependency

import "testing"

func TestExpressionString(t *testing.T) {
	cases := []struct {
		expr Expression
		want string
	}{
		{Expression{Kind: PackageName, Name: "nano"}, "nano"},
		{Expression{Kind: SharedLibrary, Name: "libc.so.6"}, "soname(libc.so.6)"},
		{Expression{Kind: PkgConfig, Name: "gtk4"}, "pkgconfig(gtk4)"},
	}
	for _, c := range cases {
		if got := c.expr.String(); got != c.want {
			t.Errorf("Expression{%v, %q}.String() = %q, want %q", c.expr.Kind, c.expr.Name, got, c.want)
		}
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for k := PackageName; k <= PkgConfig32; k++ {
		name := k.String()
		got, ok := ParseKind(name)
		if !ok || got != k {
			t.Errorf("ParseKind(%q) = (%v, %v), want (%v, true)", name, got, ok, k)
		}
	}
}

func TestParseKindUnknown(t *testing.T) {
	if _, ok := ParseKind("not-a-kind"); ok {
		t.Fatal("ParseKind on unknown name returned ok=true")
	}
}

func TestSetHas(t *testing.T) {
	set := Set{
		{Kind: PackageName, Name: "nano"},
		{Kind: SharedLibrary, Name: "libc.so.6"},
	}
	if !set.Has(Expression{Kind: PackageName, Name: "nano"}) {
		t.Fatal("Has returned false for a member expression")
	}
	if set.Has(Expression{Kind: PackageName, Name: "bash"}) {
		t.Fatal("Has returned true for a non-member expression")
	}
}
