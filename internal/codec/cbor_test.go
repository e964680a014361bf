// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package codec

import (
	"bytes"
	"testing"
)

type record struct {
	Name    string
	Version int
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	want := record{Name: "nano", Version: 3}

	data, err := Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got record
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestMarshalIsDeterministic(t *testing.T) {
	v := map[string]int{"c": 3, "a": 1, "b": 2}

	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("Marshal of the same map produced different bytes: %x vs %x", first, second)
	}
}

func TestEncoderDecoderStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.Encode(record{Name: "libfoo", Version: 1}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := enc.Encode(record{Name: "libbar", Version: 2}); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec := NewDecoder(&buf)
	var got []record
	for {
		var r record
		if err := dec.Decode(&r); err != nil {
			break
		}
		got = append(got, r)
	}

	if len(got) != 2 || got[0].Name != "libfoo" || got[1].Name != "libbar" {
		t.Fatalf("decoded stream = %+v, want [libfoo libbar]", got)
	}
}
