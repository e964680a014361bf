// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package trigger

import (
	"context"
	"testing"
)

func TestAddIgnoresUnknownName(t *testing.T) {
	s := NewSet()
	s.Add("not-a-real-trigger", nil)
	if len(s.names) != 0 {
		t.Fatalf("names = %v, want empty after adding an unknown trigger", s.names)
	}
}

func TestAddRecordsKnownName(t *testing.T) {
	s := NewSet()
	s.Add("ldconfig", nil)
	if _, ok := s.names["ldconfig"]; !ok {
		t.Fatal("Add(\"ldconfig\") did not record the trigger")
	}
}

func TestAddDeduplicates(t *testing.T) {
	s := NewSet()
	s.Add("mandb", nil)
	s.Add("mandb", nil)
	if len(s.names) != 1 {
		t.Fatalf("names = %v, want a single deduplicated entry", s.names)
	}
}

func TestWellKnownCommandsAreNonEmpty(t *testing.T) {
	for name, trig := range WellKnown {
		if trig.Name != name {
			t.Errorf("WellKnown[%q].Name = %q, want %q", name, trig.Name, name)
		}
		if len(trig.Command) == 0 {
			t.Errorf("WellKnown[%q].Command is empty", name)
		}
	}
}

func TestRunWithNoTriggersSucceeds(t *testing.T) {
	s := NewSet()
	if err := s.Run(context.Background(), t.TempDir(), nil); err != nil {
		t.Fatalf("Run with no triggers: %v", err)
	}
}
