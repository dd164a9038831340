package skald

import "testing"

func TestLevelLabelRoundTrip(t *testing.T) {
	for _, l := range []Level{LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal} {
		got, ok := ParseLevel(l.Label())
		if !ok || got != l {
			t.Errorf("ParseLevel(%q) = %v, %v", l.Label(), got, ok)
		}
	}
	if Level(35).Label() != "unknown" {
		t.Errorf("levels between the named values have no label")
	}
}

func TestParseLevelCaseInsensitive(t *testing.T) {
	for _, name := range []string{"WARN", "Warn", "wArN"} {
		if got, ok := ParseLevel(name); !ok || got != LevelWarn {
			t.Errorf("ParseLevel(%q) = %v, %v", name, got, ok)
		}
	}
	if _, ok := ParseLevel("verbose"); ok {
		t.Error("unknown level names must be rejected")
	}
}
