package record

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/user/skald"
)

func TestRecordFieldsLastWriteWins(t *testing.T) {
	rec := Acquire()
	defer Release(rec)

	rec.SetField("k", 1)
	rec.SetField("k", 2)
	if rec.Fields()["k"] != 2 {
		t.Errorf("expected last write to win, got %v", rec.Fields()["k"])
	}

	rec.SetField("", "dropped")
	if _, ok := rec.Fields()[""]; ok {
		t.Error("empty keys must be rejected")
	}
}

func TestRecordCloneIsIndependent(t *testing.T) {
	rec := Acquire()
	defer Release(rec)
	rec.SetLevel(skald.LevelWarn)
	rec.SetMessage("orig")
	rec.SetField("a", 1)

	clone := rec.Clone().(*Record)
	defer Release(clone)
	clone.SetField("a", 2)
	clone.SetField("b", 3)

	if rec.Fields()["a"] != 1 {
		t.Errorf("clone mutation leaked into parent: %v", rec.Fields()["a"])
	}
	if _, ok := rec.Fields()["b"]; ok {
		t.Error("clone-added field leaked into parent")
	}
	if clone.Level() != skald.LevelWarn || clone.Message() != "orig" {
		t.Error("clone lost scalar state")
	}
}

func TestRecordPoolReset(t *testing.T) {
	rec := Acquire()
	rec.SetID("x")
	rec.SetLevel(skald.LevelError)
	rec.SetField("a", 1)
	Release(rec)

	fresh := Acquire()
	defer Release(fresh)
	if fresh.ID() != "" || fresh.Level() != 0 || len(fresh.Fields()) != 0 {
		t.Error("pooled record was not reset")
	}
}

func TestSanitizeValueUUID(t *testing.T) {
	u := uuid.New()
	if got := SanitizeValue(u); got != u.String() {
		t.Errorf("expected %s, got %v", u.String(), got)
	}
	raw := [16]byte(u)
	if got := SanitizeValue(raw[:]); got != u.String() {
		t.Errorf("expected 16-byte slice to stringify, got %v", got)
	}
	var p *int
	if got := SanitizeValue(p); got != nil {
		t.Errorf("expected typed nil to sanitize to nil, got %v", got)
	}
}

func TestShapeError(t *testing.T) {
	cause := errors.New("inner")
	err := fmt.Errorf("outer: %w", cause)

	shape := ShapeError(err, false)
	if shape.Message != "outer: inner" {
		t.Errorf("unexpected message: %s", shape.Message)
	}
	if shape.Cause == nil || shape.Cause.Message != "inner" {
		t.Errorf("expected cause chain, got %+v", shape.Cause)
	}
	if shape.Stack != "" {
		t.Error("stack must be empty when disabled")
	}

	withStack := ShapeError(err, true)
	if withStack.Stack == "" {
		t.Error("expected stack capture")
	}
}
