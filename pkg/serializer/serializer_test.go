package serializer

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/user/skald"
	"github.com/user/skald/pkg/record"
)

func testRecord() *record.Record {
	rec := record.Acquire()
	rec.SetLevel(skald.LevelInfo)
	rec.SetTime(1700000000000)
	rec.SetMessage("hi")
	rec.SetMeta(skald.Metadata{Hostname: "H", PID: 42})
	rec.SetField("a", 1)
	rec.SetField("b", "x")
	return rec
}

func TestFormatBasicRecord(t *testing.T) {
	s := New(Options{})
	rec := testRecord()
	defer record.Release(rec)

	out, err := s.Format(rec)
	if err != nil {
		t.Fatal(err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, out)
	}

	want := map[string]interface{}{
		"level":      float64(30),
		"levelLabel": "info",
		"time":       float64(1700000000000),
		"hostname":   "H",
		"pid":        float64(42),
		"a":          float64(1),
		"b":          "x",
		"msg":        "hi",
	}
	if len(m) != len(want) {
		t.Errorf("field set mismatch: got %v", m)
	}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("field %s: expected %v, got %v", k, v, m[k])
		}
	}
}

func TestFormatRoundTripStable(t *testing.T) {
	s := New(Options{})
	rec := testRecord()
	rec.SetField("nested", map[string]interface{}{"x": []interface{}{1, "two", nil, true}})
	rec.SetField("f", 2.5)
	defer record.Release(rec)

	first, err := s.Format(rec)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(first, &decoded); err != nil {
		t.Fatal(err)
	}
	second, err := s.Encode(decoded)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("re-encoding decoded output changed bytes:\n%s\n%s", first, second)
	}
}

func TestEncodeBigIntsGetSuffix(t *testing.T) {
	s := New(Options{})
	out, _ := s.Encode(map[string]interface{}{
		"small": int64(1 << 52),
		"big":   int64(1<<53 + 1),
		"ubig":  uint64(math.MaxUint64),
	})
	str := string(out)
	if !strings.Contains(str, `"big":"9007199254740993n"`) {
		t.Errorf("expected big int with n suffix, got %s", str)
	}
	if !strings.Contains(str, `"ubig":"18446744073709551615n"`) {
		t.Errorf("expected uint with n suffix, got %s", str)
	}
	if strings.Contains(str, `"small":"`) {
		t.Errorf("safe int should stay numeric, got %s", str)
	}
}

func TestEncodeNonFiniteFloats(t *testing.T) {
	s := New(Options{})
	out, _ := s.Encode([]interface{}{math.NaN(), math.Inf(1), math.Inf(-1), 1.5})
	if string(out) != `[null,null,null,1.5]` {
		t.Errorf("unexpected encoding: %s", out)
	}
}

func TestEncodeCycle(t *testing.T) {
	s := New(Options{})
	m := map[string]interface{}{"a": 1}
	m["self"] = m
	out, _ := s.Encode(m)
	if !strings.Contains(string(out), `"self":"[Circular]"`) {
		t.Errorf("expected [Circular], got %s", out)
	}
}

func TestEncodeSharedButAcyclicValue(t *testing.T) {
	s := New(Options{})
	shared := map[string]interface{}{"k": 1}
	out, _ := s.Encode(map[string]interface{}{"a": shared, "b": shared})
	if strings.Contains(string(out), "[Circular]") {
		t.Errorf("shared non-cyclic value flagged as cycle: %s", out)
	}
}

func TestEncodeMaxDepth(t *testing.T) {
	s := New(Options{MaxDepth: 3})
	deep := map[string]interface{}{}
	cur := deep
	for i := 0; i < 10; i++ {
		next := map[string]interface{}{}
		cur["d"] = next
		cur = next
	}
	out, _ := s.Encode(deep)
	if !strings.Contains(string(out), "[Max Depth Exceeded]") {
		t.Errorf("expected depth marker, got %s", out)
	}
}

func TestEncodeBytesAsBase64(t *testing.T) {
	s := New(Options{})
	out, _ := s.Encode(map[string]interface{}{"b": []byte("hello")})
	if string(out) != `{"b":"aGVsbG8="}` {
		t.Errorf("unexpected encoding: %s", out)
	}
}

func TestEncodeSkipsPrototypeKeys(t *testing.T) {
	s := New(Options{})
	out, _ := s.Encode(map[string]interface{}{
		"__proto__":   "bad",
		"constructor": "bad",
		"prototype":   "bad",
		"ok":          1,
	})
	if string(out) != `{"ok":1}` {
		t.Errorf("prototype keys must be skipped, got %s", out)
	}
}

func TestEncodeSkipsFunctions(t *testing.T) {
	s := New(Options{})
	fn := func() {}
	out, _ := s.Encode(map[string]interface{}{"f": fn, "ok": true})
	if string(out) != `{"ok":true}` {
		t.Errorf("function value must be absent, got %s", out)
	}
	out, _ = s.Encode([]interface{}{1, fn, 2})
	if string(out) != `[1,null,2]` {
		t.Errorf("function in list must hold its slot as null, got %s", out)
	}
}

func TestEncodeControlCharacterEscapes(t *testing.T) {
	s := New(Options{})
	out, _ := s.Encode("a\x01b\nc")
	if string(out) != `"a\u0001b\nc"` {
		t.Errorf("unexpected escaping: %s", out)
	}
}

func TestEncodeErrorShape(t *testing.T) {
	s := New(Options{})
	shape := &skald.ErrorShape{
		Type:    "*errors.errorString",
		Message: "boom",
		Cause:   &skald.ErrorShape{Type: "net.OpError", Message: "reset"},
	}
	out, _ := s.Encode(shape)
	var m map[string]interface{}
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatal(err)
	}
	if m["message"] != "boom" {
		t.Errorf("expected message boom, got %v", m["message"])
	}
	cause, _ := m["cause"].(map[string]interface{})
	if cause == nil || cause["message"] != "reset" {
		t.Errorf("expected nested cause, got %v", m["cause"])
	}
}

func TestFormatTruncatesOversizeRecords(t *testing.T) {
	s := New(Options{MaxBytes: 256})
	rec := testRecord()
	defer record.Release(rec)
	rec.SetField("huge", strings.Repeat("x", 10_000))

	out, err := s.Format(rec)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) > 256 {
		t.Errorf("truncated record still oversize: %d bytes", len(out))
	}
	var m map[string]interface{}
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatal(err)
	}
	if m["__truncated__"] != true {
		t.Errorf("expected __truncated__ marker, got %s", out)
	}
}

func TestKeyCacheEviction(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", `"a"`)
	c.put("b", `"b"`)
	c.put("c", `"c"`)
	if _, ok := c.get("a"); ok {
		t.Error("oldest entry should have been evicted")
	}
	if v, ok := c.get("c"); !ok || v != `"c"` {
		t.Error("newest entry missing")
	}
}
