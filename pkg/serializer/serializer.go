package serializer

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/user/skald"
)

// maxSafeInt is the largest integer JSON consumers can represent exactly.
const maxSafeInt = 1 << 53

// TimePolicy selects how date-like values are encoded.
type TimePolicy int

const (
	// EpochMillis encodes time.Time as integer milliseconds since epoch.
	EpochMillis TimePolicy = iota
	// ISO8601 encodes time.Time as an RFC 3339 string.
	ISO8601
)

// Options configures a Serializer.
type Options struct {
	// MaxDepth bounds nesting; deeper nodes become "[Max Depth Exceeded]".
	MaxDepth int
	// MaxBytes caps the serialized record size; oversize records are
	// replaced by a truncated form carrying __truncated__:true.
	MaxBytes int
	// TimePolicy selects epoch-ms (default) or ISO-8601 timestamps.
	TimePolicy TimePolicy
	// KeyCacheSize bounds the escaped-key LRU cache.
	KeyCacheSize int
}

// Serializer produces canonical JSON for records and their nested values.
// Output object keys are sorted, so equal inputs yield identical bytes.
type Serializer struct {
	opts  Options
	pool  sync.Pool
	cache *lruCache
}

// skippedKeys are never serialized, whatever the input claims to contain.
var skippedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// New creates a Serializer. Zero-valued options get defaults.
func New(opts Options) *Serializer {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 32
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 256 * 1024
	}
	if opts.KeyCacheSize <= 0 {
		opts.KeyCacheSize = 256
	}
	s := &Serializer{
		opts:  opts,
		cache: newLRUCache(opts.KeyCacheSize),
	}
	s.pool.New = func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 1024))
	}
	return s
}

// Format implements skald.Formatter.
func (s *Serializer) Format(rec skald.Record) ([]byte, error) {
	buf := s.pool.Get().(*bytes.Buffer)
	buf.Reset()
	defer s.pool.Put(buf)

	s.appendRecord(buf, rec)
	if buf.Len() > s.opts.MaxBytes {
		buf.Reset()
		s.appendTruncated(buf, rec)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Encode serializes any value under the canonical policy. Exposed so tests
// and sinks can re-encode decoded payloads deterministically.
func (s *Serializer) Encode(v interface{}) ([]byte, error) {
	buf := s.pool.Get().(*bytes.Buffer)
	buf.Reset()
	defer s.pool.Put(buf)

	s.appendValue(buf, v, 0, make(map[uintptr]bool))
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (s *Serializer) appendRecord(buf *bytes.Buffer, rec skald.Record) {
	top := make(map[string]interface{}, len(rec.Fields())+12)
	for k, v := range rec.Fields() {
		top[k] = v
	}
	top["level"] = int64(rec.Level())
	top["levelLabel"] = rec.Level().Label()
	top["time"] = rec.Time()

	meta := rec.Meta()
	if meta.Hostname != "" {
		top["hostname"] = meta.Hostname
	}
	if meta.PID != 0 {
		top["pid"] = int64(meta.PID)
	}
	if meta.Name != "" {
		top["name"] = meta.Name
	}
	if meta.TraceID != "" {
		top["traceId"] = meta.TraceID
	}
	if meta.SpanID != "" {
		top["spanId"] = meta.SpanID
	}
	if meta.RequestID != "" {
		top["requestId"] = meta.RequestID
	}
	if meta.UserID != "" {
		top["userId"] = meta.UserID
	}
	if rec.Message() != "" {
		top["msg"] = rec.Message()
	}
	if err := rec.Err(); err != nil {
		top["err"] = err
	}

	s.appendValue(buf, top, 0, make(map[uintptr]bool))
}

func (s *Serializer) appendTruncated(buf *bytes.Buffer, rec skald.Record) {
	meta := rec.Meta()
	top := map[string]interface{}{
		"level":         int64(rec.Level()),
		"levelLabel":    rec.Level().Label(),
		"time":          rec.Time(),
		"__truncated__": true,
	}
	if meta.Hostname != "" {
		top["hostname"] = meta.Hostname
	}
	if meta.PID != 0 {
		top["pid"] = int64(meta.PID)
	}
	if rec.Message() != "" {
		top["msg"] = rec.Message()
	}
	s.appendValue(buf, top, 0, make(map[uintptr]bool))
}

// appendValue writes one value. It returns false when the value must be
// treated as absent (functions and other opaque callables).
func (s *Serializer) appendValue(buf *bytes.Buffer, v interface{}, depth int, visited map[uintptr]bool) bool {
	if depth > s.opts.MaxDepth {
		s.appendString(buf, "[Max Depth Exceeded]")
		return true
	}
	if v == nil {
		buf.WriteString("null")
		return true
	}

	switch val := v.(type) {
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return true
	case string:
		s.appendString(buf, val)
		return true
	case int:
		s.appendInt(buf, int64(val))
		return true
	case int8:
		s.appendInt(buf, int64(val))
		return true
	case int16:
		s.appendInt(buf, int64(val))
		return true
	case int32:
		s.appendInt(buf, int64(val))
		return true
	case int64:
		s.appendInt(buf, val)
		return true
	case uint:
		s.appendUint(buf, uint64(val))
		return true
	case uint8:
		s.appendUint(buf, uint64(val))
		return true
	case uint16:
		s.appendUint(buf, uint64(val))
		return true
	case uint32:
		s.appendUint(buf, uint64(val))
		return true
	case uint64:
		s.appendUint(buf, val)
		return true
	case float32:
		s.appendFloat(buf, float64(val))
		return true
	case float64:
		s.appendFloat(buf, val)
		return true
	case []byte:
		s.appendString(buf, base64.StdEncoding.EncodeToString(val))
		return true
	case time.Time:
		if s.opts.TimePolicy == ISO8601 {
			s.appendString(buf, val.UTC().Format(time.RFC3339Nano))
		} else {
			s.appendInt(buf, val.UnixMilli())
		}
		return true
	case *skald.ErrorShape:
		if val == nil {
			buf.WriteString("null")
			return true
		}
		s.appendErrorShape(buf, val, depth, visited)
		return true
	case skald.ErrorShape:
		s.appendErrorShape(buf, &val, depth, visited)
		return true
	case error:
		s.appendErrorShape(buf, &skald.ErrorShape{Type: fmt.Sprintf("%T", val), Message: val.Error()}, depth, visited)
		return true
	case map[string]interface{}:
		ptr := reflect.ValueOf(val).Pointer()
		if visited[ptr] {
			s.appendString(buf, "[Circular]")
			return true
		}
		visited[ptr] = true
		s.appendMap(buf, val, depth, visited)
		delete(visited, ptr)
		return true
	case []interface{}:
		ptr := reflect.ValueOf(val).Pointer()
		if len(val) > 0 && visited[ptr] {
			s.appendString(buf, "[Circular]")
			return true
		}
		visited[ptr] = true
		s.appendList(buf, val, depth, visited)
		delete(visited, ptr)
		return true
	}

	return s.appendReflected(buf, reflect.ValueOf(v), depth, visited)
}

func (s *Serializer) appendReflected(buf *bytes.Buffer, rv reflect.Value, depth int, visited map[uintptr]bool) bool {
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return false
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			buf.WriteString("null")
			return true
		}
		if rv.Kind() == reflect.Ptr {
			ptr := rv.Pointer()
			if visited[ptr] {
				s.appendString(buf, "[Circular]")
				return true
			}
			visited[ptr] = true
			defer delete(visited, ptr)
		}
		return s.appendValue(buf, rv.Elem().Interface(), depth, visited)
	case reflect.Map:
		ptr := rv.Pointer()
		if visited[ptr] {
			s.appendString(buf, "[Circular]")
			return true
		}
		visited[ptr] = true
		defer delete(visited, ptr)

		m := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[fmt.Sprintf("%v", iter.Key().Interface())] = iter.Value().Interface()
		}
		s.appendMap(buf, m, depth, visited)
		return true
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Len() > 0 {
			ptr := rv.Pointer()
			if visited[ptr] {
				s.appendString(buf, "[Circular]")
				return true
			}
			visited[ptr] = true
			defer delete(visited, ptr)
		}
		list := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			list[i] = rv.Index(i).Interface()
		}
		s.appendList(buf, list, depth, visited)
		return true
	case reflect.Struct:
		m := make(map[string]interface{})
		rt := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			f := rt.Field(i)
			if !f.IsExported() {
				continue
			}
			m[f.Name] = rv.Field(i).Interface()
		}
		s.appendMap(buf, m, depth, visited)
		return true
	default:
		s.appendString(buf, fmt.Sprintf("%v", rv.Interface()))
		return true
	}
}

func (s *Serializer) appendMap(buf *bytes.Buffer, m map[string]interface{}, depth int, visited map[uintptr]bool) {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k == "" || skippedKeys[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	first := true
	for _, k := range keys {
		mark := buf.Len()
		if !first {
			buf.WriteByte(',')
		}
		s.appendKey(buf, k)
		buf.WriteByte(':')
		if !s.appendValue(buf, m[k], depth+1, visited) {
			// Value is a callable; drop the whole pair.
			buf.Truncate(mark)
			continue
		}
		first = false
	}
	buf.WriteByte('}')
}

func (s *Serializer) appendList(buf *bytes.Buffer, list []interface{}, depth int, visited map[uintptr]bool) {
	buf.WriteByte('[')
	for i, v := range list {
		if i > 0 {
			buf.WriteByte(',')
		}
		if !s.appendValue(buf, v, depth+1, visited) {
			// Callables inside lists hold their slot as null.
			buf.WriteString("null")
		}
	}
	buf.WriteByte(']')
}

func (s *Serializer) appendInt(buf *bytes.Buffer, v int64) {
	if v > maxSafeInt || v < -maxSafeInt {
		buf.WriteByte('"')
		buf.WriteString(strconv.FormatInt(v, 10))
		buf.WriteString(`n"`)
		return
	}
	buf.WriteString(strconv.FormatInt(v, 10))
}

func (s *Serializer) appendUint(buf *bytes.Buffer, v uint64) {
	if v > maxSafeInt {
		buf.WriteByte('"')
		buf.WriteString(strconv.FormatUint(v, 10))
		buf.WriteString(`n"`)
		return
	}
	buf.WriteString(strconv.FormatUint(v, 10))
}

func (s *Serializer) appendFloat(buf *bytes.Buffer, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		buf.WriteString("null")
		return
	}
	// Integral floats inside the safe range print as integers so a decoded
	// record re-encodes to identical bytes.
	if v == math.Trunc(v) && math.Abs(v) < maxSafeInt {
		buf.WriteString(strconv.FormatInt(int64(v), 10))
		return
	}
	buf.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
}

func (s *Serializer) appendErrorShape(buf *bytes.Buffer, e *skald.ErrorShape, depth int, visited map[uintptr]bool) {
	m := map[string]interface{}{
		"type":    e.Type,
		"message": e.Message,
	}
	if e.Stack != "" {
		m["stack"] = e.Stack
	}
	if e.Cause != nil {
		m["cause"] = e.Cause
	}
	s.appendMap(buf, m, depth, visited)
}

// appendKey writes an escaped, quoted key, memoizing frequent short keys.
func (s *Serializer) appendKey(buf *bytes.Buffer, k string) {
	if len(k) <= 64 {
		if esc, ok := s.cache.get(k); ok {
			buf.WriteString(esc)
			return
		}
		var kb bytes.Buffer
		s.appendString(&kb, k)
		esc := kb.String()
		s.cache.put(k, esc)
		buf.WriteString(esc)
		return
	}
	s.appendString(buf, k)
}

const hexDigits = "0123456789abcdef"

func (s *Serializer) appendString(buf *bytes.Buffer, str string) {
	buf.WriteByte('"')
	for i := 0; i < len(str); {
		c := str[i]
		if c < utf8.RuneSelf {
			switch {
			case c == '"':
				buf.WriteString(`\"`)
			case c == '\\':
				buf.WriteString(`\\`)
			case c == '\n':
				buf.WriteString(`\n`)
			case c == '\r':
				buf.WriteString(`\r`)
			case c == '\t':
				buf.WriteString(`\t`)
			case c < 0x20:
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[c>>4])
				buf.WriteByte(hexDigits[c&0xf])
			default:
				buf.WriteByte(c)
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(str[i:])
		if r == utf8.RuneError && size == 1 {
			buf.WriteString(`�`)
			i++
			continue
		}
		buf.WriteString(str[i : i+size])
		i += size
	}
	buf.WriteByte('"')
}
