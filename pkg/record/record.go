package record

import (
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/user/skald"
)

// SanitizeValue converts special types (UUIDs, typed nils) to JSON-friendly
// values so downstream serialization never sees surprises.
func SanitizeValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
		v = rv.Interface()
	}

	if u, ok := v.(uuid.UUID); ok {
		return u.String()
	}

	// 16-byte binary values are almost always UUIDs in practice.
	if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Len() == 16 && rv.Type().Elem().Kind() == reflect.Uint8 {
		var b [16]byte
		for i := 0; i < 16; i++ {
			b[i] = uint8(rv.Index(i).Uint())
		}
		if u, err := uuid.FromBytes(b[:]); err == nil {
			return u.String()
		}
	}

	return v
}

// SanitizeMap sanitizes all values in a map in place.
func SanitizeMap(m map[string]interface{}) map[string]interface{} {
	for k, v := range m {
		m[k] = SanitizeValue(v)
	}
	return m
}

// ShapeError converts an error into its serializable form. The cause chain
// follows Unwrap. Stack capture is the caller's decision.
func ShapeError(err error, withStack bool) *skald.ErrorShape {
	if err == nil {
		return nil
	}
	shape := &skald.ErrorShape{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
	if withStack {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		shape.Stack = string(buf[:n])
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		if cause := u.Unwrap(); cause != nil {
			shape.Cause = ShapeError(cause, false)
		}
	}
	return shape
}

// Record is the concrete pooled implementation of skald.Record.
type Record struct {
	id     string
	level  skald.Level
	time   int64
	msg    string
	fields map[string]interface{}
	meta   skald.Metadata
	err    *skald.ErrorShape

	// extra holds child-logger overlay sinks; never serialized.
	extra []skald.Sink
}

func (r *Record) ID() string                     { return r.id }
func (r *Record) Level() skald.Level             { return r.level }
func (r *Record) Time() int64                    { return r.time }
func (r *Record) Message() string                { return r.msg }
func (r *Record) Fields() map[string]interface{} { return r.fields }
func (r *Record) Meta() skald.Metadata           { return r.meta }
func (r *Record) Err() *skald.ErrorShape         { return r.err }

// ExtraSinks returns the overlay sink list attached by a child logger.
func (r *Record) ExtraSinks() []skald.Sink { return r.extra }

func (r *Record) SetID(id string)               { r.id = id }
func (r *Record) SetLevel(l skald.Level)        { r.level = l }
func (r *Record) SetTime(ms int64)              { r.time = ms }
func (r *Record) SetMessage(msg string)         { r.msg = msg }
func (r *Record) SetMeta(m skald.Metadata)      { r.meta = m }
func (r *Record) SetErr(e *skald.ErrorShape)    { r.err = e }
func (r *Record) SetExtraSinks(s []skald.Sink)  { r.extra = s }

// SetField merges one field with last-write-wins semantics. Empty keys are
// dropped at this boundary.
func (r *Record) SetField(key string, value interface{}) {
	if key == "" {
		return
	}
	r.fields[key] = SanitizeValue(value)
}

// MergeFields merges a map of fields, last write wins.
func (r *Record) MergeFields(fields map[string]interface{}) {
	for k, v := range fields {
		r.SetField(k, v)
	}
}

func (r *Record) Clone() skald.Record {
	clone := Acquire()
	clone.id = r.id
	clone.level = r.level
	clone.time = r.time
	clone.msg = r.msg
	clone.meta = r.meta
	clone.err = r.err
	clone.extra = r.extra
	for k, v := range r.fields {
		clone.fields[k] = v
	}
	return clone
}

// Reset clears the record so it can be reused.
func (r *Record) Reset() {
	r.id = ""
	r.level = 0
	r.time = 0
	r.msg = ""
	r.meta = skald.Metadata{}
	r.err = nil
	r.extra = nil
	for k := range r.fields {
		delete(r.fields, k)
	}
}

var recordPool = sync.Pool{
	New: func() interface{} {
		return &Record{
			fields: make(map[string]interface{}, 8),
		}
	},
}

// Acquire gets a record from the pool.
func Acquire() *Record {
	return recordPool.Get().(*Record)
}

// Release returns a record to the pool. The caller must not retain it.
func Release(r *Record) {
	r.Reset()
	recordPool.Put(r)
}

// NowMillis is the wall-clock timestamp source for records.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
