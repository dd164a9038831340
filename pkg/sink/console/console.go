package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/skald"
)

// Format selects the console line layout.
type Format string

const (
	// JSON emits one JSON object per line.
	JSON Format = "json"
	// Compact emits "LEVEL msg k=v ..." lines.
	Compact Format = "compact"
	// Pretty emits timestamped human-readable lines.
	Pretty Format = "pretty"
)

// Sink writes records to stdout, routing ERROR and above to stderr when
// split mode is on.
type Sink struct {
	formatter skald.Formatter
	format    Format
	out       io.Writer
	errOut    io.Writer
	splitErr  bool

	mu        sync.Mutex
	closed    bool
	delivered atomic.Uint64
	dropped   atomic.Uint64
	lastErr   atomic.Value
}

// Option configures the sink.
type Option func(*Sink)

// WithWriters overrides the output streams, mainly for tests.
func WithWriters(out, errOut io.Writer) Option {
	return func(s *Sink) {
		s.out = out
		s.errOut = errOut
	}
}

// WithSplitErrors routes ERROR and FATAL records to the error stream.
func WithSplitErrors(on bool) Option {
	return func(s *Sink) { s.splitErr = on }
}

// New creates a console sink. The formatter is used for the JSON format;
// compact and pretty render from the record directly.
func New(formatter skald.Formatter, format Format, opts ...Option) *Sink {
	s := &Sink{
		formatter: formatter,
		format:    format,
		out:       os.Stdout,
		errOut:    os.Stderr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sink) Name() string { return "console" }

func (s *Sink) Write(ctx context.Context, rec skald.Record) error {
	if rec == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped.Add(1)
		return nil
	}

	var line []byte
	var err error
	switch s.format {
	case Compact:
		line = s.renderCompact(rec)
	case Pretty:
		line = s.renderPretty(rec)
	default:
		line, err = s.formatter.Format(rec)
	}
	if err != nil {
		s.dropped.Add(1)
		s.lastErr.Store(err.Error())
		return fmt.Errorf("failed to format record: %w", err)
	}

	w := s.out
	if s.splitErr && rec.Level() >= skald.LevelError {
		w = s.errOut
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		s.dropped.Add(1)
		s.lastErr.Store(err.Error())
		return fmt.Errorf("failed to write to console: %w", err)
	}
	s.delivered.Add(1)
	return nil
}

func (s *Sink) WriteBatch(ctx context.Context, recs []skald.Record) error {
	for _, rec := range recs {
		if err := s.Write(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) renderCompact(rec skald.Record) []byte {
	var b strings.Builder
	b.WriteString(strings.ToUpper(rec.Level().Label()))
	if msg := rec.Message(); msg != "" {
		b.WriteByte(' ')
		b.WriteString(msg)
	}
	for _, k := range sortedKeys(rec.Fields()) {
		fmt.Fprintf(&b, " %s=%v", k, rec.Fields()[k])
	}
	return []byte(b.String())
}

func (s *Sink) renderPretty(rec skald.Record) []byte {
	var b strings.Builder
	ts := time.UnixMilli(rec.Time()).UTC().Format(time.RFC3339)
	fmt.Fprintf(&b, "%s %-5s", ts, strings.ToUpper(rec.Level().Label()))
	if name := rec.Meta().Name; name != "" {
		fmt.Fprintf(&b, " [%s]", name)
	}
	if msg := rec.Message(); msg != "" {
		b.WriteByte(' ')
		b.WriteString(msg)
	}
	for _, k := range sortedKeys(rec.Fields()) {
		fmt.Fprintf(&b, " %s=%v", k, rec.Fields()[k])
	}
	if err := rec.Err(); err != nil {
		fmt.Fprintf(&b, " err=%q", err.Message)
	}
	return []byte(b.String())
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Sink) Healthy() bool { return true }

func (s *Sink) Stats() skald.Stats {
	st := skald.Stats{
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
	}
	if v, ok := s.lastErr.Load().(string); ok {
		st.LastError = v
	}
	return st
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
