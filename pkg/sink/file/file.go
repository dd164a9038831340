package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/user/skald"
	"github.com/user/skald/pkg/compression"
)

// Config controls rotation and validation for a file sink.
type Config struct {
	// Path is the current log file. Validated against the base allow-list.
	Path string
	// MaxSize rotates the file when the next write would exceed it. Zero
	// disables rotation.
	MaxSize int64
	// Keep is how many rotated segments to retain. Zero keeps everything.
	Keep int
	// Compress gzips rotated segments and removes the originals.
	Compress bool
	// AllowedBases overrides the base-directory allow-list.
	AllowedBases []string
}

// Sink appends NDJSON lines to a validated path, rotating by size.
type Sink struct {
	cfg       Config
	formatter skald.Formatter

	mu       sync.Mutex
	file     *os.File
	size     int64
	rotation int
	closed   bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
	lastErr   atomic.Value
}

// New validates the path and creates the sink. The file is opened lazily
// on first write.
func New(cfg Config, formatter skald.Formatter) (*Sink, error) {
	if len(cfg.AllowedBases) == 0 {
		cfg.AllowedBases = DefaultBaseDirs()
	}
	if err := ValidatePath(cfg.Path, cfg.AllowedBases); err != nil {
		return nil, fmt.Errorf("invalid log path %q: %w", cfg.Path, err)
	}
	s := &Sink{cfg: cfg, formatter: formatter}
	s.rotation = s.scanRotation()
	return s, nil
}

func (s *Sink) Name() string { return "file" }

// scanRotation finds the highest existing rotation index so restarts keep
// the monotonic numbering.
func (s *Sink) scanRotation() int {
	highest := 0
	for _, p := range s.rotatedFiles() {
		if n := rotationIndex(s.cfg.Path, p); n > highest {
			highest = n
		}
	}
	return highest
}

func (s *Sink) ensureOpen() error {
	if s.file != nil {
		return nil
	}
	f, err := os.OpenFile(s.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	s.file = f
	s.size = info.Size()
	return nil
}

func (s *Sink) Write(ctx context.Context, rec skald.Record) error {
	if rec == nil {
		return nil
	}
	line, err := s.formatter.Format(rec)
	if err != nil {
		s.dropped.Add(1)
		s.lastErr.Store(err.Error())
		return fmt.Errorf("failed to format record: %w", err)
	}
	return s.writeLine(line)
}

func (s *Sink) WriteBatch(ctx context.Context, recs []skald.Record) error {
	for _, rec := range recs {
		if err := s.Write(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) writeLine(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped.Add(1)
		return nil
	}
	if err := s.ensureOpen(); err != nil {
		s.dropped.Add(1)
		s.lastErr.Store(err.Error())
		return err
	}

	needed := int64(len(line)) + 1
	if s.cfg.MaxSize > 0 && s.size+needed > s.cfg.MaxSize && s.size > 0 {
		if err := s.rotate(); err != nil {
			s.lastErr.Store(err.Error())
			return err
		}
	}

	if _, err := s.file.Write(append(line, '\n')); err != nil {
		s.dropped.Add(1)
		s.lastErr.Store(err.Error())
		return fmt.Errorf("failed to append to log file: %w", err)
	}
	s.size += needed
	s.delivered.Add(1)
	return nil
}

// rotate closes the current file, renames it to the next numbered segment,
// optionally gzips the segment, prunes old segments, and reopens a fresh
// stream. Caller holds the lock.
func (s *Sink) rotate() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close for rotation: %w", err)
	}
	s.file = nil

	s.rotation++
	rotated := rotatedName(s.cfg.Path, s.rotation)
	if err := os.Rename(s.cfg.Path, rotated); err != nil {
		return fmt.Errorf("failed to rename rotated file: %w", err)
	}

	if s.cfg.Compress {
		if err := s.compressSegment(rotated); err != nil {
			return err
		}
	}
	s.prune()

	s.size = 0
	return s.ensureOpen()
}

func (s *Sink) compressSegment(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read rotated file: %w", err)
	}
	gz, _ := compression.NewCompressor(compression.Gzip)
	compressed, err := gz.Compress(data)
	if err != nil {
		return fmt.Errorf("failed to gzip rotated file: %w", err)
	}
	if err := os.WriteFile(path+".gz", compressed, 0644); err != nil {
		return fmt.Errorf("failed to write gzipped file: %w", err)
	}
	return os.Remove(path)
}

// prune deletes rotated segments beyond Keep, oldest first.
func (s *Sink) prune() {
	if s.cfg.Keep <= 0 {
		return
	}
	files := s.rotatedFiles()
	if len(files) <= s.cfg.Keep {
		return
	}
	sort.Slice(files, func(i, j int) bool {
		return rotationIndex(s.cfg.Path, files[i]) > rotationIndex(s.cfg.Path, files[j])
	})
	for _, old := range files[s.cfg.Keep:] {
		os.Remove(old)
	}
}

func (s *Sink) rotatedFiles() []string {
	ext := filepath.Ext(s.cfg.Path)
	stem := strings.TrimSuffix(s.cfg.Path, ext)
	matches, _ := filepath.Glob(stem + ".*" + ext)
	gzMatches, _ := filepath.Glob(stem + ".*" + ext + ".gz")
	matches = append(matches, gzMatches...)

	out := matches[:0]
	for _, m := range matches {
		if rotationIndex(s.cfg.Path, m) > 0 {
			out = append(out, m)
		}
	}
	return out
}

// rotatedName turns "app.log" into "app.3.log".
func rotatedName(path string, n int) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s.%d%s", stem, n, ext)
}

// rotationIndex extracts N from "app.N.log" or "app.N.log.gz"; 0 if the
// name does not match.
func rotationIndex(base, path string) int {
	path = strings.TrimSuffix(path, ".gz")
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	mid := strings.TrimSuffix(strings.TrimPrefix(path, stem+"."), ext)
	n, err := strconv.Atoi(mid)
	if err != nil || n <= 0 {
		return 0
	}
	return n
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
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}
