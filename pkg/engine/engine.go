// Package engine wires the logging pipeline together: producers hand
// records to a ring buffer, a single dispatcher redacts them and fans them
// out to the configured sinks.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/user/skald"
	"github.com/user/skald/pkg/buffer"
	"github.com/user/skald/pkg/record"
)

const (
	dispatchBatchMax  = 256
	fatalDrainTimeout = 2 * time.Second
)

// Config tunes the pipeline.
type Config struct {
	// Name labels records from this engine in their metadata.
	Name string
	// MinLevel gates records before any allocation. Defaults to Info.
	MinLevel skald.Level
	// BufferSize is the ring buffer capacity, rounded up to a power of two.
	// Defaults to 4096.
	BufferSize int
	// FlushInterval bounds how long a record waits in the buffer before the
	// dispatcher picks it up. Defaults to 100ms.
	FlushInterval time.Duration
	// Policy selects what happens when the buffer is full: overwrite the
	// oldest record or block the producer.
	Policy buffer.Policy
	// BlockTimeout bounds producer waits under the Block policy.
	BlockTimeout time.Duration
	// CaptureStacks records a stack trace for errors at Error level and up.
	CaptureStacks bool
	// Redactor, when set, masks records before they reach any sink.
	Redactor skald.Redactor
	// Logger receives the pipeline's own diagnostics.
	Logger skald.Logger
	// ErrorHook receives sink-level fatal errors.
	ErrorHook skald.ErrorHook
}

func (c *Config) applyDefaults() {
	if c.MinLevel == 0 {
		c.MinLevel = skald.LevelInfo
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = NewDefaultLogger()
	}
}

// core is the state shared by an engine and all its children.
type core struct {
	meta          skald.Metadata
	buf           *buffer.RingBuffer[*record.Record]
	redactor      skald.Redactor
	logger        skald.Logger
	hook          skald.ErrorHook
	captureStacks bool
	flushInterval time.Duration

	minLevel atomic.Int32
	closed   atomic.Bool

	sinkMu sync.RWMutex
	sinks  []skald.Sink

	signal  chan struct{}
	flushCh chan chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// Engine is the logging façade. Children share the parent's buffer,
// dispatcher, and sink list, and may add bound fields and private sinks.
type Engine struct {
	core       *core
	fields     map[string]interface{}
	extraSinks []skald.Sink
}

// New starts the dispatcher and returns the root engine. Sinks passed here
// are owned by the engine and closed by Close.
func New(cfg Config, sinks ...skald.Sink) *Engine {
	cfg.applyDefaults()

	host, _ := os.Hostname()
	c := &core{
		meta:          skald.Metadata{Hostname: host, PID: os.Getpid(), Name: cfg.Name},
		redactor:      cfg.Redactor,
		logger:        cfg.Logger,
		hook:          cfg.ErrorHook,
		captureStacks: cfg.CaptureStacks,
		flushInterval: cfg.FlushInterval,
		sinks:         append([]skald.Sink(nil), sinks...),
		signal:        make(chan struct{}, 1),
		flushCh:       make(chan chan struct{}),
		done:          make(chan struct{}),
	}
	c.minLevel.Store(int32(cfg.MinLevel))

	opts := []buffer.Option[*record.Record]{
		buffer.WithPolicy[*record.Record](cfg.Policy),
		buffer.WithHighWater[*record.Record](cfg.BufferSize*3/4, func() {
			select {
			case c.signal <- struct{}{}:
			default:
			}
		}),
	}
	if cfg.BlockTimeout > 0 {
		opts = append(opts, buffer.WithBlockTimeout[*record.Record](cfg.BlockTimeout))
	}
	c.buf = buffer.NewRingBuffer(cfg.BufferSize, opts...)

	c.wg.Add(1)
	go c.loop()
	return &Engine{core: c}
}

// Log enqueues a record. It never blocks on sink IO and never returns an
// error to the caller; sink failures surface through the error hook and
// the diagnostics logger.
func (e *Engine) Log(level skald.Level, msg string, fields map[string]interface{}) {
	e.LogCtx(context.Background(), level, msg, fields)
}

// LogCtx is Log with request baggage merged from the context.
func (e *Engine) LogCtx(ctx context.Context, level skald.Level, msg string, fields map[string]interface{}) {
	c := e.core
	if c.closed.Load() || level < skald.Level(c.minLevel.Load()) {
		return
	}

	rec := record.Acquire()
	rec.SetID(uuid.NewString())
	rec.SetTime(record.NowMillis())
	rec.SetLevel(level)
	rec.SetMessage(msg)
	rec.SetMeta(mergeBaggage(c.meta, baggageFrom(ctx)))
	rec.MergeFields(e.fields)
	for k, v := range fields {
		if k == "err" || k == "error" {
			if err, ok := v.(error); ok {
				rec.SetErr(record.ShapeError(err, c.captureStacks && level >= skald.LevelError))
				continue
			}
		}
		rec.SetField(k, record.SanitizeValue(v))
	}
	if len(e.extraSinks) > 0 {
		rec.SetExtraSinks(e.extraSinks)
	}

	recordsLogged.WithLabelValues(level.Label()).Inc()
	if !c.buf.Write(rec) {
		record.Release(rec)
		recordsDropped.WithLabelValues("buffer").Inc()
		return
	}
	queueDepth.Set(float64(c.buf.Len()))

	if level >= skald.LevelFatal {
		// Best effort: give in-flight fatal records a chance to land before
		// the process presumably dies.
		drainCtx, cancel := context.WithTimeout(context.Background(), fatalDrainTimeout)
		e.Flush(drainCtx)
		cancel()
	}
}

// Trace logs at trace level.
func (e *Engine) Trace(msg string, fields map[string]interface{}) {
	e.Log(skald.LevelTrace, msg, fields)
}

// Debug logs at debug level.
func (e *Engine) Debug(msg string, fields map[string]interface{}) {
	e.Log(skald.LevelDebug, msg, fields)
}

// Info logs at info level.
func (e *Engine) Info(msg string, fields map[string]interface{}) {
	e.Log(skald.LevelInfo, msg, fields)
}

// Warn logs at warn level.
func (e *Engine) Warn(msg string, fields map[string]interface{}) {
	e.Log(skald.LevelWarn, msg, fields)
}

// Error logs at error level.
func (e *Engine) Error(msg string, fields map[string]interface{}) {
	e.Log(skald.LevelError, msg, fields)
}

// Fatal logs at fatal level and synchronously drains the pipeline. It does
// not exit the process; that decision stays with the caller.
func (e *Engine) Fatal(msg string, fields map[string]interface{}) {
	e.Log(skald.LevelFatal, msg, fields)
}

// Child returns an engine that shares this engine's pipeline and adds the
// given bound fields to every record. Sinks passed here receive only the
// child's records, on top of the shared sink list, and are not closed by
// the parent's Close.
func (e *Engine) Child(fields map[string]interface{}, sinks ...skald.Sink) *Engine {
	merged := make(map[string]interface{}, len(e.fields)+len(fields))
	for k, v := range e.fields {
		merged[k] = v
	}
	for k, v := range fields {
		if k == "" {
			continue
		}
		merged[k] = record.SanitizeValue(v)
	}
	extra := append(append([]skald.Sink(nil), e.extraSinks...), sinks...)
	return &Engine{core: e.core, fields: merged, extraSinks: extra}
}

// SetLevel changes the minimum level for this engine and all its children.
func (e *Engine) SetLevel(level skald.Level) {
	e.core.minLevel.Store(int32(level))
}

// AddSink attaches a sink to the shared list. Records already in the
// buffer are delivered to it as well.
func (e *Engine) AddSink(s skald.Sink) {
	c := e.core
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	c.sinks = append(c.sinks, s)
}

// RemoveSink detaches the named sink from the shared list without closing
// it. It reports whether a sink was removed.
func (e *Engine) RemoveSink(name string) bool {
	c := e.core
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	for i, s := range c.sinks {
		if s.Name() == name {
			c.sinks = append(c.sinks[:i], c.sinks[i+1:]...)
			return true
		}
	}
	return false
}

// Stats returns per-sink counters keyed by sink name, plus the pipeline
// queue depth under "engine".
func (e *Engine) Stats() map[string]skald.Stats {
	c := e.core
	c.sinkMu.RLock()
	defer c.sinkMu.RUnlock()

	out := make(map[string]skald.Stats, len(c.sinks)+1)
	out["engine"] = skald.Stats{
		QueueDepth: c.buf.Len(),
		Dropped:    c.buf.Dropped(),
	}
	for _, s := range c.sinks {
		out[s.Name()] = s.Stats()
	}
	return out
}

// Flush drains the buffer through the dispatcher and then flushes every
// sink that buffers internally.
func (e *Engine) Flush(ctx context.Context) error {
	c := e.core
	reply := make(chan struct{})
	select {
	case c.flushCh <- reply:
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close makes Log a no-op, drains the buffer, stops the dispatcher, and
// closes the shared sinks. It is safe to call more than once.
func (e *Engine) Close() error {
	c := e.core
	if c.closed.Swap(true) {
		return nil
	}
	c.buf.Close()
	close(c.done)
	c.wg.Wait()

	c.sinkMu.Lock()
	sinks := append([]skald.Sink(nil), c.sinks...)
	c.sinks = nil
	c.sinkMu.Unlock()

	var firstErr error
	for _, s := range sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close sink %s: %w", s.Name(), err)
		}
	}
	return firstErr
}

func (c *core) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.dispatch()
		case <-c.signal:
			c.dispatch()
		case reply := <-c.flushCh:
			c.drain()
			c.flushSinks()
			close(reply)
		case <-c.done:
			c.drain()
			return
		}
	}
}

func (c *core) drain() {
	for c.dispatch() {
	}
}

// dispatch moves one batch from the buffer to the sinks. Records are
// returned to the pool afterwards, which is safe because every sink either
// writes synchronously or serializes before queueing.
func (c *core) dispatch() bool {
	batch := c.buf.ReadBatch(dispatchBatchMax)
	if len(batch) == 0 {
		queueDepth.Set(float64(c.buf.Len()))
		return false
	}
	start := time.Now()
	ctx := context.Background()

	if c.redactor != nil {
		hits := 0
		for _, rec := range batch {
			hits += c.redactor.Redact(rec)
		}
		if hits > 0 {
			redactionHits.Add(float64(hits))
		}
	}

	recs := make([]skald.Record, len(batch))
	for i, rec := range batch {
		recs[i] = rec
	}

	// The read lock is held across the fan-out so that RemoveSink, which
	// takes the write lock, cannot return while a write to that sink is
	// still in flight.
	c.sinkMu.RLock()
	for _, snk := range c.sinks {
		c.writeTo(ctx, snk, recs...)
	}
	c.sinkMu.RUnlock()
	for _, rec := range batch {
		for _, snk := range rec.ExtraSinks() {
			c.writeTo(ctx, snk, rec)
		}
		record.Release(rec)
	}

	queueDepth.Set(float64(c.buf.Len()))
	dispatchLatency.Observe(time.Since(start).Seconds())
	return true
}

func (c *core) writeTo(ctx context.Context, snk skald.Sink, recs ...skald.Record) {
	if !snk.Healthy() {
		recordsDropped.WithLabelValues("unhealthy_sink").Add(float64(len(recs)))
		return
	}
	var err error
	if len(recs) == 1 {
		err = snk.Write(ctx, recs[0])
	} else {
		err = snk.WriteBatch(ctx, recs)
	}
	sinkWrites.WithLabelValues(snk.Name()).Add(float64(len(recs)))
	if err != nil {
		sinkWriteErrors.WithLabelValues(snk.Name()).Inc()
		c.logger.Error("sink write failed", "sink", snk.Name(), "error", err.Error())
		if c.hook != nil {
			c.hook(snk.Name(), err)
		}
	}
}

func (c *core) flushSinks() {
	c.sinkMu.RLock()
	sinks := append([]skald.Sink(nil), c.sinks...)
	c.sinkMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, s := range sinks {
		if f, ok := s.(skald.Flusher); ok {
			if err := f.Flush(ctx); err != nil {
				c.logger.Error("sink flush failed", "sink", s.Name(), "error", err.Error())
			}
		}
	}
}
