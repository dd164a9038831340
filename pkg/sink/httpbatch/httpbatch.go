// Package httpbatch implements the shared delivery loop used by every
// HTTP-based sink: size/interval batching, a single in-flight request,
// bounded retries with jittered exponential backoff, and dead-marking on
// persistent failure. Destination specifics live behind RequestBuilder.
package httpbatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/skald"
)

// Entry is a record already serialized for the wire. Holding bytes instead
// of records lets the dispatcher recycle pooled records immediately after
// enqueue.
type Entry struct {
	Time  int64
	Level skald.Level
	Body  []byte
	ID    string
}

// EstimateSize approximates an entry's on-wire cost including framing.
func EstimateSize(e Entry) int { return len(e.Body) + 64 }

// Status classifies a destination response.
type Status int

const (
	// OK means the batch was accepted, possibly with per-item retries.
	OK Status = iota
	// Retriable means the whole batch should be retried after backoff.
	Retriable
	// Fatal means the batch can never succeed and must be dropped, and the
	// sink marked dead.
	Fatal
)

// Outcome is a RequestBuilder's verdict on one delivery attempt. Retry
// holds indexes into the submitted batch for items that were individually
// rejected with a retriable status.
type Outcome struct {
	Status Status
	Retry  []int
	Err    error
}

// RequestBuilder adapts the batcher to one destination. BuildRequest is
// called once per attempt, so builders can refresh tokens or sequence state
// between retries of the same batch.
type RequestBuilder interface {
	BuildRequest(ctx context.Context, batch []Entry) (*http.Request, error)
	ClassifyResponse(resp *http.Response, batch []Entry) Outcome
}

// Config tunes the batching and retry behavior.
type Config struct {
	Name          string
	BatchSize     int
	BatchInterval time.Duration
	MaxBatchBytes int
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	// RequestsPerSec throttles dispatch; zero disables the limiter.
	RequestsPerSec float64
	// DeadThreshold is how many consecutive exhausted batches mark the sink
	// dead. Zero uses the default of 3.
	DeadThreshold int
	// RequeueLimit caps how many per-item retries are put back at the head
	// of the queue. Zero uses the default of 500.
	RequeueLimit int
	Timeout      time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.DeadThreshold <= 0 {
		c.DeadThreshold = 3
	}
	if c.RequeueLimit <= 0 {
		c.RequeueLimit = 500
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Sink is the generic HTTP batch sink. Destination sinks embed it and
// supply a RequestBuilder.
type Sink struct {
	cfg       Config
	builder   RequestBuilder
	formatter skald.Formatter
	client    *http.Client
	limiter   *rate.Limiter
	hook      skald.ErrorHook
	log       skald.Logger

	mu        sync.Mutex
	pending   []Entry
	holdUntil time.Time
	closed    bool
	dead     atomic.Bool
	inFlight atomic.Bool
	failures int

	signal  chan struct{}
	flushCh chan chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	delivered      atomic.Uint64
	dropped        atomic.Uint64
	droppedBatches atomic.Uint64
	lastErr        atomic.Value
}

// Option configures optional collaborators.
type Option func(*Sink)

// WithClient overrides the HTTP client, mainly for tests.
func WithClient(c *http.Client) Option {
	return func(s *Sink) { s.client = c }
}

// WithErrorHook installs the batch-failure callback.
func WithErrorHook(h skald.ErrorHook) Option {
	return func(s *Sink) { s.hook = h }
}

// WithLogger installs the pipeline diagnostics logger.
func WithLogger(l skald.Logger) Option {
	return func(s *Sink) { s.log = l }
}

// New starts the batch loop. Close must be called to stop it.
func New(cfg Config, builder RequestBuilder, formatter skald.Formatter, opts ...Option) *Sink {
	cfg.applyDefaults()
	s := &Sink{
		cfg:       cfg,
		builder:   builder,
		formatter: formatter,
		signal:    make(chan struct{}, 1),
		flushCh:   make(chan chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.RequestsPerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *Sink) Name() string { return s.cfg.Name }

// Write serializes the record and enqueues it. It never blocks on the
// network.
func (s *Sink) Write(ctx context.Context, rec skald.Record) error {
	if rec == nil {
		return nil
	}
	body, err := s.formatter.Format(rec)
	if err != nil {
		s.dropped.Add(1)
		s.lastErr.Store(err.Error())
		return fmt.Errorf("failed to format record: %w", err)
	}
	s.Enqueue(Entry{Time: rec.Time(), Level: rec.Level(), Body: body, ID: rec.ID()})
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

// Enqueue adds a pre-serialized entry. When the pending queue reaches three
// batches, the oldest entry is dropped to bound memory.
func (s *Sink) Enqueue(e Entry) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.dropped.Add(1)
		return
	}
	limit := 3 * s.cfg.BatchSize
	if len(s.pending) >= limit {
		s.pending = s.pending[1:]
		s.dropped.Add(1)
	}
	s.pending = append(s.pending, e)
	full := len(s.pending) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
}

func (s *Sink) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.dispatchOne(false)
		case <-s.signal:
			s.dispatchOne(false)
		case reply := <-s.flushCh:
			s.drain()
			close(reply)
		case <-s.done:
			s.drain()
			return
		}
	}
}

// drain dispatches until the pending queue is empty, ignoring any requeue
// hold so Flush and Close always empty the queue.
func (s *Sink) drain() {
	for s.dispatchOne(true) {
	}
}

// dispatchOne takes one batch off the queue and delivers it. It reports
// whether a batch was taken.
func (s *Sink) dispatchOne(force bool) bool {
	batch := s.takeBatch(force)
	if len(batch) == 0 {
		return false
	}
	s.inFlight.Store(true)
	s.deliver(batch)
	s.inFlight.Store(false)
	return true
}

// takeBatch removes up to BatchSize entries, additionally capped by
// MaxBatchBytes so oversized payloads are split across requests. After a
// per-item requeue the queue head is held back until the requeue delay
// elapses, unless force is set.
func (s *Sink) takeBatch(force bool) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	if !force && time.Now().Before(s.holdUntil) {
		return nil
	}
	n := len(s.pending)
	if n > s.cfg.BatchSize {
		n = s.cfg.BatchSize
	}
	if s.cfg.MaxBatchBytes > 0 {
		size := 0
		for i := 0; i < n; i++ {
			size += EstimateSize(s.pending[i])
			if size > s.cfg.MaxBatchBytes && i > 0 {
				n = i
				break
			}
		}
	}
	batch := make([]Entry, n)
	copy(batch, s.pending[:n])
	s.pending = s.pending[n:]
	return batch
}

// deliver attempts the batch up to MaxRetries times. On exhaustion the
// batch is dropped exactly once and the failure reported exactly once.
func (s *Sink) deliver(batch []Entry) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.backoff(attempt))
		}
		outcome := s.attempt(batch)
		switch outcome.Status {
		case OK:
			s.onSuccess(batch, outcome.Retry)
			return
		case Fatal:
			s.dropBatch(batch, outcome.Err)
			s.dead.Store(true)
			return
		default:
			lastErr = outcome.Err
		}
	}

	s.dropBatch(batch, lastErr)
	s.mu.Lock()
	s.failures++
	exhausted := s.failures >= s.cfg.DeadThreshold
	s.mu.Unlock()
	if exhausted {
		s.dead.Store(true)
	}
}

func (s *Sink) attempt(batch []Entry) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Outcome{Status: Retriable, Err: err}
		}
	}

	req, err := s.builder.BuildRequest(ctx, batch)
	if err != nil {
		return Outcome{Status: Retriable, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		batchRetries.WithLabelValues(s.cfg.Name).Inc()
		return Outcome{Status: Retriable, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	outcome := s.builder.ClassifyResponse(resp, batch)
	if outcome.Status == Retriable {
		batchRetries.WithLabelValues(s.cfg.Name).Inc()
	}
	return outcome
}

// onSuccess counts delivery and puts individually rejected items back at
// the head of the queue, bounded by the requeue limit and the remaining
// queue capacity.
func (s *Sink) onSuccess(batch []Entry, retry []int) {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
	s.dead.Store(false)

	var requeued int
	if len(retry) > 0 {
		requeued = s.requeue(batch, retry)
	}
	delivered := len(batch) - requeued
	s.delivered.Add(uint64(delivered))
	batchesSent.WithLabelValues(s.cfg.Name).Inc()
	entriesDelivered.WithLabelValues(s.cfg.Name).Add(float64(delivered))
}

func (s *Sink) requeue(batch []Entry, retry []int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := s.cfg.RequeueLimit
	if room := 3*s.cfg.BatchSize - len(s.pending); room < limit {
		limit = room
	}

	var head []Entry
	notDelivered := 0
	for _, idx := range retry {
		if idx < 0 || idx >= len(batch) {
			continue
		}
		notDelivered++
		if len(head) >= limit {
			s.dropped.Add(1)
			continue
		}
		head = append(head, batch[idx])
	}
	if len(head) > 0 {
		s.pending = append(head, s.pending...)
		// Requeued items wait before redelivery, and the delay grows
		// exponentially with queue depth so a backlogged destination is
		// pressed less, not more.
		steps := len(s.pending) / s.cfg.BatchSize
		delay := s.cfg.BackoffBase
		for i := 0; i < steps && delay < s.cfg.BackoffCap; i++ {
			delay *= 2
		}
		if delay > s.cfg.BackoffCap {
			delay = s.cfg.BackoffCap
		}
		s.holdUntil = time.Now().Add(delay)
	}
	return notDelivered
}

// dropBatch records the loss and reports it through the hook exactly once.
func (s *Sink) dropBatch(batch []Entry, cause error) {
	if cause == nil {
		cause = errors.New("delivery failed")
	}
	s.dropped.Add(uint64(len(batch)))
	s.droppedBatches.Add(1)
	s.lastErr.Store(cause.Error())
	batchesDropped.WithLabelValues(s.cfg.Name).Inc()
	if s.log != nil {
		s.log.Error("batch dropped", "sink", s.cfg.Name, "size", len(batch), "error", cause.Error())
	}
	if s.hook != nil {
		s.hook(s.cfg.Name, fmt.Errorf("dropped batch of %d entries: %w", len(batch), cause))
	}
}

// backoff returns base*2^(attempt-1) with up to 25% jitter, capped.
func (s *Sink) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase << (attempt - 1)
	if d > s.cfg.BackoffCap {
		d = s.cfg.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// Flush synchronously drains the pending queue.
func (s *Sink) Flush(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case s.flushCh <- reply:
	case <-s.done:
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

// Healthy reports false once the sink is marked dead.
func (s *Sink) Healthy() bool { return !s.dead.Load() }

func (s *Sink) Stats() skald.Stats {
	s.mu.Lock()
	depth := len(s.pending)
	s.mu.Unlock()
	st := skald.Stats{
		QueueDepth:     depth,
		InFlight:       s.inFlight.Load(),
		Delivered:      s.delivered.Load(),
		Dropped:        s.dropped.Load(),
		DroppedBatches: s.droppedBatches.Load(),
	}
	if v, ok := s.lastErr.Load().(string); ok {
		st.LastError = v
	}
	return st
}

// Close drains the queue, stops the loop, and rejects further writes.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return nil
}
