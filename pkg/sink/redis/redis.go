// Package redis appends log records to a capped Redis stream, giving local
// consumers a short replayable window of recent logs. Records are
// serialized at write time and queued internally; a background worker owns
// all server IO, so a slow or dead Redis backs up this sink's queue instead
// of the dispatcher.
package redis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/user/skald"
)

const (
	healthTimeout  = 500 * time.Millisecond
	healthInterval = 5 * time.Second

	// maxPending bounds the internal queue; the oldest entries are dropped
	// when it overflows.
	maxPending   = 4096
	sendBatchMax = 500
)

// Config describes the Redis connection and stream.
type Config struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen caps the stream; older entries are trimmed approximately as
	// new ones arrive. Zero keeps the default of 10000.
	MaxLen int64
}

// entry is a record already serialized for XADD.
type entry struct {
	id    string
	level string
	body  []byte
}

// Sink queues entries and XADDs them to a capped stream.
type Sink struct {
	client    *goredis.Client
	stream    string
	maxLen    int64
	formatter skald.Formatter
	send      func(context.Context, []entry) error

	mu      sync.Mutex
	pending []entry

	signal  chan struct{}
	flushCh chan chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	closed    atomic.Bool
	healthy   atomic.Bool
	delivered atomic.Uint64
	dropped   atomic.Uint64
	lastErr   atomic.Value
}

// New builds the client, verifies connectivity, and starts the worker.
func New(ctx context.Context, cfg Config, formatter skald.Formatter) (*Sink, error) {
	if cfg.Stream == "" {
		return nil, fmt.Errorf("redis: no stream configured")
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10000
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to connect: %w", err)
	}
	s := &Sink{
		client:    client,
		stream:    cfg.Stream,
		maxLen:    cfg.MaxLen,
		formatter: formatter,
	}
	s.send = func(ctx context.Context, batch []entry) error {
		// Pipeline the XADDs so a batch costs one round trip.
		pipe := s.client.Pipeline()
		for _, e := range batch {
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: s.stream,
				MaxLen: s.maxLen,
				Approx: true,
				Values: map[string]interface{}{
					"id":     e.id,
					"level":  e.level,
					"record": e.body,
				},
			})
		}
		_, err := pipe.Exec(ctx)
		return err
	}
	s.healthy.Store(true)
	s.start()
	return s, nil
}

func (s *Sink) start() {
	s.signal = make(chan struct{}, 1)
	s.flushCh = make(chan chan struct{})
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.loop()
}

func (s *Sink) Name() string { return "redis" }

func (s *Sink) Write(ctx context.Context, rec skald.Record) error {
	return s.WriteBatch(ctx, []skald.Record{rec})
}

// WriteBatch serializes the records and queues them for the worker. It
// never touches the network; send failures surface through Stats and
// Healthy.
func (s *Sink) WriteBatch(ctx context.Context, recs []skald.Record) error {
	if s.closed.Load() {
		s.dropped.Add(uint64(len(recs)))
		return nil
	}

	batch := make([]entry, 0, len(recs))
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		body, err := s.formatter.Format(rec)
		if err != nil {
			s.dropped.Add(1)
			s.lastErr.Store(err.Error())
			continue
		}
		batch = append(batch, entry{id: rec.ID(), level: rec.Level().Label(), body: body})
	}
	if len(batch) == 0 {
		return nil
	}
	s.enqueue(batch)
	return nil
}

func (s *Sink) enqueue(batch []entry) {
	s.mu.Lock()
	s.pending = append(s.pending, batch...)
	if over := len(s.pending) - maxPending; over > 0 {
		s.pending = append(s.pending[:0], s.pending[over:]...)
		s.dropped.Add(uint64(over))
	}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Sink) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.signal:
			s.sendPending()
		case <-ticker.C:
			// Probe an unhealthy server so the sink recovers once Redis
			// comes back.
			if !s.healthy.Load() {
				s.probe()
			}
		case reply := <-s.flushCh:
			s.sendPending()
			close(reply)
		case <-s.done:
			s.sendPending()
			return
		}
	}
}

func (s *Sink) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()
	s.healthy.Store(s.client.Ping(ctx).Err() == nil)
}

func (s *Sink) sendPending() {
	for {
		s.mu.Lock()
		n := len(s.pending)
		if n == 0 {
			s.mu.Unlock()
			return
		}
		if n > sendBatchMax {
			n = sendBatchMax
		}
		batch := make([]entry, n)
		copy(batch, s.pending)
		s.pending = append(s.pending[:0], s.pending[n:]...)
		s.mu.Unlock()

		if err := s.send(context.Background(), batch); err != nil {
			s.dropped.Add(uint64(len(batch)))
			s.lastErr.Store(err.Error())
			s.healthy.Store(false)
			continue
		}
		s.delivered.Add(uint64(len(batch)))
		s.healthy.Store(true)
	}
}

// Healthy reports the cached outcome of the last send or probe; it never
// issues network calls itself.
func (s *Sink) Healthy() bool {
	return !s.closed.Load() && s.healthy.Load()
}

// Flush synchronously sends everything queued so far.
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

func (s *Sink) Stats() skald.Stats {
	s.mu.Lock()
	depth := len(s.pending)
	s.mu.Unlock()
	st := skald.Stats{
		QueueDepth: depth,
		Delivered:  s.delivered.Load(),
		Dropped:    s.dropped.Load(),
	}
	if v, ok := s.lastErr.Load().(string); ok {
		st.LastError = v
	}
	return st
}

// Close sends the remaining queue, stops the worker, and closes the client.
func (s *Sink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	s.wg.Wait()
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
