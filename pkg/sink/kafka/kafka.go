// Package kafka publishes log records to a Kafka topic. The record ID is
// used as the message key so replays land in the same partition. Records
// are serialized at write time and queued internally; a background worker
// owns all broker IO, so a slow or dead broker backs up this sink's queue
// instead of the dispatcher.
package kafka

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/user/skald"
	"github.com/user/skald/pkg/compression"
)

const (
	// maxPending bounds the internal queue; the oldest messages are dropped
	// when it overflows.
	maxPending      = 4096
	publishBatchMax = 500
)

// Config describes the broker connection and topic.
type Config struct {
	Brokers []string
	Topic   string
	// Async trades delivery confirmation for throughput; failures are then
	// only visible through Stats.
	Async bool
	// Compression is one of the codecs the cluster accepts: gzip, snappy,
	// lz4, or zstd. Empty sends uncompressed.
	Compression compression.Algorithm
	// BatchTimeout bounds how long the writer holds an incomplete batch.
	BatchTimeout time.Duration
}

// Sink queues messages and publishes them through a shared kafka writer.
type Sink struct {
	writer    *kafkago.Writer
	formatter skald.Formatter
	async     bool
	publish   func(context.Context, []kafkago.Message) error

	mu      sync.Mutex
	pending []kafkago.Message

	signal  chan struct{}
	flushCh chan chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	closed    atomic.Bool
	delivered atomic.Uint64
	dropped   atomic.Uint64
	lastErr   atomic.Value
}

// New validates the codec, builds the writer, and starts the publish
// worker. The broker connection is established lazily by the first publish.
func New(cfg Config, formatter skald.Formatter) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: no topic configured")
	}
	codec, err := codecFor(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}

	s := &Sink{formatter: formatter, async: cfg.Async}
	s.writer = &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		Async:        cfg.Async,
		Compression:  codec,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafkago.RequireOne,
		Completion:   s.onCompletion,
	}
	s.publish = func(ctx context.Context, msgs []kafkago.Message) error {
		return s.writer.WriteMessages(ctx, msgs...)
	}
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

func codecFor(algo compression.Algorithm) (kafkago.Compression, error) {
	switch algo {
	case compression.None:
		return 0, nil
	case compression.Gzip:
		return kafkago.Gzip, nil
	case compression.Snappy:
		return kafkago.Snappy, nil
	case compression.LZ4:
		return kafkago.Lz4, nil
	case compression.Zstd:
		return kafkago.Zstd, nil
	default:
		return 0, fmt.Errorf("kafka: unsupported compression %q", algo)
	}
}

// onCompletion accounts async deliveries; synchronous publishes are counted
// inline and skip it.
func (s *Sink) onCompletion(messages []kafkago.Message, err error) {
	if !s.async {
		return
	}
	if err != nil {
		s.dropped.Add(uint64(len(messages)))
		s.lastErr.Store(err.Error())
		return
	}
	s.delivered.Add(uint64(len(messages)))
}

func (s *Sink) Name() string { return "kafka" }

func (s *Sink) Write(ctx context.Context, rec skald.Record) error {
	return s.WriteBatch(ctx, []skald.Record{rec})
}

// WriteBatch serializes the records and queues them for the worker. It
// never touches the network; publish failures surface through Stats.
func (s *Sink) WriteBatch(ctx context.Context, recs []skald.Record) error {
	if s.closed.Load() {
		s.dropped.Add(uint64(len(recs)))
		return nil
	}

	msgs := make([]kafkago.Message, 0, len(recs))
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		value, err := s.formatter.Format(rec)
		if err != nil {
			s.dropped.Add(1)
			s.lastErr.Store(err.Error())
			continue
		}
		msgs = append(msgs, kafkago.Message{
			Key:   []byte(rec.ID()),
			Value: value,
			Time:  time.UnixMilli(rec.Time()),
		})
	}
	if len(msgs) == 0 {
		return nil
	}
	s.enqueue(msgs)
	return nil
}

func (s *Sink) enqueue(msgs []kafkago.Message) {
	s.mu.Lock()
	s.pending = append(s.pending, msgs...)
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
	for {
		select {
		case <-s.signal:
			s.publishPending()
		case reply := <-s.flushCh:
			s.publishPending()
			close(reply)
		case <-s.done:
			s.publishPending()
			return
		}
	}
}

func (s *Sink) publishPending() {
	for {
		s.mu.Lock()
		n := len(s.pending)
		if n == 0 {
			s.mu.Unlock()
			return
		}
		if n > publishBatchMax {
			n = publishBatchMax
		}
		batch := make([]kafkago.Message, n)
		copy(batch, s.pending)
		s.pending = append(s.pending[:0], s.pending[n:]...)
		s.mu.Unlock()

		if err := s.publish(context.Background(), batch); err != nil {
			if !s.async {
				s.dropped.Add(uint64(len(batch)))
				s.lastErr.Store(err.Error())
			}
			continue
		}
		if !s.async {
			s.delivered.Add(uint64(len(batch)))
		}
	}
}

func (s *Sink) Healthy() bool { return !s.closed.Load() }

// Flush synchronously publishes everything queued so far.
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

// Close publishes the remaining queue, stops the worker, and closes the
// writer.
func (s *Sink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	s.wg.Wait()
	if s.writer != nil {
		return s.writer.Close()
	}
	return nil
}
