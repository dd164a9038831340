package kafka

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/user/skald"
	"github.com/user/skald/pkg/compression"
	"github.com/user/skald/pkg/record"
)

type stubFormatter struct{}

func (stubFormatter) Format(rec skald.Record) ([]byte, error) {
	return []byte(`{"id":"` + rec.ID() + `"}`), nil
}

func testRecord(id string) skald.Record {
	rec := record.Acquire()
	rec.SetID(id)
	rec.SetLevel(skald.LevelInfo)
	rec.SetTime(record.NowMillis())
	rec.SetMessage("m")
	return rec
}

// newQueuedSink builds a sink with the publish path stubbed out; the
// writer stays nil so nothing touches the network.
func newQueuedSink(publish func(context.Context, []kafkago.Message) error) *Sink {
	s := &Sink{formatter: stubFormatter{}, publish: publish}
	s.start()
	return s
}

func TestCodecMapping(t *testing.T) {
	cases := map[compression.Algorithm]kafkago.Compression{
		compression.None:   0,
		compression.Gzip:   kafkago.Gzip,
		compression.Snappy: kafkago.Snappy,
		compression.LZ4:    kafkago.Lz4,
		compression.Zstd:   kafkago.Zstd,
	}
	for algo, want := range cases {
		got, err := codecFor(algo)
		if err != nil || got != want {
			t.Errorf("codecFor(%q) = %v, %v; want %v", algo, got, err, want)
		}
	}
	if _, err := codecFor("brotli"); err == nil {
		t.Error("unknown codecs must be rejected")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{Topic: "logs"}, nil); err == nil {
		t.Error("missing brokers must be rejected")
	}
	if _, err := New(Config{Brokers: []string{"b:9092"}}, nil); err == nil {
		t.Error("missing topic must be rejected")
	}
	s, err := New(Config{Brokers: []string{"b:9092"}, Topic: "logs", Compression: compression.Snappy}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.writer.Topic != "logs" || s.writer.Compression != kafkago.Snappy {
		t.Errorf("writer misconfigured: %+v", s.writer)
	}
}

func TestWriteDoesNotBlockOnSlowBroker(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s := newQueuedSink(func(ctx context.Context, msgs []kafkago.Message) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	})
	defer s.Close()

	s.Write(context.Background(), testRecord("a"))
	<-entered

	// The worker is parked inside a publish; further writes must still
	// return immediately.
	written := make(chan struct{})
	go func() {
		s.Write(context.Background(), testRecord("b"))
		close(written)
	}()
	select {
	case <-written:
	case <-time.After(time.Second):
		t.Fatal("write blocked behind a stalled publish")
	}

	close(release)
	if err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := s.Stats(); st.Delivered != 2 || st.QueueDepth != 0 {
		t.Errorf("queue not drained after release: %+v", st)
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	// No worker is started, so the queue fills without being drained.
	s := &Sink{formatter: stubFormatter{}}

	msgs := make([]kafkago.Message, 0, maxPending+5)
	for i := 0; i < maxPending+5; i++ {
		key := "new"
		if i < 5 {
			key = "old"
		}
		msgs = append(msgs, kafkago.Message{Key: []byte(key)})
	}
	s.enqueue(msgs)

	st := s.Stats()
	if st.QueueDepth != maxPending {
		t.Errorf("expected queue capped at %d, got %d", maxPending, st.QueueDepth)
	}
	if st.Dropped != 5 {
		t.Errorf("expected 5 oldest dropped, got %d", st.Dropped)
	}
	if string(s.pending[0].Key) == "old" {
		t.Error("eviction must remove the oldest messages first")
	}
}

func TestPublishFailureCountsDropped(t *testing.T) {
	s := newQueuedSink(func(ctx context.Context, msgs []kafkago.Message) error {
		return errors.New("broker down")
	})
	defer s.Close()

	s.Write(context.Background(), testRecord("a"))
	if err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := s.Stats()
	if st.Delivered != 0 || st.Dropped != 1 {
		t.Errorf("failed publish must count dropped: %+v", st)
	}
	if !strings.Contains(st.LastError, "broker down") {
		t.Errorf("last error not recorded: %q", st.LastError)
	}
}
