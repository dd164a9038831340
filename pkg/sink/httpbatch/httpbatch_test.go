package httpbatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/skald"
)

type okTransport struct{}

func (okTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("{}")),
		Request:    req,
	}, nil
}

// scriptedBuilder records every submitted batch and pops a pre-planned
// outcome per attempt. Once the script runs out it keeps returning OK.
type scriptedBuilder struct {
	mu      sync.Mutex
	batches [][]Entry
	script  []Outcome
}

func (b *scriptedBuilder) BuildRequest(ctx context.Context, batch []Entry) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodPost, "http://sink.test/ingest", nil)
}

func (b *scriptedBuilder) ClassifyResponse(resp *http.Response, batch []Entry) Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]Entry, len(batch))
	copy(cp, batch)
	b.batches = append(b.batches, cp)
	if len(b.script) == 0 {
		return Outcome{Status: OK}
	}
	out := b.script[0]
	b.script = b.script[1:]
	return out
}

func (b *scriptedBuilder) attempts() [][]Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([][]Entry, len(b.batches))
	copy(cp, b.batches)
	return cp
}

func testConfig(name string, batchSize int) Config {
	return Config{
		Name:          name,
		BatchSize:     batchSize,
		BatchInterval: time.Hour, // tests drive dispatch via size or Flush
		MaxRetries:    3,
		BackoffBase:   time.Millisecond,
		BackoffCap:    5 * time.Millisecond,
	}
}

func newTestSink(cfg Config, b RequestBuilder, opts ...Option) *Sink {
	opts = append(opts, WithClient(&http.Client{Transport: okTransport{}}))
	return New(cfg, b, nil, opts...)
}

func entry(id string) Entry {
	return Entry{Time: time.Now().UnixMilli(), Level: skald.LevelInfo, Body: []byte(`{"msg":"` + id + `"}`), ID: id}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDispatchOnBatchSize(t *testing.T) {
	b := &scriptedBuilder{}
	s := newTestSink(testConfig("t1", 3), b)
	defer s.Close()

	for _, id := range []string{"a", "b", "c"} {
		s.Enqueue(entry(id))
	}
	waitFor(t, func() bool { return s.Stats().Delivered == 3 })

	got := b.attempts()
	if len(got) != 1 || len(got[0]) != 3 {
		t.Fatalf("expected one attempt with 3 entries, got %v", got)
	}
	if got[0][0].ID != "a" || got[0][2].ID != "c" {
		t.Errorf("batch order lost: %v", got[0])
	}
}

func TestRetriableThenSuccess(t *testing.T) {
	b := &scriptedBuilder{script: []Outcome{
		{Status: Retriable, Err: errors.New("503")},
		{Status: Retriable, Err: errors.New("503")},
		{Status: OK},
	}}
	s := newTestSink(testConfig("t2", 2), b)
	defer s.Close()

	s.Enqueue(entry("a"))
	s.Enqueue(entry("b"))
	waitFor(t, func() bool { return s.Stats().Delivered == 2 })

	if n := len(b.attempts()); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	if st := s.Stats(); st.Dropped != 0 || st.DroppedBatches != 0 {
		t.Errorf("nothing should be dropped: %+v", st)
	}
}

func TestExhaustionDropsBatchOnce(t *testing.T) {
	b := &scriptedBuilder{script: []Outcome{
		{Status: Retriable, Err: errors.New("503")},
		{Status: Retriable, Err: errors.New("503")},
		{Status: Retriable, Err: errors.New("503")},
	}}

	var hookMu sync.Mutex
	var hookCalls []error
	hook := func(sink string, err error) {
		hookMu.Lock()
		hookCalls = append(hookCalls, err)
		hookMu.Unlock()
	}

	s := newTestSink(testConfig("t3", 2), b, WithErrorHook(hook))
	defer s.Close()

	s.Enqueue(entry("a"))
	s.Enqueue(entry("b"))
	waitFor(t, func() bool { return s.Stats().DroppedBatches == 1 })

	st := s.Stats()
	if st.Dropped != 2 || st.Delivered != 0 {
		t.Errorf("expected batch dropped exactly once: %+v", st)
	}
	if !strings.Contains(st.LastError, "503") {
		t.Errorf("last error not recorded: %q", st.LastError)
	}
	hookMu.Lock()
	defer hookMu.Unlock()
	if len(hookCalls) != 1 {
		t.Errorf("hook must fire exactly once per dropped batch, got %d", len(hookCalls))
	}
}

func TestFatalMarksDead(t *testing.T) {
	b := &scriptedBuilder{script: []Outcome{
		{Status: Fatal, Err: errors.New("401 unauthorized")},
	}}
	s := newTestSink(testConfig("t4", 1), b)
	defer s.Close()

	s.Enqueue(entry("a"))
	waitFor(t, func() bool { return !s.Healthy() })

	if n := len(b.attempts()); n != 1 {
		t.Errorf("fatal responses must not be retried, got %d attempts", n)
	}
	if st := s.Stats(); st.DroppedBatches != 1 {
		t.Errorf("expected the batch dropped: %+v", st)
	}
}

func TestDeadAfterConsecutiveExhaustionsAndRecovery(t *testing.T) {
	fail := Outcome{Status: Retriable, Err: errors.New("503")}
	b := &scriptedBuilder{script: []Outcome{
		fail, fail, fail, // batch 1 exhausted
		fail, fail, fail, // batch 2 exhausted
	}}
	cfg := testConfig("t5", 1)
	cfg.DeadThreshold = 2
	s := newTestSink(cfg, b)
	defer s.Close()

	s.Enqueue(entry("a"))
	waitFor(t, func() bool { return s.Stats().DroppedBatches == 1 })
	if !s.Healthy() {
		t.Fatal("one exhaustion must not mark the sink dead")
	}

	s.Enqueue(entry("b"))
	waitFor(t, func() bool { return !s.Healthy() })

	// A successful delivery revives the sink.
	s.Enqueue(entry("c"))
	waitFor(t, func() bool { return s.Stats().Delivered == 1 })
	if !s.Healthy() {
		t.Error("success must clear the dead mark")
	}
}

func TestPerItemRetryRequeuesAtHead(t *testing.T) {
	b := &scriptedBuilder{script: []Outcome{
		{Status: OK, Retry: []int{1, 99}}, // index 99 is out of range and ignored
	}}
	s := newTestSink(testConfig("t6", 3), b)
	defer s.Close()

	for _, id := range []string{"a", "b", "c"} {
		s.Enqueue(entry(id))
	}
	waitFor(t, func() bool { return s.Stats().Delivered == 2 })

	// Force the retried entry out together with a newcomer; it must lead.
	s.Enqueue(entry("d"))
	if err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := b.attempts()
	last := got[len(got)-1]
	if len(last) != 2 || last[0].ID != "b" || last[1].ID != "d" {
		t.Errorf("expected retried entry at head, got %v", last)
	}
	waitFor(t, func() bool { return s.Stats().Delivered == 4 })
}

func TestRequeueDelaysRedelivery(t *testing.T) {
	b := &scriptedBuilder{script: []Outcome{
		{Status: OK, Retry: []int{0}},
	}}
	cfg := testConfig("t6b", 2)
	cfg.BackoffBase = time.Hour
	cfg.BackoffCap = time.Hour
	s := newTestSink(cfg, b)
	defer s.Close()

	s.Enqueue(entry("a"))
	s.Enqueue(entry("b"))
	waitFor(t, func() bool { return s.Stats().Delivered == 1 })

	// A size-triggered dispatch must not resend the requeued entry before
	// its delay elapses.
	s.Enqueue(entry("c"))
	time.Sleep(50 * time.Millisecond)
	if n := len(b.attempts()); n != 1 {
		t.Fatalf("requeued entry resent before its delay, %d attempts", n)
	}

	// Flush overrides the hold and the requeued entry still leads.
	if err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := b.attempts()
	if len(got) != 2 || got[1][0].ID != "a" {
		t.Errorf("flush must deliver the held entry first, got %v", got)
	}
}

func TestPendingCapDropsOldest(t *testing.T) {
	// BatchInterval is an hour and nothing reaches BatchSize, so entries
	// accumulate. Cap is 3x batch size.
	b := &scriptedBuilder{}
	cfg := testConfig("t7", 10)
	s := newTestSink(cfg, b)
	defer s.Close()

	for i := 0; i < 35; i++ {
		e := entry("x")
		if i < 9 {
			e.ID = "old"
		}
		s.Enqueue(e)
	}
	st := s.Stats()
	if st.QueueDepth != 30 {
		t.Errorf("expected queue capped at 30, got %d", st.QueueDepth)
	}
	if st.Dropped != 5 {
		t.Errorf("expected 5 oldest dropped, got %d", st.Dropped)
	}
}

func TestByteCapSplitsBatch(t *testing.T) {
	b := &scriptedBuilder{}
	cfg := testConfig("t8", 10)
	cfg.MaxBatchBytes = 3 * EstimateSize(entry("a"))
	s := newTestSink(cfg, b)
	defer s.Close()

	for i := 0; i < 6; i++ {
		s.Enqueue(entry("e"))
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, batch := range b.attempts() {
		if len(batch) > 3 {
			t.Errorf("batch exceeded byte cap: %d entries", len(batch))
		}
	}
	if s.Stats().Delivered != 6 {
		t.Errorf("flush must deliver everything: %+v", s.Stats())
	}
}

func TestCloseDrainsAndRejects(t *testing.T) {
	b := &scriptedBuilder{}
	s := newTestSink(testConfig("t9", 10), b)

	s.Enqueue(entry("a"))
	s.Enqueue(entry("b"))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if st := s.Stats(); st.Delivered != 2 {
		t.Errorf("close must drain pending entries: %+v", st)
	}

	s.Enqueue(entry("late"))
	if st := s.Stats(); st.Dropped != 1 {
		t.Errorf("writes after close must be counted dropped: %+v", st)
	}
}
