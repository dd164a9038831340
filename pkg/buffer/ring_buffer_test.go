package buffer

import (
	"sync"
	"testing"
	"time"
)

func TestRingBufferFIFO(t *testing.T) {
	rb := NewRingBuffer[int](8)
	for i := 0; i < 5; i++ {
		if !rb.Write(i) {
			t.Fatalf("write %d failed", i)
		}
	}
	for i := 0; i < 5; i++ {
		v, ok := rb.Read()
		if !ok {
			t.Fatalf("read %d failed", i)
		}
		if v != i {
			t.Errorf("expected %d, got %d", i, v)
		}
	}
	if _, ok := rb.Read(); ok {
		t.Error("expected empty buffer")
	}
}

func TestRingBufferCapacityRoundsUp(t *testing.T) {
	rb := NewRingBuffer[int](5)
	if rb.Cap() != 8 {
		t.Errorf("expected capacity 8, got %d", rb.Cap())
	}
}

func TestRingBufferOverwriteDropsOldest(t *testing.T) {
	rb := NewRingBuffer[int](4)
	for i := 0; i < 7; i++ {
		if !rb.Write(i) {
			t.Fatalf("overwrite policy write %d returned false", i)
		}
	}
	if rb.Dropped() != 3 {
		t.Errorf("expected 3 dropped, got %d", rb.Dropped())
	}
	out := rb.ReadBatch(10)
	want := []int{3, 4, 5, 6}
	if len(out) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(out))
	}
	for i, v := range want {
		if out[i] != v {
			t.Errorf("item %d: expected %d, got %d", i, v, out[i])
		}
	}
}

func TestRingBufferBlockPolicyTimesOut(t *testing.T) {
	rb := NewRingBuffer[int](2, WithPolicy[int](Block), WithBlockTimeout[int](20*time.Millisecond))
	rb.Write(1)
	rb.Write(2)

	start := time.Now()
	if rb.Write(3) {
		t.Fatal("expected timed-out write to fail")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("write returned before the block timeout")
	}
}

func TestRingBufferBlockPolicyUnblocksOnRead(t *testing.T) {
	rb := NewRingBuffer[int](2, WithPolicy[int](Block), WithBlockTimeout[int](time.Second))
	rb.Write(1)
	rb.Write(2)

	done := make(chan bool, 1)
	go func() {
		done <- rb.Write(3)
	}()

	time.Sleep(10 * time.Millisecond)
	if _, ok := rb.Read(); !ok {
		t.Fatal("read failed")
	}
	select {
	case ok := <-done:
		if !ok {
			t.Error("write should succeed once room frees up")
		}
	case <-time.After(time.Second):
		t.Fatal("blocked write never completed")
	}
}

func TestRingBufferHighWaterFiresOncePerCrossing(t *testing.T) {
	var mu sync.Mutex
	fires := 0
	rb := NewRingBuffer[int](8, WithHighWater[int](3, func() {
		mu.Lock()
		fires++
		mu.Unlock()
	}))

	rb.Write(1)
	rb.Write(2)
	rb.Write(3) // crosses
	rb.Write(4) // still above, no fire
	mu.Lock()
	if fires != 1 {
		t.Errorf("expected 1 fire, got %d", fires)
	}
	mu.Unlock()

	rb.ReadBatch(2) // drops below
	rb.Write(5)     // crosses again
	mu.Lock()
	if fires != 2 {
		t.Errorf("expected 2 fires, got %d", fires)
	}
	mu.Unlock()
}

func TestRingBufferConcurrentWriters(t *testing.T) {
	rb := NewRingBuffer[int](1024)
	var wg sync.WaitGroup
	const writers = 8
	const perWriter = 100
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				rb.Write(base + i)
			}
		}(w * perWriter)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for {
		v, ok := rb.Read()
		if !ok {
			break
		}
		if seen[v] {
			t.Errorf("duplicate item %d", v)
		}
		seen[v] = true
	}
	if len(seen) != writers*perWriter {
		t.Errorf("expected %d items, got %d", writers*perWriter, len(seen))
	}
}

func TestRingBufferAccounting(t *testing.T) {
	rb := NewRingBuffer[int](4)
	attempted := 100
	for i := 0; i < attempted; i++ {
		rb.Write(i)
	}
	delivered := len(rb.ReadBatch(attempted))
	if int(rb.Dropped())+delivered != attempted {
		t.Errorf("drops(%d) + delivered(%d) != attempted(%d)", rb.Dropped(), delivered, attempted)
	}
}

func TestRingBufferCloseRejectsWrites(t *testing.T) {
	rb := NewRingBuffer[int](4)
	rb.Write(1)
	rb.Close()
	if rb.Write(2) {
		t.Error("write after close should fail")
	}
	if v, ok := rb.Read(); !ok || v != 1 {
		t.Error("buffered item should remain readable after close")
	}
}
