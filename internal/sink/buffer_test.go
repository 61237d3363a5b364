package sink

import (
	"sync"
	"testing"
)

func TestBufferFIFO(t *testing.T) {
	b := NewBuffer[int](4)
	for i := 1; i <= 3; i++ {
		if !b.Push(i) {
			t.Fatalf("Push(%d) = false, want true", i)
		}
	}
	for i := 1; i <= 3; i++ {
		got, ok := b.TryPop()
		if !ok || got != i {
			t.Errorf("TryPop() = %d,%v, want %d,true", got, ok, i)
		}
	}
	if _, ok := b.TryPop(); ok {
		t.Error("TryPop() on empty buffer = true, want false")
	}
}

func TestBufferGrowsPastCapacity(t *testing.T) {
	b := NewBuffer[int](2)
	for i := 0; i < 100; i++ {
		b.Push(i)
	}
	if b.Len() != 100 {
		t.Errorf("Len() = %d, want 100", b.Len())
	}
	for i := 0; i < 100; i++ {
		got, ok := b.TryPop()
		if !ok || got != i {
			t.Fatalf("TryPop() = %d,%v, want %d,true", got, ok, i)
		}
	}

	stats := b.Stats()
	if stats.Grows == 0 {
		t.Error("Grows = 0, want at least one resize")
	}
	if stats.Pushed != 100 || stats.Popped != 100 {
		t.Errorf("stats = %+v, want 100 pushed and popped", stats)
	}
}

func TestBufferGrowPreservesWrappedOrder(t *testing.T) {
	b := NewBuffer[int](4)
	// Advance head so the ring wraps before growing.
	b.Push(0)
	b.Push(1)
	b.TryPop()
	b.TryPop()
	for i := 2; i < 10; i++ {
		b.Push(i)
	}
	for i := 2; i < 10; i++ {
		got, ok := b.TryPop()
		if !ok || got != i {
			t.Fatalf("TryPop() = %d,%v, want %d,true", got, ok, i)
		}
	}
}

func TestBufferCloseDrainsThenStops(t *testing.T) {
	b := NewBuffer[string](4)
	b.Push("a")
	b.Close()

	if b.Push("b") {
		t.Error("Push after Close = true, want false")
	}

	got, ok := b.Pop()
	if !ok || got != "a" {
		t.Errorf("Pop() = %q,%v, want a,true", got, ok)
	}
	if _, ok := b.Pop(); ok {
		t.Error("Pop() after drain on closed buffer = true, want false")
	}
}

func TestBufferCloseWakesBlockedPop(t *testing.T) {
	b := NewBuffer[int](1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ok := b.Pop(); ok {
			t.Error("Pop() on closed empty buffer = true, want false")
		}
	}()
	b.Close()
	<-done
}

func TestBufferDrain(t *testing.T) {
	b := NewBuffer[int](8)
	for i := 0; i < 5; i++ {
		b.Push(i)
	}

	first := b.Drain(3)
	if len(first) != 3 || first[0] != 0 || first[2] != 2 {
		t.Errorf("Drain(3) = %v, want [0 1 2]", first)
	}
	rest := b.Drain(0)
	if len(rest) != 2 || rest[0] != 3 {
		t.Errorf("Drain(0) = %v, want [3 4]", rest)
	}
	if b.Drain(0) != nil {
		t.Error("Drain on empty buffer != nil")
	}
}

func TestBufferConcurrentProducers(t *testing.T) {
	b := NewBuffer[int](1)
	const producers = 8
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.Push(i)
			}
		}()
	}
	wg.Wait()

	if got := b.Len(); got != producers*perProducer {
		t.Errorf("Len() = %d, want %d", got, producers*perProducer)
	}
}
