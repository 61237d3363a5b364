package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestForwarderDrains(t *testing.T) {
	buf := NewBuffer[int](4)

	var mu sync.Mutex
	var got []int
	f := NewForwarder(buf, func(v int) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	}, nil)

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 10; i++ {
		buf.Push(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.Written() < 10 {
		if time.Now().After(deadline) {
			t.Fatalf("Written() = %d, want 10", f.Written())
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 10 || got[0] != 0 || got[9] != 9 {
		t.Errorf("got %v, want 0..9 in order", got)
	}
}

func TestForwarderStopDrainsRemainder(t *testing.T) {
	buf := NewBuffer[int](4)
	var count int64
	var mu sync.Mutex
	f := NewForwarder(buf, func(int) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, nil)

	// Never started: everything buffered must still land on Stop.
	f.ctx, f.cancel = context.WithCancel(context.Background())
	for i := 0; i < 5; i++ {
		buf.Push(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.Written() != 5 {
		t.Errorf("Written() = %d, want 5", f.Written())
	}
}

func TestForwarderCountsErrors(t *testing.T) {
	buf := NewBuffer[int](4)
	f := NewForwarder(buf, func(int) error { return errors.New("disk full") }, nil)

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	buf.Push(1)

	deadline := time.Now().Add(2 * time.Second)
	for f.Errors() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Errors() = %d, want 1", f.Errors())
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f.Stop(ctx)

	if f.Written() != 0 {
		t.Errorf("Written() = %d, want 0", f.Written())
	}
}
