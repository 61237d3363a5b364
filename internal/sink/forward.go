package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Forwarder drains a Buffer into a write function on its own goroutine,
// so producers never block on sink latency. Write errors are logged and
// counted, never propagated upstream.
type Forwarder[T any] struct {
	buf    *Buffer[T]
	write  func(T) error
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	written int64
	errors  int64
}

// NewForwarder wires buf to write. The forwarder does not own the buffer;
// the caller closes it.
func NewForwarder[T any](buf *Buffer[T], write func(T) error, logger *slog.Logger) *Forwarder[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder[T]{buf: buf, write: write, logger: logger}
}

// Start launches the drain goroutine.
func (f *Forwarder[T]) Start(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.drainLoop()
	return nil
}

// Stop cancels the drain loop, waits for it (bounded by ctx), then drains
// whatever is still buffered so a graceful shutdown loses nothing.
func (f *Forwarder[T]) Stop(ctx context.Context) error {
	if f.cancel != nil {
		f.cancel()
	}

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		f.logger.Warn("forwarder stop timed out")
	}

	for _, item := range f.buf.Drain(0) {
		f.writeOne(item)
	}
	return nil
}

// Written returns the count of successfully written items.
func (f *Forwarder[T]) Written() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

// Errors returns the count of failed writes.
func (f *Forwarder[T]) Errors() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errors
}

func (f *Forwarder[T]) drainLoop() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		item, ok := f.buf.TryPop()
		if !ok {
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}
		f.writeOne(item)
	}
}

func (f *Forwarder[T]) writeOne(item T) {
	err := f.write(item)

	f.mu.Lock()
	if err != nil {
		f.errors++
	} else {
		f.written++
	}
	f.mu.Unlock()

	if err != nil {
		f.logger.Error("sink write failed", "error", err)
	}
}
