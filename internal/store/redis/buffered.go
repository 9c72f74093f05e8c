package redis

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"marketstructure/internal/bus"
)

// BufferedPublisher wraps a Publisher with a circuit breaker. While
// Redis is unreachable, events are held in a bounded local buffer
// instead of being lost; when the breaker closes again the buffer is
// replayed in order before new traffic.
type BufferedPublisher struct {
	pub *Publisher
	cb  *CircuitBreaker

	mu     sync.Mutex
	buffer []bus.ZoneEvent
	maxBuf int

	// OnBuffer is called with the number of events just buffered,
	// OnFlush with the number just replayed. Both optional.
	OnBuffer func(buffered int)
	OnFlush  func(flushed int)
}

// NewBufferedPublisher wires pub behind cb. The breaker's close
// transition triggers an async replay of the buffer. maxBuf <= 0
// defaults to 10000; when full, the oldest events are dropped first.
func NewBufferedPublisher(pub *Publisher, cb *CircuitBreaker, maxBuf int) *BufferedPublisher {
	if maxBuf <= 0 {
		maxBuf = 10000
	}
	bp := &BufferedPublisher{
		pub:    pub,
		cb:     cb,
		buffer: make([]bus.ZoneEvent, 0, 256),
		maxBuf: maxBuf,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bp.flush()
		}
	}
	return bp
}

// Publish delivers events through the breaker. Failures and open-state
// rejections buffer the batch and return nil; events are only lost once
// the buffer overflows.
func (bp *BufferedPublisher) Publish(ctx context.Context, events []bus.ZoneEvent) error {
	if len(events) == 0 {
		return nil
	}
	err := bp.cb.Do(func() error {
		return bp.pub.PublishEvents(ctx, events)
	})
	if err != nil {
		bp.hold(events)
		if !errors.Is(err, ErrBreakerOpen) {
			log.Printf("[redis-publisher] publish failed, buffered %d events: %v", len(events), err)
		}
	}
	return nil
}

func (bp *BufferedPublisher) hold(events []bus.ZoneEvent) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if overflow := len(bp.buffer) + len(events) - bp.maxBuf; overflow > 0 {
		if overflow >= len(bp.buffer) {
			bp.buffer = bp.buffer[:0]
		} else {
			bp.buffer = bp.buffer[overflow:]
		}
	}
	bp.buffer = append(bp.buffer, events...)

	if bp.OnBuffer != nil {
		bp.OnBuffer(len(events))
	}
}

// flush replays the buffered events through the breaker in chunks. A
// chunk that fails is re-buffered by Publish, so nothing is dropped on
// a flapping connection.
func (bp *BufferedPublisher) flush() {
	bp.mu.Lock()
	if len(bp.buffer) == 0 {
		bp.mu.Unlock()
		return
	}
	pending := bp.buffer
	bp.buffer = make([]bus.ZoneEvent, 0, 256)
	bp.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const chunk = 500
	flushed := 0
	for start := 0; start < len(pending); start += chunk {
		end := start + chunk
		if end > len(pending) {
			end = len(pending)
		}
		bp.Publish(ctx, pending[start:end])
		flushed += end - start
	}

	log.Printf("[redis-publisher] replayed %d buffered events", flushed)
	if bp.OnFlush != nil {
		bp.OnFlush(flushed)
	}
}

// Pending reports how many events are waiting for a flush.
func (bp *BufferedPublisher) Pending() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer)
}

// Underlying exposes the wrapped Publisher.
func (bp *BufferedPublisher) Underlying() *Publisher { return bp.pub }

// Close makes one last flush attempt and closes the connection.
func (bp *BufferedPublisher) Close() error {
	bp.flush()
	return bp.pub.Close()
}
