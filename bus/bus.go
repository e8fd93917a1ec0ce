// Package bus provides the single-consumer FIFO message queue that every
// gateway in this module is driven through. It is the only synchronization
// primitive exchanged between goroutines: no gateway state is ever touched
// directly by a foreign goroutine, only enqueued as an immutable message.
package bus

import "sync"

// Bus is a one-way, unbounded, ordered message sink. Many producers may call
// Send concurrently; order is preserved per-producer. There is no close
// operation visible to producers and no peek or cancel — shutdown is always
// signalled in-band, by sending a kill message the consumer recognizes.
type Bus interface {
	// Send enqueues msg. It never blocks and never fails while the bus is
	// live.
	Send(msg any)
}

// Queue is the consumer side of a Bus: the single goroutine that owns a
// gateway's state drains it with Take or TakeAll.
type Queue interface {
	Bus

	// Take blocks until a message is available and returns it.
	Take() any

	// TakeAll blocks until at least one message is available, then removes
	// and returns every message queued at that instant in one batch. It is
	// the building block a single drain cycle is defined by (see the
	// Process Gateway's stdin writer).
	TakeAll() []any

	// DrainTo removes and returns every message currently queued, without
	// blocking. It returns nil if the queue is empty.
	DrainTo() []any
}

// New returns a fresh bus with no messages queued.
func New() Queue {
	return &basicBus{}
}

// basicBus is a mutex+condvar backed unbounded FIFO, the Go analogue of
// java.util.concurrent.LinkedBlockingQueue<Object> that the original
// substrate this package is grounded on uses.
type basicBus struct {
	mu       sync.Mutex
	cond     *sync.Cond
	messages []any
}

func (b *basicBus) condVar() *sync.Cond {
	if b.cond == nil {
		b.cond = sync.NewCond(&b.mu)
	}
	return b.cond
}

func (b *basicBus) Send(msg any) {
	b.mu.Lock()
	b.messages = append(b.messages, msg)
	cond := b.condVar()
	b.mu.Unlock()
	cond.Signal()
}

func (b *basicBus) Take() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	cond := b.condVar()
	for len(b.messages) == 0 {
		cond.Wait()
	}
	msg := b.messages[0]
	b.messages = b.messages[1:]
	return msg
}

func (b *basicBus) TakeAll() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	cond := b.condVar()
	for len(b.messages) == 0 {
		cond.Wait()
	}
	drained := b.messages
	b.messages = nil
	return drained
}

func (b *basicBus) DrainTo() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.messages) == 0 {
		return nil
	}
	drained := b.messages
	b.messages = nil
	return drained
}
