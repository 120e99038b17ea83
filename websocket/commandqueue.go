package websocket

import (
	"sync"

	"github.com/eapache/queue"
)

// commandQueue is the MPSC channel Senders push Commands onto from
// arbitrary producer goroutines, and the reactor drains from its single
// I/O goroutine once per loop iteration — the Go-native equivalent of the
// mio::Sender<Command> channel the Rust implementation this reactor
// generalizes uses in communication.rs/io.rs.
//
// github.com/eapache/queue supplies the ring-buffer deque; it is not
// itself synchronized, so a mutex guards push/drain, and a buffered
// notify channel wakes the reactor's poller (which also needs to wake for
// plain readiness events, so the channel only needs capacity 1 — multiple
// pushes between drains collapse into a single wakeup).
//
// capacity bounds how many Commands may sit undrained at once, at
// Settings.MaxConnections * Settings.QueueSize — a Sender that outruns the
// reactor's drain rate fails fast with a KindQueue error instead of growing
// this queue without bound.
type commandQueue struct {
	mu       sync.Mutex
	q        *queue.Queue
	notify   chan struct{}
	stopped  bool
	capacity int
}

func newCommandQueue(capacity int) *commandQueue {
	return &commandQueue{
		q:        queue.New(),
		notify:   make(chan struct{}, 1),
		capacity: capacity,
	}
}

// push enqueues cmd. It returns ErrReactorStopped if the reactor has
// already returned from Run, or ErrQueueFull if the queue is at capacity.
func (cq *commandQueue) push(cmd Command) error {
	cq.mu.Lock()
	if cq.stopped {
		cq.mu.Unlock()
		return WrapError(KindQueue, "reactor stopped", ErrReactorStopped)
	}
	if cq.capacity > 0 && cq.q.Length() >= cq.capacity {
		cq.mu.Unlock()
		return WrapError(KindQueue, "command queue at capacity", ErrQueueFull)
	}
	cq.q.Add(cmd)
	cq.mu.Unlock()

	select {
	case cq.notify <- struct{}{}:
	default:
	}
	return nil
}

// drain removes and returns every Command currently queued, in FIFO order.
func (cq *commandQueue) drain() []Command {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	n := cq.q.Length()
	if n == 0 {
		return nil
	}
	out := make([]Command, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, cq.q.Remove().(Command))
	}
	return out
}

// stop marks the queue closed: further push calls fail fast instead of
// growing a queue nothing will ever drain again.
func (cq *commandQueue) stop() {
	cq.mu.Lock()
	cq.stopped = true
	cq.mu.Unlock()
}
