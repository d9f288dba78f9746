// Package mailbox implements the single-threaded actor primitive that the
// router, the session registry and every client session are built on.
//
// A Mailbox is an unbounded FIFO queue drained by one dedicated goroutine.
// Events are handed to the handler given to Start, strictly in post order.
// Closures submitted with Do run on the same goroutine without going through
// the handler, which is how asynchronous completions get back onto an actor's
// own thread before touching its state.
//
//	mb := mailbox.New[event]("router")
//	mb.Start(func(ev event) {
//		switch ev := ev.(type) {
//		case connectEvent:
//			...
//		}
//	})
//	_ = mb.Post(connectEvent{...})
package mailbox

import (
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/NicolasHaas/gochat/pkg/logging"
)

// ErrStopped is returned when posting to a mailbox that is not running.
var ErrStopped = errors.New("mailbox: not running")

type item[E any] struct {
	event E
	fn    func()
}

// Mailbox is an ordered, unbounded event queue with a single worker.
type Mailbox[E any] struct {
	log *slog.Logger

	mu      sync.Mutex
	queue   []item[E]
	started bool
	stopped bool

	running atomic.Bool
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// New creates a mailbox. Nothing is processed until Start is called.
func New[E any](name string) *Mailbox[E] {
	return &Mailbox[E]{
		log:  logging.For("mailbox").With("mailbox", name),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the worker goroutine. Calling it twice, or after Stop, is
// a logged no-op.
func (m *Mailbox[E]) Start(handler func(E)) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		m.log.Warn("mailbox already started or stopped")
		return
	}
	m.started = true
	m.running.Store(true)
	m.mu.Unlock()

	go m.loop(handler)
}

// Post enqueues an event. It never blocks on the worker.
func (m *Mailbox[E]) Post(ev E) error {
	return m.enqueue(item[E]{event: ev})
}

// Do enqueues a closure that the worker runs in place of a handler call.
func (m *Mailbox[E]) Do(fn func()) error {
	if fn == nil {
		return nil
	}
	return m.enqueue(item[E]{fn: fn})
}

func (m *Mailbox[E]) enqueue(it item[E]) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		m.log.Warn("post to stopped mailbox dropped")
		return ErrStopped
	}
	m.queue = append(m.queue, it)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop halts the worker. The event being handled finishes; queued events are
// discarded. Stop does not wait and may be called from inside the handler.
func (m *Mailbox[E]) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	wasStarted := m.started
	m.queue = nil
	m.mu.Unlock()

	m.running.Store(false)
	close(m.stop)
	if !wasStarted {
		close(m.done)
	}
}

// IsRunning reports whether the mailbox accepts events.
func (m *Mailbox[E]) IsRunning() bool {
	return m.running.Load()
}

// Done is closed once the worker goroutine has exited.
func (m *Mailbox[E]) Done() <-chan struct{} {
	return m.done
}

// Len returns the number of queued, unprocessed events.
func (m *Mailbox[E]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Mailbox[E]) loop(handler func(E)) {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
		}

		for {
			select {
			case <-m.stop:
				return
			default:
			}
			it, ok := m.pop()
			if !ok {
				break
			}
			m.dispatch(handler, it)
		}
	}
}

func (m *Mailbox[E]) pop() (item[E], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return item[E]{}, false
	}
	it := m.queue[0]
	m.queue[0] = item[E]{}
	m.queue = m.queue[1:]
	return it, true
}

// dispatch runs one item. A panic is logged and the worker keeps going.
func (m *Mailbox[E]) dispatch(handler func(E), it item[E]) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("mailbox handler panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if it.fn != nil {
		it.fn()
		return
	}
	handler(it.event)
}
