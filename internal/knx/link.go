package knx

import (
	"context"
	"fmt"
	"sync"
)

// Link is a connection to a KNX network that can send group telegrams and
// deliver every telegram it observes to its subscribers.
//
// Implementations deliver telegrams to subscribers from a single goroutine,
// in arrival order. A frame passed to Send is delivered back to the link's
// own subscribers with Outgoing set once it has been transmitted, so
// subscribers see the complete group traffic of the link.
type Link interface {
	// Send transmits a telegram. It returns once the frame has been handed
	// to the network, or with an error if that failed.
	Send(ctx context.Context, t Telegram) error

	// Subscribe registers fn for every telegram observed on the link and
	// returns a function that removes the subscription.
	Subscribe(fn func(Telegram)) (unsubscribe func())

	// Done is closed when the link has been closed.
	Done() <-chan struct{}

	// Close shuts the link down. Safe to call more than once.
	Close() error
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

func (c *closeOnce) IsClosed() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

type subscription struct {
	id uint64
	fn func(Telegram)
}

// dispatcher fans telegrams out to subscribers on one goroutine, so every
// subscriber sees the same order. The queue is unbounded: enqueue never
// blocks and never drops, which keeps read responses flowing however far
// the subscribers fall behind. Subscribers are expected to return quickly.
type dispatcher struct {
	mu     sync.Mutex
	subs   []subscription // copy-on-write
	nextID uint64

	qmu   sync.Mutex
	queue []Telegram
	wake  chan struct{}

	onPanic func(any)
}

func newDispatcher(onPanic func(any)) *dispatcher {
	return &dispatcher{
		wake:    make(chan struct{}, 1),
		onPanic: onPanic,
	}
}

func (d *dispatcher) subscribe(fn func(Telegram)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	next := make([]subscription, len(d.subs), len(d.subs)+1)
	copy(next, d.subs)
	d.subs = append(next, subscription{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.unsubscribe(id) })
	}
}

func (d *dispatcher) unsubscribe(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := make([]subscription, 0, len(d.subs))
	for _, s := range d.subs {
		if s.id != id {
			next = append(next, s)
		}
	}
	d.subs = next
}

func (d *dispatcher) snapshot() []subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subs
}

// enqueue queues t for delivery.
func (d *dispatcher) enqueue(t Telegram) {
	d.qmu.Lock()
	d.queue = append(d.queue, t)
	d.qmu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// backlog returns the number of telegrams waiting for delivery.
func (d *dispatcher) backlog() int {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	return len(d.queue)
}

func (d *dispatcher) take() []Telegram {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	batch := d.queue
	d.queue = nil
	return batch
}

// run delivers queued telegrams until done is closed.
func (d *dispatcher) run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-d.wake:
		}
		for batch := d.take(); len(batch) > 0; batch = d.take() {
			for _, t := range batch {
				select {
				case <-done:
					return
				default:
				}
				for _, s := range d.snapshot() {
					d.call(s.fn, t)
				}
			}
		}
	}
}

func (d *dispatcher) call(fn func(Telegram), t Telegram) {
	defer func() {
		if r := recover(); r != nil && d.onPanic != nil {
			d.onPanic(r)
		}
	}()
	fn(t)
}

// panicError converts a recovered value to an error for logging.
func panicError(r any) error {
	return fmt.Errorf("subscriber panic: %v", r)
}
