package process

import "sync"

// notifier delivers group events to the listener registry on its own
// goroutine, in arrival order. Response matching happens before an event
// is queued, so a listener that blocks delays other listeners but never a
// waiting read.
type notifier struct {
	listeners *registry

	mu     sync.Mutex
	queue  []GroupEvent
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newNotifier(r *registry) *notifier {
	n := &notifier{
		listeners: r,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go n.run()
	return n
}

// push queues e. Events pushed after close are discarded.
func (n *notifier) push(e GroupEvent) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, e)
	n.mu.Unlock()
	n.signal()
}

func (n *notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// backlog returns the number of events not yet delivered.
func (n *notifier) backlog() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		batch, closed := n.queue, n.closed
		n.queue = nil
		n.mu.Unlock()

		for _, e := range batch {
			n.listeners.notify(e)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-n.wake
	}
}

// close stops accepting events, waits until the queued ones have been
// delivered and then sends e to every listener. It must not be called from
// a listener callback.
func (n *notifier) close(e DetachEvent) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()
	n.signal()

	<-n.done
	n.listeners.close(e)
}
