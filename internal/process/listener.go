package process

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
)

// ProcessListener receives the group communication observed by a
// Communicator.
//
// Methods are called from the communicator's notification goroutine, one
// event at a time, in arrival order. A slow listener delays the listeners
// after it but not reads: responses are matched before events are queued.
// Methods must not call Detach.
//
//nolint:revive // ProcessListener reads better at call sites than Listener
type ProcessListener interface {
	GroupReadRequest(e GroupEvent)
	GroupReadResponse(e GroupEvent)
	GroupWrite(e GroupEvent)
	Detached(e DetachEvent)
}

// ListenerFuncs adapts plain functions to ProcessListener. Nil fields are
// skipped. Register it by pointer; ListenerFuncs values are not comparable
// and cannot be removed.
type ListenerFuncs struct {
	OnReadRequest  func(GroupEvent)
	OnReadResponse func(GroupEvent)
	OnWrite        func(GroupEvent)
	OnDetached     func(DetachEvent)
}

// GroupReadRequest implements ProcessListener.
func (f *ListenerFuncs) GroupReadRequest(e GroupEvent) {
	if f.OnReadRequest != nil {
		f.OnReadRequest(e)
	}
}

// GroupReadResponse implements ProcessListener.
func (f *ListenerFuncs) GroupReadResponse(e GroupEvent) {
	if f.OnReadResponse != nil {
		f.OnReadResponse(e)
	}
}

// GroupWrite implements ProcessListener.
func (f *ListenerFuncs) GroupWrite(e GroupEvent) {
	if f.OnWrite != nil {
		f.OnWrite(e)
	}
}

// Detached implements ProcessListener.
func (f *ListenerFuncs) Detached(e DetachEvent) {
	if f.OnDetached != nil {
		f.OnDetached(e)
	}
}

// registry is an ordered multiset of listeners. Adding a listener twice
// registers it twice. The slice is copy-on-write so notify never holds the
// lock while calling out.
type registry struct {
	mu        sync.Mutex
	listeners []ProcessListener
	closed    bool

	panics atomic.Uint64
	onFail func(listener ProcessListener, r any)
}

func newRegistry(onFail func(ProcessListener, any)) *registry {
	return &registry{onFail: onFail}
}

// add appends l. It reports false once the registry has been closed.
func (r *registry) add(l ProcessListener) (bool, error) {
	if l == nil {
		return false, fmt.Errorf("%w: nil listener", ErrInvalidArgument)
	}
	if !reflect.TypeOf(l).Comparable() {
		return false, fmt.Errorf("%w: listener of type %T is not comparable, register a pointer", ErrInvalidArgument, l)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, nil
	}
	next := make([]ProcessListener, len(r.listeners), len(r.listeners)+1)
	copy(next, r.listeners)
	r.listeners = append(next, l)
	return true, nil
}

// remove drops the first registration of l and reports whether one existed.
func (r *registry) remove(l ProcessListener) bool {
	if l == nil || !reflect.TypeOf(l).Comparable() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, x := range r.listeners {
		if x == l {
			next := make([]ProcessListener, 0, len(r.listeners)-1)
			next = append(next, r.listeners[:i]...)
			r.listeners = append(next, r.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (r *registry) snapshot() []ProcessListener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listeners
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// notify delivers e to every listener in registration order.
func (r *registry) notify(e GroupEvent) {
	for _, l := range r.snapshot() {
		switch e.Kind {
		case EventReadRequest:
			r.call(l, func() { l.GroupReadRequest(e) })
		case EventReadResponse:
			r.call(l, func() { l.GroupReadResponse(e) })
		case EventWrite:
			r.call(l, func() { l.GroupWrite(e) })
		}
	}
}

// close delivers the detach notification once and empties the registry.
// Later add and remove calls have no effect.
func (r *registry) close(e DetachEvent) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	listeners := r.listeners
	r.listeners = nil
	r.mu.Unlock()

	for _, l := range listeners {
		r.call(l, func() { l.Detached(e) })
	}
}

// call runs fn, swallowing any panic so one broken listener cannot stop
// delivery to the rest.
func (r *registry) call(l ProcessListener, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.panics.Add(1)
			if r.onFail != nil {
				r.onFail(l, rec)
			}
		}
	}()
	fn()
}
