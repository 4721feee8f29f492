package knx

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Individual addresses used on a virtual network.
const (
	virtualLineBase      uint16 = 0x1100 // 1.1.0
	virtualResponderAddr uint16 = 0x11FA // 1.1.250
)

// VirtualNetworkConfig configures an in-memory KNX network.
type VirtualNetworkConfig struct {
	// Responder enables a simulated device that remembers the last value
	// written to each group address and answers read requests for it.
	// Addresses never written get no answer.
	Responder bool

	// ResponseDelay is how long the responder waits before answering.
	ResponseDelay time.Duration
}

// VirtualNetwork is an in-memory KNX network. Every link attached to it sees
// the frames sent by every other link, in one global order.
type VirtualNetwork struct {
	cfg VirtualNetworkConfig

	mu     sync.Mutex
	links  []*VirtualLink
	values map[GroupAddress][]byte
	next   uint16
	closed bool

	timers sync.WaitGroup
}

// NewVirtualNetwork creates an empty virtual network.
func NewVirtualNetwork(cfg VirtualNetworkConfig) *VirtualNetwork {
	return &VirtualNetwork{
		cfg:    cfg,
		values: make(map[GroupAddress][]byte),
	}
}

// Attach connects a new link to the network. Links get individual
// addresses 1.1.1, 1.1.2, ... in attach order.
func (n *VirtualNetwork) Attach() (*VirtualLink, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrLinkClosed
	}

	n.next++
	l := &VirtualLink{
		net:  n,
		addr: virtualLineBase | n.next,
		done: newCloseOnce(),
	}
	l.dispatch = newDispatcher(nil)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.dispatch.run(l.done.Done())
	}()

	n.links = append(n.links, l)
	return l, nil
}

// Store presets the responder's value for ga, as if it had been written.
func (n *VirtualNetwork) Store(ga GroupAddress, data []byte) {
	n.mu.Lock()
	n.values[ga] = bytes.Clone(data)
	n.mu.Unlock()
}

// Value returns the responder's current value for ga.
func (n *VirtualNetwork) Value(ga GroupAddress) ([]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.values[ga]
	return bytes.Clone(v), ok
}

// Close closes every attached link and waits for pending responses to be
// abandoned.
func (n *VirtualNetwork) Close() error {
	n.mu.Lock()
	n.closed = true
	links := slices.Clone(n.links)
	n.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
	n.timers.Wait()
	return nil
}

// transmit puts one frame on the network. from is nil for frames emitted
// by the responder.
func (n *VirtualNetwork) transmit(from *VirtualLink, t Telegram) {
	t.Data = bytes.Clone(t.Data)
	t.Timestamp = time.Now()
	if from != nil {
		t.Source = FormatIndividualAddress(from.addr)
	} else {
		t.Source = FormatIndividualAddress(virtualResponderAddr)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, l := range n.links {
		in := t
		in.Outgoing = l == from
		l.dispatch.enqueue(in)
	}

	if !n.cfg.Responder {
		return
	}
	switch {
	case t.IsWrite():
		n.values[t.Destination] = t.Data
	case t.IsRead():
		if v, ok := n.values[t.Destination]; ok && !n.closed {
			n.respondLater(t.Destination, v, t.Short)
		}
	}
}

// respondLater must be called with n.mu held.
func (n *VirtualNetwork) respondLater(ga GroupAddress, data []byte, short bool) {
	resp := NewResponseTelegram(ga, data)
	resp.Short = short || len(data) == 1 && data[0] <= shortDataMask
	n.timers.Add(1)
	time.AfterFunc(n.cfg.ResponseDelay, func() {
		defer n.timers.Done()
		n.mu.Lock()
		closed := n.closed
		n.mu.Unlock()
		if !closed {
			n.transmit(nil, resp)
		}
	})
}

func (n *VirtualNetwork) detach(l *VirtualLink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.links = slices.DeleteFunc(n.links, func(x *VirtualLink) bool { return x == l })
}

// Ensure VirtualLink implements Link.
var _ Link = (*VirtualLink)(nil)

// VirtualLink is one station's connection to a VirtualNetwork.
type VirtualLink struct {
	net      *VirtualNetwork
	addr     uint16
	dispatch *dispatcher
	done     *closeOnce
	wg       sync.WaitGroup
}

// Address returns the link's individual address ("1.1.n").
func (l *VirtualLink) Address() string {
	return FormatIndividualAddress(l.addr)
}

// Send transmits t to every link on the network, including an Outgoing
// echo to this link's own subscribers.
func (l *VirtualLink) Send(ctx context.Context, t Telegram) error {
	if l.done.IsClosed() {
		return ErrLinkClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTelegramFailed, err)
	}
	if !t.Priority.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, t.Priority)
	}
	l.net.transmit(l, t)
	return nil
}

// Subscribe registers fn for every frame seen on the network.
func (l *VirtualLink) Subscribe(fn func(Telegram)) func() {
	return l.dispatch.subscribe(fn)
}

// Done is closed once the link is closed.
func (l *VirtualLink) Done() <-chan struct{} {
	return l.done.Done()
}

// Close detaches the link from the network. Safe to call multiple times.
func (l *VirtualLink) Close() error {
	if l.done.IsClosed() {
		return nil
	}
	l.net.detach(l)
	l.done.Close()
	l.wg.Wait()
	return nil
}
