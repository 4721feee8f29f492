package knx

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func collect(l Link) (<-chan Telegram, func()) {
	ch := make(chan Telegram, 32)
	return ch, l.Subscribe(func(tg Telegram) { ch <- tg })
}

func next(t *testing.T, ch <-chan Telegram) Telegram {
	t.Helper()
	select {
	case tg := <-ch:
		return tg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for telegram")
		return Telegram{}
	}
}

func TestVirtualNetworkBroadcast(t *testing.T) {
	network := NewVirtualNetwork(VirtualNetworkConfig{})
	defer network.Close()

	a, err := network.Attach()
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}
	b, _ := network.Attach()

	fromA, _ := collect(a)
	fromB, _ := collect(b)

	ga := GroupAddress{1, 0, 1}
	if err := a.Send(context.Background(), NewWriteTelegram(ga, []byte{0x01})); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	echo := next(t, fromA)
	if !echo.Outgoing || echo.Source != a.Address() {
		t.Errorf("sender saw %+v, want outgoing echo from %s", echo, a.Address())
	}
	in := next(t, fromB)
	if in.Outgoing || in.Source != "1.1.1" || in.Destination != ga || !bytes.Equal(in.Data, []byte{0x01}) {
		t.Errorf("peer saw %+v", in)
	}
}

func TestVirtualNetworkResponder(t *testing.T) {
	network := NewVirtualNetwork(VirtualNetworkConfig{Responder: true, ResponseDelay: 10 * time.Millisecond})
	defer network.Close()

	link, _ := network.Attach()
	frames, _ := collect(link)
	ctx := context.Background()

	ga := GroupAddress{1, 0, 5}
	if err := link.Send(ctx, NewWriteTelegram(ga, []byte{0xCC})); err != nil {
		t.Fatal(err)
	}
	next(t, frames) // echo of the write

	if v, ok := network.Value(ga); !ok || !bytes.Equal(v, []byte{0xCC}) {
		t.Fatalf("Value() = %X, %v", v, ok)
	}

	if err := link.Send(ctx, NewReadTelegram(ga)); err != nil {
		t.Fatal(err)
	}
	next(t, frames) // echo of the read

	resp := next(t, frames)
	if !resp.IsResponse() || resp.Destination != ga || !bytes.Equal(resp.Data, []byte{0xCC}) {
		t.Errorf("response = %+v", resp)
	}
	if resp.Source != "1.1.250" || resp.Outgoing {
		t.Errorf("response source = %q outgoing = %v", resp.Source, resp.Outgoing)
	}
}

func TestVirtualNetworkNoResponseForUnknownAddress(t *testing.T) {
	network := NewVirtualNetwork(VirtualNetworkConfig{Responder: true})
	defer network.Close()

	link, _ := network.Attach()
	frames, _ := collect(link)

	if err := link.Send(context.Background(), NewReadTelegram(GroupAddress{7, 7, 7})); err != nil {
		t.Fatal(err)
	}
	next(t, frames)

	select {
	case tg := <-frames:
		t.Errorf("unexpected frame %v", tg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestVirtualNetworkStore(t *testing.T) {
	network := NewVirtualNetwork(VirtualNetworkConfig{Responder: true})
	defer network.Close()

	ga := GroupAddress{3, 0, 1}
	network.Store(ga, []byte{0x0C, 0x33})

	link, _ := network.Attach()
	frames, _ := collect(link)
	link.Send(context.Background(), NewReadTelegram(ga)) //nolint:errcheck // checked via frames
	next(t, frames)

	resp := next(t, frames)
	if !bytes.Equal(resp.Data, []byte{0x0C, 0x33}) {
		t.Errorf("response data = %X", resp.Data)
	}
}

func TestVirtualLinkClose(t *testing.T) {
	network := NewVirtualNetwork(VirtualNetworkConfig{})
	a, _ := network.Attach()
	b, _ := network.Attach()
	fromB, _ := collect(b)

	a.Close()
	a.Close()

	select {
	case <-a.Done():
	default:
		t.Error("Done() not closed")
	}
	if err := a.Send(context.Background(), NewReadTelegram(GroupAddress{1, 1, 1})); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("Send() after Close = %v, want ErrLinkClosed", err)
	}
	select {
	case tg := <-fromB:
		t.Errorf("frame from closed link reached peer: %v", tg)
	case <-time.After(50 * time.Millisecond):
	}

	network.Close()
	if _, err := network.Attach(); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("Attach() after Close = %v, want ErrLinkClosed", err)
	}
	select {
	case <-b.Done():
	default:
		t.Error("network Close did not close links")
	}
}

func TestVirtualLinkRejectsInvalidPriority(t *testing.T) {
	network := NewVirtualNetwork(VirtualNetworkConfig{})
	defer network.Close()
	link, _ := network.Attach()

	tg := NewWriteTelegram(GroupAddress{1, 1, 1}, []byte{1})
	tg.Priority = Priority(7)
	if err := link.Send(context.Background(), tg); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("Send() = %v, want ErrInvalidPriority", err)
	}
}

func TestVirtualLinkDeliversBurstToSlowSubscriber(t *testing.T) {
	network := NewVirtualNetwork(VirtualNetworkConfig{})
	defer network.Close()

	a, _ := network.Attach()
	b, _ := network.Attach()

	release := make(chan struct{})
	var mu sync.Mutex
	var got []byte
	b.Subscribe(func(tg Telegram) {
		<-release
		mu.Lock()
		got = append(got, tg.Data[0])
		mu.Unlock()
	})

	const burst = 1000
	for i := range burst {
		if err := a.Send(context.Background(), NewWriteTelegram(GroupAddress{1, 0, 1}, []byte{byte(i)})); err != nil {
			t.Fatalf("Send() %d error: %v", i, err)
		}
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == burst {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d of %d telegrams", n, burst)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != byte(i) {
			t.Fatalf("telegram %d carried %d, want %d (out of order)", i, v, byte(i))
		}
	}
}
