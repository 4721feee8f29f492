package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/knx-process/internal/knx"
)

// newTestNetwork returns a virtual network with a responder and one
// communicator attached to it.
func newTestNetwork(t *testing.T, delay time.Duration) (*knx.VirtualNetwork, *knx.VirtualLink, *Communicator) {
	t.Helper()
	network := knx.NewVirtualNetwork(knx.VirtualNetworkConfig{Responder: true, ResponseDelay: delay})
	t.Cleanup(func() { network.Close() })

	link, err := network.Attach()
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}
	pc, err := New(link)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { pc.Detach() })
	return network, link, pc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewNilLink(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("New(nil) error = %v, want ErrInvalidArgument", err)
	}
}

func TestNewClosedLink(t *testing.T) {
	network := knx.NewVirtualNetwork(knx.VirtualNetworkConfig{})
	defer network.Close()
	link, _ := network.Attach()
	link.Close()

	if _, err := New(link); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("New(closed link) error = %v, want ErrInvalidArgument", err)
	}
}

func TestDefaults(t *testing.T) {
	_, _, pc := newTestNetwork(t, 0)

	if got := pc.ResponseTimeout(); got != 5 {
		t.Errorf("ResponseTimeout() = %d, want 5", got)
	}
	if got := pc.Priority(); got != knx.PriorityLow {
		t.Errorf("Priority() = %v, want low", got)
	}
	if pc.ID() == "" {
		t.Error("ID() is empty")
	}
}

func TestSetResponseTimeout(t *testing.T) {
	_, _, pc := newTestNetwork(t, 0)

	tests := []struct {
		name    string
		seconds int
		wantErr bool
		want    int
	}{
		{"one second", 1, false, 1},
		{"ten seconds", 10, false, 10},
		{"zero rejected", 0, true, 10},
		{"negative rejected", -3, true, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := pc.SetResponseTimeout(tt.seconds)
			if tt.wantErr && !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("SetResponseTimeout(%d) error = %v, want ErrInvalidArgument", tt.seconds, err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("SetResponseTimeout(%d) error: %v", tt.seconds, err)
			}
			if got := pc.ResponseTimeout(); got != tt.want {
				t.Errorf("ResponseTimeout() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSetPriority(t *testing.T) {
	_, _, pc := newTestNetwork(t, 0)

	for _, p := range []knx.Priority{knx.PrioritySystem, knx.PriorityNormal, knx.PriorityUrgent, knx.PriorityLow} {
		if err := pc.SetPriority(p); err != nil {
			t.Fatalf("SetPriority(%v) error: %v", p, err)
		}
		if got := pc.Priority(); got != p {
			t.Errorf("Priority() = %v, want %v", got, p)
		}
	}
	if err := pc.SetPriority(knx.Priority(9)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("SetPriority(9) error = %v, want ErrInvalidArgument", err)
	}
}

func TestWritePriorityOnBus(t *testing.T) {
	network, _, pc := newTestNetwork(t, 0)
	observer, _ := network.Attach()
	frames := make(chan knx.Telegram, 4)
	observer.Subscribe(func(tg knx.Telegram) { frames <- tg })

	ga := knx.MustGroupAddress("1/0/1")
	if err := pc.WriteWithPriority(context.Background(), ga, knx.DPTSwitch, true, knx.PriorityUrgent); err != nil {
		t.Fatalf("WriteWithPriority() error: %v", err)
	}

	select {
	case tg := <-frames:
		if !tg.IsWrite() || tg.Priority != knx.PriorityUrgent || tg.Destination != ga {
			t.Errorf("observer saw %+v, want urgent write to %s", tg, ga)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no telegram on the bus")
	}

	err := pc.WriteWithPriority(context.Background(), ga, knx.DPTSwitch, true, knx.Priority(7))
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("invalid priority error = %v, want ErrInvalidArgument", err)
	}
}

func TestBoolRoundTrip(t *testing.T) {
	_, _, pc := newTestNetwork(t, 10*time.Millisecond)
	ctx := context.Background()
	ga := knx.MustGroupAddress("1/0/1")

	for _, v := range []bool{true, false, true} {
		if err := pc.WriteBool(ctx, ga, v); err != nil {
			t.Fatalf("WriteBool(%v) error: %v", v, err)
		}
		got, err := pc.ReadBool(ctx, ga)
		if err != nil {
			t.Fatalf("ReadBool() error: %v", err)
		}
		if got != v {
			t.Errorf("ReadBool() = %v, want %v", got, v)
		}
	}
}

func TestScalingRoundTrip(t *testing.T) {
	_, _, pc := newTestNetwork(t, 10*time.Millisecond)
	ctx := context.Background()
	ga := knx.MustGroupAddress("1/0/3")

	for _, v := range []int{0, 50, 80, 100} {
		if err := pc.WriteUnsigned(ctx, ga, v, knx.DPTPercentage); err != nil {
			t.Fatalf("WriteUnsigned(%d) error: %v", v, err)
		}
		got, err := pc.ReadUnsigned(ctx, ga, knx.DPTPercentage)
		if err != nil {
			t.Fatalf("ReadUnsigned() error: %v", err)
		}
		if got != v {
			t.Errorf("ReadUnsigned() = %d, want %d", got, v)
		}
	}

	if err := pc.WriteUnsigned(ctx, ga, 101, knx.DPTPercentage); !errors.Is(err, knx.ErrFormat) {
		t.Errorf("WriteUnsigned(101) error = %v, want format error", err)
	}
	if _, err := pc.ReadUnsigned(ctx, ga, knx.DPTTemperature); !errors.Is(err, knx.ErrInvalidDPT) {
		t.Errorf("ReadUnsigned(9.001) error = %v, want ErrInvalidDPT", err)
	}
}

func TestStringRoundTrip(t *testing.T) {
	_, _, pc := newTestNetwork(t, 10*time.Millisecond)
	ctx := context.Background()
	ga := knx.MustGroupAddress("1/0/5")

	if err := pc.WriteString(ctx, ga, "Hello KNX!"); err != nil {
		t.Fatalf("WriteString() error: %v", err)
	}
	got, err := pc.ReadString(ctx, ga)
	if err != nil {
		t.Fatalf("ReadString() error: %v", err)
	}
	if got != "Hello KNX!" {
		t.Errorf("ReadString() = %q, want %q", got, "Hello KNX!")
	}

	if err := pc.WriteString(ctx, ga, "fifteen chars!!"); !errors.Is(err, knx.ErrFormat) {
		t.Errorf("oversized WriteString() error = %v, want format error", err)
	}
}

func TestFloatRoundTrip(t *testing.T) {
	_, _, pc := newTestNetwork(t, 10*time.Millisecond)
	ctx := context.Background()

	tests := []struct {
		name     string
		ga       string
		value    float64
		use4Byte bool
	}{
		{"2-byte temperature", "3/0/1", 21.5, false},
		{"2-byte negative", "3/0/2", -5, false},
		{"4-byte power", "3/0/3", 1234.5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ga := knx.MustGroupAddress(tt.ga)
			if err := pc.WriteFloat(ctx, ga, tt.value, tt.use4Byte); err != nil {
				t.Fatalf("WriteFloat() error: %v", err)
			}
			got, err := pc.ReadFloat(ctx, ga)
			if err != nil {
				t.Fatalf("ReadFloat() error: %v", err)
			}
			if got != tt.value {
				t.Errorf("ReadFloat() = %v, want %v", got, tt.value)
			}
		})
	}
}

func TestControlRoundTrip(t *testing.T) {
	_, _, pc := newTestNetwork(t, 10*time.Millisecond)
	ctx := context.Background()
	ga := knx.MustGroupAddress("1/1/0")

	want := knx.Control{Increase: true, Steps: 3}
	if err := pc.WriteControl(ctx, ga, want); err != nil {
		t.Fatalf("WriteControl() error: %v", err)
	}
	got, err := pc.ReadControl(ctx, ga)
	if err != nil {
		t.Fatalf("ReadControl() error: %v", err)
	}
	if got != want {
		t.Errorf("ReadControl() = %+v, want %+v", got, want)
	}
}

func TestDatapointRoundTrip(t *testing.T) {
	_, _, pc := newTestNetwork(t, 10*time.Millisecond)
	ctx := context.Background()

	dp, err := NewDatapoint("1/0/1", "1.001", "kitchen light")
	if err != nil {
		t.Fatalf("NewDatapoint() error: %v", err)
	}
	if err := pc.WriteDatapoint(ctx, dp, "on"); err != nil {
		t.Fatalf("WriteDatapoint() error: %v", err)
	}
	got, err := pc.ReadDatapoint(ctx, dp)
	if err != nil {
		t.Fatalf("ReadDatapoint() error: %v", err)
	}
	if got != "on" {
		t.Errorf("ReadDatapoint() = %q, want %q", got, "on")
	}

	v, err := pc.Read(ctx, dp.Address, dp.DPT)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if v != true {
		t.Errorf("Read() = %v, want true", v)
	}
}

func TestReadTimeout(t *testing.T) {
	_, _, pc := newTestNetwork(t, 0)
	if err := pc.SetResponseTimeout(1); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err := pc.ReadRaw(context.Background(), knx.MustGroupAddress("7/7/7"))
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("ReadRaw() error = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, knx.ErrProtocol) {
		t.Errorf("timeout error %v does not wrap ErrProtocol", err)
	}
	if elapsed < time.Second || elapsed >= 3*time.Second {
		t.Errorf("timed out after %v, want between 1s and 3s", elapsed)
	}

	stats := pc.Stats()
	if stats.ReadTimeouts != 1 || stats.Pending != 0 {
		t.Errorf("Stats() = %+v, want 1 timeout and nothing pending", stats)
	}
}

func TestConcurrentReadsShareRequest(t *testing.T) {
	network, _, pc := newTestNetwork(t, 200*time.Millisecond)
	ga := knx.MustGroupAddress("2/0/1")
	network.Store(ga, []byte{0xCC})

	observer, _ := network.Attach()
	var readRequests atomic.Int32
	observer.Subscribe(func(tg knx.Telegram) {
		if tg.IsRead() && tg.Destination == ga {
			readRequests.Add(1)
		}
	})

	const readers = 10
	start := make(chan struct{})
	results := make([][]byte, readers)
	errs := make([]error, readers)

	var wg sync.WaitGroup
	for i := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = pc.ReadRaw(context.Background(), ga)
		}()
	}
	close(start)
	wg.Wait()

	for i := range readers {
		if errs[i] != nil {
			t.Errorf("reader %d error: %v", i, errs[i])
			continue
		}
		if len(results[i]) != 1 || results[i][0] != 0xCC {
			t.Errorf("reader %d got %X, want CC", i, results[i])
		}
	}

	waitFor(t, "read request on the bus", func() bool { return readRequests.Load() > 0 })
	if n := readRequests.Load(); n != 1 {
		t.Errorf("saw %d read requests on the bus, want 1", n)
	}
}

func TestReadsOfDifferentAddressesAreIndependent(t *testing.T) {
	network, _, pc := newTestNetwork(t, 20*time.Millisecond)
	if err := pc.SetResponseTimeout(2); err != nil {
		t.Fatal(err)
	}
	known := knx.MustGroupAddress("2/0/2")
	network.Store(known, []byte{0x01})

	// A read of an address nobody answers must not delay the other read.
	go pc.ReadRaw(context.Background(), knx.MustGroupAddress("7/7/6")) //nolint:errcheck // times out
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	got, err := pc.ReadBool(context.Background(), known)
	if err != nil {
		t.Fatalf("ReadBool() error: %v", err)
	}
	if !got {
		t.Error("ReadBool() = false, want true")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("read took %v, want well under the timeout", elapsed)
	}
}

func TestReadContextCancel(t *testing.T) {
	_, _, pc := newTestNetwork(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := pc.ReadRaw(ctx, knx.MustGroupAddress("7/7/5"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ReadRaw() error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled read returned after %v", elapsed)
	}
}

func TestDetach(t *testing.T) {
	_, link, pc := newTestNetwork(t, 0)

	var detached atomic.Int32
	if err := pc.AddProcessListener(&ListenerFuncs{OnDetached: func(DetachEvent) { detached.Add(1) }}); err != nil {
		t.Fatal(err)
	}

	if got := pc.Detach(); got != knx.Link(link) {
		t.Errorf("Detach() = %v, want the attached link", got)
	}
	if got := pc.Detach(); got != nil {
		t.Errorf("second Detach() = %v, want nil", got)
	}
	if n := detached.Load(); n != 1 {
		t.Errorf("Detached delivered %d times, want 1", n)
	}

	ctx := context.Background()
	ga := knx.MustGroupAddress("1/0/1")
	checks := map[string]error{
		"ReadRaw":            func() error { _, err := pc.ReadRaw(ctx, ga); return err }(),
		"ReadBool":           func() error { _, err := pc.ReadBool(ctx, ga); return err }(),
		"WriteBool":          pc.WriteBool(ctx, ga, true),
		"WriteString":        pc.WriteString(ctx, ga, "x"),
		"SetResponseTimeout": pc.SetResponseTimeout(3),
		"SetPriority":        pc.SetPriority(knx.PriorityNormal),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrDetached) || !errors.Is(err, ErrIllegalState) {
			t.Errorf("%s after Detach error = %v, want ErrDetached", name, err)
		}
	}

	// Listener changes after detach are accepted and ignored.
	if err := pc.AddProcessListener(&ListenerFuncs{}); err != nil {
		t.Errorf("AddProcessListener() after Detach error: %v", err)
	}
	if n := pc.Stats().Listeners; n != 0 {
		t.Errorf("Listeners = %d after Detach, want 0", n)
	}

	// The link stays usable.
	if err := link.Send(ctx, knx.NewWriteTelegram(ga, []byte{0x01})); err != nil {
		t.Errorf("link.Send() after Detach error: %v", err)
	}
}

func TestDetachFailsSuspendedRead(t *testing.T) {
	_, _, pc := newTestNetwork(t, 0)

	errc := make(chan error, 1)
	go func() {
		_, err := pc.ReadRaw(context.Background(), knx.MustGroupAddress("7/7/7"))
		errc <- err
	}()
	waitFor(t, "pending read", func() bool { return pc.Stats().Pending == 1 })

	pc.Detach()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrDetached) {
			t.Errorf("suspended read error = %v, want ErrDetached", err)
		}
	case <-time.After(time.Second):
		t.Fatal("suspended read did not fail after Detach")
	}
}

func TestLinkCloseDetaches(t *testing.T) {
	_, link, pc := newTestNetwork(t, 0)

	detached := make(chan DetachEvent, 1)
	if err := pc.AddProcessListener(&ListenerFuncs{OnDetached: func(e DetachEvent) { detached <- e }}); err != nil {
		t.Fatal(err)
	}

	link.Close()

	select {
	case e := <-detached:
		if e.Communicator != pc.ID() {
			t.Errorf("DetachEvent.Communicator = %q, want %q", e.Communicator, pc.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no DetachEvent after link close")
	}
	if err := pc.WriteBool(context.Background(), knx.MustGroupAddress("1/0/1"), true); !errors.Is(err, ErrDetached) {
		t.Errorf("WriteBool() after link close error = %v, want ErrDetached", err)
	}
}

func TestListenerEvents(t *testing.T) {
	network, _, pc := newTestNetwork(t, 10*time.Millisecond)
	ctx := context.Background()
	ga := knx.MustGroupAddress("1/2/3")

	events := make(chan GroupEvent, 16)
	record := func(e GroupEvent) { events <- e }
	if err := pc.AddProcessListener(&ListenerFuncs{OnReadRequest: record, OnReadResponse: record, OnWrite: record}); err != nil {
		t.Fatal(err)
	}

	if err := pc.WriteBool(ctx, ga, true); err != nil {
		t.Fatal(err)
	}
	if _, err := pc.ReadBool(ctx, ga); err != nil {
		t.Fatal(err)
	}

	peer, _ := network.Attach()
	if err := peer.Send(ctx, knx.NewWriteTelegram(ga, []byte{0x00})); err != nil {
		t.Fatal(err)
	}

	want := []struct {
		kind     EventKind
		outgoing bool
	}{
		{EventWrite, true},
		{EventReadRequest, true},
		{EventReadResponse, false},
		{EventWrite, false},
	}
	for i, w := range want {
		select {
		case e := <-events:
			if e.Kind != w.kind || e.Outgoing != w.outgoing || e.Destination != ga {
				t.Errorf("event %d = %v (outgoing=%v), want %v (outgoing=%v)", i, e, e.Outgoing, w.kind, w.outgoing)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestDuplicateListener(t *testing.T) {
	_, _, pc := newTestNetwork(t, 0)

	var writes atomic.Int32
	l := &ListenerFuncs{OnWrite: func(GroupEvent) { writes.Add(1) }}
	for range 2 {
		if err := pc.AddProcessListener(l); err != nil {
			t.Fatal(err)
		}
	}
	if err := pc.WriteBool(context.Background(), knx.MustGroupAddress("1/0/1"), true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "two deliveries", func() bool { return writes.Load() == 2 })

	pc.RemoveProcessListener(&ListenerFuncs{}) // never registered
	pc.RemoveProcessListener(l)
	if n := pc.Stats().Listeners; n != 1 {
		t.Errorf("Listeners = %d after one removal, want 1", n)
	}
}

func TestPanickingListenerIsolated(t *testing.T) {
	_, _, pc := newTestNetwork(t, 0)

	var delivered atomic.Int32
	if err := pc.AddProcessListener(&ListenerFuncs{OnWrite: func(GroupEvent) { panic("listener bug") }}); err != nil {
		t.Fatal(err)
	}
	if err := pc.AddProcessListener(&ListenerFuncs{OnWrite: func(GroupEvent) { delivered.Add(1) }}); err != nil {
		t.Fatal(err)
	}

	if err := pc.WriteBool(context.Background(), knx.MustGroupAddress("1/0/1"), true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delivery to healthy listener", func() bool { return delivered.Load() == 1 })
	if n := pc.Stats().ListenerPanics; n != 1 {
		t.Errorf("ListenerPanics = %d, want 1", n)
	}
}

func TestMultipleCommunicatorsShareLink(t *testing.T) {
	network, link, pc1 := newTestNetwork(t, 20*time.Millisecond)
	pc2, err := New(link)
	if err != nil {
		t.Fatal(err)
	}
	defer pc2.Detach()

	ga := knx.MustGroupAddress("4/0/1")
	network.Store(ga, []byte{0x01})

	var wg sync.WaitGroup
	for _, pc := range []*Communicator{pc1, pc2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := pc.ReadBool(context.Background(), ga)
			if err != nil || !v {
				t.Errorf("ReadBool() = %v, %v", v, err)
			}
		}()
	}
	wg.Wait()

	pc2.Detach()
	if _, err := pc1.ReadBool(context.Background(), ga); err != nil {
		t.Errorf("pc1 read after pc2 detach: %v", err)
	}
}

// stallingLink accepts subscriptions but never completes a Send until its
// context ends.
type stallingLink struct {
	done   chan struct{}
	once   sync.Once
	sends  atomic.Int32
	active atomic.Int32
}

func newStallingLink() *stallingLink {
	return &stallingLink{done: make(chan struct{})}
}

func (l *stallingLink) Send(ctx context.Context, _ knx.Telegram) error {
	l.sends.Add(1)
	l.active.Add(1)
	defer l.active.Add(-1)
	<-ctx.Done()
	return ctx.Err()
}

func (l *stallingLink) Subscribe(func(knx.Telegram)) func() { return func() {} }
func (l *stallingLink) Done() <-chan struct{}               { return l.done }

func (l *stallingLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func TestSlowListenerDoesNotStallReads(t *testing.T) {
	network, _, pc := newTestNetwork(t, 0)
	if err := pc.SetResponseTimeout(1); err != nil {
		t.Fatal(err)
	}
	held := knx.MustGroupAddress("2/1/1")
	network.Store(held, []byte{0x01})

	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	var writes atomic.Int32
	listener := &ListenerFuncs{OnWrite: func(GroupEvent) {
		select {
		case <-release:
		case <-time.After(300 * time.Millisecond):
		}
		writes.Add(1)
	}}
	if err := pc.AddProcessListener(listener); err != nil {
		t.Fatal(err)
	}

	peer, err := network.Attach()
	if err != nil {
		t.Fatal(err)
	}
	const burst = 300
	ctx := context.Background()
	for i := range burst {
		if err := peer.Send(ctx, knx.NewWriteTelegram(knx.MustGroupAddress("2/1/2"), []byte{byte(i)})); err != nil {
			t.Fatalf("peer write %d error: %v", i, err)
		}
	}

	got, err := pc.ReadBool(ctx, held)
	if err != nil {
		t.Fatalf("ReadBool() behind a stalled listener error: %v", err)
	}
	if !got {
		t.Error("ReadBool() = false, want true")
	}

	unblock()
	waitFor(t, "every write delivered", func() bool { return writes.Load() == burst })
	if n := pc.Stats().Events; n < burst {
		t.Errorf("Events = %d, want at least %d", n, burst)
	}
}

func TestDetachCancelsBlockedSend(t *testing.T) {
	link := newStallingLink()
	pc, err := New(link)
	if err != nil {
		t.Fatal(err)
	}

	ga := knx.MustGroupAddress("1/0/1")
	readErr := make(chan error, 1)
	writeErr := make(chan error, 1)
	go func() {
		_, err := pc.ReadRaw(context.Background(), ga)
		readErr <- err
	}()
	go func() { writeErr <- pc.WriteBool(context.Background(), ga, true) }()
	waitFor(t, "two blocked sends", func() bool { return link.sends.Load() == 2 })

	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	pc.Detach()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Detach() took %v with sends in progress", elapsed)
	}
	if n := link.active.Load(); n != 0 {
		t.Errorf("%d sends still in progress after Detach returned", n)
	}

	for name, ch := range map[string]chan error{"read": readErr, "write": writeErr} {
		select {
		case err := <-ch:
			if !errors.Is(err, ErrDetached) {
				t.Errorf("%s error = %v, want ErrDetached", name, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s did not return after Detach", name)
		}
	}
}

func TestReadDeadlineCoversSend(t *testing.T) {
	link := newStallingLink()
	pc, err := New(link)
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Detach()
	if err := pc.SetResponseTimeout(1); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = pc.ReadRaw(context.Background(), knx.MustGroupAddress("1/0/2"))
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("ReadRaw() error = %v, want ErrTimeout", err)
	}
	if elapsed >= 1500*time.Millisecond {
		t.Errorf("read with a stuck send returned after %v, want about 1s", elapsed)
	}
	if s := pc.Stats(); s.Pending != 0 || s.ReadTimeouts != 1 {
		t.Errorf("Stats() = %+v, want nothing pending and one timeout", s)
	}
}

func TestReadWithCancelledContextSendsNothing(t *testing.T) {
	link := newStallingLink()
	pc, err := New(link)
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Detach()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := pc.ReadRaw(ctx, knx.MustGroupAddress("1/0/3")); !errors.Is(err, context.Canceled) {
		t.Errorf("ReadRaw() error = %v, want context.Canceled", err)
	}
	if n := link.sends.Load(); n != 0 {
		t.Errorf("%d read requests sent for a cancelled context, want 0", n)
	}
	if s := pc.Stats(); s.Reads != 0 || s.Pending != 0 {
		t.Errorf("Stats() = %+v, want no reads and nothing pending", s)
	}
}

func TestResponseAtTimeoutBoundary(t *testing.T) {
	network, _, pc := newTestNetwork(t, 995*time.Millisecond)
	if err := pc.SetResponseTimeout(1); err != nil {
		t.Fatal(err)
	}

	const trials = 40
	var wg sync.WaitGroup
	var ok, timedOut atomic.Int32
	for i := range trials {
		ga := knx.MustGroupAddress(fmt.Sprintf("5/1/%d", i))
		want := byte(i + 1)
		network.Store(ga, []byte{want})

		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := pc.ReadRaw(context.Background(), ga)
			switch {
			case err == nil:
				if len(data) != 1 || data[0] != want {
					t.Errorf("read %s = %X, want %02X", ga, data, want)
				}
				ok.Add(1)
			case errors.Is(err, ErrTimeout):
				timedOut.Add(1)
			default:
				t.Errorf("read %s error: %v", ga, err)
			}
		}()
	}
	wg.Wait()

	if got := ok.Load() + timedOut.Load(); got != trials {
		t.Errorf("%d outcomes, want %d", got, trials)
	}
	s := pc.Stats()
	if s.Pending != 0 {
		t.Errorf("Pending = %d after all reads returned", s.Pending)
	}
	if int32(s.ReadTimeouts) != timedOut.Load() { //nolint:gosec // small counts
		t.Errorf("ReadTimeouts = %d, want %d", s.ReadTimeouts, timedOut.Load())
	}
}

func TestAwaitPrefersMatchedResponse(t *testing.T) {
	_, _, pc := newTestNetwork(t, 0)
	ga := knx.MustGroupAddress("5/2/1")

	expired, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-expired.Done()

	tests := []struct {
		name      string
		fulfilled bool
		wantErr   error
	}{
		{"response matched as the deadline passed", true, nil},
		{"no response", false, ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &pendingRequest{resp: make(chan []byte, 1)}
			pc.mu.Lock()
			pc.pending[ga] = p
			pc.mu.Unlock()
			if tt.fulfilled {
				pc.fulfil(ga, []byte{0x2A})
			}

			data, err := pc.await(expired, ga, p, time.Second)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("await() error = %v, want %v", err, tt.wantErr)
			}
			if tt.fulfilled && (len(data) != 1 || data[0] != 0x2A) {
				t.Errorf("await() = %X, want 2A", data)
			}
			if n := pc.Stats().Pending; n != 0 {
				t.Errorf("Pending = %d, want 0", n)
			}
		})
	}
}
