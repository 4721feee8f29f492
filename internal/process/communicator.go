package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/knx-process/internal/knx"
)

// Response timeout limits, in seconds.
const (
	DefaultResponseTimeout = 5
	minResponseTimeout     = 1
)

// DefaultPriority is the send priority of a new Communicator.
const DefaultPriority = knx.PriorityLow

// Logger defines the logging interface for the communicator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stats holds communicator counters.
type Stats struct {
	Reads          uint64 `json:"reads"`
	ReadTimeouts   uint64 `json:"read_timeouts"`
	Writes         uint64 `json:"writes"`
	Events         uint64 `json:"events"`
	ListenerPanics uint64 `json:"listener_panics"`
	Listeners      int    `json:"listeners"`
	Pending        int    `json:"pending"`
	QueuedEvents   int    `json:"queued_events"`
	Detached       bool   `json:"detached"`
}

// pendingRequest is the single-slot handoff for one outstanding read.
type pendingRequest struct {
	resp chan []byte
}

// Communicator performs typed group reads and writes over a shared link.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Several communicators may share one link; each matches responses
//     independently.
//
// Lifecycle: a Communicator is attached to its link from New until Detach
// (or until the link closes). After that every operation returns
// ErrDetached.
type Communicator struct {
	id string

	// stateMu guards link. Sends register in inflight while holding it, so
	// Detach can wait for them once link is nil.
	stateMu  sync.RWMutex
	link     knx.Link
	detached atomic.Bool
	inflight sync.WaitGroup

	// life is cancelled on detach. Every send and wait derives from it.
	life context.Context
	stop context.CancelFunc

	unsubscribe func()

	timeout  atomic.Int64  // seconds
	priority atomic.Uint32 // knx.Priority

	// pending holds at most one request per group address. Inserts,
	// matches and timeout removals happen under mu.
	mu      sync.Mutex
	pending map[knx.GroupAddress]*pendingRequest
	flights singleflight.Group

	listeners *registry
	notifier  *notifier

	logger   Logger
	loggerMu sync.RWMutex

	reads    atomic.Uint64
	timeouts atomic.Uint64
	writes   atomic.Uint64
	events   atomic.Uint64
}

// New attaches a communicator to link.
//
// Returns ErrInvalidArgument if link is nil or already closed.
func New(link knx.Link) (*Communicator, error) {
	if link == nil {
		return nil, fmt.Errorf("%w: nil link", ErrInvalidArgument)
	}
	select {
	case <-link.Done():
		return nil, fmt.Errorf("%w: link is closed", ErrInvalidArgument)
	default:
	}

	c := &Communicator{
		id:      uuid.NewString(),
		link:    link,
		pending: make(map[knx.GroupAddress]*pendingRequest),
		logger:  noopLogger{},
	}
	c.life, c.stop = context.WithCancel(context.Background())
	c.timeout.Store(DefaultResponseTimeout)
	c.priority.Store(uint32(DefaultPriority))
	c.listeners = newRegistry(func(l ProcessListener, r any) {
		c.log().Error("listener panic recovered", "listener", fmt.Sprintf("%T", l), "panic", fmt.Sprint(r))
	})
	c.notifier = newNotifier(c.listeners)

	c.unsubscribe = link.Subscribe(func(t knx.Telegram) { c.onTelegram(link, t) })
	go c.watchLink(link)

	return c, nil
}

// ID returns the communicator's unique instance ID.
func (c *Communicator) ID() string {
	return c.id
}

// SetLogger sets the logger. A nil logger disables logging.
func (c *Communicator) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Communicator) log() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// ─── Configuration ─────────────────────────────────────────────────

// ResponseTimeout returns the read response timeout in seconds.
func (c *Communicator) ResponseTimeout() int {
	return int(c.timeout.Load())
}

// SetResponseTimeout sets the read response timeout in seconds. Values
// below 1 are rejected with ErrInvalidArgument and the previous timeout
// stays in effect. Reads already waiting keep the timeout they started with.
func (c *Communicator) SetResponseTimeout(seconds int) error {
	if c.detached.Load() {
		return ErrDetached
	}
	if seconds < minResponseTimeout {
		return fmt.Errorf("%w: response timeout must be at least %d second, got %d", ErrInvalidArgument, minResponseTimeout, seconds)
	}
	c.timeout.Store(int64(seconds))
	return nil
}

// Priority returns the default send priority.
func (c *Communicator) Priority() knx.Priority {
	return knx.Priority(c.priority.Load()) //nolint:gosec // stored from a valid Priority
}

// SetPriority sets the priority used by calls that do not pass one.
func (c *Communicator) SetPriority(p knx.Priority) error {
	if c.detached.Load() {
		return ErrDetached
	}
	if !p.IsValid() {
		return fmt.Errorf("%w: priority %d", ErrInvalidArgument, uint8(p))
	}
	c.priority.Store(uint32(p))
	return nil
}

// AddProcessListener registers l. Adding the same listener twice registers
// it twice. After Detach it has no effect.
//
// Returns ErrInvalidArgument for a nil or non-comparable listener.
func (c *Communicator) AddProcessListener(l ProcessListener) error {
	_, err := c.listeners.add(l)
	return err
}

// RemoveProcessListener removes one registration of l. Removing a listener
// that is not registered is a no-op.
func (c *Communicator) RemoveProcessListener(l ProcessListener) {
	c.listeners.remove(l)
}

// ─── Lifecycle ─────────────────────────────────────────────────────

// Detach detaches the communicator from its link and returns the link.
// Reads still waiting fail with ErrDetached and sends in progress are
// cancelled; nothing reaches the link once Detach has returned. Listeners
// receive the events already observed and then a DetachEvent. The link
// itself is not closed.
//
// The first call returns the link; later calls return nil. Detach must not
// be called from a ProcessListener method.
func (c *Communicator) Detach() knx.Link {
	return c.detach("detach requested")
}

func (c *Communicator) detach(reason string) knx.Link {
	c.stateMu.Lock()
	link := c.link
	if link == nil {
		c.stateMu.Unlock()
		return nil
	}
	c.link = nil
	c.detached.Store(true)
	c.stop()
	c.stateMu.Unlock()

	c.inflight.Wait()
	c.unsubscribe()
	c.notifier.close(DetachEvent{Communicator: c.id, Link: link, Time: time.Now()})
	c.log().Info("communicator detached", "id", c.id, "reason", reason)
	return link
}

// watchLink detaches the communicator when its link closes.
func (c *Communicator) watchLink(link knx.Link) {
	select {
	case <-link.Done():
		c.detach("link closed")
	case <-c.life.Done():
	}
}

// attached returns the link, or ErrDetached.
func (c *Communicator) attached() (knx.Link, error) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.link == nil {
		return nil, ErrDetached
	}
	return c.link, nil
}

// begin returns the link and registers a send that Detach waits for. The
// caller must call c.inflight.Done when the send has returned.
func (c *Communicator) begin() (knx.Link, error) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.link == nil {
		return nil, ErrDetached
	}
	c.inflight.Add(1)
	return c.link, nil
}

// bind returns a copy of ctx that is also cancelled on detach.
func (c *Communicator) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Stats returns current counters.
func (c *Communicator) Stats() Stats {
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()

	return Stats{
		Reads:          c.reads.Load(),
		ReadTimeouts:   c.timeouts.Load(),
		Writes:         c.writes.Load(),
		Events:         c.events.Load(),
		ListenerPanics: c.listeners.panics.Load(),
		Listeners:      c.listeners.len(),
		Pending:        pending,
		QueuedEvents:   c.notifier.backlog(),
		Detached:       c.detached.Load(),
	}
}

// ─── Inbound ───────────────────────────────────────────────────────

// onTelegram runs on the link's delivery goroutine for every frame. It
// matches responses itself and leaves listener delivery to the notifier.
func (c *Communicator) onTelegram(link knx.Link, t knx.Telegram) {
	if c.detached.Load() {
		return
	}
	kind, ok := eventKind(t.APCI)
	if !ok {
		return
	}

	if kind == EventReadResponse && !t.Outgoing {
		c.fulfil(t.Destination, t.Data)
	}

	c.events.Add(1)
	c.notifier.push(newGroupEvent(link, t, kind))
}

// fulfil hands data to the pending read for ga, if any. The request is
// removed in the same critical section, so a later response or the timeout
// cannot see it.
func (c *Communicator) fulfil(ga knx.GroupAddress, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[ga]
	if !ok {
		return
	}
	delete(c.pending, ga)
	p.resp <- bytes.Clone(data)
}

func (c *Communicator) removePending(ga knx.GroupAddress, p *pendingRequest) {
	c.mu.Lock()
	if c.pending[ga] == p {
		delete(c.pending, ga)
	}
	c.mu.Unlock()
}

// ─── Reads ─────────────────────────────────────────────────────────

// ReadRaw sends a read request for ga and returns the payload of the first
// matching response.
//
// Concurrent reads of the same address share one request and its outcome.
// Cancelling ctx abandons this caller's wait only.
//
// Returns ErrTimeout if no response arrives within the response timeout,
// ErrDetached if the communicator is or becomes detached, or the link's
// error if the request could not be sent.
func (c *Communicator) ReadRaw(ctx context.Context, ga knx.GroupAddress) ([]byte, error) {
	if _, err := c.attached(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.reads.Add(1)

	timeout := time.Duration(c.timeout.Load()) * time.Second
	ch := c.flights.DoChan(ga.String(), func() (any, error) {
		return c.request(ga, timeout)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return bytes.Clone(res.Val.([]byte)), nil //nolint:forcetypeassert // request returns []byte
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// request performs one read request/response exchange for ga. One deadline
// covers both sending the request and waiting for the response.
func (c *Communicator) request(ga knx.GroupAddress, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(c.life, timeout)
	defer cancel()

	link, err := c.begin()
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{resp: make(chan []byte, 1)}
	c.mu.Lock()
	c.pending[ga] = p
	c.mu.Unlock()

	t := knx.NewReadTelegram(ga)
	t.Priority = c.Priority()
	err = link.Send(ctx, t)
	c.inflight.Done()
	if err != nil {
		c.removePending(ga, p)
		if ctx.Err() != nil {
			return nil, c.expired(ctx, ga, timeout)
		}
		c.log().Error("read request send failed", "ga", ga.String(), "error", err)
		return nil, err
	}
	c.log().Debug("read request sent", "ga", ga.String(), "timeout", timeout.String())

	return c.await(ctx, ga, p, timeout)
}

// await waits for p to be fulfilled or for ctx to end. A response that is
// matched while ctx ends still wins: fulfil removes p and fills its slot in
// one critical section, so p missing from pending means data is waiting.
func (c *Communicator) await(ctx context.Context, ga knx.GroupAddress, p *pendingRequest, timeout time.Duration) ([]byte, error) {
	select {
	case data := <-p.resp:
		return data, nil
	case <-ctx.Done():
	}

	c.mu.Lock()
	if c.pending[ga] != p {
		c.mu.Unlock()
		return <-p.resp, nil
	}
	delete(c.pending, ga)
	c.mu.Unlock()

	return nil, c.expired(ctx, ga, timeout)
}

// expired reports why a read's context ended: detach or timeout.
func (c *Communicator) expired(ctx context.Context, ga knx.GroupAddress, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrDetached
	}
	c.timeouts.Add(1)
	c.log().Debug("read response timeout", "ga", ga.String(), "timeout", timeout.String())
	return fmt.Errorf("%w: no response from %s within %s", ErrTimeout, ga, timeout)
}

// Read reads ga and decodes the response with dpt. The dynamic type of the
// value is documented on knx.Decode.
func (c *Communicator) Read(ctx context.Context, ga knx.GroupAddress, dpt knx.DPT) (any, error) {
	if _, err := knx.ParseDPT(string(dpt)); err != nil {
		return nil, err
	}
	data, err := c.ReadRaw(ctx, ga)
	if err != nil {
		return nil, err
	}
	return knx.Decode(dpt, data)
}

// ReadBool reads a DPT 1.xxx value.
func (c *Communicator) ReadBool(ctx context.Context, ga knx.GroupAddress) (bool, error) {
	data, err := c.ReadRaw(ctx, ga)
	if err != nil {
		return false, err
	}
	return knx.DecodeDPT1(data)
}

// ReadUnsigned reads a DPT 5.xxx value. 5.001 returns 0-100 and 5.003
// returns 0-360, rounded to the nearest integer; other 5.xxx types return
// the raw 0-255 value.
func (c *Communicator) ReadUnsigned(ctx context.Context, ga knx.GroupAddress, dpt knx.DPT) (int, error) {
	if dpt.Main() != 5 { //nolint:mnd // DPT 5.xxx
		return 0, fmt.Errorf("%w: %q is not an unsigned 8-bit type", knx.ErrInvalidDPT, string(dpt))
	}
	data, err := c.ReadRaw(ctx, ga)
	if err != nil {
		return 0, err
	}
	return knx.DecodeUnsigned(dpt, data)
}

// ReadControl reads a DPT 3.xxx value.
func (c *Communicator) ReadControl(ctx context.Context, ga knx.GroupAddress) (knx.Control, error) {
	data, err := c.ReadRaw(ctx, ga)
	if err != nil {
		return knx.Control{}, err
	}
	inc, steps, err := knx.DecodeDPT3(data)
	if err != nil {
		return knx.Control{}, err
	}
	return knx.Control{Increase: inc, Steps: steps}, nil
}

// ReadFloat reads a 2-byte (DPT 9.xxx) or 4-byte (DPT 14.xxx) float, chosen
// by the length of the response payload.
func (c *Communicator) ReadFloat(ctx context.Context, ga knx.GroupAddress) (float64, error) {
	data, err := c.ReadRaw(ctx, ga)
	if err != nil {
		return 0, err
	}
	switch len(data) {
	case 2: //nolint:mnd // DPT9 length
		return knx.DecodeDPT9(data)
	case 4: //nolint:mnd // DPT14 length
		f, err := knx.DecodeDPT14(data)
		return float64(f), err
	default:
		return 0, fmt.Errorf("%w: float payload of %d bytes from %s", knx.ErrDecodingFailed, len(data), ga)
	}
}

// ReadString reads a DPT 16.001 (ISO-8859-1) string.
func (c *Communicator) ReadString(ctx context.Context, ga knx.GroupAddress) (string, error) {
	data, err := c.ReadRaw(ctx, ga)
	if err != nil {
		return "", err
	}
	return knx.DecodeDPT16(data, true)
}

// ReadDatapoint reads dp and returns its value as text (see knx.FormatValue).
func (c *Communicator) ReadDatapoint(ctx context.Context, dp Datapoint) (string, error) {
	if _, err := knx.ParseDPT(string(dp.DPT)); err != nil {
		return "", err
	}
	data, err := c.ReadRaw(ctx, dp.Address)
	if err != nil {
		return "", err
	}
	return knx.FormatValue(dp.DPT, data)
}

// ─── Writes ────────────────────────────────────────────────────────

// Write encodes value with dpt and sends a group write at the default
// priority. It does not wait for any response.
func (c *Communicator) Write(ctx context.Context, ga knx.GroupAddress, dpt knx.DPT, value any) error {
	return c.WriteWithPriority(ctx, ga, dpt, value, c.Priority())
}

// WriteWithPriority is Write with an explicit priority.
func (c *Communicator) WriteWithPriority(ctx context.Context, ga knx.GroupAddress, dpt knx.DPT, value any, p knx.Priority) error {
	if _, err := c.attached(); err != nil {
		return err
	}
	data, err := knx.Encode(dpt, value)
	if err != nil {
		return err
	}
	return c.writeRaw(ctx, ga, data, dpt.Compact(), p)
}

// WriteBool writes a DPT 1.xxx value.
func (c *Communicator) WriteBool(ctx context.Context, ga knx.GroupAddress, value bool) error {
	if _, err := c.attached(); err != nil {
		return err
	}
	return c.writeRaw(ctx, ga, knx.EncodeDPT1(value), true, c.Priority())
}

// WriteUnsigned writes a DPT 5.xxx value: a percentage for 5.001, an angle
// for 5.003 and the raw 0-255 value otherwise.
func (c *Communicator) WriteUnsigned(ctx context.Context, ga knx.GroupAddress, value int, dpt knx.DPT) error {
	if _, err := c.attached(); err != nil {
		return err
	}
	data, err := knx.EncodeUnsigned(dpt, value)
	if err != nil {
		return err
	}
	return c.writeRaw(ctx, ga, data, false, c.Priority())
}

// WriteControl writes a DPT 3.xxx value.
func (c *Communicator) WriteControl(ctx context.Context, ga knx.GroupAddress, value knx.Control) error {
	if _, err := c.attached(); err != nil {
		return err
	}
	data, err := knx.EncodeDPT3(value.Increase, value.Steps)
	if err != nil {
		return err
	}
	return c.writeRaw(ctx, ga, data, true, c.Priority())
}

// WriteFloat writes a 2-byte DPT 9.xxx float, or a 4-byte DPT 14.xxx float
// when use4Byte is set.
func (c *Communicator) WriteFloat(ctx context.Context, ga knx.GroupAddress, value float64, use4Byte bool) error {
	if _, err := c.attached(); err != nil {
		return err
	}
	dpt := knx.DPTTemperature
	if use4Byte {
		dpt = knx.DPTAcceleration
	}
	data, err := knx.Encode(dpt, value)
	if err != nil {
		return err
	}
	return c.writeRaw(ctx, ga, data, false, c.Priority())
}

// WriteString writes a DPT 16.001 (ISO-8859-1) string of at most 14
// characters.
func (c *Communicator) WriteString(ctx context.Context, ga knx.GroupAddress, value string) error {
	if _, err := c.attached(); err != nil {
		return err
	}
	data, err := knx.EncodeDPT16(value, true)
	if err != nil {
		return err
	}
	return c.writeRaw(ctx, ga, data, false, c.Priority())
}

// WriteDatapoint parses text with dp's type and writes it (see
// knx.ParseValue for the accepted text forms).
func (c *Communicator) WriteDatapoint(ctx context.Context, dp Datapoint, text string) error {
	if _, err := c.attached(); err != nil {
		return err
	}
	data, err := knx.ParseValue(dp.DPT, text)
	if err != nil {
		return err
	}
	return c.writeRaw(ctx, dp.Address, data, dp.DPT.Compact(), c.Priority())
}

func (c *Communicator) writeRaw(ctx context.Context, ga knx.GroupAddress, data []byte, short bool, p knx.Priority) error {
	if !p.IsValid() {
		return fmt.Errorf("%w: priority %d", ErrInvalidArgument, uint8(p))
	}
	link, err := c.begin()
	if err != nil {
		return err
	}
	defer c.inflight.Done()

	ctx, cancel := c.bind(ctx)
	defer cancel()

	t := knx.NewWriteTelegram(ga, data)
	t.Short = short
	t.Priority = p
	if err := link.Send(ctx, t); err != nil {
		if c.life.Err() != nil {
			return ErrDetached
		}
		c.log().Error("group write failed", "ga", ga.String(), "error", err)
		return err
	}

	c.writes.Add(1)
	c.log().Debug("group write sent", "ga", ga.String(), "data", fmt.Sprintf("%X", data), "priority", p.String())
	return nil
}
