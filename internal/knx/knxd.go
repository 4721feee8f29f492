package knx

import (
	"container/heap"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// Default timeouts and intervals for knxd communication.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultReadTimeout is the timeout for individual read operations.
	defaultReadTimeout = 30 * time.Second

	// defaultWriteTimeout is the timeout for write operations.
	defaultWriteTimeout = 5 * time.Second

	// defaultReconnectInterval is the initial delay between reconnection attempts.
	defaultReconnectInterval = 5 * time.Second

	// maxReconnectInterval is the maximum delay between reconnection attempts.
	maxReconnectInterval = 2 * time.Minute

	// readBufferSize is the size of the read buffer for incoming messages.
	readBufferSize = 256
)

// KNXDConfig holds knxd connection configuration.
//
//nolint:revive // KNXDConfig is clearer than DConfig for external use
type KNXDConfig struct {
	// Connection is the knxd connection URL.
	// Supported formats:
	//   - "unix:///run/knxd" (Unix socket)
	//   - "tcp://localhost:6720" (TCP)
	Connection string

	// ConnectTimeout is the maximum time to wait for connection.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout is the timeout for read operations.
	// Default: 30 seconds.
	ReadTimeout time.Duration

	// ReconnectInterval is the initial delay between reconnection attempts.
	// Default: 5 seconds.
	ReconnectInterval time.Duration
}

// KNXDStats holds operational statistics.
//
//nolint:revive // KNXDStats is clearer than DStats for external use
type KNXDStats struct {
	TelegramsTx     uint64
	TelegramsRx     uint64
	ErrorsTotal     uint64
	ReconnectsTotal uint64 // Successful reconnections
	QueueDepth      int    // Frames waiting for the writer
	DispatchBacklog int    // Telegrams waiting for subscriber delivery
	LastActivity    time.Time
	Connected       bool
	Reconnecting    bool // True if currently attempting to reconnect
}

// Ensure KNXDLink implements Link.
var _ Link = (*KNXDLink)(nil)

// KNXDLink is a Link to the knxd daemon over a GROUPCON socket.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Subscribers are called from a single dispatch goroutine.
//
// Outbound frames are queued by priority (system, urgent, normal, low; FIFO
// within a class) and written by one writer goroutine. knxd's group socket
// does not carry the priority field, so priority only orders the queue.
//
// Auto-Reconnection:
//   - When the connection is lost, the link reconnects with exponential
//     backoff starting at ReconnectInterval up to maxReconnectInterval.
//   - Reconnection stops only when Close() is called.
//
//nolint:revive // KNXDLink is clearer than DLink for external use
type KNXDLink struct {
	cfg  KNXDConfig
	conn net.Conn

	// Connection state
	connMu    sync.RWMutex
	connected bool

	// Reconnection state
	reconnecting   atomic.Bool
	reconnectCount atomic.Int32

	dispatch *dispatcher

	// Outbound priority queue
	queueMu sync.Mutex
	queue   sendQueue
	seq     uint64
	wake    chan struct{}

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	telegramsTx  atomic.Uint64
	telegramsRx  atomic.Uint64
	errorsTotal  atomic.Uint64
	reconnects   atomic.Uint64
	lastActivity atomic.Int64 // Unix timestamp
}

// Dial connects to knxd and opens group communication mode.
//
// Parameters:
//   - ctx: Context for cancellation (used for initial connection)
//   - cfg: Connection configuration
//
// Returns:
//   - *KNXDLink: Connected link ready for use
//   - error: ErrConnectionFailed if connection or handshake fails
func Dial(ctx context.Context, cfg KNXDConfig) (*KNXDLink, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}

	network, address, err := parseConnectionURL(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(connectCtx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial failed: %w", ErrConnectionFailed, err)
	}

	l := &KNXDLink{
		cfg:  cfg,
		conn: conn,
		wake: make(chan struct{}, 1),
		done: newCloseOnce(),
	}
	l.dispatch = newDispatcher(func(r any) { l.logError("subscriber panic", panicError(r)) })
	l.lastActivity.Store(time.Now().Unix())

	if err := l.openGroupCon(connectCtx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake failed: %w", ErrConnectionFailed, err)
	}

	l.connMu.Lock()
	l.connected = true
	l.connMu.Unlock()

	l.wg.Add(3) //nolint:mnd // dispatcher, writer, receiver
	go func() {
		defer l.wg.Done()
		l.dispatch.run(l.done.Done())
	}()
	go l.writeLoop()
	go l.receiveLoop()

	return l, nil
}

// parseConnectionURL parses a knxd connection URL into network and address.
func parseConnectionURL(connURL string) (network, address string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "unix":
		return "unix", u.Path, nil
	case "tcp":
		host := u.Host
		if host == "" {
			host = "localhost:6720"
		}
		return "tcp", host, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q (use unix or tcp)", u.Scheme)
	}
}

// openGroupCon sends EIB_OPEN_GROUPCON and waits for knxd's acknowledgement.
//
// Payload: reserved(1) + write_only(1) + reserved(1); write_only=0x00
// enables bidirectional group communication.
func (l *KNXDLink) openGroupCon(ctx context.Context, conn net.Conn) error {
	msg := EncodeKNXDMessage(EIBOpenGroupCon, []byte{0x00, 0x00, 0x00})

	writeDeadline := time.Now().Add(defaultWriteTimeout)
	if deadline, ok := ctx.Deadline(); ok && deadline.Before(writeDeadline) {
		writeDeadline = deadline
	}
	if err := conn.SetWriteDeadline(writeDeadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	readDeadline := time.Now().Add(l.cfg.ReadTimeout)
	if deadline, ok := ctx.Deadline(); ok && deadline.Before(readDeadline) {
		readDeadline = deadline
	}
	if err := conn.SetReadDeadline(readDeadline); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}

	sizeBytes := make([]byte, 2)
	if _, err := io.ReadFull(conn, sizeBytes); err != nil {
		return fmt.Errorf("read response size: %w", err)
	}
	msgSize := binary.BigEndian.Uint16(sizeBytes)
	if msgSize < 2 {
		return fmt.Errorf("invalid response size: %d", msgSize)
	}

	resp := make([]byte, 2+int(msgSize))
	copy(resp[:2], sizeBytes)
	if _, err := io.ReadFull(conn, resp[2:]); err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	msgType, _, err := ParseKNXDMessage(resp)
	if err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if msgType != EIBOpenGroupCon {
		return fmt.Errorf("unexpected response type: 0x%04X", msgType)
	}
	return nil
}

// ─── Receive path ──────────────────────────────────────────────────

// receiveLoop continuously reads telegrams from knxd, reconnecting on
// connection loss.
func (l *KNXDLink) receiveLoop() {
	defer l.wg.Done()

	buf := make([]byte, readBufferSize)
	for !l.done.IsClosed() {
		msgType, payload, err := l.readMessage(buf)
		if err != nil {
			if !l.handleReadError(err) {
				continue
			}
			if l.done.IsClosed() || !l.reconnect() {
				return
			}
			continue
		}

		// GROUPCON receive format: src(2) + GA(2) + APDU(2+)
		if msgType == EIBGroupPacket && len(payload) >= indicationHeaderSize {
			l.handleGroupPacket(payload)
		}
	}
}

// readMessage reads a single knxd message. Oversized messages return
// ErrProtocolDesync, which forces a reconnect.
func (l *KNXDLink) readMessage(buf []byte) (uint16, []byte, error) {
	l.connMu.RLock()
	conn := l.conn
	l.connMu.RUnlock()
	if conn == nil {
		return 0, nil, ErrNotConnected
	}

	if err := conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout)); err != nil {
		return 0, nil, fmt.Errorf("set deadline: %w", err)
	}
	if _, err := io.ReadFull(conn, buf[:2]); err != nil {
		return 0, nil, fmt.Errorf("read size: %w", err)
	}

	msgSize := binary.BigEndian.Uint16(buf[:2])
	if msgSize < 2 {
		l.errorsTotal.Add(1)
		return 0, nil, fmt.Errorf("%w: invalid message size %d", ErrProtocolDesync, msgSize)
	}

	totalLen := 2 + int(msgSize)
	if totalLen > len(buf) {
		l.errorsTotal.Add(1)
		return 0, nil, fmt.Errorf("%w: size %d exceeds buffer %d", ErrProtocolDesync, totalLen, len(buf))
	}

	if _, err := io.ReadFull(conn, buf[2:totalLen]); err != nil {
		return 0, nil, fmt.Errorf("read message: %w", err)
	}

	msgType, payload, err := ParseKNXDMessage(buf[:totalLen])
	if err != nil {
		l.logError("parse message failed", err)
		l.errorsTotal.Add(1)
		return 0, nil, nil
	}
	return msgType, payload, nil
}

// handleReadError reports whether err requires a reconnect.
func (l *KNXDLink) handleReadError(err error) bool {
	if l.done.IsClosed() {
		return true
	}

	var netErr net.Error
	if !errors.Is(err, ErrProtocolDesync) && errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}

	l.logError("read failed, reconnecting", err)
	l.errorsTotal.Add(1)
	l.closeConn()
	return true
}

// handleGroupPacket parses a received frame and queues it for subscribers.
func (l *KNXDLink) handleGroupPacket(payload []byte) {
	t, err := ParseTelegram(payload)
	if err != nil {
		l.logError("parse telegram failed", err)
		l.errorsTotal.Add(1)
		return
	}

	l.telegramsRx.Add(1)
	l.lastActivity.Store(time.Now().Unix())

	l.dispatch.enqueue(t)
}

// ─── Reconnection ──────────────────────────────────────────────────

// reconnect re-establishes the connection with exponential backoff.
// Returns false if the link was closed meanwhile.
func (l *KNXDLink) reconnect() bool {
	if !l.reconnecting.CompareAndSwap(false, true) {
		return !l.done.IsClosed()
	}
	defer l.reconnecting.Store(false)

	network, address, err := parseConnectionURL(l.cfg.Connection)
	if err != nil {
		l.logError("reconnect: invalid connection URL", err)
		return false
	}

	backoff := l.cfg.ReconnectInterval
	for {
		if l.done.IsClosed() {
			return false
		}

		attempt := l.reconnectCount.Add(1)
		l.logInfo("attempting reconnection", "attempt", attempt, "backoff", backoff.String())

		if err := l.redial(network, address); err != nil {
			l.logError("reconnect failed", err)
			l.errorsTotal.Add(1)

			select {
			case <-l.done.Done():
				return false
			case <-time.After(backoff):
			}
			backoff = min(time.Duration(float64(backoff)*1.5), maxReconnectInterval) //nolint:mnd // backoff factor
			continue
		}

		l.reconnectCount.Store(0)
		l.reconnects.Add(1)
		l.lastActivity.Store(time.Now().Unix())
		l.logInfo("reconnection successful", "total_reconnects", l.reconnects.Load())
		return true
	}
}

func (l *KNXDLink) redial(network, address string) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return fmt.Errorf("dial %s://%s: %w", network, address, err)
	}
	if err := l.openGroupCon(ctx, conn); err != nil {
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.done.IsClosed() {
		conn.Close()
		return ErrLinkClosed
	}
	l.conn = conn
	l.connected = true
	return nil
}

// closeConn drops the current connection and marks the link disconnected.
func (l *KNXDLink) closeConn() {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.connected {
		l.logInfo("connection lost")
	}
	l.connected = false
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
}

// ─── Send path ─────────────────────────────────────────────────────

type sendRequest struct {
	ctx    context.Context //nolint:containedctx // carried to the writer goroutine
	t      Telegram
	seq    uint64
	result chan error
}

// sendQueue is a container/heap ordered by priority class, then arrival.
type sendQueue []*sendRequest

func (q sendQueue) Len() int { return len(q) }

func (q sendQueue) Less(i, j int) bool {
	if q[i].t.Priority != q[j].t.Priority {
		return q[i].t.Priority.Before(q[j].t.Priority)
	}
	return q[i].seq < q[j].seq
}

func (q sendQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *sendQueue) Push(x any) { *q = append(*q, x.(*sendRequest)) } //nolint:forcetypeassert // heap contract

func (q *sendQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Send queues t by priority and waits until the writer has transmitted it.
//
// Returns ErrLinkClosed after Close, ErrNotConnected while knxd is
// unreachable, and ErrTelegramFailed wrapping the cause if the write fails.
func (l *KNXDLink) Send(ctx context.Context, t Telegram) error {
	if l.done.IsClosed() {
		return ErrLinkClosed
	}
	if !l.IsConnected() {
		return ErrNotConnected
	}
	if !t.Priority.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, t.Priority)
	}

	req := &sendRequest{ctx: ctx, t: t, result: make(chan error, 1)}
	l.queueMu.Lock()
	l.seq++
	req.seq = l.seq
	heap.Push(&l.queue, req)
	l.queueMu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTelegramFailed, ctx.Err())
	case <-l.done.Done():
		return ErrLinkClosed
	}
}

// writeLoop transmits queued frames one at a time, highest priority first.
func (l *KNXDLink) writeLoop() {
	defer l.wg.Done()
	defer l.failQueued()

	for {
		req := l.nextRequest()
		if req == nil {
			return
		}
		if err := req.ctx.Err(); err != nil {
			req.result <- fmt.Errorf("%w: %w", ErrTelegramFailed, err)
			continue
		}

		err := l.writeTelegram(req.ctx, req.t)
		req.result <- err
		if err == nil {
			echo := req.t
			echo.Outgoing = true
			echo.Timestamp = time.Now()
			l.dispatch.enqueue(echo)
		}
	}
}

// nextRequest blocks until a frame is queued or the link closes.
func (l *KNXDLink) nextRequest() *sendRequest {
	for {
		l.queueMu.Lock()
		if l.queue.Len() > 0 {
			req := heap.Pop(&l.queue).(*sendRequest) //nolint:forcetypeassert // heap contract
			l.queueMu.Unlock()
			return req
		}
		l.queueMu.Unlock()

		select {
		case <-l.wake:
		case <-l.done.Done():
			return nil
		}
	}
}

// failQueued answers every frame still queued at shutdown.
func (l *KNXDLink) failQueued() {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	for l.queue.Len() > 0 {
		req := heap.Pop(&l.queue).(*sendRequest) //nolint:forcetypeassert // heap contract
		req.result <- ErrLinkClosed
	}
}

// writeTelegram writes one EIB_GROUP_PACKET to the socket.
func (l *KNXDLink) writeTelegram(ctx context.Context, t Telegram) error {
	msg := EncodeKNXDMessage(EIBGroupPacket, t.Encode())

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.connMu.RLock()
	conn := l.conn
	l.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrTelegramFailed, err)
	}
	if _, err := conn.Write(msg); err != nil {
		l.errorsTotal.Add(1)
		return fmt.Errorf("%w: write: %w", ErrTelegramFailed, err)
	}

	l.telegramsTx.Add(1)
	l.lastActivity.Store(time.Now().Unix())
	return nil
}

// ─── Link plumbing ─────────────────────────────────────────────────

// Subscribe registers fn for every telegram received from or sent to knxd.
func (l *KNXDLink) Subscribe(fn func(Telegram)) func() {
	return l.dispatch.subscribe(fn)
}

// Done is closed once Close has been called.
func (l *KNXDLink) Done() <-chan struct{} {
	return l.done.Done()
}

// Close stops the link and waits for its goroutines. Safe to call multiple
// times.
func (l *KNXDLink) Close() error {
	if l.done.IsClosed() {
		return nil
	}
	l.done.Close()

	l.connMu.Lock()
	l.connected = false
	if l.conn != nil {
		_, _ = l.conn.Write(EncodeKNXDMessage(EIBClose, nil))
		l.conn.Close()
	}
	l.connMu.Unlock()

	l.wg.Wait()
	l.logInfo("knxd link closed")
	return nil
}

// SetLogger sets the logger for this link.
func (l *KNXDLink) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
}

// IsConnected returns true if connected to knxd.
func (l *KNXDLink) IsConnected() bool {
	l.connMu.RLock()
	defer l.connMu.RUnlock()
	return l.connected
}

// Stats returns current operational statistics.
func (l *KNXDLink) Stats() KNXDStats {
	l.queueMu.Lock()
	depth := l.queue.Len()
	l.queueMu.Unlock()

	return KNXDStats{
		TelegramsTx:     l.telegramsTx.Load(),
		TelegramsRx:     l.telegramsRx.Load(),
		ErrorsTotal:     l.errorsTotal.Load(),
		ReconnectsTotal: l.reconnects.Load(),
		QueueDepth:      depth,
		DispatchBacklog: l.dispatch.backlog(),
		LastActivity:    time.Unix(l.lastActivity.Load(), 0),
		Connected:       l.IsConnected(),
		Reconnecting:    l.reconnecting.Load(),
	}
}

// HealthCheck reports ErrNotConnected while knxd is unreachable.
func (l *KNXDLink) HealthCheck(_ context.Context) error {
	if !l.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (l *KNXDLink) logInfo(msg string, keysAndValues ...any) {
	l.loggerMu.RLock()
	logger := l.logger
	l.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (l *KNXDLink) logError(msg string, err error) {
	l.loggerMu.RLock()
	logger := l.logger
	l.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
