package bridge

import (
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/knx-process/internal/knx"
	"github.com/nerrad567/knx-process/internal/process"
)

// defaultQueueSize is the number of events buffered per component.
const defaultQueueSize = 256

// Logger defines the logging interface used by bridge components.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// EventMessage is the JSON form of a group event, shared by MQTT and the
// WebSocket stream.
type EventMessage struct {
	Type         string    `json:"type"`
	GroupAddress string    `json:"ga"`
	Source       string    `json:"source,omitempty"`
	Raw          string    `json:"raw,omitempty"`
	DPT          string    `json:"dpt,omitempty"`
	Name         string    `json:"name,omitempty"`
	Value        string    `json:"value,omitempty"`
	Priority     string    `json:"priority"`
	Outgoing     bool      `json:"outgoing"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewEventMessage converts e using the datapoint configured for its
// address, if any. Payloads that do not decode are sent raw only.
func NewEventMessage(catalog *process.Catalog, e process.GroupEvent) EventMessage {
	msg := EventMessage{
		Type:         e.Kind.String(),
		GroupAddress: e.Destination.String(),
		Source:       e.Source,
		Raw:          rawHex(e.Data),
		Priority:     e.Priority.String(),
		Outgoing:     e.Outgoing,
		Timestamp:    e.Time.UTC(),
	}
	if dp, ok := catalog.ByAddress(e.Destination); ok {
		msg.DPT = string(dp.DPT)
		msg.Name = dp.Name
		if e.Kind != process.EventReadRequest {
			if text, err := knx.FormatValue(dp.DPT, e.Data); err == nil {
				msg.Value = text
			}
		}
	}
	return msg
}

func rawHex(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(data))
}

// numericValue returns the decoded payload as a number, for types that
// have a numeric form. Booleans map to 0 and 1.
func numericValue(dpt knx.DPT, data []byte) (float64, bool) {
	v, err := knx.Decode(dpt, data)
	if err != nil {
		return 0, false
	}
	switch n := v.(type) {
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case knx.Control:
		return float64(n.Step()), true
	case knx.SceneControl:
		return float64(n.Scene), true
	default:
		return 0, false
	}
}

// Queue push outcomes other than success.
var (
	errQueueFull   = errors.New("queue full")
	errQueueClosed = errors.New("queue closed")
)

// queue runs handle on a single goroutine for every pushed event.
// push never blocks: events are dropped when the buffer is full.
type queue struct {
	events  chan process.GroupEvent
	handle  func(process.GroupEvent)
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func newQueue(size int, handle func(process.GroupEvent)) *queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	q := &queue{
		events: make(chan process.GroupEvent, size),
		handle: handle,
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for e := range q.events {
			q.handle(e)
		}
	}()
	return q
}

// push queues e. It returns errQueueFull when the event was dropped and
// errQueueClosed once close has been called.
func (q *queue) push(e process.GroupEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errQueueClosed
	}
	select {
	case q.events <- e:
		return nil
	default:
		q.dropped.Add(1)
		return errQueueFull
	}
}

// close stops accepting events and waits until the buffered ones are
// handled.
func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.closed = true
	close(q.events)
	q.mu.Unlock()
	q.wg.Wait()
}
