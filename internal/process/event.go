package process

import (
	"bytes"
	"fmt"
	"time"

	"github.com/nerrad567/knx-process/internal/knx"
)

// EventKind is the kind of group communication a GroupEvent records.
type EventKind uint8

// Event kinds.
const (
	EventReadRequest EventKind = iota + 1
	EventReadResponse
	EventWrite
)

// String returns the event type name used in logs, MQTT topics and the
// WebSocket stream.
func (k EventKind) String() string {
	switch k {
	case EventReadRequest:
		return "group.read"
	case EventReadResponse:
		return "group.response"
	case EventWrite:
		return "group.write"
	default:
		return fmt.Sprintf("group.unknown(%d)", uint8(k))
	}
}

// eventKind maps an APCI code to its event kind.
func eventKind(apci byte) (EventKind, bool) {
	switch apci {
	case knx.APCIRead:
		return EventReadRequest, true
	case knx.APCIResponse:
		return EventReadResponse, true
	case knx.APCIWrite:
		return EventWrite, true
	default:
		return 0, false
	}
}

// GroupEvent records one telegram observed on a link.
//
// A GroupEvent is built once per telegram and the same value is passed to
// every listener. Data is shared between listeners and must not be
// modified; use Payload for a private copy.
type GroupEvent struct {
	// Source is the sender's individual address ("1.1.5"). Empty for
	// frames sent by this process through a link that does not report it.
	Source string

	// Destination is the group address the telegram was sent to.
	Destination knx.GroupAddress

	// Kind is read request, read response or write.
	Kind EventKind

	// Data is the raw DPT-encoded payload (nil for read requests).
	Data []byte

	// Priority is the frame priority.
	Priority knx.Priority

	// Outgoing is true if the telegram was sent through this link.
	Outgoing bool

	// Link is the link the telegram was observed on.
	Link knx.Link

	// Time is when the telegram was received or sent.
	Time time.Time
}

func newGroupEvent(link knx.Link, t knx.Telegram, kind EventKind) GroupEvent {
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return GroupEvent{
		Source:      t.Source,
		Destination: t.Destination,
		Kind:        kind,
		Data:        bytes.Clone(t.Data),
		Priority:    t.Priority,
		Outgoing:    t.Outgoing,
		Link:        link,
		Time:        ts,
	}
}

// Payload returns a copy of the event's payload.
func (e GroupEvent) Payload() []byte {
	return bytes.Clone(e.Data)
}

// String returns a compact representation for logging.
func (e GroupEvent) String() string {
	return fmt.Sprintf("%s %s→%s %X", e.Kind, e.Source, e.Destination, e.Data)
}

// DetachEvent is delivered once to every listener when a communicator is
// detached from its link.
type DetachEvent struct {
	// Communicator is the ID of the detached communicator.
	Communicator string

	// Link is the link the communicator was attached to.
	Link knx.Link

	// Time is when the communicator was detached.
	Time time.Time
}

// Datapoint describes a process value: its group address and the datapoint
// type used to encode it.
type Datapoint struct {
	Address knx.GroupAddress `json:"address"`
	DPT     knx.DPT          `json:"dpt"`
	Name    string           `json:"name"`
}

// NewDatapoint parses an address and DPT identifier into a Datapoint.
//
// Returns a knx.ErrFormat error if either is invalid.
func NewDatapoint(address, dpt, name string) (Datapoint, error) {
	ga, err := knx.ParseGroupAddress(address)
	if err != nil {
		return Datapoint{}, err
	}
	d, err := knx.ParseDPT(dpt)
	if err != nil {
		return Datapoint{}, err
	}
	return Datapoint{Address: ga, DPT: d, Name: name}, nil
}

// String returns "name (ga, dpt)".
func (d Datapoint) String() string {
	return fmt.Sprintf("%s (%s, %s)", d.Name, d.Address, d.DPT)
}
