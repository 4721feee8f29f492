package knx

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// knxd protocol message types.
const (
	// EIBOpenGroupCon opens a group socket for sending/receiving group telegrams.
	// Format: type(2) + reserved(1) + write_only(1) + reserved(1)
	EIBOpenGroupCon uint16 = 0x0026

	// EIBGroupPacket is used to send and receive group telegrams.
	// Payload format: GA(2) + APDU (2+ bytes)
	EIBGroupPacket uint16 = 0x0027

	// EIBClose closes the knxd connection gracefully.
	EIBClose uint16 = 0x0006
)

// APCI (Application Protocol Control Information) codes.
const (
	// APCIRead is a group read request (asks device for current value).
	APCIRead byte = 0x00

	// APCIResponse is a group read response (device answers read request).
	APCIResponse byte = 0x40

	// APCIWrite is a group write (sends value to devices listening on GA).
	APCIWrite byte = 0x80
)

const (
	// knxdHeaderSize is the size of the knxd message header (size + type).
	knxdHeaderSize = 4

	// indicationHeaderSize is source(2) + GA(2) + TPCI(1) + APCI(1).
	indicationHeaderSize = 6

	// requestHeaderSize is GA(2) + TPCI(1) + APCI(1).
	requestHeaderSize = 4

	// shortDataMask selects the 6 data bits of a short frame APCI byte.
	shortDataMask = 0x3F
)

// Telegram represents a KNX group telegram.
type Telegram struct {
	// Source is the sender's individual address (e.g., "1.1.5").
	// Empty for telegrams this process has not yet sent.
	Source string

	// Destination is the target group address.
	Destination GroupAddress

	// APCI indicates the telegram type (read, response, or write).
	APCI byte

	// Data contains the DPT-encoded payload (nil for reads).
	Data []byte

	// Short marks a payload carried in the 6 data bits of the APCI byte.
	// Set for DPT1/DPT3 values when sending and for short frames on receive.
	Short bool

	// Priority is the frame priority. Links that cannot carry it on the
	// wire still use it to order their send queue.
	Priority Priority

	// Outgoing is true when the telegram is the local echo of a frame this
	// process sent, false when it was received from the bus.
	Outgoing bool

	// Timestamp records when the telegram was received or created.
	Timestamp time.Time
}

// ParseTelegram parses a received knxd group packet (indication format).
//
// Layout:
//
//	Byte 0-1: Source individual address (big-endian)
//	Byte 2-3: Destination group address (big-endian)
//	Byte 4:   TPCI
//	Byte 5:   APCI (upper 2 bits) | data (lower 6 bits) for short frames
//	Byte 6+:  Data bytes for long frames
//
// The receive format carries a source address the send format lacks.
func ParseTelegram(data []byte) (Telegram, error) {
	if len(data) < indicationHeaderSize {
		return Telegram{}, fmt.Errorf("%w: too short (%d bytes, need at least %d)", ErrInvalidTelegram, len(data), indicationHeaderSize)
	}

	t := Telegram{
		Source:      FormatIndividualAddress(binary.BigEndian.Uint16(data[0:2])),
		Destination: GroupAddressFromUint16(binary.BigEndian.Uint16(data[2:4])),
		APCI:        data[5] & 0xC0,
		Priority:    PriorityLow,
		Timestamp:   time.Now(),
	}

	switch {
	case len(data) > indicationHeaderSize:
		t.Data = make([]byte, len(data)-indicationHeaderSize)
		copy(t.Data, data[indicationHeaderSize:])
	case t.APCI == APCIWrite || t.APCI == APCIResponse:
		t.Data = []byte{data[5] & shortDataMask}
		t.Short = true
	}
	return t, nil
}

// FormatIndividualAddress converts a 16-bit individual address to "A.L.D".
func FormatIndividualAddress(ia uint16) string {
	return fmt.Sprintf("%d.%d.%d", (ia>>12)&0x0F, (ia>>8)&0x0F, ia&0xFF)
}

// ParseIndividualAddress parses "A.L.D" (area 0-15, line 0-15, device 0-255).
func ParseIndividualAddress(s string) (uint16, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 { //nolint:mnd // area.line.device
		return 0, fmt.Errorf("%w: individual address %q", ErrFormat, s)
	}
	limits := [3]uint64{15, 15, 255}
	var vals [3]uint64
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil || n > limits[i] {
			return 0, fmt.Errorf("%w: individual address %q", ErrFormat, s)
		}
		vals[i] = n
	}
	return uint16(vals[0]<<12 | vals[1]<<8 | vals[2]), nil //nolint:gosec // bounded above
}

// Encode encodes the telegram for EIB_GROUP_PACKET on a GROUPCON socket.
//
//	Short APDU: GA(2) + [0x00, APCI|value]
//	Long APDU:  GA(2) + [0x00, APCI] + data
//	Read:       GA(2) + [0x00, 0x00]
func (t Telegram) Encode() []byte {
	return t.appendAPDU(binary.BigEndian.AppendUint16(make([]byte, 0, requestHeaderSize+len(t.Data)), t.Destination.ToUint16()))
}

// EncodeIndication encodes the telegram in the receive format, with the
// given source address prefixed. knxd simulators use it to deliver frames.
func (t Telegram) EncodeIndication(source uint16) []byte {
	buf := make([]byte, 0, indicationHeaderSize+len(t.Data))
	buf = binary.BigEndian.AppendUint16(buf, source)
	buf = binary.BigEndian.AppendUint16(buf, t.Destination.ToUint16())
	return t.appendAPDU(buf)
}

func (t Telegram) appendAPDU(buf []byte) []byte {
	short := t.Short && len(t.Data) == 1 && t.Data[0] <= shortDataMask
	switch {
	case len(t.Data) == 0:
		return append(buf, 0x00, t.APCI)
	case short:
		return append(buf, 0x00, t.APCI|t.Data[0])
	default:
		buf = append(buf, 0x00, t.APCI)
		return append(buf, t.Data...)
	}
}

// IsWrite returns true if this is a group write telegram.
func (t Telegram) IsWrite() bool {
	return t.APCI == APCIWrite
}

// IsRead returns true if this is a group read request.
func (t Telegram) IsRead() bool {
	return t.APCI == APCIRead
}

// IsResponse returns true if this is a group read response.
func (t Telegram) IsResponse() bool {
	return t.APCI == APCIResponse
}

// String returns a human-readable representation of the telegram.
func (t Telegram) String() string {
	apciStr := "UNKNOWN"
	switch t.APCI {
	case APCIRead:
		apciStr = "READ"
	case APCIResponse:
		apciStr = "RESPONSE"
	case APCIWrite:
		apciStr = "WRITE"
	}
	return fmt.Sprintf("Telegram{GA:%s, APCI:%s, Data:%X, Prio:%s}", t.Destination, apciStr, t.Data, t.Priority)
}

// NewWriteTelegram creates a write telegram at low priority.
func NewWriteTelegram(dest GroupAddress, data []byte) Telegram {
	return Telegram{
		Destination: dest,
		APCI:        APCIWrite,
		Data:        data,
		Priority:    PriorityLow,
		Timestamp:   time.Now(),
	}
}

// NewReadTelegram creates a read request telegram at low priority.
func NewReadTelegram(dest GroupAddress) Telegram {
	return Telegram{
		Destination: dest,
		APCI:        APCIRead,
		Priority:    PriorityLow,
		Timestamp:   time.Now(),
	}
}

// NewResponseTelegram creates a read response telegram at low priority.
func NewResponseTelegram(dest GroupAddress, data []byte) Telegram {
	return Telegram{
		Destination: dest,
		APCI:        APCIResponse,
		Data:        data,
		Priority:    PriorityLow,
		Timestamp:   time.Now(),
	}
}

// EncodeKNXDMessage wraps a payload in the knxd message format.
//
//	Byte 0-1: Size of type + payload (big-endian, excludes the size field)
//	Byte 2-3: Message type (big-endian)
//	Byte 4+:  Payload
func EncodeKNXDMessage(msgType uint16, payload []byte) []byte {
	buf := make([]byte, knxdHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(2+len(payload))) //nolint:gosec // bounded by small message sizes
	binary.BigEndian.PutUint16(buf[2:4], msgType)
	copy(buf[4:], payload)
	return buf
}

// ParseKNXDMessage parses one complete knxd message.
func ParseKNXDMessage(data []byte) (msgType uint16, payload []byte, err error) {
	if len(data) < knxdHeaderSize {
		return 0, nil, fmt.Errorf("%w: message too short (%d bytes)", ErrInvalidTelegram, len(data))
	}

	declaredSize := binary.BigEndian.Uint16(data[0:2])
	expectedSize := len(data) - 2
	if int(declaredSize) != expectedSize {
		return 0, nil, fmt.Errorf("%w: size mismatch (declared %d, expected %d)",
			ErrInvalidTelegram, declaredSize, expectedSize)
	}

	msgType = binary.BigEndian.Uint16(data[2:4])
	if len(data) > knxdHeaderSize {
		payload = data[knxdHeaderSize:]
	}
	return msgType, payload, nil
}
