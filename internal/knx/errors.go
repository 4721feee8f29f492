package knx

import (
	"errors"
	"fmt"
)

// Root error kinds. Every format problem (bad address string, value outside
// an encoding's range, oversized string, short payload) wraps ErrFormat;
// every bus-level failure that is not a transport error wraps ErrProtocol.
var (
	// ErrFormat is the parent of all format errors.
	ErrFormat = errors.New("knx: format error")

	// ErrProtocol is the parent of protocol-level errors such as response
	// timeouts raised by higher layers.
	ErrProtocol = errors.New("knx: protocol error")
)

// Domain errors for the KNX protocol package.
var (
	// ErrNotConnected is returned when an operation requires a connection
	// but the link is not connected to knxd.
	ErrNotConnected = errors.New("knx: not connected to knxd")

	// ErrConnectionFailed is returned when the connection to knxd fails.
	ErrConnectionFailed = errors.New("knx: connection to knxd failed")

	// ErrLinkClosed is returned by Send after the link has been closed.
	ErrLinkClosed = errors.New("knx: link closed")

	// ErrInvalidGroupAddress is returned when a group address string
	// cannot be parsed or a component is out of range.
	ErrInvalidGroupAddress = fmt.Errorf("%w: invalid group address", ErrFormat)

	// ErrInvalidDPT is returned when a datapoint type identifier is invalid
	// or not supported by the codec.
	ErrInvalidDPT = fmt.Errorf("%w: invalid datapoint type", ErrFormat)

	// ErrEncodingFailed is returned when encoding a value to KNX format fails.
	ErrEncodingFailed = fmt.Errorf("%w: encoding failed", ErrFormat)

	// ErrDecodingFailed is returned when decoding KNX data to a value fails.
	ErrDecodingFailed = fmt.Errorf("%w: decoding failed", ErrFormat)

	// ErrInvalidPriority is returned when a priority name or value is unknown.
	ErrInvalidPriority = fmt.Errorf("%w: invalid priority", ErrFormat)

	// ErrTelegramFailed is returned when sending a telegram to the bus fails.
	ErrTelegramFailed = errors.New("knx: telegram send failed")

	// ErrInvalidTelegram is returned when a received telegram is malformed.
	ErrInvalidTelegram = errors.New("knx: invalid telegram")

	// ErrProtocolDesync is returned when the knxd stream framing is lost and
	// the connection must be re-established.
	ErrProtocolDesync = errors.New("knx: protocol desync")
)
