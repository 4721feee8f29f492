// Package knx implements the KNX group communication protocol layer.
//
// It provides the value types (group addresses, priorities), the datapoint
// type codec, the telegram wire format spoken by knxd, and the Link
// abstraction the process communicator sends and receives frames through.
//
// # Links
//
// Two Link implementations are provided:
//
//	┌──────────────┐   Send/Subscribe   ┌──────────────┐   GROUPCON
//	│ Communicator │◄──────────────────►│   KNXDLink   │◄──────────► knxd ─► KNX bus
//	└──────────────┘                    └──────────────┘
//
//	┌──────────────┐                    ┌────────────────┐
//	│ Communicator │◄──────────────────►│  VirtualLink   │◄─┐
//	└──────────────┘                    └────────────────┘  │ VirtualNetwork
//	┌──────────────┐                    ┌────────────────┐  │ (+ responder)
//	│ Communicator │◄──────────────────►│  VirtualLink   │◄─┘
//	└──────────────┘                    └────────────────┘
//
// Every link delivers observed frames to its subscribers from one goroutine
// in arrival order, and echoes frames it sent with Telegram.Outgoing set.
//
// # Group Addresses
//
// Group addresses are parsed from the 3-level ("1/2/3"), 2-level ("1/515")
// or raw ("2563") form and always print in 3-level form:
//
//	addr, err := knx.ParseGroupAddress("1/2/3")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(addr.String()) // "1/2/3"
//
// # Datapoint Types
//
//   - DPT 1.xxx: 1-bit (switch, bool, up/down)
//   - DPT 3.xxx: 4-bit control (dimming, blinds)
//   - DPT 5.xxx: 1-byte unsigned (percentage, angle, raw)
//   - DPT 9.xxx: 2-byte float (temperature, lux)
//   - DPT 14.xxx: 4-byte IEEE float
//   - DPT 16.xxx: 14-byte string
//   - DPT 17/18.xxx: scene number and scene control
//   - DPT 232.600: 3-byte RGB colour
//
// Encode, Decode, ParseValue and FormatValue dispatch on the DPT main number.
// All codec failures wrap ErrFormat.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
//
// # References
//
//   - KNX Specification: https://www.knx.org
//   - knxd daemon: https://github.com/knxd/knxd
package knx
