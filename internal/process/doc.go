// Package process implements KNX process communication: typed group reads
// and writes over a shared knx.Link.
//
// The Communicator correlates read requests with the responses that arrive
// asynchronously on the link. Responses are matched by destination group
// address, so at most one read request per address is in flight per
// communicator; concurrent reads of the same address share it. Reads of
// different addresses never wait on each other.
//
// Every telegram observed on the link, inbound or sent, is delivered to the
// registered ProcessListeners as a GroupEvent.
//
// Example usage:
//
//	pc, err := process.New(link)
//	if err != nil {
//	    return err
//	}
//	defer pc.Detach()
//
//	if err := pc.WriteBool(ctx, knx.MustGroupAddress("1/0/1"), true); err != nil {
//	    return err
//	}
//	temp, err := pc.ReadFloat(ctx, knx.MustGroupAddress("3/0/1"))
//
// # Errors
//
//   - knx.ErrFormat: bad address, value out of range for its DPT, oversized string
//   - ErrTimeout (wraps knx.ErrProtocol): no response within the response timeout
//   - ErrInvalidArgument: bad configuration value or nil link
//   - ErrDetached (wraps ErrIllegalState): the communicator has been detached
//   - link errors are returned unchanged
package process
