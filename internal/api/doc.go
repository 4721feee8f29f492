// Package api implements the HTTP REST API and WebSocket server of the KNX
// process daemon.
//
// This package provides:
//   - REST endpoints to read and write group addresses and configured
//     datapoints through the process communicator
//   - A read-only view of the recorded group address inventory
//   - WebSocket hub streaming group events as they are observed
//   - Middleware stack (request ID, logging, recovery, CORS)
//   - Optional HS256 bearer tokens on bus writes and the WebSocket stream
//
// # Error Mapping
//
// Communicator errors map to HTTP status codes: format and argument errors
// are 400, a read timeout is 504, a detached communicator is 503 and link
// failures are 502.
//
// # Graceful Degradation
//
// The inventory endpoint needs the SQLite recorder; without it the endpoint
// answers 503 and everything else keeps working.
package api
