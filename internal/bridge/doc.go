// Package bridge connects a process.Communicator to the daemon's
// infrastructure.
//
// Each component is a process.ProcessListener (or, for commands, an MQTT
// subscriber) that mirrors group communication somewhere else:
//
//   - Publisher publishes every group event to MQTT and keeps a retained
//     state topic per group address.
//   - CommandHandler turns MQTT command messages into group writes.
//   - HistoryRecorder writes every group event to InfluxDB.
//   - GARecorder keeps a SQLite inventory of the group addresses and
//     devices seen on the bus.
//
// Listeners share the communicator's notification goroutine, so components
// that do blocking I/O hand events to a bounded queue and drop them when it
// is full rather than hold up the listeners after them.
package bridge
