// Package database provides SQLite storage for the KNX process daemon.
//
// The daemon keeps a small local record of the group addresses and devices
// it has seen on the bus. This package owns the connection and the schema;
// the recorder in internal/bridge owns the queries.
//
// # Connection
//
// SQLite allows one writer at a time, so the pool is limited to a single
// connection. WAL mode lets readers proceed during a write.
//
//	db, err := database.Open(database.Config{Path: "./data/knxprocess.db", WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
// # Migrations
//
// Migrations are plain SQL files named YYYYMMDD_HHMMSS_description.up.sql
// (with an optional matching .down.sql). They are read from any fs.FS,
// normally the one embedded by the migrations package:
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Applied versions are recorded in the schema_migrations table, so
// Migrate is safe to call on every start.
package database
