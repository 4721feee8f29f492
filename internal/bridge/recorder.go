package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/knx-process/internal/process"
)

// GroupAddressRecord is one row of the group address inventory.
type GroupAddressRecord struct {
	GroupAddress    string    `json:"ga"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	MessageCount    int       `json:"message_count"`
	WriteCount      int       `json:"write_count"`
	ReadCount       int       `json:"read_count"`
	ResponseCount   int       `json:"response_count"`
	HasReadResponse bool      `json:"has_read_response"`
	LastValue       string    `json:"last_value,omitempty"`
	LastSource      string    `json:"last_source,omitempty"`
}

// Ensure GARecorder implements process.ProcessListener.
var _ process.ProcessListener = (*GARecorder)(nil)

// GARecorder passively records the group addresses and device individual
// addresses seen on the bus, building an inventory over time.
//
// The database must have the knx_group_addresses and knx_devices tables
// created (see the migrations package).
//
// Thread Safety: All methods are safe for concurrent use.
type GARecorder struct {
	db     *sql.DB
	logger Logger

	// Prepared statements for upserts (created once, reused)
	gaUpsertStmt     *sql.Stmt
	deviceUpsertStmt *sql.Stmt
	stmtMu           sync.Mutex

	queue     *queue
	queueSize int
}

// NewGARecorder creates a recorder. queueSize bounds the events waiting to
// be written; zero selects a default.
func NewGARecorder(db *sql.DB, queueSize int) *GARecorder {
	return &GARecorder{
		db:        db,
		logger:    noopLogger{},
		queueSize: queueSize,
	}
}

// SetLogger sets the logger for the recorder.
func (r *GARecorder) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Start prepares the statements and starts the writer.
// Must be called before the recorder is registered as a listener.
func (r *GARecorder) Start() error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.gaUpsertStmt != nil {
		return nil // Already started
	}

	gaStmt, err := r.db.Prepare(`
		INSERT INTO knx_group_addresses (
			group_address, first_seen, last_seen, message_count,
			write_count, read_count, response_count, has_read_response,
			last_value, last_source
		)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_address) DO UPDATE SET
			last_seen = excluded.last_seen,
			message_count = message_count + 1,
			write_count = write_count + excluded.write_count,
			read_count = read_count + excluded.read_count,
			response_count = response_count + excluded.response_count,
			has_read_response = MAX(has_read_response, excluded.has_read_response),
			last_value = COALESCE(excluded.last_value, last_value),
			last_source = COALESCE(excluded.last_source, last_source)
	`)
	if err != nil {
		return fmt.Errorf("preparing GA upsert statement: %w", err)
	}

	deviceStmt, err := r.db.Prepare(`
		INSERT INTO knx_devices (individual_address, first_seen, last_seen, message_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(individual_address) DO UPDATE SET
			last_seen = excluded.last_seen,
			message_count = message_count + 1
	`)
	if err != nil {
		gaStmt.Close()
		return fmt.Errorf("preparing device upsert statement: %w", err)
	}

	r.gaUpsertStmt = gaStmt
	r.deviceUpsertStmt = deviceStmt
	r.queue = newQueue(r.queueSize, r.record)
	r.logger.Info("GA recorder started")
	return nil
}

// Stop writes the queued events and releases the statements.
func (r *GARecorder) Stop() {
	r.stmtMu.Lock()
	q := r.queue
	r.queue = nil
	r.stmtMu.Unlock()
	if q == nil {
		return
	}
	q.close()

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()
	if r.gaUpsertStmt != nil {
		r.gaUpsertStmt.Close()
		r.gaUpsertStmt = nil
	}
	if r.deviceUpsertStmt != nil {
		r.deviceUpsertStmt.Close()
		r.deviceUpsertStmt = nil
	}
	r.logger.Info("GA recorder stopped")
}

// GroupReadRequest implements process.ProcessListener.
func (r *GARecorder) GroupReadRequest(e process.GroupEvent) { r.enqueue(e) }

// GroupReadResponse implements process.ProcessListener.
func (r *GARecorder) GroupReadResponse(e process.GroupEvent) { r.enqueue(e) }

// GroupWrite implements process.ProcessListener.
func (r *GARecorder) GroupWrite(e process.GroupEvent) { r.enqueue(e) }

// Detached implements process.ProcessListener.
func (r *GARecorder) Detached(process.DetachEvent) {}

func (r *GARecorder) enqueue(e process.GroupEvent) {
	r.stmtMu.Lock()
	q := r.queue
	r.stmtMu.Unlock()
	if q == nil {
		return // Not started or stopped
	}
	if err := q.push(e); errors.Is(err, errQueueFull) {
		r.logger.Warn("GA recorder queue full, event dropped", "event", e.String())
	}
}

// record writes one event. Runs on the queue goroutine.
func (r *GARecorder) record(e process.GroupEvent) {
	r.stmtMu.Lock()
	gaStmt := r.gaUpsertStmt
	deviceStmt := r.deviceUpsertStmt
	r.stmtMu.Unlock()
	if gaStmt == nil || deviceStmt == nil {
		return
	}

	now := e.Time.Unix()

	// Frames we sent carry our own address; only bus devices are recorded.
	// 0.0.0 is invalid as a sender.
	if !e.Outgoing && e.Source != "" && e.Source != "0.0.0" {
		if _, err := deviceStmt.Exec(e.Source, now, now); err != nil {
			r.logger.Error("recording device", "error", err)
		}
	}

	var writes, reads, responses, hasResponse int
	var lastValue any
	switch e.Kind {
	case process.EventWrite:
		writes = 1
		lastValue = rawHex(e.Data)
	case process.EventReadRequest:
		reads = 1
	case process.EventReadResponse:
		responses = 1
		lastValue = rawHex(e.Data)
		if !e.Outgoing {
			hasResponse = 1
		}
	}
	var lastSource any
	if e.Source != "" {
		lastSource = e.Source
	}

	if _, err := gaStmt.Exec(e.Destination.String(), now, now,
		writes, reads, responses, hasResponse, lastValue, lastSource); err != nil {
		r.logger.Error("recording GA", "error", err)
	}
}

// GroupAddresses returns up to limit recorded group addresses, most
// recently seen first.
func (r *GARecorder) GroupAddresses(ctx context.Context, limit int) ([]GroupAddressRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT group_address, first_seen, last_seen, message_count,
			write_count, read_count, response_count, has_read_response,
			COALESCE(last_value, ''), COALESCE(last_source, '')
		FROM knx_group_addresses
		ORDER BY last_seen DESC, group_address ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []GroupAddressRecord
	for rows.Next() {
		var rec GroupAddressRecord
		var first, last int64
		if err := rows.Scan(&rec.GroupAddress, &first, &last, &rec.MessageCount,
			&rec.WriteCount, &rec.ReadCount, &rec.ResponseCount, &rec.HasReadResponse,
			&rec.LastValue, &rec.LastSource); err != nil {
			return nil, err
		}
		rec.FirstSeen = time.Unix(first, 0).UTC()
		rec.LastSeen = time.Unix(last, 0).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GroupAddressCount returns the number of discovered group addresses.
func (r *GARecorder) GroupAddressCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knx_group_addresses`).Scan(&count)
	return count, err
}

// DeviceCount returns the number of discovered devices.
func (r *GARecorder) DeviceCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knx_devices`).Scan(&count)
	return count, err
}
