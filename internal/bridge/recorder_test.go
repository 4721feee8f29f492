package bridge

import (
	"context"
	"sync"
	"testing"

	"github.com/nerrad567/knx-process/internal/infrastructure/database"
	"github.com/nerrad567/knx-process/internal/process"
	"github.com/nerrad567/knx-process/migrations"
)

func newTestRecorder(t *testing.T) *GARecorder {
	t.Helper()
	db, err := database.Open(database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("database.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	r := NewGARecorder(db.DB, 0)
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	return r
}

func TestGARecorder(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	out := groupEvent(process.EventReadRequest, "1/0/1", nil)
	out.Source = "1.1.1"
	out.Outgoing = true

	r.GroupWrite(groupEvent(process.EventWrite, "1/0/1", []byte{0x00}))
	r.GroupReadRequest(out)
	r.GroupReadResponse(groupEvent(process.EventReadResponse, "1/0/1", []byte{0x01}))
	r.GroupWrite(groupEvent(process.EventWrite, "3/0/1", []byte{0x0C, 0x33}))
	r.Stop()

	gaCount, err := r.GroupAddressCount(ctx)
	if err != nil {
		t.Fatalf("GroupAddressCount() error: %v", err)
	}
	if gaCount != 2 {
		t.Errorf("GroupAddressCount() = %d, want 2", gaCount)
	}

	// Only 1.1.20 sent from the bus; 1.1.1 is our own link.
	devCount, err := r.DeviceCount(ctx)
	if err != nil {
		t.Fatalf("DeviceCount() error: %v", err)
	}
	if devCount != 1 {
		t.Errorf("DeviceCount() = %d, want 1", devCount)
	}

	records, err := r.GroupAddresses(ctx, 10)
	if err != nil {
		t.Fatalf("GroupAddresses() error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("GroupAddresses() returned %d records, want 2", len(records))
	}

	var light GroupAddressRecord
	for _, rec := range records {
		if rec.GroupAddress == "1/0/1" {
			light = rec
		}
	}
	want := GroupAddressRecord{
		GroupAddress:    "1/0/1",
		MessageCount:    3,
		WriteCount:      1,
		ReadCount:       1,
		ResponseCount:   1,
		HasReadResponse: true,
		LastValue:       "01",
		LastSource:      "1.1.20",
	}
	if light.MessageCount != want.MessageCount || light.WriteCount != want.WriteCount ||
		light.ReadCount != want.ReadCount || light.ResponseCount != want.ResponseCount ||
		light.HasReadResponse != want.HasReadResponse || light.LastValue != want.LastValue ||
		light.LastSource != want.LastSource {
		t.Errorf("1/0/1 record = %+v, want %+v", light, want)
	}
	if light.FirstSeen.IsZero() || light.LastSeen.Before(light.FirstSeen) {
		t.Errorf("1/0/1 seen times = %v..%v", light.FirstSeen, light.LastSeen)
	}
}

func TestGARecorderOutgoingResponse(t *testing.T) {
	r := newTestRecorder(t)

	e := groupEvent(process.EventReadResponse, "2/0/1", []byte{0x01})
	e.Outgoing = true
	r.GroupReadResponse(e)
	r.Stop()

	records, err := r.GroupAddresses(context.Background(), 10)
	if err != nil {
		t.Fatalf("GroupAddresses() error: %v", err)
	}
	if len(records) != 1 || records[0].HasReadResponse {
		t.Errorf("records = %+v, want one without has_read_response", records)
	}
}

func TestGARecorderNotStarted(t *testing.T) {
	db, err := database.Open(database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("database.Open() error: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	r := NewGARecorder(db.DB, 0)
	r.GroupWrite(groupEvent(process.EventWrite, "1/0/1", []byte{0x01}))
	r.Stop()

	count, err := r.GroupAddressCount(context.Background())
	if err != nil {
		t.Fatalf("GroupAddressCount() error: %v", err)
	}
	if count != 0 {
		t.Errorf("GroupAddressCount() = %d, want 0 before Start", count)
	}
}

// warnLogger counts warnings.
type warnLogger struct {
	noopLogger
	mu    sync.Mutex
	warns []string
}

func (l *warnLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func TestGARecorderStopTwice(t *testing.T) {
	r := newTestRecorder(t)
	logger := &warnLogger{}
	r.SetLogger(logger)

	r.Stop()
	r.Stop()
	for range 3 {
		r.GroupWrite(groupEvent(process.EventWrite, "1/0/1", []byte{0x01}))
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.warns) != 0 {
		t.Errorf("events after Stop logged warnings %q, want none", logger.warns)
	}
	count, err := r.GroupAddressCount(context.Background())
	if err != nil {
		t.Fatalf("GroupAddressCount() error: %v", err)
	}
	if count != 0 {
		t.Errorf("GroupAddressCount() = %d, want 0 for events after Stop", count)
	}
}
