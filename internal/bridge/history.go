package bridge

import (
	"github.com/nerrad567/knx-process/internal/infrastructure/influxdb"
	"github.com/nerrad567/knx-process/internal/knx"
	"github.com/nerrad567/knx-process/internal/process"
)

// PointWriter is the part of the InfluxDB client the HistoryRecorder uses.
// WriteGroupEvent must not block.
type PointWriter interface {
	WriteGroupEvent(p influxdb.GroupEventPoint)
}

// Ensure HistoryRecorder implements process.ProcessListener.
var _ process.ProcessListener = (*HistoryRecorder)(nil)

// HistoryRecorder writes every group event to InfluxDB. The InfluxDB
// client batches writes itself, so events are written synchronously.
type HistoryRecorder struct {
	writer  PointWriter
	catalog *process.Catalog
	logger  Logger
}

// NewHistoryRecorder creates a recorder writing to w. catalog may be nil.
func NewHistoryRecorder(w PointWriter, catalog *process.Catalog) *HistoryRecorder {
	return &HistoryRecorder{writer: w, catalog: catalog, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (r *HistoryRecorder) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// GroupReadRequest implements process.ProcessListener.
func (r *HistoryRecorder) GroupReadRequest(e process.GroupEvent) { r.record(e) }

// GroupReadResponse implements process.ProcessListener.
func (r *HistoryRecorder) GroupReadResponse(e process.GroupEvent) { r.record(e) }

// GroupWrite implements process.ProcessListener.
func (r *HistoryRecorder) GroupWrite(e process.GroupEvent) { r.record(e) }

// Detached implements process.ProcessListener.
func (r *HistoryRecorder) Detached(e process.DetachEvent) {
	r.logger.Info("communicator detached, history recording stopped", "communicator", e.Communicator)
}

func (r *HistoryRecorder) record(e process.GroupEvent) {
	r.writer.WriteGroupEvent(groupEventPoint(r.catalog, e))
}

func groupEventPoint(catalog *process.Catalog, e process.GroupEvent) influxdb.GroupEventPoint {
	p := influxdb.GroupEventPoint{
		GroupAddress: e.Destination.String(),
		Kind:         e.Kind.String(),
		Source:       e.Source,
		Outgoing:     e.Outgoing,
		Raw:          rawHex(e.Data),
		Time:         e.Time,
	}
	dp, ok := catalog.ByAddress(e.Destination)
	if !ok {
		return p
	}
	p.DPT = string(dp.DPT)
	p.Name = dp.Name
	if e.Kind == process.EventReadRequest {
		return p
	}
	if v, ok := numericValue(dp.DPT, e.Data); ok {
		p.Value = &v
	} else if text, err := knx.FormatValue(dp.DPT, e.Data); err == nil {
		p.Text = text
	}
	return p
}
