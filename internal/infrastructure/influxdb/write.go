package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementGroupEvent is the measurement every group event is written to.
const MeasurementGroupEvent = "knx_group_event"

// GroupEventPoint is one observed group event in storage form.
type GroupEventPoint struct {
	// Tags (low cardinality).
	GroupAddress string
	Kind         string
	Source       string
	DPT          string
	Name         string
	Outgoing     bool

	// Raw is the payload as upper-case hex.
	Raw string

	// Value is the decoded numeric value, if the payload has one.
	Value *float64

	// Text is the decoded value as text, if the datapoint type is known.
	Text string

	Time time.Time
}

// WriteGroupEvent queues one knx_group_event point. It never blocks; batch
// failures are counted in Stats and passed to the SetOnError callback.
func (c *Client) WriteGroupEvent(e GroupEventPoint) {
	if !c.IsConnected() {
		return
	}
	c.queued.Add(1)
	c.writeAPI.WritePoint(groupEventPoint(e))
}

func groupEventPoint(e GroupEventPoint) *write.Point {
	tags := map[string]string{
		"ga":   e.GroupAddress,
		"kind": e.Kind,
	}
	if e.Source != "" {
		tags["source"] = e.Source
	}
	if e.DPT != "" {
		tags["dpt"] = e.DPT
	}
	if e.Name != "" {
		tags["name"] = e.Name
	}
	if e.Outgoing {
		tags["direction"] = "out"
	} else {
		tags["direction"] = "in"
	}

	fields := map[string]any{
		"raw": e.Raw,
	}
	if e.Value != nil {
		fields["value"] = *e.Value
	}
	if e.Text != "" {
		fields["text"] = e.Text
	}

	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(MeasurementGroupEvent, tags, fields, ts)
}
