package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "knxproc"

// processCollector exports communicator, command, WebSocket, MQTT,
// InfluxDB and log counters. Values are read at scrape time, so nothing on
// the bus path touches Prometheus.
type processCollector struct {
	s *Server

	reads          *prometheus.Desc
	readTimeouts   *prometheus.Desc
	writes         *prometheus.Desc
	events         *prometheus.Desc
	queuedEvents   *prometheus.Desc
	listenerPanics *prometheus.Desc
	listeners      *prometheus.Desc
	pending        *prometheus.Desc
	detached       *prometheus.Desc
	commands       *prometheus.Desc
	wsClients      *prometheus.Desc
	logEntries     *prometheus.Desc

	mqttConnected     *prometheus.Desc
	mqttLost          *prometheus.Desc
	mqttPublished     *prometheus.Desc
	mqttPublishErrors *prometheus.Desc
	mqttReceived      *prometheus.Desc
	mqttHandlerErrors *prometheus.Desc

	influxPoints      *prometheus.Desc
	influxWriteErrors *prometheus.Desc
}

func newProcessCollector(s *Server) *processCollector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, subsystem, name), help, labels, nil)
	}
	return &processCollector{
		s:              s,
		reads:          desc("process", "reads_total", "Group value reads issued."),
		readTimeouts:   desc("process", "read_timeouts_total", "Group value reads that timed out."),
		writes:         desc("process", "writes_total", "Group value writes sent."),
		events:         desc("process", "events_total", "Group events observed by the communicator."),
		queuedEvents:   desc("process", "queued_events", "Group events waiting for listener delivery."),
		listenerPanics: desc("process", "listener_panics_total", "Listener panics recovered."),
		listeners:      desc("process", "listeners", "Registered process listeners."),
		pending:        desc("process", "pending_reads", "Reads waiting for a response."),
		detached:       desc("process", "detached", "1 once the communicator has lost its link."),
		commands:       desc("commands", "total", "Write commands from MQTT and the REST API.", "status"),
		wsClients:      desc("websocket", "clients", "Connected WebSocket clients."),
		logEntries:     desc("log", "entries_total", "Log entries written.", "level"),

		mqttConnected:     desc("mqtt", "connected", "1 while the broker session is up."),
		mqttLost:          desc("mqtt", "connections_lost_total", "Broker connections lost."),
		mqttPublished:     desc("mqtt", "published_total", "Messages published."),
		mqttPublishErrors: desc("mqtt", "publish_errors_total", "Publishes that failed."),
		mqttReceived:      desc("mqtt", "received_total", "Messages received on subscriptions."),
		mqttHandlerErrors: desc("mqtt", "handler_errors_total", "Received messages whose handler failed."),

		influxPoints:      desc("influxdb", "points_total", "Points queued for writing."),
		influxWriteErrors: desc("influxdb", "write_errors_total", "Batches rejected by the server."),
	}
}

// Describe implements prometheus.Collector.
func (c *processCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.reads, c.readTimeouts, c.writes, c.events, c.queuedEvents, c.listenerPanics,
		c.listeners, c.pending, c.detached, c.commands, c.wsClients, c.logEntries,
		c.mqttConnected, c.mqttLost, c.mqttPublished, c.mqttPublishErrors, c.mqttReceived, c.mqttHandlerErrors,
		c.influxPoints, c.influxWriteErrors,
	} {
		ch <- d
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Collect implements prometheus.Collector.
func (c *processCollector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	st := c.s.process.Stats()
	counter(c.reads, st.Reads)
	counter(c.readTimeouts, st.ReadTimeouts)
	counter(c.writes, st.Writes)
	counter(c.events, st.Events)
	gauge(c.queuedEvents, float64(st.QueuedEvents))
	counter(c.listenerPanics, st.ListenerPanics)
	gauge(c.listeners, float64(st.Listeners))
	gauge(c.pending, float64(st.Pending))
	gauge(c.detached, boolGauge(st.Detached))
	counter(c.commands, c.s.commands.Handled(), "handled")
	counter(c.commands, c.s.commands.Failed(), "failed")
	gauge(c.wsClients, float64(c.s.hub.ClientCount()))

	logs := c.s.logger.Entries()
	counter(c.logEntries, logs.Debug, "debug")
	counter(c.logEntries, logs.Info, "info")
	counter(c.logEntries, logs.Warn, "warn")
	counter(c.logEntries, logs.Error, "error")

	if c.s.mqtt != nil {
		m := c.s.mqtt.Stats()
		gauge(c.mqttConnected, boolGauge(m.Connected))
		counter(c.mqttLost, m.ConnectionsLost)
		counter(c.mqttPublished, m.Published)
		counter(c.mqttPublishErrors, m.PublishErrors)
		counter(c.mqttReceived, m.Received)
		counter(c.mqttHandlerErrors, m.HandlerErrors)
	}
	if c.s.influx != nil {
		i := c.s.influx.Stats()
		counter(c.influxPoints, i.PointsQueued)
		counter(c.influxWriteErrors, i.WriteErrors)
	}
}

// newRegistry builds the registry served on /metrics: daemon counters
// plus the standard Go runtime and process collectors.
func newRegistry(s *Server) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newProcessCollector(s),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// prometheusHandler serves the registry in the Prometheus exposition format.
func (s *Server) prometheusHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          promErrorLog{s},
	})
}

// promErrorLog adapts the server logger to promhttp.Logger.
type promErrorLog struct{ s *Server }

func (l promErrorLog) Println(v ...any) {
	l.s.logger.Error("prometheus scrape error", "detail", v)
}
