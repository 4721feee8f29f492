package bridge

import (
	"encoding/json"
	"errors"

	"github.com/nerrad567/knx-process/internal/infrastructure/mqtt"
	"github.com/nerrad567/knx-process/internal/process"
)

// MQTTPublisher is the part of the MQTT client the Publisher uses.
type MQTTPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// QoS is used for every published message.
	QoS byte

	// QueueSize bounds the number of events waiting to be published.
	QueueSize int
}

// Ensure Publisher implements process.ProcessListener.
var _ process.ProcessListener = (*Publisher)(nil)

// Publisher mirrors group communication to MQTT.
//
// Every event is published to knxproc/event/{kind}/{ga}. Writes and read
// responses also update the retained knxproc/state/{ga} topic, so new
// subscribers see the last known value of each address.
type Publisher struct {
	client  MQTTPublisher
	catalog *process.Catalog
	qos     byte
	logger  Logger
	queue   *queue
}

// NewPublisher creates a Publisher and starts its worker. catalog may be
// nil; events for unknown addresses are published raw.
func NewPublisher(client MQTTPublisher, catalog *process.Catalog, cfg PublisherConfig) *Publisher {
	p := &Publisher{
		client:  client,
		catalog: catalog,
		qos:     cfg.QoS,
		logger:  noopLogger{},
	}
	p.queue = newQueue(cfg.QueueSize, p.publish)
	return p
}

// SetLogger sets the logger. Call before registering the publisher.
func (p *Publisher) SetLogger(logger Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (p *Publisher) Dropped() uint64 {
	return p.queue.dropped.Load()
}

// Close publishes the queued events and stops the worker.
func (p *Publisher) Close() {
	p.queue.close()
}

// GroupReadRequest implements process.ProcessListener.
func (p *Publisher) GroupReadRequest(e process.GroupEvent) { p.enqueue(e) }

// GroupReadResponse implements process.ProcessListener.
func (p *Publisher) GroupReadResponse(e process.GroupEvent) { p.enqueue(e) }

// GroupWrite implements process.ProcessListener.
func (p *Publisher) GroupWrite(e process.GroupEvent) { p.enqueue(e) }

// Detached implements process.ProcessListener.
func (p *Publisher) Detached(e process.DetachEvent) {
	p.logger.Info("communicator detached, MQTT event publishing stopped", "communicator", e.Communicator)
}

func (p *Publisher) enqueue(e process.GroupEvent) {
	if err := p.queue.push(e); errors.Is(err, errQueueFull) {
		p.logger.Warn("MQTT publish queue full, event dropped", "event", e.String())
	}
}

func (p *Publisher) publish(e process.GroupEvent) {
	msg := NewEventMessage(p.catalog, e)
	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("encoding event message", "error", err)
		return
	}

	ga := e.Destination.String()
	if err := p.client.Publish(mqtt.Topics{}.Event(msg.Type, ga), payload, p.qos, false); err != nil {
		p.logger.Warn("publishing event", "ga", ga, "error", err)
	}

	if e.Kind == process.EventReadRequest {
		return
	}
	if err := p.client.Publish(mqtt.Topics{}.State(ga), payload, p.qos, true); err != nil {
		p.logger.Warn("publishing state", "ga", ga, "error", err)
	}
}
