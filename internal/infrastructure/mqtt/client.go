package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/knx-process/internal/infrastructure/config"
)

// Logger is the subset of logging.Logger the client uses.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler handles one received message. A returned error is logged
// and counted; the message is acknowledged either way.
type MessageHandler func(topic string, payload []byte) error

// Stats holds broker connection and traffic counters.
type Stats struct {
	Connected       bool   `json:"connected"`
	Connects        uint64 `json:"connects"`
	ConnectionsLost uint64 `json:"connections_lost"`
	Published       uint64 `json:"published"`
	PublishErrors   uint64 `json:"publish_errors"`
	Received        uint64 `json:"received"`
	HandlerErrors   uint64 `json:"handler_errors"`
	Subscriptions   int    `json:"subscriptions"`
}

// Client is a paho MQTT client that keeps the daemon's status topic
// current, restores its subscriptions after every reconnect and counts what
// it does.
//
// All methods are safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig

	connected atomic.Bool

	subMu sync.Mutex
	subs  map[string]route // keyed by topic filter

	hookMu       sync.Mutex
	onConnect    func()
	onDisconnect func(error)
	logger       Logger

	connects      atomic.Uint64
	lost          atomic.Uint64
	published     atomic.Uint64
	publishErrors atomic.Uint64
	received      atomic.Uint64
	handlerErrors atomic.Uint64
}

// route is one subscription as requested by the caller.
type route struct {
	qos     byte
	handler MessageHandler
}

func newClient(cfg config.MQTTConfig) *Client {
	return &Client{cfg: cfg, subs: make(map[string]route)}
}

// Connect dials the broker described by cfg and waits for the first
// session. The Last Will on knxproc/status reports the daemon offline if
// it disappears without calling Close.
//
// Returns ErrConnectionFailed if the broker cannot be reached in time.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := newClient(cfg)

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.sessionUp() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.sessionDown(err) })

	c.client = pahomqtt.NewClient(opts)
	if err := wait(c.client.Connect(), defaultConnectTimeout, ErrConnectionFailed); err != nil {
		return nil, err
	}
	// The on-connect handler runs on its own goroutine and may lag.
	c.connected.Store(true)
	return c, nil
}

// sessionUp runs on every successful connect, including reconnects.
func (c *Client) sessionUp() {
	c.connected.Store(true)
	c.connects.Add(1)

	c.subMu.Lock()
	for topic, r := range c.subs {
		c.client.Subscribe(topic, r.qos, c.deliver(r.handler))
	}
	c.subMu.Unlock()

	c.client.Publish(Topics{}.Status(), c.QoS(), true, statusPayload(c.cfg.Broker.ClientID, "online", ""))

	if hook := c.hooks().onConnect; hook != nil {
		hook()
	}
}

func (c *Client) sessionDown(err error) {
	c.connected.Store(false)
	c.lost.Add(1)

	h := c.hooks()
	if h.logger != nil {
		h.logger.Warn("MQTT connection lost", "error", err)
	}
	if h.onDisconnect != nil {
		h.onDisconnect(err)
	}
}

type hooks struct {
	onConnect    func()
	onDisconnect func(error)
	logger       Logger
}

func (c *Client) hooks() hooks {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	return hooks{onConnect: c.onConnect, onDisconnect: c.onDisconnect, logger: c.logger}
}

// SetOnConnect sets a callback run after every (re)connect.
func (c *Client) SetOnConnect(fn func()) {
	c.hookMu.Lock()
	c.onConnect = fn
	c.hookMu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection drops.
func (c *Client) SetOnDisconnect(fn func(error)) {
	c.hookMu.Lock()
	c.onDisconnect = fn
	c.hookMu.Unlock()
}

// SetLogger sets the logger for connection loss and handler failures.
func (c *Client) SetLogger(logger Logger) {
	c.hookMu.Lock()
	c.logger = logger
	c.hookMu.Unlock()
}

// Close reports the daemon offline on the status topic and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		token := c.client.Publish(Topics{}.Status(), c.QoS(), true,
			statusPayload(c.cfg.Broker.ClientID, "offline", "graceful_shutdown"))
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck returns ErrNotConnected while the broker is unreachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether a broker session is up.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// QoS returns the configured default QoS level.
func (c *Client) QoS() byte {
	return byte(c.cfg.QoS) //nolint:gosec // validated to 0-2 by config
}

// Stats returns current counters.
func (c *Client) Stats() Stats {
	c.subMu.Lock()
	subs := len(c.subs)
	c.subMu.Unlock()

	return Stats{
		Connected:       c.IsConnected(),
		Connects:        c.connects.Load(),
		ConnectionsLost: c.lost.Load(),
		Published:       c.published.Load(),
		PublishErrors:   c.publishErrors.Load(),
		Received:        c.received.Load(),
		HandlerErrors:   c.handlerErrors.Load(),
		Subscriptions:   subs,
	}
}
