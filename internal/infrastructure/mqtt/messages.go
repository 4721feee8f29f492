package mqtt

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// maxPayloadSize caps outgoing payloads at 1 MiB.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic. Retained messages are kept by the broker
// and handed to later subscribers, which suits state topics but not events
// or commands.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	err := wait(c.client.Publish(topic, qos, retained, payload), defaultPublishTimeout, ErrPublishFailed)
	if err != nil {
		c.publishErrors.Add(1)
		return err
	}
	c.published.Add(1)
	return nil
}

// Subscribe routes messages matching the topic filter to handler. Filters
// may use the + and # wildcards. The subscription is restored after every
// reconnect; subscribing to the same filter again replaces the handler.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subs[topic] = route{qos: qos, handler: handler}
	c.subMu.Unlock()

	if err := wait(c.client.Subscribe(topic, qos, c.deliver(handler)), defaultPublishTimeout, ErrSubscribeFailed); err != nil {
		c.subMu.Lock()
		delete(c.subs, topic)
		c.subMu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe drops the subscription for the topic filter. Messages already
// in flight may still reach the handler.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	delete(c.subs, topic)
	c.subMu.Unlock()

	return wait(c.client.Unsubscribe(topic), defaultPublishTimeout, ErrSubscribeFailed)
}

// deliver wraps handler with counting, error logging and panic recovery.
func (c *Client) deliver(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.received.Add(1)
		logger := c.hooks().logger
		defer func() {
			if r := recover(); r != nil {
				c.handlerErrors.Add(1)
				if logger != nil {
					logger.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.handlerErrors.Add(1)
			if logger != nil {
				logger.Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
			}
		}
	}
}

func checkTopic(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return fmt.Errorf("%w: got %d", ErrInvalidQoS, qos)
	}
	return nil
}

// wait blocks on a paho token and wraps a timeout or broker error in
// sentinel.
func wait(token pahomqtt.Token, timeout time.Duration, sentinel error) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: no acknowledgement within %v", sentinel, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}
