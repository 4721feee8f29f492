package mqtt

import "errors"

// Errors returned by Client. Broker failures wrap the matching sentinel
// together with the paho error.
var (
	ErrNotConnected     = errors.New("mqtt: not connected")
	ErrConnectionFailed = errors.New("mqtt: connect failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscription change failed")
	ErrInvalidQoS       = errors.New("mqtt: qos must be 0, 1 or 2")
	ErrInvalidTopic     = errors.New("mqtt: empty topic")
	ErrPayloadTooLarge  = errors.New("mqtt: payload too large")
)
