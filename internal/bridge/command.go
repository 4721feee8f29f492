package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/knx-process/internal/infrastructure/mqtt"
	"github.com/nerrad567/knx-process/internal/knx"
	"github.com/nerrad567/knx-process/internal/process"
)

// commandTimeout bounds one command's write.
const commandTimeout = 5 * time.Second

// ErrInvalidCommand is returned for a command that cannot be executed as
// given: unknown topic, malformed JSON, missing type or bad value.
var ErrInvalidCommand = fmt.Errorf("%w: invalid command", process.ErrInvalidArgument)

// GroupWriter is the part of process.Communicator used to execute commands.
type GroupWriter interface {
	WriteWithPriority(ctx context.Context, ga knx.GroupAddress, dpt knx.DPT, value any, p knx.Priority) error
	Priority() knx.Priority
}

// MQTTSubscriber is the part of the MQTT client the CommandHandler uses.
type MQTTSubscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// CommandMessage is a write request for one group address.
//
// Value is either the text form accepted by knx.ParseValue ("on", "21.5",
// "#FF8000") or a JSON number or boolean. DPT may be omitted when the
// address has a configured datapoint. Priority defaults to the
// communicator's priority.
//
// Example:
//
//	{"value": 21.5, "dpt": "9.001", "priority": "normal"}
type CommandMessage struct {
	Value    json.RawMessage `json:"value"`
	DPT      string          `json:"dpt,omitempty"`
	Priority string          `json:"priority,omitempty"`
}

// CommandHandler executes write commands received over MQTT or HTTP.
//
// Thread Safety: All methods are safe for concurrent use.
type CommandHandler struct {
	writer  GroupWriter
	catalog *process.Catalog
	logger  Logger

	handled atomic.Uint64
	failed  atomic.Uint64
}

// NewCommandHandler creates a handler writing through w. catalog may be nil.
func NewCommandHandler(w GroupWriter, catalog *process.Catalog) *CommandHandler {
	return &CommandHandler{
		writer:  w,
		catalog: catalog,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger.
func (h *CommandHandler) SetLogger(logger Logger) {
	if logger != nil {
		h.logger = logger
	}
}

// Subscribe subscribes the handler to every command topic.
func (h *CommandHandler) Subscribe(sub MQTTSubscriber, qos byte) error {
	if err := sub.Subscribe(mqtt.Topics{}.AllCommands(), qos, h.HandleMessage); err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	return nil
}

// Unsubscribe removes the command subscription.
func (h *CommandHandler) Unsubscribe(sub MQTTSubscriber) error {
	return sub.Unsubscribe(mqtt.Topics{}.AllCommands())
}

// HandleMessage is the MQTT handler for knxproc/command/{ga}.
func (h *CommandHandler) HandleMessage(topic string, payload []byte) error {
	address, ok := mqtt.Topics{}.CommandAddress(topic)
	if !ok {
		h.failed.Add(1)
		return fmt.Errorf("%w: topic %q", ErrInvalidCommand, topic)
	}
	ga, err := knx.ParseGroupAddress(address)
	if err != nil {
		h.failed.Add(1)
		return err
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		h.failed.Add(1)
		return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := h.Execute(ctx, ga, cmd); err != nil {
		h.logger.Warn("command failed", "ga", ga.String(), "error", err)
		return err
	}
	return nil
}

// Execute writes cmd's value to ga.
func (h *CommandHandler) Execute(ctx context.Context, ga knx.GroupAddress, cmd CommandMessage) error {
	dpt, value, priority, err := h.resolve(ga, cmd)
	if err != nil {
		h.failed.Add(1)
		return err
	}
	if err := h.writer.WriteWithPriority(ctx, ga, dpt, value, priority); err != nil {
		h.failed.Add(1)
		return err
	}
	h.handled.Add(1)
	h.logger.Debug("command executed", "ga", ga.String(), "dpt", string(dpt), "priority", priority.String())
	return nil
}

// Handled returns the number of commands written successfully.
func (h *CommandHandler) Handled() uint64 { return h.handled.Load() }

// Failed returns the number of commands rejected or not written.
func (h *CommandHandler) Failed() uint64 { return h.failed.Load() }

func (h *CommandHandler) resolve(ga knx.GroupAddress, cmd CommandMessage) (knx.DPT, any, knx.Priority, error) {
	var dpt knx.DPT
	switch {
	case cmd.DPT != "":
		d, err := knx.ParseDPT(cmd.DPT)
		if err != nil {
			return "", nil, 0, err
		}
		dpt = d
	default:
		dp, ok := h.catalog.ByAddress(ga)
		if !ok {
			return "", nil, 0, fmt.Errorf("%w: no datapoint type for %s", ErrInvalidCommand, ga)
		}
		dpt = dp.DPT
	}

	priority := h.writer.Priority()
	if cmd.Priority != "" {
		p, err := knx.ParsePriority(cmd.Priority)
		if err != nil {
			return "", nil, 0, err
		}
		priority = p
	}

	value, err := commandValue(dpt, cmd.Value)
	if err != nil {
		return "", nil, 0, err
	}
	return dpt, value, priority, nil
}

// commandValue converts a JSON value to the Go value knx.Encode expects.
func commandValue(dpt knx.DPT, raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: value is required", ErrInvalidCommand)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	switch val := v.(type) {
	case string:
		data, err := knx.ParseValue(dpt, val)
		if err != nil {
			return nil, err
		}
		return knx.Decode(dpt, data)
	case bool, float64:
		return val, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", ErrInvalidCommand, v)
	}
}

// IsInvalidCommand reports whether err was caused by the command itself
// rather than the bus.
func IsInvalidCommand(err error) bool {
	return errors.Is(err, process.ErrInvalidArgument) || errors.Is(err, knx.ErrFormat)
}
