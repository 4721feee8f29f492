package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nerrad567/knx-process/internal/infrastructure/mqtt"
	"github.com/nerrad567/knx-process/internal/knx"
	"github.com/nerrad567/knx-process/internal/process"
)

type writeCall struct {
	ga       knx.GroupAddress
	dpt      knx.DPT
	value    any
	priority knx.Priority
}

type fakeWriter struct {
	calls []writeCall
	err   error
}

func (f *fakeWriter) WriteWithPriority(_ context.Context, ga knx.GroupAddress, dpt knx.DPT, value any, p knx.Priority) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, writeCall{ga, dpt, value, p})
	return nil
}

func (f *fakeWriter) Priority() knx.Priority { return knx.PriorityLow }

type fakeSubscriber struct {
	handlers map[string]mqtt.MessageHandler
}

func (f *fakeSubscriber) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	if f.handlers == nil {
		f.handlers = make(map[string]mqtt.MessageHandler)
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeSubscriber) Unsubscribe(topic string) error {
	delete(f.handlers, topic)
	return nil
}

func TestCommandHandlerExecute(t *testing.T) {
	tests := []struct {
		name         string
		ga           string
		payload      string
		wantDPT      knx.DPT
		wantValue    any
		wantPriority knx.Priority
		wantErr      error
	}{
		{
			name:         "text value with type",
			ga:           "1/0/9",
			payload:      `{"value": "on", "dpt": "1.001"}`,
			wantDPT:      knx.DPTSwitch,
			wantValue:    true,
			wantPriority: knx.PriorityLow,
		},
		{
			name:         "number uses configured type",
			ga:           "3/0/1",
			payload:      `{"value": 21.5}`,
			wantDPT:      knx.DPTTemperature,
			wantValue:    21.5,
			wantPriority: knx.PriorityLow,
		},
		{
			name:         "boolean with priority",
			ga:           "1/0/1",
			payload:      `{"value": false, "priority": "urgent"}`,
			wantDPT:      knx.DPTSwitch,
			wantValue:    false,
			wantPriority: knx.PriorityUrgent,
		},
		{
			name:         "text string",
			ga:           "1/0/5",
			payload:      `{"value": "Hello KNX!"}`,
			wantDPT:      "16.001",
			wantValue:    "Hello KNX!",
			wantPriority: knx.PriorityLow,
		},
		{
			name:    "unknown address without type",
			ga:      "7/7/7",
			payload: `{"value": 1}`,
			wantErr: ErrInvalidCommand,
		},
		{
			name:    "bad type",
			ga:      "1/0/1",
			payload: `{"value": 1, "dpt": "99.001"}`,
			wantErr: knx.ErrInvalidDPT,
		},
		{
			name:    "bad priority",
			ga:      "1/0/1",
			payload: `{"value": 1, "priority": "whenever"}`,
			wantErr: knx.ErrInvalidPriority,
		},
		{
			name:    "missing value",
			ga:      "1/0/1",
			payload: `{"dpt": "1.001"}`,
			wantErr: ErrInvalidCommand,
		},
		{
			name:    "null value",
			ga:      "1/0/1",
			payload: `{"value": null}`,
			wantErr: ErrInvalidCommand,
		},
		{
			name:    "array value",
			ga:      "1/0/1",
			payload: `{"value": [1, 2]}`,
			wantErr: ErrInvalidCommand,
		},
		{
			name:    "unparseable text",
			ga:      "1/0/1",
			payload: `{"value": "maybe"}`,
			wantErr: knx.ErrEncodingFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWriter{}
			h := NewCommandHandler(w, testCatalog(t))

			var cmd CommandMessage
			if err := json.Unmarshal([]byte(tt.payload), &cmd); err != nil {
				t.Fatalf("bad test payload: %v", err)
			}
			err := h.Execute(context.Background(), knx.MustGroupAddress(tt.ga), cmd)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Execute() error = %v, want %v", err, tt.wantErr)
				}
				if !IsInvalidCommand(err) {
					t.Errorf("IsInvalidCommand(%v) = false", err)
				}
				if h.Failed() != 1 {
					t.Errorf("Failed() = %d, want 1", h.Failed())
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute() error: %v", err)
			}
			if len(w.calls) != 1 {
				t.Fatalf("writer called %d times, want 1", len(w.calls))
			}
			c := w.calls[0]
			if c.dpt != tt.wantDPT || c.value != tt.wantValue || c.priority != tt.wantPriority {
				t.Errorf("write = %+v, want dpt %s value %v priority %s", c, tt.wantDPT, tt.wantValue, tt.wantPriority)
			}
			if h.Handled() != 1 {
				t.Errorf("Handled() = %d, want 1", h.Handled())
			}
		})
	}
}

func TestCommandHandlerWriterError(t *testing.T) {
	h := NewCommandHandler(&fakeWriter{err: process.ErrDetached}, testCatalog(t))
	err := h.Execute(context.Background(), knx.MustGroupAddress("1/0/1"), CommandMessage{Value: json.RawMessage(`true`)})
	if !errors.Is(err, process.ErrDetached) {
		t.Fatalf("Execute() error = %v, want ErrDetached", err)
	}
	if IsInvalidCommand(err) {
		t.Error("detached error reported as invalid command")
	}
}

func TestCommandHandlerHandleMessage(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		wantErr error
	}{
		{"valid", "knxproc/command/1/0/1", `{"value": "off"}`, nil},
		{"not a command topic", "knxproc/state/1/0/1", `{"value": "off"}`, ErrInvalidCommand},
		{"bad address", "knxproc/command/32/0/1", `{"value": "off"}`, knx.ErrInvalidGroupAddress},
		{"bad json", "knxproc/command/1/0/1", `{"value":`, ErrInvalidCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWriter{}
			h := NewCommandHandler(w, testCatalog(t))
			err := h.HandleMessage(tt.topic, []byte(tt.payload))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("HandleMessage() error: %v", err)
				}
				if len(w.calls) != 1 || w.calls[0].value != false {
					t.Errorf("writer calls = %+v", w.calls)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("HandleMessage() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommandHandlerSubscribe(t *testing.T) {
	sub := &fakeSubscriber{}
	w := &fakeWriter{}
	h := NewCommandHandler(w, testCatalog(t))

	if err := h.Subscribe(sub, 1); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	handler, ok := sub.handlers["knxproc/command/#"]
	if !ok {
		t.Fatalf("subscribed to %v, want knxproc/command/#", sub.handlers)
	}
	if err := handler("knxproc/command/3/0/1", []byte(`{"value": "19"}`)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if len(w.calls) != 1 || w.calls[0].dpt != knx.DPTTemperature {
		t.Errorf("writer calls = %+v", w.calls)
	}

	if err := h.Unsubscribe(sub); err != nil {
		t.Fatalf("Unsubscribe() error: %v", err)
	}
	if len(sub.handlers) != 0 {
		t.Errorf("handlers after Unsubscribe = %v", sub.handlers)
	}
}

func TestCommandHandlerOnCommunicator(t *testing.T) {
	network := knx.NewVirtualNetwork(knx.VirtualNetworkConfig{Responder: true})
	t.Cleanup(func() { network.Close() })
	link, err := network.Attach()
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}
	pc, err := process.New(link)
	if err != nil {
		t.Fatalf("process.New() error: %v", err)
	}
	t.Cleanup(func() { pc.Detach() })

	h := NewCommandHandler(pc, testCatalog(t))
	if err := h.HandleMessage("knxproc/command/3/0/1", []byte(`{"value": "21.5"}`)); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}

	want, _ := knx.ParseValue(knx.DPTTemperature, "21.5")
	got, ok := network.Value(knx.MustGroupAddress("3/0/1"))
	if !ok || !bytes.Equal(got, want) {
		t.Errorf("bus value = %X, want %X", got, want)
	}
}
