package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nerrad567/knx-process/internal/knx"
	"github.com/nerrad567/knx-process/internal/process"
)

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type fakeMQTT struct {
	mu       sync.Mutex
	messages []published
	err      error
}

func (f *fakeMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, published{topic, payload, qos, retained})
	return nil
}

func (f *fakeMQTT) published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.messages...)
}

func (f *fakeMQTT) find(topic string) (published, bool) {
	for _, m := range f.published() {
		if m.topic == topic {
			return m, true
		}
	}
	return published{}, false
}

func TestPublisherTopics(t *testing.T) {
	client := &fakeMQTT{}
	p := NewPublisher(client, testCatalog(t), PublisherConfig{QoS: 1})

	p.GroupWrite(groupEvent(process.EventWrite, "1/0/1", []byte{0x01}))
	p.GroupReadRequest(groupEvent(process.EventReadRequest, "3/0/1", nil))
	p.GroupReadResponse(groupEvent(process.EventReadResponse, "7/7/7", []byte{0x12}))
	p.Close()

	want := []published{
		{topic: "knxproc/event/group.write/1/0/1", qos: 1},
		{topic: "knxproc/state/1/0/1", qos: 1, retained: true},
		{topic: "knxproc/event/group.read/3/0/1", qos: 1},
		{topic: "knxproc/event/group.response/7/7/7", qos: 1},
		{topic: "knxproc/state/7/7/7", qos: 1, retained: true},
	}
	got := client.published()
	if len(got) != len(want) {
		t.Fatalf("published %d messages, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i].topic != want[i].topic || got[i].qos != want[i].qos || got[i].retained != want[i].retained {
			t.Errorf("message %d = {%s qos=%d retained=%v}, want {%s qos=%d retained=%v}",
				i, got[i].topic, got[i].qos, got[i].retained, want[i].topic, want[i].qos, want[i].retained)
		}
	}

	var msg EventMessage
	if err := json.Unmarshal(got[1].payload, &msg); err != nil {
		t.Fatalf("state payload is not JSON: %v", err)
	}
	if msg.Value != "on" || msg.Name != "hall light" || msg.DPT != "1.001" || msg.Source != "1.1.20" {
		t.Errorf("state payload = %+v", msg)
	}
}

func TestPublisherErrorsDoNotStop(t *testing.T) {
	client := &fakeMQTT{err: errors.New("not connected")}
	p := NewPublisher(client, nil, PublisherConfig{})

	p.GroupWrite(groupEvent(process.EventWrite, "1/0/1", []byte{0x01}))
	p.Close()

	if got := len(client.published()); got != 0 {
		t.Errorf("published %d messages through a failing client", got)
	}
	if p.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", p.Dropped())
	}
}

func TestPublisherOnCommunicator(t *testing.T) {
	network := knx.NewVirtualNetwork(knx.VirtualNetworkConfig{})
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

	client := &fakeMQTT{}
	p := NewPublisher(client, testCatalog(t), PublisherConfig{QoS: 1})
	defer p.Close()
	if err := pc.AddProcessListener(p); err != nil {
		t.Fatalf("AddProcessListener() error: %v", err)
	}

	if err := pc.WriteBool(context.Background(), knx.MustGroupAddress("1/0/1"), true); err != nil {
		t.Fatalf("WriteBool() error: %v", err)
	}

	waitFor(t, "state message", func() bool {
		_, ok := client.find("knxproc/state/1/0/1")
		return ok
	})
	m, _ := client.find("knxproc/state/1/0/1")
	var msg EventMessage
	if err := json.Unmarshal(m.payload, &msg); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if !msg.Outgoing || msg.Value != "on" {
		t.Errorf("state message = %+v, want outgoing on", msg)
	}
}
