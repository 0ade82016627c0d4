package natsbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mtzanidakis/nergal/internal/config"
	"github.com/mtzanidakis/nergal/internal/dialog"
	"github.com/mtzanidakis/nergal/internal/reliability"
	"github.com/nats-io/nats.go"
)

func TestBusStartStop(t *testing.T) {
	dir := t.TempDir()
	bus, err := New(config.NATSConfig{
		Port:    0, // Random port
		DataDir: dir,
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	url := bus.ClientURL()
	if url == "" {
		t.Fatal("expected non-empty client URL")
	}
}

func TestPubSub(t *testing.T) {
	dir := t.TempDir()
	bus, err := New(config.NATSConfig{
		Port:    0,
		DataDir: dir,
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	_, err = client.Subscribe("test.topic", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.Publish("test.topic", []byte("hello")); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != "hello" {
			t.Errorf("expected 'hello', got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishJSON(t *testing.T) {
	dir := t.TempDir()
	bus, err := New(config.NATSConfig{
		Port:    0,
		DataDir: dir,
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	_, err = client.Subscribe("test.json", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	payload := map[string]string{"key": "value"}
	if err := client.PublishJSON("test.json", payload); err != nil {
		t.Fatalf("publish json error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != `{"key":"value"}` {
			t.Errorf("expected json, got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicEventsTurn(42); got != "events.turn.42" {
		t.Errorf("expected events.turn.42, got %s", got)
	}
	if got := TopicEventsStep(42); got != "events.step.42" {
		t.Errorf("expected events.step.42, got %s", got)
	}
	if got := TopicEventsBreaker("llm"); got != "events.breaker.llm" {
		t.Errorf("expected events.breaker.llm, got %s", got)
	}
	if got := TopicEventsTask("t1"); got != "events.task.t1" {
		t.Errorf("expected events.task.t1, got %s", got)
	}
	if TopicEventsBreakers != "events.breaker.*" {
		t.Errorf("unexpected breaker wildcard %s", TopicEventsBreakers)
	}
}

func TestNilEmitterDrops(t *testing.T) {
	var nilEmitter *Emitter
	nilEmitter.ObserveStep(1, dialog.StepTrace{Agent: dialog.AgentDefault})
	nilEmitter.BreakerChanged("llm", reliability.StateClosed, reliability.StateOpen)

	em := NewEmitter(nil)
	em.ObserveStep(1, dialog.StepTrace{Agent: dialog.AgentDefault})
	em.BreakerChanged("llm", reliability.StateClosed, reliability.StateOpen)
	em.Publish(TopicEventsTask("t1"), TaskEvent{Type: EventTask})
}

func TestEmitter(t *testing.T) {
	bus, err := New(config.NATSConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan *nats.Msg, 2)
	if _, err := client.Subscribe(TopicEventsAll, func(msg *nats.Msg) {
		received <- msg
	}); err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	client.Flush()

	em := NewEmitter(client)
	em.ObserveStep(7, dialog.StepTrace{Index: 0, Agent: dialog.AgentWebSearch, Status: dialog.StepOK})
	em.BreakerChanged("websearch", reliability.StateClosed, reliability.StateOpen)
	client.Flush()

	for i := 0; i < 2; i++ {
		select {
		case msg := <-received:
			switch msg.Subject {
			case "events.step.7":
				var ev StepEvent
				if err := json.Unmarshal(msg.Data, &ev); err != nil {
					t.Fatalf("decode step: %v", err)
				}
				if ev.Type != EventStep || ev.Step.Agent != dialog.AgentWebSearch {
					t.Errorf("unexpected step event %+v", ev)
				}
			case "events.breaker.websearch":
				var ev BreakerEvent
				if err := json.Unmarshal(msg.Data, &ev); err != nil {
					t.Fatalf("decode breaker: %v", err)
				}
				if ev.From != "CLOSED" || ev.To != "OPEN" {
					t.Errorf("unexpected breaker event %+v", ev)
				}
			default:
				t.Errorf("unexpected subject %s", msg.Subject)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestSubscribeEvents(t *testing.T) {
	bus, err := New(config.NATSConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	types := make(chan string, 2)
	if _, err := client.SubscribeEvents(TopicEventsAll, func(eventType string, data []byte) {
		types <- eventType
	}); err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	client.Flush()

	client.Publish(TopicEventsTurn(1), []byte(`not json`))
	client.Publish(TopicEventsTurn(1), []byte(`{"agent":"default"}`))
	client.PublishJSON(TopicEventsTask("t1"), TaskEvent{Type: EventTask, TaskID: "t1"})
	client.Flush()

	select {
	case got := <-types:
		if got != EventTask {
			t.Errorf("expected %s event, got %s", EventTask, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	select {
	case got := <-types:
		t.Errorf("untagged payload delivered as %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}
