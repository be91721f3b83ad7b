package statebus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestNewPublisherValidation(t *testing.T) {
	if _, err := NewPublisher(Config{}); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewPublisher(Config{Brokers: []string{" ", ""}}); err == nil {
		t.Fatal("expected error with blank brokers")
	}
	if _, err := NewPublisher(Config{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatal("expected error without topic")
	}
	p, err := NewPublisher(Config{Brokers: []string{"localhost:9092"}, Topic: "aerogate.cases"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil || p.writer == nil {
		t.Fatal("publisher not initialized")
	}
}

func TestNewConsumerValidation(t *testing.T) {
	if _, err := NewConsumer(Config{Brokers: []string{"localhost:9092"}, Topic: "t"}); err == nil {
		t.Fatal("expected error without group id")
	}
	c, err := NewConsumer(Config{Brokers: []string{"localhost:9092"}, Topic: "t", GroupID: "g"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.reader == nil {
		t.Fatal("consumer not initialized")
	}
}

type capturedWriter struct {
	messages []kafka.Message
	closed   bool
}

func (c *capturedWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	c.messages = append(c.messages, msgs...)
	return nil
}

func (c *capturedWriter) Close() error {
	c.closed = true
	return nil
}

func TestPublishKeysByCase(t *testing.T) {
	w := &capturedWriter{}
	p := &Publisher{writer: w}
	evt := Event{Type: "case.RESOLVED", CaseID: "case-1"}
	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(w.messages))
	}
	if string(w.messages[0].Key) != "case-1" {
		t.Fatalf("messages must key by case id, got %q", w.messages[0].Key)
	}
	var decoded Event
	if err := json.Unmarshal(w.messages[0].Value, &decoded); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if decoded.Type != "case.RESOLVED" || decoded.At == "" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestPublishNilSafe(t *testing.T) {
	var p *Publisher
	if err := p.Publish(context.Background(), Event{}); err != nil {
		t.Fatalf("nil publisher must be a no-op, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("nil close must be a no-op, got %v", err)
	}
}

func TestConsumerRejectsMalformedEvent(t *testing.T) {
	c := &Consumer{reader: staticReader{msg: kafka.Message{Value: []byte("not json")}}}
	if _, err := c.ReadEvent(context.Background()); err == nil {
		t.Fatal("expected error for malformed bus event")
	}
}

type staticReader struct{ msg kafka.Message }

func (r staticReader) ReadMessage(ctx context.Context) (kafka.Message, error) { return r.msg, nil }
func (r staticReader) Close() error                                           { return nil }
