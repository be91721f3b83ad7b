// Package statebus publishes case lifecycle events to Kafka for downstream
// consumers (the analytics warehouse reads this topic). Optional: with no
// brokers configured the gateway runs without a bus.
package statebus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (c Config) normalize() (Config, error) {
	brokers := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return c, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return c, fmt.Errorf("kafka topic required")
	}
	c.Brokers = brokers
	return c, nil
}

// Event is one case lifecycle record on the bus.
type Event struct {
	Type    string          `json:"type"`
	CaseID  string          `json:"case_id"`
	At      string          `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer kafkaWriter
}

func NewPublisher(cfg Config) (*Publisher, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &Publisher{writer: w}, nil
}

// Publish keys messages by case id so one case's events stay ordered within a
// partition.
func (p *Publisher) Publish(ctx context.Context, evt Event) error {
	if p == nil || p.writer == nil {
		return nil
	}
	if evt.At == "" {
		evt.At = time.Now().UTC().Format(time.RFC3339Nano)
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.CaseID),
		Value: value,
	})
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Consumer reads case events back; used by the simulation harness and by
// operational tooling replaying a case stream.
type Consumer struct {
	reader kafkaReader
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func NewConsumer(cfg Config) (*Consumer, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &Consumer{reader: r}, nil
}

func (c *Consumer) ReadEvent(ctx context.Context) (Event, error) {
	if c == nil || c.reader == nil {
		return Event{}, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Event{}, err
	}
	var evt Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return Event{}, fmt.Errorf("malformed bus event: %w", err)
	}
	return evt, nil
}

func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
