package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the kafka channel uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// WriterFunc opens a writer for a topic.
type WriterFunc func(brokers []string, topic string) MessageWriter

func newKafkaWriter(brokers []string, topic string) MessageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// kafkaHandler publishes the generic envelope to a topic, keyed by rule id
// so one rule's events stay ordered within a partition.
// Config: brokers and topic (required).
type kafkaHandler struct {
	open WriterFunc
	now  func() time.Time

	mu      sync.Mutex
	writers map[string]MessageWriter // by channel id
}

func (h *kafkaHandler) Validate(cfg map[string]any) []string {
	out := required(cfg, "topic")
	if len(cfgStrings(cfg, "brokers")) == 0 {
		out = append(out, "config.brokers needs at least one broker")
	}
	return out
}

func (h *kafkaHandler) Send(ctx context.Context, ch Channel, a Alert) error {
	value, err := json.Marshal(NewEnvelope(a, h.now()))
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(a.RuleID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(a.Status)},
			{Key: "severity", Value: []byte(a.Severity)},
		},
	}
	if err := h.writer(ch).WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (h *kafkaHandler) writer(ch Channel) MessageWriter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.writers[ch.ID]; ok {
		return w
	}
	w := h.open(cfgStrings(ch.Config, "brokers"), cfgString(ch.Config, "topic"))
	h.writers[ch.ID] = w
	return w
}

// release closes the writer of channel id, if one is open.
func (h *kafkaHandler) release(id string) error {
	h.mu.Lock()
	w, ok := h.writers[id]
	delete(h.writers, id)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return w.Close()
}

func (h *kafkaHandler) close() error {
	h.mu.Lock()
	ids := make([]string, 0, len(h.writers))
	for id := range h.writers {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := h.release(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
