package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"

	apperrors "github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/logging"
)

// messageWriter is the subset of kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards events to a Kafka topic, keyed by owner so that one
// owner's events stay ordered within a partition. Publish never blocks the
// caller; Run does the writing.
type KafkaPublisher struct {
	w       messageWriter
	events  chan Event
	timeout time.Duration
}

// NewKafkaPublisher creates a publisher for brokers (comma separated) and topic.
func NewKafkaPublisher(brokersCSV, topic string) (*KafkaPublisher, error) {
	brokers := SplitCSV(brokersCSV)
	if len(brokers) == 0 || topic == "" {
		return nil, apperrors.New(apperrors.ErrConfigInvalid, "kafka brokers and topic are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaPublisher(w), nil
}

func newKafkaPublisher(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w, events: make(chan Event, 1024), timeout: 3 * time.Second}
}

// Publish queues e. Events are dropped when the buffer is full.
func (p *KafkaPublisher) Publish(e Event) {
	select {
	case p.events <- e:
	default:
		logging.Warn("Kafka event buffer full, dropping event",
			map[string]interface{}{"event": e.Type, "code": apperrors.ErrNotificationDropped})
	}
}

// Run writes queued events until ctx is cancelled, then closes the writer.
func (p *KafkaPublisher) Run(ctx context.Context) error {
	defer p.w.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-p.events:
			p.write(ctx, e)
		}
	}
}

func (p *KafkaPublisher) write(ctx context.Context, e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		logging.Error("Failed to marshal event", err, map[string]interface{}{"event": e.Type})
		return
	}

	key := e.Owner
	if key == "" {
		key = string(e.Type)
	}

	wctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.w.WriteMessages(wctx, kafka.Message{
		Key:   []byte(key),
		Value: b,
		Time:  time.UnixMilli(e.Timestamp),
	}); err != nil {
		logging.ErrorWithCode("Failed to publish event to Kafka", string(apperrors.ErrNotificationDropped), err,
			map[string]interface{}{"event": e.Type, "owner": e.Owner})
	}
}

// SplitCSV splits a comma separated list, dropping blanks.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
