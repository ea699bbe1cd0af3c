package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"physionet.org/internal/obs"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaQueue writes tasks to a topic keyed by target so that tasks on one
// target land on one partition in order.
type KafkaQueue struct {
	writer kafkaWriter
	topic  string
}

var _ Queue = (*KafkaQueue)(nil)

func NewKafkaQueue(brokers []string, topic string) (*KafkaQueue, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka queue requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka queue requires a topic")
	}
	return &KafkaQueue{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		topic: topic,
	}, nil
}

func (q *KafkaQueue) Enqueue(ctx context.Context, msg Message) error {
	payload, err := encode(msg)
	if err != nil {
		return err
	}
	return q.writer.WriteMessages(ctx, kafka.Message{
		Topic: q.topic,
		Key:   []byte(msg.Target.String()),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(msg.Kind)},
		},
	})
}

func (q *KafkaQueue) Close() error { return q.writer.Close() }

// KafkaConsumer reads tasks in a consumer group and commits offsets only
// after the worker finished with a message.
type KafkaConsumer struct {
	reader kafkaReader

	mu      sync.Mutex
	pending map[string]kafka.Message
}

var _ Consumer = (*KafkaConsumer)(nil)

func NewKafkaConsumer(brokers []string, groupID, topic string) (*KafkaConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka consumer requires a topic")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return newKafkaConsumer(reader), nil
}

func newKafkaConsumer(r kafkaReader) *KafkaConsumer {
	return &KafkaConsumer{reader: r, pending: make(map[string]kafka.Message)}
}

// Fetch skips and commits undecodable records so they cannot wedge the partition.
func (c *KafkaConsumer) Fetch(ctx context.Context) (Message, error) {
	for {
		raw, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return Message{}, err
		}
		msg, err := decode(raw.Value)
		if err != nil {
			obs.Warn("dropping undecodable task", map[string]any{
				"topic": raw.Topic, "partition": raw.Partition, "offset": raw.Offset, "error": err.Error(),
			})
			if cerr := c.reader.CommitMessages(ctx, raw); cerr != nil {
				return Message{}, cerr
			}
			continue
		}
		c.mu.Lock()
		c.pending[msg.ID] = raw
		c.mu.Unlock()
		return msg, nil
	}
}

func (c *KafkaConsumer) Commit(ctx context.Context, msg Message) error {
	c.mu.Lock()
	raw, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s was not fetched", ErrInvalidMessage, msg.ID)
	}
	return c.reader.CommitMessages(ctx, raw)
}

func (c *KafkaConsumer) Close() error { return c.reader.Close() }
