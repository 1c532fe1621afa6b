package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"notifyledger/internal/config"
	"notifyledger/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes prompts and auto-committed transactions to two topics.
type Kafka struct {
	writer      messageWriter
	promptTopic string
	commitTopic string
}

func NewKafka(cfg config.KafkaSinkConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink requires brokers")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafka(w, cfg.PromptTopic, cfg.CommitTopic), nil
}

func newKafka(w messageWriter, promptTopic, commitTopic string) *Kafka {
	return &Kafka{writer: w, promptTopic: promptTopic, commitTopic: commitTopic}
}

func (k *Kafka) Notify(ctx context.Context, e model.QueueEntry) error {
	return k.publish(ctx, k.promptTopic, e.ID, NewPromptRecord(e))
}

func (k *Kafka) Commit(ctx context.Context, out model.Outcome) error {
	return k.publish(ctx, k.commitTopic, out.EventKey, NewCommitRecord(out))
}

func (k *Kafka) publish(ctx context.Context, topic, key string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: value}); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
