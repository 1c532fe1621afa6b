package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"notifyledger/internal/config"
	"notifyledger/internal/model"
)

const sourceAppHeader = "source_app"

// StartKafka consumes forwarded notifications from a consumer group. Offsets
// are committed only after the candidate is queued for evaluation, so a crash
// replays the message and the ledger absorbs the repeat.
func StartKafka(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.Candidate, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	go consumeKafka(ctx, reader, cfg, parser, out, logger)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func consumeKafka(ctx context.Context, reader messageReader, cfg *config.Manager, parser *Parser, out chan<- model.Candidate, logger *slog.Logger) {
	defer reader.Close()
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka fetch error", "err", err)
			}
			if !BackoffSleep(ctx, time.Second) {
				return
			}
			continue
		}
		if c, ok := kafkaCandidate(cfg, parser, m, logger); ok {
			if !sendBlocking(ctx, out, c) {
				return
			}
		}
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil && logger != nil {
			logger.Warn("kafka commit error", "partition", m.Partition, "offset", m.Offset, "err", err)
		}
	}
}

// kafkaCandidate parses the message value. A source_app header or the message
// key names the application when the payload does not.
func kafkaCandidate(cfg *config.Manager, parser *Parser, m kafka.Message, logger *slog.Logger) (model.Candidate, bool) {
	fields, err := parser.ParseLine(string(m.Value))
	if err != nil || fields == nil {
		if logger != nil {
			logger.Debug("kafka message skipped", "partition", m.Partition, "offset", m.Offset)
		}
		return model.Candidate{}, false
	}
	if fields.SourceApp == "" {
		for _, h := range m.Headers {
			if strings.EqualFold(h.Key, sourceAppHeader) {
				fields.SourceApp = strings.TrimSpace(string(h.Value))
				break
			}
		}
	}
	if fields.SourceApp == "" {
		fields.SourceApp = strings.TrimSpace(string(m.Key))
	}
	if fields.Timestamp == "" && !m.Time.IsZero() {
		fields.Timestamp = m.Time.UTC().Format(time.RFC3339Nano)
	}
	return toCandidate(cfg, *fields, "kafka", logger)
}
