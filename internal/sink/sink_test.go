package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyledger/internal/config"
	"notifyledger/internal/model"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

var observed = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestKafkaRoutesByTopic(t *testing.T) {
	w := &fakeWriter{}
	k := newKafka(w, "prompts", "commits")
	ctx := context.Background()

	require.NoError(t, k.Notify(ctx, model.QueueEntry{ID: "e1", SourceModule: "bank1", Title: "Confirm transaction", Message: "5.00 via bank1"}))
	require.NoError(t, k.Commit(ctx, model.Outcome{
		EventKey:  "k1",
		Score:     0.9,
		Candidate: model.Candidate{SourceApp: "bank1", AmountCents: -1234, RawContent: "paid", ObservedAt: observed},
	}))
	require.Len(t, w.msgs, 2)

	assert.Equal(t, "prompts", w.msgs[0].Topic)
	assert.Equal(t, []byte("e1"), w.msgs[0].Key)
	var prompt PromptRecord
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &prompt))
	assert.Equal(t, "5.00 via bank1", prompt.Message)

	assert.Equal(t, "commits", w.msgs[1].Topic)
	var commit CommitRecord
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &commit))
	assert.Equal(t, "-12.34", commit.Amount)
	assert.Equal(t, int64(-1234), commit.AmountCents)
	assert.True(t, commit.ObservedAt.Equal(observed))
}

func TestKafkaWrapsWriteError(t *testing.T) {
	k := newKafka(&fakeWriter{err: errors.New("broker down")}, "p", "c")
	err := k.Notify(context.Background(), model.QueueEntry{ID: "e1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "p")
}

func TestNewKafkaRequiresBrokers(t *testing.T) {
	_, err := NewKafka(config.KafkaSinkConfig{PromptTopic: "p", CommitTopic: "c"})
	require.Error(t, err)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, l.Notify(context.Background(), model.QueueEntry{ID: "e9", Title: "Confirm income"}))
	require.NoError(t, l.Commit(context.Background(), model.Outcome{EventKey: "k9", Candidate: model.Candidate{AmountCents: 500}}))
	assert.Contains(t, buf.String(), `"entry_id":"e9"`)
	assert.Contains(t, buf.String(), `"amount":"5.00"`)
}
