package ingest

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyledger/internal/config"
	"notifyledger/internal/model"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeReader) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func TestConsumeKafkaCommitsAfterHandOff(t *testing.T) {
	sent := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Key: []byte("bank1"), Value: []byte("amount=5.00 paid"), Time: sent},
		{Offset: 2, Value: []byte("   ")},
		{Offset: 3, Key: []byte("bank1"), Value: []byte("charged 7.10"),
			Headers: []kafka.Header{{Key: "Source_App", Value: []byte("wallet")}}},
	}}
	cfg := config.NewStaticManager(config.DefaultConfig())
	out := make(chan model.Candidate, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		consumeKafka(ctx, reader, cfg, NewParser(), out, nil)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(reader.commits()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.True(t, reader.closed)
	assert.Equal(t, []int64{1, 2, 3}, reader.commits())

	first := <-out
	assert.Equal(t, "bank1", first.SourceApp)
	assert.Equal(t, int64(500), first.AmountCents)
	assert.True(t, first.ObservedAt.Equal(sent))
	assert.Equal(t, "kafka", first.Source)

	second := <-out
	assert.Equal(t, "wallet", second.SourceApp)
	assert.Equal(t, int64(710), second.AmountCents)
}

func TestConsumeKafkaWaitsForRoom(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Key: []byte("bank1"), Value: []byte("paid 1.00")},
		{Offset: 2, Key: []byte("bank1"), Value: []byte("paid 2.00")},
	}}
	cfg := config.NewStaticManager(config.DefaultConfig())
	out := make(chan model.Candidate)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumeKafka(ctx, reader, cfg, NewParser(), out, nil)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, reader.commits())
	<-out
	<-out
	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestTailerHoldsPartialLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.log")
	require.NoError(t, os.WriteFile(path, []byte("app=bank1 paid 1.00\napp=bank1 pa"), 0o644))

	var lines []string
	tl := &tailer{path: path, emit: func(line string) { lines = append(lines, line) }}
	require.NoError(t, tl.open())
	defer tl.close()

	require.NoError(t, tl.drain())
	assert.Equal(t, []string{"app=bank1 paid 1.00\n"}, lines)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("id 2.00\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, tl.drain())
	assert.Equal(t, []string{"app=bank1 paid 1.00\n", "app=bank1 paid 2.00\n"}, lines)
	assert.False(t, tl.truncated())

	require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o644))
	assert.True(t, tl.truncated())
}

func TestTailerStartAtEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.log")
	require.NoError(t, os.WriteFile(path, []byte("old line\n"), 0o644))

	var lines []string
	tl := &tailer{path: path, startAtEnd: true, emit: func(line string) { lines = append(lines, line) }}
	require.NoError(t, tl.open())
	defer tl.close()
	require.NoError(t, tl.drain())
	assert.Empty(t, lines)
}

func TestExpandTailPaths(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.log", "b.log", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	missing := filepath.Join(dir, "later.log")
	got := expandTailPaths([]string{filepath.Join(dir, "*.log"), missing, filepath.Join(dir, "a.log")})
	assert.Equal(t, []string{filepath.Join(dir, "a.log"), filepath.Join(dir, "b.log"), missing}, got)
}

func TestTCPStreamDeliversLines(t *testing.T) {
	c := config.DefaultConfig()
	c.Ingest.TCPStream = config.TCPStreamConfig{Enabled: true, Addr: "127.0.0.1:0"}
	cfg := config.NewStaticManager(c)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	out := make(chan model.Candidate, 4)
	go acceptStreams(ctx, ln, time.Second, cfg, NewParser(), out, nil)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	for i := 1; i <= 2; i++ {
		_, err := fmt.Fprintf(conn, "app=bank1 id=n-%d paid %d.00\n", i, i)
		require.NoError(t, err)
	}

	for i := 1; i <= 2; i++ {
		select {
		case got := <-out:
			assert.Equal(t, fmt.Sprintf("n-%d", i), got.ID)
			assert.Equal(t, "tcp_stream", got.Source)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for candidate")
		}
	}
}
