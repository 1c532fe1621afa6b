package delivery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyledger/internal/config"
	"notifyledger/internal/model"
	"notifyledger/internal/storage"
)

var now = time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "delivery.db") + "?_pragma=busy_timeout(5000)"
	store, err := storage.NewStore(config.StorageConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T, store *storage.Store, id string, scheduled time.Time) {
	t.Helper()
	require.NoError(t, store.Queue.Insert(context.Background(), model.QueueEntry{
		ID:           id,
		Type:         "ledger_confirm",
		SourceModule: "bank1",
		SourceID:     "src-" + id,
		ScheduledAt:  scheduled,
		Title:        "Confirm transaction",
		Message:      "12.00 via bank1",
		CreatedAt:    scheduled,
	}))
}

func newPool(store *storage.Store, n Notifier) *Pool {
	p := NewPool(config.DeliveryConfig{Workers: 1, PollInterval: 10 * time.Millisecond, BatchSize: 10}, store.Queue, n, nil)
	p.now = func() time.Time { return now }
	return p
}

type recorder struct {
	mu   sync.Mutex
	seen map[string]int
}

func (r *recorder) Notify(_ context.Context, e model.QueueEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[string]int)
	}
	r.seen[e.ID]++
	return nil
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[id]
}

func TestPollDeliversDueEntries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, "due", now.Add(-time.Minute))
	seed(t, store, "later", now.Add(time.Hour))

	rec := &recorder{}
	stats, err := newPool(store, rec).Poll(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, Stats{Due: 1, Claimed: 1, Sent: 1}, stats)
	assert.Equal(t, 1, rec.count("due"))
	assert.Zero(t, rec.count("later"))

	got, err := store.Queue.Get(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, got.Status)
	assert.Equal(t, "w1", got.WorkerID)
	require.NotNil(t, got.SentAt)
	assert.True(t, got.SentAt.Equal(now))

	later, err := store.Queue.Get(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, later.Status)
}

func TestPollRecordsFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, "e1", now)

	failing := NotifierFunc(func(context.Context, model.QueueEntry) error {
		return errors.New("display unavailable")
	})
	stats, err := newPool(store, failing).Poll(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	got, err := store.Queue.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)

	stats, err = newPool(store, failing).Poll(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, stats.Due)
}

func TestShutdownDuringDeliveryRecordsFailure(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, "e1", now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupted := NotifierFunc(func(ctx context.Context, _ model.QueueEntry) error {
		cancel()
		return ctx.Err()
	})
	stats, err := newPool(store, interrupted).Poll(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, Stats{Due: 1, Claimed: 1, Failed: 1}, stats)

	got, err := store.Queue.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestConcurrentWorkersDeliverOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for i := 0; i < 6; i++ {
		seed(t, store, fmt.Sprintf("e%d", i), now.Add(-time.Duration(i)*time.Second))
	}

	rec := &recorder{}
	pool := newPool(store, rec)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			_, err := pool.Poll(ctx, fmt.Sprintf("w%d", w))
			assert.NoError(t, err)
		}(w)
	}
	wg.Wait()

	for i := 0; i < 6; i++ {
		assert.Equal(t, 1, rec.count(fmt.Sprintf("e%d", i)))
	}
	counts, err := store.Queue.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, counts[model.StatusSent])
}

func TestCancelDuringDispatchWins(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, "e1", now)

	cancelling := NotifierFunc(func(ctx context.Context, e model.QueueEntry) error {
		ok, err := store.Queue.Cancel(ctx, e.ID)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	stats, err := newPool(store, cancelling).Poll(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Claimed)
	assert.Zero(t, stats.Sent)

	got, err := store.Queue.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, "e1", now)

	rec := &recorder{}
	pool := newPool(store, rec)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.count("e1") == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}
