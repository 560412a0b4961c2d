package auditsink

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guildmirror/pkg/deadletter"
	"guildmirror/pkg/logging"
	"guildmirror/pkg/model"
)

// fakeStore keeps rows in memory, deduplicating by idempotency key the way
// the relational store's unique constraint does. It can fail a configured
// number of initial attempts, or block until released.
type fakeStore struct {
	mu       sync.Mutex
	rows     map[string]Row
	attempts int
	failN    int
	failErr  error
	block    chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]Row)}
}

func (s *fakeStore) InsertBatch(ctx context.Context, rows []Row) (int64, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failN {
		return 0, s.failErr
	}
	var inserted int64
	for _, row := range rows {
		if _, dup := s.rows[row.Key]; dup {
			continue
		}
		s.rows[row.Key] = row
		inserted++
	}
	return inserted, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func testRecord(id string, hint int64) model.ChangeRecord {
	return model.ChangeRecord{
		Key:          model.EntityKey{Tenant: "t1", Kind: model.KindChannel, ID: id},
		Kind:         model.ChangeUpdated,
		Delta:        model.FieldDelta{"name": {Old: "a", New: "b"}},
		SequenceHint: hint,
		ObservedAt:   time.Now().UTC(),
	}
}

func fastConfig() Config {
	return Config{
		QueueSize:     16,
		BatchSize:     4,
		FlushInterval: 20 * time.Millisecond,
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		BackoffMax:    2 * time.Millisecond,
		FlushTimeout:  time.Second,
	}
}

func TestFlushOnBatchSize(t *testing.T) {
	store := newFakeStore()
	cfg := fastConfig()
	cfg.BatchSize = 2
	cfg.FlushInterval = time.Hour // timer must not be what triggers the flush
	s := New(store, deadletter.New(""), logging.Nop(), cfg)
	defer s.Close(context.Background())

	require.NoError(t, s.Append(testRecord("c1", 1)))
	require.NoError(t, s.Append(testRecord("c2", 2)))
	require.Eventually(t, func() bool { return store.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestFlushOnTimer(t *testing.T) {
	store := newFakeStore()
	cfg := fastConfig()
	cfg.BatchSize = 100
	s := New(store, deadletter.New(""), logging.Nop(), cfg)
	defer s.Close(context.Background())

	require.NoError(t, s.Append(testRecord("c1", 1)))
	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDuplicateIdempotencyKeyWritesOneRow(t *testing.T) {
	store := newFakeStore()
	cfg := fastConfig()
	cfg.BatchSize = 2
	s := New(store, deadletter.New(""), logging.Nop(), cfg)
	defer s.Close(context.Background())

	rec := testRecord("c1", 7)
	require.NoError(t, s.Append(rec))
	require.NoError(t, s.Append(rec))
	require.Eventually(t, func() bool { return store.attemptCount() > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, store.count())
}

func TestRetryThenSuccess(t *testing.T) {
	store := newFakeStore()
	store.failN = 2
	store.failErr = context.DeadlineExceeded
	cfg := fastConfig()
	cfg.BatchSize = 1
	s := New(store, deadletter.New(""), logging.Nop(), cfg)
	defer s.Close(context.Background())

	require.NoError(t, s.Append(testRecord("c1", 1)))
	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	store := newFakeStore()
	store.failN = 1 << 30
	store.failErr = context.DeadlineExceeded
	path := t.TempDir() + "/dead.log"
	cfg := fastConfig()
	cfg.BatchSize = 1
	cfg.MaxAttempts = 2
	s := New(store, deadletter.New(path), logging.Nop(), cfg)
	defer s.Close(context.Background())

	require.NoError(t, s.Append(testRecord("c1", 1)))
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && strings.Count(string(data), "\n") == 1
	}, 2*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry deadletter.Entry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
	assert.Equal(t, "retry_exhausted", entry.Reason)
	assert.Equal(t, "c1", entry.EntityID)
	assert.Equal(t, 0, store.count())
}

func TestAppendDefersWhenQueueFull(t *testing.T) {
	store := newFakeStore()
	store.block = make(chan struct{})
	cfg := fastConfig()
	cfg.QueueSize = 1
	cfg.BatchSize = 1
	s := New(store, deadletter.New(""), logging.Nop(), cfg)
	defer func() {
		close(store.block)
		s.Close(context.Background())
	}()

	// First record is picked up by the worker and blocks in the store; the
	// second fills the queue; the third must be deferred, not block.
	require.NoError(t, s.Append(testRecord("c1", 1)))
	require.Eventually(t, func() bool { return len(s.intake) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, s.Append(testRecord("c2", 2)))

	err := s.Append(testRecord("c3", 3))
	assert.ErrorIs(t, err, model.ErrWriteDeferred)
}

func TestCloseDrainsPendingRecords(t *testing.T) {
	store := newFakeStore()
	cfg := fastConfig()
	cfg.BatchSize = 100
	cfg.FlushInterval = time.Hour
	s := New(store, deadletter.New(""), logging.Nop(), cfg)

	for i, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, s.Append(testRecord(id, int64(i))))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 3, store.count())
}

func TestAppendAfterCloseReturnsShuttingDown(t *testing.T) {
	s := New(newFakeStore(), deadletter.New(""), logging.Nop(), fastConfig())
	require.NoError(t, s.Close(context.Background()))
	assert.ErrorIs(t, s.Append(testRecord("c1", 1)), model.ErrShuttingDown)
}

func (s *fakeStore) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func TestDeriveKey(t *testing.T) {
	withSeq := testRecord("c1", 42)
	assert.Equal(t, DeriveKey(withSeq), DeriveKey(withSeq))

	other := testRecord("c1", 43)
	assert.NotEqual(t, DeriveKey(withSeq), DeriveKey(other))

	// Without a sequence hint the key is content-derived: identical deltas
	// collapse, different deltas do not.
	a := testRecord("c1", model.SeqNone)
	b := testRecord("c1", model.SeqNone)
	assert.Equal(t, DeriveKey(a), DeriveKey(b))

	c := testRecord("c1", model.SeqNone)
	c.Delta = model.FieldDelta{"name": {Old: "a", New: "z"}}
	assert.NotEqual(t, DeriveKey(a), DeriveKey(c))

	differentKind := testRecord("c1", 42)
	differentKind.Kind = model.ChangeDeleted
	assert.NotEqual(t, DeriveKey(withSeq), DeriveKey(differentKind))
}
