package export

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/usage"
)

type storedObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

type memoryStore struct {
	mu      sync.Mutex
	objects map[string]storedObject
	putErr  error
	headErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string]storedObject{}}
}

func (s *memoryStore) PutObject(_ context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = storedObject{data: append([]byte(nil), data...), contentType: contentType, metadata: metadata}
	return nil
}

func (s *memoryStore) ObjectExists(_ context.Context, key string) (bool, error) {
	if s.headErr != nil {
		return false, s.headErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memoryStore) HealthCheck(context.Context) error { return s.headErr }

func seedLedger(t *testing.T) *usage.MemoryLedger {
	t.Helper()
	var clock time.Time
	ledger := usage.NewMemoryLedger(func() time.Time { return clock })

	record := func(at time.Time, user, tokens int64) {
		clock = at
		_, err := ledger.Record(context.Background(), usage.RecordRequest{UserID: user, Tokens: tokens, Action: "chat"})
		require.NoError(t, err)
	}
	record(time.Date(2026, 2, 28, 23, 59, 0, 0, time.UTC), 1, 5)
	record(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), 1, 100)
	record(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC), 2, 40)
	record(time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC), 1, 60)
	record(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), 2, 9)
	return ledger
}

func newTestArchiver(ledger MonthScanner, store ObjectStore) *Archiver {
	a := NewArchiver(ledger, store, "usage", observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{}))
	a.now = func() time.Time { return time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC) }
	return a
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "usage/2026/03.jsonl", ObjectKey("usage", time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2025/12.jsonl", ObjectKey("", time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "a/b/2026/01.jsonl", ObjectKey("a/b/", time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)))
}

func TestArchiveMonth(t *testing.T) {
	store := newMemoryStore()
	a := newTestArchiver(seedLedger(t), store)

	manifest, err := a.ArchiveMonth(context.Background(), time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, "usage/2026/03.jsonl", manifest.Key)
	assert.Equal(t, 3, manifest.Events)
	assert.Equal(t, int64(200), manifest.Tokens)

	obj, ok := store.objects[manifest.Key]
	require.True(t, ok)
	assert.Equal(t, ContentType, obj.contentType)
	assert.Equal(t, manifest.Bytes, len(obj.data))

	sum := sha256.Sum256(obj.data)
	assert.Equal(t, hex.EncodeToString(sum[:]), obj.metadata["checksum-sha256"])
	assert.Equal(t, manifest.Checksum, obj.metadata["checksum-sha256"])
	assert.Equal(t, "3", obj.metadata["event-count"])
	assert.Equal(t, "200", obj.metadata["total-tokens"])
	assert.Equal(t, "2026-03", obj.metadata["month"])

	var tokens []int64
	scanner := bufio.NewScanner(bytes.NewReader(obj.data))
	for scanner.Scan() {
		var e usage.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		tokens = append(tokens, e.Tokens)
	}
	assert.Equal(t, []int64{100, 40, 60}, tokens)
}

func TestArchiveMonth_EmptyMonth(t *testing.T) {
	store := newMemoryStore()
	a := newTestArchiver(seedLedger(t), store)

	manifest, err := a.ArchiveMonth(context.Background(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, manifest.Events)
	assert.Contains(t, store.objects, "usage/2026/01.jsonl")
}

func TestArchiveMonth_Rejections(t *testing.T) {
	t.Run("open month", func(t *testing.T) {
		a := newTestArchiver(seedLedger(t), newMemoryStore())
		_, err := a.ArchiveMonth(context.Background(), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
		assert.ErrorIs(t, err, ErrMonthOpen)

		_, err = a.ArchiveMonth(context.Background(), time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
		assert.ErrorIs(t, err, ErrMonthOpen)
	})

	t.Run("already archived", func(t *testing.T) {
		store := newMemoryStore()
		a := newTestArchiver(seedLedger(t), store)
		_, err := a.ArchivePreviousMonth(context.Background())
		require.NoError(t, err)

		_, err = a.ArchivePreviousMonth(context.Background())
		assert.ErrorIs(t, err, ErrAlreadyArchived)
	})

	t.Run("store errors propagate", func(t *testing.T) {
		boom := errors.New("boom")
		store := newMemoryStore()
		store.putErr = boom
		a := newTestArchiver(seedLedger(t), store)
		_, err := a.ArchivePreviousMonth(context.Background())
		assert.ErrorIs(t, err, boom)

		store = newMemoryStore()
		store.headErr = boom
		a = newTestArchiver(seedLedger(t), store)
		_, err = a.ArchivePreviousMonth(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.ErrorIs(t, a.HealthCheck(context.Background()), boom)
	})
}

type failingScanner struct{ err error }

func (f failingScanner) ScanMonth(context.Context, time.Time, func(*usage.Event) error) error {
	return f.err
}

func TestArchiveMonth_ScanFailureWritesNothing(t *testing.T) {
	store := newMemoryStore()
	boom := errors.New("replica gone")
	a := newTestArchiver(failingScanner{err: boom}, store)

	_, err := a.ArchivePreviousMonth(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, store.objects)
}
