package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/offline-sync/internal/kvstore"
)

func clock() func() time.Time {
	t := time.UnixMilli(1_700_000_000_000)
	return func() time.Time { return t }
}

func openQueue(t *testing.T, kv kvstore.Store) *Queue {
	t.Helper()
	q, err := Open(context.Background(), kv, Options{Now: clock()})
	require.NoError(t, err)
	return q
}

func post(url string) Operation {
	return Operation{Method: "post", URL: url, Data: json.RawMessage(`{"n":1}`)}
}

func TestEnqueueAssignsIDsAndPersists(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	q := openQueue(t, kv)

	id1, err := q.Enqueue(ctx, post("/api/a"))
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, post("/api/b"))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.True(t, strings.HasPrefix(id1, "1700000000000-1-"))
	assert.Len(t, strings.Split(id1, "-")[2], 8)

	ops := q.PeekBatch(0)
	require.Len(t, ops, 2)
	assert.Equal(t, "POST", ops[0].Method)
	assert.Equal(t, 0, ops[0].Attempts)
	assert.Nil(t, ops[0].LastError)
	assert.Equal(t, int64(1_700_000_000_000), ops[0].EnqueuedAt.UnixMilli())

	assert.Contains(t, kv.Snapshot()[StorageKey], id2)
}

func TestEnqueueValidation(t *testing.T) {
	q := openQueue(t, kvstore.NewMemoryStore())
	bad := []Operation{
		{Method: "", URL: "/a"},
		{Method: "TRACE", URL: "/a"},
		{Method: "POST", URL: ""},
		{Method: "POST", URL: "relative/path"},
		{Method: "POST", URL: "ftp://host/x"},
		{Method: "POST", URL: "/a", Data: json.RawMessage(`{`)},
	}
	for _, op := range bad {
		_, err := q.Enqueue(context.Background(), op)
		assert.ErrorIs(t, err, ErrInvalidOperation, "%+v", op)
	}
	assert.Equal(t, 0, q.Len())

	_, err := q.Enqueue(context.Background(), Operation{Method: "DELETE", URL: "https://api.example.com/x/1"})
	assert.NoError(t, err)
}

func TestEnqueueRollsBackOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	q := openQueue(t, kv)

	_, err := q.Enqueue(ctx, post("/api/a"))
	require.NoError(t, err)

	kv.FailWrites(errors.New("disk full"))
	_, err = q.Enqueue(ctx, post("/api/b"))
	assert.Error(t, err)
	assert.Equal(t, 1, q.Len())
	kv.FailWrites(nil)
}

func TestPeekBatchFIFOAndCopies(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, kvstore.NewMemoryStore())
	for _, u := range []string{"/a", "/b", "/c"} {
		_, err := q.Enqueue(ctx, Operation{Method: "PUT", URL: u, Headers: map[string]string{"X": "1"}})
		require.NoError(t, err)
	}

	batch := q.PeekBatch(2)
	require.Len(t, batch, 2)
	assert.Equal(t, "/a", batch[0].URL)
	assert.Equal(t, "/b", batch[1].URL)

	batch[0].Headers["X"] = "mutated"
	batch[0].URL = "/zzz"
	fresh := q.PeekBatch(10)
	require.Len(t, fresh, 3)
	assert.Equal(t, "/a", fresh[0].URL)
	assert.Equal(t, "1", fresh[0].Headers["X"])
}

func TestAckSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	q := openQueue(t, kv)

	idA, _ := q.Enqueue(ctx, post("/a"))
	idB, _ := q.Enqueue(ctx, post("/b"))
	require.NoError(t, q.Ack(ctx, idA))
	require.NoError(t, q.Ack(ctx, "unknown"))

	restarted := openQueue(t, kvstore.NewMemoryStoreFrom(kv.Snapshot()))
	ops := restarted.PeekBatch(0)
	require.Len(t, ops, 1)
	assert.Equal(t, idB, ops[0].ID)
}

func TestFailRetryCeiling(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, kvstore.NewMemoryStore())
	id, _ := q.Enqueue(ctx, post("/a"))

	for attempt := 1; attempt <= 2; attempt++ {
		res, err := q.Fail(ctx, id, errors.New("HTTP 500"))
		require.NoError(t, err)
		assert.True(t, res.Retained)
		assert.Equal(t, attempt, res.Operation.Attempts)
		require.NotNil(t, res.Operation.LastError)
		assert.Equal(t, "HTTP 500", *res.Operation.LastError)
	}

	res, err := q.Fail(ctx, id, errors.New("HTTP 502"))
	require.NoError(t, err)
	assert.False(t, res.Retained)
	assert.Equal(t, 3, res.Operation.Attempts)
	assert.Equal(t, 0, q.Len())

	_, err = q.Fail(ctx, id, errors.New("again"))
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestAckAndFailLeaveQueueUnchangedOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	q, err := Open(ctx, kv, Options{Now: clock(), MaxRetries: 1})
	require.NoError(t, err)
	id, _ := q.Enqueue(ctx, post("/a"))
	before := kv.Snapshot()[StorageKey]

	kv.FailWrites(errors.New("disk full"))
	assert.Error(t, q.Ack(ctx, id))
	assert.Equal(t, 1, q.Len(), "unpersisted ack keeps the operation")

	res, err := q.Fail(ctx, id, errors.New("HTTP 404"))
	assert.Error(t, err)
	assert.False(t, res.Retained)
	assert.Empty(t, res.Operation.ID, "no result is reported for an unpersisted failure")
	ops := q.PeekBatch(0)
	require.Len(t, ops, 1, "unpersisted drop keeps the operation")
	assert.Equal(t, 0, ops[0].Attempts)
	assert.Nil(t, ops[0].LastError)
	kv.FailWrites(nil)

	assert.Equal(t, before, kv.Snapshot()[StorageKey])
	res, err = q.Fail(ctx, id, errors.New("HTTP 404"))
	require.NoError(t, err)
	assert.False(t, res.Retained)
	assert.Equal(t, 0, q.Len())
}

func TestFailPersistsAttempts(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	q := openQueue(t, kv)
	id, _ := q.Enqueue(ctx, post("/a"))
	_, err := q.Fail(ctx, id, nil)
	require.NoError(t, err)

	restarted := openQueue(t, kvstore.NewMemoryStoreFrom(kv.Snapshot()))
	ops := restarted.PeekBatch(0)
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].Attempts)
	assert.Equal(t, "unknown error", *ops[0].LastError)
}

func TestCustomMaxRetries(t *testing.T) {
	ctx := context.Background()
	q, err := Open(ctx, kvstore.NewMemoryStore(), Options{MaxRetries: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, q.MaxRetries())

	id, _ := q.Enqueue(ctx, post("/a"))
	res, err := q.Fail(ctx, id, errors.New("x"))
	require.NoError(t, err)
	assert.False(t, res.Retained)
}

func TestOpenQuarantinesCorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	require.NoError(t, kv.SetItem(ctx, StorageKey, `[{"id":"x"`))

	q := openQueue(t, kv)
	assert.Equal(t, 0, q.Len())

	snap := kv.Snapshot()
	assert.Equal(t, "[]", snap[StorageKey])
	assert.Equal(t, `[{"id":"x"`, snap[CorruptKeyPrefix+"1700000000"])
}

func TestOpenFailsOnReadError(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	kv.FailReads(errors.New("io"))
	_, err := Open(context.Background(), kv, Options{})
	assert.Error(t, err)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	q := openQueue(t, kv)
	_, _ = q.Enqueue(ctx, post("/a"))
	_, _ = q.Enqueue(ctx, post("/b"))

	kv.FailWrites(errors.New("ro"))
	assert.Error(t, q.Clear(ctx))
	assert.Equal(t, 2, q.Len(), "failed clear keeps operations")
	kv.FailWrites(nil)

	require.NoError(t, q.Clear(ctx))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, "[]", kv.Snapshot()[StorageKey])
}
