package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/aggregator/errors"
	aggtest "github.com/teranos/aggregator/internal/testing"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// runStoreContract exercises behaviour both stores must share.
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	orig := Entry{ID: "e1", QueryID: "fp-a", Query: "q1", RegisteredBy: "alice", Timestamp: t0, Status: StatusExecuting}
	dup := Entry{ID: "e2", QueryID: "fp-b", Query: "q2", RegisteredBy: "bob", Timestamp: t0.Add(time.Second), Status: StatusDuplicate, SimilarTo: "e1"}
	other := Entry{ID: "e3", QueryID: "fp-c", Query: "q3", RegisteredBy: "carol", Timestamp: t0.Add(2 * time.Second), Status: StatusExecuting}

	require.NoError(t, store.Persist(ctx, orig))
	require.NoError(t, store.Persist(ctx, dup))
	require.NoError(t, store.Persist(ctx, other))

	assert.Error(t, store.Persist(ctx, orig), "ids are unique")

	ok, err := store.AppendAccess(ctx, "e1", AccessEvent{User: "bob", Timestamp: t0.Add(time.Second), DataAccessed: "fp-a"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AppendAccess(ctx, "missing", AccessEvent{User: "bob", Timestamp: t0})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "q1", got.Query)
	assert.Equal(t, []string{"e2"}, got.SimilarQueries)
	require.Len(t, got.AccessLog, 1)
	assert.Equal(t, "bob", got.AccessLog[0].User)
	assert.True(t, got.AccessLog[0].Timestamp.Equal(t0.Add(time.Second)))

	_, err = store.Get(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))

	require.NoError(t, store.SetStatus(ctx, "e3", StatusFailed, "engine down"))
	assert.True(t, errors.IsNotFoundError(store.SetStatus(ctx, "missing", StatusFailed, "")))

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"e1", "e2", "e3"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, StatusFailed, all[2].Status)
	assert.Equal(t, "engine down", all[2].Detail)

	failed, err := store.List(ctx, Filter{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "e3", failed[0].ID)

	byQuery, err := store.List(ctx, Filter{QueryID: "fp-b"})
	require.NoError(t, err)
	require.Len(t, byQuery, 1)
	assert.Equal(t, "e1", byQuery[0].SimilarTo)

	recent, err := store.List(ctx, Filter{Since: t0.Add(time.Second), Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "e2", recent[0].ID)
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, NewSQLiteStore(aggtest.CreateTestDB(t)))
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Persist(ctx, Entry{ID: "e1", Timestamp: t0, Status: StatusExecuting}))
	_, err := s.AppendAccess(ctx, "e1", AccessEvent{User: "u", Timestamp: t0})
	require.NoError(t, err)

	got, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	got.AccessLog[0].User = "changed"

	again, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "u", again.AccessLog[0].User)
}
