package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(client, logger.WithField("component", "store")), mr
}

func TestGetAbsentKey(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v, ok, err := s.Get(ctx, "/uuid/nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestSetGetDel(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "/account/poseidon", "abc-123"))

	v, ok, err := s.Get(ctx, "/account/poseidon")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc-123", v)

	require.NoError(t, s.Del(ctx, "/account/poseidon"))
	_, ok, err = s.Get(ctx, "/account/poseidon")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetOperations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetAdd(ctx, "/set/accounts", "a1"))
	require.NoError(t, s.SetAdd(ctx, "/set/accounts", "a2"))
	require.NoError(t, s.SetAdd(ctx, "/set/accounts", "a2"))

	n, err := s.SetCard(ctx, "/set/accounts")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ok, err := s.SetIsMember(ctx, "/set/accounts", "a1")
	require.NoError(t, err)
	assert.True(t, ok)

	members, err := s.SetMembers(ctx, "/set/accounts")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a1", "a2"}, members)

	require.NoError(t, s.SetRemove(ctx, "/set/accounts", "a1"))
	ok, err = s.SetIsMember(ctx, "/set/accounts", "a1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBatchCommitsAtomically(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	b := s.NewBatch()
	b.Set("/uuid/u1", `{"uuid":"u1"}`)
	b.Set("/account/banks", "u1")
	b.SetAdd("/set/accounts", "u1")
	b.Set(ChangeNumberKey, "12")
	require.Equal(t, 4, b.Len())

	require.NoError(t, s.Commit(ctx, b))

	v, ok, err := s.Get(ctx, "/uuid/u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"uuid":"u1"}`, v)

	cn, ok, err := s.Get(ctx, ChangeNumberKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "12", cn)

	member, err := s.SetIsMember(ctx, "/set/accounts", "u1")
	require.NoError(t, err)
	assert.True(t, member)
}

func TestBatchEmptyCommitIsNoop(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Commit(context.Background(), s.NewBatch()))
}

func TestBatchStagedReadsShadowStore(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "/uuid/u1", "old"))

	b := s.NewBatch()
	b.Set("/uuid/u1", "new")

	// A read through the batch sees the pending write while the store still
	// holds the old value.
	v, ok, err := b.Get(ctx, "/uuid/u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "new", v)

	v, _, err = s.Get(ctx, "/uuid/u1")
	require.NoError(t, err)
	assert.Equal(t, "old", v)

	b.Del("/uuid/u1")
	_, ok, err = b.Get(ctx, "/uuid/u1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Unstaged keys fall through to the store.
	require.NoError(t, s.Set(ctx, "/uuid/u2", "stored"))
	v, ok, err = b.Get(ctx, "/uuid/u2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "stored", v)
}

func TestStoreErrorOnConnectionFailure(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	mr.Close()

	_, _, err := s.Get(ctx, "/uuid/u1")
	require.Error(t, err)
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "get", storeErr.Op)

	err = s.Commit(ctx, func() *Batch {
		b := s.NewBatch()
		b.Set("k", "v")
		return b
	}())
	require.Error(t, err)
	require.ErrorAs(t, err, &storeErr)
}
