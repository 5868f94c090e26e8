// Package kvtest provides conformance tests for kv.Store implementations
package kvtest

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafsii/leafsii-intents/pkg/kv"
)

// StoreFactory creates a fresh Store instance for testing
type StoreFactory func(t *testing.T) kv.Store

// RunConformanceTests runs all conformance tests against a Store implementation
func RunConformanceTests(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"SetGet", testSetGet},
		{"GetNonExistent", testGetNonExistent},
		{"DelExists", testDelExists},
		{"IncrBy", testIncrBy},
		{"Hash", testHash},
		{"HashMissing", testHashMissing},
		{"HSetNX", testHSetNX},
		{"Set", testSet},
		{"SetMissing", testSetMissing},
		{"MGet", testMGet},
		{"Ping", testPing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testSetGet(t *testing.T, store kv.Store) {
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "test:string", []byte("hello world")))
	got, err := store.Get(ctx, "test:string")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	require.NoError(t, store.Set(ctx, "test:string", []byte("replaced")))
	got, err = store.Get(ctx, "test:string")
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(got))
}

func testGetNonExistent(t *testing.T, store kv.Store) {
	_, err := store.Get(context.Background(), "test:missing")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func testDelExists(t *testing.T, store kv.Store) {
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "test:a", []byte("1")))
	require.NoError(t, store.HSet(ctx, "test:h", "f", []byte("1")))

	n, err := store.Exists(ctx, "test:a", "test:h", "test:none")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.Del(ctx, "test:a", "test:h", "test:none")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.Exists(ctx, "test:a", "test:h")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testIncrBy(t *testing.T, store kv.Store) {
	ctx := context.Background()

	v, err := store.IncrBy(ctx, "test:counter", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = store.IncrBy(ctx, "test:counter", 41)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	raw, err := store.Get(ctx, "test:counter")
	require.NoError(t, err)
	assert.Equal(t, "42", string(raw))

	require.NoError(t, store.Set(ctx, "test:counter", []byte("100")))
	v, err = store.IncrBy(ctx, "test:counter", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(99), v)
}

func testHash(t *testing.T, store kv.Store) {
	ctx := context.Background()

	require.NoError(t, store.HSet(ctx, "test:hash", "a", []byte("1")))
	require.NoError(t, store.HSet(ctx, "test:hash", "b", []byte("2")))

	v, err := store.HGet(ctx, "test:hash", "a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))

	_, err = store.HGet(ctx, "test:hash", "z")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	all, err := store.HGetAll(ctx, "test:hash")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "2", string(all["b"]))

	n, err := store.HDel(ctx, "test:hash", "a", "z")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err = store.HGetAll(ctx, "test:hash")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testHashMissing(t *testing.T, store kv.Store) {
	all, err := store.HGetAll(context.Background(), "test:nohash")
	require.NoError(t, err)
	assert.Empty(t, all)

	n, err := store.HDel(context.Background(), "test:nohash", "f")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testHSetNX(t *testing.T, store kv.Store) {
	ctx := context.Background()

	ok, err := store.HSetNX(ctx, "test:nx", "f", []byte("first"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.HSetNX(ctx, "test:nx", "f", []byte("second"))
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := store.HGet(ctx, "test:nx", "f")
	require.NoError(t, err)
	assert.Equal(t, "first", string(v))
}

func testSet(t *testing.T, store kv.Store) {
	ctx := context.Background()

	n, err := store.SAdd(ctx, "test:set", []byte("1"), []byte("2"), []byte("2"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.SAdd(ctx, "test:set", []byte("2"), []byte("3"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := store.SIsMember(ctx, "test:set", []byte("3"))
	require.NoError(t, err)
	assert.True(t, ok)

	n, err = store.SRem(ctx, "test:set", []byte("1"), []byte("9"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	members, err := store.SMembers(ctx, "test:set")
	require.NoError(t, err)
	got := make([]string, 0, len(members))
	for _, m := range members {
		got = append(got, string(m))
	}
	sort.Strings(got)
	assert.Equal(t, []string{"2", "3"}, got)
}

func testSetMissing(t *testing.T, store kv.Store) {
	members, err := store.SMembers(context.Background(), "test:noset")
	require.NoError(t, err)
	assert.Empty(t, members)

	ok, err := store.SIsMember(context.Background(), "test:noset", []byte("x"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func testMGet(t *testing.T, store kv.Store) {
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "test:m1", []byte("one")))
	require.NoError(t, store.Set(ctx, "test:m3", []byte("three")))

	values, err := store.MGet(ctx, "test:m1", "test:m2", "test:m3")
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, "one", string(values[0]))
	assert.Nil(t, values[1])
	assert.Equal(t, "three", string(values[2]))
}

func testPing(t *testing.T, store kv.Store) {
	assert.NoError(t, store.Ping(context.Background()))
}
