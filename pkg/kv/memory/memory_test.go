package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leafsii/leafsii-intents/pkg/kv"
	"github.com/leafsii/leafsii-intents/pkg/kv/kvtest"
)

func TestMemoryStore(t *testing.T) {
	factory := func(t *testing.T) kv.Store {
		return New()
	}

	kvtest.RunConformanceTests(t, factory)
}

func TestMemoryStoreWrongType(t *testing.T) {
	store := New()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "str", []byte("x")))
	require.Error(t, store.HSet(ctx, "str", "f", []byte("v")))
	_, err := store.SAdd(ctx, "str", []byte("m"))
	require.Error(t, err)
	_, err = store.IncrBy(ctx, "str", 1)
	require.Error(t, err)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	store := New()
	ctx := context.Background()

	value := []byte("abc")
	require.NoError(t, store.Set(ctx, "k", value))
	value[0] = 'z'

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))

	got[1] = 'z'
	again, _ := store.Get(ctx, "k")
	require.Equal(t, "abc", string(again))
}

func TestMemoryStorePingAfterClose(t *testing.T) {
	store := New()
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())
	require.ErrorIs(t, store.Ping(context.Background()), kv.ErrBackendUnavailable)
}
