package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemorySetGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "balance:A:0:all", []byte(`[1]`), time.Minute))

	val, ok, err := m.Get(ctx, "balance:A:0:all")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`[1]`), val)

	_, ok, err = m.Get(ctx, "balance:B:0:all")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	m.nowFn = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 30*time.Second))

	_, ok, _ := m.Get(ctx, "k")
	require.True(t, ok)

	now = now.Add(31 * time.Second)
	_, ok, _ = m.Get(ctx, "k")
	require.False(t, ok)
	require.Equal(t, 0, m.Len())
}

func TestMemoryDeletePrefix(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, k := range []string{"txhistory:A:0:limit=50", "txhistory:A:0:limit=10", "txhistory:B:0:limit=50", "balance:A:0:all"} {
		require.NoError(t, m.Set(ctx, k, []byte("v"), time.Minute))
	}

	require.NoError(t, m.DeletePrefix(ctx, "txhistory:A:"))

	_, ok, _ := m.Get(ctx, "txhistory:A:0:limit=50")
	require.False(t, ok)
	_, ok, _ = m.Get(ctx, "txhistory:A:0:limit=10")
	require.False(t, ok)
	_, ok, _ = m.Get(ctx, "txhistory:B:0:limit=50")
	require.True(t, ok)
	_, ok, _ = m.Get(ctx, "balance:A:0:all")
	require.True(t, ok)
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, m.Delete(ctx, "k"))
	_, ok, _ := m.Get(ctx, "k")
	require.False(t, ok)
}
