package signalbuffer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestBuffer(t *testing.T, retention time.Duration) (*Buffer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := &Buffer{client: client, prefix: "test:signalbuffer:", retention: retention}
	return b, mr
}

func TestNewDefaultPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()

	cfg := Config{RedisURL: mr.Addr()}
	b, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "signalbuffer:", b.prefix)
	assert.Equal(t, 300*time.Second, b.retention)
	b.Close()
}

func TestInsertSnapshotCount(t *testing.T) {
	b, mr := setupTestBuffer(t, 300*time.Second)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, &Signal{AgentKind: "technical", Symbol: "BTCUSDT", Direction: Buy, Confidence: 0.85}))
	require.NoError(t, b.Insert(ctx, &Signal{AgentKind: "sentiment", Symbol: "BTCUSDT", Direction: Buy, Confidence: 0.70}))

	count, err := b.Count(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	snap, err := b.Snapshot(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, snap, 2)

	emptyCount, err := b.Count(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0, emptyCount)
}

func TestRetentionEviction(t *testing.T) {
	b, mr := setupTestBuffer(t, 50*time.Millisecond)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, &Signal{AgentKind: "technical", Symbol: "BTCUSDT", Direction: Sell, Confidence: 0.9}))

	count, err := b.Count(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	time.Sleep(200 * time.Millisecond)

	count, err = b.Count(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0, count, "signals older than retention must never be returned")

	snap, err := b.Snapshot(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestInsertRequiresSymbol(t *testing.T) {
	b, mr := setupTestBuffer(t, time.Minute)
	defer mr.Close()

	err := b.Insert(context.Background(), &Signal{AgentKind: "technical", Direction: Buy, Confidence: 0.5})
	assert.Error(t, err)
}

func TestSymbolsIsolated(t *testing.T) {
	b, mr := setupTestBuffer(t, time.Minute)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, &Signal{AgentKind: "technical", Symbol: "BTCUSDT", Direction: Buy, Confidence: 0.8}))
	require.NoError(t, b.Insert(ctx, &Signal{AgentKind: "technical", Symbol: "ETHUSDT", Direction: Sell, Confidence: 0.6}))

	symbols, err := b.Symbols(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, symbols)

	btc, err := b.Snapshot(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, btc, 1)
	assert.Equal(t, "BTCUSDT", btc[0].Symbol)
}
