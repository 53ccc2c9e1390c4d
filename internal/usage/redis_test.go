package usage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/aliasmail/internal/logging"
	"github.com/vdavid/aliasmail/internal/models"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client
}

func TestRedisSink(t *testing.T) {
	ctx := context.Background()
	sink := NewRedisSink(setupTestRedis(t), "")
	used := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, sink.ApplyUsage(ctx, []models.UsageDelta{
		{AccountID: "acc-1", QuotaDelta: 4, AliasDelta: 2, LastUsed: used},
		{AccountID: "acc-2", AliasDelta: 1},
	}))
	require.NoError(t, sink.ApplyUsage(ctx, []models.UsageDelta{
		{AccountID: "acc-1", QuotaDelta: 1, AliasDelta: -1},
	}))
	require.NoError(t, sink.ApplyUsage(ctx, nil))

	counters, err := sink.Get(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, Counters{QuotaUsed: 5, AliasCount: 1, LastUsed: used.Unix()}, counters)

	counters, err = sink.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, Counters{}, counters)

	t.Run("reset clears alias counts only", func(t *testing.T) {
		require.NoError(t, sink.Reset(ctx))

		counters, err := sink.Get(ctx, "acc-1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), counters.AliasCount)
		assert.Equal(t, int64(5), counters.QuotaUsed)

		counters, err = sink.Get(ctx, "acc-2")
		require.NoError(t, err)
		assert.Equal(t, int64(0), counters.AliasCount)
	})
}

func TestBatcher_WithRedisSink(t *testing.T) {
	ctx := context.Background()
	sink := NewRedisSink(setupTestRedis(t), "test:")
	b := NewBatcher(sink, 100, time.Hour, logging.Discard())

	for range 3 {
		b.Record(models.UsageDelta{AccountID: "acc-1", QuotaDelta: 2})
	}
	require.NoError(t, b.Flush(ctx))

	counters, err := sink.Get(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), counters.QuotaUsed)
}
