//go:build integration

package clientstate

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"example.com/scorebridge/internal/errs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, rdb.Ping(ctx).Err(), "redis is not reachable")
	return rdb
}

func TestRedisStore_ReloadAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	rdb := newRedisClient(t)
	ns := "it-" + time.Now().Format("150405.000000")
	t.Cleanup(func() {
		keys, _ := rdb.Keys(ctx, "scorebridge:"+ns+":*").Result()
		if len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
	})

	first := New(NewRedisStore(rdb, ns, time.Hour))
	require.NoError(t, first.Hydrate(ctx))
	id, err := first.DeviceID(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Scores.Set(ctx, ScoreSnapshot{MatchID: 9, Submitted: []bool{true, true, false}}))

	// "перезагрузка": новое состояние поверх того же redis
	second := New(NewRedisStore(rdb, ns, time.Hour))
	require.NoError(t, second.Hydrate(ctx))
	again, err := second.DeviceID(ctx)
	require.NoError(t, err)
	require.Equal(t, id, again)

	snap, ok, err := second.Scores.Get()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []bool{true, true, false}, snap.Submitted)

	require.NoError(t, second.Scores.Clear(ctx))
	_, err = NewRedisStore(rdb, ns, time.Hour).Load(ctx, "scores")
	require.True(t, errors.Is(err, errs.ErrNotFound))
}
