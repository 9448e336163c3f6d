package syncer

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisEventPublisher_PublishTaskFinished(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	pub := NewRedisEventPublisher(client, zap.NewNop())
	err := pub.PublishTaskFinished(context.Background(), &TaskFinishedEvent{
		TaskID: 7, DataSourceID: 1, Status: "success", DurationMS: 1200,
	})
	require.NoError(t, err)

	msgs, err := client.XRange(context.Background(), taskEventStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0].Values["data"], `"task_id":7`)
	require.Contains(t, msgs[0].Values, "timestamp")
}
