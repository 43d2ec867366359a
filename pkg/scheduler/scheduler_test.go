package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wechat-relay/pkg/logger"
)

func TestAddRejectsInvalidCron(t *testing.T) {
	s := New(logger.NewNopLogger())
	assert.Error(t, s.Add("bad", "not a cron", func(context.Context) {}))
	assert.NoError(t, s.Add("hourly", "0 * * * *", func(context.Context) {}))
}

func TestJobRunsOnTick(t *testing.T) {
	s := New(logger.NewNopLogger())
	// 固定在整分钟前100ms，下一次触发很快到来
	fixed := time.Date(2025, 3, 1, 10, 0, 59, 900_000_000, time.UTC)
	s.now = func() time.Time { return fixed }

	ran := make(chan struct{}, 1)
	require.NoError(t, s.Add("every-minute", "* * * * *", func(context.Context) {
		select {
		case ran <- struct{}{}:
		default:
		}
	}))
	require.NoError(t, s.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, s.Stop(ctx))
	}()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestStopWithoutStart(t *testing.T) {
	s := New(logger.NewNopLogger())
	assert.NoError(t, s.Stop(context.Background()))
}
