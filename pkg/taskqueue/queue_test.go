package taskqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wechat-relay/pkg/kafka"
	"wechat-relay/pkg/metrics"
)

func TestMemoryQueueProcessesTasks(t *testing.T) {
	q := NewMemoryQueue(Options{Workers: 2, Buffer: 16, MaxAttempts: 1})

	var mu sync.Mutex
	seen := map[string]bool{}
	require.NoError(t, q.Start(context.Background(), func(_ context.Context, task Task) error {
		mu.Lock()
		seen[string(task.Payload)] = true
		mu.Unlock()
		return nil
	}))

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), NewTask("test", []byte(p))))
	}
	require.NoError(t, q.Stop(context.Background()))

	assert.Len(t, seen, 3)
	stats := q.Stats()
	assert.Equal(t, uint64(3), stats.Enqueued)
	assert.Equal(t, uint64(3), stats.Succeeded)
	assert.Equal(t, "memory", stats.Driver)
}

func TestMemoryQueueRetriesThenReportsFailure(t *testing.T) {
	var failed atomic.Int32
	var failedErr error
	q := NewMemoryQueue(Options{
		Workers:     1,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		Metrics:     metrics.New("test"),
		OnFailure: func(_ context.Context, task Task, err error) {
			failed.Add(1)
			failedErr = err
			assert.Equal(t, 3, task.Attempt)
		},
	})

	var calls atomic.Int32
	boom := errors.New("store down")
	require.NoError(t, q.Start(context.Background(), func(context.Context, Task) error {
		calls.Add(1)
		return boom
	}))
	require.NoError(t, q.Enqueue(context.Background(), NewTask("test", nil)))
	require.NoError(t, q.Stop(context.Background()))

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(1), failed.Load())
	assert.ErrorIs(t, failedErr, boom)
	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(2), stats.Retried)
}

func TestMemoryQueueSucceedsAfterTransientError(t *testing.T) {
	q := NewMemoryQueue(Options{Workers: 1, MaxAttempts: 3})
	var calls atomic.Int32
	require.NoError(t, q.Start(context.Background(), func(context.Context, Task) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}))
	require.NoError(t, q.Enqueue(context.Background(), NewTask("test", nil)))
	require.NoError(t, q.Stop(context.Background()))

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, uint64(1), q.Stats().Succeeded)
	assert.Equal(t, uint64(0), q.Stats().Failed)
}

func TestMemoryQueueRecoversPanics(t *testing.T) {
	q := NewMemoryQueue(Options{Workers: 1, MaxAttempts: 1})
	require.NoError(t, q.Start(context.Background(), func(context.Context, Task) error {
		panic("bad payload")
	}))
	require.NoError(t, q.Enqueue(context.Background(), NewTask("test", nil)))
	require.NoError(t, q.Stop(context.Background()))
	assert.Equal(t, uint64(1), q.Stats().Failed)
}

func TestMemoryQueueFullAndClosed(t *testing.T) {
	q := NewMemoryQueue(Options{Workers: 1, Buffer: 1})
	require.NoError(t, q.Enqueue(context.Background(), NewTask("a", nil)))
	assert.ErrorIs(t, q.Enqueue(context.Background(), NewTask("b", nil)), ErrQueueFull)
	assert.Equal(t, uint64(1), q.Stats().Rejected)

	require.NoError(t, q.Stop(context.Background()))
	assert.ErrorIs(t, q.Enqueue(context.Background(), NewTask("c", nil)), ErrQueueClosed)
}

type fakeSender struct {
	topic string
	key   []byte
	value []byte
	err   error
}

func (f *fakeSender) Send(topic string, key, value []byte) error {
	f.topic, f.key, f.value = topic, key, value
	return f.err
}

func TestKafkaQueueEnqueueAndHandle(t *testing.T) {
	sender := &fakeSender{}
	q := NewKafkaQueue(sender, kafka.Config{Topics: []string{"inbound"}}, Options{MaxAttempts: 2})

	task := NewTask("wechat.inbound", []byte(`{"x":1}`))
	require.NoError(t, q.Enqueue(context.Background(), task))
	assert.Equal(t, "inbound", sender.topic)
	assert.Equal(t, task.ID, string(sender.key))

	var got Task
	err := q.handleMessage(context.Background(), func(_ context.Context, t Task) error {
		got = t
		return nil
	}, &sarama.ConsumerMessage{Value: sender.value})
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.JSONEq(t, `{"x":1}`, string(got.Payload))

	// 无法解码的消息直接丢弃并计为失败
	require.NoError(t, q.handleMessage(context.Background(), nil, &sarama.ConsumerMessage{Value: []byte("{")}))
	assert.Equal(t, uint64(1), q.Stats().Failed)

	sender.err = errors.New("broker down")
	assert.Error(t, q.Enqueue(context.Background(), task))
	assert.Equal(t, uint64(1), q.Stats().Rejected)
}
