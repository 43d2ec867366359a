package dao

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wechat-relay/apps/relay-service/model"
	"wechat-relay/pkg/database"
)

// fakeClock 每次读取前进一秒
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func seqIDs() func() (string, error) {
	var mu sync.Mutex
	n := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%04d", IDPrefix, n), nil
	}
}

type storeFactory func(t *testing.T, opts Options) Store

func fileFactory(t *testing.T, opts Options) Store {
	s, err := OpenFileStore(t.TempDir(), opts)
	require.NoError(t, err)
	return s
}

func pebbleFactory(t *testing.T, opts Options) Store {
	db, err := database.OpenPebble(filepath.Join(t.TempDir(), "pebble"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewPebbleStore(db, opts)
	require.NoError(t, err)
	return s
}

func TestStores(t *testing.T) {
	factories := map[string]storeFactory{
		"file":    fileFactory,
		"pebble":  pebbleFactory,
		"indexed": indexedFactory,
	}
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			runStoreContract(t, factory)
		})
	}
}

func runStoreContract(t *testing.T, factory storeFactory) {
	newStore := func(t *testing.T) Store {
		return factory(t, Options{NewID: seqIDs(), Now: newFakeClock().Now})
	}

	t.Run("AppendAssignsIdentity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		in := &model.Message{ID: "caller-id", UserID: "u1", ContentType: model.ContentText, RawContent: "hello", ConvertedText: "hello", Status: model.StatusSynced}
		rec, err := s.Append(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, IDPrefix+"0001", rec.ID)
		assert.Equal(t, model.StatusPending, rec.Status)
		assert.False(t, rec.CreatedAt.IsZero())
		assert.Nil(t, rec.UpdatedAt)
		// 入参不被修改
		assert.Equal(t, "caller-id", in.ID)

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec, got)

		// 重复读取结果一致
		again, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, got, again)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("AppendMonotonicity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const n = 25
		ids := make([]string, 0, n)
		for i := 0; i < n; i++ {
			rec, err := s.Append(ctx, &model.Message{UserID: "u1", ContentType: model.ContentText, ConvertedText: fmt.Sprint(i)})
			require.NoError(t, err)
			ids = append(ids, rec.ID)
		}
		count, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(n), count)
		for _, id := range ids {
			_, err := s.Get(ctx, id)
			assert.NoError(t, err, id)
		}
	})

	t.Run("FindByUserNewestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			_, err := s.Append(ctx, &model.Message{UserID: "u1", ContentType: model.ContentText, ConvertedText: fmt.Sprint(i)})
			require.NoError(t, err)
		}
		_, err := s.Append(ctx, &model.Message{UserID: "u2", ContentType: model.ContentText, ConvertedText: "other"})
		require.NoError(t, err)

		all, err := s.FindByUser(ctx, "u1", model.ListOptions{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "4", all[0].ConvertedText)
		assert.Equal(t, "0", all[4].ConvertedText)

		page, err := s.FindByUser(ctx, "u1", model.ListOptions{Limit: 2, Skip: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "3", page[0].ConvertedText)
		assert.Equal(t, "2", page[1].ConvertedText)

		empty, err := s.FindByUser(ctx, "u1", model.ListOptions{Skip: 10})
		require.NoError(t, err)
		assert.NotNil(t, empty)
		assert.Empty(t, empty)

		_, err = s.UpdateStatus(ctx, all[0].ID, model.StatusSynced)
		require.NoError(t, err)
		synced, err := s.FindByUser(ctx, "u1", model.ListOptions{Status: model.StatusSynced})
		require.NoError(t, err)
		require.Len(t, synced, 1)
		assert.Equal(t, all[0].ID, synced[0].ID)
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec, err := s.Append(ctx, &model.Message{UserID: "u1", ContentType: model.ContentText})
		require.NoError(t, err)

		updated, err := s.UpdateStatus(ctx, rec.ID, model.StatusSynced)
		require.NoError(t, err)
		assert.Equal(t, model.StatusSynced, updated.Status)
		require.NotNil(t, updated.UpdatedAt)
		assert.True(t, updated.UpdatedAt.After(rec.CreatedAt))
		assert.Equal(t, rec.CreatedAt, updated.CreatedAt)

		// 任意状态之间都允许切换
		back, err := s.UpdateStatus(ctx, rec.ID, model.StatusPending)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, back.Status)

		_, err = s.UpdateStatus(ctx, "missing", model.StatusSynced)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("BatchUpdateStatusSkipsUnknown", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a, err := s.Append(ctx, &model.Message{UserID: "u1", ContentType: model.ContentText})
		require.NoError(t, err)
		b, err := s.Append(ctx, &model.Message{UserID: "u2", ContentType: model.ContentVoice})
		require.NoError(t, err)

		updated, err := s.BatchUpdateStatus(ctx, []string{a.ID, "missing", b.ID, a.ID}, model.StatusFailed)
		require.NoError(t, err)
		assert.Len(t, updated, 2)

		pending, err := s.FindPending(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)

		none, err := s.BatchUpdateStatus(ctx, []string{"x", "y"}, model.StatusSynced)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("FindPendingOldestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var ids []string
		for i := 0; i < 4; i++ {
			rec, err := s.Append(ctx, &model.Message{UserID: "u1", ContentType: model.ContentText})
			require.NoError(t, err)
			ids = append(ids, rec.ID)
		}
		_, err := s.UpdateStatus(ctx, ids[0], model.StatusSynced)
		require.NoError(t, err)

		pending, err := s.FindPending(ctx, 2)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, ids[1], pending[0].ID)
		assert.Equal(t, ids[2], pending[1].ID)
	})

	t.Run("SearchAndAggregate", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, Options{NewID: seqIDs(), Now: clock.Now})
		ctx := context.Background()

		seed := []*model.Message{
			{UserID: "u1", ContentType: model.ContentText, ConvertedText: "明天开会"},
			{UserID: "u1", ContentType: model.ContentVoice, ConvertedText: "下午开会记得带电脑"},
			{UserID: "u1", ContentType: model.ContentImage, ConvertedText: "图片消息: http://x/1.jpg"},
			{UserID: "u2", ContentType: model.ContentText, ConvertedText: "开会"},
		}
		var recs []*model.Message
		for _, m := range seed {
			rec, err := s.Append(ctx, m)
			require.NoError(t, err)
			recs = append(recs, rec)
		}
		_, err := s.UpdateStatus(ctx, recs[1].ID, model.StatusSynced)
		require.NoError(t, err)

		got, err := s.Search(ctx, model.SearchQuery{UserID: "u1", Keyword: "开会"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, recs[1].ID, got[0].ID)

		got, err = s.Search(ctx, model.SearchQuery{ContentType: model.ContentText})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = s.Search(ctx, model.SearchQuery{Status: model.StatusSynced})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, recs[1].ID, got[0].ID)

		start, end := recs[1].CreatedAt, recs[2].CreatedAt
		got, err = s.Search(ctx, model.SearchQuery{StartDate: &start, EndDate: &end})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		agg, err := s.Aggregate(ctx, model.SearchQuery{UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, 3, agg.Total)
		assert.Equal(t, map[string]int{"text": 1, "voice": 1, "image": 1}, agg.TypeStats)
		assert.Equal(t, map[string]int{"pending": 2, "synced": 1}, agg.StatusStats)
	})

	t.Run("StatsSideCounter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, m := range []*model.Message{
			{UserID: "u1", ContentType: model.ContentText, ConvertedText: "hi"},
			{UserID: "u1", ContentType: model.ContentVoice, ConvertedText: "转写"},
			{UserID: "u1", ContentType: model.ContentVoice, ConvertedText: model.VoicePlaceholder},
		} {
			_, err := s.Append(ctx, m)
			require.NoError(t, err)
		}

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), st.TotalMessages)
		assert.Equal(t, int64(1), st.TextMessages)
		assert.Equal(t, int64(2), st.VoiceMessages)
		assert.Equal(t, int64(1), st.FreeVoiceRecognitions)
		assert.Equal(t, int64(3), st.DailyUsage.Messages)

		reset, err := s.ResetDaily(ctx)
		require.NoError(t, err)
		assert.Zero(t, reset.DailyUsage.Messages)
		assert.Zero(t, reset.DailyUsage.VoiceRecognitions)
		assert.Equal(t, int64(3), reset.TotalMessages)

		st, err = s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, reset, st)
	})

	t.Run("ConcurrentAppend", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Append(ctx, &model.Message{UserID: "u1", ContentType: model.ContentText})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		count, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(20), count)
		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(20), st.TotalMessages)
	})
}

func TestFileStoreReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenFileStore(dir, Options{NewID: seqIDs(), Now: newFakeClock().Now})
	require.NoError(t, err)
	rec, err := s.Append(ctx, &model.Message{UserID: "u1", ContentType: model.ContentVoice, ConvertedText: "转写"})
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, rec.ID, model.StatusSynced)
	require.NoError(t, err)

	reopened, err := OpenFileStore(dir, Options{})
	require.NoError(t, err)
	got, err := reopened.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSynced, got.Status)
	assert.Equal(t, "转写", got.ConvertedText)

	st, err := reopened.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.VoiceMessages)

	info := reopened.Info()
	assert.Equal(t, "file-database", info.Driver)
	assert.Equal(t, dir, info.Location)
	assert.NotZero(t, info.Size)
}

func TestFileStoreCorruptFilesMovedAside(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, messagesFile), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, statsFile), []byte(`{"totalMessages":"many"}`), 0o644))

	s, err := OpenFileStore(dir, Options{NewID: seqIDs(), Now: newFakeClock().Now})
	require.NoError(t, err)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.TotalMessages)

	for name, content := range map[string]string{
		messagesFile: "{not json",
		statsFile:    `{"totalMessages":"many"}`,
	} {
		matches, err := filepath.Glob(filepath.Join(dir, name+".corrupt-*"))
		require.NoError(t, err)
		require.Len(t, matches, 1, name)
		data, err := os.ReadFile(matches[0])
		require.NoError(t, err)
		assert.Equal(t, content, string(data))
	}

	// 损坏文件留档后正常写入
	rec, err := s.Append(ctx, &model.Message{UserID: "u1", ContentType: model.ContentText, ConvertedText: "hi"})
	require.NoError(t, err)
	reopened, err := OpenFileStore(dir, Options{})
	require.NoError(t, err)
	_, err = reopened.Get(ctx, rec.ID)
	assert.NoError(t, err)
}

func TestPebbleStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pebble")
	ctx := context.Background()

	db, err := database.OpenPebble(path)
	require.NoError(t, err)
	s, err := NewPebbleStore(db, Options{NewID: seqIDs(), Now: newFakeClock().Now})
	require.NoError(t, err)
	rec, err := s.Append(ctx, &model.Message{UserID: "u1", ContentType: model.ContentText, ConvertedText: "hi"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = database.OpenPebble(path)
	require.NoError(t, err)
	defer db.Close()
	s, err = NewPebbleStore(db, Options{})
	require.NoError(t, err)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.ConvertedText)
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.TextMessages)
}

func TestIDGeneratorMonotonic(t *testing.T) {
	gen, err := NewIDGenerator(1)
	require.NoError(t, err)
	prev := ""
	for i := 0; i < 100; i++ {
		id, err := gen()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(id, IDPrefix))
		if prev != "" {
			assert.Len(t, id, len(prev))
			assert.Greater(t, id, prev)
		}
		prev = id
	}
}
