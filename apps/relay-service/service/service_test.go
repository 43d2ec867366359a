package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wechat-relay/apps/relay-service/dao"
	"wechat-relay/apps/relay-service/model"
	"wechat-relay/apps/relay-service/wechat"
	"wechat-relay/pkg/logger"
	"wechat-relay/pkg/metrics"
)

type sentFrame struct {
	identity string
	frame    string
}

type recordingNotifier struct {
	mu         sync.Mutex
	broadcasts []string
	unicasts   []sentFrame
	online     map[string]bool
}

func (n *recordingNotifier) Broadcast(frame []byte) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, string(frame))
	return len(n.online)
}

func (n *recordingNotifier) Unicast(identity string, frame []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unicasts = append(n.unicasts, sentFrame{identity, string(frame)})
	return n.online[identity]
}

func newTestService(t *testing.T, delivery string) (*Service, *recordingNotifier) {
	t.Helper()
	store, err := dao.OpenFileStore(t.TempDir(), dao.Options{})
	require.NoError(t, err)
	notifier := &recordingNotifier{online: map[string]bool{}}
	voice := NewVoiceNormalizer(NewMemoryVoiceCache(time.Hour, 0), nil, logger.NewNopLogger(), nil)
	svc := NewService(store, voice, notifier, logger.NewNopLogger(), Options{
		Delivery: delivery,
		Metrics:  metrics.New("test"),
	})
	return svc, notifier
}

func TestProcessInboundText(t *testing.T) {
	svc, notifier := newTestService(t, DeliveryBroadcast)
	ctx := context.Background()

	rec, err := svc.ProcessInbound(ctx, &wechat.Envelope{
		FromUserName: "oUser", ToUserName: "gh", MsgType: "text", Content: "hello", MsgID: "1",
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.ContentText, rec.ContentType)
	assert.Equal(t, "hello", rec.RawContent)
	assert.Equal(t, "hello", rec.ConvertedText)
	assert.Equal(t, model.StatusPending, rec.Status)

	require.Len(t, notifier.broadcasts, 1)
	assert.Contains(t, notifier.broadcasts[0], `"event":"new_message"`)
	assert.Contains(t, notifier.broadcasts[0], rec.ID)

	page, err := svc.ListByUser(ctx, "oUser", model.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, rec.ID, page.Items[0].ID)
}

func TestProcessInboundVoicePlaceholder(t *testing.T) {
	svc, _ := newTestService(t, DeliveryBroadcast)

	rec, err := svc.ProcessInbound(context.Background(), &wechat.Envelope{
		FromUserName: "oUser", ToUserName: "gh", MsgType: "voice", MediaID: "m1",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ContentVoice, rec.ContentType)
	assert.Equal(t, "m1", rec.RawContent)
	assert.Equal(t, model.VoicePlaceholder, rec.ConvertedText)

	st, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.VoiceMessages)
	assert.Zero(t, st.FreeVoiceRecognitions)
}

func TestProcessInboundSkipsEvents(t *testing.T) {
	svc, notifier := newTestService(t, DeliveryBroadcast)

	rec, err := svc.ProcessInbound(context.Background(), &wechat.Envelope{
		FromUserName: "oUser", MsgType: "event", Event: "subscribe",
	})
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, notifier.broadcasts)

	n, err := svc.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessInboundUnicastDelivery(t *testing.T) {
	svc, notifier := newTestService(t, DeliveryUnicast)

	_, err := svc.ProcessInbound(context.Background(), &wechat.Envelope{
		FromUserName: "oUser", MsgType: "text", Content: "hi",
	})
	require.NoError(t, err)
	assert.Empty(t, notifier.broadcasts)
	require.Len(t, notifier.unicasts, 1)
	assert.Equal(t, "oUser", notifier.unicasts[0].identity)
}

func TestListByUserPaging(t *testing.T) {
	svc, _ := newTestService(t, DeliveryBroadcast)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.ProcessInbound(ctx, &wechat.Envelope{FromUserName: "oUser", MsgType: "text", Content: fmt.Sprint(i)})
		require.NoError(t, err)
	}

	page, err := svc.ListByUser(ctx, "oUser", model.ListOptions{Limit: 2, Skip: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 2, page.Limit)
	assert.Equal(t, 2, page.Skip)

	_, err = svc.ListByUser(ctx, "", model.ListOptions{})
	assert.ErrorIs(t, err, ErrMissingUserID)
}

func TestUpdateStatus(t *testing.T) {
	svc, notifier := newTestService(t, DeliveryBroadcast)
	ctx := context.Background()

	rec, err := svc.ProcessInbound(ctx, &wechat.Envelope{FromUserName: "oUser", MsgType: "text", Content: "hi"})
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, rec.ID, "", "done")
	assert.ErrorIs(t, err, model.ErrInvalidStatus)
	unchanged, err := svc.Get(ctx, rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, unchanged.Status)
	assert.Nil(t, unchanged.UpdatedAt)

	_, err = svc.UpdateStatus(ctx, rec.ID, "someoneElse", "synced")
	assert.ErrorIs(t, err, ErrNotFound)

	updated, err := svc.UpdateStatus(ctx, rec.ID, "oUser", "synced")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSynced, updated.Status)
	require.Len(t, notifier.unicasts, 1)
	assert.JSONEq(t,
		fmt.Sprintf(`{"event":"message_status_update","data":{"id":%q,"status":"synced"}}`, rec.ID),
		notifier.unicasts[0].frame)

	_, err = svc.UpdateStatus(ctx, "missing", "", "synced")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBatchUpdateStatus(t *testing.T) {
	svc, notifier := newTestService(t, DeliveryBroadcast)
	ctx := context.Background()

	var ids []string
	for _, user := range []string{"a", "b"} {
		rec, err := svc.ProcessInbound(ctx, &wechat.Envelope{FromUserName: user, MsgType: "text", Content: "x"})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	n, err := svc.BatchUpdateStatus(ctx, append(ids, "missing"), "failed")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, notifier.unicasts, 2)

	_, err = svc.BatchUpdateStatus(ctx, nil, "failed")
	assert.ErrorIs(t, err, ErrMissingIDs)
	_, err = svc.BatchUpdateStatus(ctx, ids, "archived")
	assert.ErrorIs(t, err, model.ErrInvalidStatus)

	pending, err := svc.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSearchAndAggregate(t *testing.T) {
	svc, _ := newTestService(t, DeliveryBroadcast)
	ctx := context.Background()

	for _, env := range []*wechat.Envelope{
		{FromUserName: "oUser", MsgType: "text", Content: "明天开会"},
		{FromUserName: "oUser", MsgType: "voice", MediaID: "m1", Recognition: "开会带电脑"},
		{FromUserName: "oUser", MsgType: "image", MediaID: "m2", PicURL: "http://p"},
		{FromUserName: "other", MsgType: "text", Content: "开会"},
	} {
		_, err := svc.ProcessInbound(ctx, env)
		require.NoError(t, err)
	}

	page, err := svc.Search(ctx, model.SearchQuery{UserID: "oUser", Keyword: "开会"}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Items, 2)

	page, err = svc.Search(ctx, model.SearchQuery{Keyword: "开会"}, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 1)

	agg, err := svc.Aggregate(ctx, model.SearchQuery{UserID: "oUser"})
	require.NoError(t, err)
	assert.Equal(t, 3, agg.Total)
	assert.Equal(t, 1, agg.TypeStats["image"])
	assert.Equal(t, 3, agg.StatusStats["pending"])

	st, err := svc.ResetDailyStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.TotalMessages)
	assert.Zero(t, st.DailyUsage.Messages)
}
