package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wechat-relay/apps/relay-service/model"
	"wechat-relay/pkg/metrics"
)

func newTestServer(t *testing.T, h *Hub) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Serve(context.Background(), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	frame, err := model.NewEnvelope(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// next 读取下一条非上下线通知的事件
func next(t *testing.T, conn *websocket.Conn) model.Envelope {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env model.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Event == model.EventUserOnline || env.Event == model.EventUserOffline {
			continue
		}
		return env
	}
}

// until 读取直到出现指定事件
func until(t *testing.T, conn *websocket.Conn, event string) model.Envelope {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env model.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Event == event {
			return env
		}
	}
}

// raw 读取下一条事件，不做过滤
func raw(t *testing.T, conn *websocket.Conn) model.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env model.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func login(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	send(t, conn, model.EventUserLogin, model.LoginRequest{UserID: userID})
	env := next(t, conn)
	require.Equal(t, model.EventLoginSuccess, env.Event)
}

func frame(t *testing.T, id string) []byte {
	t.Helper()
	f, err := model.NewEnvelope(model.EventNewMessage, map[string]string{"id": id})
	require.NoError(t, err)
	return f
}

func TestFanoutIsolation(t *testing.T) {
	h := New(Options{Metrics: metrics.New("test")})
	url := newTestServer(t, h)

	a := dial(t, url)
	b := dial(t, url)
	c := dial(t, url)
	login(t, a, "u1")
	login(t, b, "u2")
	require.Eventually(t, func() bool { return h.Stats().Connections == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, h.Stats().Identities)

	assert.True(t, h.Unicast("u1", frame(t, "only-u1")))
	assert.False(t, h.Unicast("nobody", frame(t, "lost")))
	assert.Equal(t, 3, h.Broadcast(frame(t, "all")))

	assert.Contains(t, string(next(t, a).Data), "only-u1")
	assert.Contains(t, string(next(t, a).Data), "all")
	// u2和未登录连接收不到u1的单播
	assert.Contains(t, string(next(t, b).Data), "all")
	assert.Contains(t, string(next(t, c).Data), "all")
}

func TestLoginFailed(t *testing.T) {
	h := New(Options{})
	conn := dial(t, newTestServer(t, h))

	send(t, conn, model.EventUserLogin, model.LoginRequest{UserID: "  "})
	env := next(t, conn)
	assert.Equal(t, model.EventLoginFailed, env.Event)
	assert.Zero(t, h.Stats().Identities)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, model.EventError, next(t, conn).Event)
}

func TestPingEvent(t *testing.T) {
	h := New(Options{})
	conn := dial(t, newTestServer(t, h))

	send(t, conn, model.EventPing, nil)
	assert.Equal(t, model.EventPong, next(t, conn).Event)
}

type memOnline struct {
	mu       sync.Mutex
	members  map[string]bool
	removals int
}

func (m *memOnline) SAdd(_ context.Context, _ string, members ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range members {
		m.members[v.(string)] = true
	}
	return nil
}

func (m *memOnline) SRem(_ context.Context, _ string, members ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range members {
		delete(m.members, v.(string))
		m.removals++
	}
	return nil
}

func (m *memOnline) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[id]
}

func TestUnbindRemovesEmptyIdentity(t *testing.T) {
	online := &memOnline{members: map[string]bool{}}
	h := New(Options{Online: online})
	url := newTestServer(t, h)

	observer := dial(t, url)
	first := dial(t, url)
	second := dial(t, url)
	login(t, first, "u1")
	login(t, second, "u1")
	assert.Equal(t, 1, h.Stats().Identities)
	assert.True(t, online.has("u1"))

	first.Close()
	require.Eventually(t, func() bool { return h.Stats().Connections == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, h.Online("u1"))

	second.Close()
	env := until(t, observer, model.EventUserOffline)
	assert.JSONEq(t, `{"userId":"u1"}`, string(env.Data))
	assert.False(t, h.Online("u1"))
	assert.Zero(t, h.Stats().Identities)
	assert.False(t, online.has("u1"))
}

func TestRepeatedLoginKeepsPresence(t *testing.T) {
	online := &memOnline{members: map[string]bool{}}
	h := New(Options{Online: online})
	url := newTestServer(t, h)

	observer := dial(t, url)
	require.Eventually(t, func() bool { return h.Stats().Connections == 1 }, 2*time.Second, 10*time.Millisecond)
	conn := dial(t, url)
	login(t, conn, "u1")
	env := raw(t, observer)
	require.Equal(t, model.EventUserOnline, env.Event)

	login(t, conn, "u1")
	assert.True(t, h.Online("u1"))
	assert.Equal(t, 1, h.Stats().Identities)

	// 重复登录不产生上下线通知，观察者下一条只能是marker
	assert.Equal(t, 2, h.Broadcast(frame(t, "marker")))
	env = raw(t, observer)
	assert.Equal(t, model.EventNewMessage, env.Event)
	assert.Contains(t, string(env.Data), "marker")

	assert.True(t, online.has("u1"))
	online.mu.Lock()
	assert.Zero(t, online.removals)
	online.mu.Unlock()
}

func TestRebindSwitchesIdentity(t *testing.T) {
	h := New(Options{})
	conn := dial(t, newTestServer(t, h))

	login(t, conn, "u1")
	login(t, conn, "u2")
	assert.False(t, h.Online("u1"))
	assert.True(t, h.Online("u2"))
	assert.Equal(t, 1, h.Stats().Identities)
}

func TestDeadPeerIsUnbound(t *testing.T) {
	h := New(Options{PingInterval: 20 * time.Millisecond, PongTimeout: 150 * time.Millisecond})
	url := newTestServer(t, h)

	// 持续读取的客户端会自动回复pong
	alive := dial(t, url)
	go func() {
		for {
			if _, _, err := alive.ReadMessage(); err != nil {
				return
			}
		}
	}()
	// 不读取的客户端不会回复pong
	dial(t, url)

	require.Eventually(t, func() bool { return h.Stats().Connections == 2 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.Stats().Connections == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, h.Stats().Connections)
}

// memBus 进程内桥，模拟多实例
type memBus struct {
	mu   sync.Mutex
	subs []func(Fanout)
}

type memBridge struct{ bus *memBus }

func (b memBridge) Publish(_ context.Context, f Fanout) error {
	b.bus.mu.Lock()
	subs := append([]func(Fanout){}, b.bus.subs...)
	b.bus.mu.Unlock()
	for _, deliver := range subs {
		deliver(f)
	}
	return nil
}

func (b memBridge) Subscribe(_ context.Context, deliver func(Fanout)) error {
	b.bus.mu.Lock()
	defer b.bus.mu.Unlock()
	b.bus.subs = append(b.bus.subs, deliver)
	return nil
}

func (b memBridge) Close() error { return nil }

func TestBridgeFanout(t *testing.T) {
	bus := &memBus{}
	h1 := New(Options{Bridge: memBridge{bus}})
	h2 := New(Options{Bridge: memBridge{bus}})
	require.NoError(t, h1.Start(context.Background()))
	require.NoError(t, h2.Start(context.Background()))

	conn := dial(t, newTestServer(t, h2))
	login(t, conn, "u1")

	// 本机没有连接，返回false，但经桥送达另一实例
	assert.False(t, h1.Unicast("u1", frame(t, "via-bridge")))
	assert.Contains(t, string(next(t, conn).Data), "via-bridge")

	// 本实例发出的帧不会被自己重复投递
	assert.True(t, h2.Unicast("u1", frame(t, "local")))
	assert.Equal(t, 1, h2.Broadcast(frame(t, "marker")))
	assert.Contains(t, string(next(t, conn).Data), "local")
	assert.Contains(t, string(next(t, conn).Data), "marker")
}

// closingBridge 关闭后仍被发布时记录下来
type closingBridge struct {
	mu        sync.Mutex
	closed    bool
	published []Fanout
	late      int
}

func (b *closingBridge) Publish(_ context.Context, f Fanout) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.late++
		return errors.New("bridge closed")
	}
	b.published = append(b.published, f)
	return nil
}

func (b *closingBridge) Subscribe(context.Context, func(Fanout)) error { return nil }

func (b *closingBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func TestStopUnbindsBeforeClosingBridge(t *testing.T) {
	bridge := &closingBridge{}
	h := New(Options{Bridge: bridge})
	require.NoError(t, h.Start(context.Background()))

	conn := dial(t, newTestServer(t, h))
	login(t, conn, "u1")
	// 等上线通知发布完成
	require.Eventually(t, func() bool {
		bridge.mu.Lock()
		defer bridge.mu.Unlock()
		return len(bridge.published) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Stop(context.Background()))
	assert.Zero(t, h.Stats().Connections)

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	assert.True(t, bridge.closed)
	assert.Zero(t, bridge.late)
	require.NotEmpty(t, bridge.published)
	last := bridge.published[len(bridge.published)-1]
	assert.Contains(t, string(last.Frame), model.EventUserOffline)
}
