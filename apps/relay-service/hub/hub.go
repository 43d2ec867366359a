package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wechat-relay/apps/relay-service/model"
	"wechat-relay/pkg/logger"
	"wechat-relay/pkg/metrics"
)

// onlineUsersKey Redis中在线用户集合
const onlineUsersKey = "online_users"

// 默认连接参数
const (
	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 60 * time.Second
	DefaultSendBuffer   = 64
)

// ErrEmptyIdentity 登录时未携带userId
var ErrEmptyIdentity = errors.New("userId is required")

// OnlineSet 在线用户集合镜像，*redis.Client满足该接口
type OnlineSet interface {
	SAdd(ctx context.Context, key string, members ...interface{}) error
	SRem(ctx context.Context, key string, members ...interface{}) error
}

// Options Hub参数
type Options struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	SendBuffer   int
	Bridge       Bridge
	Online       OnlineSet
	Metrics      *metrics.Metrics
	Logger       logger.Logger
}

// Stats 连接统计
type Stats struct {
	Connections int `json:"connections"`
	Identities  int `json:"identities"`
}

// Hub 连接注册表：identity -> 连接集合，另记录全部连接用于广播
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	identities map[string]map[*Client]struct{}

	opts       Options
	log        logger.Logger
	instanceID string
}

// New 创建Hub
func New(opts Options) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		identities: make(map[string]map[*Client]struct{}),
		opts:       opts,
		log:        opts.Logger,
		instanceID: uuid.NewString(),
	}
}

// InstanceID 本实例标识，用于过滤桥上自己发出的帧
func (h *Hub) InstanceID() string {
	return h.instanceID
}

// Start 订阅跨实例桥
func (h *Hub) Start(ctx context.Context) error {
	if h.opts.Bridge == nil {
		return nil
	}
	return h.opts.Bridge.Subscribe(ctx, h.receive)
}

// Stop 先断开所有连接再关闭桥，下线通知仍可转发给其他实例
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.Unbind(ctx, c)
	}

	if h.opts.Bridge == nil {
		return nil
	}
	return h.opts.Bridge.Close()
}

// Register 登记新连接并启动写协程，此时尚未绑定身份
func (h *Hub) Register(conn *websocket.Conn) *Client {
	c := newClient(conn, h.opts.SendBuffer)

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.gauge()
	go c.writePump(h.opts.PingInterval)
	return c
}

// Bind 把连接绑定到身份。已绑定其他身份时先解除旧绑定，重复绑定同一身份只回复login_success
func (h *Hub) Bind(ctx context.Context, c *Client, req model.LoginRequest) error {
	identity := strings.TrimSpace(req.UserID)
	if identity == "" {
		h.sendEvent(c, model.EventLoginFailed, model.ErrorPayload{Message: ErrEmptyIdentity.Error()})
		return ErrEmptyIdentity
	}

	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return errors.New("connection closed")
	}
	if c.identity == identity {
		h.mu.Unlock()
		req.UserID = identity
		h.sendEvent(c, model.EventLoginSuccess, req)
		return nil
	}
	previous, wentOffline := h.detachLocked(c)
	set, ok := h.identities[identity]
	if !ok {
		set = make(map[*Client]struct{})
		h.identities[identity] = set
	}
	set[c] = struct{}{}
	c.identity = identity
	cameOnline := !ok
	h.mu.Unlock()

	h.gauge()
	if wentOffline {
		h.presence(ctx, model.EventUserOffline, previous)
	}

	req.UserID = identity
	h.sendEvent(c, model.EventLoginSuccess, req)
	h.log.Info(ctx, "websocket user bound", logger.F("userId", identity), logger.F("conn_id", c.id))

	if cameOnline {
		h.presence(ctx, model.EventUserOnline, identity)
	}
	return nil
}

// Unbind 移除连接并关闭，身份下最后一条连接离开时删除条目
func (h *Hub) Unbind(ctx context.Context, c *Client) {
	h.mu.Lock()
	_, registered := h.clients[c]
	delete(h.clients, c)
	identity, wentOffline := h.detachLocked(c)
	h.mu.Unlock()

	c.close()
	if !registered {
		return
	}
	h.gauge()
	if wentOffline {
		h.presence(ctx, model.EventUserOffline, identity)
	}
}

// detachLocked 从身份集合中摘除连接，返回原身份以及该身份是否已无连接
func (h *Hub) detachLocked(c *Client) (string, bool) {
	identity := c.identity
	if identity == "" {
		return "", false
	}
	c.identity = ""
	set := h.identities[identity]
	delete(set, c)
	if len(set) > 0 {
		return identity, false
	}
	delete(h.identities, identity)
	return identity, true
}

// Unicast 推送给某身份的全部连接，本机至少投递一条时返回true，配置了桥时同时转发给其他实例
func (h *Hub) Unicast(identity string, frame []byte) bool {
	n := h.deliverTo(identity, frame)
	h.forward(Fanout{Identity: identity, Frame: frame})
	return n > 0
}

// Broadcast 推送给全部连接，不论是否绑定身份，返回本机投递数
func (h *Hub) Broadcast(frame []byte) int {
	n := h.deliverAll(frame)
	h.forward(Fanout{Frame: frame})
	return n
}

func (h *Hub) deliverTo(identity string, frame []byte) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.identities[identity]))
	for c := range h.identities[identity] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	return h.deliver(targets, frame)
}

func (h *Hub) deliverAll(frame []byte) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	return h.deliver(targets, frame)
}

func (h *Hub) deliver(targets []*Client, frame []byte) int {
	n := 0
	for _, c := range targets {
		if c.Send(frame) {
			n++
			h.delivery("delivered")
		} else {
			h.delivery("dropped")
		}
	}
	return n
}

func (h *Hub) forward(f Fanout) {
	if h.opts.Bridge == nil {
		return
	}
	f.Origin = h.instanceID
	if err := h.opts.Bridge.Publish(context.Background(), f); err != nil {
		h.log.Warn(context.Background(), "bridge publish failed", logger.Err(err))
	}
}

// receive 处理桥上收到的帧，忽略本实例发出的
func (h *Hub) receive(f Fanout) {
	if f.Origin == h.instanceID {
		return
	}
	if f.Identity != "" {
		h.deliverTo(f.Identity, f.Frame)
		return
	}
	h.deliverAll(f.Frame)
}

// Stats 当前连接数与在线身份数
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Connections: len(h.clients), Identities: len(h.identities)}
}

// Online 某身份在本机是否有连接
func (h *Hub) Online(identity string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.identities[identity]) > 0
}

func (h *Hub) presence(ctx context.Context, event, identity string) {
	if h.opts.Online != nil {
		var err error
		if event == model.EventUserOnline {
			err = h.opts.Online.SAdd(ctx, onlineUsersKey, identity)
		} else {
			err = h.opts.Online.SRem(ctx, onlineUsersKey, identity)
		}
		if err != nil {
			h.log.Warn(ctx, "update online set failed", logger.F("userId", identity), logger.Err(err))
		}
	}

	frame, err := model.NewEnvelope(event, model.PresencePayload{UserID: identity})
	if err != nil {
		return
	}
	h.Broadcast(frame)
}

func (h *Hub) sendEvent(c *Client, event string, data interface{}) {
	frame, err := model.NewEnvelope(event, data)
	if err != nil {
		h.log.Error(context.Background(), "encode event failed", logger.F("event", event), logger.Err(err))
		return
	}
	c.Send(frame)
}

func (h *Hub) gauge() {
	if h.opts.Metrics == nil {
		return
	}
	st := h.Stats()
	h.opts.Metrics.Connections.Set(float64(st.Connections))
	h.opts.Metrics.Identities.Set(float64(st.Identities))
}

func (h *Hub) delivery(result string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.Deliveries.WithLabelValues(result).Inc()
	}
}

// Serve 处理一条连接直到断开：登记、读循环、路由user_login和ping，退出时解除绑定
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn) {
	c := h.Register(conn)
	defer h.Unbind(ctx, c)

	err := c.readPump(h.opts.PongTimeout, func(data []byte) {
		h.route(ctx, c, data)
	})
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		h.log.Debug(ctx, "websocket read ended", logger.F("conn_id", c.id), logger.Err(err))
	}
}

func (h *Hub) route(ctx context.Context, c *Client, data []byte) {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.sendEvent(c, model.EventError, model.ErrorPayload{Message: "invalid frame"})
		return
	}

	switch env.Event {
	case model.EventUserLogin:
		var req model.LoginRequest
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &req); err != nil {
				h.sendEvent(c, model.EventLoginFailed, model.ErrorPayload{Message: "invalid login payload"})
				return
			}
		}
		if err := h.Bind(ctx, c, req); err != nil {
			h.log.Warn(ctx, "websocket login rejected", logger.F("conn_id", c.id), logger.Err(err))
		}
	case model.EventPing:
		h.sendEvent(c, model.EventPong, nil)
	default:
		h.log.Debug(ctx, "unknown websocket event", logger.F("event", env.Event))
	}
}
