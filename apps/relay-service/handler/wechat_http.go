package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"wechat-relay/apps/relay-service/converter"
	"wechat-relay/apps/relay-service/model"
	"wechat-relay/apps/relay-service/wechat"
	"wechat-relay/pkg/config"
	"wechat-relay/pkg/httpx"
	"wechat-relay/pkg/logger"
	"wechat-relay/pkg/metrics"
	"wechat-relay/pkg/taskqueue"
)

// maxPushBody 公众号推送体积上限
const maxPushBody = 1 << 20

// WechatHandler 公众号服务器回调
type WechatHandler struct {
	cfg     config.WeChatConfig
	speech  string
	queue   taskqueue.Queue
	conv    *converter.Converter
	metrics *metrics.Metrics
	logger  logger.Logger
	now     func() time.Time
}

// NewWechatHandler 创建公众号回调处理器
func NewWechatHandler(cfg config.WeChatConfig, speechProvider string, queue taskqueue.Queue, m *metrics.Metrics, log logger.Logger) *WechatHandler {
	return &WechatHandler{
		cfg:     cfg,
		speech:  speechProvider,
		queue:   queue,
		conv:    converter.NewConverter(),
		metrics: m,
		logger:  log,
		now:     time.Now,
	}
}

// RegisterRoutes 注册公众号路由
func (h *WechatHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/wechat")
	{
		api.GET("/message", h.Verify)   // 服务器地址验证
		api.POST("/message", h.Receive) // 消息推送
		api.GET("/config", h.Config)    // 凭据配置情况
	}
}

// verify 校验签名，失败时已写出响应
func (h *WechatHandler) verify(c *gin.Context) bool {
	err := wechat.VerifySignature(h.cfg.Token,
		c.Query("signature"), c.Query("timestamp"), c.Query("nonce"))
	switch {
	case err == nil:
		return true
	case errors.Is(err, wechat.ErrMissingParams):
		c.String(http.StatusBadRequest, "Invalid request")
	default:
		if h.metrics != nil {
			h.metrics.SignatureFailure.Inc()
		}
		h.logger.Warn(c.Request.Context(), "wechat signature rejected",
			logger.F("timestamp", c.Query("timestamp")),
			logger.F("client_ip", c.ClientIP()))
		c.String(http.StatusForbidden, "Invalid signature")
	}
	return false
}

// Verify 接入验证，签名正确时原样返回echostr
func (h *WechatHandler) Verify(c *gin.Context) {
	if !h.verify(c) {
		return
	}
	h.logger.Info(c.Request.Context(), "wechat server verified")
	c.String(http.StatusOK, c.Query("echostr"))
}

// Receive 处理推送：验签、解析、同步回复，持久化和推送走任务队列
func (h *WechatHandler) Receive(c *gin.Context) {
	ctx := c.Request.Context()
	if !h.verify(c) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPushBody))
	if err != nil {
		h.logger.Error(ctx, "read wechat push failed", logger.Err(err))
		h.plain(c)
		return
	}
	env, err := wechat.ParseEnvelope(body)
	if err != nil {
		h.logger.Error(ctx, "malformed wechat push", logger.Err(err), logger.F("size", len(body)))
		h.plain(c)
		return
	}
	ctx = logger.WithUserID(ctx, env.FromUserName)
	if h.metrics != nil {
		h.metrics.InboundPushes.WithLabelValues(env.MsgType).Inc()
	}
	h.logger.Info(ctx, "wechat push received",
		logger.F("msg_type", env.MsgType),
		logger.F("msg_id", env.MsgID))

	switch {
	case env.MsgType == wechat.MsgTypeText:
		if !h.enqueue(c, env) {
			h.plain(c)
			return
		}
		h.reply(c, env, model.ReplyTextAck)
	case env.MsgType == wechat.MsgTypeVoice:
		if !h.enqueue(c, env) {
			h.plain(c)
			return
		}
		h.reply(c, env, model.ReplyVoiceAck)
	case env.MsgType == wechat.MsgTypeEvent:
		h.handleEvent(c, env)
	case h.conv.Persistable(env):
		h.enqueue(c, env)
		h.plain(c)
	default:
		h.logger.Info(ctx, "unsupported wechat message type", logger.F("msg_type", env.MsgType))
		h.plain(c)
	}
}

func (h *WechatHandler) handleEvent(c *gin.Context, env *wechat.Envelope) {
	switch {
	case strings.EqualFold(env.Event, wechat.EventSubscribe):
		h.reply(c, env, model.ReplySubscribe)
	case strings.EqualFold(env.Event, wechat.EventClick):
		switch env.EventKey {
		case "help":
			h.reply(c, env, model.ReplyMenuHelp)
		case "bind":
			h.reply(c, env, model.ReplyMenuBind)
		default:
			h.reply(c, env, model.ReplyMenuDefault)
		}
	default:
		// unsubscribe及其他事件不回复内容
		h.plain(c)
	}
}

// enqueue 投递入站任务，失败只记录日志
func (h *WechatHandler) enqueue(c *gin.Context, env *wechat.Envelope) bool {
	ctx := c.Request.Context()
	payload, err := h.conv.EncodeInbound(env, h.now())
	if err != nil {
		h.logger.Error(ctx, "encode inbound task failed", logger.Err(err))
		return false
	}
	task := taskqueue.NewTask(converter.TaskKindInbound, payload)
	if err := h.queue.Enqueue(ctx, task); err != nil {
		h.logger.Error(ctx, "enqueue inbound task failed",
			logger.F("msg_id", env.MsgID), logger.F("task_id", task.ID), logger.Err(err))
		return false
	}
	return true
}

func (h *WechatHandler) reply(c *gin.Context, env *wechat.Envelope, content string) {
	data, err := wechat.BuildTextReply(env, content, h.now())
	if err != nil {
		h.logger.Warn(c.Request.Context(), "build wechat reply failed", logger.Err(err))
		h.plain(c)
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", data)
}

// plain 回复success，微信不会重试
func (h *WechatHandler) plain(c *gin.Context) {
	c.String(http.StatusOK, model.ReplyPlainSuccess)
}

// Config 返回各项凭据是否已配置，不回显密钥
func (h *WechatHandler) Config(c *gin.Context) {
	httpx.OK(c, gin.H{
		"appId":             maskAppID(h.cfg.AppID),
		"appIdConfigured":   h.cfg.AppID != "",
		"secretConfigured":  h.cfg.Secret != "",
		"tokenConfigured":   h.cfg.Token != "",
		"aesKeyConfigured":  h.cfg.EncodingAESKey != "",
		"speechProvider":    h.speech,
		"speechConfigured":  h.speech != "" && h.speech != "none",
		"messageEndpoint":   "/wechat/message",
		"encryptionEnabled": false,
	})
}

func maskAppID(appID string) string {
	if len(appID) <= 6 {
		return strings.Repeat("*", len(appID))
	}
	return appID[:4] + strings.Repeat("*", len(appID)-6) + appID[len(appID)-2:]
}
