package handler

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"wechat-relay/apps/relay-service/hub"
	"wechat-relay/apps/relay-service/service"
	"wechat-relay/pkg/httpx"
	"wechat-relay/pkg/logger"
	"wechat-relay/pkg/taskqueue"
)

// QueueStats 任务队列统计来源
type QueueStats interface {
	Stats() taskqueue.Stats
}

// HubStats 连接统计来源
type HubStats interface {
	Stats() hub.Stats
}

// SystemInfo 运行信息
type SystemInfo struct {
	Name    string
	Version string
	Env     string
}

// SystemHandler 健康检查、运行状态和统计接口
type SystemHandler struct {
	service *service.Service
	queue   QueueStats
	hub     HubStats
	metrics http.Handler
	info    SystemInfo
	logger  logger.Logger
	started time.Time
}

// NewSystemHandler 创建系统接口处理器，metrics为nil时不注册/metrics
func NewSystemHandler(svc *service.Service, queue QueueStats, h HubStats, metrics http.Handler, info SystemInfo, log logger.Logger) *SystemHandler {
	return &SystemHandler{
		service: svc,
		queue:   queue,
		hub:     h,
		metrics: metrics,
		info:    info,
		logger:  log,
		started: time.Now(),
	}
}

// RegisterRoutes 注册系统路由
func (h *SystemHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	api := r.Group("/api")
	{
		api.GET("/status", h.Status)
		api.GET("/stats", h.Stats)
		api.POST("/stats/reset", h.ResetStats)
	}
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}
}

// Health 健康检查
func (h *SystemHandler) Health(c *gin.Context) {
	body := gin.H{
		"status":    "ok",
		"message":   h.info.Name + " is running",
		"mode":      h.info.Env,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if st, err := h.service.Stats(c.Request.Context()); err == nil {
		body["stats"] = gin.H{
			"totalMessages": st.TotalMessages,
			"voiceMessages": st.VoiceMessages,
			"textMessages":  st.TextMessages,
		}
	}
	c.JSON(http.StatusOK, body)
}

// Status 运行状态：存储、队列、连接
func (h *SystemHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	info := h.service.Store().Info()

	count, err := h.service.Count(ctx)
	if err != nil {
		h.logger.Warn(ctx, "count messages failed", logger.Err(err))
	}

	data := gin.H{
		"name":    h.info.Name,
		"version": h.info.Version,
		"mode":    h.info.Env,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"since":   humanize.Time(h.started),
		"storage": gin.H{
			"driver":   info.Driver,
			"location": info.Location,
			"size":     humanize.Bytes(info.Size),
			"messages": count,
		},
	}
	if h.queue != nil {
		data["queue"] = h.queue.Stats()
	}
	if h.hub != nil {
		data["connections"] = h.hub.Stats()
	}
	httpx.OK(c, data)
}

// Stats 全局消息统计
func (h *SystemHandler) Stats(c *gin.Context) {
	st, err := h.service.Stats(c.Request.Context())
	if err != nil {
		httpx.FailErr(c, err)
		return
	}
	httpx.OK(c, st)
}

// ResetStats 手动清零当日用量
func (h *SystemHandler) ResetStats(c *gin.Context) {
	st, err := h.service.ResetDailyStats(c.Request.Context())
	if err != nil {
		httpx.FailErr(c, err)
		return
	}
	httpx.OK(c, st, gin.H{"message": "Daily usage reset"})
}
