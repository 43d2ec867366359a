package handler

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"wechat-relay/apps/relay-service/model"
	"wechat-relay/apps/relay-service/service"
	"wechat-relay/pkg/httpx"
	"wechat-relay/pkg/logger"
)

// TaskHandler App侧任务查询接口
type TaskHandler struct {
	service *service.Service
	logger  logger.Logger
}

// NewTaskHandler 创建任务查询处理器
func NewTaskHandler(svc *service.Service, log logger.Logger) *TaskHandler {
	return &TaskHandler{service: svc, logger: log}
}

// RegisterRoutes 注册任务路由，middlewares作用于整个分组
func (h *TaskHandler) RegisterRoutes(r *gin.Engine, middlewares ...gin.HandlerFunc) {
	api := r.Group("/tasks/wechat", middlewares...)
	{
		api.GET("", h.List)                           // 按用户分页查询
		api.GET("/pending", h.Pending)                // 待同步消息
		api.GET("/search", h.Search)                  // 条件搜索
		api.GET("/stats", h.Stats)                    // 分类统计
		api.PUT("/batch/status", h.BatchUpdateStatus) // 批量修改状态
		api.GET("/:id", h.Get)                        // 消息详情
		api.PUT("/:id/status", h.UpdateStatus)        // 修改状态
	}
}

// taskError 服务层错误映射为HTTP状态码
func taskError(err error) error {
	switch {
	case errors.Is(err, service.ErrMissingUserID), errors.Is(err, service.ErrMissingIDs):
		return &httpx.StatusError{Status: http.StatusBadRequest, Message: err.Error(), Err: err}
	case errors.Is(err, model.ErrInvalidStatus):
		return &httpx.StatusError{Status: http.StatusBadRequest, Message: "Invalid status, expected pending|synced|failed", Err: err}
	case errors.Is(err, service.ErrNotFound):
		return &httpx.StatusError{Status: http.StatusNotFound, Message: "Message not found", Err: err}
	default:
		return err
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}

// parseDate 接受RFC3339或YYYY-MM-DD，endOfDay为真时日期取当天最后一刻
func parseDate(s string, endOfDay bool) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return nil, httpx.NewError(http.StatusBadRequest, "Invalid date: "+s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func parseSearchQuery(c *gin.Context) (model.SearchQuery, error) {
	q := model.SearchQuery{
		UserID:      strings.TrimSpace(c.Query("userId")),
		Keyword:     c.Query("keyword"),
		ContentType: model.ContentType(c.Query("contentType")),
	}
	if s := c.Query("status"); s != "" {
		st, err := model.ParseStatus(s)
		if err != nil {
			return q, err
		}
		q.Status = st
	}
	var err error
	if q.StartDate, err = parseDate(c.Query("startDate"), false); err != nil {
		return q, err
	}
	if q.EndDate, err = parseDate(c.Query("endDate"), true); err != nil {
		return q, err
	}
	return q, nil
}

func pageExtra(p *service.Page) gin.H {
	pages := 0
	if p.Limit > 0 {
		pages = int(math.Ceil(float64(p.Total) / float64(p.Limit)))
	}
	return gin.H{
		"total": p.Total,
		"limit": p.Limit,
		"skip":  p.Skip,
		"page":  p.Skip/p.Limit + 1,
		"pages": pages,
	}
}

// List 按用户分页查询
func (h *TaskHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	opts := model.ListOptions{
		Limit: queryInt(c, "limit", model.DefaultListLimit),
		Skip:  queryInt(c, "skip", 0),
	}
	if s := c.Query("status"); s != "" {
		st, err := model.ParseStatus(s)
		if err != nil {
			httpx.FailErr(c, taskError(err))
			return
		}
		opts.Status = st
	}

	page, err := h.service.ListByUser(ctx, strings.TrimSpace(c.Query("userId")), opts)
	if err != nil {
		httpx.FailErr(c, taskError(err))
		return
	}
	httpx.OK(c, page.Items, pageExtra(page))
}

// Pending 最早的待同步消息
func (h *TaskHandler) Pending(c *gin.Context) {
	items, err := h.service.Pending(c.Request.Context(), queryInt(c, "limit", model.DefaultPendingLimit))
	if err != nil {
		httpx.FailErr(c, err)
		return
	}
	httpx.OK(c, items, gin.H{"count": len(items)})
}

// Search 条件搜索
func (h *TaskHandler) Search(c *gin.Context) {
	q, err := parseSearchQuery(c)
	if err != nil {
		httpx.FailErr(c, taskError(err))
		return
	}
	if q.UserID == "" {
		httpx.FailErr(c, taskError(service.ErrMissingUserID))
		return
	}

	page, err := h.service.Search(c.Request.Context(), q,
		queryInt(c, "limit", model.DefaultListLimit), queryInt(c, "skip", 0))
	if err != nil {
		httpx.FailErr(c, err)
		return
	}
	httpx.OK(c, page.Items, pageExtra(page))
}

// Stats 按内容类型和状态分组计数
func (h *TaskHandler) Stats(c *gin.Context) {
	q, err := parseSearchQuery(c)
	if err != nil {
		httpx.FailErr(c, taskError(err))
		return
	}
	if q.UserID == "" {
		httpx.FailErr(c, taskError(service.ErrMissingUserID))
		return
	}

	agg, err := h.service.Aggregate(c.Request.Context(), q)
	if err != nil {
		httpx.FailErr(c, err)
		return
	}
	httpx.OK(c, agg)
}

// Get 消息详情
func (h *TaskHandler) Get(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"), strings.TrimSpace(c.Query("userId")))
	if err != nil {
		httpx.FailErr(c, taskError(err))
		return
	}
	httpx.OK(c, rec)
}

type statusRequest struct {
	Status string `json:"status"`
	UserID string `json:"userId"`
}

// UpdateStatus 修改单条消息状态
func (h *TaskHandler) UpdateStatus(c *gin.Context) {
	ctx := c.Request.Context()
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn(ctx, "invalid status request", logger.Err(err))
		httpx.Fail(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		req.UserID = c.Query("userId")
	}

	rec, err := h.service.UpdateStatus(ctx, c.Param("id"), strings.TrimSpace(req.UserID), req.Status)
	if err != nil {
		httpx.FailErr(c, taskError(err))
		return
	}
	httpx.OK(c, rec, gin.H{"message": "Status updated"})
}

type batchStatusRequest struct {
	IDs    []string `json:"ids"`
	Status string   `json:"status"`
}

// BatchUpdateStatus 批量修改状态
func (h *TaskHandler) BatchUpdateStatus(c *gin.Context) {
	ctx := c.Request.Context()
	var req batchStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn(ctx, "invalid batch status request", logger.Err(err))
		httpx.Fail(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	n, err := h.service.BatchUpdateStatus(ctx, req.IDs, req.Status)
	if err != nil {
		httpx.FailErr(c, taskError(err))
		return
	}
	httpx.OK(c, nil, gin.H{"modifiedCount": n})
}
