package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"wechat-relay/apps/relay-service/hub"
	"wechat-relay/pkg/logger"
)

// WSHandler App实时推送连接，实现server.WebSocketHandler
type WSHandler struct {
	hub *hub.Hub
	log logger.Logger
}

// NewWSHandler 创建WebSocket处理器
func NewWSHandler(h *hub.Hub, log logger.Logger) *WSHandler {
	return &WSHandler{hub: h, log: log}
}

// HandleConnection 交给Hub处理，直到连接断开
func (ws *WSHandler) HandleConnection(conn *websocket.Conn, r *http.Request) {
	// 连接生命周期独立于升级请求
	ctx := context.WithoutCancel(r.Context())
	ws.log.Info(ctx, "websocket connected", logger.F("remote", r.RemoteAddr))
	ws.hub.Serve(ctx, conn)
	ws.log.Info(ctx, "websocket disconnected", logger.F("remote", r.RemoteAddr))
}
