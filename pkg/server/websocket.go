package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"github.com/gorilla/websocket"
)

// WebSocketHandler WebSocket处理器接口，连接关闭由处理器负责
type WebSocketHandler interface {
	HandleConnection(conn *websocket.Conn, r *http.Request)
}

// WebSocketHandlerFunc WebSocket处理器函数类型
type WebSocketHandlerFunc func(conn *websocket.Conn, r *http.Request)

// HandleConnection WebSocketHandler接口实现
func (f WebSocketHandlerFunc) HandleConnection(conn *websocket.Conn, r *http.Request) {
	f(conn, r)
}

// maxFrameSize 客户端只发送登录和心跳这类小帧
const maxFrameSize = 8 << 10

// WebSocketServer 在Gin路由上挂载WebSocket升级
type WebSocketServer struct {
	engine   *gin.Engine
	upgrader websocket.Upgrader
	logger   kratoslog.Logger
}

// NewWebSocketServer 创建WebSocket服务，App客户端不带Origin，放行所有来源
func NewWebSocketServer(engine *gin.Engine, logger kratoslog.Logger) *WebSocketServer {
	return &WebSocketServer{
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// RegisterHandler 注册WebSocket处理器
func (ws *WebSocketServer) RegisterHandler(path string, handler WebSocketHandler) {
	ws.engine.GET(path, func(c *gin.Context) {
		if !websocket.IsWebSocketUpgrade(c.Request) {
			c.String(http.StatusUpgradeRequired, "websocket upgrade required")
			return
		}
		conn, err := ws.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			ws.logger.Log(kratoslog.LevelWarn, "msg", "websocket upgrade failed",
				"path", path, "remote", c.ClientIP(), "error", err)
			return
		}
		conn.SetReadLimit(maxFrameSize)
		ws.logger.Log(kratoslog.LevelDebug, "msg", "websocket connected",
			"path", path, "remote", c.ClientIP(), "user_agent", c.Request.UserAgent())
		handler.HandleConnection(conn, c.Request)
	})
}
