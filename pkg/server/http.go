package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"

	"wechat-relay/pkg/config"
	"wechat-relay/pkg/logger"
	"wechat-relay/pkg/middleware"
)

// NewGinEngine 创建Gin引擎并挂载公共中间件
func NewGinEngine(cfg *config.Config, log logger.Logger) *gin.Engine {
	if cfg.App.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(middleware.RequestID())
	if cfg.Telemetry.Enabled {
		r.Use(middleware.Tracing(cfg.App.Name)...)
	}
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log, cfg.App.IsDevelopment()))

	return r
}

// HTTPServer Gin HTTP服务器包装器
type HTTPServer struct {
	engine *gin.Engine
	server *http.Server
	logger kratoslog.Logger
	addr   net.Addr
}

// NewHTTPServer 创建HTTP服务器
func NewHTTPServer(cfg *config.Config, engine *gin.Engine, logger kratoslog.Logger) *HTTPServer {
	return &HTTPServer{
		engine: engine,
		server: &http.Server{
			Addr:              cfg.Server.HTTP.Addr(),
			Handler:           engine,
			ReadTimeout:       orDefault(cfg.Server.HTTP.ReadTimeout, 30*time.Second),
			WriteTimeout:      orDefault(cfg.Server.HTTP.WriteTimeout, 30*time.Second),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Engine 获取Gin引擎
func (s *HTTPServer) Engine() *gin.Engine {
	return s.engine
}

// Addr 实际监听地址，Start之后有效
func (s *HTTPServer) Addr() net.Addr {
	return s.addr
}

// Start 同步完成端口绑定，在后台处理请求
func (s *HTTPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr()
	s.logger.Log(kratoslog.LevelInfo, "msg", "http server listening", "addr", s.addr.String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Log(kratoslog.LevelError, "msg", "http server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Stop 优雅关闭
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Log(kratoslog.LevelInfo, "msg", "http server stopping")
	return s.server.Shutdown(ctx)
}
