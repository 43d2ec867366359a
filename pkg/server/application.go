package server

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"github.com/nats-io/nats.go"

	"wechat-relay/pkg/config"
	"wechat-relay/pkg/database"
	"wechat-relay/pkg/kafka"
	"wechat-relay/pkg/lifecycle"
	"wechat-relay/pkg/logger"
	"wechat-relay/pkg/natsx"
	"wechat-relay/pkg/redis"
	"wechat-relay/pkg/telemetry"
)

// 钩子优先级
const (
	PriorityInfra     = 10
	PriorityComponent = 100
	PriorityServer    = 200
)

// Application 应用程序框架，基础设施按需连接并自动注册关闭钩子
type Application struct {
	config    *config.Config
	logger    logger.Logger
	klog      kratoslog.Logger
	lifecycle *lifecycle.Manager
	http      *HTTPServer
	ws        *WebSocketServer
	tracer    *telemetry.Provider

	mongoDB       *database.MongoDB
	pebble        *database.Pebble
	elastic       *database.ElasticSearch
	redisClient   *redis.Client
	kafkaProducer *kafka.Producer
	natsConn      *nats.Conn
}

// NewApplication 创建应用程序
func NewApplication(cfg *config.Config, log logger.Logger) (*Application, error) {
	klog := logger.NewKratosLogger(log)

	tracer, err := telemetry.NewProvider(telemetry.Config{
		ServiceName:    cfg.App.Name,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Env,
		Enabled:        cfg.Telemetry.Enabled,
		ExporterType:   cfg.Telemetry.Exporter,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	engine := NewGinEngine(cfg, log)
	app := &Application{
		config:    cfg,
		logger:    log,
		klog:      klog,
		lifecycle: lifecycle.NewManager(klog),
		http:      NewHTTPServer(cfg, engine, klog),
		ws:        NewWebSocketServer(engine, klog),
		tracer:    tracer,
	}

	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     "telemetry",
		Priority: PriorityInfra - 1,
		OnStop:   tracer.Shutdown,
	})
	return app, nil
}

// Config 获取配置
func (app *Application) Config() *config.Config { return app.config }

// Logger 获取日志器
func (app *Application) Logger() logger.Logger { return app.logger }

// Tracer 获取链路追踪
func (app *Application) Tracer() *telemetry.Provider { return app.tracer }

// Engine 获取Gin引擎
func (app *Application) Engine() *gin.Engine { return app.http.Engine() }

// WebSocket 获取WebSocket服务
func (app *Application) WebSocket() *WebSocketServer { return app.ws }

// HTTP 获取HTTP服务器
func (app *Application) HTTP() *HTTPServer { return app.http }

// AddHook 注册业务钩子
func (app *Application) AddHook(h lifecycle.Hook) { app.lifecycle.AddHook(h) }

// Mongo 获取MongoDB连接
func (app *Application) Mongo(ctx context.Context) (*database.MongoDB, error) {
	if app.mongoDB != nil {
		return app.mongoDB, nil
	}
	db, err := database.NewMongoDB(ctx, app.config.Storage.MongoDB, app.config.App.Name)
	if err != nil {
		return nil, err
	}
	app.mongoDB = db
	app.lifecycle.AddHook(lifecycle.Hook{Name: "mongodb", Priority: PriorityInfra, OnStop: db.Close})
	return db, nil
}

// Elastic 获取检索索引连接，客户端无需关闭
func (app *Application) Elastic(ctx context.Context) (*database.ElasticSearch, error) {
	if app.elastic != nil {
		return app.elastic, nil
	}
	es, err := database.NewElasticSearch(ctx, app.config.Storage.Search)
	if err != nil {
		return nil, err
	}
	app.elastic = es
	return es, nil
}

// Pebble 获取嵌入式KV
func (app *Application) Pebble() (*database.Pebble, error) {
	if app.pebble != nil {
		return app.pebble, nil
	}
	db, err := database.OpenPebble(app.config.Storage.PebblePath)
	if err != nil {
		return nil, err
	}
	app.pebble = db
	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     "pebble",
		Priority: PriorityInfra,
		OnStop:   func(context.Context) error { return db.Close() },
	})
	return db, nil
}

// Redis 获取Redis客户端，未配置地址时返回nil
func (app *Application) Redis(ctx context.Context) (*redis.Client, error) {
	if app.redisClient != nil || !app.config.Redis.Enabled() {
		return app.redisClient, nil
	}
	r := app.config.Redis
	c, err := redis.NewClient(ctx, redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
	if err != nil {
		return nil, err
	}
	app.redisClient = c
	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     "redis",
		Priority: PriorityInfra,
		OnStop:   func(context.Context) error { return c.Close() },
	})
	return c, nil
}

// KafkaProducer 获取Kafka生产者
func (app *Application) KafkaProducer() (*kafka.Producer, error) {
	if app.kafkaProducer != nil {
		return app.kafkaProducer, nil
	}
	p, err := kafka.NewProducer(app.config.Kafka.Brokers)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	app.kafkaProducer = p
	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     "kafka-producer",
		Priority: PriorityInfra,
		OnStop:   func(context.Context) error { return p.Close() },
	})
	return p, nil
}

// Nats 获取NATS连接
func (app *Application) Nats() (*nats.Conn, error) {
	if app.natsConn != nil {
		return app.natsConn, nil
	}
	nc, err := natsx.Connect(app.config.Nats.URL, app.config.App.Name, app.logger)
	if err != nil {
		return nil, err
	}
	app.natsConn = nc
	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     "nats",
		Priority: PriorityInfra,
		OnStop:   func(ctx context.Context) error { return natsx.Drain(ctx, nc) },
	})
	return nc, nil
}

// Start 注册HTTP钩子并启动全部钩子
func (app *Application) Start() error {
	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     "http",
		Priority: PriorityServer,
		OnStart:  app.http.Start,
		OnStop:   app.http.Stop,
	})
	if err := app.lifecycle.Start(); err != nil {
		return fmt.Errorf("start lifecycle: %w", err)
	}
	return nil
}

// Stop 停止应用
func (app *Application) Stop() error {
	return app.lifecycle.Stop()
}

// Run 启动并阻塞到收到退出信号
func (app *Application) Run() error {
	if err := app.Start(); err != nil {
		return err
	}
	app.lifecycle.Wait()
	return nil
}
