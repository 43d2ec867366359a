package main

import (
	"context"
	"fmt"

	"wechat-relay/apps/relay-service/client"
	"wechat-relay/apps/relay-service/consumer"
	"wechat-relay/apps/relay-service/dao"
	"wechat-relay/apps/relay-service/handler"
	"wechat-relay/apps/relay-service/hub"
	"wechat-relay/apps/relay-service/service"
	"wechat-relay/pkg/config"
	"wechat-relay/pkg/kafka"
	"wechat-relay/pkg/lifecycle"
	"wechat-relay/pkg/logger"
	"wechat-relay/pkg/metrics"
	"wechat-relay/pkg/middleware"
	"wechat-relay/pkg/scheduler"
	"wechat-relay/pkg/server"
	"wechat-relay/pkg/taskqueue"
)

func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if version != "dev" {
		cfg.App.Version = version
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Development || cfg.App.IsDevelopment())
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	app, err := server.NewApplication(cfg, log)
	if err != nil {
		return err
	}
	m := metrics.New("wechat_relay")

	// 存储
	store, err := openStore(ctx, app, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	app.AddHook(lifecycle.Hook{
		Name:     "message-store",
		Priority: server.PriorityInfra + 1,
		OnStop:   store.Close,
	})

	rdb, err := app.Redis(ctx)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	// 语音文本
	var cache service.VoiceCache = service.NewMemoryVoiceCache(cfg.Voice.CacheTTL, cfg.Voice.CacheSize)
	if cfg.Voice.Cache == "redis" {
		cache = service.NewRedisVoiceCache(rdb, cfg.Voice.CacheTTL, log)
	}
	var shared client.SharedTokenStore
	if rdb != nil {
		shared = rdb
	}
	voice := service.NewVoiceNormalizer(cache, newRecognizer(cfg, shared, log), log, m)

	// 实时推送
	hubOpts := hub.Options{
		PingInterval: cfg.Relay.PingInterval,
		PongTimeout:  cfg.Relay.PongTimeout,
		SendBuffer:   cfg.Relay.SendBuffer,
		Metrics:      m,
		Logger:       log,
	}
	if rdb != nil {
		hubOpts.Online = rdb
	}
	switch cfg.Relay.Bridge {
	case "redis":
		hubOpts.Bridge = hub.NewRedisBridge(rdb, cfg.Relay.Channel, log)
	case "nats":
		nc, err := app.Nats()
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		hubOpts.Bridge = hub.NewNatsBridge(nc, cfg.Nats.Subject, log)
	}
	h := hub.New(hubOpts)
	app.AddHook(lifecycle.Hook{
		Name:     "hub",
		Priority: server.PriorityComponent + 10,
		OnStart:  h.Start,
		OnStop:   h.Stop,
	})

	svc := service.NewService(store, voice, h, log, service.Options{
		Delivery: cfg.Relay.Delivery,
		Tracer:   app.Tracer().Tracer(),
		Metrics:  m,
	})

	// 异步任务
	queue, err := newQueue(app, cfg, m, log)
	if err != nil {
		return err
	}
	inbound := consumer.NewInboundConsumer(svc, log)
	app.AddHook(lifecycle.Hook{
		Name:     "task-queue",
		Priority: server.PriorityComponent,
		OnStart:  func(ctx context.Context) error { return queue.Start(ctx, inbound.Handle) },
		OnStop:   queue.Stop,
	})

	// 定时任务
	sched := scheduler.New(log)
	if err := sched.Add("voice-cache-evict", cfg.Schedule.VoiceCacheEvict, func(ctx context.Context) {
		voice.EvictExpired(ctx)
	}); err != nil {
		return err
	}
	if err := sched.Add("daily-stats-reset", cfg.Schedule.DailyStatsReset, func(ctx context.Context) {
		if _, err := svc.ResetDailyStats(ctx); err != nil {
			log.Error(ctx, "daily stats reset failed", logger.Err(err))
		}
	}); err != nil {
		return err
	}
	app.AddHook(lifecycle.Hook{
		Name:     "scheduler",
		Priority: server.PriorityComponent + 20,
		OnStart:  sched.Start,
		OnStop:   sched.Stop,
	})

	// 路由
	engine := app.Engine()
	handler.NewWechatHandler(cfg.WeChat, cfg.Speech.Provider, queue, m, log).RegisterRoutes(engine)
	handler.NewTaskHandler(svc, log).RegisterRoutes(engine, middleware.RateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	handler.NewSystemHandler(svc, queue, h, m.Handler(), handler.SystemInfo{
		Name:    cfg.App.Name,
		Version: cfg.App.Version,
		Env:     cfg.App.Env,
	}, log).RegisterRoutes(engine)
	app.WebSocket().RegisterHandler(cfg.Relay.Path, handler.NewWSHandler(h, log))

	log.Info(ctx, "wechat relay configured",
		logger.F("storage", store.Info().Driver),
		logger.F("queue", cfg.Queue.Driver),
		logger.F("bridge", cfg.Relay.Bridge),
		logger.F("delivery", cfg.Relay.Delivery),
		logger.F("speech", cfg.Speech.Provider),
		logger.F("addr", cfg.Server.HTTP.Addr()))
	return app.Run()
}

// openStore 按storage.driver选择存储实现，storage.search.driver=elasticsearch时外挂检索索引
func openStore(ctx context.Context, app *server.Application, log logger.Logger) (dao.Store, error) {
	store, err := openBaseStore(ctx, app, log)
	if err != nil {
		return nil, err
	}
	if app.Config().Storage.Search.Driver != "elasticsearch" {
		return store, nil
	}

	es, err := app.Elastic(ctx)
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}
	index := dao.NewElasticIndex(es.Client(), es.Index())
	created, err := index.EnsureIndex(ctx)
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}
	indexed := dao.NewIndexedStore(store, index, log)
	if created {
		n, err := indexed.Backfill(ctx)
		if err != nil {
			log.Warn(ctx, "search index backfill incomplete", logger.F("indexed", n), logger.Err(err))
		} else {
			log.Info(ctx, "search index created", logger.F("index", es.Index()), logger.F("backfilled", n))
		}
	}
	return indexed, nil
}

func openBaseStore(ctx context.Context, app *server.Application, log logger.Logger) (dao.Store, error) {
	cfg := app.Config().Storage
	opts := dao.Options{Logger: log}

	switch cfg.Driver {
	case "pebble":
		db, err := app.Pebble()
		if err != nil {
			return nil, err
		}
		return dao.NewPebbleStore(db, opts)
	case "mongo":
		db, err := app.Mongo(ctx)
		if err != nil {
			return nil, err
		}
		return dao.NewMongoStore(ctx, db.Database(), db.MessageCollection(), opts)
	default:
		return dao.OpenFileStore(cfg.DataDir, opts)
	}
}

// newRecognizer speech.provider=baidu且凭据齐全时启用百度识别
func newRecognizer(cfg *config.Config, shared client.SharedTokenStore, log logger.Logger) service.Recognizer {
	if cfg.Speech.Provider != "baidu" {
		return nil
	}
	httpOpts := client.HTTPOptions{
		Timeout: cfg.Speech.Timeout,
		Retries: cfg.Speech.Retries,
		Logger:  log,
	}
	media := client.NewWechatClient(cfg.WeChat.APIURL, cfg.WeChat.AppID, cfg.WeChat.Secret, httpOpts)
	asr := client.NewBaiduASR(client.BaiduConfig{
		APIKey:    cfg.Speech.APIKey,
		SecretKey: cfg.Speech.SecretKey,
		TokenURL:  cfg.Speech.TokenURL,
		ASRURL:    cfg.Speech.ASRURL,
		CUID:      cfg.Speech.CUID,
	}, httpOpts)
	if shared != nil {
		media.WithSharedTokens(shared)
		asr.WithSharedTokens(shared)
	}
	if !media.Configured() || !asr.Configured() {
		log.Warn(context.Background(), "baidu speech selected but credentials missing, using placeholder text")
		return nil
	}
	return client.NewMediaRecognizer(media, asr)
}

// newQueue 按queue.driver选择任务队列
func newQueue(app *server.Application, cfg *config.Config, m *metrics.Metrics, log logger.Logger) (taskqueue.Queue, error) {
	opts := taskqueue.Options{
		Workers:     cfg.Queue.Workers,
		Buffer:      cfg.Queue.Buffer,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     cfg.Queue.Backoff,
		Logger:      log,
		Metrics:     m,
		OnFailure: func(ctx context.Context, task taskqueue.Task, err error) {
			log.Error(ctx, "inbound message dropped after retries",
				logger.F("task_id", task.ID), logger.F("attempts", task.Attempt), logger.Err(err))
		},
	}
	if cfg.Queue.Driver != "kafka" {
		return taskqueue.NewMemoryQueue(opts), nil
	}

	producer, err := app.KafkaProducer()
	if err != nil {
		return nil, err
	}
	return taskqueue.NewKafkaQueue(producer, kafka.Config{
		Brokers: cfg.Kafka.Brokers,
		GroupID: cfg.Kafka.GroupID,
		Topics:  []string{cfg.Kafka.Topic},
	}, opts), nil
}
