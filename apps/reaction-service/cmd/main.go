package main

import (
	"context"

	"github.com/gin-gonic/gin"
	goredis "github.com/go-redis/redis/v8"

	"commentkit/apps/reaction-service/dao"
	"commentkit/apps/reaction-service/handler"
	"commentkit/apps/reaction-service/model"
	"commentkit/apps/reaction-service/service"
	"commentkit/pkg/delayqueue"
	"commentkit/pkg/server"
)

func main() {
	// 创建应用程序
	app := server.NewApplication("reaction-service")
	cfg := app.GetConfig()
	log := app.GetLogger()

	// 启用HTTP、gRPC（健康检查）和WebSocket
	app.EnableHTTP()
	app.EnableGRPC()
	wsServer := app.EnableWebSocket()

	// 自动迁移数据库表结构
	postgreSQL := app.GetPostgreSQL()
	if err := postgreSQL.AutoMigrate(&model.Reaction{}); err != nil {
		panic("Failed to migrate database: " + err.Error())
	}

	rdb := app.GetRedisClient()

	// 延迟对账队列
	reconcileQueue := delayqueue.New(rdb, model.DelayKeyReconcile, cfg.Reaction.PollInterval, log)

	// Kafka 未启用时不能传入 nil 指针
	var events service.EventPublisher
	if producer := app.GetKafkaProducer(); producer != nil {
		events = producer
	}

	// 初始化Service层
	svc := service.NewService(service.Dependencies{
		Reactions: dao.NewReactionDAO(postgreSQL),
		Cache:     dao.NewCountCacheDAO(rdb),
		Queue:     dao.NewPendingQueueDAO(rdb),
		Locks:     dao.NewLockDAO(rdb),
		Scheduler: reconcileQueue,
		Notifier:  rdb,
		Events:    events,
	}, cfg.Reaction, log, service.WithEventTopic(cfg.Kafka.Topic))

	// 初始化Handler
	httpHandler := handler.NewHTTPHandler(svc, log)
	hub := handler.NewHub(log)
	handler.NewWSHandler(hub, log).RegisterRoutes(wsServer)

	// 注册HTTP路由
	app.RegisterHTTPRoutes(func(engine *gin.Engine) {
		httpHandler.RegisterRoutes(engine, app.AdminAuth())
	})

	// 后台任务
	lc := app.GetLifecycle()
	lc.AddWorker("reconcile-queue", 200, func(ctx context.Context) {
		reconcileQueue.Start(ctx, svc.HandleDueTask)
	}, reconcileQueue.Stop)

	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	lc.AddWorker("queue-cleanup", 210, func(ctx context.Context) {
		go svc.RunCleanup(cleanupCtx, cfg.Reaction.CleanupInterval)
	}, stopCleanup)

	var pubsub *goredis.PubSub
	lc.AddWorker("counts-hub", 220, func(ctx context.Context) {
		pubsub = rdb.PSubscribe(ctx, model.ChannelPattern)
		go hub.Run(ctx, pubsub.Channel())
	}, func() {
		if pubsub != nil {
			_ = pubsub.Close()
		}
	})

	// 运行应用程序
	if err := app.Run(); err != nil {
		panic(err)
	}
}
