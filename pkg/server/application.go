package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc"

	"commentkit/pkg/auth"
	"commentkit/pkg/config"
	"commentkit/pkg/database"
	"commentkit/pkg/kafka"
	"commentkit/pkg/lifecycle"
	"commentkit/pkg/logger"
	"commentkit/pkg/middleware"
	"commentkit/pkg/redis"
	"commentkit/pkg/telemetry"
)

// Application 应用程序框架
type Application struct {
	serviceName    string
	config         *config.Config
	logger         kratoslog.Logger
	originalLogger logger.Logger
	serverManager  *ServerManager
	lifecycle      *lifecycle.LifecycleManager

	// 基础设施组件
	postgreSQL    *database.PostgreSQL
	redisClient   *redis.RedisClient
	kafkaProducer *kafka.Producer

	// 中间件
	visitorMiddleware *middleware.VisitorMiddleware
	adminMiddleware   *middleware.AdminMiddleware
	loggingMiddleware *middleware.LoggingMiddleware
	otelMiddleware    *middleware.OTelMiddleware

	// 注册函数
	httpRouteRegister   func(*gin.Engine)
	grpcServiceRegister func(*grpc.Server)
}

// NewApplication 创建应用程序
func NewApplication(serviceName string) *Application {
	// 加载配置
	cfg := config.LoadConfig(serviceName)

	// 初始化日志系统
	if err := logger.Init(cfg.Logger.Level); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	originalLogger := logger.GetLogger()

	// 框架层日志统一走 zap
	kratosLogger := logger.NewKratosLogger(originalLogger, "service", cfg.App.Name, "version", cfg.App.Version)

	if err := telemetry.InitGlobal(telemetry.FromAppConfig(cfg)); err != nil {
		kratosLogger.Log(kratoslog.LevelWarn, "msg", "Failed to initialize telemetry", "error", err)
	}

	app := &Application{
		serviceName:    serviceName,
		config:         cfg,
		logger:         kratosLogger,
		originalLogger: originalLogger,
		serverManager:  NewServerManager(cfg, kratosLogger),
		lifecycle:      lifecycle.NewLifecycleManager(kratosLogger),
		visitorMiddleware: middleware.NewVisitorMiddleware(kratosLogger, &auth.JWTConfig{
			Secret:     cfg.Auth.JWTSecret,
			ExpireTime: cfg.Auth.TokenTTL,
		}, cfg.Auth.AllowVisitorHeader),
		adminMiddleware: middleware.NewAdminMiddleware(kratosLogger, &auth.JWTConfig{
			Secret:     cfg.Auth.AdminSecret,
			ExpireTime: cfg.Auth.TokenTTL,
		}),
		loggingMiddleware: middleware.NewLoggingMiddleware(kratosLogger),
		otelMiddleware:    middleware.NewOTelMiddleware(cfg.App.Name, originalLogger),
	}

	// 初始化基础设施
	app.initInfrastructure()

	return app
}

// initInfrastructure 初始化基础设施组件
func (app *Application) initInfrastructure() {
	// 初始化PostgreSQL
	postgreSQL, err := database.NewPostgreSQL(app.config.Database.PostgreSQL)
	if err != nil {
		app.logger.Log(kratoslog.LevelFatal, "msg", "Failed to connect to PostgreSQL", "error", err)
		panic(err)
	}
	app.postgreSQL = postgreSQL

	// 初始化Redis
	app.redisClient = redis.NewRedisClientWithAuth(app.config.Redis.Addr, app.config.Redis.Password, app.config.Redis.DB)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.redisClient.Ping(ctx); err != nil {
		app.logger.Log(kratoslog.LevelFatal, "msg", "Failed to connect to Redis", "error", err)
		panic(err)
	}

	// 事件流是附加能力，Kafka 不可用时服务照常运行
	if !app.config.Kafka.Enabled {
		return
	}
	kafkaProducer, err := kafka.InitProducer(app.config.Kafka.Brokers, app.originalLogger)
	if err != nil {
		app.logger.Log(kratoslog.LevelWarn, "msg", "Kafka unavailable, reaction events disabled", "error", err)
		return
	}
	app.kafkaProducer = kafkaProducer
}

// EnableHTTP 启用HTTP服务器
func (app *Application) EnableHTTP() HTTPServer {
	httpServer := app.serverManager.EnableHTTP()

	// 添加中间件
	httpServer.RegisterRoutes(func(engine *gin.Engine) {
		engine.Use(app.otelMiddleware.RequestID())
		engine.Use(app.otelMiddleware.GinMiddleware())
		engine.Use(app.loggingMiddleware.GinLogging())
		engine.Use(middleware.Recovery(app.originalLogger))
		engine.Use(app.visitorMiddleware.GinVisitor())
		engine.Use(app.otelMiddleware.SpanAttributes())

		engine.GET("/health/ready", app.readiness)
	})

	return httpServer
}

// readiness 依赖可用时返回200
func (app *Application) readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{"postgresql": "ok", "redis": "ok"}
	status := http.StatusOK
	if err := app.postgreSQL.Health(ctx); err != nil {
		checks["postgresql"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := app.redisClient.Ping(ctx); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, checks)
}

// EnableGRPC 启用gRPC服务器
func (app *Application) EnableGRPC() GRPCServer {
	return app.serverManager.EnableGRPC()
}

// EnableWebSocket 启用WebSocket，需在 EnableHTTP 之后调用以继承中间件
func (app *Application) EnableWebSocket() *WebSocketServerWrapper {
	return app.serverManager.EnableWebSocket()
}

// RegisterHTTPRoutes 注册HTTP路由
func (app *Application) RegisterHTTPRoutes(registerFunc func(*gin.Engine)) {
	app.httpRouteRegister = registerFunc
}

// RegisterGRPCService 注册gRPC服务
func (app *Application) RegisterGRPCService(registerFunc func(*grpc.Server)) {
	app.grpcServiceRegister = registerFunc
}

// AdminAuth 内部接口认证中间件
func (app *Application) AdminAuth() gin.HandlerFunc {
	return app.adminMiddleware.GinAdmin()
}

// GetRedisClient 获取Redis客户端
func (app *Application) GetRedisClient() *redis.RedisClient {
	return app.redisClient
}

// GetKafkaProducer 获取Kafka生产者，未启用时为 nil
func (app *Application) GetKafkaProducer() *kafka.Producer {
	return app.kafkaProducer
}

// GetPostgreSQL 获取PostgreSQL连接
func (app *Application) GetPostgreSQL() *database.PostgreSQL {
	return app.postgreSQL
}

// GetLogger 获取业务日志器
func (app *Application) GetLogger() logger.Logger {
	return app.originalLogger
}

// GetKratosLogger 获取Kratos日志器
func (app *Application) GetKratosLogger() kratoslog.Logger {
	return app.logger
}

// GetConfig 获取配置
func (app *Application) GetConfig() *config.Config {
	return app.config
}

// GetLifecycle 获取生命周期管理器，用于注册后台任务
func (app *Application) GetLifecycle() *lifecycle.LifecycleManager {
	return app.lifecycle
}

// Run 运行应用程序
func (app *Application) Run() error {
	// 注册生命周期钩子
	app.registerLifecycleHooks()

	// 启动生命周期管理器
	if err := app.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle: %w", err)
	}

	// 等待停止信号
	app.lifecycle.Wait()

	return nil
}

// registerLifecycleHooks 注册生命周期钩子
func (app *Application) registerLifecycleHooks() {
	// 注册HTTP路由
	if app.httpRouteRegister != nil {
		if err := app.serverManager.RegisterHTTPRoutes(app.httpRouteRegister); err != nil {
			app.logger.Log(kratoslog.LevelError, "msg", "Failed to register HTTP routes", "error", err)
		}
	}

	// 注册gRPC服务
	if app.grpcServiceRegister != nil {
		if err := app.serverManager.RegisterGRPCService(app.grpcServiceRegister); err != nil {
			app.logger.Log(kratoslog.LevelError, "msg", "Failed to register gRPC service", "error", err)
		}
	}

	// 服务器启动钩子
	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     "servers",
		Priority: 100,
		OnStart: func(ctx context.Context) error {
			return app.serverManager.StartAll(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return app.serverManager.StopAll(ctx)
		},
	})

	// 基础设施优先级最高，反向停止时最后关闭
	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     "infrastructure",
		Priority: 10,
		OnStop: func(ctx context.Context) error {
			if app.kafkaProducer != nil {
				if err := app.kafkaProducer.Close(); err != nil {
					app.logger.Log(kratoslog.LevelError, "msg", "Failed to close Kafka producer", "error", err)
				}
			}
			if app.redisClient != nil {
				if err := app.redisClient.Close(); err != nil {
					app.logger.Log(kratoslog.LevelError, "msg", "Failed to close Redis", "error", err)
				}
			}
			if app.postgreSQL != nil {
				if err := app.postgreSQL.Close(); err != nil {
					app.logger.Log(kratoslog.LevelError, "msg", "Failed to close PostgreSQL", "error", err)
				}
			}
			return telemetry.ShutdownGlobal(ctx)
		},
	})
}
