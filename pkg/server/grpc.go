package server

import (
	"context"
	"net"

	kratoslog "github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"commentkit/pkg/config"
	"commentkit/pkg/middleware"
)

// GRPCServer gRPC服务器接口
type GRPCServer interface {
	GetServer() *grpc.Server
	RegisterService(registerFunc func(*grpc.Server))
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// GRPCServerWrapper gRPC服务器包装器
type GRPCServerWrapper struct {
	server  *grpc.Server
	health  *health.Server
	network string
	addr    string
	logger  kratoslog.Logger
}

// NewGRPCServerWrapper 创建gRPC服务器包装器，默认注册标准健康检查服务
func NewGRPCServerWrapper(c *config.Config, logger kratoslog.Logger) *GRPCServerWrapper {
	lm := middleware.NewLoggingMiddleware(logger)
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(lm.GRPCRecovery(), lm.GRPCLogging()),
		grpc.ChainStreamInterceptor(lm.GRPCStreamRecovery(), lm.GRPCStreamLogging()),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	network := c.Server.GRPC.Network
	if network == "" {
		network = "tcp"
	}

	return &GRPCServerWrapper{
		server:  server,
		health:  hs,
		network: network,
		addr:    c.Server.GRPC.Addr,
		logger:  logger,
	}
}

// GetServer 获取gRPC服务器
func (w *GRPCServerWrapper) GetServer() *grpc.Server {
	return w.server
}

// RegisterService 注册业务服务
func (w *GRPCServerWrapper) RegisterService(registerFunc func(*grpc.Server)) {
	registerFunc(w.server)
}

// Start 启动服务器
func (w *GRPCServerWrapper) Start(ctx context.Context) error {
	w.logger.Log(kratoslog.LevelInfo, "msg", "gRPC server starting", "addr", w.addr)
	lis, err := net.Listen(w.network, w.addr)
	if err != nil {
		return err
	}
	w.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return w.server.Serve(lis)
}

// Stop 停止服务器
func (w *GRPCServerWrapper) Stop(ctx context.Context) error {
	w.logger.Log(kratoslog.LevelInfo, "msg", "gRPC server stopping")
	w.health.Shutdown()
	w.server.GracefulStop()
	return nil
}
