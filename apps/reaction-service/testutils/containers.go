// Package testutils 提供反应服务测试用的容器环境和内存实现
//
// 容器测试需要 Docker，仅在设置 INTEGRATION_TEST 环境变量时运行。
package testutils

import (
	"context"
	"os"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"commentkit/apps/reaction-service/model"
	"commentkit/pkg/config"
	"commentkit/pkg/database"
	"commentkit/pkg/redis"
)

// TestEnvironment 容器化的 PostgreSQL 和 Redis
type TestEnvironment struct {
	DB             *database.PostgreSQL
	Redis          *redis.RedisClient
	PgContainer    tc.Container
	RedisContainer tc.Container
}

// RequireIntegration 未开启集成测试时跳过
func RequireIntegration(t testing.TB) {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("set INTEGRATION_TEST=1 to run container tests")
	}
}

// SetupTestEnvironment 启动容器并迁移 reactions 表，测试结束时自动清理
func SetupTestEnvironment(t testing.TB) *TestEnvironment {
	t.Helper()
	RequireIntegration(t)

	ctx := context.Background()
	env := &TestEnvironment{}
	t.Cleanup(env.Cleanup)

	redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	env.RedisContainer = redisContainer

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	env.Redis = redis.NewRedisClient(endpoint)
	if err := env.Redis.Ping(ctx); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("reactionDB"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	env.PgContainer = pgContainer

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	env.DB, err = database.NewPostgreSQL(config.PostgreSQLConfig{DSN: dsn, DBName: "reactionDB", LogLevel: "silent"})
	if err != nil {
		t.Fatalf("failed to connect postgres: %v", err)
	}
	if err := env.DB.AutoMigrate(&model.Reaction{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	return env
}

// Reset 清空表和 Redis
func (env *TestEnvironment) Reset(t testing.TB) {
	t.Helper()

	if err := env.DB.GetDB().Exec("TRUNCATE TABLE reactions RESTART IDENTITY").Error; err != nil {
		t.Fatalf("failed to truncate reactions: %v", err)
	}
	if err := env.Redis.GetClient().FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}

// Cleanup 关闭连接并终止容器
func (env *TestEnvironment) Cleanup() {
	ctx := context.Background()

	if env.Redis != nil {
		_ = env.Redis.Close()
	}
	if env.DB != nil {
		_ = env.DB.Close()
	}
	if env.RedisContainer != nil {
		_ = env.RedisContainer.Terminate(ctx)
	}
	if env.PgContainer != nil {
		_ = env.PgContainer.Terminate(ctx)
	}
}
