package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Reaction  ReactionConfig  `mapstructure:"reaction"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Env     string `mapstructure:"env"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTP HTTPConfig `mapstructure:"http"`
	GRPC GRPCConfig `mapstructure:"grpc"`
}

// HTTPConfig HTTP服务配置
type HTTPConfig struct {
	Network string `mapstructure:"network"`
	Addr    string `mapstructure:"addr"`
	Timeout string `mapstructure:"timeout"`
	Mode    string `mapstructure:"mode"`
}

// GRPCConfig gRPC服务配置
type GRPCConfig struct {
	Network string `mapstructure:"network"`
	Addr    string `mapstructure:"addr"`
	Timeout string `mapstructure:"timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	PostgreSQL PostgreSQLConfig `mapstructure:"postgresql"`
}

// PostgreSQLConfig PostgreSQL配置
type PostgreSQLConfig struct {
	DSN      string `mapstructure:"dsn"`
	DBName   string `mapstructure:"db_name"`
	LogLevel string `mapstructure:"log_level"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// AuthConfig 访客身份配置
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	// AllowVisitorHeader 允许嵌入脚本直接通过 X-Visitor-ID 传递访客标识
	AllowVisitorHeader bool `mapstructure:"allow_visitor_header"`
	// AdminSecret 内部接口运维令牌密钥，为空时内部接口全部拒绝
	AdminSecret string `mapstructure:"admin_secret"`
}

// ReactionConfig 反应聚合相关配置
type ReactionConfig struct {
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	BatchSize         int           `mapstructure:"batch_size"`
	ReconcileDelay    time.Duration `mapstructure:"reconcile_delay"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	QueueSlack        time.Duration `mapstructure:"queue_slack"`
	QueueRetention    time.Duration `mapstructure:"queue_retention"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`

	// RecomputeOnUpdate 类型切换后从数据库重算而不是应用增量
	RecomputeOnUpdate bool `mapstructure:"recompute_on_update"`

	// TombstoneRetention 撤销墓碑保留时长，需长于任何变更在队列中停留的时间
	TombstoneRetention time.Duration `mapstructure:"tombstone_retention"`
}

// TelemetryConfig 链路追踪配置
type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ExporterType string  `mapstructure:"exporter"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level string `mapstructure:"level"`
}

// LoadConfig 加载配置，失败时直接panic
func LoadConfig(serviceName string) *Config {
	cfg, err := Load(serviceName)
	if err != nil {
		panic(fmt.Sprintf("加载配置失败: %v", err))
	}
	return cfg
}

// Load 从配置文件和环境变量加载配置
// 环境变量优先，键名中的点号替换为下划线，例如 REACTION_RECONCILE_DELAY=45s
func Load(serviceName string) (*Config, error) {
	v := viper.New()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../..")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, serviceName)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("Config file not found, using default values")
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// KAFKA_BROKERS 以逗号分隔
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Reaction.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper, serviceName string) {
	v.SetDefault("app.name", serviceName)
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.env", "development")

	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":21020")
	v.SetDefault("server.http.timeout", "30s")
	v.SetDefault("server.http.mode", "release")
	v.SetDefault("server.grpc.network", "tcp")
	v.SetDefault("server.grpc.addr", ":22020")
	v.SetDefault("server.grpc.timeout", "30s")

	v.SetDefault("database.postgresql.dsn", "host=localhost user=postgres password=postgres dbname=reactionDB port=5432 sslmode=disable TimeZone=UTC")
	v.SetDefault("database.postgresql.db_name", "reactionDB")
	v.SetDefault("database.postgresql.log_level", "warn")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "reaction-events")

	v.SetDefault("auth.jwt_secret", "commentkit")
	v.SetDefault("auth.token_ttl", "720h")
	v.SetDefault("auth.allow_visitor_header", true)
	v.SetDefault("auth.admin_secret", "")

	DefaultReactionConfig().apply(v)

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.exporter", "stdout")
	v.SetDefault("telemetry.sample_rate", 1.0)

	v.SetDefault("logger.level", "info")
}

// DefaultReactionConfig 反应聚合默认参数
func DefaultReactionConfig() ReactionConfig {
	return ReactionConfig{
		CacheTTL:          time.Hour,
		BatchSize:         100,
		ReconcileDelay:    30 * time.Second,
		ProcessingTimeout: 300 * time.Second,
		QueueSlack:        60 * time.Second,
		QueueRetention:    5 * time.Minute,
		CleanupInterval:   60 * time.Second,
		PollInterval:      time.Second,

		// 远大于队列保留时长
		TombstoneRetention: 24 * time.Hour,
	}
}

func (c ReactionConfig) apply(v *viper.Viper) {
	v.SetDefault("reaction.cache_ttl", c.CacheTTL)
	v.SetDefault("reaction.batch_size", c.BatchSize)
	v.SetDefault("reaction.reconcile_delay", c.ReconcileDelay)
	v.SetDefault("reaction.processing_timeout", c.ProcessingTimeout)
	v.SetDefault("reaction.queue_slack", c.QueueSlack)
	v.SetDefault("reaction.queue_retention", c.QueueRetention)
	v.SetDefault("reaction.cleanup_interval", c.CleanupInterval)
	v.SetDefault("reaction.poll_interval", c.PollInterval)
	v.SetDefault("reaction.recompute_on_update", c.RecomputeOnUpdate)
	v.SetDefault("reaction.tombstone_retention", c.TombstoneRetention)
}

// QueueTTL 队列键的过期时间：对账延迟加上余量
func (c ReactionConfig) QueueTTL() time.Duration {
	return c.ReconcileDelay + c.QueueSlack
}

// Validate 校验反应聚合参数
func (c ReactionConfig) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("reaction.batch_size must be positive, got %d", c.BatchSize)
	case c.CacheTTL <= 0:
		return fmt.Errorf("reaction.cache_ttl must be positive")
	case c.ReconcileDelay <= 0:
		return fmt.Errorf("reaction.reconcile_delay must be positive")
	case c.ProcessingTimeout <= 0:
		return fmt.Errorf("reaction.processing_timeout must be positive")
	case c.QueueRetention <= 0:
		return fmt.Errorf("reaction.queue_retention must be positive")
	case c.TombstoneRetention <= c.QueueRetention+c.QueueTTL():
		return fmt.Errorf("reaction.tombstone_retention must exceed queue_retention plus the queue ttl")
	}
	return nil
}
