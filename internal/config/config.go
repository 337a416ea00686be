package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义运维 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到 stdout
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"，留空使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 服务配置（任务队列与聚合缓存的底层存储）
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// VaultConfig 定义凭证保险库配置
type VaultConfig struct {
	Key string // 主密钥：64 位十六进制，或任意口令（经 scrypt 派生）
}

// GmailConfig 定义 Gmail OAuth 应用配置
type GmailConfig struct {
	ClientID     string // OAuth 客户端 ID
	ClientSecret string // OAuth 客户端密钥
}

// SyncConfig 定义同步编排器配置
type SyncConfig struct {
	BatchSize         int           // 批量同步并发邮箱数，默认 5
	BatchDelay        time.Duration // 批次之间的固定延迟，默认 2s（提供商限流）
	FullWindowDays    int           // full 模式固定拉取窗口天数，默认 30
	RetentionInactive time.Duration // 不活跃邮箱最短保留期，默认 720h（30 天）
}

// QueueConfig 定义任务队列配置
type QueueConfig struct {
	Concurrency  int           // 工作协程数，默认 5
	MaxAttempts  int           // 单任务最大尝试次数，默认 3
	BackoffBase  time.Duration // 指数退避基础延迟，默认 5s
	MaxRetained  int           // 已完成/失败任务保留上限，默认 500
	StallTimeout time.Duration // 处理中任务的心跳超时，默认 5m
}

// AggregateConfig 定义聚合引擎配置
type AggregateConfig struct {
	Interval time.Duration // 聚合运行间隔，默认 1h
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Vault     VaultConfig
	Gmail     GmailConfig
	Sync      SyncConfig
	Queue     QueueConfig
	Aggregate AggregateConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: INBOXMETRICS_
// 例如: INBOXMETRICS_SERVER_PORT, INBOXMETRICS_VAULT_KEY
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，.env 是可选的）
	loadEnvFile()

	viper.SetEnvPrefix("inboxmetrics")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("vault.key", "")
	viper.SetDefault("gmail.client_id", "")
	viper.SetDefault("gmail.client_secret", "")
	viper.SetDefault("sync.batch_size", 5)
	viper.SetDefault("sync.batch_delay", "2s")
	viper.SetDefault("sync.full_window_days", 30)
	viper.SetDefault("sync.retention_inactive", "720h")
	viper.SetDefault("queue.concurrency", 5)
	viper.SetDefault("queue.max_attempts", 3)
	viper.SetDefault("queue.backoff_base", "5s")
	viper.SetDefault("queue.max_retained", 500)
	viper.SetDefault("queue.stall_timeout", "5m")
	viper.SetDefault("aggregate.interval", "1h")

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	batchDelay, err := time.ParseDuration(viper.GetString("sync.batch_delay"))
	if err != nil {
		batchDelay = 2 * time.Second
	}

	retentionInactive, err := time.ParseDuration(viper.GetString("sync.retention_inactive"))
	if err != nil {
		retentionInactive = 30 * 24 * time.Hour
	}

	backoffBase, err := time.ParseDuration(viper.GetString("queue.backoff_base"))
	if err != nil {
		backoffBase = 5 * time.Second
	}

	stallTimeout, err := time.ParseDuration(viper.GetString("queue.stall_timeout"))
	if err != nil {
		stallTimeout = 5 * time.Minute
	}

	aggregateInterval, err := time.ParseDuration(viper.GetString("aggregate.interval"))
	if err != nil {
		aggregateInterval = time.Hour
	}

	batchSize := viper.GetInt("sync.batch_size")
	if batchSize <= 0 {
		batchSize = 5
	}

	concurrency := viper.GetInt("queue.concurrency")
	if concurrency <= 0 {
		concurrency = 5
	}

	maxAttempts := viper.GetInt("queue.max_attempts")
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	vaultKey := viper.GetString("vault.key")

	// 安全检查：主密钥缺失属于致命的启动错误
	if vaultKey == "" {
		return nil, fmt.Errorf("SECURITY ERROR: vault key is required. Please set INBOXMETRICS_VAULT_KEY environment variable")
	}

	// 主密钥必须至少 16 字符，避免弱口令
	if len(vaultKey) < 16 {
		return nil, fmt.Errorf("SECURITY ERROR: vault key must be at least 16 characters long")
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Vault: VaultConfig{
			Key: vaultKey,
		},
		Gmail: GmailConfig{
			ClientID:     viper.GetString("gmail.client_id"),
			ClientSecret: viper.GetString("gmail.client_secret"),
		},
		Sync: SyncConfig{
			BatchSize:         batchSize,
			BatchDelay:        batchDelay,
			FullWindowDays:    viper.GetInt("sync.full_window_days"),
			RetentionInactive: retentionInactive,
		},
		Queue: QueueConfig{
			Concurrency:  concurrency,
			MaxAttempts:  maxAttempts,
			BackoffBase:  backoffBase,
			MaxRetained:  viper.GetInt("queue.max_retained"),
			StallTimeout: stallTimeout,
		},
		Aggregate: AggregateConfig{
			Interval: aggregateInterval,
		},
	}

	if cfg.Sync.FullWindowDays <= 0 {
		cfg.Sync.FullWindowDays = 30
	}

	return cfg, nil
}

// loadEnvFile 尝试加载 .env 文件
//
// 先尝试当前目录，再尝试父目录（从子目录运行时）。
// 已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
