package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述 ChainDCA 守护进程启动所需的全部配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"queue"`
	Gate       GateConfig       `json:"gate"`
	Chain      ChainConfig      `json:"chain"`
	Aggregator AggregatorConfig `json:"aggregator"`
	Relay      RelayConfig      `json:"relay"`
	Policy     PolicyConfig     `json:"policy"`
	Sweep      SweepConfig      `json:"sweep"`
	Credential CredentialConfig `json:"credential"`
	Log        LogConfig        `json:"log"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 决定订单与凭证使用内存实现还是 MySQL。
// 两类存储共用同一个连接。
type StorageConfig struct {
	Driver          string `json:"driver"`
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_seconds"`
}

// QueueConfig 选择触发队列驱动。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Size     int            `json:"size"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接参数，队列与执行闸门共用。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
}

// GateConfig 选择跨实例执行闸门的实现。
type GateConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// ChainConfig 指向链定义文件并提供节点 RPC 地址。
type ChainConfig struct {
	DefinitionsPath string `json:"definitions_path"`
	RPCURL          string `json:"rpc_url"`
}

// AggregatorConfig 配置询价聚合器。
type AggregatorConfig struct {
	BaseURL        string `json:"base_url"`
	APIKeyEnv      string `json:"api_key_env"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RelayConfig 配置中继提交端点。
type RelayConfig struct {
	Endpoint            string `json:"endpoint"`
	ConfirmTimeoutSecs  int    `json:"confirm_timeout_seconds"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
}

// PolicyConfig 描述执行策略参数。
type PolicyConfig struct {
	MaxSlippageBps     int `json:"max_slippage_bps"`
	PauseAfterFailures int `json:"pause_after_failures"`
	ConfirmTimeoutSecs int `json:"confirm_timeout_seconds"`
	LeaseMarginSeconds int `json:"lease_margin_seconds"`
}

// SweepConfig 控制到期扫描的节奏与消费者并发。
type SweepConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
	BatchSize       int `json:"batch_size"`
	Workers         int `json:"workers"`
}

// CredentialConfig 指定会话密钥主密钥的环境变量名。
// 主密钥本身绝不写入配置文件。
type CredentialConfig struct {
	MasterKeyEnv string `json:"master_key_env"`
}

// LogConfig 透传给 pkg/logger。
type LogConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       AuditLog `json:"audit"`
}

// AuditLog 控制审计日志输出。
type AuditLog struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Load 解析指定路径的 JSON 配置文件并填充默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MaxOpenConns <= 0 {
		c.Storage.MaxOpenConns = 16
	}
	if c.Storage.MaxIdleConns <= 0 {
		c.Storage.MaxIdleConns = 4
	}
	if c.Storage.ConnMaxLifetime <= 0 {
		c.Storage.ConnMaxLifetime = 300
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1024
	}

	if c.Gate.Driver == "" {
		c.Gate.Driver = "noop"
	}

	if c.Chain.DefinitionsPath != "" && !filepath.IsAbs(c.Chain.DefinitionsPath) {
		c.Chain.DefinitionsPath = filepath.Join(baseDir, c.Chain.DefinitionsPath)
	}

	if c.Aggregator.TimeoutSeconds <= 0 {
		c.Aggregator.TimeoutSeconds = 10
	}
	if c.Aggregator.APIKeyEnv == "" {
		c.Aggregator.APIKeyEnv = "CHAINDCA_AGGREGATOR_API_KEY"
	}

	if c.Relay.ConfirmTimeoutSecs <= 0 {
		c.Relay.ConfirmTimeoutSecs = 120
	}
	if c.Relay.PollIntervalSeconds <= 0 {
		c.Relay.PollIntervalSeconds = 2
	}

	if c.Policy.MaxSlippageBps <= 0 {
		c.Policy.MaxSlippageBps = 300
	}
	if c.Policy.PauseAfterFailures <= 0 {
		c.Policy.PauseAfterFailures = 5
	}
	if c.Policy.ConfirmTimeoutSecs <= 0 {
		c.Policy.ConfirmTimeoutSecs = c.Relay.ConfirmTimeoutSecs
	}
	if c.Policy.LeaseMarginSeconds <= 0 {
		c.Policy.LeaseMarginSeconds = 30
	}

	if c.Sweep.IntervalSeconds <= 0 {
		c.Sweep.IntervalSeconds = 30
	}
	if c.Sweep.BatchSize <= 0 {
		c.Sweep.BatchSize = 200
	}
	if c.Sweep.Workers <= 0 {
		c.Sweep.Workers = 4
	}

	if c.Credential.MasterKeyEnv == "" {
		c.Credential.MasterKeyEnv = "CHAINDCA_MASTER_KEY"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = filepath.Join(baseDir, "audit.log")
	}
}

// ConnMaxLifetimeDuration 返回连接最大存活时间。
func (s StorageConfig) ConnMaxLifetimeDuration() time.Duration {
	return time.Duration(s.ConnMaxLifetime) * time.Second
}
