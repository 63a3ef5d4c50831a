package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"AgentNexus-Chain/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "AGENTNEXUS_CONFIG"

// DefaultPath 为未设置环境变量时使用的配置文件。
const DefaultPath = "configs/agentnexus.json"

// Config 描述了 AgentNexus 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Logging      logger.Config      `json:"logging"`
	Chains       ChainsConfig       `json:"chains"`
	Bridge       BridgeConfig       `json:"bridge"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Deployment   DeploymentConfig   `json:"deployment"`
	Lock         LockConfig         `json:"lock"`
	Reconcile    ReconcileConfig    `json:"reconcile"`
	Events       EventsConfig       `json:"events"`
	Auth         AuthConfig         `json:"auth"`
	Tracing      TracingConfig      `json:"tracing"`
	Metrics      MetricsConfig      `json:"metrics"`
	Alerting     AlertingConfig     `json:"alerting"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// ChainsConfig 指向链定义 YAML 文件，并配置中继账户。
type ChainsConfig struct {
	DefinitionsPath string   `json:"definitions_path"`
	RelayerKey      string   `json:"relayer_key"`
	RelayerKeyEnv   string   `json:"relayer_key_env"`
	ReceiptTimeout  Duration `json:"receipt_timeout"`
}

// BridgeConfig 选择桥接实现：memory 为进程内账本，nexus 为 HTTP sidecar。
type BridgeConfig struct {
	Driver    string `json:"driver"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	APIKeyEnv string `json:"api_key_env"`
	// Seed 仅对 memory 驱动生效，为本地调试预置余额。
	Seed []SeedBalance `json:"seed"`
}

// SeedBalance 是一条预置余额。
type SeedBalance struct {
	Wallet  string          `json:"wallet"`
	ChainID uint64          `json:"chain_id"`
	Amount  decimal.Decimal `json:"amount"`
}

// OrchestratorConfig 控制批量部署的节奏和超时。
type OrchestratorConfig struct {
	Timeout        Duration       `json:"timeout"`
	ChainDelay     Duration       `json:"chain_delay"`
	ReceiptTimeout Duration       `json:"receipt_timeout"`
	Approval       ApprovalConfig `json:"approval"`
}

// ApprovalConfig 为自动审批设置上限，0 表示不限制。
type ApprovalConfig struct {
	MaxAmount decimal.Decimal `json:"max_amount"`
}

// DeploymentConfig 描述部署记录的存储以及注册参数。
type DeploymentConfig struct {
	Store           string          `json:"store"`
	DSN             string          `json:"dsn"`
	DSNEnv          string          `json:"dsn_env"`
	StaleAfter      Duration        `json:"stale_after"`
	RegistrationFee decimal.Decimal `json:"registration_fee"`
	Token           string          `json:"token"`
	TokenDecimals   int32           `json:"token_decimals"`
	DefaultWallet   string          `json:"default_wallet"`
	HistoryLimit    int             `json:"history_limit"`
}

// LockConfig 选择 (agentId, chainId) 互斥锁的实现。
type LockConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
	TTL    Duration    `json:"ttl"`
}

// RedisConfig 为锁和对账队列共用的 Redis 连接参数。
type RedisConfig struct {
	Address     string `json:"address"`
	Password    string `json:"password"`
	PasswordEnv string `json:"password_env"`
	DB          int    `json:"db"`
	KeyPrefix   string `json:"key_prefix"`
}

// ReconcileConfig 控制对账队列和工作协程。
type ReconcileConfig struct {
	Queue         string         `json:"queue"`
	QueueName     string         `json:"queue_name"`
	Redis         RedisConfig    `json:"redis"`
	RabbitMQ      RabbitMQConfig `json:"rabbitmq"`
	Workers       int            `json:"workers"`
	MaxAttempts   int            `json:"max_attempts"`
	RetryDelay    Duration       `json:"retry_delay"`
	SweepInterval Duration       `json:"sweep_interval"`
	SweepBatch    int            `json:"sweep_batch"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	URLEnv   string `json:"url_env"`
	Prefetch int    `json:"prefetch"`
}

// EventsConfig 选择事件发布方式：log 或 nats。
type EventsConfig struct {
	Driver        string `json:"driver"`
	URL           string `json:"url"`
	SubjectPrefix string `json:"subject_prefix"`
}

// AuthConfig 对应 auth 包的模式与 JWT 参数。
type AuthConfig struct {
	Mode string    `json:"mode"`
	JWT  JWTConfig `json:"jwt"`
}

// JWTConfig 描述令牌签名参数。
type JWTConfig struct {
	Secret    string   `json:"secret"`
	SecretEnv string   `json:"secret_env"`
	Issuer    string   `json:"issuer"`
	Audience  []string `json:"audience"`
	AccessTTL Duration `json:"access_ttl"`
}

// TracingConfig 控制 OpenTelemetry 导出。
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	ServiceName string  `json:"service_name"`
	SampleRatio float64 `json:"sample_ratio"`
	Output      string  `json:"output"`
}

// MetricsConfig 允许在独立端口上暴露 Prometheus 指标。
type MetricsConfig struct {
	Address string `json:"address"`
}

// AlertingConfig 配置告警渠道，日志渠道始终启用。
type AlertingConfig struct {
	WebhookURL      string `json:"webhook_url"`
	SlackWebhookURL string `json:"slack_webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Duration 以 "30s"、"5m" 形式在 JSON 中表示时长。
type Duration time.Duration

// UnmarshalJSON 同时接受字符串和纳秒整数。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("无效的时长 %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("无效的时长 %s", string(data))
	}
	return nil
}

// MarshalJSON 输出可读的时长字符串。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std 转换为 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Path 返回配置文件路径，优先读取 AGENTNEXUS_CONFIG。
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 先加载工作目录与配置目录下的 .env，再解析 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	baseDir := filepath.Dir(path)
	if err := loadDotEnv(".env", filepath.Join(baseDir, ".env")); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.resolveSecrets()
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv 按顺序加载存在的 .env 文件，已存在的环境变量不会被覆盖。
func loadDotEnv(paths ...string) error {
	seen := map[string]bool{}
	for _, p := range paths {
		clean := filepath.Clean(p)
		if seen[clean] {
			continue
		}
		seen[clean] = true
		if _, err := os.Stat(clean); err != nil {
			continue
		}
		if err := godotenv.Load(clean); err != nil {
			return fmt.Errorf("加载 %s 失败: %w", clean, err)
		}
	}
	return nil
}

// resolveSecrets 将 *_env 字段指向的环境变量填入对应的明文字段。
func (c *Config) resolveSecrets() {
	fromEnv(&c.Chains.RelayerKey, c.Chains.RelayerKeyEnv)
	fromEnv(&c.Bridge.APIKey, c.Bridge.APIKeyEnv)
	fromEnv(&c.Deployment.DSN, c.Deployment.DSNEnv)
	fromEnv(&c.Lock.Redis.Password, c.Lock.Redis.PasswordEnv)
	fromEnv(&c.Reconcile.Redis.Password, c.Reconcile.Redis.PasswordEnv)
	fromEnv(&c.Reconcile.RabbitMQ.URL, c.Reconcile.RabbitMQ.URLEnv)
	fromEnv(&c.Auth.JWT.Secret, c.Auth.JWT.SecretEnv)
}

func fromEnv(target *string, name string) {
	if name == "" {
		return
	}
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*target = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Chains.DefinitionsPath != "" && !filepath.IsAbs(c.Chains.DefinitionsPath) {
		c.Chains.DefinitionsPath = filepath.Join(baseDir, c.Chains.DefinitionsPath)
	}
	if c.Chains.ReceiptTimeout == 0 {
		c.Chains.ReceiptTimeout = Duration(2 * time.Minute)
	}

	if c.Bridge.Driver == "" {
		c.Bridge.Driver = "memory"
	}

	if c.Orchestrator.Timeout == 0 {
		c.Orchestrator.Timeout = Duration(5 * time.Minute)
	}
	if c.Orchestrator.ChainDelay == 0 {
		c.Orchestrator.ChainDelay = Duration(2 * time.Second)
	}
	if c.Orchestrator.ReceiptTimeout == 0 {
		c.Orchestrator.ReceiptTimeout = c.Chains.ReceiptTimeout
	}

	if c.Deployment.Store == "" {
		c.Deployment.Store = "memory"
	}
	if c.Deployment.StaleAfter == 0 {
		c.Deployment.StaleAfter = Duration(10 * time.Minute)
	}
	if c.Deployment.Token == "" {
		c.Deployment.Token = "USDC"
	}
	if c.Deployment.TokenDecimals == 0 {
		c.Deployment.TokenDecimals = 6
	}
	if c.Deployment.HistoryLimit <= 0 {
		c.Deployment.HistoryLimit = 50
	}

	if c.Lock.Driver == "" {
		c.Lock.Driver = "local"
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = c.Orchestrator.Timeout + Duration(time.Minute)
	}

	if c.Reconcile.Queue == "" {
		c.Reconcile.Queue = "memory"
	}
	if c.Reconcile.Workers <= 0 {
		c.Reconcile.Workers = 2
	}
	if c.Reconcile.MaxAttempts <= 0 {
		c.Reconcile.MaxAttempts = 10
	}
	if c.Reconcile.RetryDelay == 0 {
		c.Reconcile.RetryDelay = Duration(30 * time.Second)
	}
	if c.Reconcile.SweepInterval == 0 {
		c.Reconcile.SweepInterval = Duration(5 * time.Minute)
	}
	if c.Reconcile.SweepBatch <= 0 {
		c.Reconcile.SweepBatch = 100
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "log"
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "agentnexus"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.JWT.AccessTTL == 0 {
		c.Auth.JWT.AccessTTL = Duration(time.Hour)
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "agentnexusd"
	}
	if c.Tracing.SampleRatio <= 0 {
		c.Tracing.SampleRatio = 1
	}
}

// Validate 检查驱动取值以及各驱动必需的参数。
func (c *Config) Validate() error {
	var errs []error
	switch c.Bridge.Driver {
	case "memory":
		for i, seed := range c.Bridge.Seed {
			if seed.ChainID == 0 || seed.Wallet == "" || !seed.Amount.IsPositive() {
				errs = append(errs, fmt.Errorf("bridge.seed[%d] 需要 wallet、chain_id 和正数 amount", i))
			}
		}
	case "nexus":
		if c.Bridge.BaseURL == "" {
			errs = append(errs, errors.New("bridge.base_url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 bridge.driver: %s", c.Bridge.Driver))
	}
	switch c.Deployment.Store {
	case "memory", "file":
	case "mysql":
		if c.Deployment.DSN == "" {
			errs = append(errs, errors.New("deployment.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 deployment.store: %s", c.Deployment.Store))
	}
	switch c.Lock.Driver {
	case "local":
	case "redis":
		if c.Lock.Redis.Address == "" {
			errs = append(errs, errors.New("lock.redis.address 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 lock.driver: %s", c.Lock.Driver))
	}
	switch c.Reconcile.Queue {
	case "memory":
	case "redis":
		if c.Reconcile.Redis.Address == "" {
			errs = append(errs, errors.New("reconcile.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.Reconcile.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("reconcile.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 reconcile.queue: %s", c.Reconcile.Queue))
	}
	switch c.Events.Driver {
	case "log":
	case "nats":
		if c.Events.URL == "" {
			errs = append(errs, errors.New("events.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 events.driver: %s", c.Events.Driver))
	}
	if c.Deployment.TokenDecimals < 0 {
		errs = append(errs, errors.New("deployment.token_decimals 必须为正数"))
	}
	if c.Deployment.RegistrationFee.IsNegative() {
		errs = append(errs, errors.New("deployment.registration_fee 不能为负数"))
	}
	return errors.Join(errs...)
}
