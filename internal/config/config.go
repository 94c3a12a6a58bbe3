package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"referral-dapp/pkg/logger"
)

// Config 描述了 referrald 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Contract ContractConfig `json:"contract"`
	Web3     Web3Config     `json:"web3"`
	Wallet   WalletConfig   `json:"wallet"`
	Storage  StorageConfig  `json:"storage"`
	TxQueue  TxQueueConfig  `json:"tx_queue"`
	Cache    CacheConfig    `json:"cache"`
	Auth     AuthConfig     `json:"auth"`
	Alerting AlertingConfig `json:"alerting"`
	Logging  logger.Config  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address                string `json:"address" env:"REFERRAL_SERVER_ADDRESS"`
	ReadTimeoutSeconds     int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `json:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds"`
}

// ContractConfig 描述推荐合约的地址与 ABI。
type ContractConfig struct {
	Address string `json:"address" env:"REFERRAL_CONTRACT_ADDRESS"`
	// ABI 为 JSON 字符串；为空时从 ABIPath 读取。
	ABI     string `json:"abi" env:"REFERRAL_CONTRACT_ABI"`
	ABIPath string `json:"abi_path" env:"REFERRAL_CONTRACT_ABI_PATH"`
	// DisplayPlaces 控制金额展示的小数位数（0-18，默认 3）。
	DisplayPlaces      int32 `json:"display_places" env:"REFERRAL_DISPLAY_PLACES"`
	ReadTimeoutSeconds int   `json:"read_timeout_seconds"`
	// WatchEvents 为 true 时订阅合约日志并在收到事件后刷新读取缓存。
	WatchEvents bool `json:"watch_events" env:"REFERRAL_WATCH_EVENTS"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。
type Web3Config struct {
	RPCURL       string `json:"rpc_url" env:"REFERRAL_RPC_URL"`
	WSURL        string `json:"ws_url" env:"REFERRAL_WS_URL"`
	ChainID      uint64 `json:"chain_id" env:"REFERRAL_CHAIN_ID"`
	NativeSymbol string `json:"native_symbol"`
	ChainConfig  string `json:"chain_config" env:"REFERRAL_CHAIN_CONFIG"`
	DefaultChain string `json:"default_chain" env:"REFERRAL_DEFAULT_CHAIN"`
}

// WalletConfig 选择钱包连接方式：私钥、keystore 或只读地址。
type WalletConfig struct {
	PrivateKey string `json:"private_key" env:"REFERRAL_WALLET_PRIVATE_KEY"`
	Keystore   string `json:"keystore" env:"REFERRAL_WALLET_KEYSTORE"`
	Passphrase string `json:"passphrase" env:"REFERRAL_WALLET_PASSPHRASE"`
	Address    string `json:"address" env:"REFERRAL_WALLET_ADDRESS"`
	GasLimit   uint64 `json:"gas_limit"`
}

// StorageConfig 描述交易跟踪记录的持久化后端。
type StorageConfig struct {
	TxStore TxStoreConfig `json:"tx_store"`
}

// TxStoreConfig 默认使用内存实现，可切换为 MySQL。
type TxStoreConfig struct {
	Driver                 string `json:"driver" env:"REFERRAL_TX_STORE_DRIVER"`
	DSN                    string `json:"dsn" env:"REFERRAL_TX_STORE_DSN"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// TxQueueConfig 控制交易回执轮询队列。
type TxQueueConfig struct {
	Driver             string         `json:"driver" env:"REFERRAL_TX_QUEUE_DRIVER"`
	Workers            int            `json:"workers"`
	Buffer             int            `json:"buffer"`
	PollIntervalMillis int            `json:"poll_interval_millis"`
	MaxPolls           int            `json:"max_polls"`
	Redis              RedisQueue     `json:"redis"`
	RabbitMQ           RabbitMQConfig `json:"rabbitmq"`
}

// RedisQueue 描述基于 Redis 列表的队列。
type RedisQueue struct {
	Address          string `json:"address" env:"REFERRAL_REDIS_ADDRESS"`
	Password         string `json:"password" env:"REFERRAL_REDIS_PASSWORD"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url" env:"REFERRAL_RABBITMQ_URL"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// CacheConfig 控制合约读取结果的缓存。
type CacheConfig struct {
	Driver     string           `json:"driver" env:"REFERRAL_CACHE_DRIVER"`
	TTLSeconds int              `json:"ttl_seconds"`
	Redis      RedisCacheConfig `json:"redis"`
}

// RedisCacheConfig 描述 Redis 缓存连接。
type RedisCacheConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// AuthConfig 控制写接口的令牌校验。
type AuthConfig struct {
	Enabled         bool   `json:"enabled" env:"REFERRAL_AUTH_ENABLED"`
	Secret          string `json:"secret" env:"REFERRAL_AUTH_SECRET"`
	Issuer          string `json:"issuer"`
	TokenTTLMinutes int    `json:"token_ttl_minutes"`
}

// AlertingConfig 描述交易失败告警的投递方式。
type AlertingConfig struct {
	Email   EmailConfig   `json:"email"`
	Webhook WebhookConfig `json:"webhook"`
}

// EmailConfig 通过 SMTP 发送告警邮件。
type EmailConfig struct {
	Enabled  bool     `json:"enabled"`
	SMTPHost string   `json:"smtp_host"`
	SMTPPort int      `json:"smtp_port"`
	Username string   `json:"username"`
	Password string   `json:"password" env:"REFERRAL_SMTP_PASSWORD"`
	From     string   `json:"from"`
	To       []string `json:"to"`
}

// WebhookConfig 将告警以 JSON 形式推送到外部地址。
type WebhookConfig struct {
	URL            string `json:"url" env:"REFERRAL_ALERT_WEBHOOK"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// MetricsConfig 控制 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	Path    string `json:"path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// DefaultDisplayPlaces 是未配置时金额展示的小数位数。
const DefaultDisplayPlaces int32 = 3

// Load 负责解析指定路径的 JSON 配置文件，并叠加 .env 与环境变量。
// 配置文件不存在时仅使用环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	// 0 是合法的小数位数，默认值需在解析前写入。
	cfg := Config{Contract: ContractConfig{DisplayPlaces: DefaultDisplayPlaces}}
	baseDir := filepath.Dir(path)

	file, err := os.Open(path)
	switch {
	case err == nil:
		defer file.Close()
		content, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		baseDir = "."
	default:
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)

	if err := cfg.resolveABI(baseDir); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv 加载 .env 文件中的变量，不覆盖已存在的环境变量。
// 文件不存在时直接返回。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}
	// 兼容前端部署使用的变量名。
	if c.Contract.Address == "" {
		c.Contract.Address = strings.TrimSpace(os.Getenv("NEXT_PUBLIC_CONTRACT_ADDRESS"))
	}
	if c.Contract.ABI == "" {
		c.Contract.ABI = strings.TrimSpace(os.Getenv("NEXT_PUBLIC_CONTRACT_ABI"))
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 15
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}

	if c.Contract.ReadTimeoutSeconds <= 0 {
		c.Contract.ReadTimeoutSeconds = 10
	}

	if c.Storage.TxStoreDriver() == "" {
		c.Storage.TxStore.Driver = "memory"
	}
	if c.Storage.TxStore.MaxOpenConns <= 0 {
		c.Storage.TxStore.MaxOpenConns = 10
	}
	if c.Storage.TxStore.MaxIdleConns <= 0 {
		c.Storage.TxStore.MaxIdleConns = 5
	}

	if c.TxQueue.Driver == "" {
		c.TxQueue.Driver = "memory"
	}
	if c.TxQueue.Workers <= 0 {
		c.TxQueue.Workers = 2
	}
	if c.TxQueue.Buffer <= 0 {
		c.TxQueue.Buffer = 256
	}
	if c.TxQueue.PollIntervalMillis <= 0 {
		c.TxQueue.PollIntervalMillis = 2000
	}
	if c.TxQueue.MaxPolls <= 0 {
		c.TxQueue.MaxPolls = 150
	}
	if c.TxQueue.Redis.Queue == "" {
		c.TxQueue.Redis.Queue = "referral:tx:poll"
	}
	if c.TxQueue.RabbitMQ.Queue == "" {
		c.TxQueue.RabbitMQ.Queue = "referral.tx.poll"
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = 30
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "referral:read:"
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "referrald"
	}
	if c.Auth.TokenTTLMinutes <= 0 {
		c.Auth.TokenTTLMinutes = 60
	}

	if c.Alerting.Email.SMTPPort == 0 {
		c.Alerting.Email.SMTPPort = 587
	}
	if c.Alerting.Webhook.TimeoutSeconds <= 0 {
		c.Alerting.Webhook.TimeoutSeconds = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
}

func (c *Config) resolveABI(baseDir string) error {
	if strings.TrimSpace(c.Contract.ABI) != "" || c.Contract.ABIPath == "" {
		return nil
	}
	path := c.Contract.ABIPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取合约 ABI 失败: %w", err)
	}
	c.Contract.ABI = string(content)
	return nil
}

// Validate 检查启动所需的关键字段。
func (c *Config) Validate() error {
	var problems []string

	if !common.IsHexAddress(c.Contract.Address) {
		problems = append(problems, "contract.address 不是合法的合约地址")
	}
	if strings.TrimSpace(c.Contract.ABI) == "" {
		problems = append(problems, "contract.abi 为空")
	}
	if c.Contract.DisplayPlaces < 0 || c.Contract.DisplayPlaces > 18 {
		problems = append(problems, "contract.display_places 必须位于 0-18 之间")
	}
	if c.Web3.RPCURL == "" && c.Web3.ChainConfig == "" {
		problems = append(problems, "web3.rpc_url 与 web3.chain_config 至少配置一个")
	}
	if addr := c.Wallet.Address; addr != "" && !common.IsHexAddress(addr) {
		problems = append(problems, "wallet.address 不是合法地址")
	}
	if c.Wallet.Keystore != "" && c.Wallet.PrivateKey != "" {
		problems = append(problems, "wallet.private_key 与 wallet.keystore 只能配置一个")
	}

	switch c.Storage.TxStoreDriver() {
	case "memory":
	case "mysql":
		if c.Storage.TxStore.DSN == "" {
			problems = append(problems, "storage.tx_store.dsn 为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的交易存储驱动: %s", c.Storage.TxStore.Driver))
	}

	switch c.TxQueue.Driver {
	case "memory":
	case "redis":
		if c.TxQueue.Redis.Address == "" {
			problems = append(problems, "tx_queue.redis.address 为空")
		}
	case "rabbitmq":
		if c.TxQueue.RabbitMQ.URL == "" {
			problems = append(problems, "tx_queue.rabbitmq.url 为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的队列驱动: %s", c.TxQueue.Driver))
	}

	switch c.Cache.Driver {
	case "memory":
	case "redis":
		if c.Cache.Redis.Address == "" {
			problems = append(problems, "cache.redis.address 为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的缓存驱动: %s", c.Cache.Driver))
	}

	if c.Auth.Enabled && len(c.Auth.Secret) < 16 {
		problems = append(problems, "auth.secret 长度不足 16 字节")
	}
	if c.Alerting.Email.Enabled && (c.Alerting.Email.SMTPHost == "" || len(c.Alerting.Email.To) == 0) {
		problems = append(problems, "alerting.email 需要 smtp_host 与收件人")
	}

	if len(problems) > 0 {
		return fmt.Errorf("配置无效: %s", strings.Join(problems, "; "))
	}
	return nil
}

// TxStoreDriver 返回规范化后的存储驱动名称。
func (s StorageConfig) TxStoreDriver() string {
	return strings.ToLower(strings.TrimSpace(s.TxStore.Driver))
}

// ConnMaxLifetime 返回连接最大存活时间。
func (s TxStoreConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(s.ConnMaxLifetimeSeconds) * time.Second
}

// ConnMaxIdleTime 返回连接最大空闲时间。
func (s TxStoreConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(s.ConnMaxIdleTimeSeconds) * time.Second
}

// PollInterval 返回两次回执查询之间的间隔。
func (q TxQueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMillis) * time.Millisecond
}

// TTL 返回读取缓存的有效期。
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// ReadTimeout 返回单次合约读取的超时。
func (c ContractConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// TokenTTL 返回签发令牌的有效期。
func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLMinutes) * time.Minute
}

// Timeout 返回 webhook 请求超时。
func (w WebhookConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}
