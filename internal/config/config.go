package config

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	xerrors "reward-accumulator/internal/errors"
	"reward-accumulator/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Config 描述了累加器在启动阶段需要加载的全部配置，加载后不再修改。
type Config struct {
	Wallet    WalletConfig    `json:"wallet"`
	Web3      Web3Config      `json:"web3"`
	Contracts ContractsConfig `json:"contracts"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Audit     AuditConfig     `json:"audit"`
	Server    ServerConfig    `json:"server"`
	Log       LogConfig       `json:"log"`
	Alerting  AlertingConfig  `json:"alerting"`
}

// WalletConfig 保存签名钱包信息。
type WalletConfig struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
}

// Web3Config 描述链连接参数。
type Web3Config struct {
	Chain         string `json:"chain"`
	ChainConfig   string `json:"chain_config"`
	RPCURL        string `json:"rpc_url"`
	ChainID       int64  `json:"chain_id"`
	GasStationURL string `json:"gas_station_url"`
}

// ContractsConfig 列出协议合约地址，未填写时使用链预设。
type ContractsConfig struct {
	Incentives   string `json:"incentives"`
	DataProvider string `json:"data_provider"`
	LendingPool  string `json:"lending_pool"`
	Router       string `json:"router"`
}

// PipelineConfig 控制复投流程的参数。
type PipelineConfig struct {
	RewardToken         string   `json:"reward_token"`
	DepositToken        string   `json:"deposit_token"`
	MaxGasPriceGwei     *float64 `json:"max_gas_price_gwei,omitempty"`
	GasLimit            uint64   `json:"gas_limit"`
	SlippageBuffer      int64    `json:"slippage_buffer"`
	SwapDeadlineSeconds int      `json:"swap_deadline_seconds"`
	PollIntervalSeconds int      `json:"poll_interval_seconds"`
}

// ScheduleConfig 描述定时调度与互斥锁。
type ScheduleConfig struct {
	Cron string          `json:"cron"`
	Lock RedisLockConfig `json:"lock"`
}

// RedisLockConfig 为多进程部署提供分布式互斥。Address 为空时只做进程内互斥。
type RedisLockConfig struct {
	Address    string `json:"address"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	Key        string `json:"key"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// AuditConfig 控制交易审计记录。
type AuditConfig struct {
	Enabled  bool           `json:"enabled"`
	CSVPath  string         `json:"csv_path"`
	MySQL    MySQLConfig    `json:"mysql"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// MySQLConfig 描述 MySQL 审计存储。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// RabbitMQConfig 描述审计事件的消息队列，未显式关闭时队列为持久化队列。
type RabbitMQConfig struct {
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Durable *bool  `json:"durable,omitempty"`
}

// DurableQueue 返回队列是否需要持久化声明。
func (r RabbitMQConfig) DurableQueue() bool {
	return r.Durable == nil || *r.Durable
}

// ServerConfig 控制触发接口与指标的监听地址，为空时不启动。
type ServerConfig struct {
	Address string `json:"address"`
}

// LogConfig 控制日志输出。
type LogConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
}

// AlertingConfig 配置失败告警渠道。
type AlertingConfig struct {
	SlackToken   string `json:"slack_token"`
	SlackChannel string `json:"slack_channel"`
}

const (
	defaultChain          = "polygon"
	defaultRewardToken    = "WMATIC"
	defaultDepositToken   = "USDT"
	defaultGasLimit       = 450000
	defaultSlippageBuffer = 1000
	defaultSwapDeadline   = 300
	defaultPollInterval   = 15
	defaultCron           = "0 */6 * * *"
	defaultLockKey        = "reward-accumulator:run"
	defaultLockTTL        = 60
	defaultCSVPath        = "events.csv"
	defaultAuditQueue     = "reward-accumulator.transactions"
)

// Load 解析指定路径的 JSON 配置文件并叠加环境变量。路径为空时只使用环境变量。
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv 与 Load 相同，但从 getenv 读取环境变量。
func LoadWithEnv(path string, getenv func(string) string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfigurationInvalid, err, "打开配置文件失败")
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfigurationInvalid, err, "读取配置文件失败")
		}
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfigurationInvalid, err, "解析配置失败")
		}
		baseDir = filepath.Dir(path)
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.applyChainPreset(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 覆盖来自 .env / 环境变量的设置，变量名与早期版本保持兼容。
func (c *Config) applyEnv(getenv func(string) string) error {
	set := func(target *string, keys ...string) {
		for _, key := range keys {
			if v := strings.TrimSpace(getenv(key)); v != "" {
				*target = v
				return
			}
		}
	}

	set(&c.Web3.RPCURL, "NETWORK_URL", "RPC_URL")
	set(&c.Web3.Chain, "ACCUMULATOR_CHAIN")
	set(&c.Web3.GasStationURL, "GAS_STATION_URL")
	set(&c.Wallet.Address, "WALLET_ADDRESS")
	set(&c.Wallet.PrivateKey, "WALLET_PRIVATE_KEY")
	set(&c.Pipeline.RewardToken, "AWARD_TOKEN")
	set(&c.Pipeline.DepositToken, "DEPOSIT_TOKEN")
	set(&c.Schedule.Cron, "CRON_PATTERN")
	set(&c.Schedule.Lock.Address, "REDIS_ADDR")
	set(&c.Audit.MySQL.DSN, "AUDIT_MYSQL_DSN")
	set(&c.Audit.RabbitMQ.URL, "AUDIT_RABBITMQ_URL")
	set(&c.Server.Address, "LISTEN_ADDR")
	set(&c.Log.Level, "LOG_LEVEL")
	set(&c.Log.Format, "LOG_FORMAT")
	set(&c.Alerting.SlackToken, "SLACK_TOKEN")
	set(&c.Alerting.SlackChannel, "SLACK_CHANNEL")

	if v := strings.TrimSpace(getenv("CREATE_EVENT_LOG")); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfigurationInvalid, err, "CREATE_EVENT_LOG 不是合法的布尔值")
		}
		c.Audit.Enabled = enabled
	}
	if v := strings.TrimSpace(getenv("GAS_PRICE_LIMIT")); v != "" {
		limit, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfigurationInvalid, err, "GAS_PRICE_LIMIT 不是合法的数字")
		}
		c.Pipeline.MaxGasPriceGwei = &limit
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Web3.Chain == "" {
		c.Web3.Chain = defaultChain
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Pipeline.RewardToken == "" {
		c.Pipeline.RewardToken = defaultRewardToken
	}
	if c.Pipeline.DepositToken == "" {
		c.Pipeline.DepositToken = defaultDepositToken
	}
	if c.Pipeline.GasLimit == 0 {
		c.Pipeline.GasLimit = defaultGasLimit
	}
	if c.Pipeline.SlippageBuffer == 0 {
		c.Pipeline.SlippageBuffer = defaultSlippageBuffer
	}
	if c.Pipeline.SwapDeadlineSeconds <= 0 {
		c.Pipeline.SwapDeadlineSeconds = defaultSwapDeadline
	}
	if c.Pipeline.PollIntervalSeconds <= 0 {
		c.Pipeline.PollIntervalSeconds = defaultPollInterval
	}
	if c.Schedule.Cron == "" {
		c.Schedule.Cron = defaultCron
	}
	if c.Schedule.Lock.Key == "" {
		c.Schedule.Lock.Key = defaultLockKey
	}
	if c.Schedule.Lock.TTLSeconds <= 0 {
		c.Schedule.Lock.TTLSeconds = defaultLockTTL
	}
	if c.Audit.CSVPath == "" {
		c.Audit.CSVPath = defaultCSVPath
	}
	if c.Audit.RabbitMQ.Queue == "" {
		c.Audit.RabbitMQ.Queue = defaultAuditQueue
	}
	if c.Audit.RabbitMQ.Durable == nil {
		durable := true
		c.Audit.RabbitMQ.Durable = &durable
	}
	if c.Log.Format == "" {
		c.Log.Format = "pretty"
	}
}

// applyChainPreset 使用链预设补全 RPC、链 ID 与合约地址。
func (c *Config) applyChainPreset() error {
	defs := web3.DefaultChainDefinitions()
	if c.Web3.ChainConfig != "" {
		custom, err := web3.LoadChainDefinitions(c.Web3.ChainConfig)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfigurationInvalid, err, "加载链预设失败")
		}
		for name, def := range custom.Chains {
			defs.Chains[name] = def
		}
	}

	preset, ok := defs.Lookup(c.Web3.Chain)
	if !ok {
		return xerrors.New(xerrors.CodeConfigurationInvalid, fmt.Sprintf("未知的链 %s", c.Web3.Chain))
	}
	fill := func(target *string, value string) {
		if *target == "" {
			*target = value
		}
	}
	fill(&c.Web3.RPCURL, preset.RPCURL)
	fill(&c.Web3.GasStationURL, preset.GasStation)
	fill(&c.Contracts.Incentives, preset.Contracts.Incentives)
	fill(&c.Contracts.DataProvider, preset.Contracts.DataProvider)
	fill(&c.Contracts.LendingPool, preset.Contracts.LendingPool)
	fill(&c.Contracts.Router, preset.Contracts.Router)
	if c.Web3.ChainID == 0 {
		c.Web3.ChainID = preset.ChainID
	}
	return nil
}

// Validate 检查运行流程所需的必填项，任何缺失都会在流程启动前返回 CONFIGURATION_INVALID。
func (c *Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Web3.RPCURL) == "" {
		missing = append(missing, "web3.rpc_url (NETWORK_URL)")
	}
	if c.Web3.ChainID <= 0 {
		missing = append(missing, "web3.chain_id")
	}
	if strings.TrimSpace(c.Wallet.Address) == "" {
		missing = append(missing, "wallet.address (WALLET_ADDRESS)")
	}
	if strings.TrimSpace(c.Wallet.PrivateKey) == "" {
		missing = append(missing, "wallet.private_key (WALLET_PRIVATE_KEY)")
	}
	addresses := map[string]string{
		"contracts.incentives":    c.Contracts.Incentives,
		"contracts.data_provider": c.Contracts.DataProvider,
		"contracts.lending_pool":  c.Contracts.LendingPool,
		"contracts.router":        c.Contracts.Router,
	}
	for _, name := range []string{"contracts.incentives", "contracts.data_provider", "contracts.lending_pool", "contracts.router"} {
		value := addresses[name]
		if value == "" {
			missing = append(missing, name)
			continue
		}
		if !common.IsHexAddress(value) {
			return xerrors.New(xerrors.CodeConfigurationInvalid, fmt.Sprintf("%s 不是合法地址: %s", name, value))
		}
	}
	if len(missing) > 0 {
		return xerrors.New(xerrors.CodeConfigurationInvalid, "缺少必填配置: "+strings.Join(missing, ", "))
	}

	if !common.IsHexAddress(c.Wallet.Address) {
		return xerrors.New(xerrors.CodeConfigurationInvalid, "钱包地址不合法", xerrors.WithMetadata("address", c.Wallet.Address))
	}
	key, err := c.Wallet.Key()
	if err != nil {
		return err
	}
	if derived := crypto.PubkeyToAddress(key.PublicKey); derived != common.HexToAddress(c.Wallet.Address) {
		return xerrors.New(xerrors.CodeConfigurationInvalid, "私钥与钱包地址不匹配",
			xerrors.WithMetadata("address", c.Wallet.Address),
			xerrors.WithMetadata("derived", derived.Hex()))
	}
	if c.Pipeline.MaxGasPriceGwei != nil && *c.Pipeline.MaxGasPriceGwei <= 0 {
		return xerrors.New(xerrors.CodeConfigurationInvalid, "max_gas_price_gwei 必须大于 0")
	}
	if c.Pipeline.SlippageBuffer < 0 {
		return xerrors.New(xerrors.CodeConfigurationInvalid, "slippage_buffer 不能为负数")
	}
	return nil
}

// Key 解析十六进制私钥，允许带 0x 前缀。
func (w WalletConfig) Key() (*ecdsa.PrivateKey, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(w.PrivateKey), "0x")
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigurationInvalid, err, "私钥格式不合法")
	}
	return key, nil
}

// FeeCeilingWei 将 gwei 上限换算为 wei，未配置时返回 nil。
func (p PipelineConfig) FeeCeilingWei() *big.Int {
	if p.MaxGasPriceGwei == nil {
		return nil
	}
	gwei := new(big.Float).SetFloat64(*p.MaxGasPriceGwei)
	wei, _ := new(big.Float).Mul(gwei, big.NewFloat(1e9)).Int(nil)
	return wei
}

// PollInterval 返回回执轮询间隔。
func (p PipelineConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

// SwapDeadline 返回兑换的有效期窗口。
func (p PipelineConfig) SwapDeadline() time.Duration {
	return time.Duration(p.SwapDeadlineSeconds) * time.Second
}

// TTL 返回锁的过期时间。
func (l RedisLockConfig) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

// ConnMaxLifetime 返回连接最大存活时间。
func (m MySQLConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(m.ConnMaxLifetimeSeconds) * time.Second
}

// Redacted 返回隐藏敏感字段后的副本，用于启动日志。
func (c Config) Redacted() Config {
	if c.Wallet.PrivateKey != "" {
		c.Wallet.PrivateKey = "***"
	}
	if c.Alerting.SlackToken != "" {
		c.Alerting.SlackToken = "***"
	}
	if c.Schedule.Lock.Password != "" {
		c.Schedule.Lock.Password = "***"
	}
	if c.Audit.MySQL.DSN != "" {
		c.Audit.MySQL.DSN = "***"
	}
	if c.Audit.RabbitMQ.URL != "" {
		c.Audit.RabbitMQ.URL = "***"
	}
	return c
}
