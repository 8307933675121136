package config

import (
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"ethagent/internal/errors"
	"ethagent/internal/logging"
)

// 环境变量
const (
	EnvDBDSN        = "AGENT_DB_DSN"
	EnvOracleAPIKey = "AGENT_ORACLE_API_KEY"
	EnvSignerURL    = "AGENT_SIGNER_URL"
	EnvIdentity     = "AGENT_IDENTITY"
	EnvAPIToken     = "AGENT_API_TOKEN"
)

// Config 主配置，启动后只读
type Config struct {
	Agent   AgentConfig       `mapstructure:"agent"`
	Chain   ChainConfig       `mapstructure:"chain"`
	Signer  SignerConfig      `mapstructure:"signer"`
	Gas     GasConfig         `mapstructure:"gas"`
	Oracle  OracleConfig      `mapstructure:"oracle"`
	Output  OutputConfig      `mapstructure:"output"`
	API     APIConfig         `mapstructure:"api"`
	Logging logging.LogConfig `mapstructure:"logging"`
}

// AgentConfig 代理身份配置
type AgentConfig struct {
	Identity     string `mapstructure:"identity"`       // 十六进制身份
	KeyName      string `mapstructure:"key_name"`       // 门限密钥名
	SignCostHint uint64 `mapstructure:"sign_cost_hint"` // 签名费用提示，0 表示不携带
}

// ChainConfig 链配置
type ChainConfig struct {
	ChainID             int64         `mapstructure:"chain_id"`
	Nodes               []*NodeConfig `mapstructure:"nodes"`
	CallTimeout         string        `mapstructure:"call_timeout"`
	HealthCheckInterval string        `mapstructure:"health_check_interval"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Priority int    `mapstructure:"priority"`
}

// SignerConfig 签名服务配置
type SignerConfig struct {
	Mode        string `mapstructure:"mode"` // remote | dev
	URL         string `mapstructure:"url"`
	DevSeed     string `mapstructure:"dev_seed"`
	CallTimeout string `mapstructure:"call_timeout"`
}

// GasConfig gas 参数
type GasConfig struct {
	TransferGasLimit uint64 `mapstructure:"transfer_gas_limit"`
	TransferGasPrice string `mapstructure:"transfer_gas_price"` // wei，十进制字符串
	PayloadGasLimit  uint64 `mapstructure:"payload_gas_limit"`
}

// OracleConfig 价格接口配置
type OracleConfig struct {
	URL              string   `mapstructure:"url"`
	APIKey           string   `mapstructure:"api_key"`
	APIKeyHeader     string   `mapstructure:"api_key_header"`
	Symbol           string   `mapstructure:"symbol"`
	Timeout          string   `mapstructure:"timeout"`
	Replicas         int      `mapstructure:"replicas"`
	MaxResponseBytes int64    `mapstructure:"max_response_bytes"`
	VolatileFields   []string `mapstructure:"volatile_fields"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// OutputConfig 事件输出配置
type OutputConfig struct {
	Format      string      `mapstructure:"format"` // none | journal | file | kafka，可逗号组合
	JournalPath string      `mapstructure:"journal_path"`
	FileDir     string      `mapstructure:"file_dir"`
	Kafka       KafkaConfig `mapstructure:"kafka"`
}

// APIConfig HTTP 接口配置
type APIConfig struct {
	Host           string   `mapstructure:"host"` // 监听地址，默认仅本机
	Port           int      `mapstructure:"port"`
	AuthToken      string   `mapstructure:"auth_token"`      // Bearer 令牌，非本机监听时必填
	AllowedOrigins []string `mapstructure:"allowed_origins"` // 跨域白名单，为空时不允许跨域
	LogBufferSize  int      `mapstructure:"log_buffer_size"`
}

// IsLoopback 监听地址是否仅限本机
func (a APIConfig) IsLoopback() bool {
	if a.Host == "localhost" {
		return true
	}
	ip := net.ParseIP(a.Host)
	return ip != nil && ip.IsLoopback()
}

// LoadConfig 加载配置：默认值 < YAML 文件 < 环境变量 < 数据库覆盖
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	bindEnv(v)

	if dsn := os.Getenv(EnvDBDSN); dsn != "" {
		logger := logrus.New()
		dbConfig, err := NewDatabaseConfig(dsn, logger)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		defer dbConfig.Close()

		settings, err := dbConfig.LoadSettings()
		if err != nil {
			return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
		}
		applySettings(v, settings)

		nodes, err := dbConfig.LoadNodes()
		if err != nil {
			return nil, fmt.Errorf("从数据库加载节点失败: %w", err)
		}
		if len(nodes) > 0 {
			v.Set("chain.nodes", nodes)
		}

		logger.Infof("已从数据库加载 %d 项配置", len(settings))
	}

	return decode(v)
}

// decode 将 viper 中的设置解码到默认配置上并校验
func decode(v *viper.Viper) (*Config, error) {
	config := GetDefaultConfig()
	if err := v.Unmarshal(config, viper.DecoderConfigOption(func(dc *mapstructure.DecoderConfig) {
		dc.ZeroFields = true
	})); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// bindEnv 绑定敏感配置的环境变量
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("oracle.api_key", EnvOracleAPIKey)
	_ = v.BindEnv("signer.url", EnvSignerURL)
	_ = v.BindEnv("agent.identity", EnvIdentity)
	_ = v.BindEnv("api.auth_token", EnvAPIToken)
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Identity:     "",
			KeyName:      "dfx_test_key",
			SignCostHint: 10_000_000_000,
		},
		Chain: ChainConfig{
			ChainID: 5,
			Nodes: []*NodeConfig{
				{
					Name:     "local_node",
					URL:      "http://127.0.0.1:8545",
					Priority: 1,
				},
			},
			CallTimeout:         "15s",
			HealthCheckInterval: "30s",
		},
		Signer: SignerConfig{
			Mode:        "remote",
			URL:         "",
			CallTimeout: "30s",
		},
		Gas: GasConfig{
			TransferGasLimit: 21000,
			TransferGasPrice: "10000000000",
			PayloadGasLimit:  100000,
		},
		Oracle: OracleConfig{
			URL:              "https://pro-api.coinmarketcap.com/v1/cryptocurrency/quotes/latest?symbol=ETH",
			APIKeyHeader:     "X-CMC_PRO_API_KEY",
			Symbol:           "ETH",
			Timeout:          "10s",
			Replicas:         1,
			MaxResponseBytes: 2 << 20,
			VolatileFields:   []string{"timestamp", "elapsed", "credit_count", "last_updated", "request_id", "notice"},
		},
		Output: OutputConfig{
			Format:      "journal",
			JournalPath: "./data/journal.db",
			FileDir:     "./data/events",
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "agent_pipeline_events",
			},
		},
		API: APIConfig{
			Host:          "127.0.0.1",
			Port:          8080,
			LogBufferSize: 1000,
		},
		Logging: logging.DefaultLogConfig(),
	}
}

// Validate 校验配置完整性
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Agent.Identity) == "" {
		return errors.ConfigInvalid("agent.identity 不能为空")
	}
	if c.Agent.KeyName == "" {
		return errors.ConfigInvalid("agent.key_name 不能为空")
	}
	if c.Chain.ChainID <= 0 {
		return errors.ConfigInvalid(fmt.Sprintf("chain.chain_id 无效: %d", c.Chain.ChainID))
	}
	if len(c.Chain.Nodes) == 0 {
		return errors.ConfigInvalid("至少需要配置一个链节点")
	}
	for i, node := range c.Chain.Nodes {
		if err := node.Validate(); err != nil {
			return errors.ConfigInvalid(fmt.Sprintf("chain.nodes[%d]: %v", i, err))
		}
	}

	switch c.Signer.Mode {
	case "remote":
		if c.Signer.URL == "" {
			return errors.ConfigInvalid("remote 模式需要 signer.url")
		}
	case "dev":
		if c.Signer.DevSeed == "" {
			return errors.ConfigInvalid("dev 模式需要 signer.dev_seed")
		}
	default:
		return errors.ConfigInvalid(fmt.Sprintf("不支持的签名模式: %s", c.Signer.Mode))
	}

	if _, ok := new(big.Int).SetString(c.Gas.TransferGasPrice, 10); !ok {
		return errors.ConfigInvalid(fmt.Sprintf("gas.transfer_gas_price 无效: %q", c.Gas.TransferGasPrice))
	}
	if c.Oracle.Replicas < 1 {
		return errors.ConfigInvalid("oracle.replicas 至少为 1")
	}

	for _, d := range []string{c.Chain.CallTimeout, c.Chain.HealthCheckInterval, c.Signer.CallTimeout, c.Oracle.Timeout} {
		if _, err := time.ParseDuration(d); err != nil {
			return errors.ConfigInvalid(fmt.Sprintf("无效的时长 %q", d))
		}
	}

	for _, format := range c.Output.Formats() {
		switch format {
		case "none", "journal", "file", "kafka":
		default:
			return errors.ConfigInvalid(fmt.Sprintf("不支持的输出格式: %s", format))
		}
	}

	if !c.API.IsLoopback() && c.API.AuthToken == "" {
		return errors.ConfigInvalid(fmt.Sprintf("api.host=%q 对外监听时必须配置 api.auth_token", c.API.Host))
	}
	return nil
}

// Validate 校验节点配置
func (n *NodeConfig) Validate() error {
	if n == nil {
		return fmt.Errorf("节点配置为空")
	}
	if n.Name == "" {
		return fmt.Errorf("节点名称不能为空")
	}
	if n.URL == "" {
		return fmt.Errorf("节点 %s 的 URL 不能为空", n.Name)
	}
	return nil
}

// Formats 拆分逗号分隔的输出格式
func (o OutputConfig) Formats() []string {
	var formats []string
	for _, f := range strings.Split(o.Format, ",") {
		if f = strings.TrimSpace(f); f != "" {
			formats = append(formats, f)
		}
	}
	return formats
}

// TransferGasPriceWei 普通转账 gas 价格
func (g GasConfig) TransferGasPriceWei() *big.Int {
	price, ok := new(big.Int).SetString(g.TransferGasPrice, 10)
	if !ok {
		return nil
	}
	return price
}

// ChainIDBig 链ID
func (c ChainConfig) ChainIDBig() *big.Int {
	return big.NewInt(c.ChainID)
}

// Duration 解析时长字符串，失败时返回 fallback
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
