package config

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Global        GlobalConfig         `mapstructure:"global"`
	Subscriptions []SubscriptionConfig `mapstructure:"subscriptions"`
}

// GlobalConfig 全局配置
type GlobalConfig struct {
	APIKeyID       string  `mapstructure:"api_key_id"`       // Kalshi API Key ID
	PrivateKeyPath string  `mapstructure:"private_key_path"` // RSA 私钥文件路径 (PEM)
	APISecret      string  `mapstructure:"api_secret"`       // HMAC 共享密钥（与私钥二选一）
	Demo           bool    `mapstructure:"demo"`             // 是否使用演示环境
	RestEndpoint   string  `mapstructure:"rest_endpoint"`    // REST 地址覆盖（留空用默认）
	WSEndpoint     string  `mapstructure:"ws_endpoint"`      // WebSocket 地址覆盖（留空用默认）
	LogLevel       string  `mapstructure:"log_level"`        // 日志级别
	MetricsPort    int     `mapstructure:"metrics_port"`     // Prometheus 端口
	RateLimit      float64 `mapstructure:"rate_limit"`       // 每秒补充令牌数
	RateBurst      int     `mapstructure:"rate_burst"`       // 令牌桶容量
	QueueDepth     int     `mapstructure:"queue_depth"`      // 限流等待队列深度
	PingIntervalMs int     `mapstructure:"ping_interval_ms"` // 心跳间隔 (ms)
	StaleTimeoutMs int     `mapstructure:"stale_timeout_ms"` // 多久无消息视为失活 (ms)
	AutoReconnect  bool    `mapstructure:"auto_reconnect"`   // 断开后是否自动重连
}

// SubscriptionConfig 单条订阅配置
type SubscriptionConfig struct {
	Channel       string   `mapstructure:"channel"`        // 频道名 (e.g., orderbook_delta)
	MarketTickers []string `mapstructure:"market_tickers"` // 市场列表，空表示全市场
}

// 热重载 goroutine 会并发写入，必须用原子指针发布
var (
	globalConfig atomic.Pointer[Config]
	configPath   string
)

// LoadConfig 加载配置文件
func LoadConfig(path string) (*Config, error) {
	configPath = path
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	// 环境变量覆盖
	viper.AutomaticEnv()
	viper.SetEnvPrefix("GATEWAY")
	// 显式绑定嵌套字段的环境变量（生产推荐）
	viper.BindEnv("global.api_key_id", "KALSHI_API_KEY_ID")
	viper.BindEnv("global.private_key_path", "KALSHI_PRIVATE_KEY_PATH")
	viper.BindEnv("global.api_secret", "KALSHI_API_SECRET")
	viper.BindEnv("global.demo", "KALSHI_DEMO")
	viper.BindEnv("global.metrics_port", "GATEWAY_METRICS_PORT")
	viper.BindEnv("global.log_level", "GATEWAY_LOG_LEVEL")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	// 验证配置
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	globalConfig.Store(&cfg)

	// 启动热重载监听
	go watchConfig()

	log.Info().Str("path", path).Msg("配置加载成功")
	return &cfg, nil
}

// GetConfig 获取全局配置
func GetConfig() *Config {
	return globalConfig.Load()
}

// applyDefaults 未配置字段填默认值
func applyDefaults(cfg *Config) {
	if cfg.Global.RateLimit == 0 {
		cfg.Global.RateLimit = 10
	}
	if cfg.Global.RateBurst == 0 {
		cfg.Global.RateBurst = 20
	}
	if cfg.Global.QueueDepth == 0 {
		cfg.Global.QueueDepth = 64
	}
	if cfg.Global.PingIntervalMs == 0 {
		cfg.Global.PingIntervalMs = 10000
	}
	if cfg.Global.StaleTimeoutMs == 0 {
		cfg.Global.StaleTimeoutMs = 60000
	}
	if cfg.Global.LogLevel == "" {
		cfg.Global.LogLevel = "info"
	}
}

// validateConfig 验证配置有效性
func validateConfig(cfg *Config) error {
	// 全局配置验证
	if cfg.Global.APIKeyID == "" {
		return fmt.Errorf("api_key_id 不能为空")
	}
	if cfg.Global.PrivateKeyPath == "" && cfg.Global.APISecret == "" {
		return fmt.Errorf("private_key_path 和 api_secret 必须配置其一")
	}
	if cfg.Global.RateLimit <= 0 {
		return fmt.Errorf("rate_limit 必须 > 0")
	}
	if cfg.Global.RateBurst < 1 {
		return fmt.Errorf("rate_burst 必须 >= 1")
	}
	if cfg.Global.QueueDepth < 1 {
		return fmt.Errorf("queue_depth 必须 >= 1")
	}
	if cfg.Global.PingIntervalMs < 1000 || cfg.Global.PingIntervalMs > 60000 {
		return fmt.Errorf("ping_interval_ms 必须在 1000-60000 之间")
	}
	if cfg.Global.StaleTimeoutMs < cfg.Global.PingIntervalMs {
		return fmt.Errorf("stale_timeout_ms 必须 >= ping_interval_ms")
	}

	// 订阅配置验证
	if len(cfg.Subscriptions) == 0 {
		return fmt.Errorf("至少需要配置一条订阅")
	}
	for i, sub := range cfg.Subscriptions {
		if sub.Channel == "" {
			return fmt.Errorf("subscriptions[%d]: channel 不能为空", i)
		}
		for j, ticker := range sub.MarketTickers {
			if ticker == "" {
				return fmt.Errorf("subscriptions[%d].market_tickers[%d]: 不能为空", i, j)
			}
		}
	}

	return nil
}

// watchConfig 监听配置文件变化并热重载
func watchConfig() {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("检测到配置文件变化，正在重载...")

		var newCfg Config
		if err := viper.Unmarshal(&newCfg); err != nil {
			log.Error().Err(err).Msg("重载配置失败")
			return
		}

		applyDefaults(&newCfg)
		if err := validateConfig(&newCfg); err != nil {
			log.Error().Err(err).Msg("新配置验证失败，保持旧配置")
			return
		}

		globalConfig.Store(&newCfg)
		log.Info().Msg("配置热重载成功")
	})
}

// GetPingInterval 获取心跳间隔
func (c *Config) GetPingInterval() time.Duration {
	return time.Duration(c.Global.PingIntervalMs) * time.Millisecond
}

// GetStaleTimeout 获取失活判定超时
func (c *Config) GetStaleTimeout() time.Duration {
	return time.Duration(c.Global.StaleTimeoutMs) * time.Millisecond
}

// GetAllChannels 获取所有订阅频道列表
func (c *Config) GetAllChannels() []string {
	channels := make([]string, len(c.Subscriptions))
	for i, sub := range c.Subscriptions {
		channels[i] = sub.Channel
	}
	return channels
}
