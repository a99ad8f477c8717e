package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zammdefi/pmcore/pkg/logger"
)

// AssetConfig 抵押品资产配置
type AssetConfig struct {
	Key      string `yaml:"key"`      // 资产标识，如 "usdc"
	Decimals uint8  `yaml:"decimals"` // 小数位
	Native   bool   `yaml:"native"`   // 是否原生资产
	Permit   string `yaml:"permit"`   // permit 风格: none, eip2612, dai
}

// EngineConfig 引擎参数
type EngineConfig struct {
	CooldownMinutes        int    `yaml:"cooldown_minutes"`          // 金库取款冷却（分钟），默认 360
	TWAPIntervalMinutes    int    `yaml:"twap_interval_minutes"`     // TWAP 最小观测间隔（分钟），默认 30
	DAOAddress             string `yaml:"dao_address"`               // 再平衡预算归集地址
	TWAPTickSeconds        int    `yaml:"twap_tick_seconds"`         // 后台观测推进间隔（秒），默认 60
	SnapshotIntervalMinute int    `yaml:"snapshot_interval_minutes"` // 状态落盘间隔（分钟），默认 5
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Listen string `yaml:"listen"` // 监听地址，默认 :8080
}

// StoreConfig 持久化配置
type StoreConfig struct {
	Dir string `yaml:"dir"` // badger 数据目录，默认 data/pmcore
}

// Config 应用配置
type Config struct {
	Log    logger.Config `yaml:"log"`
	Server ServerConfig  `yaml:"server"`
	Store  StoreConfig   `yaml:"store"`
	Engine EngineConfig  `yaml:"engine"`
	Assets []AssetConfig `yaml:"assets"`
}

// LoadFromFile 从 YAML 文件加载配置并套用环境变量覆盖。
// 覆盖优先级：环境变量 > 配置文件 > 默认值。
func LoadFromFile(filePath string) (*Config, error) {
	config := &Config{}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败 %s: %w", filePath, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("解析配置文件失败 %s: %w", filePath, err)
		}
	}
	applyEnv(config)
	applyDefaults(config)
	if err := validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(c *Config) {
	c.Log.Level = getEnv("PMCORE_LOG_LEVEL", c.Log.Level)
	c.Log.OutputFile = getEnv("PMCORE_LOG_FILE", c.Log.OutputFile)
	c.Server.Listen = getEnv("PMCORE_LISTEN", c.Server.Listen)
	c.Store.Dir = getEnv("PMCORE_DATA_DIR", c.Store.Dir)
	c.Engine.DAOAddress = getEnv("PMCORE_DAO_ADDRESS", c.Engine.DAOAddress)
	c.Engine.CooldownMinutes = parseIntEnv("PMCORE_COOLDOWN_MINUTES", c.Engine.CooldownMinutes)
	c.Engine.TWAPIntervalMinutes = parseIntEnv("PMCORE_TWAP_INTERVAL_MINUTES", c.Engine.TWAPIntervalMinutes)
}

func applyDefaults(c *Config) {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSize == 0 {
		c.Log.MaxSize = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAge == 0 {
		c.Log.MaxAge = 7
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "data/pmcore"
	}
	if c.Engine.CooldownMinutes == 0 {
		c.Engine.CooldownMinutes = 360
	}
	if c.Engine.TWAPIntervalMinutes == 0 {
		c.Engine.TWAPIntervalMinutes = 30
	}
	if c.Engine.TWAPTickSeconds == 0 {
		c.Engine.TWAPTickSeconds = 60
	}
	if c.Engine.SnapshotIntervalMinute == 0 {
		c.Engine.SnapshotIntervalMinute = 5
	}
	if len(c.Assets) == 0 {
		c.Assets = []AssetConfig{{Key: "usdc", Decimals: 6, Permit: "eip2612"}}
	}
}

func validate(c *Config) error {
	seen := make(map[string]bool, len(c.Assets))
	for _, a := range c.Assets {
		if a.Key == "" {
			return fmt.Errorf("资产配置缺少 key")
		}
		if seen[a.Key] {
			return fmt.Errorf("资产 %q 重复配置", a.Key)
		}
		seen[a.Key] = true
		switch a.Permit {
		case "", "none", "eip2612", "dai":
		default:
			return fmt.Errorf("资产 %q 的 permit 风格 %q 无效", a.Key, a.Permit)
		}
	}
	return nil
}

// Cooldown 金库取款冷却时长
func (c *EngineConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// TWAPInterval TWAP 最小观测间隔
func (c *EngineConfig) TWAPInterval() time.Duration {
	return time.Duration(c.TWAPIntervalMinutes) * time.Minute
}

// TWAPTick 后台观测推进间隔
func (c *EngineConfig) TWAPTick() time.Duration {
	return time.Duration(c.TWAPTickSeconds) * time.Second
}

// SnapshotInterval 状态落盘间隔
func (c *EngineConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalMinute) * time.Minute
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
