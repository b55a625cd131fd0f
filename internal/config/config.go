package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin 模式: debug / release / test
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverBadger   = "badger"
)

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	Path         string `mapstructure:"path"` // sqlite 文件 / badger 目录，":memory:" 表示内存模式
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	Debug        bool   `mapstructure:"debug"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	TransactionResult string `mapstructure:"transaction_result"`
}

type GatewayConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	AuthToken      string `mapstructure:"auth_token"`
	ChannelID      string `mapstructure:"channel_id"`
	Provider       string `mapstructure:"provider"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

func (g GatewayConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

type BusinessConfig struct {
	WorkerID                int64   `mapstructure:"worker_id"`
	MinAmount               float64 `mapstructure:"min_amount"`
	MaxAmount               float64 `mapstructure:"max_amount"` // 0 表示不限
	PollInitialDelaySeconds int     `mapstructure:"poll_initial_delay_seconds"`
	PollIntervalSeconds     int     `mapstructure:"poll_interval_seconds"`
	PollMaxAttempts         int     `mapstructure:"poll_max_attempts"`
	CreatedTimeoutMinutes   int     `mapstructure:"created_timeout_minutes"`
	PendingTimeoutMinutes   int     `mapstructure:"pending_timeout_minutes"`
	MaxRetryCount           int     `mapstructure:"max_retry_count"`
	LockTTLSeconds          int     `mapstructure:"lock_ttl_seconds"`
	RedirectBase            string  `mapstructure:"redirect_base"`
}

func (b BusinessConfig) MinAmountDecimal() decimal.Decimal {
	return decimal.NewFromFloat(b.MinAmount)
}

func (b BusinessConfig) MaxAmountDecimal() decimal.Decimal {
	return decimal.NewFromFloat(b.MaxAmount)
}

func (b BusinessConfig) PollInitialDelay() time.Duration {
	return time.Duration(b.PollInitialDelaySeconds) * time.Second
}

func (b BusinessConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalSeconds) * time.Second
}

func (b BusinessConfig) CreatedTimeout() time.Duration {
	return time.Duration(b.CreatedTimeoutMinutes) * time.Minute
}

func (b BusinessConfig) PendingTimeout() time.Duration {
	return time.Duration(b.PendingTimeoutMinutes) * time.Minute
}

func (b BusinessConfig) LockTTL() time.Duration {
	return time.Duration(b.LockTTLSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("database.driver", DriverMySQL)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.password", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("kafka.topic.transaction_result", "transaction_result")
	v.SetDefault("gateway.base_url", "https://api.payhero.co.ke")
	v.SetDefault("gateway.auth_token", "")
	v.SetDefault("gateway.channel_id", "")
	v.SetDefault("gateway.provider", "m-pesa")
	v.SetDefault("gateway.timeout_seconds", 15)
	v.SetDefault("business.worker_id", 1)
	v.SetDefault("business.min_amount", 1)
	v.SetDefault("business.max_amount", 150000)
	v.SetDefault("business.poll_initial_delay_seconds", 10)
	v.SetDefault("business.poll_interval_seconds", 10)
	v.SetDefault("business.poll_max_attempts", 30)
	v.SetDefault("business.created_timeout_minutes", 5)
	v.SetDefault("business.pending_timeout_minutes", 15)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.lock_ttl_seconds", 30)
}

// LoadConfig 加载配置文件
//
// 优先级：环境变量（PAY_ 前缀，如 PAY_GATEWAY_AUTH_TOKEN）> 配置文件 > 默认值
// 启动目录下的 .env 会先被加载到进程环境变量中
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("加载 .env 失败: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMySQL, DriverPostgres, DriverSQLite, DriverBadger:
	default:
		return fmt.Errorf("不支持的数据库驱动: %q", c.Database.Driver)
	}
	if c.Business.PollMaxAttempts <= 0 {
		return errors.New("business.poll_max_attempts 必须大于0")
	}
	if c.Business.MaxAmount > 0 && c.Business.MaxAmount < c.Business.MinAmount {
		return errors.New("business.max_amount 不能小于 min_amount")
	}
	return nil
}
