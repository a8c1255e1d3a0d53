package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "COLLAB"

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Database struct {
		// memory / mysql / postgres
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Redis struct {
		// 为空时不记录在线状态
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		// 为空时不发送文档事件
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		QueueSize int      `mapstructure:"queuesize"`
		Workers   int      `mapstructure:"workers"`
		MaxRetry  int      `mapstructure:"maxretry"`
	} `mapstructure:"kafka"`
	Auth struct {
		// 本地校验 HS256 用的 secret
		Secret string `mapstructure:"secret"`
		// 认证服务地址，设置后改为远程校验
		Path string `mapstructure:"path"`
	} `mapstructure:"auth"`
	Collab struct {
		PersistTimeout time.Duration `mapstructure:"persisttimeout"`
		SendBuffer     int           `mapstructure:"sendbuffer"`
		MaxInflight    int           `mapstructure:"maxinflight"`
		PresenceTTL    time.Duration `mapstructure:"presencettl"`
	} `mapstructure:"collab"`
	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
		Path   string `mapstructure:"path"`
	} `mapstructure:"log"`
	CORS struct {
		Origins []string `mapstructure:"origins"`
	} `mapstructure:"cors"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "doc-ops")
	//  Go 允许在数字里用下划线做分隔符，方便阅读
	v.SetDefault("kafka.queuesize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxretry", 3)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.path", "")
	v.SetDefault("collab.persisttimeout", 3*time.Second)
	v.SetDefault("collab.sendbuffer", 32)
	v.SetDefault("collab.maxinflight", 100)
	v.SetDefault("collab.presencettl", 600*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.path", "")
	v.SetDefault("cors.origins", []string{"http://localhost:5173"})
}

// Load 读取 collabConfig.yaml（可选）和 .env（可选），COLLAB_ 开头的环境变量优先级最高，
// 例如 COLLAB_DATABASE_DSN 覆盖 database.dsn。
// 不传 paths 时兼容从项目根目录或 backend 目录启动。
func Load(paths ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "mysql", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Running.Port <= 0 || c.Running.Port > 65535 {
		return fmt.Errorf("invalid running.port %d", c.Running.Port)
	}
	if c.Auth.Path == "" && c.Auth.Secret == "" {
		return errors.New("auth.secret is required when auth.path is not set")
	}
	return nil
}
