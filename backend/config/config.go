package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configName = "realtimeConfig"
	envPrefix  = "REALTIME"
)

type Config struct {
	Running struct {
		Port            int           `mapstructure:"port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
		AllowedOrigins  []string      `mapstructure:"allowedOrigins"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		// 一个地址为单机，多个地址为集群
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		// 为空时不连 kafka，审计事件只在本地出队
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		QueueSize int      `mapstructure:"queueSize"`
		Workers   int      `mapstructure:"workers"`
		MaxRetry  int      `mapstructure:"maxRetry"`
		// 同时在途的 SendMessage 上限，不超过 workers；退避中的 worker 不占名额
		InFlight int `mapstructure:"inFlight"`
	} `mapstructure:"kafka"`
	Auth struct {
		Path    string        `mapstructure:"path"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"auth"`
	Detector struct {
		Interval  time.Duration `mapstructure:"interval"`
		BatchSize int           `mapstructure:"batchSize"`
		Source    string        `mapstructure:"source"`
	} `mapstructure:"detector"`
	Fanout struct {
		QueueSize int `mapstructure:"queueSize"`
	} `mapstructure:"fanout"`
	Collab struct {
		// 0 表示不自动关闭空闲会话
		IdleTTL       time.Duration `mapstructure:"idleTTL"`
		SweepInterval time.Duration `mapstructure:"sweepInterval"`
	} `mapstructure:"collab"`
	Telemetry struct {
		ServiceName  string        `mapstructure:"serviceName"`
		OTLPEndpoint string        `mapstructure:"otlpEndpoint"`
		Insecure     bool          `mapstructure:"insecure"`
		Interval     time.Duration `mapstructure:"interval"`
	} `mapstructure:"telemetry"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("running.shutdownTimeout", 10*time.Second)
	v.SetDefault("running.allowedOrigins", []string{"http://localhost", "http://127.0.0.1"})
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "collab-audit")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.inFlight", 2)
	v.SetDefault("auth.path", "http://localhost:3001")
	v.SetDefault("auth.timeout", 1200*time.Millisecond)
	v.SetDefault("detector.interval", 5*time.Second)
	v.SetDefault("detector.batchSize", 100)
	v.SetDefault("detector.source", "survey_responses")
	v.SetDefault("fanout.queueSize", 256)
	v.SetDefault("collab.idleTTL", time.Duration(0))
	v.SetDefault("collab.sweepInterval", time.Minute)
	v.SetDefault("telemetry.serviceName", "survey-realtime-service")
	v.SetDefault("telemetry.otlpEndpoint", "")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.interval", 15*time.Second)
}

// Load 读取 realtimeConfig.yaml，兼容从项目根目录或 backend 目录启动。
// 找不到文件时只用默认值和环境变量（REALTIME_DETECTOR_INTERVAL=2s 这种）
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(envPrefix)
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
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Running.Port <= 0 || c.Running.Port > 65535 {
		return fmt.Errorf("invalid running.port %d", c.Running.Port)
	}
	if c.Mysql.DSN == "" {
		return errors.New("mysql.dsn is required")
	}
	if len(c.Redis.Addrs) == 0 {
		return errors.New("redis.addrs is required")
	}
	if c.Kafka.Workers <= 0 {
		return fmt.Errorf("invalid kafka.workers %d", c.Kafka.Workers)
	}
	if c.Kafka.InFlight <= 0 || c.Kafka.InFlight > c.Kafka.Workers {
		return fmt.Errorf("kafka.inFlight must be in [1, workers=%d], got %d", c.Kafka.Workers, c.Kafka.InFlight)
	}
	if c.Detector.Interval <= 0 {
		return fmt.Errorf("invalid detector.interval %s", c.Detector.Interval)
	}
	if c.Detector.BatchSize <= 0 {
		return fmt.Errorf("invalid detector.batchSize %d", c.Detector.BatchSize)
	}
	return nil
}
