package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Checkpoints CheckpointsConfig `mapstructure:"checkpoints"`
	Poller      PollerConfig      `mapstructure:"poller"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Notify      NotifyConfig      `mapstructure:"notify"`
}

type ServerConfig struct {
	NodeID string `mapstructure:"node_id"`
}

type LogConfig struct {
	Backend string `mapstructure:"backend"` // memory | sqlite | postgres
	Path    string `mapstructure:"path"`    // sqlite base dir
	DSN     string `mapstructure:"dsn"`     // postgres connection string
}

type CheckpointsConfig struct {
	Backend         string `mapstructure:"backend"` // memory | sqlite
	Path            string `mapstructure:"path"`
	FlushIntervalMs int    `mapstructure:"flush_interval_ms"`
}

type PollerConfig struct {
	IntervalMs       int   `mapstructure:"interval_ms"`
	HoleWaitMs       int   `mapstructure:"hole_wait_ms"`
	BatchSize        int   `mapstructure:"batch_size"`
	HoleRetries      int   `mapstructure:"hole_retries"`
	CatchupThreshold int64 `mapstructure:"catchup_threshold"`
}

type PipelineConfig struct {
	IngressCapacity       int `mapstructure:"ingress_capacity"`
	StageCapacity         int `mapstructure:"stage_capacity"`
	BroadcastRetries      int `mapstructure:"broadcast_retries"`
	BroadcastRetrySleepMs int `mapstructure:"broadcast_retry_sleep_ms"`
}

type NotifyConfig struct {
	Backend  string             `mapstructure:"backend"` // none | kafka | rabbitmq
	Kafka    KafkaNotifyConfig  `mapstructure:"kafka"`
	RabbitMQ RabbitNotifyConfig `mapstructure:"rabbitmq"`
}

type KafkaNotifyConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	Topic      string   `mapstructure:"topic"`
	ClientID   string   `mapstructure:"client_id"`
	Partitions int      `mapstructure:"partitions"`
}

type RabbitNotifyConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("projector")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// every key needs a default, empty or not: AutomaticEnv only overrides
	// keys viper already knows about, so an unregistered key would ignore
	// its PROJECTOR_ variable
	v.SetDefault("server.node_id", "")
	v.SetDefault("log.backend", "memory")
	v.SetDefault("log.path", "")
	v.SetDefault("log.dsn", "")
	v.SetDefault("checkpoints.backend", "memory")
	v.SetDefault("checkpoints.path", "")
	v.SetDefault("checkpoints.flush_interval_ms", 30_000)
	v.SetDefault("poller.interval_ms", 200)
	v.SetDefault("poller.hole_wait_ms", 2_000)
	v.SetDefault("poller.batch_size", 500)
	v.SetDefault("poller.hole_retries", 5)
	v.SetDefault("poller.catchup_threshold", 20_000)
	v.SetDefault("pipeline.ingress_capacity", 4_000)
	v.SetDefault("pipeline.stage_capacity", 1_000)
	v.SetDefault("pipeline.broadcast_retries", 3)
	v.SetDefault("pipeline.broadcast_retry_sleep_ms", 500)
	v.SetDefault("notify.backend", "none")
	v.SetDefault("notify.kafka.brokers", []string{})
	v.SetDefault("notify.kafka.topic", "")
	v.SetDefault("notify.kafka.client_id", "")
	v.SetDefault("notify.kafka.partitions", 0)
	v.SetDefault("notify.rabbitmq.url", "")
	v.SetDefault("notify.rabbitmq.exchange", "")
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	switch c.Log.Backend {
	case "memory":
	case "sqlite":
		if c.Log.Path == "" {
			return fmt.Errorf("log.path is required for sqlite backend")
		}
	case "postgres":
		if c.Log.DSN == "" {
			return fmt.Errorf("log.dsn is required for postgres backend")
		}
	default:
		return fmt.Errorf("unsupported log backend %q", c.Log.Backend)
	}
	switch c.Checkpoints.Backend {
	case "memory":
	case "sqlite":
		if c.Checkpoints.Path == "" {
			return fmt.Errorf("checkpoints.path is required for sqlite backend")
		}
	default:
		return fmt.Errorf("unsupported checkpoints backend %q", c.Checkpoints.Backend)
	}
	switch c.Notify.Backend {
	case "none":
	case "kafka":
		if len(c.Notify.Kafka.Brokers) == 0 {
			return fmt.Errorf("notify.kafka.brokers is required")
		}
		if c.Notify.Kafka.Topic == "" {
			return fmt.Errorf("notify.kafka.topic is required")
		}
	case "rabbitmq":
		if c.Notify.RabbitMQ.URL == "" {
			return fmt.Errorf("notify.rabbitmq.url is required")
		}
		if c.Notify.RabbitMQ.Exchange == "" {
			return fmt.Errorf("notify.rabbitmq.exchange is required")
		}
	default:
		return fmt.Errorf("unsupported notify backend %q", c.Notify.Backend)
	}
	if c.Poller.CatchupThreshold < 0 {
		return fmt.Errorf("poller.catchup_threshold must be >= 0")
	}
	return nil
}
