package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. DELTA_REPORT_DATABASE_URL.
const EnvPrefix = "DELTA_REPORT"

const (
	BrokerMemory = "memory"
	BrokerPubSub = "pubsub"
)

type Config struct {
	DatabaseURL  string
	Listen       string
	BaseURL      string
	OTELEndpoint string

	Broker   BrokerConfig
	Analyzer AnalyzerConfig
	Cluster  ClusterConfig
	SMTP     SMTPConfig
	S3       S3Config
}

type BrokerConfig struct {
	Kind               string
	Queues             int
	QueueBuffer        int
	PubSubProject      string
	PubSubTopic        string
	PubSubSubscription string
	MaxOutstanding     int
}

type AnalyzerConfig struct {
	Endpoint    string
	Token       string
	Timeout     time.Duration
	MaxFailures int
	Cooldown    time.Duration
}

type ClusterConfig struct {
	Workers int
}

type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	Rate     float64
	Burst    int
}

type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

// Load reads configuration from an optional YAML file, a .env file in the
// working directory and DELTA_REPORT_* environment variables, in increasing
// precedence.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		DatabaseURL:  v.GetString("database.url"),
		Listen:       v.GetString("listen"),
		BaseURL:      v.GetString("base_url"),
		OTELEndpoint: v.GetString("otel.endpoint"),
		Broker: BrokerConfig{
			Kind:               v.GetString("broker.kind"),
			Queues:             v.GetInt("broker.queues"),
			QueueBuffer:        v.GetInt("broker.queue_buffer"),
			PubSubProject:      v.GetString("broker.pubsub.project"),
			PubSubTopic:        v.GetString("broker.pubsub.topic"),
			PubSubSubscription: v.GetString("broker.pubsub.subscription"),
			MaxOutstanding:     v.GetInt("broker.pubsub.max_outstanding"),
		},
		Analyzer: AnalyzerConfig{
			Endpoint:    v.GetString("analyzer.endpoint"),
			Token:       v.GetString("analyzer.token"),
			Timeout:     v.GetDuration("analyzer.timeout"),
			MaxFailures: v.GetInt("analyzer.max_failures"),
			Cooldown:    v.GetDuration("analyzer.cooldown"),
		},
		Cluster: ClusterConfig{
			Workers: v.GetInt("cluster.workers"),
		},
		SMTP: SMTPConfig{
			Host:     v.GetString("smtp.host"),
			Port:     v.GetInt("smtp.port"),
			From:     v.GetString("smtp.from"),
			Username: v.GetString("smtp.username"),
			Password: v.GetString("smtp.password"),
			Rate:     v.GetFloat64("smtp.rate"),
			Burst:    v.GetInt("smtp.burst"),
		},
		S3: S3Config{
			Bucket: v.GetString("s3.bucket"),
			Prefix: v.GetString("s3.prefix"),
			Region: v.GetString("s3.region"),
		},
	}
	return cfg, cfg.Validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("broker.kind", BrokerMemory)
	v.SetDefault("broker.queues", 10)
	v.SetDefault("broker.queue_buffer", 256)
	v.SetDefault("analyzer.timeout", 30*time.Second)
	v.SetDefault("analyzer.max_failures", 3)
	v.SetDefault("analyzer.cooldown", 2*time.Minute)
	v.SetDefault("cluster.workers", 4)
	v.SetDefault("smtp.port", 25)
	v.SetDefault("smtp.rate", 1.0)
	v.SetDefault("smtp.burst", 5)
}

// Validate checks the settings every command needs.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database url required (DELTA_REPORT_DATABASE_URL)")
	}
	switch c.Broker.Kind {
	case BrokerMemory:
	case BrokerPubSub:
		if c.Broker.PubSubProject == "" || c.Broker.PubSubTopic == "" || c.Broker.PubSubSubscription == "" {
			return errors.New("pubsub broker needs project, topic and subscription")
		}
	default:
		return fmt.Errorf("unknown broker kind %q", c.Broker.Kind)
	}
	return nil
}
