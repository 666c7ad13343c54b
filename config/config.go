package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config represents the engine configuration
type Config struct {
	Server struct {
		HealthAddr string `mapstructure:"health_addr"`
		LogLevel   string `mapstructure:"log_level"`
		LogFormat  string `mapstructure:"log_format"`
	} `mapstructure:"server"`

	Kafka struct {
		Brokers          []string      `mapstructure:"brokers"`
		Topic            string        `mapstructure:"topic"`
		DeadLetterTopic  string        `mapstructure:"dead_letter_topic"`
		Group            string        `mapstructure:"group"`
		InboundKey       string        `mapstructure:"inbound_key"`
		OutboundKey      string        `mapstructure:"outbound_key"`
		MaxRedeliveries  int           `mapstructure:"max_redeliveries"`
		ReconnectRetries uint64        `mapstructure:"reconnect_retries"`
		PublishAttempts  int           `mapstructure:"publish_attempts"`
		BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
		BackoffMax       time.Duration `mapstructure:"backoff_max"`
	} `mapstructure:"kafka"`

	Redis struct {
		Enabled  bool          `mapstructure:"enabled"`
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		Prefix   string        `mapstructure:"prefix"`
		TTL      time.Duration `mapstructure:"ttl"`
	} `mapstructure:"redis"`

	OrderBook Collaborator `mapstructure:"orderbook"`
	Ledger    Collaborator `mapstructure:"ledger"`

	Pairs struct {
		File string `mapstructure:"file"`
	} `mapstructure:"pairs"`

	Telemetry struct {
		Enabled        bool          `mapstructure:"enabled"`
		Endpoint       string        `mapstructure:"endpoint"`
		ServiceVersion string        `mapstructure:"service_version"`
		ExportInterval time.Duration `mapstructure:"export_interval"`
	} `mapstructure:"telemetry"`
}

// Collaborator holds the HTTP settings for one downstream service
type Collaborator struct {
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.health_addr", ":50051")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "pretty")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "exchange")
	v.SetDefault("kafka.dead_letter_topic", "exchange.dlq")
	v.SetDefault("kafka.group", "matchsettle-engine")
	v.SetDefault("kafka.inbound_key", "order.created")
	v.SetDefault("kafka.outbound_key", "order.executed")
	v.SetDefault("kafka.max_redeliveries", 5)
	v.SetDefault("kafka.reconnect_retries", 5)
	v.SetDefault("kafka.publish_attempts", 2)
	v.SetDefault("kafka.backoff_initial", 200*time.Millisecond)
	v.SetDefault("kafka.backoff_max", 5*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "matchsettle")
	v.SetDefault("redis.ttl", 24*time.Hour)

	for _, name := range []string{"orderbook", "ledger"} {
		v.SetDefault(name+".url", "http://localhost:8090")
		v.SetDefault(name+".timeout", 5*time.Second)
		v.SetDefault(name+".max_retries", 3)
		v.SetDefault(name+".retry_delay", 200*time.Millisecond)
	}

	v.SetDefault("pairs.file", "pairs.yaml")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.service_version", "1.0.0")
	v.SetDefault("telemetry.export_interval", 15*time.Second)
}

// LoadConfig loads the configuration from the process arguments
func LoadConfig() (*Config, error) {
	return Load(os.Args[0], os.Args[1:])
}

// Load resolves the configuration in increasing priority: defaults, the
// YAML file named by -config, .env, environment variables and finally the
// explicit flags in args. Environment keys are the upper-cased paths with
// dots replaced by underscores, e.g. KAFKA_BROKERS or LEDGER_URL.
func Load(name string, args []string) (*Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configFile := fs.String("config", "", "Path to config file (YAML)")
	envFile := fs.String("env_file", ".env", "Path to an optional .env file")
	logLevel := fs.String("log_level", "", "Log level: debug, info, warn, error")
	logFormat := fs.String("log_format", "", "Log format: json, pretty")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err == nil {
			log.Debug().Str("file", *envFile).Msg("Loaded environment file")
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Info().Str("file", *configFile).Msg("Loaded configuration")
	}

	if *logLevel != "" {
		v.Set("server.log_level", *logLevel)
	}
	if *logFormat != "" {
		v.Set("server.log_format", *logFormat)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	if len(cfg.Kafka.Brokers) == 0 {
		return errors.New("KAFKA_BROKERS must not be empty")
	}
	if cfg.Kafka.Topic == "" {
		return errors.New("KAFKA_TOPIC must not be empty")
	}
	if cfg.Kafka.DeadLetterTopic == "" || cfg.Kafka.DeadLetterTopic == cfg.Kafka.Topic {
		return errors.New("KAFKA_DEAD_LETTER_TOPIC must be set and differ from KAFKA_TOPIC")
	}
	if cfg.Kafka.InboundKey == "" || cfg.Kafka.OutboundKey == "" {
		return errors.New("KAFKA_INBOUND_KEY and KAFKA_OUTBOUND_KEY must not be empty")
	}
	if cfg.Kafka.InboundKey == cfg.Kafka.OutboundKey {
		return errors.New("KAFKA_INBOUND_KEY must differ from KAFKA_OUTBOUND_KEY")
	}
	if cfg.Kafka.MaxRedeliveries <= 0 {
		return errors.New("KAFKA_MAX_REDELIVERIES must be positive")
	}
	if cfg.OrderBook.URL == "" {
		return errors.New("ORDERBOOK_URL must not be empty")
	}
	if cfg.Ledger.URL == "" {
		return errors.New("LEDGER_URL must not be empty")
	}
	if cfg.OrderBook.Timeout <= 0 || cfg.Ledger.Timeout <= 0 {
		return errors.New("collaborator timeouts must be positive")
	}
	if cfg.Pairs.File == "" {
		return errors.New("PAIRS_FILE must not be empty")
	}
	return nil
}
