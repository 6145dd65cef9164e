// Package config loads sigswap settings from YAML, .env and SIGSWAP_*
// environment variables.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/Aidin1998/sigswap/internal/chain"
	"github.com/Aidin1998/sigswap/internal/messaging"
	"github.com/Aidin1998/sigswap/internal/swap/engine"
	"github.com/Aidin1998/sigswap/pkg/telemetry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "SIGSWAP"

// DefaultPaths are searched when Load is called without paths.
var DefaultPaths = []string{
	"./config.yaml",
	"./configs/config.yaml",
	"/etc/sigswap/config.yaml",
}

type Config struct {
	Server     ServerConfig          `mapstructure:"server"`
	Chain      ChainConfig           `mapstructure:"chain"`
	Engine     EngineConfig          `mapstructure:"engine"`
	Settlement SettlementConfig      `mapstructure:"settlement"`
	Journal    JournalConfig         `mapstructure:"journal"`
	Kafka      KafkaConfig           `mapstructure:"kafka"`
	Redis      messaging.RedisConfig `mapstructure:"redis"`
	WS         WSConfig              `mapstructure:"ws"`
	Logging    LoggingConfig         `mapstructure:"logging"`
	Telemetry  telemetry.Config      `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// Addr is the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ChainConfig struct {
	RPCURL   string `mapstructure:"rpc_url" validate:"required"`
	Exchange string `mapstructure:"exchange" validate:"required,eth_addr"`
	// SettlerKey is a hex secp256k1 key; empty runs read-only.
	SettlerKey          string        `mapstructure:"settler_key"`
	ChainID             int64         `mapstructure:"chain_id" validate:"min=0"`
	GasLimit            uint64        `mapstructure:"gas_limit"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`
	StartBlock          uint64        `mapstructure:"start_block"`
}

type EngineConfig struct {
	QueueSize    int           `mapstructure:"queue_size" validate:"min=1"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	ScanOnInsert bool          `mapstructure:"scan_on_insert"`
}

type SettlementConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type JournalConfig struct {
	// Path of the badger directory; empty keeps the journal in memory.
	Path string `mapstructure:"path"`
}

type KafkaConfig struct {
	messaging.KafkaConfig `mapstructure:",squash"`

	Enabled bool `mapstructure:"enabled"`
}

type WSConfig struct {
	ReplaySize int `mapstructure:"replay_size" validate:"min=0"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.exchange", "")
	v.SetDefault("chain.settler_key", "")
	v.SetDefault("chain.chain_id", 0)
	v.SetDefault("chain.gas_limit", 0)
	v.SetDefault("chain.poll_interval", 5*time.Second)
	v.SetDefault("chain.receipt_poll_interval", time.Second)
	v.SetDefault("chain.start_block", 0)

	ed := engine.DefaultConfig()
	v.SetDefault("engine.queue_size", ed.QueueSize)
	v.SetDefault("engine.scan_interval", ed.ScanInterval)
	v.SetDefault("engine.scan_on_insert", ed.ScanOnInsert)

	v.SetDefault("settlement.timeout", 2*time.Minute)
	v.SetDefault("journal.path", "./data/journal")

	kd := messaging.DefaultKafkaConfig()
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", kd.Brokers)
	v.SetDefault("kafka.write_timeout", kd.WriteTimeout)
	v.SetDefault("kafka.batch_size", kd.BatchSize)
	v.SetDefault("kafka.batch_timeout", kd.BatchTimeout)
	v.SetDefault("kafka.required_acks", kd.RequiredAcks)
	v.SetDefault("kafka.compression", kd.Compression)
	v.SetDefault("kafka.retry_max", kd.RetryMax)
	v.SetDefault("kafka.max_message_bytes", kd.MaxMessageBytes)
	v.SetDefault("kafka.async", kd.Async)
	v.SetDefault("kafka.source", kd.Source)

	rd := messaging.DefaultRedisConfig()
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", rd.Addr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", rd.DB)
	v.SetDefault("redis.channel_prefix", rd.ChannelPrefix)
	v.SetDefault("redis.dial_timeout", rd.DialTimeout)
	v.SetDefault("redis.write_timeout", rd.WriteTimeout)

	v.SetDefault("ws.replay_size", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.service_name", "sigswap")
	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.metrics", false)
	v.SetDefault("telemetry.interval", time.Minute)
}

// Load reads .env (if present), then the first-to-last merge of the
// given YAML files, then SIGSWAP_* environment variables, and validates
// the result. Missing files are skipped.
func Load(logger *zap.Logger, paths ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if len(paths) == 0 {
		paths = DefaultPaths
	}
	var loaded []string
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			logger.Debug("Config file not found, skipping", zap.String("path", path))
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	if len(loaded) == 0 {
		logger.Warn("No configuration files found, using defaults and environment variables")
	} else {
		logger.Info("Loaded configuration files", zap.Strings("files", loaded))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks struct tags and the rules tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if c.Settlement.Timeout <= 0 {
		return fmt.Errorf("settlement.timeout must be positive")
	}
	if c.Engine.ScanInterval <= 0 {
		return fmt.Errorf("engine.scan_interval must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka is enabled but no brokers are configured")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis is enabled but no address is configured")
	}
	if c.Chain.SettlerKey != "" {
		if _, err := c.Chain.Key(); err != nil {
			return err
		}
	}
	return nil
}

// Key parses the settler key; nil when none is configured.
func (c ChainConfig) Key() (*ecdsa.PrivateKey, error) {
	if c.SettlerKey == "" {
		return nil, nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.SettlerKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain.settler_key: %w", err)
	}
	return key, nil
}

// ClientConfig converts the section into the chain client settings. A
// zero chain id is left nil so Dial asks the node.
func (c ChainConfig) ClientConfig() (chain.Config, error) {
	key, err := c.Key()
	if err != nil {
		return chain.Config{}, err
	}
	cfg := chain.Config{
		Exchange:            common.HexToAddress(c.Exchange),
		SettlerKey:          key,
		GasLimit:            c.GasLimit,
		ReceiptPollInterval: c.ReceiptPollInterval,
	}
	if c.ChainID > 0 {
		cfg.ChainID = big.NewInt(c.ChainID)
	}
	return cfg, nil
}

// EngineSettings converts the section into engine settings.
func (c EngineConfig) EngineSettings() engine.Config {
	return engine.Config{
		QueueSize:    c.QueueSize,
		ScanInterval: c.ScanInterval,
		ScanOnInsert: c.ScanOnInsert,
	}
}
