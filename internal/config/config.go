// Package config loads the cluster configuration: defaults, an optional
// ardos.yml, then ARDOS_* environment overrides, validated before use.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full configuration surface of one ardos process. Roles are
// enabled by their section's enabled flag; a single process can carry any
// combination.
type Config struct {
	LogLevel  string `mapstructure:"log-level" validate:"oneof=trace debug info warn error fatal"`
	LogPretty bool   `mapstructure:"log-pretty"`

	DCFiles []string `mapstructure:"dc-files"`

	MessageDirector MessageDirectorConfig `mapstructure:"message-director"`
	ClientAgent     ClientAgentConfig     `mapstructure:"client-agent"`
	StateServer     StateServerConfig     `mapstructure:"state-server"`
	DBStateServer   DBStateServerConfig   `mapstructure:"db-state-server"`
	DatabaseServer  DatabaseServerConfig  `mapstructure:"database-server"`
	Metrics         MetricsConfig         `mapstructure:"metrics"`

	// Parsed for compatibility with full cluster configs; the panel itself
	// runs out of process.
	WebPanel WebPanelConfig `mapstructure:"web-panel"`
}

// MessageDirectorConfig selects the broker. Backend "loopback" keeps all
// routing in-process for single-process clusters.
type MessageDirectorConfig struct {
	Backend  string `mapstructure:"backend" validate:"oneof=amqp nats loopback"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Exchange string `mapstructure:"exchange"`
	URL      string `mapstructure:"url"`
}

// UberdogConfig declares one always-live object clients may address
// directly.
type UberdogConfig struct {
	ID        uint32 `mapstructure:"id" validate:"required"`
	Class     string `mapstructure:"class" validate:"required"`
	Anonymous bool   `mapstructure:"anonymous"`
}

type ClientAgentConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port" validate:"gte=0,lte=65535"`

	// WSPort exposes the same protocol over WebSocket when non-zero.
	WSPort int `mapstructure:"ws-port" validate:"gte=0,lte=65535"`

	Version string `mapstructure:"version"`
	DCHash  uint32 `mapstructure:"manual-dc-hash"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat-interval"`
	AuthTimeout       time.Duration `mapstructure:"auth-timeout"`
	InterestTimeout   time.Duration `mapstructure:"interest-timeout"`

	ChannelMin uint64 `mapstructure:"channel-min" validate:"required"`
	ChannelMax uint64 `mapstructure:"channel-max" validate:"required,gtefield=ChannelMin"`

	InterestsPermission string `mapstructure:"interests" validate:"oneof=enabled visible disabled"`
	RelocateAllowed     bool   `mapstructure:"relocate-allowed"`

	// ConnectionsPerSecond caps accepts per remote IP; 0 disables limiting.
	ConnectionsPerSecond float64 `mapstructure:"connections-per-second"`

	Uberdogs []UberdogConfig `mapstructure:"uberdogs" validate:"dive"`
}

type StateServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Channel uint64 `mapstructure:"channel"`
}

type DBStateServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Database uint64 `mapstructure:"database"`
	RangeMin uint64 `mapstructure:"range-min"`
	RangeMax uint64 `mapstructure:"range-max" validate:"gtefield=RangeMin"`
}

type DatabaseServerConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Channel     uint64 `mapstructure:"channel"`
	URI         string `mapstructure:"uri"`
	Database    string `mapstructure:"database"`
	GenerateMin uint32 `mapstructure:"generate-min"`
	GenerateMax uint32 `mapstructure:"generate-max" validate:"gtefield=GenerateMin"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port" validate:"gte=0,lte=65535"`
}

type WebPanelConfig struct {
	Name     string `mapstructure:"name"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Cert     string `mapstructure:"cert"`
	Key      string `mapstructure:"key"`
}

// Load reads defaults, the optional config file, and environment overrides,
// then validates the result.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("log-level", "info")
	v.SetDefault("log-pretty", false)

	v.SetDefault("message-director.backend", "loopback")
	v.SetDefault("message-director.host", "127.0.0.1")
	v.SetDefault("message-director.port", 5672)
	v.SetDefault("message-director.username", "guest")
	v.SetDefault("message-director.password", "guest")
	v.SetDefault("message-director.exchange", "ardos")
	v.SetDefault("message-director.url", "nats://127.0.0.1:4222")

	v.SetDefault("client-agent.host", "0.0.0.0")
	v.SetDefault("client-agent.port", 6667)
	v.SetDefault("client-agent.version", "dev")
	v.SetDefault("client-agent.heartbeat-interval", 10*time.Second)
	v.SetDefault("client-agent.auth-timeout", 30*time.Second)
	v.SetDefault("client-agent.interest-timeout", 5*time.Second)
	v.SetDefault("client-agent.channel-min", 1000000)
	v.SetDefault("client-agent.channel-max", 1009999)
	v.SetDefault("client-agent.interests", "enabled")
	v.SetDefault("client-agent.connections-per-second", 0)

	v.SetDefault("state-server.channel", 1000)
	v.SetDefault("db-state-server.database", 1200)
	v.SetDefault("db-state-server.range-min", 100000000)
	v.SetDefault("db-state-server.range-max", 199999999)

	v.SetDefault("database-server.channel", 1200)
	v.SetDefault("database-server.uri", "mongodb://127.0.0.1:27017")
	v.SetDefault("database-server.database", "ardos")
	v.SetDefault("database-server.generate-min", 100000000)
	v.SetDefault("database-server.generate-max", 199999999)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.host", "127.0.0.1")
	v.SetDefault("metrics.port", 9090)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config read: %w", err)
		}
	} else {
		v.SetConfigName("ardos")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("ARDOS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config validate: %w", err)
	}
	return cfg, nil
}
