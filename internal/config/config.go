// Package config loads runtime configuration from a YAML file with
// environment-variable overrides (prefix CANTONEX, dots become
// underscores: server.port -> CANTONEX_SERVER_PORT).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Trading     TradingConfig     `mapstructure:"trading"`
	StopMonitor StopMonitorConfig `mapstructure:"stop_monitor"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// TradingConfig holds matching-engine settings.
type TradingConfig struct {
	Pairs             []string `mapstructure:"pairs"`
	AllowDynamicPairs bool     `mapstructure:"allow_dynamic_pairs"`
	MarketBuyBuffer   float64  `mapstructure:"market_buy_buffer"`
	TradeHistoryLimit int      `mapstructure:"trade_history_limit"`
}

// StopMonitorConfig holds stop-loss monitor settings.
type StopMonitorConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	MaxConditions int           `mapstructure:"max_conditions"`
}

// LedgerConfig holds settings for calls to the balance ledger.
type LedgerConfig struct {
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// Load reads configuration from the given file (optional) and the
// environment, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CANTONEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")

	v.SetDefault("trading.pairs", []string{"BTC/USDT", "ETH/USDT"})
	v.SetDefault("trading.allow_dynamic_pairs", false)
	v.SetDefault("trading.market_buy_buffer", 1.1)
	v.SetDefault("trading.trade_history_limit", 1000)

	v.SetDefault("stop_monitor.interval", time.Second)
	v.SetDefault("stop_monitor.max_conditions", 10000)

	v.SetDefault("ledger.call_timeout", 5*time.Second)
	v.SetDefault("ledger.max_attempts", 4)
	v.SetDefault("ledger.initial_backoff", 50*time.Millisecond)
	v.SetDefault("ledger.max_backoff", 2*time.Second)
}
