// Package config loads ambient runtime settings (diagnostic server,
// logging, default strategy parameters) from flags, environment, and an
// optional file via viper, the way the teacher's cmd/server/main.go wires
// flags and env but with viper promoted to an active loader instead of
// sitting unused in go.mod.
package config

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// ServerConfig configures the process's HTTP server, which serves
// /healthz, /metrics and the agent handler's session routes.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// RuntimeConfig is the top-level ambient configuration for the process:
// server plumbing, logging, and the default trading parameters merged
// into a UserRequest that did not specify them explicitly.
type RuntimeConfig struct {
	Server            ServerConfig        `mapstructure:"server"`
	LogLevel          string              `mapstructure:"logLevel"`
	HistoryRingSize   int                 `mapstructure:"historyRingSize"`
	DigestWindow      int                 `mapstructure:"digestWindow"`
	QuantityPrecision decimal.Decimal     `mapstructure:"-"`
	DefaultTrading    types.TradingConfig `mapstructure:"-"`
}

// Load reads defaults, then environment variables prefixed STRATEGY_RUNTIME_,
// then an optional config file at path (if non-empty), in viper's standard
// precedence order (explicit Set > flag > env > config file > default).
func Load(path string) (RuntimeConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("STRATEGY_RUNTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 10*time.Second)
	v.SetDefault("server.writeTimeout", 10*time.Second)
	v.SetDefault("logLevel", "info")
	v.SetDefault("historyRingSize", 200)
	v.SetDefault("digestWindow", 50)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return RuntimeConfig{}, err
		}
	}

	var cfg RuntimeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return RuntimeConfig{}, err
	}
	cfg.QuantityPrecision = decimal.NewFromFloat(1e-9)
	cfg.DefaultTrading = types.DefaultTradingConfig()
	return cfg, nil
}
