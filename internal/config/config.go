package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	// Worker pool and engine behavior.
	PoolSize      int           `mapstructure:"pool_size"`
	EngineTimeout time.Duration `mapstructure:"engine_timeout"`
	// EmptySessionGrace is how long a session with no members lingers before
	// it is closed. Zero closes immediately.
	EmptySessionGrace time.Duration `mapstructure:"empty_session_grace"`

	// Media transport settings handed to the engine.
	PublicIP   string `mapstructure:"public_ip"`
	RTCMinPort uint16 `mapstructure:"rtc_min_port"`
	RTCMaxPort uint16 `mapstructure:"rtc_max_port"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("pool_size", 2)
	v.SetDefault("engine_timeout", "5s")
	v.SetDefault("empty_session_grace", "0s")
	v.SetDefault("rtc_min_port", 40000)
	v.SetDefault("rtc_max_port", 49999)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
