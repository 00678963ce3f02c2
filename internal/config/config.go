package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	ReadLimit  int64  `mapstructure:"read_limit"`

	PingPeriod  time.Duration `mapstructure:"ping_period"`
	SweepPeriod time.Duration `mapstructure:"sweep_period"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`

	DeviceSecret         string `mapstructure:"device_secret"`
	CookieSecret         string `mapstructure:"cookie_secret"`
	AllowUnauthenticated bool   `mapstructure:"allow_unauthenticated"`

	// Accepted for forward compatibility; only 1 is enforced.
	MaxListeners int `mapstructure:"max_listeners"`
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
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "30s")
	v.SetDefault("sweep_period", "60s")
	v.SetDefault("token_ttl", "5m")
	v.SetDefault("allow_unauthenticated", false)
	v.SetDefault("max_listeners", 1)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
