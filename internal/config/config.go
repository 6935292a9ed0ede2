package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the full roverlink configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
}

// ServerConfig holds hub settings.
type ServerConfig struct {
	Port          int              `mapstructure:"port"`
	GridFile      string           `mapstructure:"grid_file"`
	PrimaryDevice string           `mapstructure:"primary_device"`
	POIs          map[string][]int `mapstructure:"pois"`
}

// DiscoveryConfig holds the UDP discovery collaborator settings.
type DiscoveryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	viper.SetConfigName("roverlink")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.roverlink")
	viper.AddConfigPath("/etc/roverlink")

	viper.SetDefault("server.port", 8800)
	viper.SetDefault("server.grid_file", "grid.txt")
	viper.SetDefault("server.primary_device", "pi-01")
	viper.SetDefault("discovery.enabled", true)
	viper.SetDefault("discovery.port", 8801)

	viper.SetEnvPrefix("ROVERLINK")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &cfg, nil
}
