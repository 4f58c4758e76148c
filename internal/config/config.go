// Package config is used to load the configuration file
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blacktop/symbolicator/pkg/engine"
	"github.com/spf13/viper"
)

type symbolicate struct {
	DsymPaths []string `mapstructure:"dsym"`
	Demangle  bool     `mapstructure:"demangle"`
	CacheSize int      `mapstructure:"cache-size"`
	Platform  string   `mapstructure:"platform"`
	Arch      string   `mapstructure:"arch"`
}

// Config is the configuration struct
type Config struct {
	Verbose     bool        `mapstructure:"verbose"`
	Color       bool        `mapstructure:"color"`
	Symbolicate symbolicate `mapstructure:"symbolicate"`
}

func (c *Config) verify() error {
	if c.Symbolicate.CacheSize < 0 {
		return fmt.Errorf("config: cache-size must not be negative (got %d)", c.Symbolicate.CacheSize)
	}
	if c.Symbolicate.CacheSize == 0 {
		c.Symbolicate.CacheSize = engine.DefaultCacheSize
	}

	platform, err := engine.NormalizePlatform(c.Symbolicate.Platform)
	if err != nil {
		return fmt.Errorf("config: %v", err)
	}
	c.Symbolicate.Platform = platform

	for idx, path := range c.Symbolicate.DsymPaths {
		if strings.HasPrefix(path, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("config: failed to get user home directory: %v", err)
			}
			path = filepath.Join(home, path[2:])
		}
		c.Symbolicate.DsymPaths[idx] = filepath.Clean(path)
	}

	return nil
}

// Engine returns the symbolication engine configuration
func (c *Config) Engine() *engine.Config {
	return &engine.Config{
		DsymPaths: c.Symbolicate.DsymPaths,
		Demangle:  c.Symbolicate.Demangle,
		CacheSize: c.Symbolicate.CacheSize,
		Platform:  c.Symbolicate.Platform,
	}
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}
	if c == nil {
		c = &Config{}
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
