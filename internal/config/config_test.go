package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/symbolicator/pkg/engine"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("verbose", true)
	viper.Set("symbolicate.dsym", []string{"~/Symbols", "/tmp/dsyms/"})
	viper.Set("symbolicate.demangle", true)
	viper.Set("symbolicate.platform", "remote-ios")

	c, err := LoadConfig()
	require.NoError(t, err)

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.True(t, c.Verbose)
	assert.Equal(t, []string{filepath.Join(home, "Symbols"), "/tmp/dsyms"}, c.Symbolicate.DsymPaths)
	assert.Equal(t, engine.DefaultCacheSize, c.Symbolicate.CacheSize)
	assert.Equal(t, "ios", c.Symbolicate.Platform)

	conf := c.Engine()
	assert.True(t, conf.Demangle)
	assert.Equal(t, "ios", conf.Platform)
	assert.Equal(t, c.Symbolicate.DsymPaths, conf.DsymPaths)
}

func TestLoadConfigYAML(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`symbolicate:
  arch: arm64e
  cache-size: 16
`), 0o644))
	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())

	c, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "arm64e", c.Symbolicate.Arch)
	assert.Equal(t, 16, c.Symbolicate.CacheSize)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		key string
		val any
	}{
		{key: "symbolicate.cache-size", val: -1},
		{key: "symbolicate.platform", val: "android"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			viper.Reset()
			t.Cleanup(viper.Reset)
			viper.Set(tt.key, tt.val)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
