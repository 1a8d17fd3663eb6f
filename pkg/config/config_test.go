package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/historynet/pkg/constants"
)

const seedID = "0102030405060708091011121314151617181920212223242526272829303132"

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(viper.New(), home)
	require.NoError(t, err)

	assert.Equal(t, home, cfg.Home)
	assert.Equal(t, "0.0.0.0:9009", cfg.ListenAddr)
	assert.Equal(t, uint64(constants.DefaultStorageCapacity), cfg.StorageCapacity)
	assert.Equal(t, uint16(constants.MainnetChainID), cfg.ChainID)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, constants.DHTAlpha, cfg.DHT.Alpha)
	assert.Equal(t, constants.RequestTimeout, cfg.DHT.RequestTimeout)
	assert.Empty(t, cfg.Seeds)
}

func TestLoadConfigFile(t *testing.T) {
	home := t.TempDir()
	file := strings.Join([]string{
		`listen-addr = "127.0.0.1:7000"`,
		`storage-capacity = 1048576`,
		`seeds = ["` + seedID + `@10.0.0.1:9009"]`,
		`log-level = "debug"`,
		``,
		`[dht]`,
		`alpha = 5`,
		`request-timeout = "750ms"`,
	}, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"), []byte(file), 0600))

	cfg, err := Load(viper.New(), home)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.ListenAddr)
	assert.Equal(t, uint64(1<<20), cfg.StorageCapacity)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5, cfg.DHT.Alpha)
	assert.Equal(t, 750*time.Millisecond, cfg.DHT.RequestTimeout)
	require.Len(t, cfg.Seeds, 1)

	nc, err := cfg.NodeConfig(zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Equal(t, home, nc.DataDir)
	assert.Equal(t, 5, nc.DHT.Alpha)
	require.Len(t, nc.Seeds, 1)
	assert.Equal(t, "10.0.0.1:9009", nc.Seeds[0].Addr)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("HISTORYNET_LISTEN_ADDR", "127.0.0.1:7100")
	t.Setenv("HISTORYNET_DHT_LOOKUP_TIMEOUT", "3s")

	cfg, err := Load(viper.New(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7100", cfg.ListenAddr)
	assert.Equal(t, 3*time.Second, cfg.DHT.LookupTimeout)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"), []byte(`log-level = "loud"`), 0600))
	_, err := Load(viper.New(), home)
	assert.Error(t, err)

	home = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"), []byte(`seeds = ["nobody"]`), 0600))
	_, err = Load(viper.New(), home)
	assert.Error(t, err)

	_, err = Load(viper.New(), "")
	assert.Error(t, err, "home is required")
}

func TestParseSeed(t *testing.T) {
	seed, err := ParseSeed(seedID + "@host:1")
	require.NoError(t, err)
	assert.Equal(t, seedID, seed.ID)
	assert.Equal(t, "host:1", seed.Addr)

	for _, bad := range []string{"", "@host:1", seedID + "@", "abcd@host:1", "zz@host:1"} {
		_, err := ParseSeed(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("warn", false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))

	_, err = NewLogger("chatty", true)
	assert.Error(t, err)
}
