package history

import (
	"errors"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/historynet/pkg/constants"
	"github.com/WebFirstLanguage/historynet/pkg/storage"
)

// Config holds history network configuration
type Config struct {
	// ChainID used in block keys built from heights
	ChainID uint16

	// EpochCacheSize epoch accumulators kept decoded in memory
	EpochCacheSize int

	// Storage persists the master accumulator; nil keeps it in memory only
	Storage *storage.Storage

	Metrics *Metrics
	Logger  *zap.Logger
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ChainID:        constants.MainnetChainID,
		EpochCacheSize: 16,
		Metrics:        NopMetrics(),
		Logger:         zap.NewNop(),
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.EpochCacheSize <= 0 {
		return errors.New("epoch cache size must be positive")
	}
	return nil
}
