// Package config loads node configuration from a config file in the home directory and
// HISTORYNET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/WebFirstLanguage/historynet/internal/dht"
	"github.com/WebFirstLanguage/historynet/pkg/constants"
	"github.com/WebFirstLanguage/historynet/pkg/node"
)

// EnvPrefix prefixes every environment override, e.g. HISTORYNET_LISTEN_ADDR
const EnvPrefix = "HISTORYNET"

// Config is the on-disk configuration of a node
type Config struct {
	Home              string   `mapstructure:"home"`
	ListenAddr        string   `mapstructure:"listen-addr"`
	StorageCapacity   uint64   `mapstructure:"storage-capacity"`
	SeedFile          string   `mapstructure:"seed-file"`
	Seeds             []string `mapstructure:"seeds"`
	MasterAccumulator string   `mapstructure:"master-accumulator"`
	ChainID           uint16   `mapstructure:"chain-id"`
	ControlAddr       string   `mapstructure:"control-addr"`
	MetricsAddr       string   `mapstructure:"metrics-addr"`
	LogLevel          string   `mapstructure:"log-level"`
	Dev               bool     `mapstructure:"dev"`

	DHT DHTConfig `mapstructure:"dht"`
}

// DHTConfig tunes the protocol engine
type DHTConfig struct {
	Alpha            int           `mapstructure:"alpha"`
	BucketSize       int           `mapstructure:"bucket-size"`
	MaxLookupQueries int           `mapstructure:"max-lookup-queries"`
	RequestTimeout   time.Duration `mapstructure:"request-timeout"`
	LookupTimeout    time.Duration `mapstructure:"lookup-timeout"`
	GossipFanout     int           `mapstructure:"gossip-fanout"`
	RateLimit        float64       `mapstructure:"rate-limit"`
	RateBurst        int           `mapstructure:"rate-burst"`
}

// SetDefaults registers every key with its default so environment overrides apply to all of them
func SetDefaults(v *viper.Viper) {
	d := dht.DefaultConfig()

	v.SetDefault("home", "")
	v.SetDefault("listen-addr", fmt.Sprintf("0.0.0.0:%d", constants.DefaultQUICPort))
	v.SetDefault("storage-capacity", uint64(constants.DefaultStorageCapacity))
	v.SetDefault("seed-file", "")
	v.SetDefault("seeds", []string{})
	v.SetDefault("master-accumulator", "")
	v.SetDefault("chain-id", constants.MainnetChainID)
	v.SetDefault("control-addr", "127.0.0.1:9010")
	v.SetDefault("metrics-addr", "")
	v.SetDefault("log-level", "info")
	v.SetDefault("dev", false)

	v.SetDefault("dht.alpha", d.Alpha)
	v.SetDefault("dht.bucket-size", d.BucketSize)
	v.SetDefault("dht.max-lookup-queries", d.MaxLookupQueries)
	v.SetDefault("dht.request-timeout", d.RequestTimeout)
	v.SetDefault("dht.lookup-timeout", d.LookupTimeout)
	v.SetDefault("dht.gossip-fanout", d.GossipFanout)
	v.SetDefault("dht.rate-limit", float64(d.RateLimit))
	v.SetDefault("dht.rate-burst", d.RateBurst)
}

// Load reads home/config.{toml,yaml,json} if present, applies environment overrides and
// returns the result. A missing config file is not an error.
func Load(v *viper.Viper, home string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if home != "" {
		v.Set("home", home)
		v.SetConfigName("config")
		v.AddConfigPath(home)
		v.AddConfigPath(filepath.Join(home, "config"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("error in config: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that have no sensible fallback
func (c *Config) Validate() error {
	if c.Home == "" {
		return errors.New("home directory is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen-addr is required")
	}
	if c.StorageCapacity == 0 {
		return errors.New("storage-capacity must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log-level %q", c.LogLevel)
	}
	for _, s := range c.Seeds {
		if _, err := ParseSeed(s); err != nil {
			return err
		}
	}
	return nil
}

// ParseSeed parses a seed of the form <hex node id>@<addr>
func ParseSeed(s string) (dht.SeedNode, error) {
	id, addr, ok := strings.Cut(s, "@")
	if !ok || id == "" || addr == "" {
		return dht.SeedNode{}, fmt.Errorf("invalid seed %q: expected <node id>@<addr>", s)
	}
	seed := dht.SeedNode{ID: id, Addr: addr}
	if _, err := seed.Node(); err != nil {
		return dht.SeedNode{}, fmt.Errorf("invalid seed %q: %w", s, err)
	}
	return seed, nil
}

// NodeConfig converts the file configuration into a node configuration
func (c *Config) NodeConfig(logger *zap.Logger, reg prometheus.Registerer) (*node.Config, error) {
	nc := node.DefaultConfig()
	nc.DataDir = c.Home
	nc.ListenAddr = c.ListenAddr
	nc.StorageCapacity = c.StorageCapacity
	nc.SeedFile = c.SeedFile
	nc.MasterAccumulatorFile = c.MasterAccumulator
	nc.ChainID = c.ChainID
	nc.Registerer = reg
	nc.Logger = logger

	for _, s := range c.Seeds {
		seed, err := ParseSeed(s)
		if err != nil {
			return nil, err
		}
		nc.Seeds = append(nc.Seeds, seed)
	}

	nc.DHT.Alpha = c.DHT.Alpha
	nc.DHT.BucketSize = c.DHT.BucketSize
	nc.DHT.MaxLookupQueries = c.DHT.MaxLookupQueries
	nc.DHT.RequestTimeout = c.DHT.RequestTimeout
	nc.DHT.LookupTimeout = c.DHT.LookupTimeout
	nc.DHT.GossipFanout = c.DHT.GossipFanout
	nc.DHT.RateLimit = rate.Limit(c.DHT.RateLimit)
	nc.DHT.RateBurst = c.DHT.RateBurst

	if err := nc.Validate(); err != nil {
		return nil, err
	}
	return nc, nil
}

// NewLogger builds the process logger for level; dev selects the human-readable encoder
func NewLogger(level string, dev bool) (*zap.Logger, error) {
	var lvl zap.AtomicLevel
	var err error
	if lvl, err = zap.ParseAtomicLevel(level); err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	return cfg.Build()
}
