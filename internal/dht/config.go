package dht

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/WebFirstLanguage/historynet/internal/stream"
	"github.com/WebFirstLanguage/historynet/pkg/constants"
)

// Config holds DHT configuration
type Config struct {
	// BucketSize K
	BucketSize int

	// ReplacementCacheSize candidates remembered per full bucket
	ReplacementCacheSize int

	// MaxFailures consecutive unanswered requests before a node is replaced
	MaxFailures int

	// Alpha concurrent queries per lookup
	Alpha int

	// MaxLookupQueries upper bound on queries per lookup
	MaxLookupQueries int

	// RequestTimeout wait for a single response
	RequestTimeout time.Duration

	// LookupTimeout deadline for a whole iterative lookup
	LookupTimeout time.Duration

	// MaintenanceInterval period of routing table revalidation
	MaintenanceInterval time.Duration

	// GossipFanout peers offered each new item
	GossipFanout int

	// ProtocolID selects the packet overhead used for size limits
	ProtocolID string

	// RateLimit inbound requests per second per peer, RateBurst their burst
	RateLimit rate.Limit
	RateBurst int

	// Stream configures the stream manager; Send is filled in by the DHT
	Stream *stream.Config

	Metrics *Metrics
	Logger  *zap.Logger
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		BucketSize:           constants.DHTBucketSize,
		ReplacementCacheSize: constants.DHTReplacementCacheSize,
		MaxFailures:          constants.DHTMaxFailures,
		Alpha:                constants.DHTAlpha,
		MaxLookupQueries:     constants.LookupMaxQueries,
		RequestTimeout:       constants.RequestTimeout,
		LookupTimeout:        constants.LookupTimeout,
		MaintenanceInterval:  constants.MaintenanceInterval,
		GossipFanout:         constants.GossipFanout,
		ProtocolID:           constants.HistoryProtocolID,
		RateLimit:            200,
		RateBurst:            400,
		Stream:               stream.DefaultConfig(),
		Metrics:              NopMetrics(),
		Logger:               zap.NewNop(),
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.BucketSize <= 0 {
		return errors.New("bucket size must be positive")
	}

	if c.Alpha <= 0 {
		return errors.New("alpha must be positive")
	}

	if c.MaxLookupQueries < c.Alpha {
		return errors.New("max lookup queries must be at least alpha")
	}

	if c.MaxFailures <= 0 {
		return errors.New("max failures must be positive")
	}

	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}

	if c.LookupTimeout <= 0 {
		return errors.New("lookup timeout must be positive")
	}

	if c.MaintenanceInterval <= 0 {
		return errors.New("maintenance interval must be positive")
	}

	if c.GossipFanout <= 0 {
		return errors.New("gossip fanout must be positive")
	}

	if c.ProtocolID == "" {
		return errors.New("protocol id is required")
	}

	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return errors.New("rate limit must be positive")
	}

	return nil
}
