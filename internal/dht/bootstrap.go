package dht

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SeedNode represents a bootstrap seed node
type SeedNode struct {
	ID   string `json:"id"`             // Hex node id of the seed
	Addr string `json:"addr"`           // Transport address
	Name string `json:"name,omitempty"` // Human-readable name (optional)
}

// Node converts the seed to a routing table node
func (s SeedNode) Node() (*Node, error) {
	id, err := ParseNodeID(s.ID)
	if err != nil {
		return nil, err
	}
	if s.Addr == "" {
		return nil, fmt.Errorf("seed node %s has no address", s.ID)
	}
	return NewNode(id, s.Addr), nil
}

// Bootstrap manages seed nodes and the bootstrap process
type Bootstrap struct {
	mu        sync.RWMutex
	dht       *DHT
	seedNodes []SeedNode
	logger    *zap.Logger

	// Path to the seed file; empty keeps seeds in memory only
	seedFile string

	bootstrapped  bool
	lastBootstrap time.Time
}

// NewBootstrap creates a bootstrap manager with the seeds from seedFile plus extra
func NewBootstrap(d *DHT, seedFile string, extra []SeedNode) (*Bootstrap, error) {
	if d == nil {
		return nil, fmt.Errorf("DHT is required")
	}

	b := &Bootstrap{
		dht:      d,
		seedFile: seedFile,
		logger:   d.logger.With(zap.String("component", "bootstrap")),
	}

	if seedFile != "" {
		if err := b.loadSeedNodes(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load seed nodes: %w", err)
		}
	}
	for _, seed := range extra {
		if err := validateSeed(seed); err != nil {
			return nil, err
		}
		b.upsert(seed)
	}

	return b, nil
}

func validateSeed(seed SeedNode) error {
	if seed.ID == "" {
		return fmt.Errorf("seed node id is required")
	}
	_, err := seed.Node()
	return err
}

func (b *Bootstrap) upsert(seed SeedNode) {
	for i, existing := range b.seedNodes {
		if existing.ID == seed.ID {
			b.seedNodes[i] = seed
			return
		}
	}
	b.seedNodes = append(b.seedNodes, seed)
}

// AddSeedNode adds or updates a seed node and saves the seed file
func (b *Bootstrap) AddSeedNode(seed SeedNode) error {
	if err := validateSeed(seed); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.upsert(seed)
	return b.saveSeedNodes()
}

// RemoveSeedNode removes a seed node by id
func (b *Bootstrap) RemoveSeedNode(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, seed := range b.seedNodes {
		if seed.ID == id {
			b.seedNodes = append(b.seedNodes[:i], b.seedNodes[i+1:]...)
			return b.saveSeedNodes()
		}
	}

	return fmt.Errorf("seed node not found: %s", id)
}

// SeedNodes returns a copy of all seed nodes
func (b *Bootstrap) SeedNodes() []SeedNode {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]SeedNode(nil), b.seedNodes...)
}

// Bootstrap pings every seed concurrently and then looks up the local id to fill the routing table.
// It fails only when no seed answers.
func (b *Bootstrap) Bootstrap(ctx context.Context) error {
	seeds := b.SeedNodes()
	if len(seeds) == 0 {
		return ErrNoSeeds
	}

	b.logger.Info("starting bootstrap", zap.Int("seeds", len(seeds)))

	var g errgroup.Group
	g.SetLimit(b.dht.cfg.Alpha)
	var connected atomic.Int32
	for _, seed := range seeds {
		seed := seed
		g.Go(func() error {
			node, err := seed.Node()
			if err != nil {
				return nil
			}
			if _, err := b.dht.Ping(ctx, node); err != nil {
				b.logger.Warn("seed did not answer",
					zap.String("seed", seed.Name),
					zap.String("addr", seed.Addr),
					zap.Error(err))
				return nil
			}
			connected.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if connected.Load() == 0 {
		return fmt.Errorf("failed to reach any of %d seed nodes", len(seeds))
	}

	if _, err := b.dht.NodeLookup(ctx, b.dht.Self()); err != nil {
		b.logger.Warn("self lookup failed", zap.Error(err))
	}

	b.mu.Lock()
	b.bootstrapped = true
	b.lastBootstrap = time.Now()
	b.mu.Unlock()

	b.logger.Info("bootstrap completed",
		zap.Int32("seeds_reached", connected.Load()),
		zap.Int("routing_table", b.dht.Table().Size()))
	return nil
}

// IsBootstrapped returns whether bootstrap has been completed
func (b *Bootstrap) IsBootstrapped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bootstrapped
}

// LastBootstrapTime returns the time of the last successful bootstrap
func (b *Bootstrap) LastBootstrapTime() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastBootstrap
}

// SeedFile returns the path to the seed file
func (b *Bootstrap) SeedFile() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seedFile
}

func (b *Bootstrap) loadSeedNodes() error {
	data, err := os.ReadFile(b.seedFile)
	if err != nil {
		return err
	}

	var seeds []SeedNode
	if err := json.Unmarshal(data, &seeds); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}
	for _, seed := range seeds {
		if err := validateSeed(seed); err != nil {
			return fmt.Errorf("invalid seed in %s: %w", b.seedFile, err)
		}
	}

	b.seedNodes = seeds
	return nil
}

func (b *Bootstrap) saveSeedNodes() error {
	if b.seedFile == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(b.seedFile), 0700); err != nil {
		return fmt.Errorf("failed to create seed directory: %w", err)
	}

	data, err := json.MarshalIndent(b.seedNodes, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal seed nodes: %w", err)
	}

	if err := os.WriteFile(b.seedFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write seed file: %w", err)
	}

	return nil
}
