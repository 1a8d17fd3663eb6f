// Package history serves chain history over the DHT: it resolves heights through the master
// accumulator, fetches headers, bodies and receipts by content key, and admits offered content
// only after verifying it.
package history

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/historynet/internal/dht"
	"github.com/WebFirstLanguage/historynet/pkg/accumulator"
	"github.com/WebFirstLanguage/historynet/pkg/chain"
	"github.com/WebFirstLanguage/historynet/pkg/content"
	"github.com/WebFirstLanguage/historynet/pkg/storage"
)

var (
	ErrAccumulatorUnavailable = errors.New("history: master accumulator unavailable")
	ErrAlreadyStarted         = errors.New("history: already started")
	ErrNotStarted             = errors.New("history: not started")
)

// masterStorageKey is where the master accumulator is persisted
var masterStorageKey = []byte("a/master")

// Network is the history network on top of a DHT
type Network struct {
	cfg     *Config
	dht     *dht.DHT
	store   *content.Store
	db      *storage.Storage
	metrics *Metrics
	logger  *zap.Logger

	epochs *lru.Cache[[32]byte, accumulator.EpochAccumulator]

	mu      sync.RWMutex
	master  *accumulator.Accumulator
	running bool
}

// New creates a history network over d and installs it as d's content handler
func New(cfg *Config, d *dht.DHT) (*Network, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid history config: %w", err)
	}
	if d == nil {
		return nil, fmt.Errorf("DHT is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetrics()
	}

	epochs, err := lru.New[[32]byte, accumulator.EpochAccumulator](cfg.EpochCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create epoch cache: %w", err)
	}

	n := &Network{
		cfg:     cfg,
		dht:     d,
		store:   d.Store(),
		db:      cfg.Storage,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "history")),
		epochs:  epochs,
	}
	d.SetContentHandler(n)
	return n, nil
}

// Start begins accepting offered content. A persisted master accumulator is loaded if none
// has been set yet; without one, offers are refused until InitMasterAccumulator succeeds.
func (n *Network) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.running = true
	initialized := n.master != nil
	n.mu.Unlock()

	if !initialized {
		if err := n.InitMasterAccumulator(nil); err != nil {
			n.logger.Warn("starting without master accumulator", zap.Error(err))
		}
	}

	n.logger.Info("history network started")
	return nil
}

// Stop stops accepting offered content
func (n *Network) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return ErrNotStarted
	}
	n.running = false
	n.logger.Info("history network stopped")
	return nil
}

// InitMasterAccumulator sets the master accumulator. A non-nil seed is copied and persisted;
// nil loads the persisted accumulator. Bootstrapping it from the network is not supported, so
// with neither available ErrAccumulatorUnavailable is returned.
func (n *Network) InitMasterAccumulator(seed *accumulator.Accumulator) error {
	if seed == nil {
		loaded, err := n.loadMaster()
		if err != nil {
			return err
		}
		if loaded == nil {
			return fmt.Errorf("%w: no seed given and none persisted", ErrAccumulatorUnavailable)
		}
		seed = loaded
	} else {
		seed = seed.Clone()
		if err := n.saveMaster(seed); err != nil {
			return err
		}
	}

	n.mu.Lock()
	n.master = seed
	n.mu.Unlock()
	n.epochs.Purge()

	hash := seed.Hash()
	n.logger.Info("master accumulator initialized",
		zap.Uint64("height", seed.Height()),
		zap.Int("epochs", len(seed.HistoricalEpochs)),
		zap.String("hash", hex.EncodeToString(hash[:])))
	return nil
}

// ChainID returns the chain used for keys built from heights
func (n *Network) ChainID() uint16 {
	return n.cfg.ChainID
}

// MasterAccumulator returns the master accumulator; callers must not modify it
func (n *Network) MasterAccumulator() (*accumulator.Accumulator, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.master == nil {
		return nil, ErrAccumulatorUnavailable
	}
	return n.master, nil
}

func (n *Network) loadMaster() (*accumulator.Accumulator, error) {
	if n.db == nil {
		return nil, nil
	}
	data, err := n.db.Get(masterStorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read master accumulator: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	master, err := accumulator.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("persisted master accumulator is corrupt: %w", err)
	}
	return master, nil
}

func (n *Network) saveMaster(master *accumulator.Accumulator) error {
	if n.db == nil {
		return nil
	}
	if err := n.db.Set(masterStorageKey, master.Encode()); err != nil {
		return fmt.Errorf("failed to persist master accumulator: %w", err)
	}
	return nil
}

// GetBlockHeader returns the verified header at height on the configured chain
func (n *Network) GetBlockHeader(ctx context.Context, height uint64) (*chain.Header, error) {
	return n.headerAt(ctx, n.cfg.ChainID, height)
}

// GetBlock returns the verified header and body at height
func (n *Network) GetBlock(ctx context.Context, chainID uint16, height uint64) (*chain.Header, *chain.Body, error) {
	header, err := n.headerAt(ctx, chainID, height)
	if err != nil {
		return nil, nil, err
	}
	data, err := n.get(ctx, content.BlockBodyKey(chainID, header.Hash()))
	if err != nil {
		return nil, nil, err
	}
	body, err := chain.DecodeBody(data)
	if err != nil {
		return nil, nil, err
	}
	return header, body, nil
}

// GetReceipts returns the verified receipts of the block at height
func (n *Network) GetReceipts(ctx context.Context, height uint64) (chain.Receipts, error) {
	header, err := n.headerAt(ctx, n.cfg.ChainID, height)
	if err != nil {
		return nil, err
	}
	data, err := n.get(ctx, content.ReceiptsKey(n.cfg.ChainID, header.Hash()))
	if err != nil {
		return nil, err
	}
	return chain.DecodeReceipts(data)
}

// GetEpochAccumulator returns the epoch accumulator with the given root
func (n *Network) GetEpochAccumulator(ctx context.Context, root [32]byte) (accumulator.EpochAccumulator, error) {
	if epoch, ok := n.epochs.Get(root); ok {
		n.metrics.EpochCacheHits.Inc()
		return epoch, nil
	}

	data, err := n.get(ctx, content.EpochAccumulatorKey(root))
	if err != nil {
		return nil, err
	}
	epoch, err := accumulator.DecodeEpochAccumulator(data)
	if err != nil {
		return nil, err
	}
	n.epochs.Add(root, epoch)
	return epoch, nil
}

func (n *Network) headerAt(ctx context.Context, chainID uint16, height uint64) (*chain.Header, error) {
	master, err := n.MasterAccumulator()
	if err != nil {
		return nil, err
	}
	if height >= master.Height() {
		return nil, content.NewNotFoundError(
			fmt.Sprintf("height %d beyond accumulator height %d", height, master.Height()), nil)
	}

	proof, err := n.proofFor(ctx, master, height)
	if err != nil {
		return nil, fmt.Errorf("epoch accumulator for height %d: %w", height, err)
	}
	hash, err := accumulator.BlockHashAt(master, height, proof)
	if err != nil {
		return nil, content.NewVerificationError(err.Error(), nil, err)
	}
	return n.headerByHash(ctx, chainID, hash)
}

func (n *Network) headerByHash(ctx context.Context, chainID uint16, hash chain.Hash) (*chain.Header, error) {
	data, err := n.get(ctx, content.BlockHeaderKey(chainID, hash))
	if err != nil {
		return nil, err
	}
	return chain.DecodeHeader(data)
}

// proofFor returns the epoch accumulator needed to verify height, or nil for the open epoch
func (n *Network) proofFor(ctx context.Context, master *accumulator.Accumulator, height uint64) (accumulator.EpochAccumulator, error) {
	if !master.NeedsEpochProof(height) {
		return nil, nil
	}
	root, _ := master.EpochRoot(height)
	return n.GetEpochAccumulator(ctx, root)
}

// get returns content for key from the local store or, failing that, from the network. Content
// from the network is validated before it is returned and stored. When every answer failed
// validation the error is a verification error rather than NotFound.
func (n *Network) get(ctx context.Context, key content.Key) ([]byte, error) {
	id := key.ID()
	data, err := n.store.Get(id)
	if err == nil {
		n.metrics.Gets.WithLabelValues("local").Inc()
		return data, nil
	}
	if !errors.Is(err, content.ErrNotFound) {
		return nil, err
	}

	// the validator runs on the lookup's coordinating goroutine only
	var rejected error
	res, err := n.dht.ContentLookup(ctx, key, func(data []byte) error {
		if err := n.ValidateContent(ctx, key, data); err != nil {
			rejected = err
			return err
		}
		return nil
	})
	if err != nil {
		if rejected != nil && errors.Is(err, content.ErrNotFound) {
			return nil, content.NewVerificationError(
				fmt.Sprintf("no valid answer for %s", key), &id, rejected)
		}
		return nil, err
	}

	n.metrics.Gets.WithLabelValues("network").Inc()
	n.storeLocal(key, res.Content)
	return res.Content, nil
}

func (n *Network) storeLocal(key content.Key, data []byte) bool {
	if err := n.store.Put(key.ID(), data); err != nil {
		if errors.Is(err, content.ErrCapacity) {
			n.logger.Debug("content not admitted", zap.Stringer("key", key), zap.Error(err))
		} else {
			n.logger.Warn("failed to store content", zap.Stringer("key", key), zap.Error(err))
		}
		return false
	}
	return true
}

// AcceptKey reports whether an offered key is wanted. Nothing is accepted while stopped or
// before the master accumulator is known, and master accumulators are never taken from peers.
func (n *Network) AcceptKey(key content.Key) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running && n.master != nil && key.Type != content.KeyMasterAccumulator
}

// HandleOffered validates and stores content a peer streamed after an OFFER, then gossips
// what was newly stored to other peers
func (n *Network) HandleOffered(ctx context.Context, from *dht.Node, items []content.Item) {
	stored := n.admit(ctx, items, from.Addr)
	n.metrics.StoredOffered.Add(float64(len(stored)))
	if len(stored) == 0 {
		return
	}
	peers := n.dht.Gossip(ctx, stored, from.ID)
	n.logger.Debug("stored offered content",
		zap.String("peer", from.Addr),
		zap.Int("offered", len(items)),
		zap.Int("stored", len(stored)),
		zap.Int("gossiped_to", peers))
}

// Publish validates and stores locally held content and gossips it to the neighborhood.
// Returns how many items were newly stored.
func (n *Network) Publish(ctx context.Context, items []content.Item) (int, error) {
	if _, err := n.MasterAccumulator(); err != nil {
		return 0, err
	}
	stored := n.admit(ctx, items, "local")
	if len(stored) > 0 {
		n.dht.Gossip(ctx, stored)
	}
	return len(stored), nil
}

// admit validates items in dependency order and stores those that pass
func (n *Network) admit(ctx context.Context, items []content.Item, source string) []content.Item {
	ordered := append([]content.Item(nil), items...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return admissionOrder(ordered[i].Key.Type) < admissionOrder(ordered[j].Key.Type)
	})

	var stored []content.Item
	for _, item := range ordered {
		if n.store.Has(item.Key.ID()) {
			continue
		}
		if err := n.ValidateContent(ctx, item.Key, item.Value); err != nil {
			n.logger.Warn("discarding unverifiable content",
				zap.String("source", source),
				zap.Stringer("key", item.Key),
				zap.Error(err))
			continue
		}
		if n.storeLocal(item.Key, item.Value) {
			stored = append(stored, item)
		}
	}
	return stored
}

// admissionOrder puts epoch accumulators before headers and headers before what they commit to
func admissionOrder(t content.KeyType) int {
	switch t {
	case content.KeyEpochAccumulator:
		return 0
	case content.KeyBlockHeader:
		return 1
	default:
		return 2
	}
}

// Stats returns history network statistics
func (n *Network) Stats() map[string]interface{} {
	n.mu.RLock()
	defer n.mu.RUnlock()

	stats := map[string]interface{}{
		"running":        n.running,
		"initialized":    n.master != nil,
		"cached_epochs":  n.epochs.Len(),
		"chain_id":       n.cfg.ChainID,
		"stored_items":   n.store.Len(),
		"accumulator_at": uint64(0),
	}
	if n.master != nil {
		stats["accumulator_at"] = n.master.Height()
		stats["epochs"] = len(n.master.HistoricalEpochs)
	}
	return stats
}
