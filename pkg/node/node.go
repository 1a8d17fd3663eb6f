// Package node assembles a history network node: identity, storage, transport, DHT and the
// history network, with a single New → Start → Stop lifecycle.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/historynet/internal/dht"
	"github.com/WebFirstLanguage/historynet/internal/history"
	"github.com/WebFirstLanguage/historynet/pkg/accumulator"
	"github.com/WebFirstLanguage/historynet/pkg/constants"
	"github.com/WebFirstLanguage/historynet/pkg/content"
	"github.com/WebFirstLanguage/historynet/pkg/identity"
	"github.com/WebFirstLanguage/historynet/pkg/storage"
	"github.com/WebFirstLanguage/historynet/pkg/transport"
	"github.com/WebFirstLanguage/historynet/pkg/transport/memory"
	"github.com/WebFirstLanguage/historynet/pkg/transport/quic"
)

// State represents the current state of the node
type State int

const (
	// StateStopped indicates the node is not running
	StateStopped State = iota
	// StateStarting indicates the node is in the process of starting
	StateStarting
	// StateRunning indicates the node is running normally
	StateRunning
	// StateStopping indicates the node is in the process of stopping
	StateStopping
	// StateClosed indicates the node released its resources and cannot be restarted
	StateClosed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// IdentityFileName is the identity file inside the data directory
const IdentityFileName = "identity.json"

// Config holds node configuration
type Config struct {
	// DataDir holds the identity, database and seed file; unused parts may be empty with InMemory
	DataDir string

	// InMemory keeps the database in memory
	InMemory bool

	// Identity to run as; loaded from or generated into DataDir when nil
	Identity *identity.Identity

	// ListenAddr is the transport address, host:port for QUIC
	ListenAddr string

	// Network replaces QUIC with the in-process network when set
	Network *memory.Network

	// StorageCapacity byte budget of the content store
	StorageCapacity uint64

	// SeedFile persists bootstrap seeds; defaults to DataDir/seeds.json
	SeedFile string

	// Seeds are added to those in the seed file
	Seeds []dht.SeedNode

	// MasterAccumulatorFile holds an encoded master accumulator to start from
	MasterAccumulatorFile string

	ChainID uint16

	DHT        *dht.Config
	Supervisor SupervisorConfig

	// Registerer receives metrics; nil disables them
	Registerer       prometheus.Registerer
	MetricsNamespace string

	Logger *zap.Logger
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:       fmt.Sprintf("0.0.0.0:%d", constants.DefaultQUICPort),
		StorageCapacity:  constants.DefaultStorageCapacity,
		ChainID:          constants.MainnetChainID,
		DHT:              dht.DefaultConfig(),
		Supervisor:       DefaultSupervisorConfig(),
		MetricsNamespace: "historynet",
		Logger:           zap.NewNop(),
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if !c.InMemory && c.DataDir == "" {
		return errors.New("data directory is required unless running in memory")
	}
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.StorageCapacity == 0 {
		return errors.New("storage capacity must be positive")
	}
	if c.DHT != nil {
		if err := c.DHT.Validate(); err != nil {
			return fmt.Errorf("dht: %w", err)
		}
	}
	return nil
}

// Node owns every component of a running history network node
type Node struct {
	mu     sync.RWMutex
	state  State
	cfg    *Config
	logger *zap.Logger

	identity  *identity.Identity
	db        *storage.Storage
	store     *content.Store
	transport transport.Transport
	dht       *dht.DHT
	bootstrap *dht.Bootstrap
	history   *history.Network

	supervisor *Supervisor
	cancel     context.CancelFunc
}

// New builds a node from cfg. Nothing touches the network until Start.
func New(cfg *Config) (_ *Node, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &Node{state: StateStopped, cfg: cfg, logger: logger.With(zap.String("component", "node"))}
	defer func() {
		if err != nil {
			_ = n.close()
		}
	}()

	n.identity, err = n.loadIdentity()
	if err != nil {
		return nil, err
	}
	n.logger = n.logger.With(zap.String("tag", n.identity.Tag()))

	if cfg.InMemory {
		n.db, err = storage.OpenInMemory()
	} else {
		n.db, err = storage.Open(&storage.Config{Path: filepath.Join(cfg.DataDir, "db"), Logger: logger})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	n.store, err = content.NewStore(&content.StoreConfig{
		LocalID:  n.identity.NodeID(),
		Capacity: cfg.StorageCapacity,
		Storage:  n.db,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open content store: %w", err)
	}

	if n.transport, err = n.listen(); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	dcfg := dht.DefaultConfig()
	if cfg.DHT != nil {
		c := *cfg.DHT
		dcfg = &c
	}
	dcfg.Logger = logger
	hcfg := history.DefaultConfig()
	hcfg.ChainID = cfg.ChainID
	hcfg.Storage = n.db
	hcfg.Logger = logger
	if cfg.Registerer != nil {
		dcfg.Metrics = dht.PrometheusMetrics(cfg.MetricsNamespace, cfg.Registerer)
		hcfg.Metrics = history.PrometheusMetrics(cfg.MetricsNamespace, cfg.Registerer)
	}

	n.dht, err = dht.New(dcfg, dht.NodeID(n.identity.NodeID()), n.transport, n.store)
	if err != nil {
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	seedFile := cfg.SeedFile
	if seedFile == "" && !cfg.InMemory {
		seedFile = filepath.Join(cfg.DataDir, "seeds.json")
	}
	n.bootstrap, err = dht.NewBootstrap(n.dht, seedFile, cfg.Seeds)
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap manager: %w", err)
	}

	n.history, err = history.New(hcfg, n.dht)
	if err != nil {
		return nil, fmt.Errorf("failed to create history network: %w", err)
	}
	if cfg.MasterAccumulatorFile != "" {
		if err := n.importMasterAccumulator(cfg.MasterAccumulatorFile); err != nil {
			return nil, err
		}
	}

	n.supervisor = newSupervisor(n, cfg.Supervisor)
	return n, nil
}

func (n *Node) loadIdentity() (*identity.Identity, error) {
	if n.cfg.Identity != nil {
		return n.cfg.Identity, nil
	}
	if n.cfg.InMemory && n.cfg.DataDir == "" {
		return identity.GenerateIdentity()
	}

	id, created, err := identity.LoadOrGenerate(filepath.Join(n.cfg.DataDir, IdentityFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if created {
		n.logger.Info("generated new identity", zap.String("node_id", id.NodeIDHex()))
	}
	return id, nil
}

// listen opens the in-process network when one is configured and QUIC otherwise
func (n *Node) listen() (transport.Transport, error) {
	if n.cfg.Network != nil {
		t, err := n.cfg.Network.Listen(n.cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	tcfg := transport.DefaultConfig()
	if n.cfg.Logger != nil {
		tcfg.Logger = n.cfg.Logger
	}
	t, err := quic.Listen(n.cfg.ListenAddr, n.identity.PrivateKey, tcfg)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (n *Node) importMasterAccumulator(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read master accumulator: %w", err)
	}
	master, err := accumulator.Decode(data)
	if err != nil {
		return fmt.Errorf("invalid master accumulator in %s: %w", path, err)
	}
	return n.history.InitMasterAccumulator(master)
}

// Start starts the DHT, the history network and the supervisor that keeps the node connected
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case StateRunning, StateStarting:
		return fmt.Errorf("node is already %s", n.state)
	case StateClosed:
		return errors.New("node is closed")
	}
	n.state = StateStarting

	ctx, cancel := context.WithCancel(ctx)
	if err := n.dht.Start(ctx); err != nil {
		cancel()
		n.state = StateStopped
		return fmt.Errorf("failed to start DHT: %w", err)
	}
	if err := n.history.Start(ctx); err != nil {
		cancel()
		_ = n.dht.Stop()
		n.state = StateStopped
		return fmt.Errorf("failed to start history network: %w", err)
	}
	n.supervisor.start(ctx)
	n.cancel = cancel

	n.state = StateRunning
	n.logger.Info("node started",
		zap.String("node_id", n.identity.NodeIDHex()),
		zap.String("addr", n.transport.LocalAddr()))
	return nil
}

// Stop stops the node and releases its transport and storage. A stopped node cannot be restarted.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateRunning {
		state := n.state
		n.mu.Unlock()
		return fmt.Errorf("node is %s", state)
	}
	n.state = StateStopping
	cancel := n.cancel
	n.mu.Unlock()

	cancel()
	err := n.supervisor.wait(ctx)
	err = multierr.Append(err, n.history.Stop())
	err = multierr.Append(err, n.dht.Stop())
	err = multierr.Append(err, n.close())

	n.mu.Lock()
	n.state = StateClosed
	n.mu.Unlock()

	n.logger.Info("node stopped")
	return err
}

// close releases what New opened, tolerating partially built nodes
func (n *Node) close() error {
	var err error
	if n.transport != nil {
		err = multierr.Append(err, n.transport.Close())
	}
	if n.store != nil {
		n.store.Close()
	}
	if n.db != nil {
		err = multierr.Append(err, n.db.Close())
	}
	return err
}

// State returns the current state of the node
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Identity returns the node's identity
func (n *Node) Identity() *identity.Identity {
	return n.identity
}

// ID returns the node's DHT id
func (n *Node) ID() dht.NodeID {
	return n.dht.Self()
}

// Addr returns the transport address peers reach the node at
func (n *Node) Addr() string {
	return n.transport.LocalAddr()
}

// DHT returns the protocol engine
func (n *Node) DHT() *dht.DHT {
	return n.dht
}

// Bootstrap returns the seed manager
func (n *Node) Bootstrap() *dht.Bootstrap {
	return n.bootstrap
}

// History returns the history network
func (n *Node) History() *history.Network {
	return n.history
}

// Store returns the content store
func (n *Node) Store() *content.Store {
	return n.store
}

// Info summarizes the node for status reporting
func (n *Node) Info() map[string]interface{} {
	return map[string]interface{}{
		"node_id":       n.identity.NodeIDHex(),
		"tag":           n.identity.Tag(),
		"addr":          n.transport.LocalAddr(),
		"state":         n.State().String(),
		"routing_table": n.dht.Table().Size(),
		"radius":        n.store.Radius().String(),
		"bootstrapped":  n.bootstrap.IsBootstrapped(),
		"history":       n.history.Stats(),
	}
}
