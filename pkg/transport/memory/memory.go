// Package memory implements an in-process transport for tests and simulations.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/historynet/pkg/transport"
	"github.com/WebFirstLanguage/historynet/pkg/wire"
)

const inboxSize = 4096

// DropFilter returns true when a packet from -> to should be discarded
type DropFilter func(from, to string, payload []byte) bool

// Network connects memory transports by address
type Network struct {
	mu         sync.RWMutex
	endpoints  map[string]*Transport
	drop       DropFilter
	maxPayload int
	logger     *zap.Logger
}

// NewNetwork creates an empty network enforcing the history protocol packet limit
func NewNetwork() *Network {
	return &Network{
		endpoints:  make(map[string]*Transport),
		maxPayload: wire.DefaultMaxPayloadSize,
		logger:     zap.NewNop(),
	}
}

// SetLogger sets the logger for transports created afterwards
func (n *Network) SetLogger(logger *zap.Logger) {
	n.mu.Lock()
	n.logger = logger
	n.mu.Unlock()
}

// SetMaxPayload changes the packet limit; zero disables it
func (n *Network) SetMaxPayload(limit int) {
	n.mu.Lock()
	n.maxPayload = limit
	n.mu.Unlock()
}

// SetDropFilter installs a filter consulted for every packet; nil delivers everything
func (n *Network) SetDropFilter(f DropFilter) {
	n.mu.Lock()
	n.drop = f
	n.mu.Unlock()
}

// Listen attaches a new transport at addr
func (n *Network) Listen(addr string) (*Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.endpoints[addr]; exists {
		return nil, fmt.Errorf("address %s already in use", addr)
	}

	t := &Transport{
		network: n,
		addr:    addr,
		inbox:   make(chan packet, inboxSize),
		done:    make(chan struct{}),
		logger:  n.logger.With(zap.String("component", "memory-transport"), zap.String("addr", addr)),
	}
	n.endpoints[addr] = t

	t.wg.Add(1)
	go t.deliverLoop()

	return t, nil
}

func (n *Network) route(from, to string, payload []byte) error {
	n.mu.RLock()
	dst := n.endpoints[to]
	drop := n.drop
	limit := n.maxPayload
	n.mu.RUnlock()

	if err := transport.CheckSize(payload, limit); err != nil {
		return err
	}
	if dst == nil {
		// unreachable peers look like packet loss
		return nil
	}
	if drop != nil && drop(from, to, payload) {
		return nil
	}

	dst.enqueue(packet{from: from, payload: append([]byte(nil), payload...)})
	return nil
}

func (n *Network) detach(addr string) {
	n.mu.Lock()
	delete(n.endpoints, addr)
	n.mu.Unlock()
}

type packet struct {
	from    string
	payload []byte
}

// Transport is one endpoint on a memory Network
type Transport struct {
	network *Network
	addr    string
	inbox   chan packet
	done    chan struct{}
	logger  *zap.Logger

	mu      sync.RWMutex
	handler transport.Handler
	closed  bool

	wg sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

// Send delivers payload to the transport listening at addr
func (t *Transport) Send(ctx context.Context, addr string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return transport.ErrClosed
	}

	return t.network.route(t.addr, addr, payload)
}

// SetHandler installs the receive callback
func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// LocalAddr returns the address this transport listens on
func (t *Transport) LocalAddr() string {
	return t.addr
}

// Close detaches the transport and stops delivery
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.network.detach(t.addr)
	close(t.done)
	t.wg.Wait()
	return nil
}

func (t *Transport) enqueue(p packet) {
	select {
	case t.inbox <- p:
	case <-t.done:
	default:
		t.logger.Debug("inbox full, dropping packet", zap.String("from", p.from))
	}
}

func (t *Transport) deliverLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.done:
			return
		case p := <-t.inbox:
			t.mu.RLock()
			h := t.handler
			t.mu.RUnlock()
			if h != nil {
				h(p.from, p.payload)
			}
		}
	}
}
