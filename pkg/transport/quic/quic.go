// Package quic implements the history network transport over QUIC.
// One UDP socket serves both directions, so a peer's remote address is its listen address.
// Each message travels on its own unidirectional stream.
package quic

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/historynet/pkg/transport"
)

// ALPN is the application protocol negotiated on every connection
const ALPN = "historynet/1"

// Transport implements transport.Transport on a shared quic.Transport
type Transport struct {
	cfg       *transport.Config
	tlsConfig *tls.Config
	qcfg      *quic.Config
	logger    *zap.Logger

	udp      *net.UDPConn
	qt       *quic.Transport
	listener *quic.Listener

	mu      sync.Mutex
	conns   map[string]*quic.Conn
	dialing map[string]chan struct{}
	handler transport.Handler
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

// Listen binds addr and starts accepting connections. The ed25519 key backs a self-signed certificate.
func Listen(addr string, key ed25519.PrivateKey, cfg *transport.Config) (*Transport, error) {
	if cfg == nil {
		cfg = transport.DefaultConfig()
	}
	if key == nil {
		return nil, fmt.Errorf("private key is required")
	}

	cert, err := generateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg: cfg,
		tlsConfig: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			ClientAuth:         tls.RequireAnyClientCert,
			InsecureSkipVerify: true, // peers are identified by node id, not by certificate chain
			NextProtos:         []string{ALPN},
		},
		qcfg: &quic.Config{
			MaxIdleTimeout:  cfg.MaxIdleTimeout,
			KeepAlivePeriod: cfg.KeepAlive,
		},
		logger:  logger.With(zap.String("component", "quic-transport")),
		udp:     udp,
		qt:      &quic.Transport{Conn: udp},
		conns:   make(map[string]*quic.Conn),
		dialing: make(map[string]chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	t.listener, err = t.qt.Listen(t.tlsConfig, t.qcfg)
	if err != nil {
		cancel()
		udp.Close()
		return nil, fmt.Errorf("failed to create QUIC listener: %w", err)
	}

	t.wg.Add(1)
	go t.acceptLoop()

	return t, nil
}

// LocalAddr returns the bound UDP address
func (t *Transport) LocalAddr() string {
	return t.udp.LocalAddr().String()
}

// SetHandler installs the receive callback
func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Send writes payload to addr on a fresh unidirectional stream, dialing if needed
func (t *Transport) Send(ctx context.Context, addr string, payload []byte) error {
	if err := transport.CheckSize(payload, t.cfg.MaxPayload); err != nil {
		return err
	}

	conn, err := t.connection(ctx, addr)
	if err != nil {
		return err
	}

	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		t.dropConn(addr, conn)
		return fmt.Errorf("open stream: %w", err)
	}
	if err := writeMessage(stream, payload); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("write message: %w", err)
	}
	return stream.Close()
}

// Close stops accepting, closes every connection and releases the socket
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = make(map[string]*quic.Conn)
	t.mu.Unlock()

	t.cancel()
	for _, c := range conns {
		c.CloseWithError(0, "closed")
	}
	t.listener.Close()
	err := t.qt.Close()
	t.udp.Close()
	t.wg.Wait()
	return err
}

// connection returns a cached connection to addr or dials one; concurrent callers share a dial
func (t *Transport) connection(ctx context.Context, addr string) (*quic.Conn, error) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, transport.ErrClosed
		}
		if c, ok := t.conns[addr]; ok {
			t.mu.Unlock()
			return c, nil
		}
		wait, inFlight := t.dialing[addr]
		if !inFlight {
			wait = make(chan struct{})
			t.dialing[addr] = wait
			t.mu.Unlock()
			break
		}
		t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	conn, err := t.dial(ctx, addr)

	t.mu.Lock()
	close(t.dialing[addr])
	delete(t.dialing, addr)
	if err == nil {
		if t.closed {
			t.mu.Unlock()
			conn.CloseWithError(0, "closed")
			return nil, transport.ErrClosed
		}
		t.conns[addr] = conn
	}
	t.mu.Unlock()

	if err != nil {
		return nil, err
	}
	t.serve(conn, addr)
	return conn, nil
}

func (t *Transport) dial(ctx context.Context, addr string) (*quic.Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	conn, err := t.qt.Dial(ctx, udpAddr, t.tlsConfig, t.qcfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			return
		}
		if _, err := extractPublicKey(conn.ConnectionState().TLS); err != nil {
			t.logger.Debug("rejecting connection", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			conn.CloseWithError(1, "bad certificate")
			continue
		}

		addr := conn.RemoteAddr().String()
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.CloseWithError(0, "closed")
			return
		}
		if _, ok := t.conns[addr]; !ok {
			t.conns[addr] = conn
		}
		t.mu.Unlock()

		t.serve(conn, addr)
	}
}

// serve reads messages from every unidirectional stream the peer opens on conn
func (t *Transport) serve(conn *quic.Conn, addr string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.dropConn(addr, conn)

		for {
			stream, err := conn.AcceptUniStream(t.ctx)
			if err != nil {
				t.logger.Debug("connection ended", zap.String("peer", addr), zap.Error(err))
				return
			}

			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				t.handleStream(addr, stream)
			}()
		}
	}()
}

func (t *Transport) handleStream(addr string, stream *quic.ReceiveStream) {
	data, err := readMessage(stream, t.cfg.MaxPayload)
	if err != nil {
		t.logger.Debug("stream read error", zap.String("peer", addr), zap.Error(err))
		return
	}

	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(addr, data)
	}
}

func (t *Transport) dropConn(addr string, conn *quic.Conn) {
	t.mu.Lock()
	if t.conns[addr] == conn {
		delete(t.conns, addr)
	}
	t.mu.Unlock()
	conn.CloseWithError(0, "")
}
