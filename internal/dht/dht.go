package dht

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/historynet/internal/stream"
	"github.com/WebFirstLanguage/historynet/pkg/constants"
	"github.com/WebFirstLanguage/historynet/pkg/content"
	"github.com/WebFirstLanguage/historynet/pkg/transport"
	"github.com/WebFirstLanguage/historynet/pkg/wire"
)

// ContentHandler decides which offered keys to take and receives the transferred items.
// Radius and presence checks happen before AcceptKey is asked.
type ContentHandler interface {
	AcceptKey(key content.Key) bool
	HandleOffered(ctx context.Context, from *Node, items []content.Item)
}

// DHT is the protocol engine: it answers PING, FINDNODES, FINDCONTENT and OFFER from peers and
// issues the same requests on behalf of the node.
type DHT struct {
	cfg       *Config
	self      NodeID
	transport transport.Transport
	store     *content.Store
	table     *RoutingTable
	streams   *stream.Manager
	limiter   *RateLimiter
	metrics   *Metrics
	logger    *zap.Logger
	maxFrame  int
	enrSeq    uint64

	mu      sync.RWMutex
	handler ContentHandler
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[uint64]*request
	seq       atomic.Uint64
}

// request is an outstanding exchange waiting for the response echoing its sequence number
type request struct {
	peer string
	id   NodeID
	resp chan *wire.Frame
}

// New creates a DHT for the node self, speaking over tr and serving content from store
func New(cfg *Config, self NodeID, tr transport.Transport, store *content.Store) (*DHT, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dht config: %w", err)
	}
	if tr == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if store == nil {
		return nil, fmt.Errorf("content store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetrics()
	}

	d := &DHT{
		cfg:       cfg,
		self:      self,
		transport: tr,
		store:     store,
		table:     NewRoutingTable(self, cfg.BucketSize, cfg.ReplacementCacheSize, cfg.MaxFailures),
		limiter:   NewRateLimiter(cfg.RateLimit, cfg.RateBurst, 0),
		metrics:   metrics,
		logger:    logger.With(zap.String("component", "dht"), zap.String("self", self.Short())),
		maxFrame:  wire.MaxPayloadSize(cfg.ProtocolID),
		enrSeq:    1,
		pending:   make(map[uint64]*request),
	}
	d.handler = &storeHandler{d: d}

	streamCfg := stream.DefaultConfig()
	if cfg.Stream != nil {
		c := *cfg.Stream
		streamCfg = &c
	}
	streamCfg.Send = d.sendStream
	if streamCfg.Logger == nil {
		streamCfg.Logger = logger
	}
	streams, err := stream.NewManager(streamCfg)
	if err != nil {
		return nil, err
	}
	d.streams = streams

	return d, nil
}

// Start attaches the DHT to its transport and starts background maintenance
func (d *DHT) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx != nil {
		return ErrAlreadyStarted
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running.Store(true)
	d.transport.SetHandler(d.handlePacket)

	d.wg.Add(1)
	go d.maintenanceLoop()

	d.logger.Info("dht started", zap.String("addr", d.transport.LocalAddr()))
	return nil
}

// Stop stops the DHT and fails every open stream. The transport stays open.
func (d *DHT) Stop() error {
	d.mu.Lock()
	if d.cancel == nil {
		d.mu.Unlock()
		return nil
	}
	d.running.Store(false)
	d.cancel()
	d.cancel = nil
	d.mu.Unlock()

	d.streams.Close()
	d.wg.Wait()
	d.logger.Info("dht stopped")
	return nil
}

// Self returns the local node id
func (d *DHT) Self() NodeID {
	return d.self
}

// SelfNode describes the local node as peers see it
func (d *DHT) SelfNode() *Node {
	n := NewNode(d.self, d.transport.LocalAddr())
	n.Radius = d.store.Radius()
	return n
}

// Table returns the routing table
func (d *DHT) Table() *RoutingTable {
	return d.table
}

// Store returns the local content store
func (d *DHT) Store() *content.Store {
	return d.store
}

// StreamStats returns the stream manager counters
func (d *DHT) StreamStats() stream.Stats {
	return d.streams.Stats()
}

// SetContentHandler replaces the handler for offered content; nil restores storing everything accepted
func (d *DHT) SetContentHandler(h ContentHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		h = &storeHandler{d: d}
	}
	d.handler = h
}

func (d *DHT) contentHandler() ContentHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handler
}

func (d *DHT) context() context.Context {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.ctx == nil {
		return context.Background()
	}
	return d.ctx
}

// Ping checks that node is alive and learns its radius
func (d *DHT) Ping(ctx context.Context, node *Node) (*wire.PongBody, error) {
	f, err := d.request(ctx, node, constants.KindPing, &wire.PingBody{
		EnrSeq: d.enrSeq,
		Radius: d.store.Radius().Bytes(),
	})
	if err != nil {
		return nil, err
	}
	if err := expectKind(f, constants.KindPong, node.Addr); err != nil {
		return nil, err
	}

	var pong wire.PongBody
	if err := f.DecodeBody(&pong); err != nil {
		return nil, content.NewProtocolError("invalid PONG", node.Addr, err)
	}
	if radius, ok := parseRadius(pong.Radius); ok {
		d.table.SetRadius(node.ID, radius)
	}
	return &pong, nil
}

// FindNodes asks node for the entries of its routing table at the given log distances.
// Returned nodes that do not sit at a requested distance from node are discarded.
func (d *DHT) FindNodes(ctx context.Context, node *Node, distances []uint16) ([]*Node, error) {
	f, err := d.request(ctx, node, constants.KindFindNodes, &wire.FindNodesBody{Distances: distances})
	if err != nil {
		return nil, err
	}
	if err := expectKind(f, constants.KindNodes, node.Addr); err != nil {
		return nil, err
	}

	var body wire.NodesBody
	if err := f.DecodeBody(&body); err != nil {
		return nil, content.NewProtocolError("invalid NODES", node.Addr, err)
	}

	wanted := make(map[int]bool, len(distances))
	for _, dist := range distances {
		wanted[int(dist)] = true
	}
	var nodes []*Node
	for _, n := range d.recordsToNodes(body.Nodes, node.Addr) {
		if wanted[node.ID.LogDistance(n.ID)] {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

// ContentResult is one peer's answer to FINDCONTENT: either the content or closer nodes
type ContentResult struct {
	Found    bool
	Content  []byte
	Streamed bool
	Nodes    []*Node
}

// FindContent asks node for the content under key. Payloads too large for one packet are
// received over a stream session.
func (d *DHT) FindContent(ctx context.Context, node *Node, key content.Key) (*ContentResult, error) {
	f, err := d.request(ctx, node, constants.KindFindContent, &wire.FindContentBody{Key: key.Encode()})
	if err != nil {
		return nil, err
	}
	if err := expectKind(f, constants.KindContent, node.Addr); err != nil {
		return nil, err
	}

	var body wire.ContentBody
	if err := f.DecodeBody(&body); err != nil {
		return nil, content.NewProtocolError("invalid CONTENT", node.Addr, err)
	}
	if err := body.Validate(); err != nil {
		return nil, content.NewProtocolError("invalid CONTENT", node.Addr, err)
	}

	switch body.Type {
	case wire.ContentPayload:
		return &ContentResult{Found: true, Content: body.Payload}, nil
	case wire.ContentConnectionID:
		in, err := d.streams.Expect(node.Addr, body.ConnID)
		if err != nil {
			return nil, err
		}
		data, err := in.Wait(ctx)
		if err != nil {
			return nil, err
		}
		d.metrics.StreamBytes.WithLabelValues("in").Add(float64(len(data)))
		return &ContentResult{Found: true, Content: data, Streamed: true}, nil
	default:
		return &ContentResult{Nodes: d.recordsToNodes(body.Nodes, node.Addr)}, nil
	}
}

// request sends a request frame to node and waits for the response with the same sequence number.
// A successful exchange adds node to the routing table; a timeout counts as a failure.
func (d *DHT) request(ctx context.Context, node *Node, kind uint16, body interface{}) (*wire.Frame, error) {
	seq := d.seq.Add(1)
	req := &request{peer: node.Addr, id: node.ID, resp: make(chan *wire.Frame, 1)}

	d.pendingMu.Lock()
	d.pending[seq] = req
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, seq)
		d.pendingMu.Unlock()
	}()

	if err := d.sendFrame(ctx, node.Addr, kind, seq, body); err != nil {
		return nil, err
	}

	timer := time.NewTimer(d.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case f := <-req.resp:
		d.table.AddNode(node)
		d.table.MarkResponsive(node.ID)
		if wire.IsErrorFrame(f) {
			werr, err := wire.ExtractError(f)
			if err != nil {
				return nil, content.NewProtocolError("invalid ERROR", node.Addr, err)
			}
			return nil, content.NewProtocolError(fmt.Sprintf("%s rejected", wire.KindName(kind)), node.Addr, werr)
		}
		return f, nil
	case <-timer.C:
		d.metrics.RequestTimeouts.Inc()
		if d.table.MarkUnresponsive(node.ID) {
			d.logger.Debug("dropped unresponsive node", zap.String("node", node.ID.Short()))
		}
		return nil, content.NewTimeoutError(fmt.Sprintf("no answer to %s", wire.KindName(kind)), node.Addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func expectKind(f *wire.Frame, kind uint16, peer string) error {
	if f.Kind != kind {
		return content.NewProtocolError(
			fmt.Sprintf("expected %s, got %s", wire.KindName(kind), wire.KindName(f.Kind)), peer, ErrUnexpectedResponse)
	}
	return nil
}

func (d *DHT) sendFrame(ctx context.Context, addr string, kind uint16, seq uint64, body interface{}) error {
	data, err := wire.Encode(kind, d.self, seq, body)
	if err != nil {
		return err
	}
	if len(data) > d.maxFrame {
		return fmt.Errorf("%s of %d bytes: %w", wire.KindName(kind), len(data), ErrFrameTooLarge)
	}
	if err := d.transport.Send(ctx, addr, data); err != nil {
		return err
	}
	d.metrics.MessagesSent.WithLabelValues(wire.KindName(kind)).Inc()
	return nil
}

// reply answers a request; failures only get logged
func (d *DHT) reply(addr string, kind uint16, seq uint64, body interface{}) {
	ctx, cancel := context.WithTimeout(d.context(), d.cfg.RequestTimeout)
	defer cancel()
	if err := d.sendFrame(ctx, addr, kind, seq, body); err != nil {
		d.logger.Debug("failed to send response",
			zap.String("peer", addr),
			zap.String("kind", wire.KindName(kind)),
			zap.Error(err))
	}
}

func (d *DHT) sendStream(peer string, kind uint16, body interface{}) error {
	ctx, cancel := context.WithTimeout(d.context(), d.cfg.RequestTimeout)
	defer cancel()
	return d.sendFrame(ctx, peer, kind, 0, body)
}

// handlePacket is the transport handler. It never blocks on network I/O of its own.
func (d *DHT) handlePacket(from string, payload []byte) {
	if !d.running.Load() {
		return
	}

	f, err := wire.Decode(payload)
	if err != nil {
		d.metrics.MalformedFrames.Inc()
		d.logger.Debug("dropping malformed frame", zap.String("peer", from), zap.Error(err))
		return
	}
	sender := NodeID(f.Sender())
	if sender == d.self {
		return
	}
	d.metrics.MessagesReceived.WithLabelValues(wire.KindName(f.Kind)).Inc()

	if wire.IsResponse(f.Kind) {
		d.handleResponse(from, sender, f)
		return
	}

	switch f.Kind {
	case constants.KindStreamData:
		var body wire.StreamDataBody
		if err := f.DecodeBody(&body); err != nil {
			d.dropMalformed(from, f, err)
			return
		}
		d.streams.HandleData(from, &body)
		return
	case constants.KindStreamAck:
		var body wire.StreamAckBody
		if err := f.DecodeBody(&body); err != nil {
			d.dropMalformed(from, f, err)
			return
		}
		d.streams.HandleAck(from, &body)
		return
	}

	if !d.limiter.Allow(from) {
		d.metrics.RateLimited.Inc()
		d.reply(from, constants.KindError, f.Seq, wire.ErrRateLimit(1))
		return
	}

	node := NewNode(sender, from)
	switch f.Kind {
	case constants.KindPing:
		d.handlePing(node, f)
	case constants.KindFindNodes:
		d.handleFindNodes(node, f)
	case constants.KindFindContent:
		d.handleFindContent(node, f)
	case constants.KindOffer:
		d.handleOffer(node, f)
	}
}

func (d *DHT) handleResponse(from string, sender NodeID, f *wire.Frame) {
	d.pendingMu.Lock()
	req, ok := d.pending[f.Seq]
	if ok && (req.id == sender || (req.id.IsZero() && req.peer == from)) {
		delete(d.pending, f.Seq)
	} else {
		ok = false
	}
	d.pendingMu.Unlock()

	if !ok {
		d.logger.Debug("dropping unmatched response",
			zap.String("peer", from),
			zap.String("kind", wire.KindName(f.Kind)),
			zap.Uint64("seq", f.Seq))
		return
	}
	req.resp <- f
}

func (d *DHT) dropMalformed(from string, f *wire.Frame, err error) {
	d.metrics.MalformedFrames.Inc()
	d.logger.Debug("dropping malformed body",
		zap.String("peer", from),
		zap.String("kind", wire.KindName(f.Kind)),
		zap.Error(err))
}

func (d *DHT) handlePing(node *Node, f *wire.Frame) {
	var body wire.PingBody
	if err := f.DecodeBody(&body); err != nil {
		d.dropMalformed(node.Addr, f, err)
		return
	}

	d.table.AddNode(node)
	if radius, ok := parseRadius(body.Radius); ok {
		d.table.SetRadius(node.ID, radius)
	}

	d.reply(node.Addr, constants.KindPong, f.Seq, &wire.PongBody{
		EnrSeq: d.enrSeq,
		Radius: d.store.Radius().Bytes(),
	})
}

func (d *DHT) handleFindNodes(node *Node, f *wire.Frame) {
	var body wire.FindNodesBody
	if err := f.DecodeBody(&body); err != nil {
		d.dropMalformed(node.Addr, f, err)
		return
	}
	d.table.AddNode(node)

	seen := make(map[NodeID]bool)
	var records []wire.NodeRecord
	for _, dist := range body.Distances {
		if dist == 0 {
			if !seen[d.self] {
				seen[d.self] = true
				records = append(records, d.SelfNode().Record())
			}
			continue
		}
		for _, n := range d.table.NodesAtDistance(int(dist)) {
			if !seen[n.ID] {
				seen[n.ID] = true
				records = append(records, n.Record())
			}
		}
	}

	records = d.fitRecords(constants.KindNodes, f.Seq, records, func(r []wire.NodeRecord) interface{} {
		return &wire.NodesBody{Total: 1, Nodes: r}
	})
	d.reply(node.Addr, constants.KindNodes, f.Seq, &wire.NodesBody{Total: 1, Nodes: records})
}

func (d *DHT) handleFindContent(node *Node, f *wire.Frame) {
	var body wire.FindContentBody
	if err := f.DecodeBody(&body); err != nil {
		d.dropMalformed(node.Addr, f, err)
		return
	}
	key, err := content.DecodeKey(body.Key)
	if err != nil {
		d.dropMalformed(node.Addr, f, err)
		return
	}
	d.table.AddNode(node)

	id := key.ID()
	data, err := d.store.Get(id)
	switch {
	case err == nil:
		if d.serveContent(node, f.Seq, data) {
			return
		}
	case !errors.Is(err, content.ErrNotFound):
		d.logger.Warn("failed to read content", zap.Stringer("key", key), zap.Error(err))
	}

	var records []wire.NodeRecord
	for _, n := range d.table.ClosestNodes(id, d.cfg.BucketSize+1) {
		if n.ID != node.ID {
			records = append(records, n.Record())
		}
	}
	records = d.fitRecords(constants.KindContent, f.Seq, records, func(r []wire.NodeRecord) interface{} {
		return &wire.ContentBody{Type: wire.ContentNodes, Nodes: r}
	})
	d.reply(node.Addr, constants.KindContent, f.Seq, &wire.ContentBody{Type: wire.ContentNodes, Nodes: records})
}

// serveContent answers with data inline when the frame fits, otherwise over a stream
func (d *DHT) serveContent(node *Node, seq uint64, data []byte) bool {
	inline := &wire.ContentBody{Type: wire.ContentPayload, Payload: data}
	if len(data) > 0 && d.fits(constants.KindContent, seq, inline) {
		d.reply(node.Addr, constants.KindContent, seq, inline)
		return true
	}

	connID := d.streams.NewConnectionID(node.Addr)
	out, err := d.streams.StartSend(node.Addr, connID, data)
	if err != nil {
		d.logger.Warn("cannot stream content", zap.String("peer", node.Addr), zap.Error(err))
		return false
	}
	d.reply(node.Addr, constants.KindContent, seq, &wire.ContentBody{Type: wire.ContentConnectionID, ConnID: connID})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := out.Wait(d.context()); err != nil {
			d.logger.Debug("content stream failed", zap.String("peer", node.Addr), zap.Error(err))
			return
		}
		d.metrics.StreamBytes.WithLabelValues("out").Add(float64(len(data)))
	}()
	return true
}

func (d *DHT) fits(kind uint16, seq uint64, body interface{}) bool {
	data, err := wire.Encode(kind, d.self, seq, body)
	return err == nil && len(data) <= d.maxFrame
}

// fitRecords returns the longest prefix of records whose response frame fits one packet
func (d *DHT) fitRecords(kind uint16, seq uint64, records []wire.NodeRecord, build func([]wire.NodeRecord) interface{}) []wire.NodeRecord {
	n := sort.Search(len(records)+1, func(n int) bool {
		return !d.fits(kind, seq, build(records[:n]))
	})
	if n == 0 {
		return nil
	}
	return records[:n-1]
}

func (d *DHT) recordsToNodes(records []wire.NodeRecord, peer string) []*Node {
	nodes := make([]*Node, 0, len(records))
	for _, rec := range records {
		n, err := NodeFromRecord(rec)
		if err != nil {
			d.logger.Debug("skipping invalid node record", zap.String("peer", peer), zap.Error(err))
			continue
		}
		if n.ID == d.self {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes
}

func parseRadius(b []byte) (content.ID, bool) {
	var r content.ID
	if len(b) != len(r) {
		return r, false
	}
	copy(r[:], b)
	return r, true
}

func (d *DHT) maintenanceLoop() {
	defer d.wg.Done()

	ctx := d.context()
	ticker := time.NewTicker(d.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.revalidate(ctx)
			d.limiter.Cleanup()
			d.metrics.RoutingTableSize.Set(float64(d.table.Size()))
		}
	}
}

// revalidate pings the least recently seen node of a random bucket
func (d *DHT) revalidate(ctx context.Context) {
	n, ok := d.table.LeastRecentlySeen(rand.Intn(256))
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()
	if _, err := d.Ping(ctx, n); err != nil {
		d.logger.Debug("revalidation failed", zap.String("node", n.ID.Short()), zap.Error(err))
	}
}

// storeHandler keeps every accepted item in the local store
type storeHandler struct {
	d *DHT
}

func (h *storeHandler) AcceptKey(content.Key) bool {
	return true
}

func (h *storeHandler) HandleOffered(_ context.Context, from *Node, items []content.Item) {
	for _, item := range items {
		if err := h.d.store.Put(item.Key.ID(), item.Value); err != nil {
			h.d.logger.Debug("offered item not stored",
				zap.String("peer", from.Addr),
				zap.Stringer("key", item.Key),
				zap.Error(err))
		}
	}
}
