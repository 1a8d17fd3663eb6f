// Package stream moves payloads larger than one packet between peers as a windowed sequence of
// fragments with cumulative acknowledgements and retransmission.
//
// A transfer is identified by (peer address, connection id). The receiver announces readiness with an
// acknowledgement of fragment zero and repeats it until data arrives; the sender transmits nothing
// before that. Every timer runs on the configured clock.
package stream

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/historynet/pkg/constants"
	"github.com/WebFirstLanguage/historynet/pkg/content"
	"github.com/WebFirstLanguage/historynet/pkg/wire"
)

// SendFunc delivers a stream frame body of the given kind to peer
type SendFunc func(peer string, kind uint16, body interface{}) error

// Config holds stream manager settings
type Config struct {
	// Bytes per fragment
	FragmentSize int

	// Fragments in flight per session
	Window int

	// Age after which an unacknowledged fragment is sent again
	RetransmitTimeout time.Duration

	// A session without progress for this long fails
	Deadline time.Duration

	// Largest payload a session carries
	MaxPayload int

	// How long a finished inbound session keeps answering retransmitted fragments
	Linger time.Duration

	Clock  clock.Clock
	Send   SendFunc
	Logger *zap.Logger
}

// DefaultConfig returns the default stream configuration; Send must still be set
func DefaultConfig() *Config {
	return &Config{
		FragmentSize:      constants.StreamFragmentSize,
		Window:            constants.StreamWindow,
		RetransmitTimeout: constants.StreamRetransmitTimeout,
		Deadline:          constants.StreamDeadline,
		MaxPayload:        constants.StreamMaxPayload,
		Linger:            constants.StreamDeadline,
		Clock:             clock.New(),
		Logger:            zap.NewNop(),
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.FragmentSize <= 0 {
		return fmt.Errorf("fragment size must be positive")
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if c.RetransmitTimeout <= 0 || c.Deadline <= 0 {
		return fmt.Errorf("stream timeouts must be positive")
	}
	if c.MaxPayload <= 0 {
		return fmt.Errorf("max payload must be positive")
	}
	if c.Send == nil {
		return fmt.Errorf("send function is required")
	}
	return nil
}

type sessionKey struct {
	peer string
	conn uint16
}

// Stats counts stream activity
type Stats struct {
	FragmentsSent     uint64
	Retransmits       uint64
	FragmentsReceived uint64
	BytesSent         uint64
	BytesReceived     uint64
	Completed         uint64
	Failed            uint64
}

// Manager owns every stream session of a node
type Manager struct {
	cfg    *Config
	logger *zap.Logger

	mu       sync.Mutex
	outbound map[sessionKey]*Outbound
	inbound  map[sessionKey]*Inbound
	finished map[sessionKey]uint32
	ready    map[sessionKey]struct{}
	closed   bool

	fragmentsSent     atomic.Uint64
	retransmits       atomic.Uint64
	fragmentsReceived atomic.Uint64
	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
	completed         atomic.Uint64
	failed            atomic.Uint64
}

// NewManager creates a stream manager
func NewManager(cfg *Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stream config: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Linger <= 0 {
		cfg.Linger = cfg.Deadline
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "stream")),
		outbound: make(map[sessionKey]*Outbound),
		inbound:  make(map[sessionKey]*Inbound),
		finished: make(map[sessionKey]uint32),
		ready:    make(map[sessionKey]struct{}),
	}, nil
}

// NewConnectionID returns a random connection id not in use with peer
func (m *Manager) NewConnectionID(peer string) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		id := uint16(rand.Intn(1 << 16))
		k := sessionKey{peer: peer, conn: id}
		_, out := m.outbound[k]
		_, in := m.inbound[k]
		_, done := m.finished[k]
		if !out && !in && !done {
			return id
		}
	}
}

// Active returns the number of open sessions
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outbound) + len(m.inbound)
}

// Stats returns a snapshot of the counters
func (m *Manager) Stats() Stats {
	return Stats{
		FragmentsSent:     m.fragmentsSent.Load(),
		Retransmits:       m.retransmits.Load(),
		FragmentsReceived: m.fragmentsReceived.Load(),
		BytesSent:         m.bytesSent.Load(),
		BytesReceived:     m.bytesReceived.Load(),
		Completed:         m.completed.Load(),
		Failed:            m.failed.Load(),
	}
}

// StartSend registers an outbound session for payload. Fragments flow once the receiver is ready.
func (m *Manager) StartSend(peer string, connID uint16, payload []byte) (*Outbound, error) {
	if len(payload) > m.cfg.MaxPayload {
		return nil, content.NewTransferError(
			fmt.Sprintf("payload of %d bytes exceeds stream limit %d", len(payload), m.cfg.MaxPayload), peer, nil)
	}

	k := sessionKey{peer: peer, conn: connID}
	o := &Outbound{
		session: newSession(m, k),
		frags:   split(payload, m.cfg.FragmentSize),
	}
	o.sentAt = make([]time.Time, len(o.frags))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, content.NewTransferError("stream manager closed", peer, nil)
	}
	if _, exists := m.outbound[k]; exists {
		m.mu.Unlock()
		return nil, content.NewTransferError(fmt.Sprintf("connection %d already sending", connID), peer, nil)
	}
	m.outbound[k] = o
	_, ready := m.ready[k]
	delete(m.ready, k)
	m.mu.Unlock()

	if ready {
		o.handleAck(0)
	}
	go o.run(o.onTick, o.finish)
	return o, nil
}

// Expect registers an inbound session and starts announcing readiness to peer
func (m *Manager) Expect(peer string, connID uint16) (*Inbound, error) {
	k := sessionKey{peer: peer, conn: connID}
	in := &Inbound{session: newSession(m, k)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, content.NewTransferError("stream manager closed", peer, nil)
	}
	if _, exists := m.inbound[k]; exists {
		m.mu.Unlock()
		return nil, content.NewTransferError(fmt.Sprintf("connection %d already receiving", connID), peer, nil)
	}
	delete(m.finished, k)
	m.inbound[k] = in
	m.mu.Unlock()

	in.sendAck(0)
	go in.run(in.onTick, in.finish)
	return in, nil
}

// HandleData processes a STREAM_DATA body from peer
func (m *Manager) HandleData(peer string, body *wire.StreamDataBody) {
	k := sessionKey{peer: peer, conn: body.ConnID}

	m.mu.Lock()
	in := m.inbound[k]
	total, finished := m.finished[k]
	m.mu.Unlock()

	if in == nil {
		if finished {
			// our final ack was lost; repeat it so the sender can finish
			m.send(peer, constants.KindStreamAck, &wire.StreamAckBody{ConnID: body.ConnID, Next: total})
		}
		return
	}
	in.handleData(body)
}

// HandleAck processes a STREAM_ACK body from peer. A ready acknowledgement that arrives before
// the matching StartSend is remembered for a while.
func (m *Manager) HandleAck(peer string, body *wire.StreamAckBody) {
	k := sessionKey{peer: peer, conn: body.ConnID}

	m.mu.Lock()
	o := m.outbound[k]
	if o == nil && body.Next == 0 && !m.closed {
		if _, seen := m.ready[k]; !seen {
			m.ready[k] = struct{}{}
			m.cfg.Clock.AfterFunc(m.cfg.Linger, func() {
				m.mu.Lock()
				delete(m.ready, k)
				m.mu.Unlock()
			})
		}
	}
	m.mu.Unlock()

	if o != nil {
		o.handleAck(body.Next)
	}
}

// Abort fails both directions of the session with peer on connID
func (m *Manager) Abort(peer string, connID uint16) {
	k := sessionKey{peer: peer, conn: connID}

	m.mu.Lock()
	o := m.outbound[k]
	in := m.inbound[k]
	m.mu.Unlock()

	if o != nil {
		o.finish(content.NewTransferError("stream aborted", peer, nil))
	}
	if in != nil {
		in.finish(content.NewTransferError("stream aborted", peer, nil))
	}
}

// Close fails every open session
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]interface{ finish(error) }, 0, len(m.outbound)+len(m.inbound))
	for _, o := range m.outbound {
		sessions = append(sessions, o)
	}
	for _, in := range m.inbound {
		sessions = append(sessions, in)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.finish(content.NewTransferError("stream manager closed", "", nil))
	}
}

func (m *Manager) send(peer string, kind uint16, body interface{}) {
	if err := m.cfg.Send(peer, kind, body); err != nil {
		m.logger.Debug("stream send failed",
			zap.String("peer", peer),
			zap.String("kind", wire.KindName(kind)),
			zap.Error(err))
	}
}

func (m *Manager) remove(k sessionKey, s interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.outbound[k]; ok && interface{}(o) == s {
		delete(m.outbound, k)
	}
	if in, ok := m.inbound[k]; ok && interface{}(in) == s {
		delete(m.inbound, k)
	}
}

func (m *Manager) linger(k sessionKey, total uint32) {
	m.mu.Lock()
	m.finished[k] = total
	m.mu.Unlock()

	m.cfg.Clock.AfterFunc(m.cfg.Linger, func() {
		m.mu.Lock()
		if _, active := m.inbound[k]; !active {
			delete(m.finished, k)
		}
		m.mu.Unlock()
	})
}

// session holds what both directions share: timers, completion and the lock
type session struct {
	m   *Manager
	key sessionKey

	mu       sync.Mutex
	ticker   *clock.Ticker
	idle     *clock.Timer
	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func newSession(m *Manager, k sessionKey) *session {
	return &session{
		m:      m,
		key:    k,
		ticker: m.cfg.Clock.Ticker(m.cfg.RetransmitTimeout),
		idle:   m.cfg.Clock.Timer(m.cfg.Deadline),
		done:   make(chan struct{}),
	}
}

func (s *session) run(tick func(), finish func(error)) {
	defer s.ticker.Stop()
	defer s.idle.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			tick()
		case <-s.idle.C:
			s.m.logger.Debug("stream idle deadline exceeded",
				zap.String("peer", s.key.peer),
				zap.Uint16("conn_id", s.key.conn))
			finish(content.NewTransferError(
				fmt.Sprintf("stream %d made no progress for %s", s.key.conn, s.m.cfg.Deadline), s.key.peer,
				content.NewTimeoutError("stream deadline exceeded", s.key.peer)))
			return
		}
	}
}

// progress pushes the idle deadline out; the caller holds s.mu
func (s *session) progress() {
	s.idle.Reset(s.m.cfg.Deadline)
}

// complete records the outcome once and wakes waiters
func (s *session) complete(err error) bool {
	first := false
	s.doneOnce.Do(func() {
		first = true
		s.err = err
		close(s.done)
		if err != nil {
			s.m.failed.Add(1)
		} else {
			s.m.completed.Add(1)
		}
	})
	return first
}

func (s *session) wait(ctx context.Context, self interface{ finish(error) }) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		self.finish(content.NewTransferError("stream wait cancelled", s.key.peer, ctx.Err()))
		<-s.done
		return s.err
	}
}

// Outbound is the sending side of a session
type Outbound struct {
	*session

	frags   [][]byte
	sentAt  []time.Time
	started bool
	base    int // first unacknowledged fragment
	next    int // first fragment never sent
}

// ConnID returns the session's connection id
func (o *Outbound) ConnID() uint16 {
	return o.key.conn
}

// Wait blocks until the receiver acknowledged every fragment, the session failed, or ctx ends
func (o *Outbound) Wait(ctx context.Context) error {
	return o.wait(ctx, o)
}

// Done is closed when the session finishes
func (o *Outbound) Done() <-chan struct{} {
	return o.done
}

func (o *Outbound) finish(err error) {
	o.m.remove(o.key, o)
	o.complete(err)
}

func (o *Outbound) handleAck(next uint32) {
	o.mu.Lock()
	total := len(o.frags)
	if int(next) > total {
		o.mu.Unlock()
		return
	}

	if !o.started {
		o.started = true
		o.progress()
	}
	if int(next) > o.base {
		o.base = int(next)
		o.progress()
	}
	done := o.base == total
	if !done {
		o.fillWindow()
	}
	o.mu.Unlock()

	if done {
		o.finish(nil)
	}
}

// fillWindow sends fragments never sent before that fit in the window; the caller holds o.mu
func (o *Outbound) fillWindow() {
	for o.next < len(o.frags) && o.next < o.base+o.m.cfg.Window {
		o.sendFragment(o.next)
		o.next++
	}
}

func (o *Outbound) sendFragment(i int) {
	o.sentAt[i] = o.m.cfg.Clock.Now()
	o.m.fragmentsSent.Add(1)
	o.m.bytesSent.Add(uint64(len(o.frags[i])))
	o.m.send(o.key.peer, constants.KindStreamData, &wire.StreamDataBody{
		ConnID: o.key.conn,
		Index:  uint32(i),
		Total:  uint32(len(o.frags)),
		Data:   o.frags[i],
	})
}

func (o *Outbound) onTick() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		return
	}
	now := o.m.cfg.Clock.Now()
	for i := o.base; i < o.next; i++ {
		if now.Sub(o.sentAt[i]) >= o.m.cfg.RetransmitTimeout {
			o.m.retransmits.Add(1)
			o.sendFragment(i)
		}
	}
}

// Inbound is the receiving side of a session
type Inbound struct {
	*session

	frags    [][]byte
	have     []bool
	total    int
	next     int // first missing fragment
	started  bool
	payload  []byte
	received int
}

// ConnID returns the session's connection id
func (in *Inbound) ConnID() uint16 {
	return in.key.conn
}

// Wait blocks until the whole payload arrived, the session failed, or ctx ends
func (in *Inbound) Wait(ctx context.Context) ([]byte, error) {
	if err := in.wait(ctx, in); err != nil {
		return nil, err
	}
	return in.payload, nil
}

func (in *Inbound) finish(err error) {
	in.m.remove(in.key, in)
	if in.complete(err) {
		in.mu.Lock()
		in.frags = nil
		in.have = nil
		in.mu.Unlock()
	}
}

func (in *Inbound) sendAck(next int) {
	in.m.send(in.key.peer, constants.KindStreamAck, &wire.StreamAckBody{ConnID: in.key.conn, Next: uint32(next)})
}

func (in *Inbound) maxFragments() int {
	n := (in.m.cfg.MaxPayload + in.m.cfg.FragmentSize - 1) / in.m.cfg.FragmentSize
	if n == 0 {
		n = 1
	}
	return n
}

func (in *Inbound) handleData(body *wire.StreamDataBody) {
	in.mu.Lock()

	select {
	case <-in.done:
		in.mu.Unlock()
		return
	default:
	}

	if in.total == 0 {
		if body.Total == 0 || int(body.Total) > in.maxFragments() {
			in.mu.Unlock()
			in.m.logger.Debug("dropping fragment with bad total",
				zap.String("peer", in.key.peer), zap.Uint32("total", body.Total))
			return
		}
		in.total = int(body.Total)
		in.frags = make([][]byte, in.total)
		in.have = make([]bool, in.total)
	}
	in.started = true

	idx := int(body.Index)
	switch {
	case int(body.Total) != in.total,
		len(body.Data) > in.m.cfg.FragmentSize,
		idx >= in.total,
		idx < in.next,
		idx >= in.next+in.m.cfg.Window,
		in.have[idx]:
		// duplicate or out of window; the ack tells the sender where we are
		next := in.next
		in.mu.Unlock()
		in.sendAck(next)
		return
	}

	in.frags[idx] = append([]byte(nil), body.Data...)
	in.have[idx] = true
	in.received += len(body.Data)
	in.m.fragmentsReceived.Add(1)
	in.m.bytesReceived.Add(uint64(len(body.Data)))
	for in.next < in.total && in.have[in.next] {
		in.next++
	}
	in.progress()

	next := in.next
	if next < in.total {
		in.mu.Unlock()
		in.sendAck(next)
		return
	}

	payload := make([]byte, 0, in.received)
	for _, f := range in.frags {
		payload = append(payload, f...)
	}
	in.payload = payload
	in.mu.Unlock()

	in.m.linger(in.key, uint32(next))
	in.sendAck(next)
	in.finish(nil)
}

func (in *Inbound) onTick() {
	in.mu.Lock()
	started := in.started
	in.mu.Unlock()

	if !started {
		in.sendAck(0)
	}
}

// split cuts payload into fragments; an empty payload is one empty fragment
func split(payload []byte, size int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	frags := make([][]byte, 0, (len(payload)+size-1)/size)
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		frags = append(frags, payload[off:end])
	}
	return frags
}
