package stream

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/historynet/pkg/constants"
	"github.com/WebFirstLanguage/historynet/pkg/content"
	"github.com/WebFirstLanguage/historynet/pkg/wire"
)

type frame struct {
	from string
	kind uint16
	body interface{}
}

// pair wires two managers together through an in-order pump with an optional drop filter
type pair struct {
	clock *clock.Mock
	a, b  *Manager

	mu   sync.Mutex
	drop func(f frame) bool
	seen []frame

	ch   chan frame
	stop chan struct{}
	wg   sync.WaitGroup
}

func newPair(t *testing.T) *pair {
	t.Helper()
	p := &pair{
		clock: clock.NewMock(),
		ch:    make(chan frame, 4096),
		stop:  make(chan struct{}),
	}

	newManager := func(self string) *Manager {
		cfg := DefaultConfig()
		cfg.Clock = p.clock
		cfg.FragmentSize = 10
		cfg.Window = 3
		cfg.MaxPayload = 1000
		cfg.Send = func(peer string, kind uint16, body interface{}) error {
			p.ch <- frame{from: self, kind: kind, body: body}
			return nil
		}
		m, err := NewManager(cfg)
		require.NoError(t, err)
		return m
	}
	p.a = newManager("a")
	p.b = newManager("b")

	p.wg.Add(1)
	go p.pump()
	t.Cleanup(func() {
		close(p.stop)
		p.wg.Wait()
		p.a.Close()
		p.b.Close()
	})
	return p
}

func (p *pair) pump() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case f := <-p.ch:
			p.mu.Lock()
			p.seen = append(p.seen, f)
			drop := p.drop != nil && p.drop(f)
			p.mu.Unlock()
			if drop {
				continue
			}

			dst, from := p.b, "a"
			if f.from == "b" {
				dst, from = p.a, "b"
			}
			switch body := f.body.(type) {
			case *wire.StreamDataBody:
				dst.HandleData(from, body)
			case *wire.StreamAckBody:
				dst.HandleAck(from, body)
			}
		}
	}
}

func (p *pair) setDrop(fn func(f frame) bool) {
	p.mu.Lock()
	p.drop = fn
	p.mu.Unlock()
}

func (p *pair) count(fn func(f frame) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, f := range p.seen {
		if fn(f) {
			n++
		}
	}
	return n
}

func randomPayload(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestTransferCompletes(t *testing.T) {
	p := newPair(t)
	payload := randomPayload(t, 95)

	out, err := p.a.StartSend("b", 7, payload)
	require.NoError(t, err)
	in, err := p.b.Expect("a", 7)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := in.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	require.NoError(t, out.Wait(ctx))

	assert.Equal(t, uint64(10), p.a.Stats().FragmentsSent)
	assert.Equal(t, uint64(95), p.b.Stats().BytesReceived)
	assert.Eventually(t, func() bool { return p.a.Active() == 0 && p.b.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSenderWaitsForReadyAck(t *testing.T) {
	p := newPair(t)

	_, err := p.a.StartSend("b", 1, randomPayload(t, 30))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, p.count(func(f frame) bool { return f.kind == constants.KindStreamData }))
}

func TestReadyAckBeforeStartSendIsRemembered(t *testing.T) {
	p := newPair(t)
	payload := randomPayload(t, 25)

	in, err := p.b.Expect("a", 4)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return p.count(func(f frame) bool { return f.kind == constants.KindStreamAck }) > 0
	}, time.Second, time.Millisecond)

	out, err := p.a.StartSend("b", 4, payload)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := in.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	require.NoError(t, out.Wait(ctx))
}

func TestLostFragmentIsRetransmitted(t *testing.T) {
	p := newPair(t)
	payload := randomPayload(t, 60)

	var once sync.Once
	p.setDrop(func(f frame) bool {
		d, ok := f.body.(*wire.StreamDataBody)
		dropped := false
		if ok && d.Index == 2 {
			once.Do(func() { dropped = true })
		}
		return dropped
	})

	out, err := p.a.StartSend("b", 9, payload)
	require.NoError(t, err)
	in, err := p.b.Expect("a", 9)
	require.NoError(t, err)

	// fragments 0..2 go out, 2 is lost; the receiver acks up to 2 and waits
	require.Eventually(t, func() bool {
		return p.count(func(f frame) bool {
			a, ok := f.body.(*wire.StreamAckBody)
			return ok && a.Next == 2
		}) > 0
	}, time.Second, time.Millisecond)

	done := make(chan struct{})
	var got []byte
	go func() {
		defer close(done)
		got, err = in.Wait(context.Background())
	}()

	for i := 0; i < 20; i++ {
		select {
		case <-done:
			i = 20
		default:
			p.clock.Add(constants.StreamRetransmitTimeout)
			time.Sleep(5 * time.Millisecond)
		}
	}
	<-done
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	require.NoError(t, out.Wait(context.Background()))
	assert.GreaterOrEqual(t, p.a.Stats().Retransmits, uint64(1))
}

func TestDuplicateAndOutOfWindowFragmentsAreDropped(t *testing.T) {
	p := newPair(t)
	p.setDrop(func(f frame) bool { return true })

	in, err := p.b.Expect("a", 3)
	require.NoError(t, err)

	data := func(i uint32) *wire.StreamDataBody {
		return &wire.StreamDataBody{ConnID: 3, Index: i, Total: 5, Data: []byte{byte(i)}}
	}

	p.b.HandleData("a", data(0))
	p.b.HandleData("a", data(0))
	p.b.HandleData("a", data(4)) // beyond window of 3
	p.b.HandleData("a", &wire.StreamDataBody{ConnID: 3, Index: 1, Total: 6, Data: []byte{1}})
	assert.Equal(t, uint64(1), p.b.Stats().FragmentsReceived)

	for i := uint32(1); i < 5; i++ {
		p.b.HandleData("a", data(i))
	}
	got, err := in.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3, 4}, got)

	// a retransmitted final fragment is answered with the final ack
	before := p.count(func(f frame) bool {
		a, ok := f.body.(*wire.StreamAckBody)
		return ok && a.Next == 5
	})
	p.b.HandleData("a", data(4))
	require.Eventually(t, func() bool {
		return p.count(func(f frame) bool {
			a, ok := f.body.(*wire.StreamAckBody)
			return ok && a.Next == 5
		}) > before
	}, time.Second, time.Millisecond)
}

func TestIdleDeadlineFailsTransfer(t *testing.T) {
	p := newPair(t)

	in, err := p.b.Expect("a", 2)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := in.Wait(context.Background())
		done <- err
	}()

	p.clock.Add(constants.StreamDeadline + time.Second)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, content.ErrTransferFailed))
		assert.True(t, errors.Is(err, content.ErrTimeout))
	case <-time.After(2 * time.Second):
		t.Fatal("deadline did not fire")
	}
	assert.Equal(t, uint64(1), p.b.Stats().Failed)
}

func TestAbortAndCancel(t *testing.T) {
	p := newPair(t)

	out, err := p.a.StartSend("b", 5, []byte("hello"))
	require.NoError(t, err)
	p.a.Abort("b", 5)
	err = out.Wait(context.Background())
	assert.True(t, errors.Is(err, content.ErrTransferFailed))

	in, err := p.b.Expect("a", 6)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = in.Wait(ctx)
	assert.True(t, errors.Is(err, content.ErrTransferFailed))
	assert.True(t, errors.Is(err, context.Canceled))

	assert.Eventually(t, func() bool { return p.b.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStartSendRejectsOversizedAndDuplicate(t *testing.T) {
	p := newPair(t)

	_, err := p.a.StartSend("b", 1, make([]byte, 1001))
	assert.True(t, errors.Is(err, content.ErrTransferFailed))

	_, err = p.a.StartSend("b", 1, []byte("x"))
	require.NoError(t, err)
	_, err = p.a.StartSend("b", 1, []byte("y"))
	assert.Error(t, err)

	_, err = p.b.Expect("a", 1)
	require.NoError(t, err)
	_, err = p.b.Expect("a", 1)
	assert.Error(t, err)
}

func TestEmptyPayload(t *testing.T) {
	p := newPair(t)

	out, err := p.a.StartSend("b", 8, nil)
	require.NoError(t, err)
	in, err := p.b.Expect("a", 8)
	require.NoError(t, err)

	got, err := in.Wait(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, out.Wait(context.Background()))
}

func TestConnectionIDsAreUnique(t *testing.T) {
	p := newPair(t)
	seen := make(map[uint16]bool)
	for i := 0; i < 50; i++ {
		id := p.a.NewConnectionID("b")
		_, err := p.a.StartSend("b", id, []byte("x"))
		require.NoError(t, err)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestSplit(t *testing.T) {
	frags := split(bytes.Repeat([]byte{1}, 25), 10)
	require.Len(t, frags, 3)
	assert.Len(t, frags[2], 5)
	assert.Len(t, split(nil, 10), 1)

	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate())
}
