package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/historynet/pkg/transport"
)

type collector struct {
	mu   sync.Mutex
	msgs []string
	from []string
}

func (c *collector) handle(from string, payload []byte) {
	c.mu.Lock()
	c.msgs = append(c.msgs, string(payload))
	c.from = append(c.from, from)
	c.mu.Unlock()
}

func (c *collector) snapshot() ([]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...), append([]string(nil), c.from...)
}

func TestDeliversInOrder(t *testing.T) {
	n := NewNetwork()
	a, err := n.Listen("a")
	require.NoError(t, err)
	b, err := n.Listen("b")
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	var c collector
	b.SetHandler(c.handle)

	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, a.Send(context.Background(), "b", []byte(m)))
	}

	require.Eventually(t, func() bool {
		msgs, _ := c.snapshot()
		return len(msgs) == 3
	}, time.Second, 5*time.Millisecond)

	msgs, from := c.snapshot()
	assert.Equal(t, []string{"1", "2", "3"}, msgs)
	assert.Equal(t, []string{"a", "a", "a"}, from)
}

func TestEnforcesPacketLimit(t *testing.T) {
	n := NewNetwork()
	n.SetMaxPayload(10)
	a, err := n.Listen("a")
	require.NoError(t, err)
	_, err = n.Listen("b")
	require.NoError(t, err)

	err = a.Send(context.Background(), "b", make([]byte, 11))
	assert.True(t, errors.Is(err, transport.ErrPacketTooLarge))
	assert.NoError(t, a.Send(context.Background(), "b", make([]byte, 10)))
}

func TestDropFilterAndUnknownPeer(t *testing.T) {
	n := NewNetwork()
	a, err := n.Listen("a")
	require.NoError(t, err)
	b, err := n.Listen("b")
	require.NoError(t, err)

	var c collector
	b.SetHandler(c.handle)
	n.SetDropFilter(func(from, to string, payload []byte) bool {
		return string(payload) == "drop"
	})

	require.NoError(t, a.Send(context.Background(), "b", []byte("drop")))
	require.NoError(t, a.Send(context.Background(), "b", []byte("keep")))
	// unknown destinations behave like packet loss
	require.NoError(t, a.Send(context.Background(), "nowhere", []byte("x")))

	require.Eventually(t, func() bool {
		msgs, _ := c.snapshot()
		return len(msgs) == 1
	}, time.Second, 5*time.Millisecond)
	msgs, _ := c.snapshot()
	assert.Equal(t, []string{"keep"}, msgs)
}

func TestCloseDetaches(t *testing.T) {
	n := NewNetwork()
	a, err := n.Listen("a")
	require.NoError(t, err)

	_, err = n.Listen("a")
	assert.Error(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.True(t, errors.Is(a.Send(context.Background(), "b", nil), transport.ErrClosed))

	again, err := n.Listen("a")
	require.NoError(t, err)
	assert.Equal(t, "a", again.LocalAddr())
}

func TestSendHonoursCancelledContext(t *testing.T) {
	n := NewNetwork()
	a, err := n.Listen("a")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.Send(ctx, "a", []byte("x")), context.Canceled)
}
