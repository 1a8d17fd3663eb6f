package quic

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/historynet/pkg/transport"
)

type received struct {
	from    string
	payload []byte
}

func listenTest(t *testing.T) (*Transport, chan received) {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg := transport.DefaultConfig()
	cfg.Logger = zap.NewNop()
	tr, err := Listen("127.0.0.1:0", key, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	ch := make(chan received, 16)
	tr.SetHandler(func(from string, payload []byte) {
		ch <- received{from: from, payload: payload}
	})
	return tr, ch
}

func TestSendAndReplyOnSharedSocket(t *testing.T) {
	a, aIn := listenTest(t)
	b, bIn := listenTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, b.LocalAddr(), []byte("ping")))

	var got received
	select {
	case got = <-bIn:
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
	assert.Equal(t, []byte("ping"), got.payload)
	// the sender's address is its listen address, so replies reach it
	assert.Equal(t, a.LocalAddr(), got.from)

	require.NoError(t, b.Send(ctx, got.from, []byte("pong")))
	select {
	case got = <-aIn:
		assert.Equal(t, []byte("pong"), got.payload)
	case <-ctx.Done():
		t.Fatal("reply not delivered")
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	a, _ := listenTest(t)
	b, _ := listenTest(t)

	err := a.Send(context.Background(), b.LocalAddr(), bytes.Repeat([]byte{1}, transport.DefaultConfig().MaxPayload+1))
	assert.True(t, errors.Is(err, transport.ErrPacketTooLarge))
}

func TestSendAfterClose(t *testing.T) {
	a, _ := listenTest(t)
	b, _ := listenTest(t)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	err := a.Send(context.Background(), b.LocalAddr(), []byte("x"))
	assert.True(t, errors.Is(err, transport.ErrClosed))
}

func TestLengthPrefixedFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, []byte("hello")))
	assert.Equal(t, []byte{0, 0, 0, 5}, buf.Bytes()[:4])

	got, err := readMessage(bytes.NewReader(buf.Bytes()), 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	_, err = readMessage(bytes.NewReader(buf.Bytes()), 4)
	assert.Error(t, err)
	_, err = readMessage(bytes.NewReader(buf.Bytes()[:6]), 16)
	assert.Error(t, err)
}

func TestCertificateCarriesNodeKey(t *testing.T) {
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cert, err := generateCertificate(key)
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, pub, cert.Leaf.PublicKey)
}
