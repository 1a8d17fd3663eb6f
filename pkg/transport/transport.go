// Package transport provides the datagram-style send/receive primitive the protocol engine runs on.
// Implementations deliver whole frames; ordering and reliability are not guaranteed.
package transport

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/historynet/pkg/wire"
)

var (
	// ErrPacketTooLarge is returned when a payload exceeds the transport's packet limit
	ErrPacketTooLarge = errors.New("packet too large")

	// ErrClosed is returned when sending on a closed transport
	ErrClosed = errors.New("transport closed")
)

// Handler receives every inbound payload along with the sender's address
type Handler func(from string, payload []byte)

// Transport sends and receives frames addressed by string
type Transport interface {
	// Send delivers payload to addr
	Send(ctx context.Context, addr string, payload []byte) error

	// SetHandler installs the receive callback
	SetHandler(h Handler)

	// LocalAddr returns the address peers reach this transport at
	LocalAddr() string

	// Close stops the transport
	Close() error
}

// Config holds settings shared by transport implementations
type Config struct {
	// Largest payload accepted by Send
	MaxPayload int

	// Connection idle timeout
	MaxIdleTimeout time.Duration

	// Keep-alive period
	KeepAlive time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns a default transport configuration
func DefaultConfig() *Config {
	return &Config{
		MaxPayload:     wire.DefaultMaxPayloadSize,
		MaxIdleTimeout: 5 * time.Minute,
		KeepAlive:      30 * time.Second,
		Logger:         zap.NewNop(),
	}
}

// CheckSize returns ErrPacketTooLarge when payload exceeds limit
func CheckSize(payload []byte, limit int) error {
	if limit > 0 && len(payload) > limit {
		return ErrPacketTooLarge
	}
	return nil
}
