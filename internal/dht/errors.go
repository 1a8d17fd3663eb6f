package dht

import "errors"

var (
	// ErrAlreadyStarted Start was called twice
	ErrAlreadyStarted = errors.New("dht: already started")

	// ErrNotStarted the DHT is not running
	ErrNotStarted = errors.New("dht: not started")

	// ErrNoPeers the routing table has nobody to ask
	ErrNoPeers = errors.New("dht: no peers to query")

	// ErrUnexpectedResponse a response of the wrong kind arrived for a request
	ErrUnexpectedResponse = errors.New("dht: unexpected response")

	// ErrFrameTooLarge an outgoing frame does not fit one packet
	ErrFrameTooLarge = errors.New("dht: frame exceeds packet size")

	// ErrTooManyKeys an offer carries more keys than one packet holds
	ErrTooManyKeys = errors.New("dht: too many keys in offer")

	// ErrRateLimitExceeded a peer sent requests faster than allowed
	ErrRateLimitExceeded = errors.New("dht: rate limit exceeded")

	// ErrNoSeeds bootstrap has no seed nodes
	ErrNoSeeds = errors.New("dht: no seed nodes configured")
)
