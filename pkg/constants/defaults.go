// Package constants defines protocol-wide constants shared by the history network packages
package constants

import "time"

// DHT Configuration
const (
	// Bucket size K=16, alpha=3
	DHTBucketSize = 16
	DHTAlpha      = 3

	// Replacement cache entries kept per bucket
	DHTReplacementCacheSize = 8

	// Consecutive failed exchanges before a node is replaced
	DHTMaxFailures = 3

	// Upper bound on FINDCONTENT/FINDNODES queries per iterative lookup
	LookupMaxQueries = 64

	// Peers offered each new item during neighborhood gossip
	GossipFanout = 4
)

// Timing Configuration
const (
	RequestTimeout      = 2 * time.Second
	LookupTimeout       = 30 * time.Second
	MaintenanceInterval = 30 * time.Second

	// Stream transfer timers
	StreamRetransmitTimeout = 250 * time.Millisecond
	StreamDeadline          = 15 * time.Second
)

// Data Configuration
const (
	// Number of headers committed per epoch accumulator
	EpochSize = 8192

	// Bytes per stream fragment; a full fragment frame must fit MaxPacketSize
	StreamFragmentSize = 1000

	// Fragments in flight per stream session
	StreamWindow = 8

	// Largest payload accepted by a single stream session (4 MiB)
	StreamMaxPayload = 4 << 20

	// Default content store budget (1 GiB)
	DefaultStorageCapacity = 1 << 30
)

// Protocol Configuration
const (
	// Protocol version
	ProtocolVersion = 1

	// Largest datagram the discovery transport carries
	MaxPacketSize = 1280

	// History network protocol identifier
	HistoryProtocolID = "\x50\x0b"

	// Default port
	DefaultQUICPort = 9009

	// Mainnet chain id used in header keys
	MainnetChainID = 1
)

// Error Codes
const (
	ErrorMalformed       = 1
	ErrorUnknownKind     = 2
	ErrorTooLarge        = 3
	ErrorRateLimit       = 4
	ErrorVersionMismatch = 5
)

// Message Kinds
const (
	KindError       = 0
	KindPing        = 1
	KindPong        = 2
	KindFindNodes   = 3
	KindNodes       = 4
	KindFindContent = 5
	KindContent     = 6
	KindOffer       = 7
	KindAccept      = 8
	KindStreamData  = 9
	KindStreamAck   = 10
)
