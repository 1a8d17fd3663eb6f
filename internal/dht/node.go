// Package dht implements Kademlia-style routing over 256-bit node ids and the history
// network's request/response protocol on top of it.
package dht

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"math/bits"
	"time"

	"lukechampine.com/blake3"

	"github.com/WebFirstLanguage/historynet/pkg/content"
	"github.com/WebFirstLanguage/historynet/pkg/wire"
)

// NodeID represents a 256-bit node identifier in the DHT keyspace
type NodeID [32]byte

// Node represents a peer node in the DHT
type Node struct {
	ID       NodeID     // 256-bit node identifier
	Addr     string     // Transport address
	LastSeen time.Time  // Last time we heard from this node
	Radius   content.ID // Advertised content radius
	Failures int        // Consecutive unanswered requests
}

// NewNodeID derives a NodeID from an Ed25519 public key using BLAKE3
func NewNodeID(pub ed25519.PublicKey) NodeID {
	return NodeID(blake3.Sum256(pub))
}

// ParseNodeID decodes a hex node id
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid node id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid node id length: %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// NewNode creates a new DHT node. Until a PONG says otherwise the node is assumed
// to be interested in the whole keyspace.
func NewNode(id NodeID, addr string) *Node {
	return &Node{
		ID:       id,
		Addr:     addr,
		LastSeen: time.Now(),
		Radius:   content.MaxRadius,
	}
}

// NodeFromRecord converts a wire node record
func NodeFromRecord(rec wire.NodeRecord) (*Node, error) {
	if len(rec.ID) != wire.NodeIDSize {
		return nil, fmt.Errorf("node record id must be %d bytes, got %d", wire.NodeIDSize, len(rec.ID))
	}
	if rec.Addr == "" {
		return nil, fmt.Errorf("node record has no address")
	}
	var id NodeID
	copy(id[:], rec.ID)
	return NewNode(id, rec.Addr), nil
}

// Distance calculates the XOR distance between two node IDs
func (n NodeID) Distance(other NodeID) NodeID {
	var result NodeID
	for i := 0; i < 32; i++ {
		result[i] = n[i] ^ other[i]
	}
	return result
}

// LogDistance returns the bit length of the XOR distance: 0 for equal ids, 256 when the first bit differs
func (n NodeID) LogDistance(other NodeID) int {
	return 256 - n.CommonPrefixLen(other)
}

// CommonPrefixLen returns the number of leading bits that are the same
func (n NodeID) CommonPrefixLen(other NodeID) int {
	for i := 0; i < 32; i++ {
		if xor := n[i] ^ other[i]; xor != 0 {
			return i*8 + bits.LeadingZeros8(xor)
		}
	}
	return 256
}

// Less returns true if this NodeID is less than the other (for sorting)
func (n NodeID) Less(other NodeID) bool {
	return bytes.Compare(n[:], other[:]) < 0
}

// String returns the hex representation of the NodeID
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Short returns an abbreviated id for logs
func (n NodeID) Short() string {
	return hex.EncodeToString(n[:4])
}

// Bytes returns the NodeID as a byte slice
func (n NodeID) Bytes() []byte {
	return n[:]
}

// IsZero returns true if the NodeID is all zeros
func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

// Covers reports whether id falls within the node's advertised radius
func (n *Node) Covers(id content.ID) bool {
	return !n.Radius.Less(id.Distance(n.ID))
}

// Record converts the node to its wire form
func (n *Node) Record() wire.NodeRecord {
	return wire.NodeRecord{ID: append([]byte(nil), n.ID[:]...), Addr: n.Addr}
}

// Copy creates a copy of the node
func (n *Node) Copy() *Node {
	c := *n
	return &c
}

// String returns a string representation of the node
func (n *Node) String() string {
	return fmt.Sprintf("Node{ID: %s..., Addr: %s, LastSeen: %v}",
		n.ID.String()[:16], n.Addr, n.LastSeen.Format(time.RFC3339))
}
