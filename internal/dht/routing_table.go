package dht

import (
	"sort"
	"sync"
	"time"

	"github.com/WebFirstLanguage/historynet/pkg/constants"
	"github.com/WebFirstLanguage/historynet/pkg/content"
)

// AddResult reports what AddNode did with a node
type AddResult int

const (
	// Added means the node now occupies a bucket slot
	Added AddResult = iota
	// Full means the bucket had no room; the node went to the replacement cache
	Full
	// AlreadyPresent means the node was known; its address and last-seen time were refreshed
	AlreadyPresent
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case Full:
		return "full"
	case AlreadyPresent:
		return "already-present"
	default:
		return "unknown"
	}
}

// RoutingTable implements a Kademlia routing table with 256 buckets indexed by log distance.
// Nodes are never evicted to make room; a bucket entry only leaves after repeated failures or Remove.
type RoutingTable struct {
	mu          sync.RWMutex
	localID     NodeID
	buckets     [256]*bucket
	maxFailures int
}

// NewRoutingTable creates a new routing table for the given local node ID
func NewRoutingTable(localID NodeID, bucketSize, replacements, maxFailures int) *RoutingTable {
	if bucketSize <= 0 {
		bucketSize = constants.DHTBucketSize
	}
	if maxFailures <= 0 {
		maxFailures = constants.DHTMaxFailures
	}

	rt := &RoutingTable{
		localID:     localID,
		maxFailures: maxFailures,
	}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket(bucketSize, replacements)
	}
	return rt
}

// LocalID returns the id the table is centred on
func (rt *RoutingTable) LocalID() NodeID {
	return rt.localID
}

// AddNode inserts node or refreshes it if already known
func (rt *RoutingTable) AddNode(node *Node) AddResult {
	if node.ID == rt.localID {
		return AlreadyPresent
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.bucketFor(node.ID)
	if i := b.index(node.ID); i >= 0 {
		existing := b.nodes[i]
		if node.Addr != "" {
			existing.Addr = node.Addr
		}
		existing.LastSeen = time.Now()
		return AlreadyPresent
	}

	n := node.Copy()
	if b.full() {
		b.addReplacement(n)
		return Full
	}
	b.removeReplacement(n.ID)
	b.nodes = append(b.nodes, n)
	return Added
}

// Remove removes a node and fills its slot from the replacement cache
func (rt *RoutingTable) Remove(id NodeID) bool {
	if id == rt.localID {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.bucketFor(id)
	i := b.index(id)
	if i < 0 {
		return b.removeReplacement(id)
	}
	b.remove(i)
	b.promoteReplacement()
	return true
}

// Node returns a copy of the entry for id
func (rt *RoutingTable) Node(id NodeID) (*Node, bool) {
	if id == rt.localID {
		return nil, false
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	b := rt.bucketFor(id)
	if i := b.index(id); i >= 0 {
		return b.nodes[i].Copy(), true
	}
	return nil, false
}

// MarkResponsive records an answered request: the node becomes most recently seen
func (rt *RoutingTable) MarkResponsive(id NodeID) {
	if id == rt.localID {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.bucketFor(id)
	if i := b.index(id); i >= 0 {
		n := b.nodes[i]
		n.Failures = 0
		n.LastSeen = time.Now()
		b.moveToEnd(i)
	}
}

// MarkUnresponsive records an unanswered request. After maxFailures consecutive failures the
// node is dropped and the newest replacement takes its slot. Returns true if the node was dropped.
func (rt *RoutingTable) MarkUnresponsive(id NodeID) bool {
	if id == rt.localID {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.bucketFor(id)
	i := b.index(id)
	if i < 0 {
		return false
	}
	n := b.nodes[i]
	n.Failures++
	if n.Failures < rt.maxFailures {
		return false
	}
	b.remove(i)
	b.promoteReplacement()
	return true
}

// SetRadius records the content radius a node advertised
func (rt *RoutingTable) SetRadius(id NodeID, radius content.ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.bucketFor(id)
	if i := b.index(id); i >= 0 {
		b.nodes[i].Radius = radius
	}
}

// ClosestNodes returns up to count nodes ordered by XOR distance to target, ties broken by id
func (rt *RoutingTable) ClosestNodes(target [32]byte, count int) []*Node {
	nodes := rt.AllNodes()
	t := NodeID(target)
	sort.Slice(nodes, func(i, j int) bool {
		di, dj := nodes[i].ID.Distance(t), nodes[j].ID.Distance(t)
		if di != dj {
			return di.Less(dj)
		}
		return nodes[i].ID.Less(nodes[j].ID)
	})
	if count >= 0 && len(nodes) > count {
		nodes = nodes[:count]
	}
	return nodes
}

// NodesAtDistance returns the nodes whose log distance from the local id is d (1..256)
func (rt *RoutingTable) NodesAtDistance(d int) []*Node {
	if d < 1 || d > 256 {
		return nil
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return copyNodes(rt.buckets[d-1].nodes)
}

// AllNodes returns copies of every bucket entry
func (rt *RoutingTable) AllNodes() []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var nodes []*Node
	for _, b := range rt.buckets {
		nodes = append(nodes, copyNodes(b.nodes)...)
	}
	return nodes
}

// Size returns the total number of nodes in the routing table
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	total := 0
	for _, b := range rt.buckets {
		total += len(b.nodes)
	}
	return total
}

// BucketInfo returns the sizes of the non-empty buckets keyed by log distance
func (rt *RoutingTable) BucketInfo() map[int]int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	info := make(map[int]int)
	for i, b := range rt.buckets {
		if len(b.nodes) > 0 {
			info[i+1] = len(b.nodes)
		}
	}
	return info
}

// LeastRecentlySeen returns the oldest entry of the pick-th non-empty bucket (modulo their count)
func (rt *RoutingTable) LeastRecentlySeen(pick int) (*Node, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var nonEmpty []*bucket
	for _, b := range rt.buckets {
		if len(b.nodes) > 0 {
			nonEmpty = append(nonEmpty, b)
		}
	}
	if len(nonEmpty) == 0 {
		return nil, false
	}
	if pick < 0 {
		pick = -pick
	}
	return nonEmpty[pick%len(nonEmpty)].nodes[0].Copy(), true
}

// bucketFor returns the bucket for id; the local id has no bucket and callers exclude it
func (rt *RoutingTable) bucketFor(id NodeID) *bucket {
	d := rt.localID.LogDistance(id)
	if d == 0 {
		d = 1
	}
	return rt.buckets[d-1]
}

func copyNodes(nodes []*Node) []*Node {
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.Copy()
	}
	return out
}
