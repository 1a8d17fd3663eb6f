package dht

// bucket is one k-bucket of the routing table. Entries are ordered least recently seen first.
// The routing table's lock guards every bucket.
type bucket struct {
	nodes   []*Node
	maxSize int

	// Nodes seen while the bucket was full, newest last
	replacements    []*Node
	maxReplacements int
}

func newBucket(maxSize, maxReplacements int) *bucket {
	return &bucket{
		nodes:           make([]*Node, 0, maxSize),
		maxSize:         maxSize,
		maxReplacements: maxReplacements,
	}
}

func (b *bucket) index(id NodeID) int {
	for i, n := range b.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (b *bucket) full() bool {
	return len(b.nodes) >= b.maxSize
}

// moveToEnd marks the entry at i as most recently seen
func (b *bucket) moveToEnd(i int) {
	n := b.nodes[i]
	copy(b.nodes[i:], b.nodes[i+1:])
	b.nodes[len(b.nodes)-1] = n
}

func (b *bucket) remove(i int) *Node {
	n := b.nodes[i]
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	return n
}

// addReplacement records a candidate for a full bucket, dropping the oldest when the cache is full
func (b *bucket) addReplacement(n *Node) {
	for i, r := range b.replacements {
		if r.ID == n.ID {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			break
		}
	}
	if b.maxReplacements <= 0 {
		return
	}
	if len(b.replacements) >= b.maxReplacements {
		b.replacements = b.replacements[1:]
	}
	b.replacements = append(b.replacements, n)
}

// promoteReplacement moves the newest replacement into the bucket
func (b *bucket) promoteReplacement() *Node {
	if len(b.replacements) == 0 || b.full() {
		return nil
	}
	last := len(b.replacements) - 1
	n := b.replacements[last]
	b.replacements = b.replacements[:last]
	n.Failures = 0
	b.nodes = append(b.nodes, n)
	return n
}

func (b *bucket) removeReplacement(id NodeID) bool {
	for i, r := range b.replacements {
		if r.ID == id {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			return true
		}
	}
	return false
}
