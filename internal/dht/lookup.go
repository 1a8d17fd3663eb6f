package dht

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/historynet/pkg/content"
)

// Validator checks content a peer returned. An error discards the answer and the lookup goes on.
type Validator func(data []byte) error

// LookupResult is the outcome of a successful content lookup
type LookupResult struct {
	Content []byte
	From    *Node
	Queried int
	Token   string
}

// queryResult is what one query of a lookup brought back
type queryResult struct {
	node    *Node
	found   bool
	content []byte
	nodes   []*Node
	err     error
}

type queryFunc func(ctx context.Context, n *Node) queryResult

// lookup is an iterative Kademlia lookup. Queries run concurrently but all candidate bookkeeping
// happens on the goroutine that calls run.
type lookup struct {
	d      *DHT
	kind   string
	target NodeID
	token  string
	logger *zap.Logger

	seen       map[NodeID]bool
	queried    map[NodeID]bool
	candidates []*Node // sorted by distance to target
	responded  []*Node
	queries    int
}

func (d *DHT) newLookup(target [32]byte, kind string) *lookup {
	token := uuid.NewString()
	l := &lookup{
		d:       d,
		kind:    kind,
		target:  NodeID(target),
		token:   token,
		logger:  d.logger.With(zap.String("lookup", token), zap.String("kind", kind)),
		seen:    make(map[NodeID]bool),
		queried: make(map[NodeID]bool),
	}
	for _, n := range d.table.ClosestNodes(target, d.cfg.BucketSize) {
		l.addCandidate(n)
	}
	return l
}

func (l *lookup) addCandidate(n *Node) {
	if n.ID == l.d.self || l.seen[n.ID] {
		return
	}
	l.seen[n.ID] = true

	dist := n.ID.Distance(l.target)
	i := sort.Search(len(l.candidates), func(i int) bool {
		return dist.Less(l.candidates[i].ID.Distance(l.target))
	})
	l.candidates = append(l.candidates, nil)
	copy(l.candidates[i+1:], l.candidates[i:])
	l.candidates[i] = n
}

// next returns the closest unqueried candidate among the BucketSize closest known
func (l *lookup) next() *Node {
	for i, n := range l.candidates {
		if i >= l.d.cfg.BucketSize {
			break
		}
		if !l.queried[n.ID] {
			return n
		}
	}
	return nil
}

// run drives the lookup until query reports content that passes validate, the candidates are
// exhausted, the query budget is spent or ctx ends. A nil result with a nil error means exhausted.
func (l *lookup) run(ctx context.Context, query queryFunc, validate Validator) (*queryResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan queryResult)
	inflight := 0

	for {
		for inflight < l.d.cfg.Alpha && l.queries < l.d.cfg.MaxLookupQueries {
			n := l.next()
			if n == nil {
				break
			}
			l.queried[n.ID] = true
			l.queries++
			inflight++

			go func(n *Node) {
				r := query(ctx, n)
				r.node = n
				select {
				case results <- r:
				case <-ctx.Done():
				}
			}(n)
		}

		if inflight == 0 {
			return nil, nil
		}

		select {
		case r := <-results:
			inflight--
			if r.err != nil {
				l.logger.Debug("query failed", zap.String("node", r.node.ID.Short()), zap.Error(r.err))
				continue
			}
			l.responded = append(l.responded, r.node)

			if r.found {
				if validate != nil {
					if err := validate(r.content); err != nil {
						l.logger.Warn("discarding invalid content",
							zap.String("node", r.node.ID.Short()),
							zap.Error(err))
						continue
					}
				}
				return &r, nil
			}
			for _, n := range r.nodes {
				l.addCandidate(n)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *lookup) finish(start time.Time, result string) {
	l.d.metrics.Lookups.WithLabelValues(l.kind, result).Inc()
	l.d.metrics.LookupQueries.Observe(float64(l.queries))
	l.d.metrics.LookupDuration.Observe(time.Since(start).Seconds())
	l.logger.Debug("lookup finished", zap.String("result", result), zap.Int("queries", l.queries))
}

// ContentLookup searches the network for key. Answers that fail validate are discarded and the
// search continues with other peers. Running out of candidates yields a NotFound error and
// reaching LookupTimeout a Timeout error.
func (d *DHT) ContentLookup(ctx context.Context, key content.Key, validate Validator) (*LookupResult, error) {
	id := key.ID()
	l := d.newLookup(id, "content")
	start := time.Now()

	lctx, cancel := context.WithTimeout(ctx, d.cfg.LookupTimeout)
	defer cancel()

	r, err := l.run(lctx, func(ctx context.Context, n *Node) queryResult {
		res, err := d.FindContent(ctx, n, key)
		if err != nil {
			return queryResult{err: err}
		}
		return queryResult{found: res.Found, content: res.Content, nodes: res.Nodes}
	}, validate)

	switch {
	case r != nil:
		l.finish(start, "found")
		return &LookupResult{Content: r.content, From: r.node, Queried: l.queries, Token: l.token}, nil
	case err != nil && ctx.Err() != nil:
		l.finish(start, "cancelled")
		return nil, fmt.Errorf("lookup %s: %w", l.token, ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		l.finish(start, "timeout")
		terr := content.NewTimeoutError(
			fmt.Sprintf("lookup %s for %s timed out after %d queries", l.token, key, l.queries), "")
		terr.ID = &id
		return nil, terr
	default:
		l.finish(start, "not_found")
		return nil, content.NewNotFoundError(
			fmt.Sprintf("lookup %s for %s exhausted after %d queries", l.token, key, l.queries), &id)
	}
}

// NodeLookup finds the nodes closest to target that answer, querying FINDNODES around the
// target's distance from each peer
func (d *DHT) NodeLookup(ctx context.Context, target NodeID) ([]*Node, error) {
	l := d.newLookup(target, "node")
	start := time.Now()

	lctx, cancel := context.WithTimeout(ctx, d.cfg.LookupTimeout)
	defer cancel()

	_, err := l.run(lctx, func(ctx context.Context, n *Node) queryResult {
		nodes, err := d.FindNodes(ctx, n, lookupDistances(target, n.ID))
		return queryResult{nodes: nodes, err: err}
	}, nil)
	if err != nil && ctx.Err() != nil {
		l.finish(start, "cancelled")
		return nil, ctx.Err()
	}

	if len(l.responded) == 0 {
		l.finish(start, "no_peers")
		return nil, ErrNoPeers
	}
	l.finish(start, "found")

	nodes := l.responded
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID.Distance(target).Less(nodes[j].ID.Distance(target))
	})
	if len(nodes) > d.cfg.BucketSize {
		nodes = nodes[:d.cfg.BucketSize]
	}
	return nodes, nil
}

// lookupDistances asks for the bucket holding target and its two neighbours
func lookupDistances(target, peer NodeID) []uint16 {
	d := peer.LogDistance(target)
	var out []uint16
	for _, v := range []int{d, d + 1, d - 1} {
		if v >= 1 && v <= 256 {
			out = append(out, uint16(v))
		}
	}
	if len(out) == 0 {
		out = append(out, 1)
	}
	return out
}
