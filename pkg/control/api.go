// Package control implements the local control API: newline-delimited JSON requests over a
// TCP or unix socket, answered by a running node.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/historynet/internal/dht"
	"github.com/WebFirstLanguage/historynet/pkg/node"
)

// Request represents a control API request
type Request struct {
	Method string                 `json:"method"`
	ID     string                 `json:"id"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Response represents a control API response
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Server implements the control API server
type Server struct {
	node           *node.Node
	logger         *zap.Logger
	requestTimeout time.Duration

	wg sync.WaitGroup
}

// NewServer creates a control API server for n
func NewServer(n *node.Node, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		node:           n,
		logger:         logger.With(zap.String("component", "control")),
		requestTimeout: 30 * time.Second,
	}
}

// Serve accepts connections on listener until ctx is done, then closes it
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	defer s.wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection answers requests on conn until it closes or sends invalid JSON
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		var request Request
		if err := decoder.Decode(&request); err != nil {
			return
		}

		response := s.handleRequest(ctx, request)
		if err := encoder.Encode(response); err != nil {
			return
		}
	}
}

// handleRequest processes a single API request
func (s *Server) handleRequest(ctx context.Context, request Request) Response {
	var (
		result interface{}
		err    error
	)

	switch request.Method {
	case "nodeInfo":
		result = s.node.Info()
	case "routingTable":
		result = s.routingTable()
	case "storeStats":
		result = s.node.Store().Stats()
	case "getBlock":
		result, err = s.getBlock(ctx, request.Params)
	case "bootstrap":
		result, err = s.bootstrap(ctx)
	case "seeds.list":
		result = map[string]interface{}{"seeds": s.node.Bootstrap().SeedNodes()}
	case "seeds.add":
		result, err = s.addSeed(request.Params)
	default:
		err = fmt.Errorf("unknown method: %s", request.Method)
	}

	if err != nil {
		return Response{ID: request.ID, Error: err.Error()}
	}
	return Response{ID: request.ID, Result: result}
}

func (s *Server) routingTable() map[string]interface{} {
	nodes := s.node.DHT().Table().AllNodes()
	peers := make([]map[string]interface{}, len(nodes))
	for i, n := range nodes {
		peers[i] = map[string]interface{}{
			"id":        n.ID.String(),
			"addr":      n.Addr,
			"last_seen": n.LastSeen.Format(time.RFC3339),
			"radius":    n.Radius.String(),
			"failures":  n.Failures,
		}
	}
	return map[string]interface{}{
		"peers":   peers,
		"buckets": s.node.DHT().Table().BucketInfo(),
	}
}

func (s *Server) getBlock(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	height, ok := params["height"].(float64)
	if !ok || height < 0 {
		return nil, errors.New("height parameter is required and must be a non-negative number")
	}
	chainID := s.node.History().ChainID()
	if v, ok := params["chain_id"].(float64); ok {
		chainID = uint16(v)
	}

	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	header, body, err := s.node.History().GetBlock(ctx, chainID, uint64(height))
	if err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", uint64(height), err)
	}
	return map[string]interface{}{
		"number":       header.Number,
		"hash":         header.Hash().String(),
		"parent_hash":  header.ParentHash.String(),
		"timestamp":    header.Time,
		"difficulty":   header.DifficultyOrZero().String(),
		"transactions": len(body.Transactions),
		"uncles":       len(body.Uncles),
	}, nil
}

func (s *Server) bootstrap(ctx context.Context) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	if err := s.node.Bootstrap().Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap failed: %w", err)
	}
	return map[string]interface{}{"routing_table": s.node.DHT().Table().Size()}, nil
}

func (s *Server) addSeed(params map[string]interface{}) (interface{}, error) {
	id, _ := params["id"].(string)
	if id == "" {
		return nil, errors.New("id parameter is required")
	}
	addr, _ := params["addr"].(string)
	if addr == "" {
		return nil, errors.New("addr parameter is required")
	}
	name, _ := params["name"].(string)

	seed := dht.SeedNode{ID: id, Addr: addr, Name: name}
	if err := s.node.Bootstrap().AddSeedNode(seed); err != nil {
		return nil, fmt.Errorf("failed to add seed node: %w", err)
	}
	return map[string]interface{}{"success": true}, nil
}
