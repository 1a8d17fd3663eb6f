package control

import (
	"context"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/historynet/pkg/accumulator"
	"github.com/WebFirstLanguage/historynet/pkg/chain"
	"github.com/WebFirstLanguage/historynet/pkg/constants"
	"github.com/WebFirstLanguage/historynet/pkg/content"
	"github.com/WebFirstLanguage/historynet/pkg/node"
	"github.com/WebFirstLanguage/historynet/pkg/transport/memory"
)

var testBody = &chain.Body{Transactions: [][]byte{{0x01}, {0x02}, {0x03}}}

func buildChain(n int) []*chain.Header {
	headers := make([]*chain.Header, n)
	var parent chain.Hash
	for i := range headers {
		h := &chain.Header{
			ParentHash:  parent,
			UncleHash:   chain.EmptyListHash,
			TxHash:      chain.EmptyListHash,
			ReceiptHash: chain.EmptyListHash,
			Difficulty:  big.NewInt(17),
			Number:      uint64(i),
			Time:        uint64(1000 + i),
		}
		if i == 2 {
			h = chain.NewHeaderForBody(*h, testBody, nil)
		}
		headers[i] = h
		parent = h.Hash()
	}
	return headers
}

func startNode(t *testing.T, network *memory.Network, addr string, master *accumulator.Accumulator) *node.Node {
	t.Helper()
	cfg := node.DefaultConfig()
	cfg.InMemory = true
	cfg.Network = network
	cfg.ListenAddr = addr
	cfg.StorageCapacity = 8 << 20
	cfg.DHT.RequestTimeout = 300 * time.Millisecond
	cfg.DHT.LookupTimeout = 3 * time.Second

	n, err := node.New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.History().InitMasterAccumulator(master))
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	return n
}

func serve(t *testing.T, n *node.Node) *Client {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(n, nil).Serve(ctx, listener) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client, err := Dial(ctx, "tcp", listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNodeInfoAndUnknownMethod(t *testing.T) {
	headers := buildChain(4)
	master, err := accumulator.BuildMasterAccumulator(headers)
	require.NoError(t, err)
	n := startNode(t, memory.NewNetwork(), "a", master)
	client := serve(t, n)

	var info map[string]interface{}
	require.NoError(t, client.Call("nodeInfo", nil, &info))
	assert.Equal(t, n.Identity().NodeIDHex(), info["node_id"])
	assert.Equal(t, "running", info["state"])
	assert.Equal(t, "a", info["addr"])

	var stats map[string]interface{}
	require.NoError(t, client.Call("storeStats", nil, &stats))

	err = client.Call("nope", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown method")
}

func TestSeedsAndBootstrap(t *testing.T) {
	headers := buildChain(4)
	master, err := accumulator.BuildMasterAccumulator(headers)
	require.NoError(t, err)

	network := memory.NewNetwork()
	a := startNode(t, network, "a", master)
	b := startNode(t, network, "b", master)
	client := serve(t, b)

	err = client.Call("seeds.add", map[string]interface{}{"id": "beef", "addr": "a"}, nil)
	assert.Error(t, err)

	require.NoError(t, client.Call("seeds.add", map[string]interface{}{
		"id":   a.Identity().NodeIDHex(),
		"addr": "a",
		"name": "alpha",
	}, nil))

	var seeds struct {
		Seeds []struct {
			ID   string `json:"id"`
			Addr string `json:"addr"`
			Name string `json:"name"`
		} `json:"seeds"`
	}
	require.NoError(t, client.Call("seeds.list", nil, &seeds))
	require.Len(t, seeds.Seeds, 1)
	assert.Equal(t, "alpha", seeds.Seeds[0].Name)

	var res struct {
		RoutingTable int `json:"routing_table"`
	}
	require.NoError(t, client.Call("bootstrap", nil, &res))
	assert.Equal(t, 1, res.RoutingTable)

	var table struct {
		Peers []struct {
			ID   string `json:"id"`
			Addr string `json:"addr"`
		} `json:"peers"`
	}
	require.NoError(t, client.Call("routingTable", nil, &table))
	require.Len(t, table.Peers, 1)
	assert.Equal(t, a.Identity().NodeIDHex(), table.Peers[0].ID)
}

func TestGetBlock(t *testing.T) {
	headers := buildChain(4)
	master, err := accumulator.BuildMasterAccumulator(headers)
	require.NoError(t, err)

	network := memory.NewNetwork()
	a := startNode(t, network, "a", master)
	b := startNode(t, network, "b", master)

	header, err := headers[2].Encode()
	require.NoError(t, err)
	body, err := testBody.Encode()
	require.NoError(t, err)
	stored, err := a.History().Publish(context.Background(), []content.Item{
		{Key: content.BlockHeaderKey(constants.MainnetChainID, headers[2].Hash()), Value: header},
		{Key: content.BlockBodyKey(constants.MainnetChainID, headers[2].Hash()), Value: body},
	})
	require.NoError(t, err)
	require.Equal(t, 2, stored)

	_, err = b.DHT().Ping(context.Background(), a.DHT().SelfNode())
	require.NoError(t, err)

	client := serve(t, b)
	var block struct {
		Number       uint64 `json:"number"`
		Hash         string `json:"hash"`
		Transactions int    `json:"transactions"`
	}
	require.NoError(t, client.Call("getBlock", map[string]interface{}{"height": 2}, &block))
	assert.Equal(t, uint64(2), block.Number)
	assert.Equal(t, headers[2].Hash().String(), block.Hash)
	assert.Equal(t, 3, block.Transactions)

	assert.Error(t, client.Call("getBlock", map[string]interface{}{"height": 99}, nil))
	assert.Error(t, client.Call("getBlock", nil, nil))
}
