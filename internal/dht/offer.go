package dht

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/multiformats/go-varint"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/WebFirstLanguage/historynet/pkg/constants"
	"github.com/WebFirstLanguage/historynet/pkg/content"
	"github.com/WebFirstLanguage/historynet/pkg/wire"
)

// MaxOfferItems returns how many of the given items one OFFER can carry
func (d *DHT) MaxOfferItems(items []content.Item) int {
	return wire.MaxOfferKeys(d.cfg.ProtocolID, maxKeySize(items))
}

// Offer proposes items to node and streams the ones it accepts. The returned bit list marks the
// accepted items; zero accepted items is a successful offer.
func (d *DHT) Offer(ctx context.Context, node *Node, items []content.Item) (*wire.BitList, error) {
	if len(items) == 0 {
		return wire.NewBitList(0), nil
	}
	if limit := d.MaxOfferItems(items); len(items) > limit {
		return nil, content.NewTransferError(
			fmt.Sprintf("offer of %d keys exceeds the limit of %d", len(items), limit), node.Addr, ErrTooManyKeys)
	}

	keys := make([][]byte, len(items))
	for i, item := range items {
		keys[i] = item.Key.Encode()
	}

	f, err := d.request(ctx, node, constants.KindOffer, &wire.OfferBody{Keys: keys})
	if err != nil {
		return nil, content.NewTransferError("offer not answered", node.Addr, err)
	}
	if err := expectKind(f, constants.KindAccept, node.Addr); err != nil {
		return nil, err
	}

	var body wire.AcceptBody
	if err := f.DecodeBody(&body); err != nil {
		return nil, content.NewProtocolError("invalid ACCEPT", node.Addr, err)
	}
	bits, err := wire.ParseBitList(body.Keys, len(items))
	if err != nil {
		return nil, content.NewProtocolError("invalid ACCEPT bit list", node.Addr, err)
	}
	if bits.Len() != len(items) {
		return nil, content.NewProtocolError(
			fmt.Sprintf("ACCEPT covers %d keys, offered %d", bits.Len(), len(items)), node.Addr, nil)
	}

	accepted := bits.Indices()
	d.metrics.OfferedKeys.WithLabelValues("out", "accepted").Add(float64(len(accepted)))
	d.metrics.OfferedKeys.WithLabelValues("out", "declined").Add(float64(len(items) - len(accepted)))
	if len(accepted) == 0 {
		return bits, nil
	}

	values := make([][]byte, len(accepted))
	for i, idx := range accepted {
		values[i] = items[idx].Value
	}
	payload := encodeItems(values)

	out, err := d.streams.StartSend(node.Addr, body.ConnID, payload)
	if err != nil {
		return nil, err
	}
	if err := out.Wait(ctx); err != nil {
		return nil, err
	}
	d.metrics.StreamBytes.WithLabelValues("out").Add(float64(len(payload)))
	return bits, nil
}

func (d *DHT) handleOffer(node *Node, f *wire.Frame) {
	var body wire.OfferBody
	if err := f.DecodeBody(&body); err != nil {
		d.dropMalformed(node.Addr, f, err)
		return
	}
	keys := make([]content.Key, len(body.Keys))
	for i, raw := range body.Keys {
		key, err := content.DecodeKey(raw)
		if err != nil {
			d.dropMalformed(node.Addr, f, err)
			return
		}
		keys[i] = key
	}
	d.table.AddNode(node)

	handler := d.contentHandler()
	bits := wire.NewBitList(len(keys))
	seen := make(map[content.ID]bool, len(keys))
	var accepted []content.Key
	for i, key := range keys {
		id := key.ID()
		if seen[id] {
			continue
		}
		seen[id] = true
		if !d.store.InRadius(id) || d.store.Has(id) || !handler.AcceptKey(key) {
			continue
		}
		bits.Set(i, true)
		accepted = append(accepted, key)
	}
	d.metrics.OfferedKeys.WithLabelValues("in", "accepted").Add(float64(len(accepted)))
	d.metrics.OfferedKeys.WithLabelValues("in", "declined").Add(float64(len(keys) - len(accepted)))

	if len(accepted) == 0 {
		d.reply(node.Addr, constants.KindAccept, f.Seq, &wire.AcceptBody{Keys: bits.Bytes()})
		return
	}

	connID := d.streams.NewConnectionID(node.Addr)
	in, err := d.streams.Expect(node.Addr, connID)
	if err != nil {
		d.logger.Warn("cannot receive offer", zap.String("peer", node.Addr), zap.Error(err))
		d.reply(node.Addr, constants.KindAccept, f.Seq, &wire.AcceptBody{Keys: wire.NewBitList(len(keys)).Bytes()})
		return
	}
	d.reply(node.Addr, constants.KindAccept, f.Seq, &wire.AcceptBody{ConnID: connID, Keys: bits.Bytes()})

	ctx := d.context()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		payload, err := in.Wait(ctx)
		if err != nil {
			d.logger.Debug("offer transfer failed", zap.String("peer", node.Addr), zap.Error(err))
			return
		}
		d.metrics.StreamBytes.WithLabelValues("in").Add(float64(len(payload)))

		values, err := decodeItems(payload, len(accepted))
		if err != nil {
			d.logger.Warn("discarding offer payload",
				zap.String("peer", node.Addr),
				zap.Error(content.NewProtocolError("invalid offer payload", node.Addr, err)))
			return
		}
		items := make([]content.Item, len(values))
		for i, v := range values {
			items[i] = content.Item{Key: accepted[i], Value: v}
		}
		handler.HandleOffered(ctx, node, items)
	}()
}

// Gossip offers each item to the closest known peers whose radius covers it, skipping the given
// nodes. Offers run concurrently, at most Alpha peers at a time. Returns how many peers took part.
func (d *DHT) Gossip(ctx context.Context, items []content.Item, skip ...NodeID) int {
	skipped := make(map[NodeID]bool, len(skip))
	for _, id := range skip {
		skipped[id] = true
	}

	batches := make(map[NodeID][]content.Item)
	peers := make(map[NodeID]*Node)
	for _, item := range items {
		id := item.Key.ID()
		count := 0
		for _, n := range d.table.ClosestNodes(id, d.cfg.BucketSize) {
			if count >= d.cfg.GossipFanout {
				break
			}
			if skipped[n.ID] || !n.Covers(id) {
				continue
			}
			batches[n.ID] = append(batches[n.ID], item)
			peers[n.ID] = n
			count++
		}
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.Alpha)
	var offered atomic.Int64
	for id, batch := range batches {
		node, batch := peers[id], batch
		g.Go(func() error {
			limit := d.MaxOfferItems(batch)
			if limit < 1 {
				limit = 1
			}
			for start := 0; start < len(batch); start += limit {
				end := start + limit
				if end > len(batch) {
					end = len(batch)
				}
				if _, err := d.Offer(ctx, node, batch[start:end]); err != nil {
					d.logger.Debug("gossip offer failed", zap.String("peer", node.Addr), zap.Error(err))
					return nil
				}
			}
			offered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(offered.Load())
}

func maxKeySize(items []content.Item) int {
	size := 0
	for _, item := range items {
		if n := len(item.Key.Encode()); n > size {
			size = n
		}
	}
	return size
}

// encodeItems concatenates values, each prefixed with its unsigned varint length
func encodeItems(values [][]byte) []byte {
	size := 0
	for _, v := range values {
		size += varint.UvarintSize(uint64(len(v))) + len(v)
	}
	out := make([]byte, 0, size)
	for _, v := range values {
		out = append(out, varint.ToUvarint(uint64(len(v)))...)
		out = append(out, v...)
	}
	return out
}

// decodeItems splits an offer payload into exactly n values
func decodeItems(payload []byte, n int) ([][]byte, error) {
	values := make([][]byte, 0, n)
	for len(payload) > 0 {
		size, read, err := varint.FromUvarint(payload)
		if err != nil {
			return nil, fmt.Errorf("invalid item length: %w", err)
		}
		payload = payload[read:]
		if uint64(len(payload)) < size {
			return nil, fmt.Errorf("item of %d bytes truncated to %d", size, len(payload))
		}
		values = append(values, payload[:size])
		payload = payload[size:]
	}
	if len(values) != n {
		return nil, fmt.Errorf("payload holds %d items, expected %d", len(values), n)
	}
	return values, nil
}
