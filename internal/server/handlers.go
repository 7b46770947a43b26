package server

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/thanhnp/chain-node/internal/peer"
	"github.com/thanhnp/chain-node/internal/wire"
)

// handleMessage answers one client message. A returned error ends the
// client connection.
func (s *Server) handleMessage(p *peer.Peer, msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.MsgGetHeaders:
		headers := s.chain.HeadersAfter(m.BlockLocator, m.HashStop, wire.MaxHeadersPerMsg)
		return p.Send(&wire.MsgHeaders{Headers: headers})

	case *wire.MsgGetBlocks:
		headers := s.chain.HeadersAfter(m.BlockLocator, m.HashStop, maxBlocksPerInv)
		inv := &wire.MsgInv{InvList: make([]wire.InvVect, 0, len(headers))}
		for i := range headers {
			inv.InvList = append(inv.InvList, wire.InvVect{Type: wire.InvTypeBlock, Hash: headers[i].BlockHash()})
		}
		return p.Send(inv)

	case *wire.MsgGetData:
		return s.handleGetData(p, m)

	case *wire.MsgMemPool:
		return s.sendInventory(p, wire.InvTypeTx, s.pool.Hashes())

	case *wire.MsgInv:
		var want []wire.InvVect
		for _, iv := range m.InvList {
			if (iv.Type == wire.InvTypeTx || iv.Type == wire.InvTypeWitnessTx) && !s.pool.Has(iv.Hash) {
				want = append(want, wire.InvVect{Type: wire.InvTypeTx, Hash: iv.Hash})
			}
		}
		if len(want) > 0 {
			return p.Send(&wire.MsgGetData{InvList: want})
		}

	case *wire.MsgTx:
		s.submit(submission{tx: m, from: p})

	case *wire.MsgReject:
		s.log.Debugf("client %s rejected %s: %s (0x%02x)", p.Addr(), m.Cmd, m.Reason, m.Code)

	case *wire.MsgVersion, *wire.MsgVerAck:
		s.book.Penalize(p.Addr(), peer.PenaltyMalformed, "repeat-handshake")
	}
	return nil
}

// handleGetData answers blocks from the store and transactions from the
// mempool, collecting misses into one notfound.
func (s *Server) handleGetData(p *peer.Peer, m *wire.MsgGetData) error {
	notFound := &wire.MsgNotFound{}
	for _, iv := range m.InvList {
		var reply wire.Message
		switch iv.Type {
		case wire.InvTypeBlock, wire.InvTypeWitnessBlock:
			blk, err := s.blocks.GetByHash(iv.Hash)
			if err != nil {
				s.log.Errorf("load block %s: %v", iv.Hash, err)
			}
			if blk != nil {
				reply = blk
			}
		case wire.InvTypeTx, wire.InvTypeWitnessTx:
			if tx, ok := s.pool.Get(iv.Hash); ok {
				reply = tx
			}
		}
		if reply == nil {
			notFound.InvList = append(notFound.InvList, iv)
			continue
		}
		if err := p.Send(reply); err != nil {
			return err
		}
	}
	if len(notFound.InvList) > 0 {
		return p.Send(notFound)
	}
	return nil
}

func (s *Server) sendInventory(p *peer.Peer, typ wire.InvType, hashes []chainhash.Hash) error {
	for len(hashes) > 0 {
		n := min(len(hashes), wire.MaxInvPerMsg)
		inv := &wire.MsgInv{InvList: make([]wire.InvVect, n)}
		for i, h := range hashes[:n] {
			inv.InvList[i] = wire.InvVect{Type: typ, Hash: h}
		}
		if err := p.Send(inv); err != nil {
			return err
		}
		hashes = hashes[n:]
	}
	return nil
}
