package sync

import (
	"context"

	"github.com/thanhnp/chain-node/internal/chain"
	"github.com/thanhnp/chain-node/internal/peer"
	"github.com/thanhnp/chain-node/internal/wire"
)

// follow answers the sync peer's announcements until the connection fails
// or ctx ends.
func (s *Syncer) follow(ctx context.Context, conn peer.Conn) error {
	// ask to be told about new blocks as headers rather than inv
	if err := conn.Send(&wire.MsgSendHeaders{}); err != nil {
		return err
	}
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			if wire.IsKind(err, wire.ChecksumMismatch) {
				if s.dialer.Penalize(conn.Addr(), peer.PenaltyMalformed, "malformed") {
					return err
				}
				continue
			}
			return err
		}

		switch m := msg.(type) {
		case *wire.MsgInv:
			if err := s.onInv(conn, m); err != nil {
				return err
			}
		case *wire.MsgHeaders:
			if err := s.onHeaders(ctx, conn, m.Headers); err != nil {
				return err
			}
		case *wire.MsgTx:
			s.onTx(m)
		case *wire.MsgNotFound, *wire.MsgBlock:
			// late answers to requests already given up on
		}
	}
}

func (s *Syncer) onInv(conn peer.Conn, m *wire.MsgInv) error {
	var block bool
	var txs []wire.InvVect
	for _, iv := range m.InvList {
		switch iv.Type {
		case wire.InvTypeBlock, wire.InvTypeWitnessBlock:
			if _, known := s.Chain().HeightOf(iv.Hash); !known {
				block = true
			}
		case wire.InvTypeTx, wire.InvTypeWitnessTx:
			txs = append(txs, wire.InvVect{Type: wire.InvTypeTx, Hash: iv.Hash})
		}
	}
	if block {
		if err := s.requestHeaders(conn); err != nil {
			return err
		}
	}
	if len(txs) > 0 {
		return conn.Send(&wire.MsgGetData{InvList: txs})
	}
	return nil
}

func (s *Syncer) requestHeaders(conn peer.Conn) error {
	return conn.Send(&wire.MsgGetHeaders{
		ProtocolVersion: wire.ProtocolVersion,
		BlockLocator:    s.Chain().Locator(),
	})
}

// onHeaders extends or reorganizes the chain with announced headers and
// fetches the blocks that became part of it.
func (s *Syncer) onHeaders(ctx context.Context, conn peer.Conn, headers []wire.BlockHeader) error {
	if len(headers) == 0 {
		return nil
	}
	from := s.Chain().Height() + 1
	out, verr := s.headers.AcceptHeaders(headers)
	if out.Reorg {
		s.log.Warnf("chain reorganized at height %d", out.ForkHeight)
		from = out.ForkHeight + 1
		s.seq.Disconnect(out.ForkHeight)
	}
	if out.Appended > 0 {
		if err := s.fetchFrom(ctx, from); err != nil {
			return err
		}
	}
	if verr != nil {
		if chain.IsValidationError(verr) {
			s.dialer.Penalize(conn.Addr(), peer.PenaltyInvalid, "invalid-header")
		}
		return verr
	}
	if len(headers) == wire.MaxHeadersPerMsg {
		return s.requestHeaders(conn)
	}
	return nil
}

func (s *Syncer) fetchFrom(ctx context.Context, from int32) error {
	if _, err := s.ensureWallets(); err != nil {
		return err
	}
	start := s.blocks.WindowStart()
	if start < 0 {
		return nil
	}
	if from < start {
		from = start
	}
	return s.blocks.Fetch(ctx, s.Chain().Entries(from, s.Chain().Height()))
}

func (s *Syncer) onTx(tx *wire.MsgTx) {
	if s.relay != nil {
		s.relay.Submit(tx)
		return
	}
	s.seq.NotifyTx(tx)
}
