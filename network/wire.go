package network

import (
	"encoding/json"
	"log"

	"github.com/tolelom/tolchain/catchup"
	"github.com/tolelom/tolchain/consensus"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/txpool"
)

// ConsensusTransport adapts a Node into consensus.Transport.
type ConsensusTransport struct{ Node *Node }

// BroadcastConsensus implements consensus.Transport.
func (t ConsensusTransport) BroadcastConsensus(msg consensus.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[network] marshal consensus message: %v", err)
		return
	}
	t.Node.BroadcastRaw(MsgConsensus, ActionBroadcast, data)
}

// CatchupTransport adapts a Node into catchup.Transport.
type CatchupTransport struct{ Node *Node }

// BroadcastSyncChain implements catchup.Transport.
func (t CatchupTransport) BroadcastSyncChain(req catchup.SyncChainRequest) {
	data, err := json.Marshal(req)
	if err != nil {
		log.Printf("[network] marshal syncchain request: %v", err)
		return
	}
	t.Node.BroadcastRaw(MsgSyncChain, ActionBroadcast, data)
}

// RequestSyncBlocks implements catchup.Transport.
func (t CatchupTransport) RequestSyncBlocks(peerID string, req catchup.SyncBlockRequest) {
	data, err := json.Marshal(req)
	if err != nil {
		log.Printf("[network] marshal syncblock request: %v", err)
		return
	}
	t.Node.SendToRaw(peerID, MsgSyncBlock, ActionRequest, data)
}

// RespondSyncBlocks implements catchup.Transport.
func (t CatchupTransport) RespondSyncBlocks(peerID string, resp catchup.SyncBlockResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("[network] marshal syncblock response: %v", err)
		return
	}
	t.Node.SendToRaw(peerID, MsgSyncBlock, ActionResponse, data)
}

// WireConsensus registers the CONSENSUS handler, decoding each inbound
// message and forwarding it to engine's inbox.
func WireConsensus(n *Node, engine *consensus.Engine) {
	n.Handle(MsgConsensus, func(_ *Peer, msg Message) {
		var cm consensus.Message
		if err := json.Unmarshal(msg.Data, &cm); err != nil {
			log.Printf("[network] unmarshal consensus message: %v", err)
			return
		}
		select {
		case engine.Inbox() <- cm:
		default:
			log.Printf("[network] consensus inbox full, dropping message from %s", cm.PublicKey)
		}
	})
}

// WireTransactions registers the TRANSACTION handler, admitting inbound
// transactions into pool as peer-originated.
func WireTransactions(n *Node, pool *txpool.Pool) {
	n.Handle(MsgTransaction, func(_ *Peer, msg Message) {
		var tx core.Transaction
		if err := json.Unmarshal(msg.Data, &tx); err != nil {
			log.Printf("[network] unmarshal transaction: %v", err)
			return
		}
		if err := pool.Add(&tx, txpool.OriginPeer); err != nil {
			log.Printf("[network] pool rejected gossiped tx %s: %v", tx.Hash, err)
		}
	})
}

// BroadcastTx wraps tx as a TRANSACTION broadcast.
func BroadcastTx(n *Node, tx *core.Transaction) {
	data, err := json.Marshal(tx)
	if err != nil {
		log.Printf("[network] marshal tx: %v", err)
		return
	}
	n.BroadcastRaw(MsgTransaction, ActionBroadcast, data)
}

// WireCatchup registers the SYNCCHAIN and SYNCBLOCK handlers.
func WireCatchup(n *Node, syncer *catchup.Syncer) {
	n.Handle(MsgSyncChain, func(peer *Peer, msg Message) {
		switch msg.Action {
		case ActionBroadcast:
			var req catchup.SyncChainRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				return
			}
			resp := syncer.HandleSyncChainRequest(req)
			data, err := json.Marshal(resp)
			if err != nil {
				return
			}
			n.SendTo(peer.ID, n.frame(MsgSyncChain, ActionResponse, data))
		case ActionResponse:
			var resp catchup.SyncChainResponse
			if err := json.Unmarshal(msg.Data, &resp); err != nil {
				return
			}
			syncer.HandleSyncChainResponse(peer.ID, resp)
		}
	})

	n.Handle(MsgSyncBlock, func(peer *Peer, msg Message) {
		switch msg.Action {
		case ActionRequest:
			var req catchup.SyncBlockRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				return
			}
			syncer.HandleSyncBlockRequest(peer.ID, req)
		case ActionResponse:
			var resp catchup.SyncBlockResponse
			if err := json.Unmarshal(msg.Data, &resp); err != nil {
				return
			}
			syncer.HandleSyncBlockResponse(peer.ID, resp)
		}
	})
}
