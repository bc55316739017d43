package network

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/dedup"
)

// MessageHandler is called for each received message of a given type.
type MessageHandler func(peer *Peer, msg Message)

// DefaultMaxPeers is the default limit on simultaneous peer connections.
const DefaultMaxPeers = 50

// broadcastDedupTTL bounds how long a content hash is remembered for
// re-broadcast suppression (spec.md §4.I).
const broadcastDedupTTL = 10 * time.Minute

// Node listens for incoming peers and manages outgoing connections. It
// owns the broadcast de-duplication tracker and sequence counter, and
// dispatches inbound messages by msg_type to registered handlers — the
// consensus Engine, the txpool gossip path, and the catchup Syncer each
// register their own.
type Node struct {
	nodeID     string
	listenAddr string
	tlsConfig  *tls.Config // nil → plain TCP
	maxPeers   int
	chainID    string

	mu       sync.RWMutex
	peers    map[string]*Peer
	handlers map[MsgType]MessageHandler

	dedup *dedup.Tracker
	seq   uint64
	seqMu sync.Mutex

	listener net.Listener
	stopCh   chan struct{}
}

// NewNode creates a Node that will listen on listenAddr.
func NewNode(nodeID, listenAddr, chainID string, tlsCfg *tls.Config) *Node {
	n := &Node{
		nodeID:     nodeID,
		listenAddr: listenAddr,
		chainID:    chainID,
		tlsConfig:  tlsCfg,
		maxPeers:   DefaultMaxPeers,
		peers:      make(map[string]*Peer),
		handlers:   make(map[MsgType]MessageHandler),
		dedup:      dedup.NewTracker(broadcastDedupTTL),
		stopCh:     make(chan struct{}),
	}
	return n
}

// Handle registers a handler for msg type.
func (n *Node) Handle(typ MsgType, h MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[typ] = h
}

// Start begins accepting connections.
func (n *Node) Start() error {
	var ln net.Listener
	var err error
	if n.tlsConfig != nil {
		ln, err = tls.Listen("tcp", n.listenAddr, n.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", n.listenAddr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.listenAddr, err)
	}
	n.listener = ln
	go n.acceptLoop()
	return nil
}

// Stop shuts down the node.
func (n *Node) Stop() {
	close(n.stopCh)
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		p.Close()
	}
}

// AddPeer dials addr and registers the peer.
func (n *Node) AddPeer(id, addr string) error {
	peer, err := Connect(id, addr, n.tlsConfig)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.peers[id] = peer
	n.mu.Unlock()
	go n.readLoop(peer)

	hello, _ := json.Marshal(map[string]string{"node_id": n.nodeID})
	if err := peer.Send(n.frame(MsgHello, ActionRequest, hello)); err != nil {
		log.Printf("[network] send hello to %s: %v", id, err)
	}
	return nil
}

// Peer returns the connected peer with the given id, or nil if not found.
func (n *Node) Peer(id string) *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers[id]
}

func (n *Node) nextSeq() uint64 {
	n.seqMu.Lock()
	defer n.seqMu.Unlock()
	n.seq++
	return n.seq
}

// frame wraps data into a Message with a fresh sequence and content hash.
func (n *Node) frame(typ MsgType, action Action, data []byte) Message {
	return Message{
		Type:      typ,
		Action:    action,
		Data:      data,
		Sequence:  n.nextSeq(),
		Hash:      crypto.Hash(data),
		Route:     []string{n.nodeID},
		Timestamp: time.Now().Unix(),
	}
}

// Broadcast sends msg to every connected peer not already known to have
// it, per the broadcast de-duplication rule of spec.md §4.I.
func (n *Node) Broadcast(msg Message) {
	n.mu.RLock()
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.RUnlock()
	for _, p := range peers {
		if !n.dedup.ShouldSend(msg.Hash, p.ID) {
			continue
		}
		if err := p.Send(msg); err != nil {
			log.Printf("[network] broadcast to %s: %v", p.ID, err)
			continue
		}
		n.dedup.RecordSent(msg.Hash, p.ID)
	}
}

// SendTo sends msg to exactly one named peer.
func (n *Node) SendTo(peerID string, msg Message) {
	peer := n.Peer(peerID)
	if peer == nil {
		log.Printf("[network] send to unknown peer %s", peerID)
		return
	}
	if err := peer.Send(msg); err != nil {
		log.Printf("[network] send to %s: %v", peerID, err)
	}
}

// BroadcastRaw marshals data under typ/action and broadcasts it.
func (n *Node) BroadcastRaw(typ MsgType, action Action, data []byte) {
	n.Broadcast(n.frame(typ, action, data))
}

// SendToRaw marshals data under typ/action and sends it to one peer.
func (n *Node) SendToRaw(peerID string, typ MsgType, action Action, data []byte) {
	n.SendTo(peerID, n.frame(typ, action, data))
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				log.Printf("[network] accept error: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		n.mu.RLock()
		peerCount := len(n.peers)
		n.mu.RUnlock()
		if peerCount >= n.maxPeers {
			log.Printf("[network] max peers (%d) reached, rejecting %s", n.maxPeers, conn.RemoteAddr())
			conn.Close()
			continue
		}
		peer := NewPeer(conn.RemoteAddr().String(), conn.RemoteAddr().String(), conn)
		n.mu.Lock()
		n.peers[peer.ID] = peer
		n.mu.Unlock()
		go n.readLoop(peer)
	}
}

func (n *Node) readLoop(peer *Peer) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[network] readLoop panic from %s: %v", peer.ID, r)
		}
		peer.Close()
		n.mu.Lock()
		delete(n.peers, peer.ID)
		n.mu.Unlock()
	}()
	for {
		msg, err := peer.Receive()
		if err != nil {
			return
		}

		if msg.Action == ActionBroadcast {
			if !n.dedup.ShouldAccept(msg.Hash, peer.ID) {
				continue
			}
			msg.Route = append(msg.Route, n.nodeID)
			n.Broadcast(msg)
		}

		n.mu.RLock()
		h, ok := n.handlers[msg.Type]
		n.mu.RUnlock()
		if ok {
			h(peer, msg)
		}
	}
}
