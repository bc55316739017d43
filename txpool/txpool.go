// Package txpool implements the ordered transaction pool: admission,
// per-sender nonce ordering, fee-bump replacement, TTL eviction, gossip
// batching, and priority-queue block assembly. Adapted from the teacher's
// core.Mempool (insertion-ordered, no nonce awareness) generalized to the
// per-sender nonce-ordered design of spec.md §4.F.
package txpool

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tolelom/tolchain/core"
)

// Status is a pool transaction's lifecycle stage (spec.md §3 "Pool
// Transaction").
type Status int

const (
	NotReady Status = iota
	Ready
	Sended
)

// Origin distinguishes a transaction admitted from local RPC submission
// (eligible for broadcast) from one that arrived via peer gossip.
type Origin int

const (
	OriginLocal Origin = iota
	OriginPeer
)

// Errors returned by Add, matching the taxonomy referenced in spec.md §4.F.
var (
	ErrSequenceNumberTooOld = errors.New("txpool: sequence number too old")
	ErrInsufficientBalance  = errors.New("txpool: insufficient balance")
	ErrInvalidUpdate        = errors.New("txpool: invalid update (not a valid fee-bump)")
	ErrPoolFull             = errors.New("txpool: pool is full")
	ErrTooManyTransactions  = errors.New("txpool: too many transactions from sender")
)

// poolEntry is one admitted transaction plus its pool bookkeeping.
type poolEntry struct {
	tx        *core.Transaction
	status    Status
	origin    Origin
	arrival   time.Time
	expiresAt time.Time
}

// senderGroup holds one sender's admitted transactions ordered by nonce.
type senderGroup struct {
	byNonce map[uint64]*poolEntry
}

func newSenderGroup() *senderGroup {
	return &senderGroup{byNonce: make(map[uint64]*poolEntry)}
}

// Config bounds pool capacity and timing (spec.md §6 config options).
type Config struct {
	Capacity            int
	CapacityPerUser     int
	BroadcastBatchSize  int
	TransactionTimeout  time.Duration
	GCInterval          time.Duration
	ConsumeGas          bool
}

// StateReader resolves a sender's authoritative committed nonce and
// balance on first use, seeding seq_cache (spec.md §4.F "Data layout").
type StateReader interface {
	GetAccount(address string) (*core.Account, error)
}

// Pool is the thread-safe transaction pool. It is guarded by one
// writer-preferring mutex, matching spec.md §5 "Shared resources": the
// pool is behind one writer-preferring mutex.
type Pool struct {
	cfg   Config
	state StateReader

	mu           sync.RWMutex
	bySender     map[string]*senderGroup
	byHash       map[string]hashLocation
	ttl          ttlHeap
	seqCache     map[string]uint64
	broadcast    []*core.Transaction
	verified     map[string]time.Time // short-lived already-verified set, keyed by tx hash
}

type hashLocation struct {
	sender string
	nonce  uint64
}

// New creates an empty Pool.
func New(cfg Config, state StateReader) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10_000
	}
	if cfg.CapacityPerUser <= 0 {
		cfg.CapacityPerUser = 256
	}
	if cfg.BroadcastBatchSize <= 0 {
		cfg.BroadcastBatchSize = 100
	}
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = time.Hour
	}
	return &Pool{
		cfg:      cfg,
		state:    state,
		bySender: make(map[string]*senderGroup),
		byHash:   make(map[string]hashLocation),
		seqCache: make(map[string]uint64),
		verified: make(map[string]time.Time),
	}
}

// seedNonce returns the sender's seq_cache entry, seeding it from state on
// first use.
func (p *Pool) seedNonce(sender string) uint64 {
	if n, ok := p.seqCache[sender]; ok {
		return n
	}
	n := uint64(0)
	if acc, err := p.state.GetAccount(sender); err == nil && acc != nil {
		n = acc.Nonce
	}
	p.seqCache[sender] = n
	return n
}

// size returns the total number of admitted transactions. Caller must
// hold at least a read lock.
func (p *Pool) size() int {
	n := 0
	for _, g := range p.bySender {
		n += len(g.byNonce)
	}
	return n
}

// Add implements spec.md §4.F's seven-step admission procedure.
func (p *Pool) Add(tx *core.Transaction, origin Origin) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	seed := p.seedNonce(tx.Source)
	if tx.Nonce <= seed {
		return ErrSequenceNumberTooOld
	}

	if p.cfg.ConsumeGas {
		acc, err := p.state.GetAccount(tx.Source)
		if err != nil {
			return fmt.Errorf("txpool: resolve sender account: %w", err)
		}
		if tx.GasLimit*tx.GasPrice+tx.Value > acc.Balance {
			return ErrInsufficientBalance
		}
	}

	if _, ok := p.verified[tx.Hash]; !ok {
		if err := tx.Verify(); err != nil {
			return fmt.Errorf("txpool: %w", err)
		}
		p.verified[tx.Hash] = time.Now()
	}

	group, ok := p.bySender[tx.Source]
	if !ok {
		group = newSenderGroup()
		p.bySender[tx.Source] = group
	}

	if existing, ok := group.byNonce[tx.Nonce]; ok {
		if !isFeeBump(existing.tx, tx) {
			return ErrInvalidUpdate
		}
		delete(p.byHash, existing.tx.Hash)
		p.ttl.removeByHash(existing.tx.Hash)
	} else {
		if p.size() >= p.cfg.Capacity {
			return ErrPoolFull
		}
		if len(group.byNonce) >= p.cfg.CapacityPerUser {
			return ErrTooManyTransactions
		}
	}

	now := time.Now()
	entry := &poolEntry{
		tx:        tx,
		status:    Ready,
		origin:    origin,
		arrival:   now,
		expiresAt: now.Add(p.cfg.TransactionTimeout),
	}
	if origin == OriginPeer {
		entry.status = Sended
	}
	group.byNonce[tx.Nonce] = entry
	p.byHash[tx.Hash] = hashLocation{sender: tx.Source, nonce: tx.Nonce}
	heap.Push(&p.ttl, &ttlItem{hash: tx.Hash, expiresAt: entry.expiresAt})

	if origin == OriginLocal {
		p.broadcast = append(p.broadcast, tx)
	}
	return nil
}

// isFeeBump reports whether next is a valid fee-bump replacement of prev:
// strictly higher gas_price with everything else that affects execution
// unchanged.
func isFeeBump(prev, next *core.Transaction) bool {
	if next.GasPrice <= prev.GasPrice {
		return false
	}
	return next.GasLimit == prev.GasLimit &&
		next.Value == prev.Value &&
		next.To == prev.To &&
		string(prev.Payload) == string(next.Payload)
}

// DrainBroadcast removes and returns up to n locally-originated
// transactions awaiting outbound gossip, marking the survivors Sended as
// they are packaged, per spec.md §4.F "Gossip".
func (p *Pool) DrainBroadcast(n int) []*core.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= 0 || n > len(p.broadcast) {
		n = len(p.broadcast)
	}
	batch := p.broadcast[:n]
	p.broadcast = p.broadcast[n:]
	for _, tx := range batch {
		if group, ok := p.bySender[tx.Source]; ok {
			if entry, ok := group.byNonce[tx.Nonce]; ok {
				entry.status = Sended
			}
		}
	}
	return batch
}

// BatchSize returns the configured broadcast batch size.
func (p *Pool) BatchSize() int { return p.cfg.BroadcastBatchSize }

// PendingBroadcastLen reports how many locally-originated transactions are
// waiting for their first gossip flush.
func (p *Pool) PendingBroadcastLen() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.broadcast)
}

// GetBlockHashList implements spec.md §4.F "Block assembly". Only a
// sender's lowest eligible (contiguous, Sended) nonce is ever a pop
// candidate; gas price picks which sender goes next, but a sender's own
// transactions always come out in nonce order, matching spec.md §4.F's
// "next nonce replaces its head" rule.
func (p *Pool) GetBlockHashList(maxTx, maxContract int, exclude map[string]uint64) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	next := make(map[string]uint64, len(p.bySender))
	pq := &assemblyQueue{}
	heap.Init(pq)
	for sender, group := range p.bySender {
		n := p.seqCache[sender] + 1
		if ex, ok := exclude[sender]; ok && ex+1 > n {
			n = ex + 1
		}
		next[sender] = n
		if entry, ok := group.byNonce[n]; ok && entry.status == Sended {
			heap.Push(pq, &assemblyItem{tx: entry.tx, arrival: entry.arrival, sender: sender})
		}
	}

	var out []string
	contractCount := 0
	for pq.Len() > 0 && len(out) < maxTx {
		item := heap.Pop(pq).(*assemblyItem)
		if item.tx.TxType.IsContractClass() && contractCount >= maxContract {
			continue
		}
		if item.tx.TxType.IsContractClass() {
			contractCount++
		}
		out = append(out, item.tx.Hash)

		sender := item.sender
		n := next[sender] + 1
		next[sender] = n
		group := p.bySender[sender]
		if entry, ok := group.byNonce[n]; ok && entry.status == Sended {
			heap.Push(pq, &assemblyItem{tx: entry.tx, arrival: entry.arrival, sender: sender})
		}
	}
	return out
}

// GetTransactions resolves hashes to their full transactions. ok is false
// if any hash is not currently in the pool.
func (p *Pool) GetTransactions(hashes []string) (txs []*core.Transaction, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	txs = make([]*core.Transaction, 0, len(hashes))
	for _, h := range hashes {
		loc, found := p.byHash[h]
		if !found {
			return nil, false
		}
		group := p.bySender[loc.sender]
		entry, found := group.byNonce[loc.nonce]
		if !found {
			return nil, false
		}
		txs = append(txs, entry.tx)
	}
	return txs, true
}

// NotifyCommitted implements spec.md §4.F "Commit notification": evicts
// every tx with nonce <= max_seq per sender and advances seq_cache.
func (p *Pool) NotifyCommitted(maxSeq map[string]uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sender, seq := range maxSeq {
		group, ok := p.bySender[sender]
		if !ok {
			if cur := p.seqCache[sender]; seq > cur {
				p.seqCache[sender] = seq
			}
			continue
		}
		for nonce, entry := range group.byNonce {
			if nonce <= seq {
				delete(group.byNonce, nonce)
				delete(p.byHash, entry.tx.Hash)
				p.ttl.removeByHash(entry.tx.Hash)
			}
		}
		if len(group.byNonce) == 0 {
			delete(p.bySender, sender)
		}
		if cur := p.seqCache[sender]; seq > cur {
			p.seqCache[sender] = seq
		}
	}
}

// GC implements spec.md §4.F "Garbage collection": removes every entry
// whose TTL has expired.
func (p *Pool) GC() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	removed := 0
	for p.ttl.Len() > 0 && !p.ttl[0].expiresAt.After(now) {
		item := heap.Pop(&p.ttl).(*ttlItem)
		loc, ok := p.byHash[item.hash]
		if !ok {
			continue
		}
		delete(p.byHash, item.hash)
		if group, ok := p.bySender[loc.sender]; ok {
			delete(group.byNonce, loc.nonce)
			if len(group.byNonce) == 0 {
				delete(p.bySender, loc.sender)
			}
		}
		removed++
	}
	cutoff := now.Add(-time.Hour)
	for h, t := range p.verified {
		if t.Before(cutoff) {
			delete(p.verified, h)
		}
	}
	return removed
}

// Size returns the total number of admitted transactions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.size()
}

// SenderCount returns the number of transactions admitted for sender.
func (p *Pool) SenderCount(sender string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if g, ok := p.bySender[sender]; ok {
		return len(g.byNonce)
	}
	return 0
}

// Run starts the periodic GC sweep; it blocks until done is closed.
func (p *Pool) Run(done <-chan struct{}) {
	interval := p.cfg.GCInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.GC()
		}
	}
}
