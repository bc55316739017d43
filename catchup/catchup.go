// Package catchup implements the out-of-consensus ledger-sync protocol: a
// periodic height probe, peer scoring with an ignored set, and a batched
// block pull that applies synced blocks through the same executor path as
// consensus commits. Adapted from the teacher's network.Syncer
// (request/response block pull with no peer scoring), generalized to
// spec.md §4.G and unified into the single Catchuper design called for by
// spec.md §9 (the source's two near-identical Catchuper implementations
// collapse into this one, whose handlers are called from the network
// layer's SYNCCHAIN/SYNCBLOCK dispatch in network.WireCatchup rather than
// owning a receiver per message kind).
package catchup

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tolelom/tolchain/core"
)

// batchSize is the number of consecutive blocks requested/returned per
// SYNCBLOCK round, per spec.md §4.G step 4.
const batchSize = 5

// scoreFailureThreshold is the score at or below which a peer is moved to
// the ignored set.
const scoreFailureThreshold = -3

// resetInterval is how often the ignored set is periodically cleared,
// giving a previously-misbehaving peer another chance.
const resetInterval = 5 * time.Minute

// selectionWindow is how long HandleSyncChainResponse waits to collect
// competing ahead-of-us reports before picking the highest-score
// candidate to pull from, per spec.md §4.G step 3.
const selectionWindow = 200 * time.Millisecond

// SyncChainRequest is the BROADCAST payload of spec.md §6.
type SyncChainRequest struct {
	Height  int64  `json:"height"`
	ChainID string `json:"chain_id"`
}

// SyncChainResponse is the RESPONSE payload of spec.md §6.
type SyncChainResponse struct {
	Height  int64  `json:"height"`
	Hash    string `json:"hash"`
	ChainID string `json:"chain_id"`
}

// SyncBlockRequest is the REQUEST payload of spec.md §6.
type SyncBlockRequest struct {
	ChainID   string `json:"chain_id"`
	Begin     int64  `json:"begin"`
	End       int64  `json:"end"`
	RequestID string `json:"request_id"`
}

// SyncBlockResponse is the RESPONSE payload of spec.md §6.
type SyncBlockResponse struct {
	ChainID string        `json:"chain_id"`
	Blocks  []*core.Block `json:"blocks"`
	Finish  bool          `json:"finish"`
}

// Transport is the narrow network collaborator Syncer needs.
type Transport interface {
	BroadcastSyncChain(req SyncChainRequest)
	RequestSyncBlocks(peerID string, req SyncBlockRequest)
	RespondSyncBlocks(peerID string, resp SyncBlockResponse)
}

// RosterVerifier checks a block's embedded prev_proof against the roster
// effective at the time it claims to close, without generating a new
// proof of our own (spec.md §4.G step 5).
type RosterVerifier interface {
	VerifyBlockProof(block *core.Block) error
}

type peerScore struct {
	score   int
	ignored bool
}

// candidate is a peer's ahead-of-us height report collected during one
// selectionWindow, awaiting the highest-score pick of spec.md §4.G step 3.
type candidate struct {
	peerID string
	height int64
}

// Syncer drives the catch-up protocol. It is safe for concurrent use; the
// 5-second probe loop and inbound response handlers run on different
// goroutines but all mutate state under one mutex.
type Syncer struct {
	chainID   string
	bc        *core.Blockchain
	exec      core.Executor
	state     *core.StateCache
	verifier  RosterVerifier
	transport Transport

	mu         sync.Mutex
	scores     map[string]*peerScore
	catchingUp bool
	activePeer string
	selecting  bool
	candidates []candidate

	done chan struct{}
}

// New creates a Syncer.
func New(chainID string, bc *core.Blockchain, exec core.Executor, state *core.StateCache, verifier RosterVerifier, transport Transport) *Syncer {
	return &Syncer{
		chainID:   chainID,
		bc:        bc,
		exec:      exec,
		state:     state,
		verifier:  verifier,
		transport: transport,
		scores:    make(map[string]*peerScore),
		done:      make(chan struct{}),
	}
}

// Run starts the 5-second probe loop (spec.md §4.G step 1) and the
// periodic ignored-set reset. It blocks until Stop is called.
func (s *Syncer) Run() {
	probe := time.NewTicker(5 * time.Second)
	reset := time.NewTicker(resetInterval)
	defer probe.Stop()
	defer reset.Stop()
	for {
		select {
		case <-probe.C:
			s.probe()
		case <-reset.C:
			s.resetIgnored()
		case <-s.done:
			return
		}
	}
}

// Stop ends the probe loop.
func (s *Syncer) Stop() {
	close(s.done)
}

func (s *Syncer) localHeight() int64 {
	tip := s.bc.Tip()
	if tip == nil {
		return 0
	}
	return tip.Header.Height
}

func (s *Syncer) probe() {
	s.transport.BroadcastSyncChain(SyncChainRequest{Height: s.localHeight(), ChainID: s.chainID})
}

func (s *Syncer) resetIgnored() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ps := range s.scores {
		ps.ignored = false
		ps.score = 0
	}
}

// HandleSyncChainRequest answers a peer's height probe.
func (s *Syncer) HandleSyncChainRequest(req SyncChainRequest) SyncChainResponse {
	tip := s.bc.Tip()
	var hash string
	if tip != nil {
		hash = tip.Hash
	}
	return SyncChainResponse{Height: s.localHeight(), Hash: hash, ChainID: s.chainID}
}

// HandleSyncChainResponse implements spec.md §4.G step 2-3: record the
// peer's reported height and, if it is ahead and no catch-up is already
// underway, enter it as a candidate. Candidates collected within one
// selectionWindow of the first are compared by score once the window
// closes, and the pull starts from the highest-scoring one rather than
// whichever response happened to arrive first.
func (s *Syncer) HandleSyncChainResponse(peerID string, resp SyncChainResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.scores[peerID]
	if !ok {
		ps = &peerScore{}
		s.scores[peerID] = ps
	}
	if ps.ignored {
		return
	}

	local := s.localHeight()
	if resp.Height <= local || s.catchingUp {
		return
	}

	s.candidates = append(s.candidates, candidate{peerID: peerID, height: resp.Height})
	if s.selecting {
		return
	}
	s.selecting = true
	time.AfterFunc(selectionWindow, s.selectCandidate)
}

// selectCandidate picks the highest-score peer among those collected
// during the window just closed and starts pulling blocks from it.
func (s *Syncer) selectCandidate() {
	s.mu.Lock()
	candidates := s.candidates
	s.candidates = nil
	s.selecting = false
	if s.catchingUp || len(candidates) == 0 {
		s.mu.Unlock()
		return
	}

	best := candidates[0]
	bestScore := s.scores[best.peerID].score
	for _, c := range candidates[1:] {
		if sc := s.scores[c.peerID].score; sc > bestScore {
			best, bestScore = c, sc
		}
	}

	s.catchingUp = true
	s.activePeer = best.peerID
	local := s.localHeight()
	begin := local + 1
	end := begin + batchSize - 1
	if end > best.height {
		end = best.height
	}
	s.mu.Unlock()

	s.transport.RequestSyncBlocks(best.peerID, SyncBlockRequest{ChainID: s.chainID, Begin: begin, End: end, RequestID: fmt.Sprintf("%s-%d", best.peerID, begin)})
}

// HandleSyncBlockRequest implements spec.md §4.G step 4: respond with up
// to 5 consecutive blocks starting at req.Begin.
func (s *Syncer) HandleSyncBlockRequest(peerID string, req SyncBlockRequest) {
	var blocks []*core.Block
	finish := true
	for h := req.Begin; h <= req.End && h-req.Begin < batchSize; h++ {
		b, err := s.bc.GetBlockByHeight(h)
		if err != nil {
			break
		}
		blocks = append(blocks, b)
	}
	if len(blocks) > 0 {
		last := blocks[len(blocks)-1].Header.Height
		finish = last >= s.localHeight()
	}
	s.transport.RespondSyncBlocks(peerID, SyncBlockResponse{ChainID: s.chainID, Blocks: blocks, Finish: finish})
}

// HandleSyncBlockResponse implements spec.md §4.G step 5.
func (s *Syncer) HandleSyncBlockResponse(peerID string, resp SyncBlockResponse) {
	s.mu.Lock()
	active := s.catchingUp && s.activePeer == peerID
	s.mu.Unlock()
	if !active {
		return
	}

	for _, block := range resp.Blocks {
		if block.Header.Height != s.localHeight()+1 {
			break // abort the batch, do not skip ahead past a gap
		}
		if err := s.verifier.VerifyBlockProof(block); err != nil {
			log.Printf("[catchup] block %d failed proof verification from %s: %v", block.Header.Height, peerID, err)
			s.downgrade(peerID)
			s.endCatchUp()
			return
		}

		if _, err := s.exec.ExecuteBlock(block, s.state); err != nil {
			log.Printf("[catchup] block %d execution failed from %s: %v", block.Header.Height, peerID, err)
			s.state.Rollback()
			s.downgrade(peerID)
			s.endCatchUp()
			return
		}
		if err := s.state.FlushToBottom(); err != nil {
			log.Printf("[catchup] block %d state flush failed: %v", block.Header.Height, err)
			s.endCatchUp()
			return
		}
		if err := s.bc.AddBlock(block); err != nil {
			log.Printf("[catchup] block %d add failed: %v", block.Header.Height, err)
			s.endCatchUp()
			return
		}
	}

	s.upgrade(peerID)

	if !resp.Finish {
		begin := s.localHeight() + 1
		end := begin + batchSize - 1
		s.transport.RequestSyncBlocks(peerID, SyncBlockRequest{ChainID: s.chainID, Begin: begin, End: end, RequestID: fmt.Sprintf("%s-%d", peerID, begin)})
		return
	}
	s.endCatchUp()
}

func (s *Syncer) endCatchUp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catchingUp = false
	s.activePeer = ""
}

func (s *Syncer) upgrade(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.scores[peerID]
	if !ok {
		ps = &peerScore{}
		s.scores[peerID] = ps
	}
	ps.score++
}

func (s *Syncer) downgrade(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.scores[peerID]
	if !ok {
		ps = &peerScore{}
		s.scores[peerID] = ps
	}
	ps.score--
	if ps.score <= scoreFailureThreshold {
		ps.ignored = true
	}
}

// IsIgnored reports whether peerID is currently in the ignored set.
func (s *Syncer) IsIgnored(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.scores[peerID]
	return ok && ps.ignored
}
