package catchup

import (
	"testing"
	"time"

	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/internal/testutil"
	"github.com/tolelom/tolchain/storage"
)

// fakeTransport records every outbound call so tests can assert on the
// protocol sequence without a real network.
type fakeTransport struct {
	chainReqs  []SyncChainRequest
	blockReqs  []struct {
		peerID string
		req    SyncBlockRequest
	}
	responses []struct {
		peerID string
		resp   SyncBlockResponse
	}
}

func (f *fakeTransport) BroadcastSyncChain(req SyncChainRequest) {
	f.chainReqs = append(f.chainReqs, req)
}

func (f *fakeTransport) RequestSyncBlocks(peerID string, req SyncBlockRequest) {
	f.blockReqs = append(f.blockReqs, struct {
		peerID string
		req    SyncBlockRequest
	}{peerID, req})
}

func (f *fakeTransport) RespondSyncBlocks(peerID string, resp SyncBlockResponse) {
	f.responses = append(f.responses, struct {
		peerID string
		resp   SyncBlockResponse
	}{peerID, resp})
}

// acceptAllVerifier treats every block's proof as valid, for tests that
// exercise the sync machinery rather than proof checking.
type acceptAllVerifier struct{}

func (acceptAllVerifier) VerifyBlockProof(*core.Block) error { return nil }

// rejectAllVerifier always fails verification, for exercising the
// downgrade path.
type rejectAllVerifier struct{}

func (rejectAllVerifier) VerifyBlockProof(*core.Block) error { return errBadProof{} }

type errBadProof struct{}

func (errBadProof) Error() string { return "bad proof" }

func newTestSyncer(t *testing.T, verifier RosterVerifier, transport Transport) (*Syncer, *core.Blockchain) {
	t.Helper()
	db := testutil.NewMemDB()
	stateDB := storage.NewStateDB(db)
	blockStore := testutil.NewMemBlockStore()
	bc := core.NewBlockchain(blockStore)
	if err := bc.Init(); err != nil {
		t.Fatal(err)
	}
	genesis := core.NewBlock(0, "0000000000000000000000000000000000000000000000000000000000000000", "proposer", 1, 0, nil, nil, time.Now().Unix())
	genesis.Hash = genesis.ComputeHash()
	if err := bc.AddBlock(genesis); err != nil {
		t.Fatal(err)
	}
	cache := core.NewStateCache(stateDB)
	exec := core.NewReferenceExecutor()
	return New("test-chain", bc, exec, cache, verifier, transport), bc
}

// TestHandleSyncChainResponseStartsPull verifies receiving a height ahead
// of the local tip kicks off a SYNCBLOCK pull for the correct range once
// the candidate-selection window closes.
func TestHandleSyncChainResponseStartsPull(t *testing.T) {
	transport := &fakeTransport{}
	syncer, _ := newTestSyncer(t, acceptAllVerifier{}, transport)

	syncer.HandleSyncChainResponse("peer1", SyncChainResponse{Height: 10, Hash: "h10", ChainID: "test-chain"})
	time.Sleep(2 * selectionWindow)

	if len(transport.blockReqs) != 1 {
		t.Fatalf("block requests: got %d want 1", len(transport.blockReqs))
	}
	req := transport.blockReqs[0].req
	if req.Begin != 1 || req.End != 5 {
		t.Errorf("range: got [%d,%d] want [1,5]", req.Begin, req.End)
	}
}

// TestHandleSyncChainResponseIgnoresBehindOrEqual verifies a peer reporting
// a height at or below the local tip never triggers a pull.
func TestHandleSyncChainResponseIgnoresBehindOrEqual(t *testing.T) {
	transport := &fakeTransport{}
	syncer, _ := newTestSyncer(t, acceptAllVerifier{}, transport)

	syncer.HandleSyncChainResponse("peer1", SyncChainResponse{Height: 0, Hash: "h0", ChainID: "test-chain"})
	time.Sleep(2 * selectionWindow)

	if len(transport.blockReqs) != 0 {
		t.Errorf("expected no block requests, got %d", len(transport.blockReqs))
	}
}

// TestHandleSyncChainResponseIgnoresWhileCatchingUp verifies a second
// ahead-of-us report that arrives after a pull is already in flight does
// not start a competing pull.
func TestHandleSyncChainResponseIgnoresWhileCatchingUp(t *testing.T) {
	transport := &fakeTransport{}
	syncer, _ := newTestSyncer(t, acceptAllVerifier{}, transport)

	syncer.HandleSyncChainResponse("peer1", SyncChainResponse{Height: 10, Hash: "h10", ChainID: "test-chain"})
	time.Sleep(2 * selectionWindow)
	syncer.HandleSyncChainResponse("peer2", SyncChainResponse{Height: 20, Hash: "h20", ChainID: "test-chain"})
	time.Sleep(2 * selectionWindow)

	if len(transport.blockReqs) != 1 {
		t.Errorf("expected only the first pull to be started, got %d requests", len(transport.blockReqs))
	}
}

// TestHandleSyncChainResponsePicksHighestScoreCandidate verifies that when
// two peers report an ahead height within the same selection window, the
// pull starts from the one with the higher score rather than whichever
// response happened to arrive first.
func TestHandleSyncChainResponsePicksHighestScoreCandidate(t *testing.T) {
	transport := &fakeTransport{}
	syncer, _ := newTestSyncer(t, acceptAllVerifier{}, transport)

	syncer.upgrade("good-peer")
	syncer.upgrade("good-peer")
	syncer.downgrade("weak-peer")

	syncer.HandleSyncChainResponse("weak-peer", SyncChainResponse{Height: 10, Hash: "h10", ChainID: "test-chain"})
	syncer.HandleSyncChainResponse("good-peer", SyncChainResponse{Height: 12, Hash: "h12", ChainID: "test-chain"})
	time.Sleep(2 * selectionWindow)

	if len(transport.blockReqs) != 1 {
		t.Fatalf("block requests: got %d want 1", len(transport.blockReqs))
	}
	if got := transport.blockReqs[0].peerID; got != "good-peer" {
		t.Errorf("selected peer: got %s want good-peer", got)
	}
}

// TestHandleSyncBlockRequestRespectsBatchSize verifies a request for more
// than batchSize blocks is capped.
func TestHandleSyncBlockRequestRespectsBatchSize(t *testing.T) {
	transport := &fakeTransport{}
	syncer, _ := newTestSyncer(t, acceptAllVerifier{}, transport)

	syncer.HandleSyncBlockRequest("peer1", SyncBlockRequest{ChainID: "test-chain", Begin: 1, End: 100, RequestID: "r1"})

	if len(transport.responses) != 1 {
		t.Fatalf("responses: got %d want 1", len(transport.responses))
	}
	// Local chain only has the genesis block (height 0), so no blocks
	// beginning at height 1 exist yet.
	if len(transport.responses[0].resp.Blocks) != 0 {
		t.Errorf("expected no blocks available above genesis, got %d", len(transport.responses[0].resp.Blocks))
	}
}

// TestDowngradePeerEntersIgnoredSetAfterThreshold verifies a peer that
// fails verification repeatedly crosses scoreFailureThreshold and is
// marked ignored, after which its reports are no longer acted on.
func TestDowngradePeerEntersIgnoredSetAfterThreshold(t *testing.T) {
	transport := &fakeTransport{}
	syncer, _ := newTestSyncer(t, rejectAllVerifier{}, transport)

	peer := "bad-peer"
	for i := 0; i < -scoreFailureThreshold; i++ {
		syncer.downgrade(peer)
	}
	if !syncer.IsIgnored(peer) {
		t.Fatal("expected peer to be ignored after crossing the failure threshold")
	}

	before := len(transport.blockReqs)
	syncer.HandleSyncChainResponse(peer, SyncChainResponse{Height: 10, Hash: "h10", ChainID: "test-chain"})
	if len(transport.blockReqs) != before {
		t.Error("an ignored peer's height report should not start a pull")
	}
}

// TestResetIgnoredClearsScores verifies the periodic reset un-ignores a
// previously-downgraded peer.
func TestResetIgnoredClearsScores(t *testing.T) {
	transport := &fakeTransport{}
	syncer, _ := newTestSyncer(t, rejectAllVerifier{}, transport)

	peer := "bad-peer"
	for i := 0; i < -scoreFailureThreshold; i++ {
		syncer.downgrade(peer)
	}
	if !syncer.IsIgnored(peer) {
		t.Fatal("expected peer to be ignored")
	}

	syncer.resetIgnored()
	if syncer.IsIgnored(peer) {
		t.Error("expected ignored set to be cleared by resetIgnored")
	}
}
