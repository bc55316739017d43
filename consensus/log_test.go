package consensus

import (
	"testing"
	"time"
)

// TestRecordPrepareReachesQuorum verifies RecordPrepare advances an
// instance to PREPARED only once enough matching votes have accumulated,
// and reports justReachedQuorum exactly once.
func TestRecordPrepareReachesQuorum(t *testing.T) {
	log := NewInstanceLog()
	key := InstanceKey{View: 0, Sequence: 1}
	threshold := 3

	for i := 0; i < threshold-1; i++ {
		msg := Message{ReplicaID: i, ValueDigest: "d1"}
		inst, reached := log.RecordPrepare(key, msg, threshold)
		if reached {
			t.Fatalf("reached quorum early at vote %d", i)
		}
		if inst.Phase != PhaseNone {
			t.Errorf("phase before quorum: got %s want NONE", inst.Phase)
		}
	}

	inst, reached := log.RecordPrepare(key, Message{ReplicaID: threshold - 1, ValueDigest: "d1"}, threshold)
	if !reached {
		t.Fatal("expected quorum to be reached on the threshold-th vote")
	}
	if inst.Phase != PhasePrepared {
		t.Errorf("phase: got %s want PREPARED", inst.Phase)
	}

	// A further vote must not re-report justReachedQuorum.
	_, reachedAgain := log.RecordPrepare(key, Message{ReplicaID: threshold, ValueDigest: "d1"}, threshold)
	if reachedAgain {
		t.Error("justReachedQuorum reported twice for the same instance")
	}
}

// TestRecordPrepareIgnoresMismatchedDigest verifies votes for a different
// digest never count toward the matching threshold.
func TestRecordPrepareIgnoresMismatchedDigest(t *testing.T) {
	log := NewInstanceLog()
	key := InstanceKey{View: 0, Sequence: 1}

	log.RecordPrepare(key, Message{ReplicaID: 0, ValueDigest: "d1"}, 2)
	_, reached := log.RecordPrepare(key, Message{ReplicaID: 1, ValueDigest: "d2"}, 2)
	if reached {
		t.Error("mismatched digests should never reach quorum together")
	}
}

// TestRecordPrePrepareEquivocationKeepsFirst verifies a second PRE_PREPARE
// for an instance that already has one recorded is ignored.
func TestRecordPrePrepareEquivocationKeepsFirst(t *testing.T) {
	log := NewInstanceLog()
	key := InstanceKey{View: 0, Sequence: 1}

	first := Message{ReplicaID: 0, ValueDigest: "first"}
	second := Message{ReplicaID: 0, ValueDigest: "second"}

	log.RecordPrePrepare(key, first)
	inst := log.RecordPrePrepare(key, second)

	if inst.PrePrepare.ValueDigest != "first" {
		t.Errorf("pre-prepare: got %s want first (equivocation should not overwrite)", inst.PrePrepare.ValueDigest)
	}
}

// TestHighestPreparedTieBreak verifies the (seq DESC, view DESC) tie-break
// across multiple prepared instances.
func TestHighestPreparedTieBreak(t *testing.T) {
	log := NewInstanceLog()

	low := InstanceKey{View: 0, Sequence: 1}
	log.RecordPrePrepare(low, Message{View: 0, Sequence: 1, ValueDigest: "low"})
	log.RecordPrepare(low, Message{ReplicaID: 0, View: 0, Sequence: 1, ValueDigest: "low"}, 1)

	high := InstanceKey{View: 0, Sequence: 2}
	log.RecordPrePrepare(high, Message{View: 0, Sequence: 2, ValueDigest: "high"})
	log.RecordPrepare(high, Message{ReplicaID: 0, View: 0, Sequence: 2, ValueDigest: "high"}, 1)

	best := log.HighestPrepared()
	if best == nil {
		t.Fatal("expected a prepared set")
	}
	if best.PrePrepare.ValueDigest != "high" {
		t.Errorf("highest prepared: got %s want high (sequence 2 beats sequence 1)", best.PrePrepare.ValueDigest)
	}
}

// TestDiscardNonCommittedKeepsCommittedAndLowerSeq verifies the
// view-change teardown rule: instances above the keep point that never
// reached COMMITTED are discarded; committed ones and lower-sequence ones
// survive.
func TestDiscardNonCommittedKeepsCommittedAndLowerSeq(t *testing.T) {
	log := NewInstanceLog()

	committed := InstanceKey{View: 0, Sequence: 5}
	log.RecordPrePrepare(committed, Message{ValueDigest: "c"})
	log.RecordCommit(committed, Message{ReplicaID: 0, ValueDigest: "c"}, 1)

	stuck := InstanceKey{View: 0, Sequence: 6}
	log.RecordPrePrepare(stuck, Message{ValueDigest: "s"})

	below := InstanceKey{View: 0, Sequence: 3}
	log.RecordPrePrepare(below, Message{ValueDigest: "b"})

	log.DiscardNonCommitted(4)

	if log.Get(committed) == nil {
		t.Error("committed instance above keep point should survive")
	}
	if log.Get(stuck) != nil {
		t.Error("non-committed instance above keep point should be discarded")
	}
	if log.Get(below) == nil {
		t.Error("instance at or below keep point should survive regardless of phase")
	}
}

// TestExpiredInstancesSkipsCommitted verifies the timeout sweep only
// reports live instances, never ones that already reached COMMITTED.
func TestExpiredInstancesSkipsCommitted(t *testing.T) {
	log := NewInstanceLog()

	stuck := InstanceKey{View: 0, Sequence: 1}
	log.RecordPrePrepare(stuck, Message{ValueDigest: "s"})

	done := InstanceKey{View: 0, Sequence: 2}
	log.RecordPrePrepare(done, Message{ValueDigest: "d"})
	log.RecordCommit(done, Message{ReplicaID: 0, ValueDigest: "d"}, 1)

	time.Sleep(5 * time.Millisecond)
	expired := log.ExpiredInstances(time.Millisecond)

	found := false
	for _, inst := range expired {
		if inst.Key == done {
			t.Error("committed instance should never be reported as expired")
		}
		if inst.Key == stuck {
			found = true
		}
	}
	if !found {
		t.Error("expected the stuck, non-committed instance to be reported as expired")
	}
}

// TestRecordViewChangeVoteThreshold verifies the per-view aggregate
// reports justReachedThreshold exactly once and tracks the best prepared
// set across votes.
func TestRecordViewChangeVoteThreshold(t *testing.T) {
	log := NewInstanceLog()
	view := int64(1)
	threshold := 2

	lowPS := &PreparedSet{PrePrepare: &Message{Sequence: 1, View: 0, ValueDigest: "low"}}
	highPS := &PreparedSet{PrePrepare: &Message{Sequence: 2, View: 0, ValueDigest: "high"}}

	_, reached := log.RecordViewChangeVote(view, Message{ReplicaID: 0, PreparedSet: lowPS}, threshold)
	if reached {
		t.Fatal("reached threshold on first vote")
	}
	vci, reached := log.RecordViewChangeVote(view, Message{ReplicaID: 1, PreparedSet: highPS}, threshold)
	if !reached {
		t.Fatal("expected threshold reached on second vote")
	}
	if vci.BestPrepared.PrePrepare.ValueDigest != "high" {
		t.Errorf("best prepared: got %s want high", vci.BestPrepared.PrePrepare.ValueDigest)
	}
}

// TestRetransmitRoundBumpsCounter verifies RetransmitRound increments an
// existing instance's round and returns 0 for an instance that doesn't
// exist.
func TestRetransmitRoundBumpsCounter(t *testing.T) {
	log := NewInstanceLog()
	key := InstanceKey{View: 0, Sequence: 1}
	log.RecordPrePrepare(key, Message{ValueDigest: "d1"})

	if got := log.RetransmitRound(key); got != 1 {
		t.Errorf("round: got %d want 1", got)
	}
	if got := log.RetransmitRound(key); got != 2 {
		t.Errorf("round: got %d want 2", got)
	}
	if got := log.RetransmitRound(InstanceKey{View: 9, Sequence: 9}); got != 0 {
		t.Errorf("round for unknown instance: got %d want 0", got)
	}
}

// TestAbnormalCountTracksRecordAbnormal verifies AbnormalCount reflects
// accumulated RecordAbnormal calls without mutating them.
func TestAbnormalCountTracksRecordAbnormal(t *testing.T) {
	log := NewInstanceLog()
	if log.AbnormalCount("replica-x") != 0 {
		t.Error("expected 0 for a never-recorded address")
	}
	log.RecordAbnormal("replica-x")
	log.RecordAbnormal("replica-x")
	if got := log.AbnormalCount("replica-x"); got != 2 {
		t.Errorf("count: got %d want 2", got)
	}
	if log.AbnormalCount("replica-x") != 2 {
		t.Error("AbnormalCount should not itself increment the counter")
	}
}
