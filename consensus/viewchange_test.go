package consensus

import (
	"testing"

	"github.com/tolelom/tolchain/crypto"
)

// TestSelectHighestPreparedTieBreak verifies SelectHighestPrepared applies
// the (seq DESC, view DESC) tie-break across a set of view-change votes.
func TestSelectHighestPreparedTieBreak(t *testing.T) {
	vci := newViewChangeInstance(3)
	vci.Votes[0] = Message{ReplicaID: 0, PreparedSet: &PreparedSet{PrePrepare: &Message{Sequence: 5, View: 1}}}
	vci.Votes[1] = Message{ReplicaID: 1, PreparedSet: &PreparedSet{PrePrepare: &Message{Sequence: 7, View: 0}}}
	vci.Votes[2] = Message{ReplicaID: 2} // no prepared set at all

	best := SelectHighestPrepared(vci)
	if best == nil {
		t.Fatal("expected a prepared set")
	}
	if best.PrePrepare.Sequence != 7 {
		t.Errorf("sequence: got %d want 7", best.PrePrepare.Sequence)
	}
}

// TestSelectHighestPreparedNoVotes verifies a view-change aggregate with no
// prepared sets among its votes returns nil.
func TestSelectHighestPreparedNoVotes(t *testing.T) {
	vci := newViewChangeInstance(1)
	vci.Votes[0] = Message{ReplicaID: 0}
	if got := SelectHighestPrepared(vci); got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

// TestBuildAndVerifyNewView verifies a NEW_VIEW assembled from threshold
// votes passes VerifyNewView, and that a forged pre_prepare digest is
// caught.
func TestBuildAndVerifyNewView(t *testing.T) {
	keys := make([]string, 4)
	privs := make([]crypto.PrivateKey, 4)
	for i := range keys {
		priv, pub, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatal(err)
		}
		keys[i] = pub.Hex()
		privs[i] = priv
	}
	roster := NewRoster(keys)
	_, privs = keysByReplicaID(t, roster, keys, privs)
	threshold := roster.ViewChangeThreshold()

	vci := newViewChangeInstance(1)
	for i := 0; i < threshold; i++ {
		vc := NewViewChangeValueMsg("chain1", "hub1", 1, i, nil, privs[i])
		vci.Votes[i] = vc
	}

	newViewID := 0
	nv := BuildNewView("chain1", "hub1", vci, newViewID, nil, privs[newViewID])
	if err := VerifyNewView(nv, roster, "chain1", "hub1", threshold); err != nil {
		t.Errorf("VerifyNewView failed: %v", err)
	}

	nv.ViewChanges = nv.ViewChanges[:threshold-1]
	if err := VerifyNewView(nv, roster, "chain1", "hub1", threshold); err == nil {
		t.Error("expected error when below threshold view_changes are embedded")
	}
}

// TestVerifyNewViewRejectsMismatchedCarriedDigest verifies a NEW_VIEW whose
// carried-forward pre_prepare doesn't match the highest prepared digest
// among its embedded view-changes is rejected.
func TestVerifyNewViewRejectsMismatchedCarriedDigest(t *testing.T) {
	keys := make([]string, 4)
	privs := make([]crypto.PrivateKey, 4)
	for i := range keys {
		priv, pub, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatal(err)
		}
		keys[i] = pub.Hex()
		privs[i] = priv
	}
	roster := NewRoster(keys)
	_, privs = keysByReplicaID(t, roster, keys, privs)
	threshold := roster.ViewChangeThreshold()

	prepared := &PreparedSet{PrePrepare: &Message{Sequence: 1, View: 0, ValueDigest: "real-digest"}}
	viewChanges := make([]Message, 0, threshold)
	for i := 0; i < threshold; i++ {
		var ps *PreparedSet
		if i == 0 {
			ps = prepared
		}
		viewChanges = append(viewChanges, NewViewChangeValueMsg("chain1", "hub1", 1, i, ps, privs[i]))
	}

	forged := &Message{Sequence: 1, View: 0, ValueDigest: "forged-digest"}
	nv := NewNewViewMsg("chain1", "hub1", 1, 0, viewChanges, forged, privs[0])

	if err := VerifyNewView(nv, roster, "chain1", "hub1", threshold); err == nil {
		t.Error("expected mismatched carried-forward digest to be rejected")
	}
}
