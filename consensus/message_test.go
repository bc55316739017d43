package consensus

import (
	"testing"

	"github.com/tolelom/tolchain/crypto"
)

func newTestRosterAndKey(t *testing.T, n int) (*Roster, crypto.PrivateKey, crypto.PublicKey) {
	t.Helper()
	keys := make([]string, n)
	var priv crypto.PrivateKey
	var pub crypto.PublicKey
	for i := 0; i < n; i++ {
		p, k, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatal(err)
		}
		keys[i] = k.Hex()
		if i == 0 {
			priv, pub = p, k
		}
	}
	return NewRoster(keys), priv, pub
}

// TestPrePrepareVerifyRoundTrip verifies a signed PRE_PREPARE passes
// Verify and that tampering the value breaks the embedded digest check.
func TestPrePrepareVerifyRoundTrip(t *testing.T) {
	roster, priv, pub := newTestRosterAndKey(t, 4)
	replicaID, err := roster.ReplicaID(pub.Hex())
	if err != nil {
		t.Fatal(err)
	}

	msg := NewPrePrepareMsg("chain1", "hub1", 0, 1, replicaID, []byte("block-bytes"), priv)
	if err := Verify(&msg, roster, "chain1", "hub1"); err != nil {
		t.Errorf("Verify failed: %v", err)
	}

	msg.Value = []byte("tampered")
	if err := Verify(&msg, roster, "chain1", "hub1"); err == nil {
		t.Error("expected digest mismatch after tampering with value")
	}
}

// TestVerifyRejectsChainTagMismatch verifies Verify checks chain_id/hub_id
// before anything else.
func TestVerifyRejectsChainTagMismatch(t *testing.T) {
	roster, priv, pub := newTestRosterAndKey(t, 4)
	replicaID, _ := roster.ReplicaID(pub.Hex())

	msg := NewPrepareMsg("chain1", "hub1", 0, 1, replicaID, "digest", priv)
	if err := Verify(&msg, roster, "other-chain", "hub1"); err == nil {
		t.Error("expected chain tag mismatch error")
	}
}

// TestVerifyRejectsReplicaIDMismatch verifies Verify catches a message
// whose declared replica_id doesn't match the signer's roster id.
func TestVerifyRejectsReplicaIDMismatch(t *testing.T) {
	roster, priv, pub := newTestRosterAndKey(t, 4)
	realID, _ := roster.ReplicaID(pub.Hex())

	msg := NewCommitMsg("chain1", "hub1", 0, 1, realID, "digest", priv)
	msg.ReplicaID = realID + 1
	if err := Verify(&msg, roster, "chain1", "hub1"); err == nil {
		t.Error("expected replica_id mismatch error")
	}
}

// TestVerifyRejectsForgedSignature verifies a message whose signature
// doesn't match its claimed public key fails verification.
func TestVerifyRejectsForgedSignature(t *testing.T) {
	roster, priv, pub := newTestRosterAndKey(t, 4)
	replicaID, _ := roster.ReplicaID(pub.Hex())

	msg := NewPrepareMsg("chain1", "hub1", 0, 1, replicaID, "digest", priv)
	msg.Signature = msg.Signature[:len(msg.Signature)-2] + "00"
	if err := Verify(&msg, roster, "chain1", "hub1"); err == nil {
		t.Error("expected signature verification to fail")
	}
}

// TestVerifySubFieldPresence verifies the per-phase sub-field checks: a
// PREPARE with no value_digest and a NEW_VIEW with no view_changes are
// both rejected even with a valid signature.
func TestVerifySubFieldPresence(t *testing.T) {
	roster, priv, pub := newTestRosterAndKey(t, 4)
	replicaID, _ := roster.ReplicaID(pub.Hex())

	bad := Message{Type: Prepare, View: 0, Sequence: 1, ReplicaID: replicaID, ChainID: "chain1", HubID: "hub1"}
	sign(&bad, priv)
	if err := Verify(&bad, roster, "chain1", "hub1"); err == nil {
		t.Error("expected missing value_digest error for PREPARE")
	}

	badNewView := Message{Type: NewView, View: 1, ReplicaID: replicaID, ChainID: "chain1", HubID: "hub1"}
	sign(&badNewView, priv)
	if err := Verify(&badNewView, roster, "chain1", "hub1"); err == nil {
		t.Error("expected missing view_changes error for NEW_VIEW")
	}
}
