// Package consensus implements the permissioned PBFT engine: three-phase
// voting (pre-prepare/prepare/commit) for normal-case agreement and the
// timeout-triggered view-change protocol for primary rotation and
// recovery. Adapted from the teacher's round-robin consensus.PoA,
// generalized to the three-phase protocol described in
// consensus/consensus-pbft/src/bft_consensus.rs of the original source.
package consensus

import (
	"fmt"
	"sort"

	"github.com/tolelom/tolchain/crypto"
)

// Roster is the fixed set of validators participating in consensus at a
// given height. Replica IDs are assigned by sorting public keys
// lexicographically, so every honest node computes the same roster
// independently from the same validator set.
type Roster struct {
	replicas []string // pubkey hex, ordered by replica id
	index    map[string]int
}

// NewRoster builds a Roster from an unordered set of validator public keys
// (hex-encoded).
func NewRoster(pubkeys []string) *Roster {
	sorted := append([]string(nil), pubkeys...)
	sort.Strings(sorted)
	idx := make(map[string]int, len(sorted))
	for i, k := range sorted {
		idx[k] = i
	}
	return &Roster{replicas: sorted, index: idx}
}

// Size returns n, the total number of replicas.
func (r *Roster) Size() int {
	return len(r.replicas)
}

// FaultTolerance returns f = floor((n-1)/3), the maximum number of
// Byzantine replicas the roster can tolerate.
func (r *Roster) FaultTolerance() int {
	return (len(r.replicas) - 1) / 3
}

// RawQuorum returns 2f, exposed only for diagnostics/logging parity with
// the original source's quorum_size() — no call site should use this
// value to decide whether a vote set is sufficient; use CommitThreshold or
// PrepareThreshold instead.
func (r *Roster) RawQuorum() int {
	return 2 * r.FaultTolerance()
}

// CommitThreshold returns 2f+1, the number of matching COMMIT votes
// (including the local replica's own) required to consider a value
// committed. This is the single centralized quorum method; no call site
// anywhere in this package adds its own "+1" to a raw quorum value.
func (r *Roster) CommitThreshold() int {
	return 2*r.FaultTolerance() + 1
}

// PrepareThreshold returns 2f+1, the number of matching PREPARE votes
// (the primary's own explicit PREPARE included; the PRE_PREPARE itself is
// not counted) required to move an instance from the pre-prepared to the
// prepared state.
func (r *Roster) PrepareThreshold() int {
	return 2*r.FaultTolerance() + 1
}

// ViewChangeThreshold returns 2f+1, the number of matching VIEW_CHANGE
// messages for the same target view required to install a new primary.
func (r *Roster) ViewChangeThreshold() int {
	return 2*r.FaultTolerance() + 1
}

// ReplicaID returns the stable replica index for pubkey, or an error if
// pubkey is not in the roster.
func (r *Roster) ReplicaID(pubkey string) (int, error) {
	id, ok := r.index[pubkey]
	if !ok {
		return 0, fmt.Errorf("consensus: %s is not a member of the current roster", pubkey)
	}
	return id, nil
}

// PubKeyAt returns the public key of the replica at id.
func (r *Roster) PubKeyAt(id int) (string, error) {
	if id < 0 || id >= len(r.replicas) {
		return "", fmt.Errorf("consensus: replica id %d out of range [0,%d)", id, len(r.replicas))
	}
	return r.replicas[id], nil
}

// PrimaryID returns the replica id of the primary for the given view,
// computed as view mod n.
func (r *Roster) PrimaryID(view int64) int {
	n := int64(len(r.replicas))
	if n == 0 {
		return 0
	}
	return int(((view % n) + n) % n)
}

// IsPrimary reports whether pubkey is the primary for view.
func (r *Roster) IsPrimary(pubkey string, view int64) bool {
	id, ok := r.index[pubkey]
	if !ok {
		return false
	}
	return id == r.PrimaryID(view)
}

// PubKeys returns the ordered list of validator public keys.
func (r *Roster) PubKeys() []string {
	return append([]string(nil), r.replicas...)
}

// VerifyMember checks that pubkey is in the roster and that sig is a valid
// ed25519 signature over data.
func (r *Roster) VerifyMember(pubkey string, data []byte, sigHex string) error {
	if _, ok := r.index[pubkey]; !ok {
		return fmt.Errorf("consensus: signer %s is not a roster member", pubkey)
	}
	pub, err := crypto.PubKeyFromHex(pubkey)
	if err != nil {
		return fmt.Errorf("consensus: invalid signer pubkey: %w", err)
	}
	return crypto.Verify(pub, data, sigHex)
}
