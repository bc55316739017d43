package consensus

import (
	"github.com/tolelom/tolchain/core"
)

// CheckValueResult is the tri-valued outcome of spec.md §4.E's check-value
// rules.
type CheckValueResult int

const (
	// Valid: vote for the proposal.
	Valid CheckValueResult = iota
	// MayValid: transient condition (e.g. roster not yet known for the
	// referenced height); don't vote, don't blame the proposer.
	MayValid
	// InValid: reject permanently; a ProtocolViolation against the
	// proposer.
	InValid
)

func (r CheckValueResult) String() string {
	switch r {
	case Valid:
		return "Valid"
	case MayValid:
		return "MayValid"
	case InValid:
		return "InValid"
	default:
		return "Unknown"
	}
}

// RosterAtHeight resolves the roster effective at a given committed
// height, needed to verify a block's embedded prev_proof. Implemented by
// whatever component retains the last few heights' rosters (spec.md §6
// "validator roster per height (retained for 3 heights)").
type RosterAtHeight func(height int64) (*Roster, error)

// CheckValue applies spec.md §4.E's check-value rules to a proposed block
// against the local last-committed-ledger block lcl (nil for an empty
// chain), the maximum block version this node supports, and a lookup for
// historical rosters.
func CheckValue(block *core.Block, lcl *core.Block, maxVersion int32, rosterAt RosterAtHeight) CheckValueResult {
	var lclHeight int64
	var lclHash string
	var lclVersion int32
	if lcl != nil {
		lclHeight = lcl.Header.Height
		lclHash = lcl.Hash
		lclVersion = lcl.Header.Version
	}

	if block.Header.Height != lclHeight+1 {
		return InValid
	}
	if block.Header.PreviousHash != lclHash {
		return InValid
	}
	if block.Header.Version != lclVersion {
		if block.Header.Version < lclVersion || block.Header.Version > maxVersion {
			return InValid
		}
	}

	if lclHeight > 1 {
		if block.Header.Extra.PrevProof == nil {
			return InValid
		}
		if block.Header.Extra.ConsensusValueHash == "" {
			return InValid
		}
		roster, err := rosterAt(lclHeight - 1)
		if err != nil {
			return MayValid
		}
		if err := VerifyProof(block.Header.Extra.PrevProof, roster); err != nil {
			return InValid
		}
	}
	// For block height 1 (lclHeight == 0, genesis) and height 2 (lclHeight
	// == 1), there is no prior consensus round to have produced a proof,
	// so prev_proof is not required.

	return Valid
}

// VerifyProof checks that proof carries at least roster.CommitThreshold()
// distinct, validly-signed COMMIT votes all over the same value_digest.
func VerifyProof(proof *core.Proof, roster *Roster) error {
	if proof == nil || len(proof.Commits) == 0 {
		return errInvalidProof{"empty proof"}
	}
	digest := proof.Commits[0].ValueDigest
	seen := make(map[int]bool)
	for _, c := range proof.Commits {
		if c.ValueDigest != digest {
			return errInvalidProof{"mixed value_digest in proof"}
		}
		id, err := roster.ReplicaID(c.PublicKey)
		if err != nil {
			return errInvalidProof{"signer not in roster"}
		}
		if id != c.ReplicaID {
			return errInvalidProof{"replica_id mismatch"}
		}
		if err := roster.VerifyMember(c.PublicKey, commitSignBytes(c), c.Signature); err != nil {
			return errInvalidProof{"bad signature in proof"}
		}
		seen[id] = true
	}
	if len(seen) < roster.CommitThreshold() {
		return errInvalidProof{"insufficient distinct signers"}
	}
	return nil
}

// commitSignBytes reproduces the canonical signed payload of the COMMIT
// message a CommitSign was captured from.
func commitSignBytes(c core.CommitSign) []byte {
	m := Message{
		Type:        Commit,
		View:        c.View,
		Sequence:    c.Sequence,
		ReplicaID:   c.ReplicaID,
		ValueDigest: c.ValueDigest,
	}
	return m.CanonicalBytes()
}

type errInvalidProof struct{ reason string }

func (e errInvalidProof) Error() string { return "consensus: invalid proof: " + e.reason }
