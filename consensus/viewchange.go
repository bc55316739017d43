package consensus

import (
	"fmt"

	"github.com/tolelom/tolchain/crypto"
)

// RecordViewChangeVote accumulates a VIEW_CHANGE_VALUE vote for view and
// updates the aggregate's best-known prepared set using the (seq DESC,
// view DESC) tie-break. Returns (aggregate, justReachedThreshold).
func (l *InstanceLog) RecordViewChangeVote(view int64, msg Message, threshold int) (*ViewChangeInstance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	vci, ok := l.vcInstances[view]
	if !ok {
		vci = newViewChangeInstance(view)
		l.vcInstances[view] = vci
	}
	_, already := vci.Votes[msg.ReplicaID]
	vci.Votes[msg.ReplicaID] = msg
	vci.considerPrepared(msg.PreparedSet)
	if already {
		return vci, false
	}
	return vci, len(vci.Votes) >= threshold
}

// SelectHighestPrepared scans every vote in vci and returns the prepared
// set carried by the highest (seq DESC, view DESC) among them, or nil if
// no voter supplied one. This is the authoritative tie-break used when
// building NEW_VIEW, independent of vci.BestPrepared (which is maintained
// incrementally as votes arrive and should already agree).
func SelectHighestPrepared(vci *ViewChangeInstance) *PreparedSet {
	var best *PreparedSet
	for _, vote := range vci.Votes {
		ps := vote.PreparedSet
		if ps == nil || ps.PrePrepare == nil {
			continue
		}
		if best == nil {
			best = ps
			continue
		}
		cur := best.PrePrepare
		cand := ps.PrePrepare
		if cand.Sequence > cur.Sequence || (cand.Sequence == cur.Sequence && cand.View > cur.View) {
			best = ps
		}
	}
	return best
}

// BuildNewView assembles a NEW_VIEW message for vci.View from the
// collected votes, carrying forward the highest prepared value if one
// exists (otherwise the new primary proposes fresh and NewPrePrepare is
// left nil by the caller).
func BuildNewView(chainID, hubID string, vci *ViewChangeInstance, replicaID int, carryForward *Message, priv crypto.PrivateKey) Message {
	votes := make([]Message, 0, len(vci.Votes))
	for _, v := range vci.Votes {
		votes = append(votes, v)
	}
	return NewNewViewMsg(chainID, hubID, vci.View, replicaID, votes, carryForward, priv)
}

// VerifyNewView checks a received NEW_VIEW per spec.md §4.D step 3: every
// embedded VIEW_CHANGE must independently verify, there must be at least
// threshold of them, and if a pre_prepare is carried forward its
// value_digest must equal the claimed prepared-digest from the
// highest-prepared vote among the embedded set.
func VerifyNewView(m Message, roster *Roster, chainID, hubID string, threshold int) error {
	if m.Type != NewView {
		return fmt.Errorf("consensus: not a NEW_VIEW message")
	}
	if len(m.ViewChanges) < threshold {
		return fmt.Errorf("consensus: NEW_VIEW carries %d view_changes, want >= %d", len(m.ViewChanges), threshold)
	}

	seen := make(map[int]bool)
	var best *PreparedSet
	for i := range m.ViewChanges {
		vc := m.ViewChanges[i]
		if err := Verify(&vc, roster, chainID, hubID); err != nil {
			return fmt.Errorf("consensus: embedded view_change %d invalid: %w", i, err)
		}
		if vc.View != m.View {
			return fmt.Errorf("consensus: embedded view_change %d targets view %d, want %d", i, vc.View, m.View)
		}
		seen[vc.ReplicaID] = true
		if vc.PreparedSet != nil && vc.PreparedSet.PrePrepare != nil {
			if best == nil {
				best = vc.PreparedSet
			} else {
				cur := best.PrePrepare
				cand := vc.PreparedSet.PrePrepare
				if cand.Sequence > cur.Sequence || (cand.Sequence == cur.Sequence && cand.View > cur.View) {
					best = vc.PreparedSet
				}
			}
		}
	}
	if len(seen) < threshold {
		return fmt.Errorf("consensus: NEW_VIEW has only %d distinct signers, want >= %d", len(seen), threshold)
	}

	if m.NewPrePrepare != nil {
		if best == nil {
			return fmt.Errorf("consensus: NEW_VIEW carries a pre_prepare but no embedded view_change has a prepared_set")
		}
		if m.NewPrePrepare.ValueDigest != best.PrePrepare.ValueDigest {
			return fmt.Errorf("consensus: NEW_VIEW pre_prepare digest does not match the claimed prepared set")
		}
	}
	return nil
}
