package consensus

import (
	"sync"
	"time"
)

// Phase is the monotone state of a single consensus instance.
type Phase int

const (
	PhaseNone Phase = iota
	PhasePrePrepared
	PhasePrepared
	PhaseCommitted
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "NONE"
	case PhasePrePrepared:
		return "PRE_PREPARED"
	case PhasePrepared:
		return "PREPARED"
	case PhaseCommitted:
		return "COMMITTED"
	default:
		return "UNKNOWN"
	}
}

// InstanceKey identifies a consensus instance by (view, seq).
type InstanceKey struct {
	View     int64
	Sequence uint64
}

// Instance is the per-(view, seq) three-phase aggregate of spec.md §3
// "Instance".
type Instance struct {
	Key        InstanceKey
	Phase      Phase
	PrePrepare *Message
	Prepares   map[int]Message // replica_id -> PREPARE
	Commits    map[int]Message // replica_id -> COMMIT
	StartTime  time.Time
	Round      int // retransmit counter, not part of safety
	VotedViewChange bool
}

func newInstance(key InstanceKey) *Instance {
	return &Instance{
		Key:       key,
		Phase:     PhaseNone,
		Prepares:  make(map[int]Message),
		Commits:   make(map[int]Message),
		StartTime: time.Now(),
	}
}

// countDigest returns the number of votes in the given map that match
// digest.
func countDigest(votes map[int]Message, digest string) int {
	n := 0
	for _, m := range votes {
		if m.ValueDigest == digest {
			n++
		}
	}
	return n
}

// ViewChangeInstance is the per-view aggregate of spec.md §3 "View-Change
// Instance".
type ViewChangeInstance struct {
	View          int64
	Votes         map[int]Message // replica_id -> VIEW_CHANGE_VALUE
	BestPrepared  *PreparedSet
	NewViewSent   bool
	StartTime     time.Time
	EndTime       *time.Time
}

func newViewChangeInstance(view int64) *ViewChangeInstance {
	return &ViewChangeInstance{
		View:      view,
		Votes:     make(map[int]Message),
		StartTime: time.Now(),
	}
}

// considerPrepared updates BestPrepared using the (seq DESC, view DESC)
// tie-break of spec.md §4.D.
func (vci *ViewChangeInstance) considerPrepared(ps *PreparedSet) {
	if ps == nil || ps.PrePrepare == nil {
		return
	}
	if vci.BestPrepared == nil {
		vci.BestPrepared = ps
		return
	}
	cur := vci.BestPrepared.PrePrepare
	cand := ps.PrePrepare
	if cand.Sequence > cur.Sequence || (cand.Sequence == cur.Sequence && cand.View > cur.View) {
		vci.BestPrepared = ps
	}
}

// InstanceLog owns every per-(view,seq) and per-view aggregate the PBFT
// core consults. It is single-writer: only the consensus goroutine ever
// calls its mutating methods, so the mutex here guards against concurrent
// reads from diagnostics/RPC only, not against concurrent writers.
type InstanceLog struct {
	mu               sync.RWMutex
	instances        map[InstanceKey]*Instance
	catchUpInstances map[InstanceKey]*Instance
	vcInstances      map[int64]*ViewChangeInstance
	abnormalRecords  map[string]int
}

// NewInstanceLog creates an empty InstanceLog.
func NewInstanceLog() *InstanceLog {
	return &InstanceLog{
		instances:        make(map[InstanceKey]*Instance),
		catchUpInstances: make(map[InstanceKey]*Instance),
		vcInstances:      make(map[int64]*ViewChangeInstance),
		abnormalRecords:  make(map[string]int),
	}
}

// GetOrCreate returns the instance for key, creating it if absent.
func (l *InstanceLog) GetOrCreate(key InstanceKey) *Instance {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.instances[key]
	if !ok {
		inst = newInstance(key)
		l.instances[key] = inst
	}
	return inst
}

// Get returns the instance for key, or nil if none exists.
func (l *InstanceLog) Get(key InstanceKey) *Instance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.instances[key]
}

// GetOrCreateCatchUp returns the catch-up-buffer instance for key (used
// for COMMITs that arrive before their PRE_PREPARE).
func (l *InstanceLog) GetOrCreateCatchUp(key InstanceKey) *Instance {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.catchUpInstances[key]
	if !ok {
		inst = newInstance(key)
		l.catchUpInstances[key] = inst
	}
	return inst
}

// DeleteCatchUp removes the catch-up instance at key, if any.
func (l *InstanceLog) DeleteCatchUp(key InstanceKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.catchUpInstances, key)
}

// GetOrCreateViewChange returns the view-change aggregate for view,
// creating it on first use.
func (l *InstanceLog) GetOrCreateViewChange(view int64) *ViewChangeInstance {
	l.mu.Lock()
	defer l.mu.Unlock()
	vci, ok := l.vcInstances[view]
	if !ok {
		vci = newViewChangeInstance(view)
		l.vcInstances[view] = vci
	}
	return vci
}

// GetViewChange returns the view-change aggregate for view, or nil.
func (l *InstanceLog) GetViewChange(view int64) *ViewChangeInstance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.vcInstances[view]
}

// RecordPrePrepare stores msg as the instance's pre-prepare and advances
// its phase to PRE_PREPARED, unless the instance already has a different
// pre-prepare recorded (equivocation: the existing one wins, the instance
// is left untouched so the mismatch surfaces as a stuck instance headed
// for view-change rather than silently overwritten).
func (l *InstanceLog) RecordPrePrepare(key InstanceKey, msg Message) *Instance {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.instances[key]
	if !ok {
		inst = newInstance(key)
		l.instances[key] = inst
	}
	if inst.PrePrepare == nil {
		m := msg
		inst.PrePrepare = &m
		if inst.Phase < PhasePrePrepared {
			inst.Phase = PhasePrePrepared
		}
	}
	return inst
}

// RecordPrepare accumulates msg and, if the instance now has threshold
// matching prepares, advances it to PREPARED. Returns
// (instance, justReachedQuorum).
func (l *InstanceLog) RecordPrepare(key InstanceKey, msg Message, threshold int) (*Instance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.instances[key]
	if !ok {
		inst = newInstance(key)
		l.instances[key] = inst
	}
	_, already := inst.Prepares[msg.ReplicaID]
	inst.Prepares[msg.ReplicaID] = msg
	if already || inst.Phase >= PhasePrepared {
		return inst, false
	}
	if countDigest(inst.Prepares, msg.ValueDigest) >= threshold {
		inst.Phase = PhasePrepared
		return inst, true
	}
	return inst, false
}

// RecordCommit accumulates msg and, if the instance now has threshold
// matching commits, advances it to COMMITTED. Returns (instance,
// justReachedQuorum).
func (l *InstanceLog) RecordCommit(key InstanceKey, msg Message, threshold int) (*Instance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.instances[key]
	if !ok {
		inst = newInstance(key)
		l.instances[key] = inst
	}
	_, already := inst.Commits[msg.ReplicaID]
	inst.Commits[msg.ReplicaID] = msg
	if already || inst.Phase >= PhaseCommitted {
		return inst, false
	}
	if countDigest(inst.Commits, msg.ValueDigest) >= threshold {
		inst.Phase = PhaseCommitted
		return inst, true
	}
	return inst, false
}

// HighestPrepared scans all PREPARED-or-later instances and returns the
// PreparedSet for the one with the highest (seq DESC, view DESC), matching
// spec.md §4.D's tie-break. Returns nil if no instance is prepared.
func (l *InstanceLog) HighestPrepared() *PreparedSet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var best *Instance
	for _, inst := range l.instances {
		if inst.Phase < PhasePrepared || inst.PrePrepare == nil {
			continue
		}
		if best == nil || inst.Key.Sequence > best.Key.Sequence ||
			(inst.Key.Sequence == best.Key.Sequence && inst.Key.View > best.Key.View) {
			best = inst
		}
	}
	if best == nil {
		return nil
	}
	prepares := make([]Message, 0, len(best.Prepares))
	for _, p := range best.Prepares {
		prepares = append(prepares, p)
	}
	return &PreparedSet{PrePrepare: best.PrePrepare, Prepares: prepares}
}

// DiscardNonCommitted removes every instance with seq > keepBelowOrEqual
// that has not reached COMMITTED, as required on a successful view change
// (spec.md §4.D step 2).
func (l *InstanceLog) DiscardNonCommitted(keepBelowOrEqual uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, inst := range l.instances {
		if key.Sequence > keepBelowOrEqual && inst.Phase != PhaseCommitted {
			delete(l.instances, key)
		}
	}
}

// GC removes COMMITTED instances at or below lastExeSequence -
// checkpointInterval/2, per the teardown rule of spec.md §3 "Instance".
func (l *InstanceLog) GC(lastExeSequence uint64, checkpointInterval int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoffDelta := uint64(checkpointInterval / 2)
	if lastExeSequence < cutoffDelta {
		return
	}
	cutoff := lastExeSequence - cutoffDelta
	for key, inst := range l.instances {
		if key.Sequence <= cutoff && inst.Phase == PhaseCommitted {
			delete(l.instances, key)
		}
	}
}

// PurgeViewChanges drops every view-change aggregate older than
// current-5, per spec.md §3's purge rule.
func (l *InstanceLog) PurgeViewChanges(current int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for view := range l.vcInstances {
		if view < current-5 {
			delete(l.vcInstances, view)
		}
	}
}

// RecordAbnormal increments the persistent-misbehavior counter for addr.
func (l *InstanceLog) RecordAbnormal(addr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.abnormalRecords[addr]++
	return l.abnormalRecords[addr]
}

// AbnormalCount returns the current persistent-misbehavior counter for
// addr, for RPC/diagnostics front-ends, without mutating it.
func (l *InstanceLog) AbnormalCount(addr string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.abnormalRecords[addr]
}

// RetransmitRound bumps the instance's retransmit counter and resets its
// timeout clock, returning the new round number. Used to give a stalled
// PRE_PREPARE one reminder broadcast before escalating to a view change.
// Returns 0 if no such instance exists.
func (l *InstanceLog) RetransmitRound(key InstanceKey) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.instances[key]
	if !ok {
		return 0
	}
	inst.Round++
	inst.StartTime = time.Now()
	return inst.Round
}

// ExpiredInstances returns every live (non-COMMITTED) instance whose
// StartTime is older than timeout, for the 500ms sweep of spec.md §4.C.
func (l *InstanceLog) ExpiredInstances(timeout time.Duration) []*Instance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	now := time.Now()
	var out []*Instance
	for _, inst := range l.instances {
		if inst.Phase != PhaseCommitted && now.Sub(inst.StartTime) > timeout {
			out = append(out, inst)
		}
	}
	return out
}
