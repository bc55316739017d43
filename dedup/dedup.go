// Package dedup implements broadcast de-duplication: a content-hash keyed
// record of which peers have already sent or received a given message, so
// the network layer never re-floods a message it has already seen and
// never re-sends a message back to the peer it came from. Grounded on the
// original source's gossip peer-set tracking
// (network/network-p2p/src/peer_manager.rs) and generalized into a
// standalone package per spec.md §4.I.
package dedup

import (
	"sync"
	"time"
)

type record struct {
	firstSeen time.Time
	peers     map[string]struct{}
}

// Tracker deduplicates broadcast message delivery by content hash.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*record
	ttl     time.Duration
}

// NewTracker creates a Tracker that forgets a hash ttl after it was first
// seen.
func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		records: make(map[string]*record),
		ttl:     ttl,
	}
}

// ShouldAccept reports whether a message with the given hash, received
// from peer, is new (first time seen from any peer) and records the
// peer against it regardless. Callers use this to decide whether to
// process a message or merely note its arrival.
func (t *Tracker) ShouldAccept(hash, peer string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[hash]
	if !ok {
		rec = &record{firstSeen: time.Now(), peers: make(map[string]struct{})}
		t.records[hash] = rec
		rec.peers[peer] = struct{}{}
		return true
	}
	rec.peers[peer] = struct{}{}
	return false
}

// ShouldSend reports whether hash should be forwarded to peer: true unless
// peer is already known to have the message (it sent it to us, or we
// already sent it to them).
func (t *Tracker) ShouldSend(hash, peer string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[hash]
	if !ok {
		return true
	}
	_, seen := rec.peers[peer]
	return !seen
}

// RecordSent marks peer as having received hash from us, so a later
// ShouldSend for the same pair returns false.
func (t *Tracker) RecordSent(hash, peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[hash]
	if !ok {
		rec = &record{firstSeen: time.Now(), peers: make(map[string]struct{})}
		t.records[hash] = rec
	}
	rec.peers[peer] = struct{}{}
}

// Evict removes every record whose first-seen time is older than the
// configured TTL, returning the number removed. Intended to run on a
// periodic tick from the caller.
func (t *Tracker) Evict() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-t.ttl)
	removed := 0
	for hash, rec := range t.records {
		if rec.firstSeen.Before(cutoff) {
			delete(t.records, hash)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked hashes, for diagnostics.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
