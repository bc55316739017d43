package dedup

import (
	"testing"
	"time"
)

// TestShouldAcceptFirstSeenOnly verifies ShouldAccept returns true only the
// first time a hash is observed, regardless of which peer it comes from.
func TestShouldAcceptFirstSeenOnly(t *testing.T) {
	tr := NewTracker(time.Hour)

	if !tr.ShouldAccept("h1", "peerA") {
		t.Error("first observation of h1 should be accepted")
	}
	if tr.ShouldAccept("h1", "peerB") {
		t.Error("second observation of h1 should not be accepted")
	}
	if tr.ShouldAccept("h1", "peerA") {
		t.Error("re-observation from the same peer should not be accepted")
	}
}

// TestShouldSendSkipsKnownPeers verifies a message is not re-sent to a peer
// already known to have it.
func TestShouldSendSkipsKnownPeers(t *testing.T) {
	tr := NewTracker(time.Hour)
	tr.ShouldAccept("h1", "peerA")

	if tr.ShouldSend("h1", "peerA") {
		t.Error("should not re-send to the peer that sent it")
	}
	if !tr.ShouldSend("h1", "peerC") {
		t.Error("should send to a peer that has not seen it")
	}

	tr.RecordSent("h1", "peerC")
	if tr.ShouldSend("h1", "peerC") {
		t.Error("should not re-send after RecordSent")
	}
}

// TestShouldSendUnknownHash verifies an untracked hash is always sendable.
func TestShouldSendUnknownHash(t *testing.T) {
	tr := NewTracker(time.Hour)
	if !tr.ShouldSend("never-seen", "peerA") {
		t.Error("an untracked hash should be sendable to any peer")
	}
}

// TestEvictRemovesExpired verifies Evict drops records older than the TTL
// and leaves fresh ones alone.
func TestEvictRemovesExpired(t *testing.T) {
	tr := NewTracker(10 * time.Millisecond)
	tr.ShouldAccept("old", "peerA")
	time.Sleep(20 * time.Millisecond)
	tr.ShouldAccept("new", "peerA")

	removed := tr.Evict()
	if removed != 1 {
		t.Errorf("removed: got %d want 1", removed)
	}
	if tr.Size() != 1 {
		t.Errorf("size after evict: got %d want 1", tr.Size())
	}
}
