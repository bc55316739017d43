package consensus

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/tolchain/crypto"
)

// MessageType is one of the five BFT message kinds (spec.md §3 "BFT
// Message"). A view change is announced with VIEW_CHANGE_VALUE; there is no
// separate VIEW_CHANGE kind.
type MessageType string

const (
	PrePrepare      MessageType = "PRE_PREPARE"
	Prepare         MessageType = "PREPARE"
	Commit          MessageType = "COMMIT"
	ViewChangeValue MessageType = "VIEW_CHANGE_VALUE"
	NewView         MessageType = "NEW_VIEW"
)

// PreparedSet carries a replica's highest-seq prepared value forward into
// a VIEW_CHANGE_VALUE message: the pre-prepare that proposed it plus every
// matching prepare the replica collected.
type PreparedSet struct {
	PrePrepare *Message  `json:"pre_prepare"`
	Prepares   []Message `json:"prepares"`
}

// Message is the tagged union of all five BFT message kinds. Fields not
// relevant to Type are left zero; Verify checks only the sub-fields
// required for msg.Type, matching spec.md §4.B step (4) "per-phase
// sub-field presence".
type Message struct {
	Type MessageType `json:"type"`

	// base{view, seq, replica_id}
	View      int64  `json:"view"`
	Sequence  uint64 `json:"sequence"`
	ReplicaID int    `json:"replica_id"`

	// PRE_PREPARE / PREPARE / COMMIT
	Value       []byte `json:"value,omitempty"` // full block bytes, PRE_PREPARE only
	ValueDigest string `json:"value_digest,omitempty"`

	// VIEW_CHANGE_VALUE
	PreparedValueDigest string       `json:"prepared_value_digest,omitempty"`
	PreparedSet         *PreparedSet `json:"prepared_set,omitempty"`

	// NEW_VIEW
	ViewChanges []Message `json:"view_changes,omitempty"`
	NewPrePrepare *Message `json:"pre_prepare,omitempty"`

	// Round is a retransmit counter stamped on the re-sent PRE_PREPARE
	// reminder of a stalled instance so a receiver can tell it apart from a
	// stale replay without it affecting the signed body or the vote it
	// casts. Nothing else sets it; there is no COMMIT reminder.
	Round int `json:"round,omitempty"`

	// Tags carried on every message, checked first during verification.
	ChainID string `json:"chain_id"`
	HubID   string `json:"chain_hub"`

	// Detached signature over the canonical serialization of everything
	// above except Round (with PublicKey/Signature themselves excluded).
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// signingBody mirrors Message minus the detached signature fields, so the
// signed payload never includes the signature itself.
type signingBody struct {
	Type                MessageType  `json:"type"`
	View                int64        `json:"view"`
	Sequence            uint64       `json:"sequence"`
	ReplicaID           int          `json:"replica_id"`
	Value               []byte       `json:"value,omitempty"`
	ValueDigest         string       `json:"value_digest,omitempty"`
	PreparedValueDigest string       `json:"prepared_value_digest,omitempty"`
	PreparedSet         *PreparedSet `json:"prepared_set,omitempty"`
	ViewChanges         []Message    `json:"view_changes,omitempty"`
	NewPrePrepare       *Message     `json:"pre_prepare,omitempty"`
	ChainID             string       `json:"chain_id"`
	HubID               string       `json:"chain_hub"`
}

func (m *Message) body() signingBody {
	return signingBody{
		Type:                m.Type,
		View:                m.View,
		Sequence:            m.Sequence,
		ReplicaID:           m.ReplicaID,
		Value:               m.Value,
		ValueDigest:         m.ValueDigest,
		PreparedValueDigest: m.PreparedValueDigest,
		PreparedSet:         m.PreparedSet,
		ViewChanges:         m.ViewChanges,
		NewPrePrepare:       m.NewPrePrepare,
		ChainID:             m.ChainID,
		HubID:               m.HubID,
	}
}

// CanonicalBytes returns the canonical serialization of m's signed body.
func (m *Message) CanonicalBytes() []byte {
	data, err := json.Marshal(m.body())
	if err != nil {
		return nil
	}
	return data
}

// Digest returns H(canonical(value)), used for PRE_PREPARE's value_digest.
func Digest(value []byte) string {
	return crypto.Hash(value)
}

func sign(m *Message, priv crypto.PrivateKey) {
	m.PublicKey = priv.Public().Hex()
	m.Signature = crypto.Sign(priv, m.CanonicalBytes())
}

// NewPrePrepareMsg builds and signs a PRE_PREPARE carrying the full block
// bytes and its digest.
func NewPrePrepareMsg(chainID, hubID string, view int64, seq uint64, replicaID int, value []byte, priv crypto.PrivateKey) Message {
	m := Message{
		Type:        PrePrepare,
		View:        view,
		Sequence:    seq,
		ReplicaID:   replicaID,
		Value:       value,
		ValueDigest: Digest(value),
		ChainID:     chainID,
		HubID:       hubID,
	}
	sign(&m, priv)
	return m
}

// NewPrepareMsg builds and signs a PREPARE echoing digest.
func NewPrepareMsg(chainID, hubID string, view int64, seq uint64, replicaID int, digest string, priv crypto.PrivateKey) Message {
	m := Message{
		Type:        Prepare,
		View:        view,
		Sequence:    seq,
		ReplicaID:   replicaID,
		ValueDigest: digest,
		ChainID:     chainID,
		HubID:       hubID,
	}
	sign(&m, priv)
	return m
}

// NewCommitMsg builds and signs a COMMIT echoing digest.
func NewCommitMsg(chainID, hubID string, view int64, seq uint64, replicaID int, digest string, priv crypto.PrivateKey) Message {
	m := Message{
		Type:        Commit,
		View:        view,
		Sequence:    seq,
		ReplicaID:   replicaID,
		ValueDigest: digest,
		ChainID:     chainID,
		HubID:       hubID,
	}
	sign(&m, priv)
	return m
}

// NewViewChangeValueMsg builds and signs a VIEW_CHANGE_VALUE announcing the
// local replica's intent to move to view, carrying forward the highest
// prepared set it observed (nil if it has none).
func NewViewChangeValueMsg(chainID, hubID string, view int64, replicaID int, prepared *PreparedSet, priv crypto.PrivateKey) Message {
	m := Message{
		Type:      ViewChangeValue,
		View:      view,
		ReplicaID: replicaID,
		ChainID:   chainID,
		HubID:     hubID,
	}
	if prepared != nil {
		m.PreparedSet = prepared
		m.PreparedValueDigest = prepared.PrePrepare.ValueDigest
	}
	sign(&m, priv)
	return m
}

// NewNewViewMsg builds and signs a NEW_VIEW installing view, carrying the
// collected view-changes and the (possibly fresh) pre-prepare for the
// instance being carried forward.
func NewNewViewMsg(chainID, hubID string, view int64, replicaID int, viewChanges []Message, prePrepare *Message, priv crypto.PrivateKey) Message {
	m := Message{
		Type:          NewView,
		View:          view,
		ReplicaID:     replicaID,
		ViewChanges:   viewChanges,
		NewPrePrepare: prePrepare,
		ChainID:       chainID,
		HubID:         hubID,
	}
	sign(&m, priv)
	return m
}

// Verify performs, in order, the four checks of spec.md §4.B: (1)
// chain_id/chain_hub equality against the local network's tags, (2)
// replica_id consistency between the message body and the signer's
// roster-assigned id, (3) signature validity, (4) per-phase sub-field
// presence.
func Verify(m *Message, roster *Roster, chainID, hubID string) error {
	if m.ChainID != chainID || m.HubID != hubID {
		return fmt.Errorf("consensus: chain tag mismatch: got (%s,%s) want (%s,%s)", m.ChainID, m.HubID, chainID, hubID)
	}

	signerID, err := roster.ReplicaID(m.PublicKey)
	if err != nil {
		return err
	}
	if signerID != m.ReplicaID {
		return fmt.Errorf("consensus: replica_id %d does not match signer's roster id %d", m.ReplicaID, signerID)
	}

	if err := roster.VerifyMember(m.PublicKey, m.CanonicalBytes(), m.Signature); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}

	switch m.Type {
	case PrePrepare:
		if len(m.Value) == 0 || m.ValueDigest == "" {
			return fmt.Errorf("consensus: PRE_PREPARE missing value or value_digest")
		}
		if Digest(m.Value) != m.ValueDigest {
			return fmt.Errorf("consensus: PRE_PREPARE value_digest does not match value")
		}
	case Prepare, Commit:
		if m.ValueDigest == "" {
			return fmt.Errorf("consensus: %s missing value_digest", m.Type)
		}
	case ViewChangeValue:
		if m.PreparedSet != nil && m.PreparedSet.PrePrepare == nil {
			return fmt.Errorf("consensus: VIEW_CHANGE_VALUE carries a prepared_set with no pre_prepare")
		}
	case NewView:
		if len(m.ViewChanges) == 0 {
			return fmt.Errorf("consensus: NEW_VIEW carries no view_changes")
		}
	default:
		return fmt.Errorf("consensus: unknown message type %q", m.Type)
	}
	return nil
}
