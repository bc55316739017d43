package core

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tolelom/tolchain/crypto"
)

// CommitSign is one replica's COMMIT vote for a value, captured verbatim so
// it can be embedded in the next block's header as part of its Proof and
// independently re-verified by any observer holding the roster. Mirrors the
// base fields every BFT message carries (spec.md §3 "BFT Message").
type CommitSign struct {
	View        int64  `json:"view"`
	Sequence    uint64 `json:"sequence"`
	ReplicaID   int    `json:"replica_id"`
	ValueDigest string `json:"value_digest"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
}

// Proof is the set of quorum-many COMMIT votes that closed a value,
// matching spec.md §3 "Proof". It is embedded in the NEXT block's header
// so that finality is externally verifiable without replaying consensus.
type Proof struct {
	Commits []CommitSign `json:"commits"`
}

// BlockExtra carries the consensus-specific fields of spec.md §3's
// BlockHeader "extra" bag.
type BlockExtra struct {
	PrevProof          *Proof   `json:"prev_proof,omitempty"`
	ConsensusValueHash string   `json:"consensus_value_hash,omitempty"`
	TxHashList         []string `json:"tx_hash_list,omitempty"`
}

// BlockHeader contains the block metadata that is hashed and signed,
// matching spec.md §3 "Block (Ledger)".
type BlockHeader struct {
	Height       int64      `json:"height"`
	PreviousHash string     `json:"previous_hash"`
	Timestamp    int64      `json:"timestamp"`
	Version      int32      `json:"version"`
	Proposer     string     `json:"proposer"` // proposer's pubkey hex
	TxCount      int64      `json:"tx_count"`
	TotalTxCount int64      `json:"total_tx_count"`
	Extra        BlockExtra `json:"extra"`
}

// Block is a collection of transactions with a signed header. The header's
// Extra.TxHashList already commits to the exact transaction set, so there
// is no separate transactions-root field the way the teacher's PoA block
// had.
type Block struct {
	Header       BlockHeader    `json:"header"`
	Transactions []*Transaction `json:"transactions,omitempty"`
	Hash         string         `json:"hash"`
	Signatures   []Signature    `json:"signatures"`
}

// ComputeHash returns H(header_bytes), matching spec.md §3: "block.hash =
// H(header_bytes)". Returns an empty string if marshalling fails, which
// cannot happen for a struct of plain types.
func (b *Block) ComputeHash() string {
	data, err := json.Marshal(b.Header)
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Sign sets Hash and appends the proposer's signature over it.
func (b *Block) Sign(priv crypto.PrivateKey) {
	b.Hash = b.ComputeHash()
	b.Signatures = append(b.Signatures, Signature{
		PublicKey: priv.Public().Hex(),
		Signature: crypto.Sign(priv, []byte(b.Hash)),
		Algo:      "ed25519",
	})
}

// Verify checks that b.Hash matches the recomputed header hash and that
// pub's signature over it is present and valid.
func (b *Block) Verify(pub crypto.PublicKey) error {
	if computed := b.ComputeHash(); b.Hash != computed {
		return fmt.Errorf("core: block hash mismatch: stored %s computed %s", b.Hash, computed)
	}
	pubHex := pub.Hex()
	for _, sig := range b.Signatures {
		if sig.PublicKey == pubHex {
			return crypto.Verify(pub, []byte(b.Hash), sig.Signature)
		}
	}
	return fmt.Errorf("core: no signature from proposer %s", pubHex)
}

// VerifyIntegrity checks hash consistency and that the embedded tx hash
// list matches the carried transactions, independently of the proposer
// signature.
func (b *Block) VerifyIntegrity() error {
	if computed := b.ComputeHash(); b.Hash != computed {
		return fmt.Errorf("core: block hash mismatch: stored %s computed %s", b.Hash, computed)
	}
	if b.Transactions != nil {
		want := ComputeTxHashList(b.Transactions)
		got := b.Header.Extra.TxHashList
		if len(want) != len(got) {
			return fmt.Errorf("core: tx_hash_list length mismatch: have %d want %d", len(got), len(want))
		}
		for i := range want {
			if want[i] != got[i] {
				return fmt.Errorf("core: tx_hash_list mismatch at index %d", i)
			}
		}
	}
	return nil
}

// ComputeTxHashList returns the ordered list of transaction hashes, the
// value embedded verbatim in BlockExtra.TxHashList.
func ComputeTxHashList(txs []*Transaction) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.Hash
	}
	return out
}

// ComputeConsensusValueHash builds a deterministic digest over an ordered
// tx hash list, used to populate BlockExtra.ConsensusValueHash independent
// of header framing — kept distinct from the header hash per spec.md
// §4.E's check-value rule that requires this field once lcl.height > 1.
func ComputeConsensusValueHash(hashes []string) string {
	if len(hashes) == 0 {
		return crypto.Hash([]byte("empty"))
	}
	sorted := append([]string(nil), hashes...)
	sort.Strings(sorted)
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, h := range sorted {
		b := []byte(h)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
		buf.Write(lenBuf[:])
		buf.Write(b)
	}
	return crypto.Hash(buf.Bytes())
}

// NewBlock creates an unsigned block at the given height, referencing
// previousHash, proposed by proposer, carrying txs. version defaults to
// the caller's choice (normally lcl.Version unless upgrading).
func NewBlock(height int64, previousHash, proposer string, version int32, totalTxCountBefore int64, txs []*Transaction, prevProof *Proof, timestamp int64) *Block {
	hashList := ComputeTxHashList(txs)
	return &Block{
		Header: BlockHeader{
			Height:       height,
			PreviousHash: previousHash,
			Timestamp:    timestamp,
			Version:      version,
			Proposer:     proposer,
			TxCount:      int64(len(txs)),
			TotalTxCount: totalTxCountBefore + int64(len(txs)),
			Extra: BlockExtra{
				PrevProof:          prevProof,
				ConsensusValueHash: ComputeConsensusValueHash(hashList),
				TxHashList:         hashList,
			},
		},
		Transactions: txs,
	}
}
