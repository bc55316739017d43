package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/tolchain/crypto"
)

// TxType identifies the kind of operation a transaction performs. The
// VM/WASM execution engine that interprets contract-class transactions
// lives outside this module (spec.md §1); tolchain only needs to know the
// class for mempool contract-slot accounting (see txpool.GetBlockHashList).
type TxType string

const (
	TxTransfer TxType = "transfer"
	TxEVM      TxType = "evm"
	TxWASM     TxType = "wasm"
)

// IsContractClass reports whether a transaction counts against the block's
// contract-call budget rather than its plain-transfer budget.
func (t TxType) IsContractClass() bool {
	return t == TxEVM || t == TxWASM
}

// Signature is a single detached signature over a transaction or BFT
// message body, naming the signing key and algorithm so a transaction can
// carry more than one co-signer.
type Signature struct {
	PublicKey string `json:"public_key"` // hex-encoded
	Signature string `json:"signature"`  // hex-encoded
	Algo      string `json:"algo"`       // "ed25519" today
}

// Transaction is the atomic unit of work on the chain, matching the data
// model of spec.md §3 "Signed Transaction".
type Transaction struct {
	Source    string          `json:"source"` // hex-encoded ed25519 public key
	Nonce     uint64          `json:"nonce"`
	To        string          `json:"to,omitempty"`
	Value     uint64          `json:"value"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	GasLimit  uint64          `json:"gas_limit"`
	GasPrice  uint64          `json:"gas_price"`
	ChainID   string          `json:"chain_id"`
	HubID     string          `json:"hub_id,omitempty"`
	TxType    TxType          `json:"tx_type"`
	Timestamp int64           `json:"timestamp"`

	Signatures []Signature `json:"signatures"`

	// Hash caches tx.ComputeHash() once signed; empty until Sign() runs or
	// the caller sets it explicitly (RPC recomputes it server-side so a
	// client can never forge tx identity).
	Hash string `json:"hash,omitempty"`
}

// signingBody holds exactly the fields covered by the signature.
type signingBody struct {
	Source    string          `json:"source"`
	Nonce     uint64          `json:"nonce"`
	To        string          `json:"to,omitempty"`
	Value     uint64          `json:"value"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	GasLimit  uint64          `json:"gas_limit"`
	GasPrice  uint64          `json:"gas_price"`
	ChainID   string          `json:"chain_id"`
	HubID     string          `json:"hub_id,omitempty"`
	TxType    TxType          `json:"tx_type"`
	Timestamp int64           `json:"timestamp"`
}

func (tx *Transaction) body() signingBody {
	return signingBody{
		Source:    tx.Source,
		Nonce:     tx.Nonce,
		To:        tx.To,
		Value:     tx.Value,
		Payload:   tx.Payload,
		GasLimit:  tx.GasLimit,
		GasPrice:  tx.GasPrice,
		ChainID:   tx.ChainID,
		HubID:     tx.HubID,
		TxType:    tx.TxType,
		Timestamp: tx.Timestamp,
	}
}

// ComputeHash returns H(canonical_bytes(tx_body)), matching spec.md §3.
// Returns an empty string if marshalling fails, which cannot happen for a
// struct of plain types and a pre-validated json.RawMessage payload.
func (tx *Transaction) ComputeHash() string {
	data, err := json.Marshal(tx.body())
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Sign appends a detached ed25519 signature over the canonical body and
// sets Hash. A transaction may carry more than one Signature (multi-sig);
// Sign always appends rather than replacing.
func (tx *Transaction) Sign(priv crypto.PrivateKey) {
	tx.Hash = tx.ComputeHash()
	tx.Signatures = append(tx.Signatures, Signature{
		PublicKey: priv.Public().Hex(),
		Signature: crypto.Sign(priv, []byte(tx.Hash)),
		Algo:      "ed25519",
	})
}

// Verify checks that tx.Hash matches the recomputed body hash (when set)
// and that every signature verifies, including one from the declared
// Source. An empty Hash is allowed only before the caller recomputes it
// (e.g. RPC ingestion), never after.
func (tx *Transaction) Verify() error {
	if tx.Source == "" {
		return errors.New("core: transaction missing source")
	}
	if len(tx.Signatures) == 0 {
		return errors.New("core: transaction has no signatures")
	}
	computed := tx.ComputeHash()
	if tx.Hash != "" && tx.Hash != computed {
		return fmt.Errorf("core: tx hash mismatch: stored %s computed %s", tx.Hash, computed)
	}

	sawSource := false
	for _, sig := range tx.Signatures {
		if sig.Algo != "" && sig.Algo != "ed25519" {
			return fmt.Errorf("core: unsupported signature algo %q", sig.Algo)
		}
		pub, err := crypto.PubKeyFromHex(sig.PublicKey)
		if err != nil {
			return fmt.Errorf("core: invalid signer pubkey: %w", err)
		}
		if err := crypto.Verify(pub, []byte(computed), sig.Signature); err != nil {
			return fmt.Errorf("core: signature verification failed: %w", err)
		}
		if sig.PublicKey == tx.Source {
			sawSource = true
		}
	}
	if !sawSource {
		return errors.New("core: no signature from declared source")
	}
	return nil
}

// NewTransaction creates an unsigned transaction with the given fields.
// Call Sign afterwards to populate Hash and Signatures.
func NewTransaction(chainID string, typ TxType, source string, nonce uint64, to string, value, gasLimit, gasPrice uint64, payload any, timestamp int64) (*Transaction, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("core: marshal payload: %w", err)
		}
		raw = data
	}
	return &Transaction{
		Source:    source,
		Nonce:     nonce,
		To:        to,
		Value:     value,
		Payload:   raw,
		GasLimit:  gasLimit,
		GasPrice:  gasPrice,
		ChainID:   chainID,
		TxType:    typ,
		Timestamp: timestamp,
	}, nil
}

// TransferPayload carries optional call data for a plain-transfer
// transaction. To/Value already live on Transaction; this exists so
// contract-class transactions have a symmetrical place to carry a memo
// without overloading those fields.
type TransferPayload struct {
	Memo string `json:"memo,omitempty"`
}
