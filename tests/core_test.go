package tests

import (
	"testing"
	"time"

	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/internal/testutil"
	"github.com/tolelom/tolchain/txpool"
	"github.com/tolelom/tolchain/wallet"
)

// TestKeyGenAndAddress verifies that key generation and address derivation work.
func TestKeyGenAndAddress(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if len(pub.Hex()) != 64 {
		t.Errorf("pubkey hex length: got %d want 64", len(pub.Hex()))
	}
	addr := pub.Address()
	if len(addr) != 40 {
		t.Errorf("address length: got %d want 40", len(addr))
	}
	derived := priv.Public()
	if derived.Hex() != pub.Hex() {
		t.Error("derived public key does not match")
	}
}

// TestSignVerify ensures Sign/Verify round-trips correctly.
func TestSignVerify(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("hello tolchain")
	sig := crypto.Sign(priv, data)
	if err := crypto.Verify(pub, data, sig); err != nil {
		t.Errorf("valid signature failed: %v", err)
	}
	if err := crypto.Verify(pub, []byte("tampered"), sig); err == nil {
		t.Error("tampered data should fail verification")
	}
}

// TestTransactionSignVerify ensures transaction signing and verification work.
func TestTransactionSignVerify(t *testing.T) {
	w, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}

	tx, err := w.Transfer("test-chain", "deadbeef", 100, 21000, 1, 0, time.Now().Unix())
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if tx.Hash == "" {
		t.Error("tx hash should be set after signing")
	}
	if err := tx.Verify(); err != nil {
		t.Errorf("Verify failed: %v", err)
	}

	// Tamper with the value to check that verification catches it.
	tx.Value = 999
	if err := tx.Verify(); err == nil {
		t.Error("tampered tx should fail verification")
	}
}

// TestBlockHash ensures that hashing a block is deterministic.
func TestBlockHash(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	block := core.NewBlock(1, "0000", pub.Hex(), 1, 0, nil, nil, time.Now().Unix())
	block.Sign(priv)

	if block.Hash == "" {
		t.Error("hash should be set after signing")
	}
	if block.ComputeHash() != block.Hash {
		t.Error("ComputeHash() does not match stored hash")
	}
}

// TestTxPoolAddReplaceAndEvict verifies admission, rejection of a
// fee-downgrade replacement, and commit eviction.
func TestTxPoolAddReplaceAndEvict(t *testing.T) {
	w, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	pool := txpool.New(txpool.Config{}, testutil.NewStateDB())

	tx, err := w.Transfer("test-chain", "aa", 1, 21000, 5, 1, time.Now().Unix())
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Add(tx, txpool.OriginLocal); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if pool.Size() != 1 {
		t.Errorf("size: got %d want 1", pool.Size())
	}

	// Replacing with a lower gas price should be rejected as a non-bump.
	dup, _ := w.Transfer("test-chain", "aa", 1, 21000, 4, 1, time.Now().Unix())
	if err := pool.Add(dup, txpool.OriginLocal); err == nil {
		t.Error("fee-downgrade replacement should be rejected")
	}

	pool.NotifyCommitted(map[string]uint64{w.PubKey(): 1})
	if pool.Size() != 0 {
		t.Error("pool should be empty after commit notification")
	}
}
