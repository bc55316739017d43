package core

import (
	"fmt"
	"math"
)

// TxResult is the per-transaction outcome of executing a block, matching
// the "tx_results" half of spec.md §1's external
// `execute_block(block) -> (tx_results, post_state)` contract.
type TxResult struct {
	TxHash  string `json:"tx_hash"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Executor is the external execution-engine collaborator referenced by
// spec.md §1 and §4.E/§4.G. The EVM/WASM engines that would implement this
// in a real deployment are out of scope; ReferenceExecutor below is a
// minimal concrete implementation kept only so the consensus/catch-up
// paths are runnable and testable end-to-end.
type Executor interface {
	// ExecuteBlock applies every transaction in block against the given
	// state overlay, in strict order, returning as soon as it hits the
	// first failure. It never fans out execution into a discarded
	// iterator expression (spec.md §9 open question): each transaction is
	// awaited before the next begins.
	ExecuteBlock(block *Block, cache *StateCache) ([]TxResult, error)
}

// ReferenceExecutor implements Executor for plain-transfer transactions
// only (TxTransfer): it deducts value and gas from the sender, credits the
// recipient, and increments the sender's nonce. Contract-class
// transactions (TxEVM/TxWASM) are accepted into blocks for pool/assembly
// purposes but rejected here, since there is no VM behind this reference
// implementation — adapted from the teacher's vm.Executor, narrowed to
// drop the game-specific handler registry (see DESIGN.md).
type ReferenceExecutor struct{}

// NewReferenceExecutor creates a ReferenceExecutor.
func NewReferenceExecutor() *ReferenceExecutor {
	return &ReferenceExecutor{}
}

// ExecuteBlock implements Executor.
func (e *ReferenceExecutor) ExecuteBlock(block *Block, cache *StateCache) ([]TxResult, error) {
	results := make([]TxResult, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		res, err := e.executeTx(tx, cache)
		results = append(results, res)
		if err != nil {
			return results, fmt.Errorf("core: tx %s failed: %w", tx.Hash, err)
		}
	}
	return results, nil
}

func (e *ReferenceExecutor) executeTx(tx *Transaction, cache *StateCache) (TxResult, error) {
	res := TxResult{TxHash: tx.Hash}

	if tx.TxType.IsContractClass() {
		res.Error = "no execution engine configured for contract-class transactions"
		return res, fmt.Errorf("core: %s", res.Error)
	}

	sender, err := cache.GetAccount(tx.Source)
	if err != nil {
		res.Error = err.Error()
		return res, fmt.Errorf("core: get sender account: %w", err)
	}
	if tx.Nonce != sender.Nonce+1 {
		res.Error = fmt.Sprintf("invalid nonce: expected %d got %d", sender.Nonce+1, tx.Nonce)
		return res, fmt.Errorf("core: %s", res.Error)
	}
	cost := tx.Value + tx.GasLimit*tx.GasPrice
	if sender.Balance < cost {
		res.Error = fmt.Sprintf("insufficient balance: have %d need %d", sender.Balance, cost)
		return res, fmt.Errorf("core: %s", res.Error)
	}
	if sender.Nonce == math.MaxUint64 {
		res.Error = "nonce overflow"
		return res, fmt.Errorf("core: %s", res.Error)
	}

	sender.Balance -= cost
	sender.Nonce++
	if err := cache.SetAccount(sender); err != nil {
		return res, err
	}

	if tx.To != "" && tx.Value > 0 {
		recipient, err := cache.GetAccount(tx.To)
		if err != nil {
			return res, fmt.Errorf("core: get recipient account: %w", err)
		}
		recipient.Balance += tx.Value
		if err := cache.SetAccount(recipient); err != nil {
			return res, err
		}
	}

	res.Success = true
	return res, nil
}
