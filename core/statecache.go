package core

import "sync"

// StateCache is the two-layer copy-on-write account overlay of spec.md
// §4.J. The top layer holds the pending block's changes; the bottom layer
// is the committed state (storage.StateDB in this repo, a flat key-value
// store with no Merkle trie). A Get miss on top falls through to bottom;
// FlushToBottom merges top into bottom's write buffer so the caller can
// call bottom.Commit() to finish the write.
type StateCache struct {
	mu     sync.RWMutex
	bottom State
	top    map[string]*Account
}

// NewStateCache creates a StateCache fronting bottom.
func NewStateCache(bottom State) *StateCache {
	return &StateCache{
		bottom: bottom,
		top:    make(map[string]*Account),
	}
}

// GetAccount returns the account as seen through the pending overlay,
// falling through to the committed root on a top-layer miss.
func (c *StateCache) GetAccount(address string) (*Account, error) {
	c.mu.RLock()
	acc, ok := c.top[address]
	c.mu.RUnlock()
	if ok {
		cp := *acc
		return &cp, nil
	}
	return c.bottom.GetAccount(address)
}

// SetAccount writes into the top layer only; it is never visible to other
// block-execution contexts until FlushToBottom runs.
func (c *StateCache) SetAccount(account *Account) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *account
	c.top[account.Address] = &cp
	return nil
}

// Rollback discards the top layer, as if the pending block never executed.
// Used when block execution fails partway through (spec.md §7
// ExecutionFailure: "Primary: instance aborts").
func (c *StateCache) Rollback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.top = make(map[string]*Account)
}

// FlushToBottom merges the top layer into the bottom store's write buffer
// (without flushing bottom to disk) and clears top. Call bottom.Commit()
// once the block is durably stored — mirroring the sign-then-store-then-commit ordering the whole
// engine relies on to stay consistent on a crash between steps.
func (c *StateCache) FlushToBottom() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, acc := range c.top {
		if err := c.bottom.SetAccount(acc); err != nil {
			return err
		}
	}
	c.top = make(map[string]*Account)
	return nil
}

// Size returns the number of accounts dirtied in the top layer, used only
// for diagnostics/logging.
func (c *StateCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.top)
}
