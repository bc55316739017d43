package config

import (
	"strings"
	"time"

	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto"
)

// GenesisHash is a canonical all-zeros previous hash for the genesis block.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// GenesisVersion is the block format version the genesis block is stamped
// with; nodes reject proposals that regress below it.
const GenesisVersion = int32(1)

// CreateGenesisBlock builds and signs block #0 from the config's Alloc map,
// crediting and committing every allocated account in state before the
// block is built. The block header carries no state root; the value
// ComputeRoot returns is not stored.
func CreateGenesisBlock(cfg *Config, state core.State, proposerPriv crypto.PrivateKey) (*core.Block, error) {
	proposerPub := proposerPriv.Public()

	for pubkeyHex, balance := range cfg.Genesis.Alloc {
		acc := &core.Account{
			Address: pubkeyHex,
			Balance: balance,
			Nonce:   0,
		}
		if err := state.SetAccount(acc); err != nil {
			return nil, err
		}
	}

	// ComputeRoot before Commit just to make the intended ordering (root,
	// then durable commit) explicit even though genesis has nothing to
	// roll back to.
	_ = state.ComputeRoot()
	if err := state.Commit(); err != nil {
		return nil, err
	}

	block := core.NewBlock(0, GenesisHash, proposerPub.Hex(), GenesisVersion, 0, nil, nil, time.Now().Unix())
	block.Sign(proposerPriv)
	return block, nil
}

// IsGenesisHash returns true if the hash is the canonical genesis prev-hash.
func IsGenesisHash(h string) bool {
	return strings.Count(h, "0") == len(h) && len(h) == 64
}
