package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node ID
	Addr string `json:"addr"` // host:port
}

// GenesisConfig describes the chain's initial state.
type GenesisConfig struct {
	ChainID string            `json:"chain_id"`
	HubID   string            `json:"hub_id,omitempty"`
	Alloc   map[string]uint64 `json:"alloc"` // pubkey hex → initial balance
}

// FeesConfig controls whether transaction admission and execution account
// for gas cost against sender balance.
type FeesConfig struct {
	ConsumeGas bool `json:"consume_gas"`
}

// MempoolConfig mirrors spec.md §4.F / §6's transaction pool knobs.
type MempoolConfig struct {
	Capacity                      int `json:"capacity"`
	CapacityPerUser               int `json:"capacity_per_user"`
	BroadcastMaxBatchSize         int `json:"broadcast_max_batch_size"`
	SystemTransactionTimeoutSecs  int `json:"system_transaction_timeout_secs"`
	SystemTransactionGCIntervalMs int `json:"system_transaction_gc_interval_ms"`
	BroadcastTransactionIntervalMs int `json:"broadcast_transaction_interval_ms"`
	MaxConcurrentInboundSyncs     int `json:"shared_mempool_max_concurrent_inbound_syncs"`
}

// ConsensusConfig mirrors the PBFT timing knobs of spec.md §4.C-E / §6.
type ConsensusConfig struct {
	CommitIntervalMs       int `json:"commit_interval"`
	BlockMaxTxSize         int `json:"block_max_tx_size"`
	BlockMaxContractSize   int `json:"block_max_contract_size"`
	InstanceTimeoutSecs    int `json:"pbft_instance_timeout_secs"`
	LedgerCloseWatchdogSecs int `json:"ledger_close_watchdog_secs"`
	NewViewWaitSecs        int `json:"new_view_wait_secs"`
	CheckpointInterval     int `json:"checkpoint_interval"`
}

// Config holds all node configuration.
type Config struct {
	NodeID       string           `json:"node_id"`
	DataDir      string           `json:"data_dir"`
	RPCPort      int              `json:"rpc_port"`
	P2PPort      int              `json:"p2p_port"`
	Validators   []string         `json:"validators"` // authorised replica pubkey hexes
	Genesis      GenesisConfig    `json:"genesis"`
	Fees         FeesConfig       `json:"fees_config"`
	Mempool      MempoolConfig    `json:"mempool"`
	Consensus    ConsensusConfig  `json:"consensus"`
	SeedPeers    []SeedPeer       `json:"seed_peers,omitempty"`     // initial peers to connect to
	TLS          *TLSConfig       `json:"tls,omitempty"`            // nil → plain TCP
	RPCAuthToken string           `json:"rpc_auth_token,omitempty"` // empty → no auth
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:  "node0",
		DataDir: "./data",
		RPCPort: 8545,
		P2PPort: 30303,
		Genesis: GenesisConfig{
			ChainID: "tolchain-dev",
			Alloc:   map[string]uint64{},
		},
		Fees: FeesConfig{ConsumeGas: true},
		Mempool: MempoolConfig{
			Capacity:                       10_000,
			CapacityPerUser:                256,
			BroadcastMaxBatchSize:          100,
			SystemTransactionTimeoutSecs:   3600,
			SystemTransactionGCIntervalMs:  500,
			BroadcastTransactionIntervalMs: 500,
			MaxConcurrentInboundSyncs:      4,
		},
		Consensus: ConsensusConfig{
			CommitIntervalMs:        2000,
			BlockMaxTxSize:          500,
			BlockMaxContractSize:    50,
			InstanceTimeoutSecs:     20,
			LedgerCloseWatchdogSecs: 80,
			NewViewWaitSecs:         30,
			CheckpointInterval:      100,
		},
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Genesis.ChainID == "" {
		return fmt.Errorf("genesis.chain_id must not be empty")
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	if len(c.Validators) == 0 {
		return fmt.Errorf("validators list must not be empty")
	}
	for i, v := range c.Validators {
		b, err := hex.DecodeString(v)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("validators[%d]: must be 64-char hex (32 bytes ed25519 pubkey), got %q", i, v)
		}
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
