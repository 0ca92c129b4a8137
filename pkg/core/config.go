package core

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every operational knob of the relayer. Values come from
// the environment; zero values fall back to the defaults below.
type Config struct {
	// Settlement chain configuration
	EthereumRPC     string
	ChainID         int64
	ContractAddress string
	PrivateKey      string

	// RPCPort is the JSON-RPC listen port for intent submission.
	RPCPort int

	// Validator network configuration
	P2PPort            int
	BootstrapPeers     []string
	ValidatorEndpoints []string
	CoordinatorURL     string
	ThresholdBps       int64
	QueryTimeout       time.Duration
	MaxQueryAttempts   int
	QueryBackoffBase   time.Duration

	// BypassConsensus skips the validator network and self-attests with
	// the relayer's own stake after an in-process verification. Development
	// and single-operator deployments only.
	BypassConsensus bool
	// RequireValidationSubmit makes a failed on-chain validation
	// submission fatal instead of best-effort.
	RequireValidationSubmit bool

	// Proving configuration
	NativeProverBin    string
	SwapWitnessBin     string
	SwapWasm           string
	SwapZkey           string
	SwapVkey           string
	WithdrawWitnessBin string
	WithdrawWasm       string
	WithdrawZkey       string
	WithdrawVkey       string
	AllowLocalProver   bool
	StrictInputs       bool
	DebugArtifactDir   string

	// Storage configuration
	StorePath       string
	MerkleTreeDepth int
}

// DefaultConfig returns the local development defaults.
func DefaultConfig() *Config {
	return &Config{
		EthereumRPC:      "http://localhost:8545",
		ChainID:          1337,
		RPCPort:          8080,
		P2PPort:          9000,
		ThresholdBps:     6600,
		QueryTimeout:     20 * time.Second,
		MaxQueryAttempts: 3,
		QueryBackoffBase: 500 * time.Millisecond,
		AllowLocalProver: true,
		StorePath:        "./relayerdb",
		MerkleTreeDepth:  10,
	}
}

// FromEnv overlays environment variables onto the defaults.
func FromEnv() *Config {
	cfg := DefaultConfig()

	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int64, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	setStr(&cfg.EthereumRPC, "ETHEREUM_RPC")
	setInt(&cfg.ChainID, "CHAIN_ID")
	setStr(&cfg.ContractAddress, "CONTRACT_ADDRESS")
	setStr(&cfg.PrivateKey, "RELAYER_PRIVATE_KEY")

	if v := os.Getenv("RPC_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RPCPort = n
		}
	}
	if v := os.Getenv("P2P_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.P2PPort = n
		}
	}
	if v := os.Getenv("BOOTSTRAP_PEERS"); v != "" {
		cfg.BootstrapPeers = strings.Split(v, ",")
	}
	if v := os.Getenv("VALIDATOR_ENDPOINTS"); v != "" {
		cfg.ValidatorEndpoints = strings.Split(v, ",")
	}
	setStr(&cfg.CoordinatorURL, "COORDINATOR_URL")
	setInt(&cfg.ThresholdBps, "CONSENSUS_THRESHOLD_BPS")
	if v := os.Getenv("CONSENSUS_QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.QueryTimeout = d
		}
	}
	if v := os.Getenv("CONSENSUS_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxQueryAttempts = n
		}
	}
	if v := os.Getenv("CONSENSUS_BACKOFF_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.QueryBackoffBase = d
		}
	}
	setBool(&cfg.BypassConsensus, "BYPASS_CONSENSUS")
	setBool(&cfg.RequireValidationSubmit, "REQUIRE_VALIDATION_SUBMIT")

	setStr(&cfg.NativeProverBin, "NATIVE_PROVER_BIN")
	setStr(&cfg.SwapWitnessBin, "SWAP_WITNESS_BIN")
	setStr(&cfg.SwapWasm, "SWAP_WASM")
	setStr(&cfg.SwapZkey, "SWAP_ZKEY")
	setStr(&cfg.SwapVkey, "SWAP_VKEY")
	setStr(&cfg.WithdrawWitnessBin, "WITHDRAW_WITNESS_BIN")
	setStr(&cfg.WithdrawWasm, "WITHDRAW_WASM")
	setStr(&cfg.WithdrawZkey, "WITHDRAW_ZKEY")
	setStr(&cfg.WithdrawVkey, "WITHDRAW_VKEY")
	setBool(&cfg.AllowLocalProver, "ALLOW_LOCAL_PROVER")
	setBool(&cfg.StrictInputs, "STRICT_INPUTS")
	setStr(&cfg.DebugArtifactDir, "DEBUG_ARTIFACT_DIR")

	setStr(&cfg.StorePath, "STORE_PATH")
	if v := os.Getenv("MERKLE_TREE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MerkleTreeDepth = n
		}
	}

	return cfg
}
