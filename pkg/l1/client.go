package l1

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

// poolABI is the shielded pool ledger interface the relayer drives. The
// proof argument is the flat eight-element Groth16 encoding; the public
// inputs tuple is the circuit's seventeen public signals in order.
const poolABI = `[
  {"type":"function","name":"swap","stateMutability":"nonpayable","inputs":[{"name":"proof","type":"uint256[8]"},{"name":"publicInputs","type":"uint256[17]"}],"outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"proof","type":"uint256[8]"},{"name":"publicInputs","type":"uint256[17]"},{"name":"recipient","type":"address"}],"outputs":[]},
  {"type":"function","name":"submitValidation","stateMutability":"nonpayable","inputs":[{"name":"proofHash","type":"bytes32"},{"name":"validators","type":"address[]"},{"name":"signatures","type":"bytes[]"}],"outputs":[]},
  {"type":"function","name":"getCommitments","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"function","name":"currentRoot","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"isSpent","stateMutability":"view","inputs":[{"name":"nullifier","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"stakeOf","stateMutability":"view","inputs":[{"name":"validator","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"minStake","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"totalStaked","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"CommitmentAppended","anonymous":false,"inputs":[{"name":"index","type":"uint256","indexed":true},{"name":"commitment","type":"uint256","indexed":false},{"name":"newRoot","type":"uint256","indexed":false}]}
]`

// Client talks to the shielded pool contract on the settlement chain.
type Client struct {
	ethClient  *ethclient.Client
	contract   *bind.BoundContract
	abi        abi.ABI
	address    common.Address
	privateKey *ecdsa.PrivateKey
	sender     common.Address
	chainID    *big.Int
}

// Config represents the configuration for the settlement client
type Config struct {
	EthereumRPC     string
	ChainID         int64
	ContractAddress string
	PrivateKey      string
}

// NewClient connects to the settlement chain and binds the pool contract.
func NewClient(config *Config) (*Client, error) {
	ethClient, err := ethclient.Dial(config.EthereumRPC)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum node: %v", err)
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(config.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %v", err)
	}

	publicKey := privateKey.Public()
	publicKeyECDSA, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}
	sender := crypto.PubkeyToAddress(*publicKeyECDSA)

	parsed, err := abi.JSON(strings.NewReader(poolABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool ABI: %v", err)
	}

	address := common.HexToAddress(config.ContractAddress)
	contract := bind.NewBoundContract(address, parsed, ethClient, ethClient, ethClient)

	return &Client{
		ethClient:  ethClient,
		contract:   contract,
		abi:        parsed,
		address:    address,
		privateKey: privateKey,
		sender:     sender,
		chainID:    big.NewInt(config.ChainID),
	}, nil
}

// Sender returns the relayer's settlement address.
func (c *Client) Sender() common.Address {
	return c.sender
}

// OrderedCommitments returns every commitment the pool has absorbed, in
// insertion order. This is the input to an accumulator rebuild.
func (c *Client) OrderedCommitments(ctx context.Context) ([]*big.Int, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getCommitments"); err != nil {
		return nil, fmt.Errorf("failed to read commitments: %v", err)
	}
	commitments, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected commitments type %T", out[0])
	}
	return commitments, nil
}

// CurrentRoot reads the pool's accumulator root.
func (c *Client) CurrentRoot(ctx context.Context) (*big.Int, error) {
	return c.callUint(ctx, "currentRoot")
}

// IsSpent reports whether a nullifier has already been consumed.
func (c *Client) IsSpent(ctx context.Context, nullifier *big.Int) (bool, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isSpent", nullifier); err != nil {
		return false, fmt.Errorf("failed to read nullifier state: %v", err)
	}
	spent, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected nullifier state type %T", out[0])
	}
	return spent, nil
}

// StakeOf returns a validator's staked voting power.
func (c *Client) StakeOf(ctx context.Context, address string) (*big.Int, error) {
	return c.callUint(ctx, "stakeOf", common.HexToAddress(address))
}

// MinStake returns the minimum stake for validator registration.
func (c *Client) MinStake(ctx context.Context) (*big.Int, error) {
	return c.callUint(ctx, "minStake")
}

// TotalStaked returns the total staked voting power.
func (c *Client) TotalStaked(ctx context.Context) (*big.Int, error) {
	return c.callUint(ctx, "totalStaked")
}

func (c *Client) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("failed to call %s: %v", method, err)
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, out[0])
	}
	return n, nil
}

// SubmitSwap sends a join-split swap settlement transaction.
func (c *Client) SubmitSwap(ctx context.Context, proof [8]*big.Int, publicInputs [17]*big.Int) (*types.Transaction, error) {
	auth, err := c.getTransactOpts(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := c.contract.Transact(auth, "swap", proof, publicInputs)
	if err != nil {
		return nil, fmt.Errorf("failed to submit swap: %v", err)
	}
	log.Info().Str("tx_hash", tx.Hash().Hex()).Msg("Submitted swap settlement")
	return tx, nil
}

// SubmitWithdraw sends a withdraw settlement paying out to recipient.
func (c *Client) SubmitWithdraw(ctx context.Context, proof [8]*big.Int, publicInputs [17]*big.Int, recipient common.Address) (*types.Transaction, error) {
	auth, err := c.getTransactOpts(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := c.contract.Transact(auth, "withdraw", proof, publicInputs, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to submit withdraw: %v", err)
	}
	log.Info().Str("tx_hash", tx.Hash().Hex()).Str("recipient", recipient.Hex()).Msg("Submitted withdraw settlement")
	return tx, nil
}

// SubmitValidation records the validator signatures that backed a proof.
func (c *Client) SubmitValidation(ctx context.Context, proofHash [32]byte, validators []common.Address, signatures [][]byte) (*types.Transaction, error) {
	auth, err := c.getTransactOpts(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := c.contract.Transact(auth, "submitValidation", proofHash, validators, signatures)
	if err != nil {
		return nil, fmt.Errorf("failed to submit validation: %v", err)
	}
	log.Info().Str("tx_hash", tx.Hash().Hex()).Int("signatures", len(signatures)).Msg("Submitted threshold validation")
	return tx, nil
}

// WaitConfirmed blocks until the transaction is mined. A reverted receipt
// is replayed as a call to surface the revert reason.
func (c *Client) WaitConfirmed(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.ethClient, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for transaction %s: %v", tx.Hash().Hex(), err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		reason := c.revertReason(ctx, tx, receipt.BlockNumber)
		return receipt, fmt.Errorf("transaction %s reverted: %s", tx.Hash().Hex(), reason)
	}
	return receipt, nil
}

// revertReason replays the transaction as a call at its mined block and
// decodes the standard Error(string) payload.
func (c *Client) revertReason(ctx context.Context, tx *types.Transaction, blockNumber *big.Int) string {
	msg := ethereum.CallMsg{
		From:     c.sender,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	ret, err := c.ethClient.CallContract(ctx, msg, blockNumber)
	if err != nil {
		return err.Error()
	}
	reason, err := abi.UnpackRevert(ret)
	if err != nil {
		return "unknown revert"
	}
	return reason
}

// getTransactOpts creates transaction options for sending transactions
func (c *Client) getTransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	nonce, err := c.ethClient.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %v", err)
	}

	gasPrice, err := c.ethClient.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas price: %v", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(c.privateKey, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %v", err)
	}

	auth.Context = ctx
	auth.Nonce = big.NewInt(int64(nonce))
	auth.Value = big.NewInt(0)
	auth.GasLimit = uint64(3000000)
	auth.GasPrice = gasPrice

	return auth, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.ethClient.Close()
}
