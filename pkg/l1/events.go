package l1

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// CommitmentEvent is one CommitmentAppended log from the pool.
type CommitmentEvent struct {
	Index      uint64
	Commitment *big.Int
	NewRoot    *big.Int
	TxHash     common.Hash
	Block      uint64
}

// FilterCommitments returns the CommitmentAppended events in the given
// block range, in log order. A nil toBlock means the latest block.
func (c *Client) FilterCommitments(ctx context.Context, fromBlock, toBlock *big.Int) ([]CommitmentEvent, error) {
	event, ok := c.abi.Events["CommitmentAppended"]
	if !ok {
		return nil, fmt.Errorf("CommitmentAppended missing from ABI")
	}

	logs, err := c.ethClient.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{event.ID}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter commitment logs: %v", err)
	}

	events := make([]CommitmentEvent, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		if len(l.Topics) < 2 {
			log.Warn().Str("tx_hash", l.TxHash.Hex()).Msg("Skipping malformed commitment log")
			continue
		}
		values, err := event.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack commitment log: %v", err)
		}
		commitment, ok := values[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("unexpected commitment type %T", values[0])
		}
		newRoot, ok := values[1].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("unexpected root type %T", values[1])
		}
		events = append(events, CommitmentEvent{
			Index:      new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(),
			Commitment: commitment,
			NewRoot:    newRoot,
			TxHash:     l.TxHash,
			Block:      l.BlockNumber,
		})
	}
	return events, nil
}

// CommitmentsInReceipt extracts the commitments appended by one settlement
// transaction, for post-confirmation absorption into the local accumulator.
func (c *Client) CommitmentsInReceipt(ctx context.Context, txHash common.Hash) ([]CommitmentEvent, error) {
	receipt, err := c.ethClient.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt %s: %v", txHash.Hex(), err)
	}
	event := c.abi.Events["CommitmentAppended"]

	var events []CommitmentEvent
	for _, l := range receipt.Logs {
		if l.Address != c.address || len(l.Topics) < 2 || l.Topics[0] != event.ID {
			continue
		}
		values, err := event.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack commitment log: %v", err)
		}
		events = append(events, CommitmentEvent{
			Index:      new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(),
			Commitment: values[0].(*big.Int),
			NewRoot:    values[1].(*big.Int),
			TxHash:     l.TxHash,
			Block:      l.BlockNumber,
		})
	}
	return events, nil
}
