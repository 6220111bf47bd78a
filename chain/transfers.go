package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Transfer is one observed ERC-20 transfer into a watched deposit address.
type Transfer struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	TxHash      common.Hash
	BlockNumber uint64
}

// FilterTransfers queries the token contract's Transfer log stream for
// transfers whose destination is in dests, over [fromBlock, toBlock].
func (c *Context) FilterTransfers(ctx context.Context, fromBlock, toBlock uint64, dests []common.Address) ([]Transfer, error) {
	if len(dests) == 0 {
		return nil, nil
	}
	destTopics := make([]common.Hash, 0, len(dests))
	for _, dest := range dests {
		destTopics = append(destTopics, common.BytesToHash(dest.Bytes()))
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.TokenAddress},
		Topics:    [][]common.Hash{{transferEventSignature}, nil, destTopics},
	}
	logs, err := c.Client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("chain: filter transfers on %s: %w", c.Network, err)
	}
	transfers := make([]Transfer, 0, len(logs))
	for _, log := range logs {
		if log.Removed || len(log.Topics) < 3 {
			continue
		}
		transfers = append(transfers, Transfer{
			From:        common.BytesToAddress(log.Topics[1].Bytes()),
			To:          common.BytesToAddress(log.Topics[2].Bytes()),
			Value:       new(big.Int).SetBytes(log.Data),
			TxHash:      log.TxHash,
			BlockNumber: log.BlockNumber,
		})
	}
	return transfers, nil
}
