package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const gatewayABIJSON = `[
  {"type":"function","name":"computeForwarderAddress","stateMutability":"view","inputs":[{"name":"merchantId","type":"string"},{"name":"paymentRef","type":"string"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"deployForwarder","stateMutability":"nonpayable","inputs":[{"name":"merchantId","type":"string"},{"name":"paymentRef","type":"string"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"usdcToken","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"withdrawForMerchant","stateMutability":"nonpayable","inputs":[{"name":"merchantId","type":"string"},{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"batchWithdraw","stateMutability":"nonpayable","inputs":[{"name":"merchantIds","type":"string[]"},{"name":"recipients","type":"address[]"},{"name":"amounts","type":"uint256[]"}],"outputs":[]}
]`

const forwarderABIJSON = `[
  {"type":"function","name":"forward","stateMutability":"nonpayable","inputs":[{"name":"merchantId","type":"string"},{"name":"paymentRef","type":"string"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

// Backend is the subset of the Ethereum RPC the pipeline reads from.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Gateway captures the fixed set of contract operations the pipeline performs
// against one network's gateway and its per-payment forwarders.
type Gateway interface {
	ComputeForwarderAddress(ctx context.Context, merchantID, paymentRef string) (common.Address, error)
	UsdcToken(ctx context.Context) (common.Address, error)
	ForwarderCode(ctx context.Context, forwarder common.Address) ([]byte, error)
	DeployForwarder(ctx context.Context, merchantID, paymentRef string) (common.Hash, error)
	Forward(ctx context.Context, forwarder common.Address, merchantID, paymentRef string, amount *big.Int) (common.Hash, error)
	WithdrawForMerchant(ctx context.Context, merchantID string, recipient common.Address, amount *big.Int) (common.Hash, error)
	BatchWithdraw(ctx context.Context, merchantIDs []string, recipients []common.Address, amounts []*big.Int) (common.Hash, error)
	WaitMined(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// GatewayClient implements Gateway against a live Ethereum node.
type GatewayClient struct {
	client       *ethclient.Client
	gateway      *bind.BoundContract
	gatewayABI   abi.ABI
	forwarderABI abi.ABI
	signer       *bind.TransactOpts
	waitInterval time.Duration
}

// NewGatewayClient binds the gateway contract. privateKey may be empty, in
// which case write operations return ErrNoSigner.
func NewGatewayClient(client *ethclient.Client, gatewayAddr common.Address, privateKey string, chainID *big.Int) (*GatewayClient, error) {
	gatewayABI, err := abi.JSON(strings.NewReader(gatewayABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: parse gateway abi: %w", err)
	}
	forwarderABI, err := abi.JSON(strings.NewReader(forwarderABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: parse forwarder abi: %w", err)
	}
	gc := &GatewayClient{
		client:       client,
		gateway:      bind.NewBoundContract(gatewayAddr, gatewayABI, client, client, client),
		gatewayABI:   gatewayABI,
		forwarderABI: forwarderABI,
		waitInterval: 5 * time.Second,
	}
	if key := strings.TrimPrefix(strings.TrimSpace(privateKey), "0x"); key != "" {
		priv, err := gethcrypto.HexToECDSA(key)
		if err != nil {
			return nil, fmt.Errorf("chain: parse private key: %w", err)
		}
		signer, err := bind.NewKeyedTransactorWithChainID(priv, chainID)
		if err != nil {
			return nil, fmt.Errorf("chain: build transactor: %w", err)
		}
		gc.signer = signer
	}
	return gc, nil
}

// ComputeForwarderAddress returns the deterministic deposit address for a
// payment. Read-only; safe to call before the forwarder is deployed.
func (gc *GatewayClient) ComputeForwarderAddress(ctx context.Context, merchantID, paymentRef string) (common.Address, error) {
	var out []interface{}
	if err := gc.gateway.Call(&bind.CallOpts{Context: ctx}, &out, "computeForwarderAddress", merchantID, paymentRef); err != nil {
		return common.Address{}, fmt.Errorf("chain: computeForwarderAddress: %w", err)
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// UsdcToken resolves the token contract the gateway settles in.
func (gc *GatewayClient) UsdcToken(ctx context.Context) (common.Address, error) {
	var out []interface{}
	if err := gc.gateway.Call(&bind.CallOpts{Context: ctx}, &out, "usdcToken"); err != nil {
		return common.Address{}, fmt.Errorf("chain: usdcToken: %w", err)
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// ForwarderCode reads the bytecode at the forwarder address. Empty bytes mean
// the forwarder has not been deployed yet.
func (gc *GatewayClient) ForwarderCode(ctx context.Context, forwarder common.Address) ([]byte, error) {
	return gc.client.CodeAt(ctx, forwarder, nil)
}

// DeployForwarder submits the forwarder deployment transaction.
func (gc *GatewayClient) DeployForwarder(ctx context.Context, merchantID, paymentRef string) (common.Hash, error) {
	opts, err := gc.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := gc.gateway.Transact(opts, "deployForwarder", merchantID, paymentRef)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: deployForwarder: %w", err)
	}
	return tx.Hash(), nil
}

// Forward submits the funds-forwarding transaction against a deployed
// forwarder contract.
func (gc *GatewayClient) Forward(ctx context.Context, forwarder common.Address, merchantID, paymentRef string, amount *big.Int) (common.Hash, error) {
	opts, err := gc.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	bound := bind.NewBoundContract(forwarder, gc.forwarderABI, gc.client, gc.client, gc.client)
	tx, err := bound.Transact(opts, "forward", merchantID, paymentRef, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: forward: %w", err)
	}
	return tx.Hash(), nil
}

// WithdrawForMerchant submits a single-merchant withdrawal.
func (gc *GatewayClient) WithdrawForMerchant(ctx context.Context, merchantID string, recipient common.Address, amount *big.Int) (common.Hash, error) {
	opts, err := gc.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := gc.gateway.Transact(opts, "withdrawForMerchant", merchantID, recipient, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: withdrawForMerchant: %w", err)
	}
	return tx.Hash(), nil
}

// BatchWithdraw submits one withdrawal covering all listed merchants.
func (gc *GatewayClient) BatchWithdraw(ctx context.Context, merchantIDs []string, recipients []common.Address, amounts []*big.Int) (common.Hash, error) {
	opts, err := gc.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := gc.gateway.Transact(opts, "batchWithdraw", merchantIDs, recipients, amounts)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: batchWithdraw: %w", err)
	}
	return tx.Hash(), nil
}

// WaitMined polls for the transaction receipt until it lands or the context
// is cancelled. A reverted transaction is surfaced as an error.
func (gc *GatewayClient) WaitMined(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	interval := gc.waitInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		receipt, err := gc.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("chain: transaction %s reverted", txHash.Hex())
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("chain: fetch receipt %s: %w", txHash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (gc *GatewayClient) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if gc.signer == nil {
		return nil, ErrNoSigner
	}
	opts := *gc.signer
	opts.Context = ctx
	return &opts, nil
}
