package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// FuncGateway adapts callback functions to the Gateway interface. Callbacks
// left nil succeed with zero values.
type FuncGateway struct {
	ComputeForwarderAddressFunc func(ctx context.Context, merchantID, paymentRef string) (common.Address, error)
	UsdcTokenFunc               func(ctx context.Context) (common.Address, error)
	ForwarderCodeFunc           func(ctx context.Context, forwarder common.Address) ([]byte, error)
	DeployForwarderFunc         func(ctx context.Context, merchantID, paymentRef string) (common.Hash, error)
	ForwardFunc                 func(ctx context.Context, forwarder common.Address, merchantID, paymentRef string, amount *big.Int) (common.Hash, error)
	WithdrawForMerchantFunc     func(ctx context.Context, merchantID string, recipient common.Address, amount *big.Int) (common.Hash, error)
	BatchWithdrawFunc           func(ctx context.Context, merchantIDs []string, recipients []common.Address, amounts []*big.Int) (common.Hash, error)
	WaitMinedFunc               func(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

func (g FuncGateway) ComputeForwarderAddress(ctx context.Context, merchantID, paymentRef string) (common.Address, error) {
	if g.ComputeForwarderAddressFunc == nil {
		return common.Address{}, nil
	}
	return g.ComputeForwarderAddressFunc(ctx, merchantID, paymentRef)
}

func (g FuncGateway) UsdcToken(ctx context.Context) (common.Address, error) {
	if g.UsdcTokenFunc == nil {
		return common.Address{}, nil
	}
	return g.UsdcTokenFunc(ctx)
}

func (g FuncGateway) ForwarderCode(ctx context.Context, forwarder common.Address) ([]byte, error) {
	if g.ForwarderCodeFunc == nil {
		return nil, nil
	}
	return g.ForwarderCodeFunc(ctx, forwarder)
}

func (g FuncGateway) DeployForwarder(ctx context.Context, merchantID, paymentRef string) (common.Hash, error) {
	if g.DeployForwarderFunc == nil {
		return common.Hash{}, nil
	}
	return g.DeployForwarderFunc(ctx, merchantID, paymentRef)
}

func (g FuncGateway) Forward(ctx context.Context, forwarder common.Address, merchantID, paymentRef string, amount *big.Int) (common.Hash, error) {
	if g.ForwardFunc == nil {
		return common.Hash{}, nil
	}
	return g.ForwardFunc(ctx, forwarder, merchantID, paymentRef, amount)
}

func (g FuncGateway) WithdrawForMerchant(ctx context.Context, merchantID string, recipient common.Address, amount *big.Int) (common.Hash, error) {
	if g.WithdrawForMerchantFunc == nil {
		return common.Hash{}, nil
	}
	return g.WithdrawForMerchantFunc(ctx, merchantID, recipient, amount)
}

func (g FuncGateway) BatchWithdraw(ctx context.Context, merchantIDs []string, recipients []common.Address, amounts []*big.Int) (common.Hash, error) {
	if g.BatchWithdrawFunc == nil {
		return common.Hash{}, nil
	}
	return g.BatchWithdrawFunc(ctx, merchantIDs, recipients, amounts)
}

func (g FuncGateway) WaitMined(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	if g.WaitMinedFunc == nil {
		return &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, TxHash: txHash}, nil
	}
	return g.WaitMinedFunc(ctx, txHash)
}
