package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"openlypay/chain"
	"openlypay/ledger"
	"openlypay/models"
	"openlypay/notify"
	"openlypay/observability"
)

type fixture struct {
	engine  *Engine
	ledger  *ledger.Ledger
	gateway *chain.FuncGateway
	db      *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	led := ledger.New(db)

	gw := &chain.FuncGateway{}
	cctx := &chain.Context{Network: chain.NetworkMainnet, Gateway: gw}
	logger := slog.Default()
	eng := New(Config{
		Ledger:   led,
		Resolver: chain.NewResolver(cctx),
		Telegram: notify.NopSink{},
		Activity: notify.NewActivityRecorder(db, logger),
		Metrics:  observability.Gateway(),
		Logger:   logger,
		Network:  chain.NetworkMainnet,
	})
	return &fixture{engine: eng, ledger: led, gateway: gw, db: db}
}

func (f *fixture) seedMerchant(t *testing.T, balance int64) *models.Merchant {
	t.Helper()
	merchant := &models.Merchant{
		BusinessName:  "Acme Coffee",
		Email:         fmt.Sprintf("%s@example.com", uuid.NewString()),
		APIKeyHash:    uuid.NewString(),
		WalletAddress: "0x00000000000000000000000000000000000000aa",
		UsdcBalance:   balance,
	}
	require.NoError(t, f.ledger.CreateMerchant(context.Background(), merchant))
	return merchant
}

func TestSettleManualCompletesPayout(t *testing.T) {
	f := newFixture(t)
	merchant := f.seedMerchant(t, 20_000_000)
	ctx := context.Background()

	var withdrawn *big.Int
	f.gateway.WithdrawForMerchantFunc = func(_ context.Context, _ string, _ common.Address, amount *big.Int) (common.Hash, error) {
		withdrawn = amount
		return common.HexToHash("0x01"), nil
	}

	payout, err := f.engine.SettleManual(ctx, merchant, 15_000_000, chain.NetworkMainnet)
	require.NoError(t, err)
	require.Equal(t, models.PayoutCompleted, payout.Status)
	require.Equal(t, int64(15_000_000), payout.Amount)
	require.Equal(t, big.NewInt(15_000_000).String(), withdrawn.String())

	got, err := f.ledger.MerchantByID(ctx, merchant.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5_000_000), got.UsdcBalance)

	rows, err := f.ledger.PayoutsForMerchant(ctx, merchant.ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, models.PayoutCompleted, rows[0].Status)
}

func TestSettleManualInsufficientBalanceMutatesNothing(t *testing.T) {
	f := newFixture(t)
	merchant := f.seedMerchant(t, 1_000_000)
	ctx := context.Background()

	var called bool
	f.gateway.WithdrawForMerchantFunc = func(context.Context, string, common.Address, *big.Int) (common.Hash, error) {
		called = true
		return common.Hash{}, nil
	}

	_, err := f.engine.SettleManual(ctx, merchant, 5_000_000, chain.NetworkMainnet)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	require.False(t, called, "chain must not be touched when the debit guard fails")

	got, err := f.ledger.MerchantByID(ctx, merchant.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), got.UsdcBalance)

	rows, err := f.ledger.PayoutsForMerchant(ctx, merchant.ID, 10)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestSettleManualRefundsOnChainFailure(t *testing.T) {
	f := newFixture(t)
	merchant := f.seedMerchant(t, 20_000_000)
	ctx := context.Background()

	f.gateway.WithdrawForMerchantFunc = func(context.Context, string, common.Address, *big.Int) (common.Hash, error) {
		return common.Hash{}, errors.New("nonce too low")
	}

	_, err := f.engine.SettleManual(ctx, merchant, 15_000_000, chain.NetworkMainnet)
	require.Error(t, err)

	got, err := f.ledger.MerchantByID(ctx, merchant.ID)
	require.NoError(t, err)
	require.Equal(t, int64(20_000_000), got.UsdcBalance, "debit should be refunded")
}

func TestSettleBatchReservesBeforeReceipt(t *testing.T) {
	f := newFixture(t)
	a := f.seedMerchant(t, 25_000_000)
	b := f.seedMerchant(t, 12_000_000)
	f.seedMerchant(t, 1_000_000) // below threshold, untouched
	ctx := context.Background()

	f.gateway.BatchWithdrawFunc = func(_ context.Context, ids []string, recipients []common.Address, amounts []*big.Int) (common.Hash, error) {
		require.Len(t, ids, 2)
		require.Len(t, recipients, 2)
		require.Len(t, amounts, 2)
		return common.HexToHash("0xbatch"), nil
	}
	f.gateway.WaitMinedFunc = func(_ context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
		// The ledger must already be reserved while the receipt is pending.
		for _, m := range []*models.Merchant{a, b} {
			got, err := f.ledger.MerchantByID(ctx, m.ID)
			require.NoError(t, err)
			require.Zero(t, got.UsdcBalance, "balance must be zeroed before the receipt resolves")
		}
		var pending int64
		require.NoError(t, f.db.Model(&models.Payout{}).
			Where("status = ?", models.PayoutPending).Count(&pending).Error)
		require.EqualValues(t, 2, pending)
		return &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, TxHash: txHash}, nil
	}

	require.NoError(t, f.engine.SettleBatch(ctx))

	for _, m := range []*models.Merchant{a, b} {
		rows, err := f.ledger.PayoutsForMerchant(ctx, m.ID, 10)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, models.PayoutCompleted, rows[0].Status)
	}
}

func TestSettleBatchFailedReceiptLeavesPendingPayouts(t *testing.T) {
	f := newFixture(t)
	merchant := f.seedMerchant(t, 25_000_000)
	ctx := context.Background()

	f.gateway.BatchWithdrawFunc = func(context.Context, []string, []common.Address, []*big.Int) (common.Hash, error) {
		return common.HexToHash("0xbatch"), nil
	}
	f.gateway.WaitMinedFunc = func(context.Context, common.Hash) (*gethtypes.Receipt, error) {
		return nil, errors.New("receipt timeout")
	}

	require.Error(t, f.engine.SettleBatch(ctx))

	// Reservation stands for manual reconciliation: balance zeroed, payout PENDING.
	got, err := f.ledger.MerchantByID(ctx, merchant.ID)
	require.NoError(t, err)
	require.Zero(t, got.UsdcBalance)

	rows, err := f.ledger.PayoutsForMerchant(ctx, merchant.ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, models.PayoutPending, rows[0].Status)
	require.Equal(t, common.HexToHash("0xbatch").Hex(), rows[0].TxHash)
}

func TestSettleBatchNoEligibleMerchantsIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.seedMerchant(t, 1_000_000)
	var called bool
	f.gateway.BatchWithdrawFunc = func(context.Context, []string, []common.Address, []*big.Int) (common.Hash, error) {
		called = true
		return common.Hash{}, nil
	}
	require.NoError(t, f.engine.SettleBatch(context.Background()))
	require.False(t, called)
	require.Equal(t, int64(DefaultThreshold), f.engine.Threshold())
}
