// Package settle moves accumulated merchant balances out of the gateway
// contract to merchant wallets, in a daily batch and on demand. Both paths
// follow reserve-then-execute-then-confirm: the ledger debit and the PENDING
// payout row always precede the receipt wait, so a crash mid-settlement
// leaves an auditable liability instead of a silently lost debit.
package settle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"openlypay/chain"
	"openlypay/ledger"
	"openlypay/models"
	"openlypay/notify"
	"openlypay/observability"
)

// DefaultThreshold is the minimum balance (base units) for batch selection.
const DefaultThreshold = 10_000_000 // 10 USDC

// Config carries the engine's collaborators.
type Config struct {
	Ledger    *ledger.Ledger
	Resolver  *chain.Resolver
	Telegram  notify.Sink
	Activity  *notify.ActivityRecorder
	Metrics   *observability.GatewayMetrics
	Logger    *slog.Logger
	Network   chain.Network // network batch settlement executes on
	Threshold int64
}

// Engine executes batch and manual settlements.
type Engine struct {
	ledger    *ledger.Ledger
	resolver  *chain.Resolver
	telegram  notify.Sink
	activity  *notify.ActivityRecorder
	metrics   *observability.GatewayMetrics
	logger    *slog.Logger
	network   chain.Network
	threshold int64
}

// New constructs a settlement engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	telegram := cfg.Telegram
	if telegram == nil {
		telegram = notify.NopSink{}
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	network := cfg.Network
	if network == "" {
		network = chain.NetworkTestnet
	}
	return &Engine{
		ledger:    cfg.Ledger,
		resolver:  cfg.Resolver,
		telegram:  telegram,
		activity:  cfg.Activity,
		metrics:   cfg.Metrics,
		logger:    logger,
		network:   network,
		threshold: threshold,
	}
}

// SettleBatch withdraws every eligible merchant's full balance in one chain
// transaction. Balances are zeroed and PENDING payout rows written before the
// receipt wait. If the chain call fails after reservation, the payouts stay
// PENDING and an ERROR activity row names the transaction for manual
// reconciliation; there is no automatic refund on the batch path.
func (s *Engine) SettleBatch(ctx context.Context) error {
	merchants, err := s.ledger.EligibleMerchants(ctx, s.threshold)
	if err != nil {
		return fmt.Errorf("select merchants: %w", err)
	}
	if len(merchants) == 0 {
		return nil
	}
	cctx, err := s.resolver.Context(s.network)
	if err != nil {
		return err
	}

	merchantIDs := make([]string, 0, len(merchants))
	recipients := make([]common.Address, 0, len(merchants))
	amounts := make([]*big.Int, 0, len(merchants))
	for _, merchant := range merchants {
		merchantIDs = append(merchantIDs, merchant.ID.String())
		recipients = append(recipients, common.HexToAddress(merchant.WalletAddress))
		amounts = append(amounts, chain.BigUnits(merchant.UsdcBalance))
	}

	s.logger.Info("settling merchants", "count", len(merchants), "network", s.network)
	txHash, err := cctx.Gateway.BatchWithdraw(ctx, merchantIDs, recipients, amounts)
	if err != nil {
		s.metrics.ObservePayout("batch", "failure")
		s.activity.Log(ctx, models.ActivityError, "Daily settlement failed", models.SeverityError,
			map[string]interface{}{"error": err.Error()}, nil)
		return fmt.Errorf("batch withdraw: %w", err)
	}

	if _, err := s.ledger.ReserveBatch(ctx, merchants, string(s.network), txHash.Hex()); err != nil {
		s.metrics.ObservePayout("batch", "failure")
		return fmt.Errorf("reserve batch: %w", err)
	}

	if _, err := cctx.Gateway.WaitMined(ctx, txHash); err != nil {
		s.metrics.ObservePayout("batch", "failure")
		s.activity.Log(ctx, models.ActivityError, "Batch settlement unconfirmed", models.SeverityError,
			map[string]interface{}{"txHash": txHash.Hex(), "error": err.Error()}, nil)
		return fmt.Errorf("await batch receipt: %w", err)
	}

	if err := s.ledger.CompletePayoutsByTx(ctx, txHash.Hex()); err != nil {
		return fmt.Errorf("complete payouts: %w", err)
	}
	s.metrics.ObservePayout("batch", "success")
	s.activity.Log(ctx, models.ActivityPayout,
		fmt.Sprintf("Settled %d merchants", len(merchants)),
		models.SeveritySuccess,
		map[string]interface{}{"txHash": txHash.Hex(), "count": len(merchants)}, nil)
	s.telegram.Send(ctx, fmt.Sprintf(
		"<b>Batch Settlement</b>\n\nMerchants: %d\nTx: %s", len(merchants), txHash.Hex()))
	return nil
}

// SettleManual withdraws a requested amount to the merchant's wallet on the
// given network. The balance debit is guarded by sufficiency; a failed guard
// returns ledger.ErrInsufficientBalance with nothing mutated. On any failure
// after the debit the balance is re-credited best-effort and the error
// returned. The refund can double-credit if the transfer actually landed
// after a receipt timeout; that risk is accepted by the design.
func (s *Engine) SettleManual(ctx context.Context, merchant *models.Merchant, amount int64, network chain.Network) (*models.Payout, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("settle: amount must be positive")
	}
	if !common.IsHexAddress(merchant.WalletAddress) {
		return nil, fmt.Errorf("settle: merchant %s has no wallet configured", merchant.ID)
	}
	cctx, err := s.resolver.Context(network)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.DebitBalance(ctx, merchant.ID, amount); err != nil {
		if err == ledger.ErrInsufficientBalance {
			s.telegram.Send(ctx, fmt.Sprintf(
				"%s tried to withdraw %s USDC but has insufficient balance.",
				merchant.BusinessName, chain.FormatUSDC(amount)))
		}
		return nil, err
	}

	payout, err := s.executeManual(ctx, cctx, merchant, amount, network)
	if err != nil {
		s.logger.Error("manual withdrawal failed, refunding", "merchant", merchant.ID, "error", err)
		if refundErr := s.ledger.CreditBalance(ctx, merchant.ID, amount); refundErr != nil {
			s.logger.Error("refund failed", "merchant", merchant.ID, "error", refundErr)
		}
		s.metrics.ObservePayout("manual", "failure")
		s.activity.Log(ctx, models.ActivityError, "Manual withdrawal failed - refunded", models.SeverityError,
			map[string]interface{}{"error": err.Error()}, &merchant.ID)
		s.telegram.Send(ctx, fmt.Sprintf(
			"%s manual withdrawal failed - refunded. Error: %v", merchant.BusinessName, err))
		return nil, err
	}

	s.metrics.ObservePayout("manual", "success")
	formatted := chain.FormatUSDC(amount)
	s.activity.Log(ctx, models.ActivityPayout,
		fmt.Sprintf("Manual withdrawal of %s USDC", formatted),
		models.SeveritySuccess,
		map[string]interface{}{"txHash": payout.TxHash, "amount": formatted}, &merchant.ID)
	s.telegram.Send(ctx, fmt.Sprintf(
		"%s manual withdrawal of %s USDC completed\nTx: %s", merchant.BusinessName, formatted, payout.TxHash))
	return payout, nil
}

func (s *Engine) executeManual(ctx context.Context, cctx *chain.Context, merchant *models.Merchant, amount int64, network chain.Network) (*models.Payout, error) {
	recipient := common.HexToAddress(merchant.WalletAddress)
	txHash, err := cctx.Gateway.WithdrawForMerchant(ctx, merchant.ID.String(), recipient, chain.BigUnits(amount))
	if err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	}

	payout := &models.Payout{
		MerchantID:    merchant.ID,
		Amount:        amount,
		TxHash:        txHash.Hex(),
		WalletAddress: merchant.WalletAddress,
		Network:       string(network),
	}
	if err := s.ledger.CreatePayout(ctx, payout); err != nil {
		return nil, fmt.Errorf("create payout: %w", err)
	}

	if _, err := cctx.Gateway.WaitMined(ctx, txHash); err != nil {
		return nil, fmt.Errorf("await receipt: %w", err)
	}
	if err := s.ledger.CompletePayoutsByTx(ctx, txHash.Hex()); err != nil {
		return nil, fmt.Errorf("complete payout: %w", err)
	}
	payout.Status = models.PayoutCompleted
	return payout, nil
}

// Threshold reports the batch selection minimum, for logging and tests.
func (s *Engine) Threshold() int64 { return s.threshold }
