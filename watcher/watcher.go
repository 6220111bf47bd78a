// Package watcher polls one network's token transfer logs for deposits into
// pending payment addresses. Each network runs its own watcher; they share no
// state beyond the ledger.
package watcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"openlypay/chain"
	"openlypay/ledger"
	"openlypay/observability"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultLookback     = 1200
)

// Detector receives matched transfers. Implemented by the engine.
type Detector interface {
	HandleDetected(ctx context.Context, network chain.Network, merchantID uuid.UUID, paymentRef string, amount int64, txHash string, blockNumber uint64) error
}

// Watcher scans a bounded window of blocks per tick. The cursor is the last
// fully scanned height; it lives in memory only, so a restart re-seeds it to
// head minus the lookback and replays that window. Transfers older than the
// lookback at seed time are never detected; that is an accepted limitation of
// the bounded-window design, not an error.
type Watcher struct {
	chainCtx     *chain.Context
	ledger       *ledger.Ledger
	detector     Detector
	metrics      *observability.GatewayMetrics
	logger       *slog.Logger
	pollInterval time.Duration
	lookback     uint64

	cursor uint64
	seeded bool
}

// New constructs a watcher with default cadence and lookback.
func New(chainCtx *chain.Context, l *ledger.Ledger, detector Detector, metrics *observability.GatewayMetrics, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		chainCtx:     chainCtx,
		ledger:       l,
		detector:     detector,
		metrics:      metrics,
		logger:       logger.With("network", chainCtx.Network),
		pollInterval: defaultPollInterval,
		lookback:     defaultLookback,
	}
}

// WithPollInterval overrides the tick cadence.
func (w *Watcher) WithPollInterval(interval time.Duration) *Watcher {
	if interval > 0 {
		w.pollInterval = interval
	}
	return w
}

// WithLookback overrides the seed window.
func (w *Watcher) WithLookback(blocks uint64) *Watcher {
	if blocks > 0 {
		w.lookback = blocks
	}
	return w
}

// Run polls until the context is cancelled. A failed tick is logged and
// skipped; the next tick resumes from the last successfully stored cursor. A
// stall here never affects the other network's watcher.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				w.logger.Error("watcher tick failed", "error", err)
				w.metrics.ObserveWatcherError(string(w.chainCtx.Network))
			}
		}
	}
}

// Tick runs one scan pass.
func (w *Watcher) Tick(ctx context.Context) error {
	head, err := w.chainCtx.Client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if !w.seeded {
		// Bounded lookback: avoid unbounded historical replay and provider
		// rate limits. No scan on the seeding tick.
		cursor := uint64(0)
		if head > w.lookback {
			cursor = head - w.lookback
		}
		w.cursor = cursor
		w.seeded = true
		w.metrics.SetWatcherCursor(string(w.chainCtx.Network), cursor)
		w.logger.Info("watcher cursor seeded", "head", head, "cursor", cursor)
		return nil
	}
	if head <= w.cursor {
		return nil
	}

	pending, err := w.ledger.PendingPayments(ctx, string(w.chainCtx.Network))
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		w.advance(head)
		return nil
	}

	watched := make(map[common.Address]int, len(pending))
	addresses := make([]common.Address, 0, len(pending))
	for i, payment := range pending {
		if !common.IsHexAddress(payment.DepositAddress) {
			continue
		}
		addr := common.HexToAddress(payment.DepositAddress)
		watched[addr] = i
		addresses = append(addresses, addr)
	}
	if len(addresses) == 0 {
		w.advance(head)
		return nil
	}

	transfers, err := w.chainCtx.FilterTransfers(ctx, w.cursor+1, head, addresses)
	if err != nil {
		return err
	}
	for _, transfer := range transfers {
		idx, ok := watched[transfer.To]
		if !ok {
			continue
		}
		payment := pending[idx]
		amount, ok := chain.BaseFromBig(transfer.Value)
		if !ok {
			w.logger.Error("transfer value out of range", "ref", payment.PaymentRef, "tx", transfer.TxHash.Hex())
			continue
		}
		w.logger.Info("incoming transfer", "to", transfer.To.Hex(), "ref", payment.PaymentRef)
		if err := w.detector.HandleDetected(ctx, w.chainCtx.Network, payment.MerchantID, payment.PaymentRef,
			amount, transfer.TxHash.Hex(), transfer.BlockNumber); err != nil {
			// A log that fails here is not retried beyond the lookback
			// window; the cursor still advances below.
			w.logger.Error("detection failed", "ref", payment.PaymentRef, "error", err)
		}
	}
	w.advance(head)
	return nil
}

// Cursor reports the last fully scanned height.
func (w *Watcher) Cursor() (uint64, bool) {
	return w.cursor, w.seeded
}

func (w *Watcher) advance(head uint64) {
	w.cursor = head
	w.metrics.SetWatcherCursor(string(w.chainCtx.Network), head)
}
