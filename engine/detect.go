package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"openlypay/chain"
	"openlypay/models"
)

// HandleDetected applies the PENDING -> CONFIRMING transition for an observed
// transfer and hands the payment to the flush queue. Safe against duplicate
// log delivery: only the invocation that wins the status guard produces side
// effects. The handler returns once the job is queued; flush failures never
// revert the CONFIRMING transition.
func (e *Engine) HandleDetected(ctx context.Context, network chain.Network, merchantID uuid.UUID, paymentRef string, amount int64, txHash string, blockNumber uint64) error {
	ok, err := e.ledger.MarkConfirming(ctx, merchantID, paymentRef, amount, txHash, blockNumber)
	if err != nil {
		return fmt.Errorf("mark confirming %s: %w", paymentRef, err)
	}
	if !ok {
		// Lost the guard: duplicate log or payment already past PENDING.
		return nil
	}

	e.logger.Info("payment detected", "network", network, "ref", paymentRef, "tx", txHash)
	e.metrics.ObservePaymentDetected(string(network))

	payment, err := e.ledger.PaymentByRef(ctx, merchantID, paymentRef)
	if err == nil && payment.CustomerID != nil {
		if err := e.ledger.BumpCustomerStats(ctx, *payment.CustomerID, amount, e.now()); err != nil {
			e.logger.Error("bump customer stats", "ref", paymentRef, "error", err)
		}
	}

	formatted := chain.FormatUSDC(amount)
	e.webhooks.Dispatch(ctx, merchantID, "payment.detected", map[string]interface{}{
		"paymentRef": paymentRef,
		"amount":     formatted,
		"txHash":     txHash,
	})
	e.activity.Log(ctx, models.ActivityPayment,
		fmt.Sprintf("Payment detected for %s", paymentRef),
		models.SeverityInfo,
		map[string]interface{}{"amount": formatted, "txHash": txHash, "network": network},
		&merchantID)
	e.telegram.Send(ctx, fmt.Sprintf(
		"<b>Payment Detected</b>\n\nRef: %s\nAmount: %s USDC\nNetwork: %s\nTx: %s",
		paymentRef, formatted, network, txHash))

	job := FlushJob{MerchantID: merchantID, PaymentRef: paymentRef, Amount: amount}
	if queue := e.queues[network]; queue == nil || !queue.Enqueue(job) {
		e.logger.Warn("flush queue unavailable, payment left for recovery sweep",
			"network", network, "ref", paymentRef)
	}
	return nil
}
