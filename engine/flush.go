package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"openlypay/chain"
	"openlypay/models"
)

// ProcessFlush runs one flush attempt and absorbs its failure: the error is
// logged and recorded, state stays CONFIRMING, and the recovery sweep retries
// later. This is the boundary that keeps the workers alive.
func (e *Engine) ProcessFlush(ctx context.Context, job FlushJob) {
	// Refresh updated_at so the recovery sweep backs off while this
	// attempt is in flight.
	if err := e.ledger.TouchPayment(ctx, job.MerchantID, job.PaymentRef); err != nil {
		e.logger.Warn("touch payment", "ref", job.PaymentRef, "error", err)
	}
	start := e.now()
	network, err := e.flush(ctx, job)
	took := e.now().Sub(start)
	if err == nil {
		e.metrics.ObserveFlush(string(network), "success", took)
		return
	}
	e.metrics.ObserveFlush(string(network), "failure", took)
	e.logger.Error("flush failed", "ref", job.PaymentRef, "network", network, "error", err)
	e.telegram.Send(ctx, fmt.Sprintf(
		"⚠️ <b>System Error</b>\n\nAction: Flush Payment\nRef: %s\nError: %v", job.PaymentRef, err))
	e.activity.Log(ctx, models.ActivityError,
		fmt.Sprintf("Flush failed for %s", job.PaymentRef),
		models.SeverityError,
		map[string]interface{}{"error": err.Error()},
		&job.MerchantID)
}

// flush consolidates one payment's funds into the gateway: deploy the
// forwarder if absent, forward the funds, then commit COMPLETED plus the
// balance credit in one guarded step. Every stage tolerates re-entry, so the
// routine may race itself between detection and the recovery sweep.
func (e *Engine) flush(ctx context.Context, job FlushJob) (chain.Network, error) {
	// The network comes from the stored payment row, never from the caller,
	// so a delayed retry cannot apply a stale network.
	payment, err := e.ledger.PaymentByRef(ctx, job.MerchantID, job.PaymentRef)
	if err != nil {
		return "", fmt.Errorf("load payment: %w", err)
	}
	network := chain.Network(payment.Network)
	if payment.Status == models.PaymentCompleted {
		return network, nil
	}
	cctx, err := e.resolver.Context(network)
	if err != nil {
		return network, err
	}

	merchantID := job.MerchantID.String()
	forwarder, err := cctx.Gateway.ComputeForwarderAddress(ctx, merchantID, job.PaymentRef)
	if err != nil {
		return network, err
	}

	code, err := cctx.Gateway.ForwarderCode(ctx, forwarder)
	if err != nil {
		return network, err
	}
	if len(code) == 0 {
		e.logger.Info("deploying forwarder", "ref", job.PaymentRef, "address", forwarder.Hex())
		if err := e.deployForwarder(ctx, cctx, merchantID, job.PaymentRef, forwarder); err != nil {
			return network, err
		}
	}

	e.logger.Info("forwarding funds", "ref", job.PaymentRef, "network", network)
	amount := chain.BigUnits(job.Amount)
	forwardHash, err := cctx.Gateway.Forward(ctx, forwarder, merchantID, job.PaymentRef, amount)
	if err != nil {
		return network, fmt.Errorf("forward: %w", err)
	}
	if _, err := cctx.Gateway.WaitMined(ctx, forwardHash); err != nil {
		return network, fmt.Errorf("await forward receipt: %w", err)
	}

	completed, err := e.ledger.CompletePayment(ctx, job.MerchantID, job.PaymentRef, job.Amount, forwardHash.Hex())
	if err != nil {
		return network, fmt.Errorf("complete payment: %w", err)
	}
	if !completed {
		// A racing flush already committed; nothing further to do.
		return network, nil
	}

	formatted := chain.FormatUSDC(job.Amount)
	e.logger.Info("payment completed", "ref", job.PaymentRef, "tx", forwardHash.Hex())
	e.webhooks.Dispatch(ctx, job.MerchantID, "payment.success", map[string]interface{}{
		"paymentRef": job.PaymentRef,
		"amount":     formatted,
		"txHash":     forwardHash.Hex(),
	})
	e.telegram.Send(ctx, fmt.Sprintf(
		"<b>Payment Completed</b>\n\nRef: %s\nAmount: %s USDC\nTx: %s",
		job.PaymentRef, formatted, forwardHash.Hex()))
	return network, nil
}

// deployForwarder submits the deployment and waits for it to land. A deploy
// error is reclassified as success when bytecode is present afterwards:
// a concurrent flush attempt won the race.
func (e *Engine) deployForwarder(ctx context.Context, cctx *chain.Context, merchantID, paymentRef string, forwarder common.Address) error {
	deployHash, err := cctx.Gateway.DeployForwarder(ctx, merchantID, paymentRef)
	if err == nil {
		_, err = cctx.Gateway.WaitMined(ctx, deployHash)
	}
	if err == nil {
		return nil
	}
	code, checkErr := cctx.Gateway.ForwarderCode(ctx, forwarder)
	if checkErr == nil && len(code) > 0 {
		e.logger.Info("forwarder deploy race resolved", "ref", paymentRef, "address", forwarder.Hex())
		return nil
	}
	return fmt.Errorf("deploy forwarder: %w", err)
}
