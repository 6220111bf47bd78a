package engine

import (
	"context"
	"time"

	"openlypay/chain"
)

const (
	defaultSweepInterval      = 30 * time.Second
	defaultStalenessThreshold = 3 * time.Minute
)

// Recoverer periodically re-drives flush for CONFIRMING payments that have
// gone stale. It is the only retry mechanism for transient chain errors or a
// crash between "forward submitted" and the COMPLETED commit; its safety
// rests on the flush engine's re-entrancy.
type Recoverer struct {
	engine    *Engine
	interval  time.Duration
	staleness time.Duration
	now       func() time.Time
}

// NewRecoverer constructs a sweep with default cadence and staleness cutoff.
func NewRecoverer(e *Engine) *Recoverer {
	return &Recoverer{
		engine:    e,
		interval:  defaultSweepInterval,
		staleness: defaultStalenessThreshold,
		now:       time.Now,
	}
}

// WithInterval overrides the sweep cadence.
func (r *Recoverer) WithInterval(interval time.Duration) *Recoverer {
	if interval > 0 {
		r.interval = interval
	}
	return r
}

// WithStaleness overrides the staleness cutoff.
func (r *Recoverer) WithStaleness(staleness time.Duration) *Recoverer {
	if staleness > 0 {
		r.staleness = staleness
	}
	return r
}

// Run sweeps until the context is cancelled. Sweep errors are logged and the
// next tick proceeds; the scheduler is never killed by a single failure.
func (r *Recoverer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.engine.logger.Error("recovery sweep failed", "error", err)
			}
		}
	}
}

// Sweep selects stale CONFIRMING payments and re-enqueues their flush with
// the stored paid amount.
func (r *Recoverer) Sweep(ctx context.Context) error {
	cutoff := r.now().Add(-r.staleness)
	payments, err := r.engine.ledger.StaleConfirming(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, payment := range payments {
		if payment.AmountPaid <= 0 {
			continue
		}
		network := chain.Network(payment.Network)
		queue := r.engine.Queue(network)
		if queue == nil {
			r.engine.logger.Warn("no flush queue for stale payment", "network", payment.Network, "ref", payment.PaymentRef)
			continue
		}
		job := FlushJob{
			MerchantID: payment.MerchantID,
			PaymentRef: payment.PaymentRef,
			Amount:     payment.AmountPaid,
		}
		if queue.Enqueue(job) {
			r.engine.logger.Info("retrying stuck payment", "ref", payment.PaymentRef, "network", payment.Network)
			r.engine.metrics.ObserveRecovery(payment.Network)
		}
	}
	return nil
}
