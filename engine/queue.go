package engine

import (
	"context"

	"github.com/google/uuid"

	"openlypay/chain"
)

const defaultQueueCapacity = 256

// FlushJob asks the flush worker to consolidate one detected payment. The
// amount is the observed (or stored) paid amount in base units.
type FlushJob struct {
	MerchantID uuid.UUID
	PaymentRef string
	Amount     int64
}

// FlushQueue is a bounded handoff between detection and the flush worker,
// so a slow receipt wait can never block the watcher tick that saw the log.
type FlushQueue struct {
	jobs chan FlushJob
}

// NewFlushQueue builds a queue with the given capacity.
func NewFlushQueue(capacity int) *FlushQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &FlushQueue{jobs: make(chan FlushJob, capacity)}
}

// Enqueue offers a job without blocking. Returns false when the queue is
// full; the recovery sweep will re-drive the payment later.
func (q *FlushQueue) Enqueue(job FlushJob) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

// Len reports the number of queued jobs.
func (q *FlushQueue) Len() int { return len(q.jobs) }

// RunWorker drains one network's flush queue until the context is cancelled.
// Flush failures are absorbed inside ProcessFlush; the worker never stops on
// a single payment's failure.
func (e *Engine) RunWorker(ctx context.Context, network chain.Network) {
	queue := e.queues[network]
	if queue == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-queue.jobs:
			e.ProcessFlush(ctx, job)
		}
	}
}
