// Package engine drives the detection and flush half of the pipeline: the
// guarded PENDING -> CONFIRMING transition when a transfer is observed, the
// asynchronous flush that consolidates funds into the gateway contract, and
// the periodic sweep that re-drives stalled flushes.
package engine

import (
	"log/slog"
	"time"

	"openlypay/chain"
	"openlypay/ledger"
	"openlypay/notify"
	"openlypay/observability"
)

// Config carries the engine's collaborators.
type Config struct {
	Ledger        *ledger.Ledger
	Resolver      *chain.Resolver
	Webhooks      *notify.WebhookDispatcher
	Telegram      notify.Sink
	Activity      *notify.ActivityRecorder
	Metrics       *observability.GatewayMetrics
	Logger        *slog.Logger
	QueueCapacity int
}

// Engine owns one flush queue per configured network.
type Engine struct {
	ledger   *ledger.Ledger
	resolver *chain.Resolver
	webhooks *notify.WebhookDispatcher
	telegram notify.Sink
	activity *notify.ActivityRecorder
	metrics  *observability.GatewayMetrics
	logger   *slog.Logger
	queues   map[chain.Network]*FlushQueue
	now      func() time.Time
}

// New constructs the engine and its per-network queues.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	telegram := cfg.Telegram
	if telegram == nil {
		telegram = notify.NopSink{}
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	e := &Engine{
		ledger:   cfg.Ledger,
		resolver: cfg.Resolver,
		webhooks: cfg.Webhooks,
		telegram: telegram,
		activity: cfg.Activity,
		metrics:  cfg.Metrics,
		logger:   logger,
		queues:   make(map[chain.Network]*FlushQueue),
		now:      time.Now,
	}
	for _, network := range cfg.Resolver.Networks() {
		e.queues[network] = NewFlushQueue(capacity)
	}
	return e
}

// Queue returns the flush queue for a network, or nil when unconfigured.
func (e *Engine) Queue(network chain.Network) *FlushQueue {
	return e.queues[network]
}
