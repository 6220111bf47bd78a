package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"openlypay/ledger"
)

// WebhookDispatcher posts pipeline events to the merchant's configured URL.
// Delivery is best-effort: failures are logged and not retried here.
type WebhookDispatcher struct {
	ledger *ledger.Ledger
	http   *http.Client
	logger *slog.Logger
}

// NewWebhookDispatcher constructs a dispatcher over the merchant store.
func NewWebhookDispatcher(l *ledger.Ledger, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		ledger: l,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Dispatch looks up the merchant's webhook URL and posts the event payload.
// Merchants without a URL are skipped silently.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, merchantID uuid.UUID, event string, data map[string]interface{}) {
	merchant, err := d.ledger.MerchantByID(ctx, merchantID)
	if err != nil {
		d.logger.Error("webhook merchant lookup failed", "merchant", merchantID, "error", err)
		return
	}
	if merchant.WebhookURL == "" {
		return
	}
	body, err := json.Marshal(map[string]interface{}{
		"event": event,
		"data":  data,
	})
	if err != nil {
		d.logger.Error("encode webhook payload", "event", event, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, merchant.WebhookURL, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("build webhook request", "event", event, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.http.Do(req)
	if err != nil {
		d.logger.Error("webhook delivery failed", "merchant", merchantID, "event", event, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.logger.Error("webhook rejected", "merchant", merchantID, "event", event, "status", resp.StatusCode)
	}
}
