package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"openlypay/models"
)

// ActivityRecorder persists the operator audit trail. Recording failures are
// logged and swallowed; audit must never block the pipeline.
type ActivityRecorder struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewActivityRecorder constructs a recorder over the shared database.
func NewActivityRecorder(db *gorm.DB, logger *slog.Logger) *ActivityRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityRecorder{db: db, logger: logger}
}

// Log writes one activity row. Unknown types and severities are normalised to
// SYSTEM/INFO so the row is always written.
func (a *ActivityRecorder) Log(ctx context.Context, kind, message, severity string, metadata map[string]interface{}, merchantID *uuid.UUID) {
	entry := models.ActivityLog{
		ID:         uuid.New(),
		Type:       normalizeType(kind),
		Severity:   normalizeSeverity(severity),
		Message:    message,
		MerchantID: merchantID,
		CreatedAt:  time.Now().UTC(),
	}
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err == nil {
			entry.Metadata = string(raw)
		}
	}
	if err := a.db.WithContext(ctx).Create(&entry).Error; err != nil {
		a.logger.Error("record activity", "type", entry.Type, "error", err)
	}
}

func normalizeType(kind string) string {
	switch strings.ToUpper(strings.TrimSpace(kind)) {
	case models.ActivityPayment:
		return models.ActivityPayment
	case models.ActivityPayout:
		return models.ActivityPayout
	case models.ActivityError:
		return models.ActivityError
	default:
		return models.ActivitySystem
	}
}

func normalizeSeverity(severity string) string {
	switch strings.ToUpper(strings.TrimSpace(severity)) {
	case models.SeveritySuccess:
		return models.SeveritySuccess
	case models.SeverityWarning:
		return models.SeverityWarning
	case models.SeverityError:
		return models.SeverityError
	default:
		return models.SeverityInfo
	}
}
