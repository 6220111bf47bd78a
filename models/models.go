package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PaymentStatus represents a state in the deposit lifecycle. Transitions are
// monotonic: PENDING -> CONFIRMING -> COMPLETED.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentConfirming PaymentStatus = "CONFIRMING"
	PaymentCompleted  PaymentStatus = "COMPLETED"
)

// PayoutStatus represents a state in the settlement lifecycle.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "PENDING"
	PayoutCompleted PayoutStatus = "COMPLETED"
)

// Activity log classification.
const (
	ActivityPayment = "PAYMENT"
	ActivityPayout  = "PAYOUT"
	ActivityError   = "ERROR"
	ActivitySystem  = "SYSTEM"
)

// Activity severities.
const (
	SeverityInfo    = "INFO"
	SeveritySuccess = "SUCCESS"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
)

// Merchant owns a running USDC balance credited by completed payments and
// debited by settlement. Balances are stored in USDC base units (6 decimals).
type Merchant struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	BusinessName  string    `gorm:"size:255"`
	Email         string    `gorm:"uniqueIndex;size:255"`
	APIKeyHash    string    `gorm:"uniqueIndex;size:64"`
	WebhookURL    string    `gorm:"size:512"`
	WalletAddress string    `gorm:"size:42"`
	UsdcBalance   int64     `gorm:"not null;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Customer tracks per-merchant payer aggregates updated on detection.
type Customer struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	MerchantID    uuid.UUID `gorm:"type:uuid;index:idx_customer_ref,unique"`
	Reference     string    `gorm:"size:128;index:idx_customer_ref,unique"`
	Email         string    `gorm:"size:255"`
	PaymentCount  int64     `gorm:"not null;default:0"`
	TotalPaid     int64     `gorm:"not null;default:0"`
	LastPaymentAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Payment is one deposit intent. The deposit address is derived once from
// (merchant, paymentRef, network) and never changes.
type Payment struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	MerchantID     uuid.UUID `gorm:"type:uuid;index:idx_merchant_ref,unique"`
	PaymentRef     string    `gorm:"size:128;index:idx_merchant_ref,unique"`
	Network        string    `gorm:"size:16;index"`
	DepositAddress string    `gorm:"size:42;index"`
	AmountExpected int64     `gorm:"not null"`
	AmountPaid     int64     `gorm:"not null;default:0"`
	Status         PaymentStatus `gorm:"size:16;index"`
	TxHash         string    `gorm:"size:66"`
	BlockNumber    uint64
	CustomerID     *uuid.UUID `gorm:"type:uuid;index"`
	Metadata       string     `gorm:"type:text"`
	ConfirmedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Payout is one settlement attempt, batch or manual. The row is created and
// the balance adjusted before the chain transaction confirms so a mid-flight
// crash leaves an auditable PENDING liability.
type Payout struct {
	ID            uuid.UUID    `gorm:"type:uuid;primaryKey"`
	MerchantID    uuid.UUID    `gorm:"type:uuid;index"`
	Amount        int64        `gorm:"not null"`
	TxHash        string       `gorm:"size:66;index"`
	WalletAddress string       `gorm:"size:42"`
	Network       string       `gorm:"size:16"`
	Status        PayoutStatus `gorm:"size:16;index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ActivityLog is the operator audit trail.
type ActivityLog struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Type       string     `gorm:"size:16;index"`
	Severity   string     `gorm:"size:16"`
	Message    string     `gorm:"size:512"`
	Metadata   string     `gorm:"type:text"`
	MerchantID *uuid.UUID `gorm:"type:uuid;index"`
	CreatedAt  time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Merchant{},
		&Customer{},
		&Payment{},
		&Payout{},
		&ActivityLog{},
	)
}
