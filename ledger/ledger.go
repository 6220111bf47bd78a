// Package ledger owns every mutation of the off-chain payment ledger. All
// single-row state transitions are expressed as conditional UPDATEs so that
// racing callers (detection vs. recovery, concurrent flushes) cannot observe
// or produce intermediate states.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"openlypay/models"
)

// ErrInsufficientBalance is returned when a guarded debit finds less balance
// than requested. Nothing is mutated.
var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("ledger: not found")

// Ledger wraps the gorm handle with the gateway's transition semantics.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a ledger over the given database.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// DB exposes the underlying handle for collaborators that only read.
func (l *Ledger) DB() *gorm.DB { return l.db }

// CreatePayment inserts a new PENDING payment. The deposit address must have
// been derived already; it never changes afterwards.
func (l *Ledger) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	payment.Status = models.PaymentPending
	return l.db.WithContext(ctx).Create(payment).Error
}

// PaymentByRef fetches a payment by its merchant-scoped reference.
func (l *Ledger) PaymentByRef(ctx context.Context, merchantID uuid.UUID, paymentRef string) (*models.Payment, error) {
	var payment models.Payment
	err := l.db.WithContext(ctx).
		Where("merchant_id = ? AND payment_ref = ?", merchantID, paymentRef).
		First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// PaymentByID fetches a payment by primary key, scoped to a merchant.
func (l *Ledger) PaymentByID(ctx context.Context, merchantID, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := l.db.WithContext(ctx).
		Where("id = ? AND merchant_id = ?", id, merchantID).
		First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// PendingPayments lists PENDING payments for one network; the watcher builds
// its watched address set from these.
func (l *Ledger) PendingPayments(ctx context.Context, network string) ([]models.Payment, error) {
	var payments []models.Payment
	err := l.db.WithContext(ctx).
		Where("status = ? AND network = ?", models.PaymentPending, network).
		Find(&payments).Error
	return payments, err
}

// StaleConfirming selects CONFIRMING payments whose last update is older than
// the cutoff; these are the recovery sweep's candidates.
func (l *Ledger) StaleConfirming(ctx context.Context, cutoff time.Time) ([]models.Payment, error) {
	var payments []models.Payment
	err := l.db.WithContext(ctx).
		Where("status = ? AND updated_at <= ?", models.PaymentConfirming, cutoff).
		Find(&payments).Error
	return payments, err
}

// MarkConfirming applies the PENDING -> CONFIRMING transition. Returns false
// without error when the guard loses, e.g. a duplicate log delivery.
func (l *Ledger) MarkConfirming(ctx context.Context, merchantID uuid.UUID, paymentRef string, amountPaid int64, txHash string, blockNumber uint64) (bool, error) {
	res := l.db.WithContext(ctx).Model(&models.Payment{}).
		Where("merchant_id = ? AND payment_ref = ? AND status = ?", merchantID, paymentRef, models.PaymentPending).
		Updates(map[string]interface{}{
			"status":       models.PaymentConfirming,
			"amount_paid":  amountPaid,
			"tx_hash":      txHash,
			"block_number": blockNumber,
			"updated_at":   l.now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CompletePayment marks the payment COMPLETED and credits the merchant's
// balance in the same transaction. The status guard makes the whole operation
// idempotent: a second invocation finds zero rows and credits nothing.
func (l *Ledger) CompletePayment(ctx context.Context, merchantID uuid.UUID, paymentRef string, amountPaid int64, txHash string) (bool, error) {
	completed := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.now().UTC()
		res := tx.Model(&models.Payment{}).
			Where("merchant_id = ? AND payment_ref = ? AND status <> ?", merchantID, paymentRef, models.PaymentCompleted).
			Updates(map[string]interface{}{
				"status":       models.PaymentCompleted,
				"amount_paid":  amountPaid,
				"tx_hash":      txHash,
				"confirmed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		credit := tx.Model(&models.Merchant{}).
			Where("id = ?", merchantID).
			Updates(map[string]interface{}{
				"usdc_balance": gorm.Expr("usdc_balance + ?", amountPaid),
				"updated_at":   now,
			})
		if credit.Error != nil {
			return credit.Error
		}
		completed = true
		return nil
	})
	return completed, err
}

// TouchPayment refreshes updated_at so the recovery sweep backs off from a
// payment that is actively being flushed.
func (l *Ledger) TouchPayment(ctx context.Context, merchantID uuid.UUID, paymentRef string) error {
	return l.db.WithContext(ctx).Model(&models.Payment{}).
		Where("merchant_id = ? AND payment_ref = ?", merchantID, paymentRef).
		Update("updated_at", l.now().UTC()).Error
}

// CreateMerchant inserts a merchant row.
func (l *Ledger) CreateMerchant(ctx context.Context, merchant *models.Merchant) error {
	if merchant.ID == uuid.Nil {
		merchant.ID = uuid.New()
	}
	return l.db.WithContext(ctx).Create(merchant).Error
}

// MerchantByAPIKeyHash resolves a merchant from a hashed API key.
func (l *Ledger) MerchantByAPIKeyHash(ctx context.Context, hash string) (*models.Merchant, error) {
	var merchant models.Merchant
	err := l.db.WithContext(ctx).Where("api_key_hash = ?", hash).First(&merchant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &merchant, nil
}

// MerchantByID fetches a merchant by primary key.
func (l *Ledger) MerchantByID(ctx context.Context, id uuid.UUID) (*models.Merchant, error) {
	var merchant models.Merchant
	err := l.db.WithContext(ctx).Where("id = ?", id).First(&merchant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &merchant, nil
}

// DebitBalance decrements the merchant's balance guarded by sufficiency.
// Zero rows affected means the guard lost and nothing was mutated.
func (l *Ledger) DebitBalance(ctx context.Context, merchantID uuid.UUID, amount int64) error {
	res := l.db.WithContext(ctx).Model(&models.Merchant{}).
		Where("id = ? AND usdc_balance >= ?", merchantID, amount).
		Updates(map[string]interface{}{
			"usdc_balance": gorm.Expr("usdc_balance - ?", amount),
			"updated_at":   l.now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// CreditBalance increments the merchant's balance. Used for settlement
// refunds after a failed withdrawal.
func (l *Ledger) CreditBalance(ctx context.Context, merchantID uuid.UUID, amount int64) error {
	return l.db.WithContext(ctx).Model(&models.Merchant{}).
		Where("id = ?", merchantID).
		Updates(map[string]interface{}{
			"usdc_balance": gorm.Expr("usdc_balance + ?", amount),
			"updated_at":   l.now().UTC(),
		}).Error
}

// EligibleMerchants selects merchants whose balance meets the settlement
// threshold and who have a wallet configured.
func (l *Ledger) EligibleMerchants(ctx context.Context, minBalance int64) ([]models.Merchant, error) {
	var merchants []models.Merchant
	err := l.db.WithContext(ctx).
		Where("usdc_balance >= ? AND wallet_address <> ''", minBalance).
		Find(&merchants).Error
	return merchants, err
}

// ReserveBatch zeroes the selected merchants' balances and inserts PENDING
// payout rows in one transaction, before the chain call resolves. A crash
// afterwards leaves auditable PENDING rows rather than a lost debit.
func (l *Ledger) ReserveBatch(ctx context.Context, merchants []models.Merchant, network, txHash string) ([]models.Payout, error) {
	payouts := make([]models.Payout, 0, len(merchants))
	now := l.now().UTC()
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, merchant := range merchants {
			res := tx.Model(&models.Merchant{}).
				Where("id = ?", merchant.ID).
				Updates(map[string]interface{}{"usdc_balance": 0, "updated_at": now})
			if res.Error != nil {
				return res.Error
			}
			payouts = append(payouts, models.Payout{
				ID:            uuid.New(),
				MerchantID:    merchant.ID,
				Amount:        merchant.UsdcBalance,
				TxHash:        txHash,
				WalletAddress: merchant.WalletAddress,
				Network:       network,
				Status:        models.PayoutPending,
				CreatedAt:     now,
				UpdatedAt:     now,
			})
		}
		return tx.Create(&payouts).Error
	})
	if err != nil {
		return nil, err
	}
	return payouts, nil
}

// CreatePayout inserts a single PENDING payout row.
func (l *Ledger) CreatePayout(ctx context.Context, payout *models.Payout) error {
	if payout.ID == uuid.Nil {
		payout.ID = uuid.New()
	}
	payout.Status = models.PayoutPending
	return l.db.WithContext(ctx).Create(payout).Error
}

// CompletePayoutsByTx flips every payout carrying the given transaction hash
// to COMPLETED once the receipt has confirmed.
func (l *Ledger) CompletePayoutsByTx(ctx context.Context, txHash string) error {
	return l.db.WithContext(ctx).Model(&models.Payout{}).
		Where("tx_hash = ? AND status = ?", txHash, models.PayoutPending).
		Updates(map[string]interface{}{
			"status":     models.PayoutCompleted,
			"updated_at": l.now().UTC(),
		}).Error
}

// PayoutsForMerchant lists a merchant's most recent payouts.
func (l *Ledger) PayoutsForMerchant(ctx context.Context, merchantID uuid.UUID, limit int) ([]models.Payout, error) {
	if limit <= 0 {
		limit = 20
	}
	var payouts []models.Payout
	err := l.db.WithContext(ctx).
		Where("merchant_id = ?", merchantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&payouts).Error
	return payouts, err
}

// EnsureCustomer returns the customer row for a merchant-scoped reference,
// creating it on first sight. Called at payment creation time.
func (l *Ledger) EnsureCustomer(ctx context.Context, merchantID uuid.UUID, reference string) (*models.Customer, error) {
	var customer models.Customer
	err := l.db.WithContext(ctx).
		Where("merchant_id = ? AND reference = ?", merchantID, reference).
		First(&customer).Error
	if err == nil {
		return &customer, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	customer = models.Customer{
		ID:         uuid.New(),
		MerchantID: merchantID,
		Reference:  reference,
	}
	if err := l.db.WithContext(ctx).Create(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

// BumpCustomerStats updates the payer's aggregates when a payment is
// detected.
func (l *Ledger) BumpCustomerStats(ctx context.Context, customerID uuid.UUID, amount int64, at time.Time) error {
	return l.db.WithContext(ctx).Model(&models.Customer{}).
		Where("id = ?", customerID).
		Updates(map[string]interface{}{
			"payment_count":   gorm.Expr("payment_count + 1"),
			"total_paid":      gorm.Expr("total_paid + ?", amount),
			"last_payment_at": at.UTC(),
			"updated_at":      l.now().UTC(),
		}).Error
}
