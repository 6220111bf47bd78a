package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"openlypay/models"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func seedMerchant(t *testing.T, l *Ledger, balance int64) *models.Merchant {
	t.Helper()
	merchant := &models.Merchant{
		BusinessName:  "Acme Coffee",
		Email:         fmt.Sprintf("%s@example.com", uuid.NewString()),
		APIKeyHash:    uuid.NewString(),
		WalletAddress: "0x00000000000000000000000000000000000000aa",
		UsdcBalance:   balance,
	}
	if err := l.CreateMerchant(context.Background(), merchant); err != nil {
		t.Fatalf("create merchant: %v", err)
	}
	return merchant
}

func seedPayment(t *testing.T, l *Ledger, merchantID uuid.UUID, ref string) *models.Payment {
	t.Helper()
	payment := &models.Payment{
		MerchantID:     merchantID,
		PaymentRef:     ref,
		Network:        "TESTNET",
		DepositAddress: "0x00000000000000000000000000000000000000bb",
		AmountExpected: 5_000_000,
	}
	if err := l.CreatePayment(context.Background(), payment); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return payment
}

func TestCreatePaymentDuplicateRef(t *testing.T) {
	l := testLedger(t)
	merchant := seedMerchant(t, l, 0)
	seedPayment(t, l, merchant.ID, "order-1")

	dup := &models.Payment{
		MerchantID:     merchant.ID,
		PaymentRef:     "order-1",
		Network:        "TESTNET",
		DepositAddress: "0x00000000000000000000000000000000000000cc",
		AmountExpected: 1,
	}
	if err := l.CreatePayment(context.Background(), dup); err == nil {
		t.Fatal("expected unique constraint violation for duplicate paymentRef")
	}
}

func TestMarkConfirmingIsOneShot(t *testing.T) {
	l := testLedger(t)
	merchant := seedMerchant(t, l, 0)
	seedPayment(t, l, merchant.ID, "order-1")
	ctx := context.Background()

	won, err := l.MarkConfirming(ctx, merchant.ID, "order-1", 5_000_000, "0xabc", 42)
	if err != nil {
		t.Fatalf("mark confirming: %v", err)
	}
	if !won {
		t.Fatal("first transition should win")
	}

	won, err = l.MarkConfirming(ctx, merchant.ID, "order-1", 5_000_000, "0xdef", 43)
	if err != nil {
		t.Fatalf("second mark confirming: %v", err)
	}
	if won {
		t.Fatal("second transition should lose")
	}

	payment, err := l.PaymentByRef(ctx, merchant.ID, "order-1")
	if err != nil {
		t.Fatalf("payment by ref: %v", err)
	}
	if payment.Status != models.PaymentConfirming {
		t.Fatalf("status = %s, want CONFIRMING", payment.Status)
	}
	if payment.TxHash != "0xabc" || payment.BlockNumber != 42 {
		t.Fatalf("loser overwrote tx details: %s @ %d", payment.TxHash, payment.BlockNumber)
	}
}

func TestCompletePaymentCreditsExactlyOnce(t *testing.T) {
	frozen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := testLedger(t).WithClock(func() time.Time { return frozen })
	merchant := seedMerchant(t, l, 0)
	seedPayment(t, l, merchant.ID, "order-1")
	ctx := context.Background()

	if _, err := l.MarkConfirming(ctx, merchant.ID, "order-1", 5_000_000, "0xabc", 42); err != nil {
		t.Fatalf("mark confirming: %v", err)
	}

	completed, err := l.CompletePayment(ctx, merchant.ID, "order-1", 5_000_000, "0xflush")
	if err != nil {
		t.Fatalf("complete payment: %v", err)
	}
	if !completed {
		t.Fatal("first completion should win")
	}

	completed, err = l.CompletePayment(ctx, merchant.ID, "order-1", 5_000_000, "0xflush2")
	if err != nil {
		t.Fatalf("second completion: %v", err)
	}
	if completed {
		t.Fatal("second completion should be a no-op")
	}

	got, err := l.MerchantByID(ctx, merchant.ID)
	if err != nil {
		t.Fatalf("merchant by id: %v", err)
	}
	if got.UsdcBalance != 5_000_000 {
		t.Fatalf("balance = %d, want 5000000 (single credit)", got.UsdcBalance)
	}

	payment, _ := l.PaymentByRef(ctx, merchant.ID, "order-1")
	if payment.Status != models.PaymentCompleted {
		t.Fatalf("status = %s, want COMPLETED", payment.Status)
	}
	if payment.ConfirmedAt == nil || !payment.ConfirmedAt.Equal(frozen) {
		t.Fatalf("confirmedAt = %v, want %v", payment.ConfirmedAt, frozen)
	}
}

func TestDebitBalanceGuard(t *testing.T) {
	l := testLedger(t)
	merchant := seedMerchant(t, l, 3_000_000)
	ctx := context.Background()

	if err := l.DebitBalance(ctx, merchant.ID, 2_000_000); err != nil {
		t.Fatalf("debit within balance: %v", err)
	}
	if err := l.DebitBalance(ctx, merchant.ID, 2_000_000); err != ErrInsufficientBalance {
		t.Fatalf("overdraft error = %v, want ErrInsufficientBalance", err)
	}

	got, _ := l.MerchantByID(ctx, merchant.ID)
	if got.UsdcBalance != 1_000_000 {
		t.Fatalf("balance = %d, want 1000000 after failed overdraft", got.UsdcBalance)
	}
}

func TestEligibleMerchants(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	rich := seedMerchant(t, l, 25_000_000)
	seedMerchant(t, l, 1_000_000) // below threshold
	noWallet := seedMerchant(t, l, 50_000_000)
	if err := l.DB().Model(&models.Merchant{}).Where("id = ?", noWallet.ID).
		UpdateColumn("wallet_address", "").Error; err != nil {
		t.Fatalf("clear wallet: %v", err)
	}

	eligible, err := l.EligibleMerchants(ctx, 10_000_000)
	if err != nil {
		t.Fatalf("eligible merchants: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != rich.ID {
		t.Fatalf("eligible = %d rows, want exactly the funded merchant with a wallet", len(eligible))
	}
}

func TestReserveBatchZeroesBalances(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	a := seedMerchant(t, l, 25_000_000)
	b := seedMerchant(t, l, 12_000_000)

	payouts, err := l.ReserveBatch(ctx, []models.Merchant{*a, *b}, "MAINNET", "0xbatch")
	if err != nil {
		t.Fatalf("reserve batch: %v", err)
	}
	if len(payouts) != 2 {
		t.Fatalf("payouts = %d, want 2", len(payouts))
	}
	for _, p := range payouts {
		if p.Status != models.PayoutPending {
			t.Fatalf("payout status = %s, want PENDING", p.Status)
		}
		if p.TxHash != "0xbatch" {
			t.Fatalf("payout txHash = %s, want 0xbatch", p.TxHash)
		}
	}
	for _, m := range []*models.Merchant{a, b} {
		got, _ := l.MerchantByID(ctx, m.ID)
		if got.UsdcBalance != 0 {
			t.Fatalf("merchant %s balance = %d, want 0", m.ID, got.UsdcBalance)
		}
	}

	if err := l.CompletePayoutsByTx(ctx, "0xbatch"); err != nil {
		t.Fatalf("complete payouts: %v", err)
	}
	rows, err := l.PayoutsForMerchant(ctx, a.ID, 10)
	if err != nil {
		t.Fatalf("payouts for merchant: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != models.PayoutCompleted {
		t.Fatalf("payout not completed: %+v", rows)
	}
}

func TestStaleConfirmingSelection(t *testing.T) {
	l := testLedger(t)
	merchant := seedMerchant(t, l, 0)
	ctx := context.Background()

	stale := seedPayment(t, l, merchant.ID, "stale")
	seedPayment(t, l, merchant.ID, "fresh")
	for _, ref := range []string{"stale", "fresh"} {
		if _, err := l.MarkConfirming(ctx, merchant.ID, ref, 1_000_000, "0x1", 1); err != nil {
			t.Fatalf("mark confirming %s: %v", ref, err)
		}
	}
	past := time.Now().Add(-10 * time.Minute)
	if err := l.DB().Model(&models.Payment{}).Where("id = ?", stale.ID).
		UpdateColumn("updated_at", past).Error; err != nil {
		t.Fatalf("backdate payment: %v", err)
	}

	rows, err := l.StaleConfirming(ctx, time.Now().Add(-3*time.Minute))
	if err != nil {
		t.Fatalf("stale confirming: %v", err)
	}
	if len(rows) != 1 || rows[0].PaymentRef != "stale" {
		t.Fatalf("stale rows = %+v, want only the backdated payment", rows)
	}
}

func TestEnsureCustomerIdempotent(t *testing.T) {
	l := testLedger(t)
	merchant := seedMerchant(t, l, 0)
	ctx := context.Background()

	first, err := l.EnsureCustomer(ctx, merchant.ID, "cust-1")
	if err != nil {
		t.Fatalf("ensure customer: %v", err)
	}
	second, err := l.EnsureCustomer(ctx, merchant.ID, "cust-1")
	if err != nil {
		t.Fatalf("ensure customer again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("customer duplicated: %s vs %s", first.ID, second.ID)
	}

	at := time.Now()
	if err := l.BumpCustomerStats(ctx, first.ID, 2_000_000, at); err != nil {
		t.Fatalf("bump stats: %v", err)
	}
	if err := l.BumpCustomerStats(ctx, first.ID, 3_000_000, at); err != nil {
		t.Fatalf("bump stats again: %v", err)
	}
	var got models.Customer
	if err := l.DB().First(&got, "id = ?", first.ID).Error; err != nil {
		t.Fatalf("load customer: %v", err)
	}
	if got.PaymentCount != 2 || got.TotalPaid != 5_000_000 {
		t.Fatalf("stats = count %d total %d, want 2 / 5000000", got.PaymentCount, got.TotalPaid)
	}
}
