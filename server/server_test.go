package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"openlypay/chain"
	"openlypay/ledger"
	"openlypay/models"
	"openlypay/notify"
	"openlypay/observability"
	"openlypay/settle"
)

const testAPIKey = "sk_test_0123456789"

type fixture struct {
	server   *Server
	ledger   *ledger.Ledger
	merchant *models.Merchant
	gateway  *chain.FuncGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	led := ledger.New(db)

	sum := sha256.Sum256([]byte(testAPIKey))
	merchant := &models.Merchant{
		BusinessName:  "Acme Coffee",
		Email:         "acme@example.com",
		APIKeyHash:    hex.EncodeToString(sum[:]),
		WalletAddress: "0x00000000000000000000000000000000000000aa",
	}
	if err := led.CreateMerchant(context.Background(), merchant); err != nil {
		t.Fatalf("create merchant: %v", err)
	}

	gw := &chain.FuncGateway{
		ComputeForwarderAddressFunc: func(_ context.Context, merchantID, paymentRef string) (common.Address, error) {
			// Deterministic per (merchant, ref) like the real CREATE2 derivation.
			return common.BytesToAddress(gethcrypto.Keccak256([]byte(merchantID + "/" + paymentRef))[:20]), nil
		},
	}
	cctx := &chain.Context{Network: chain.NetworkTestnet, Gateway: gw}
	resolver := chain.NewResolver(cctx)
	logger := slog.Default()
	settlement := settle.New(settle.Config{
		Ledger:   led,
		Resolver: resolver,
		Telegram: notify.NopSink{},
		Activity: notify.NewActivityRecorder(db, logger),
		Metrics:  observability.Gateway(),
		Logger:   logger,
		Network:  chain.NetworkTestnet,
	})
	srv := New(Config{
		Ledger:     led,
		Resolver:   resolver,
		Settlement: settlement,
		Telegram:   notify.NopSink{},
		Activity:   notify.NewActivityRecorder(db, logger),
		Logger:     logger,
	})
	return &fixture{server: srv, ledger: led, merchant: merchant, gateway: gw}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestAuthRejectsMissingAndUnknownKeys(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/api/v1/payouts", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key status = %d, want 401", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/payouts", nil, "sk_wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown key status = %d, want 401", rec.Code)
	}
}

func TestHealthzIsOpen(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/healthz", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
}

func TestCreatePaymentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	body := map[string]interface{}{"paymentRef": "order-1", "amount": 5.0, "network": "TESTNET"}

	rec := f.do(t, http.MethodPost, "/api/v1/payments", body, testAPIKey)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create status = %d body=%s, want 201", rec.Code, rec.Body.String())
	}
	var first paymentResponse
	decode(t, rec, &first)
	if first.Status != string(models.PaymentPending) {
		t.Fatalf("status = %s, want PENDING", first.Status)
	}
	if first.DepositAddress == "" || first.DepositAddress == (common.Address{}).Hex() {
		t.Fatalf("deposit address not derived: %q", first.DepositAddress)
	}
	if first.AmountExpected != "5" {
		t.Fatalf("amountExpected = %s, want 5", first.AmountExpected)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/payments", body, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat create status = %d, want 200", rec.Code)
	}
	var second paymentResponse
	decode(t, rec, &second)
	if second.ID != first.ID || second.DepositAddress != first.DepositAddress {
		t.Fatal("repeat create must return the existing payment unchanged")
	}
}

func TestCreatePaymentValidation(t *testing.T) {
	f := newFixture(t)
	cases := []map[string]interface{}{
		{"amount": 5.0},                                        // missing ref
		{"paymentRef": "order-1"},                              // missing amount
		{"paymentRef": "order-1", "amount": -2.0},              // negative
		{"paymentRef": "order-1", "amount": 5.0, "network": "SOLANA"}, // unknown network
	}
	for i, body := range cases {
		if rec := f.do(t, http.MethodPost, "/api/v1/payments", body, testAPIKey); rec.Code != http.StatusBadRequest {
			t.Fatalf("case %d status = %d, want 400", i, rec.Code)
		}
	}
}

func TestGetPaymentByRefAndID(t *testing.T) {
	f := newFixture(t)
	body := map[string]interface{}{"paymentRef": "order-1", "amount": 5.0, "network": "TESTNET"}
	rec := f.do(t, http.MethodPost, "/api/v1/payments", body, testAPIKey)
	var created paymentResponse
	decode(t, rec, &created)

	for _, key := range []string{"order-1", created.ID} {
		rec := f.do(t, http.MethodGet, "/api/v1/payments/"+key, nil, testAPIKey)
		if rec.Code != http.StatusOK {
			t.Fatalf("get %q status = %d, want 200", key, rec.Code)
		}
		var got paymentResponse
		decode(t, rec, &got)
		if got.ID != created.ID {
			t.Fatalf("get %q returned payment %s, want %s", key, got.ID, created.ID)
		}
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/payments/no-such-ref", nil, testAPIKey); rec.Code != http.StatusNotFound {
		t.Fatalf("missing ref status = %d, want 404", rec.Code)
	}
}

func TestRequestPayoutInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	body := map[string]interface{}{"amount": 50.0, "network": "TESTNET"}
	rec := f.do(t, http.MethodPost, "/api/v1/payouts", body, testAPIKey)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRequestPayoutAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.ledger.CreditBalance(ctx, f.merchant.ID, 20_000_000); err != nil {
		t.Fatalf("credit balance: %v", err)
	}

	body := map[string]interface{}{"amount": 15.0, "network": "TESTNET"}
	rec := f.do(t, http.MethodPost, "/api/v1/payouts", body, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("payout status = %d body=%s, want 200", rec.Code, rec.Body.String())
	}
	var payout payoutResponse
	decode(t, rec, &payout)
	if payout.Status != string(models.PayoutCompleted) || payout.Amount != "15" {
		t.Fatalf("payout = %+v, want completed 15 USDC", payout)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/payouts", nil, testAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	var rows []payoutResponse
	decode(t, rec, &rows)
	if len(rows) != 1 || rows[0].ID != payout.ID {
		t.Fatalf("list = %+v, want the single payout", rows)
	}
}
