// Package server exposes the merchant-facing HTTP API. The routing and
// authentication here are a thin boundary over the pipeline; all state
// transitions live in ledger, engine, and settle.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"openlypay/chain"
	"openlypay/ledger"
	"openlypay/models"
	"openlypay/notify"
	"openlypay/settle"
)

const maxRequestBody = 1 << 20

// Config captures the dependencies required to construct the server.
type Config struct {
	Ledger     *ledger.Ledger
	Resolver   *chain.Resolver
	Settlement *settle.Engine
	Telegram   notify.Sink
	Activity   *notify.ActivityRecorder
	Logger     *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	ledger     *ledger.Ledger
	resolver   *chain.Resolver
	settlement *settle.Engine
	telegram   notify.Sink
	activity   *notify.ActivityRecorder
	logger     *slog.Logger

	router http.Handler
}

// New constructs a configured router with API-key authentication.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	telegram := cfg.Telegram
	if telegram == nil {
		telegram = notify.NopSink{}
	}
	srv := &Server{
		ledger:     cfg.Ledger,
		resolver:   cfg.Resolver,
		settlement: cfg.Settlement,
		telegram:   telegram,
		activity:   cfg.Activity,
		logger:     logger,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.withMerchant)
		api.Post("/payments", s.CreatePayment)
		api.Get("/payments/{ref}", s.GetPayment)
		api.Post("/payouts", s.RequestPayout)
		api.Get("/payouts", s.ListPayouts)
	})
	return r
}

type merchantKeyType struct{}

var merchantKey merchantKeyType

func contextWithMerchant(ctx context.Context, merchant *models.Merchant) context.Context {
	return context.WithValue(ctx, merchantKey, merchant)
}

func merchantFrom(ctx context.Context) *models.Merchant {
	merchant, _ := ctx.Value(merchantKey).(*models.Merchant)
	return merchant
}

// withMerchant authenticates the request by hashed API key.
func (s *Server) withMerchant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		sum := sha256.Sum256([]byte(apiKey))
		merchant, err := s.ledger.MerchantByAPIKeyHash(r.Context(), hex.EncodeToString(sum[:]))
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			s.logger.Error("merchant lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		ctx := contextWithMerchant(r.Context(), merchant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type createPaymentRequest struct {
	PaymentRef string                 `json:"paymentRef"`
	Amount     float64                `json:"amount"`
	Network    string                 `json:"network"`
	Customer   string                 `json:"customer"`
	Metadata   map[string]interface{} `json:"metadata"`
}

type paymentResponse struct {
	ID             string     `json:"id"`
	PaymentRef     string     `json:"paymentRef"`
	Network        string     `json:"network"`
	DepositAddress string     `json:"depositAddress"`
	AmountExpected string     `json:"amountExpected"`
	AmountPaid     string     `json:"amountPaid"`
	Status         string     `json:"status"`
	TxHash         string     `json:"txHash,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmedAt,omitempty"`
}

// CreatePayment derives a deposit address and records the PENDING intent.
// Idempotent per (merchant, paymentRef): an existing payment is returned
// unchanged. Deriving the address is a synchronous precondition; an RPC
// failure aborts creation.
func (s *Server) CreatePayment(w http.ResponseWriter, r *http.Request) {
	merchant := merchantFrom(r.Context())
	var req createPaymentRequest
	if err := decodeBody(w, r, &req); err != nil {
		return
	}
	req.PaymentRef = strings.TrimSpace(req.PaymentRef)
	if req.PaymentRef == "" {
		writeError(w, http.StatusBadRequest, "paymentRef is required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	network, err := chain.ParseNetwork(req.Network)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if existing, err := s.ledger.PaymentByRef(r.Context(), merchant.ID, req.PaymentRef); err == nil {
		writeJSON(w, http.StatusOK, toPaymentResponse(existing))
		return
	} else if !errors.Is(err, ledger.ErrNotFound) {
		s.logger.Error("payment lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	cctx, err := s.resolver.Context(network)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	depositAddr, err := cctx.Gateway.ComputeForwarderAddress(r.Context(), merchant.ID.String(), req.PaymentRef)
	if err != nil {
		s.logger.Error("derive deposit address failed", "ref", req.PaymentRef, "error", err)
		writeError(w, http.StatusBadGateway, "failed to derive deposit address")
		return
	}

	payment := &models.Payment{
		MerchantID:     merchant.ID,
		PaymentRef:     req.PaymentRef,
		Network:        string(network),
		DepositAddress: depositAddr.Hex(),
		AmountExpected: chain.BaseUnits(req.Amount),
	}
	if customer := strings.TrimSpace(req.Customer); customer != "" {
		row, err := s.ledger.EnsureCustomer(r.Context(), merchant.ID, customer)
		if err != nil {
			s.logger.Error("ensure customer failed", "error", err)
		} else {
			payment.CustomerID = &row.ID
		}
	}
	if req.Metadata != nil {
		if raw, err := json.Marshal(req.Metadata); err == nil {
			payment.Metadata = string(raw)
		}
	}
	if err := s.ledger.CreatePayment(r.Context(), payment); err != nil {
		s.logger.Error("create payment failed", "ref", req.PaymentRef, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create payment")
		return
	}

	s.telegram.Send(r.Context(), fmt.Sprintf(
		"<b>New Payment Initiated</b>\n\nMerchant: %s\nRef: %s\nExpected: %s USDC",
		merchant.BusinessName, req.PaymentRef, chain.FormatUSDC(payment.AmountExpected)))
	s.activity.Log(r.Context(), models.ActivityPayment,
		fmt.Sprintf("Payment initiated for %s", req.PaymentRef),
		models.SeverityInfo,
		map[string]interface{}{"amount": req.Amount, "paymentRef": req.PaymentRef},
		&merchant.ID)

	writeJSON(w, http.StatusCreated, toPaymentResponse(payment))
}

// GetPayment returns a payment by id or merchant-scoped reference.
func (s *Server) GetPayment(w http.ResponseWriter, r *http.Request) {
	merchant := merchantFrom(r.Context())
	ref := chi.URLParam(r, "ref")

	var payment *models.Payment
	if id, err := uuid.Parse(ref); err == nil {
		payment, _ = s.ledger.PaymentByID(r.Context(), merchant.ID, id)
	}
	if payment == nil {
		var err error
		payment, err = s.ledger.PaymentByRef(r.Context(), merchant.ID, ref)
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "payment not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(payment))
}

type payoutRequest struct {
	Amount  float64 `json:"amount"`
	Network string  `json:"network"`
}

type payoutResponse struct {
	ID            string    `json:"id"`
	Amount        string    `json:"amount"`
	TxHash        string    `json:"txHash"`
	WalletAddress string    `json:"walletAddress"`
	Network       string    `json:"network"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
}

// RequestPayout runs a manual settlement for the calling merchant.
func (s *Server) RequestPayout(w http.ResponseWriter, r *http.Request) {
	merchant := merchantFrom(r.Context())
	var req payoutRequest
	if err := decodeBody(w, r, &req); err != nil {
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	network, err := chain.ParseNetwork(req.Network)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payout, err := s.settlement.SettleManual(r.Context(), merchant, chain.BaseUnits(req.Amount), network)
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusBadRequest, "insufficient balance")
		return
	case errors.Is(err, chain.ErrUnknownNetwork), errors.Is(err, chain.ErrNoSigner):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("manual settlement failed", "merchant", merchant.ID, "error", err)
		writeError(w, http.StatusBadGateway, "settlement failed")
		return
	}
	writeJSON(w, http.StatusOK, toPayoutResponse(payout))
}

// ListPayouts returns the merchant's most recent payouts.
func (s *Server) ListPayouts(w http.ResponseWriter, r *http.Request) {
	merchant := merchantFrom(r.Context())
	payouts, err := s.ledger.PayoutsForMerchant(r.Context(), merchant.ID, 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]payoutResponse, 0, len(payouts))
	for i := range payouts {
		out = append(out, toPayoutResponse(&payouts[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func toPaymentResponse(p *models.Payment) paymentResponse {
	return paymentResponse{
		ID:             p.ID.String(),
		PaymentRef:     p.PaymentRef,
		Network:        p.Network,
		DepositAddress: p.DepositAddress,
		AmountExpected: chain.FormatUSDC(p.AmountExpected),
		AmountPaid:     chain.FormatUSDC(p.AmountPaid),
		Status:         string(p.Status),
		TxHash:         p.TxHash,
		ConfirmedAt:    p.ConfirmedAt,
	}
}

func toPayoutResponse(p *models.Payout) payoutResponse {
	return payoutResponse{
		ID:            p.ID.String(),
		Amount:        chain.FormatUSDC(p.Amount),
		TxHash:        p.TxHash,
		WalletAddress: p.WalletAddress,
		Network:       p.Network,
		Status:        string(p.Status),
		CreatedAt:     p.CreatedAt,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
