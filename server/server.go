package server

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"escrowd/escrow"
	"escrowd/middleware"
	"escrowd/models"
	"escrowd/observability"
	"escrowd/observability/logging"
	"escrowd/storage"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB            *gorm.DB
	Store         *storage.GormStore
	Lifecycle     *escrow.Lifecycle
	Engine        *escrow.Engine
	Coordinator   *escrow.Coordinator
	Auth          *Authenticator
	WebhookSecret string
	Logger        *slog.Logger
}

// Server exposes the escrow HTTP API.
type Server struct {
	db            *gorm.DB
	store         *storage.GormStore
	lifecycle     *escrow.Lifecycle
	engine        *escrow.Engine
	coordinator   *escrow.Coordinator
	auth          *Authenticator
	webhookSecret string
	log           *slog.Logger
	metrics       *observability.HTTPMetrics

	router http.Handler
}

// New constructs a configured HTTP router with authentication and
// idempotency support.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		db:            cfg.DB,
		store:         cfg.Store,
		lifecycle:     cfg.Lifecycle,
		engine:        cfg.Engine,
		coordinator:   cfg.Coordinator,
		auth:          cfg.Auth,
		webhookSecret: cfg.WebhookSecret,
		log:           logger,
		metrics:       observability.HTTP(),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/webhooks/carrier", s.CarrierWebhook)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Use(func(next http.Handler) http.Handler { return middleware.WithIdempotency(s.db, next) })

		api.With(RequireRole(models.ActorBuyer, models.ActorPlatform)).Post("/transactions", s.CreateTransaction)
		api.Get("/transactions", s.ListTransactions)
		api.Get("/transactions/{id}", s.GetTransaction)
		api.Get("/transactions/{id}/events", s.ListEvents)

		api.With(RequireRole(models.ActorBuyer, models.ActorPlatform)).Post("/transactions/{id}/capture", s.CapturePayment)
		api.With(RequireRole(models.ActorSeller)).Post("/transactions/{id}/ship", s.MarkShipped)
		api.With(RequireRole(models.ActorBuyer)).Post("/transactions/{id}/confirm", s.ConfirmReceipt)
		api.With(RequireRole(models.ActorBuyer)).Post("/transactions/{id}/dispute", s.OpenDispute)
		api.With(RequireRole(models.ActorPlatform)).Post("/transactions/{id}/dispute/resolve", s.ResolveDispute)
		api.Post("/transactions/{id}/evaluate", s.Evaluate)
		api.With(RequireRole(models.ActorPlatform)).Post("/transactions/{id}/release", s.Release)
		api.With(RequireRole(models.ActorPlatform)).Post("/transactions/{id}/refund", s.Refund)
		api.With(RequireRole(models.ActorBuyer, models.ActorSeller, models.ActorPlatform)).Post("/transactions/{id}/cancel", s.Cancel)
		api.Patch("/transactions/{id}/conditions/{index}", s.UpdateCondition)
	})
	return r
}

// instrument records request counts and latency per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		s.metrics.Observe(route, r.Method, ww.Status(), time.Since(started))
	})
}

// Healthz reports liveness and database reachability.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createTransactionRequest struct {
	BuyerID         string               `json:"buyerId"`
	SellerID        string               `json:"sellerId"`
	SellerAccountID string               `json:"sellerAccountId"`
	Amount          int64                `json:"amount"`
	Currency        string               `json:"currency"`
	ItemDescription string               `json:"itemDescription"`
	ItemType        string               `json:"itemType"`
	Metadata        models.JSONMap       `json:"metadata"`
	Conditions      models.ConditionList `json:"conditions"`
	PaymentIntentID string               `json:"paymentIntentId"`
}

// CreateTransaction opens a new escrow transaction in pending_payment.
func (s *Server) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sellerID, err := uuid.Parse(req.SellerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sellerId")
		return
	}
	buyerID := claims.Subject
	if claims.Role == models.ActorPlatform {
		if buyerID, err = uuid.Parse(req.BuyerID); err != nil {
			writeError(w, http.StatusBadRequest, "invalid buyerId")
			return
		}
	}
	txn, err := s.lifecycle.Create(r.Context(), escrow.CreateParams{
		BuyerID:         buyerID,
		SellerID:        sellerID,
		SellerAccountID: req.SellerAccountID,
		Amount:          req.Amount,
		Currency:        req.Currency,
		ItemDescription: req.ItemDescription,
		ItemType:        req.ItemType,
		Metadata:        req.Metadata,
		Conditions:      req.Conditions,
		PaymentIntentID: req.PaymentIntentID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

// ListTransactions returns transactions visible to the caller. Buyers and
// sellers are pinned to their own side; the platform may filter freely.
func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	query := r.URL.Query()
	filter := storage.ListFilter{
		Status: models.TransactionStatus(query.Get("status")),
	}
	filter.Limit, _ = strconv.Atoi(query.Get("limit"))
	filter.Offset, _ = strconv.Atoi(query.Get("offset"))
	switch claims.Role {
	case models.ActorBuyer:
		filter.BuyerID = claims.Subject
	case models.ActorSeller:
		filter.SellerID = claims.Subject
	default:
		if raw := query.Get("buyer"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid buyer filter")
				return
			}
			filter.BuyerID = id
		}
		if raw := query.Get("seller"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid seller filter")
				return
			}
			filter.SellerID = id
		}
	}
	txns, err := s.store.ListTransactions(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txns})
}

// GetTransaction returns one transaction to its parties or the platform.
func (s *Server) GetTransaction(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	id, ok := s.transactionID(w, r)
	if !ok {
		return
	}
	txn, err := s.store.GetTransaction(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !partyVisible(claims, txn) {
		writeError(w, http.StatusForbidden, "not a party to this transaction")
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// ListEvents returns the audit trail of one transaction.
func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	id, ok := s.transactionID(w, r)
	if !ok {
		return
	}
	txn, err := s.store.GetTransaction(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !partyVisible(claims, txn) {
		writeError(w, http.StatusForbidden, "not a party to this transaction")
		return
	}
	events, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

type capturePaymentRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
	ChargeID        string `json:"chargeId"`
}

// CapturePayment records the captured buyer payment.
func (s *Server) CapturePayment(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	id, ok := s.transactionID(w, r)
	if !ok {
		return
	}
	var req capturePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	actor := claims.Role
	if actor == models.ActorPlatform {
		actor = models.ActorSystem
	}
	txn, err := s.lifecycle.CapturePayment(r.Context(), id, claims.Subject, actor, req.PaymentIntentID, req.ChargeID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

type markShippedRequest struct {
	Carrier           string     `json:"carrier"`
	TrackingNumber    string     `json:"trackingNumber"`
	EstimatedDelivery *time.Time `json:"estimatedDelivery"`
	Note              string     `json:"note"`
}

// MarkShipped records the seller's shipping declaration.
func (s *Server) MarkShipped(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	id, ok := s.transactionID(w, r)
	if !ok {
		return
	}
	var req markShippedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	txn, err := s.lifecycle.MarkShipped(r.Context(), id, claims.Subject, escrow.ShipmentParams{
		Carrier:           req.Carrier,
		TrackingNumber:    req.TrackingNumber,
		EstimatedDelivery: req.EstimatedDelivery,
		Note:              req.Note,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// ConfirmReceipt records the buyer's confirmation.
func (s *Server) ConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	id, ok := s.transactionID(w, r)
	if !ok {
		return
	}
	txn, err := s.lifecycle.ConfirmReceipt(r.Context(), id, claims.Subject)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

type openDisputeRequest struct {
	Reason string `json:"reason"`
}

// OpenDispute freezes settlement within the dispute window.
func (s *Server) OpenDispute(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	id, ok := s.transactionID(w, r)
	if !ok {
		return
	}
	var req openDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	txn, err := s.lifecycle.OpenDispute(r.Context(), id, claims.Subject, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

type resolveDisputeRequest struct {
	Outcome    string         `json:"outcome"`
	Resolution models.JSONMap `json:"resolution"`
}

// ResolveDispute settles a dispute in favour of one side.
func (s *Server) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := s.transactionID(w, r)
	if !ok {
		return
	}
	var req resolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	txn, err := s.lifecycle.ResolveDispute(r.Context(), id, req.Outcome, req.Resolution)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// Evaluate forces a condition evaluation pass.
func (s *Server) Evaluate(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	id, ok := s.transactionID(w, r)
	if !ok {
		return
	}
	txn, err := s.store.GetTransaction(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !partyVisible(claims, txn) {
		writeError(w, http.StatusForbidden, "not a party to this transaction")
		return
	}
	result, err := s.engine.EvaluateAll(r.Context(), id, claims.Role)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Release triggers a manual release by the platform.
func (s *Server) Release(w http.ResponseWriter, r *http.Request) {
	id, ok := s.transactionID(w, r)
	if !ok {
		return
	}
	if _, err := s.coordinator.Release(r.Context(), id, models.ActorPlatform, false); err != nil {
		s.writeDomainError(w, err)
		return
	}
	txn, err := s.store.GetTransaction(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

type refundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// Refund reverses the buyer's payment, fully or partially.
func (s *Server) Refund(w http.ResponseWriter, r *http.Request) {
	id, ok := s.transactionID(w, r)
	if !ok {
		return
	}
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	txn, err := s.coordinator.Refund(r.Context(), id, req.Amount, req.Reason, models.ActorPlatform)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel voids a transaction that never received payment.
func (s *Server) Cancel(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	id, ok := s.transactionID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	txn, err := s.lifecycle.Cancel(r.Context(), id, claims.Subject, claims.Role, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// UpdateCondition patches one condition's config.
func (s *Server) UpdateCondition(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	id, ok := s.transactionID(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid condition index")
		return
	}
	var patch models.JSONMap
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	txn, err := s.lifecycle.UpdateCondition(r.Context(), id, index, patch, claims.Subject, claims.Role)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

type carrierWebhookRequest struct {
	TransactionID  string     `json:"transactionId"`
	TrackingNumber string     `json:"trackingNumber"`
	Status         string     `json:"status"`
	At             *time.Time `json:"at"`
}

// CarrierWebhook ingests carrier status callbacks authenticated by a
// shared secret header.
func (s *Server) CarrierWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookSecret == "" ||
		!hmac.Equal([]byte(r.Header.Get("X-Webhook-Secret")), []byte(s.webhookSecret)) {
		s.log.Warn("carrier webhook rejected",
			"remote", r.RemoteAddr,
			logging.MaskField("providedSecret", r.Header.Get("X-Webhook-Secret")))
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}
	var req carrierWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, err := uuid.Parse(req.TransactionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transactionId")
		return
	}
	txn, err := s.lifecycle.RecordCarrierUpdate(r.Context(), id, escrow.CarrierUpdate{
		TrackingNumber: req.TrackingNumber,
		Status:         req.Status,
		At:             req.At,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": txn.Status})
}

func (s *Server) transactionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction id")
		return uuid.Nil, false
	}
	return id, true
}

func partyVisible(claims Claims, txn *models.EscrowTransaction) bool {
	switch claims.Role {
	case models.ActorPlatform:
		return true
	case models.ActorBuyer:
		return claims.Subject == txn.BuyerID
	case models.ActorSeller:
		return claims.Subject == txn.SellerID
	default:
		return false
	}
}

// writeDomainError maps domain sentinel errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		writeError(w, http.StatusNotFound, "transaction not found")
	case errors.Is(err, escrow.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrInvalidTransition),
		errors.Is(err, escrow.ErrTerminal),
		errors.Is(err, escrow.ErrDisputed),
		errors.Is(err, escrow.ErrDisputeWindowClosed),
		errors.Is(err, escrow.ErrNotSettleable),
		errors.Is(err, escrow.ErrPaymentNotCaptured):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrAmountOutOfBounds):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, escrow.ErrRailFailure), errors.Is(err, escrow.ErrPayoutPending):
		s.log.Error("payment rail error", "error", err)
		writeError(w, http.StatusBadGateway, "payment rail unavailable")
	default:
		s.log.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
