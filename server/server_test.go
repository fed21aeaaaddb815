package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/config"
	"escrowd/escrow"
	"escrowd/models"
	"escrowd/storage"
)

const testWebhookSecret = "whsec_test"

type stubRail struct {
	mu        sync.Mutex
	captures  int
	transfers int
	payouts   int
	refunds   int
}

func (r *stubRail) Capture(context.Context, escrow.CaptureRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captures++
	return fmt.Sprintf("ch_%d", r.captures), nil
}

func (r *stubRail) Transfer(context.Context, escrow.TransferRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers++
	return fmt.Sprintf("tr_%d", r.transfers), nil
}

func (r *stubRail) Payout(context.Context, escrow.PayoutRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payouts++
	return fmt.Sprintf("po_%d", r.payouts), nil
}

func (r *stubRail) Refund(context.Context, escrow.RefundRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refunds++
	return fmt.Sprintf("re_%d", r.refunds), nil
}

type testAPI struct {
	handler http.Handler
	auth    *Authenticator
	store   *storage.GormStore
	rail    *stubRail
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := storage.New(db)
	if err := store.SeedPlatformConfig(context.Background(), config.DefaultPlatform()); err != nil {
		t.Fatalf("seed platform config: %v", err)
	}

	rail := &stubRail{}
	coordinator := escrow.NewCoordinator(store, rail)
	engine := escrow.NewEngine(store, coordinator)
	lifecycle := escrow.NewLifecycle(store, engine, coordinator)

	auth := NewAuthenticator("test-secret")
	srv := New(Config{
		DB:            db,
		Store:         store,
		Lifecycle:     lifecycle,
		Engine:        engine,
		Coordinator:   coordinator,
		Auth:          auth,
		WebhookSecret: testWebhookSecret,
	})
	return &testAPI{handler: srv.Handler(), auth: auth, store: store, rail: rail}
}

func (a *testAPI) request(t *testing.T, method, path string, body interface{}, subject uuid.UUID, role models.Actor, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	} else {
		payload = []byte("{}")
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		token, err := a.auth.IssueToken(subject, role)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	recorder := httptest.NewRecorder()
	a.handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeTransaction(t *testing.T, rec *httptest.ResponseRecorder) models.EscrowTransaction {
	t.Helper()
	var txn models.EscrowTransaction
	if err := json.Unmarshal(rec.Body.Bytes(), &txn); err != nil {
		t.Fatalf("decode transaction: %v (body %s)", err, rec.Body.String())
	}
	return txn
}

func TestTransactionLifecycleOverHTTP(t *testing.T) {
	api := setupAPI(t)
	buyer, seller := uuid.New(), uuid.New()

	rec := api.request(t, http.MethodPost, "/api/v1/transactions", map[string]interface{}{
		"sellerId":        seller.String(),
		"sellerAccountId": "acct_seller",
		"amount":          45000,
		"currency":        "USD",
		"itemDescription": "vintage camera",
		"itemType":        "physical_goods",
	}, buyer, models.ActorBuyer, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	txn := decodeTransaction(t, rec)
	if txn.PlatformFee != 1155 || txn.RailFee != 1335 || txn.SellerAmount != 42510 {
		t.Fatalf("fee split = %d/%d/%d", txn.PlatformFee, txn.RailFee, txn.SellerAmount)
	}
	base := "/api/v1/transactions/" + txn.ID.String()

	rec = api.request(t, http.MethodPost, base+"/capture", map[string]string{
		"paymentIntentId": "pi_1", "chargeId": "ch_1",
	}, buyer, models.ActorBuyer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("capture status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = api.request(t, http.MethodPost, base+"/ship", map[string]string{
		"carrier": "ups", "trackingNumber": "1Z999",
	}, seller, models.ActorSeller, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ship status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = api.request(t, http.MethodPost, "/webhooks/carrier", map[string]string{
		"transactionId": txn.ID.String(),
		"status":        "delivered",
	}, uuid.Nil, "", map[string]string{"X-Webhook-Secret": testWebhookSecret})
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = api.request(t, http.MethodGet, base, nil, buyer, models.ActorBuyer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	final := decodeTransaction(t, rec)
	if final.Status != models.StatusReleased {
		t.Fatalf("status = %s, want released after delivery", final.Status)
	}
	if api.rail.transfers != 1 || api.rail.payouts != 1 {
		t.Fatalf("rail calls = %d/%d, want 1/1", api.rail.transfers, api.rail.payouts)
	}

	rec = api.request(t, http.MethodGet, base+"/events", nil, buyer, models.ActorBuyer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events status = %d", rec.Code)
	}
	var events struct {
		Events []models.EscrowEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events.Events) < 5 {
		t.Fatalf("audit trail has %d events, want at least 5", len(events.Events))
	}
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	api := setupAPI(t)
	buyer, seller := uuid.New(), uuid.New()
	body := map[string]interface{}{
		"sellerId":        seller.String(),
		"sellerAccountId": "acct_seller",
		"amount":          45000,
	}
	headers := map[string]string{"Idempotency-Key": "create-once"}

	first := api.request(t, http.MethodPost, "/api/v1/transactions", body, buyer, models.ActorBuyer, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d: %s", first.Code, first.Body.String())
	}
	second := api.request(t, http.MethodPost, "/api/v1/transactions", body, buyer, models.ActorBuyer, headers)
	if second.Code != http.StatusCreated {
		t.Fatalf("replay status = %d", second.Code)
	}
	if second.Header().Get("Idempotent-Replay") != "true" {
		t.Fatal("replay header missing")
	}
	if first.Body.String() != second.Body.String() {
		t.Fatal("replayed response differs from the original")
	}
	firstTxn := decodeTransaction(t, first)
	secondTxn := decodeTransaction(t, second)
	if firstTxn.ID != secondTxn.ID {
		t.Fatal("replay created a second transaction")
	}
}

func TestAuthAndRoleEnforcement(t *testing.T) {
	api := setupAPI(t)
	buyer, seller := uuid.New(), uuid.New()

	// No token at all.
	rec := api.request(t, http.MethodGet, "/api/v1/transactions", nil, uuid.Nil, "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", rec.Code)
	}

	// Sellers may not open transactions.
	rec = api.request(t, http.MethodPost, "/api/v1/transactions", map[string]interface{}{
		"sellerId": seller.String(), "sellerAccountId": "acct", "amount": 45000,
	}, seller, models.ActorSeller, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("seller create status = %d, want 403", rec.Code)
	}

	// A stranger cannot read someone else's transaction.
	created := api.request(t, http.MethodPost, "/api/v1/transactions", map[string]interface{}{
		"sellerId": seller.String(), "sellerAccountId": "acct", "amount": 45000,
	}, buyer, models.ActorBuyer, nil)
	txn := decodeTransaction(t, created)
	rec = api.request(t, http.MethodGet, "/api/v1/transactions/"+txn.ID.String(), nil, uuid.New(), models.ActorBuyer, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger read status = %d, want 403", rec.Code)
	}

	// Nor force an evaluation, which would leak condition descriptions.
	rec = api.request(t, http.MethodPost, "/api/v1/transactions/"+txn.ID.String()+"/evaluate", nil, uuid.New(), models.ActorBuyer, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger evaluate status = %d, want 403", rec.Code)
	}

	// Unknown transactions surface as 404 for the platform.
	rec = api.request(t, http.MethodGet, "/api/v1/transactions/"+uuid.NewString(), nil, uuid.New(), models.ActorPlatform, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing txn status = %d, want 404", rec.Code)
	}
}

func TestCarrierWebhookRejectsBadSecret(t *testing.T) {
	api := setupAPI(t)
	rec := api.request(t, http.MethodPost, "/webhooks/carrier", map[string]string{
		"transactionId": uuid.NewString(), "status": "delivered",
	}, uuid.Nil, "", map[string]string{"X-Webhook-Secret": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRefundEndpointIsPlatformOnly(t *testing.T) {
	api := setupAPI(t)
	buyer, seller := uuid.New(), uuid.New()
	created := api.request(t, http.MethodPost, "/api/v1/transactions", map[string]interface{}{
		"sellerId": seller.String(), "sellerAccountId": "acct", "amount": 45000,
	}, buyer, models.ActorBuyer, nil)
	txn := decodeTransaction(t, created)
	base := "/api/v1/transactions/" + txn.ID.String()

	rec := api.request(t, http.MethodPost, base+"/capture", map[string]string{
		"paymentIntentId": "pi_1", "chargeId": "ch_1",
	}, buyer, models.ActorBuyer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("capture status = %d", rec.Code)
	}

	rec = api.request(t, http.MethodPost, base+"/refund", map[string]interface{}{
		"amount": 0, "reason": "goodwill",
	}, buyer, models.ActorBuyer, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("buyer refund status = %d, want 403", rec.Code)
	}

	rec = api.request(t, http.MethodPost, base+"/refund", map[string]interface{}{
		"amount": 0, "reason": "goodwill",
	}, uuid.New(), models.ActorPlatform, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("platform refund status = %d: %s", rec.Code, rec.Body.String())
	}
	refunded := decodeTransaction(t, rec)
	if refunded.Status != models.StatusRefunded || refunded.RefundedAmount != 45000 {
		t.Fatalf("refund outcome = %s/%d", refunded.Status, refunded.RefundedAmount)
	}

	// Money already left escrow; the release endpoint must refuse.
	rec = api.request(t, http.MethodPost, base+"/release", nil, uuid.New(), models.ActorPlatform, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("release after refund status = %d, want 409", rec.Code)
	}
}
