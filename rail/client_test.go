package rail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"escrowd/escrow"
)

func TestTransferSendsIdempotencyKeyAndAuth(t *testing.T) {
	var gotPath, gotKey, gotAuth string
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "tr_123", "status": "pending"})
	}))
	defer server.Close()

	client := New(server.URL, "sk_test", 100)
	id, err := client.Transfer(context.Background(), escrow.TransferRequest{
		IdempotencyKey: "transfer-abc",
		Destination:    "acct_1",
		Amount:         42510,
		Currency:       "usd",
		SourceCharge:   "ch_1",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if id != "tr_123" {
		t.Fatalf("id = %q, want tr_123", id)
	}
	if gotPath != "/v1/transfers" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "transfer-abc" {
		t.Errorf("idempotency key = %q", gotKey)
	}
	if gotAuth != "Bearer sk_test" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotBody["destination"] != "acct_1" || gotBody["amount"] != float64(42510) {
		t.Errorf("body = %v", gotBody)
	}
}

func TestErrorResponsesSurfaceMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "insufficient funds"})
	}))
	defer server.Close()

	client := New(server.URL, "sk_test", 100)
	_, err := client.Payout(context.Background(), escrow.PayoutRequest{
		IdempotencyKey: "payout-abc",
		Account:        "acct_1",
		Amount:         100,
		Currency:       "usd",
	})
	if err == nil {
		t.Fatal("expected error for 402 response")
	}
}

func TestMissingOperationIDIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer server.Close()

	client := New(server.URL, "", 100)
	if _, err := client.Refund(context.Background(), escrow.RefundRequest{Charge: "ch_1", Amount: 1}); err == nil {
		t.Fatal("expected error when the rail omits the operation id")
	}
}
