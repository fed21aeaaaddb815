package escrow_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/config"
	"escrowd/escrow"
	"escrowd/models"
	"escrowd/storage"
)

func setupStore(t *testing.T) *storage.GormStore {
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
	return store
}

// railStub counts rail operations and replays identifiers per idempotency
// key, mimicking the dedupe behaviour of a real rail.
type railStub struct {
	mu           sync.Mutex
	captures     int
	transfers    int
	payouts      int
	refunds      int
	rawTransfers int
	rawPayouts   int
	seen         map[string]string
	failTransfer error
	failPayout   error
	failRefund   error
}

func newRailStub() *railStub {
	return &railStub{seen: map[string]string{}}
}

func (r *railStub) operation(kind, key string, counter *int, fail error) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fail != nil {
		return "", fail
	}
	if id, ok := r.seen[key]; ok {
		return id, nil
	}
	*counter++
	id := fmt.Sprintf("%s_%d", kind, *counter)
	r.seen[key] = id
	return id, nil
}

func (r *railStub) Capture(_ context.Context, req escrow.CaptureRequest) (string, error) {
	return r.operation("ch", req.IdempotencyKey, &r.captures, nil)
}

func (r *railStub) Transfer(_ context.Context, req escrow.TransferRequest) (string, error) {
	r.mu.Lock()
	r.rawTransfers++
	r.mu.Unlock()
	return r.operation("tr", req.IdempotencyKey, &r.transfers, r.failTransfer)
}

func (r *railStub) Payout(_ context.Context, req escrow.PayoutRequest) (string, error) {
	r.mu.Lock()
	r.rawPayouts++
	r.mu.Unlock()
	return r.operation("po", req.IdempotencyKey, &r.payouts, r.failPayout)
}

func (r *railStub) Refund(_ context.Context, req escrow.RefundRequest) (string, error) {
	return r.operation("re", req.IdempotencyKey, &r.refunds, r.failRefund)
}

func (r *railStub) setFailPayout(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failPayout = err
}

// rawCounts reports transfer/payout invocations before idempotency-key
// dedupe, so tests can tell a working status gate from the rail backstop
// absorbing a duplicate.
func (r *railStub) rawCounts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rawTransfers, r.rawPayouts
}

func (r *railStub) captureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.captures
}

func (r *railStub) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transfers, r.payouts, r.refunds
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// system bundles a fully wired engine stack over an in-memory database.
type system struct {
	store       *storage.GormStore
	rail        *railStub
	coordinator *escrow.Coordinator
	engine      *escrow.Engine
	lifecycle   *escrow.Lifecycle
	clock       *fakeClock
}

func newSystem(t *testing.T) *system {
	t.Helper()
	store := setupStore(t)
	rail := newRailStub()
	clock := newFakeClock(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))

	coordinator := escrow.NewCoordinator(store, rail)
	coordinator.SetNowFunc(clock.Now)
	engine := escrow.NewEngine(store, coordinator)
	engine.SetNowFunc(clock.Now)
	lifecycle := escrow.NewLifecycle(store, engine, coordinator)
	lifecycle.SetNowFunc(clock.Now)

	return &system{
		store:       store,
		rail:        rail,
		coordinator: coordinator,
		engine:      engine,
		lifecycle:   lifecycle,
		clock:       clock,
	}
}

func (s *system) create(t *testing.T, buyer, seller uuid.UUID, params escrow.CreateParams) *models.EscrowTransaction {
	t.Helper()
	params.BuyerID = buyer
	params.SellerID = seller
	if params.SellerAccountID == "" {
		params.SellerAccountID = "acct_seller"
	}
	if params.Amount == 0 {
		params.Amount = 45000
	}
	txn, err := s.lifecycle.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return txn
}

func (s *system) capture(t *testing.T, txn *models.EscrowTransaction) {
	t.Helper()
	_, err := s.lifecycle.CapturePayment(context.Background(), txn.ID, txn.BuyerID, models.ActorBuyer, "pi_1", "ch_1")
	if err != nil {
		t.Fatalf("capture payment: %v", err)
	}
}

func (s *system) reload(t *testing.T, id uuid.UUID) *models.EscrowTransaction {
	t.Helper()
	txn, err := s.store.GetTransaction(context.Background(), id)
	if err != nil {
		t.Fatalf("reload transaction: %v", err)
	}
	return txn
}

func requireErrIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("error = %v, want %v", err, target)
	}
}
