package escrow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"escrowd/escrow"
	"escrowd/models"
)

func TestDigitalGoodsAutoRelease(t *testing.T) {
	sys := newSystem(t)
	ctx := context.Background()
	buyer, seller := uuid.New(), uuid.New()
	txn := sys.create(t, buyer, seller, escrow.CreateParams{ItemType: escrow.ItemTypeDigital})
	sys.capture(t, txn)

	result, err := sys.engine.EvaluateAll(ctx, txn.ID, models.ActorSystem)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.AllMet || result.Released {
		t.Fatal("released before the holding period elapsed")
	}
	if len(result.Unmet) == 0 {
		t.Fatal("expected unmet descriptions while pending")
	}

	// One second past the 48h holding period the timer condition fires.
	sys.clock.Advance(48*time.Hour + time.Second)
	result, err = sys.engine.EvaluateAll(ctx, txn.ID, models.ActorSystem)
	if err != nil {
		t.Fatalf("evaluate after window: %v", err)
	}
	if !result.AllMet || !result.Released {
		t.Fatalf("result = %+v, want satisfied and released", result)
	}

	final := sys.reload(t, txn.ID)
	if final.Status != models.StatusAutoReleased {
		t.Fatalf("status = %s, want auto_released for a system trigger", final.Status)
	}
}

func TestEvaluateTerminalIsNoOp(t *testing.T) {
	sys := newSystem(t)
	ctx := context.Background()
	txn := settledTransaction(t, sys)
	if _, err := sys.coordinator.Release(ctx, txn.ID, models.ActorPlatform, false); err != nil {
		t.Fatalf("release: %v", err)
	}

	result, err := sys.engine.EvaluateAll(ctx, txn.ID, models.ActorSystem)
	if err != nil {
		t.Fatalf("evaluate terminal: %v", err)
	}
	if !result.AllMet {
		t.Fatal("a released transaction must report its set satisfied")
	}
	if result.Released {
		t.Fatal("terminal evaluation must not claim a new release")
	}
	transfers, payouts, _ := sys.rail.counts()
	if transfers != 1 || payouts != 1 {
		t.Fatalf("rail calls = %d/%d after terminal evaluation, want 1/1", transfers, payouts)
	}
}

func TestAllOfConditionBlocksAnyOfShortcut(t *testing.T) {
	sys := newSystem(t)
	ctx := context.Background()
	buyer, seller := uuid.New(), uuid.New()
	past := sys.clock.Now().Add(-time.Hour).Format(time.RFC3339)
	txn := sys.create(t, buyer, seller, escrow.CreateParams{
		Conditions: models.ConditionList{
			{
				Type:        models.ConditionMilestoneBased,
				Description: "milestones signed off",
				Mode:        models.ModeAllOf,
				Config: models.JSONMap{escrow.ConfigMilestones: []interface{}{
					map[string]interface{}{"name": "handover", "completed": false},
				}},
			},
			{
				Type:        models.ConditionTimeBased,
				Description: "holding period elapsed",
				Mode:        models.ModeAnyOf,
				Config:      models.JSONMap{escrow.ConfigAutoReleaseAt: past},
			},
		},
	})
	sys.capture(t, txn)

	result, err := sys.engine.EvaluateAll(ctx, txn.ID, models.ActorSystem)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Released {
		t.Fatal("an unmet all_of condition must block release")
	}

	// The met any_of condition is still persisted with its timestamp.
	stored := sys.reload(t, txn.ID)
	if !stored.Conditions[1].IsMet || stored.Conditions[1].MetAt == nil {
		t.Fatal("met any_of condition not persisted during a blocked pass")
	}
	if stored.AllConditionsMet {
		t.Fatal("allConditionsMet persisted true while all_of unmet")
	}

	// Completing the milestone through the platform unblocks settlement.
	_, err = sys.lifecycle.UpdateCondition(ctx, txn.ID, 0, models.JSONMap{
		escrow.ConfigMilestones: []interface{}{
			map[string]interface{}{"name": "handover", "completed": true},
		},
	}, uuid.Nil, models.ActorPlatform)
	if err != nil {
		t.Fatalf("complete milestone: %v", err)
	}
	final := sys.reload(t, txn.ID)
	if final.Status != models.StatusReleased {
		t.Fatalf("status = %s, want released once every all_of condition met", final.Status)
	}
}

func TestConcurrentEvaluationsReleaseOnce(t *testing.T) {
	sys := newSystem(t)
	ctx := context.Background()
	buyer, seller := uuid.New(), uuid.New()
	txn := sys.create(t, buyer, seller, escrow.CreateParams{ItemType: escrow.ItemTypeDigital})
	sys.capture(t, txn)

	// Both passes observe the timer condition newly met; the row lock and
	// the status gate must let only one of them move funds.
	sys.clock.Advance(48*time.Hour + time.Second)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		released int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := sys.engine.EvaluateAll(ctx, txn.ID, models.ActorSystem)
			if err != nil {
				// Lock contention surfacing as an error is acceptable;
				// the invariant under test is fund movement, below.
				return
			}
			if result.Released {
				mu.Lock()
				released++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if released > 1 {
		t.Fatalf("released reported by %d concurrent passes, want at most 1", released)
	}

	// A follow-up pass settles the transaction if both racers lost, and is
	// a no-op otherwise.
	if _, err := sys.engine.EvaluateAll(ctx, txn.ID, models.ActorSystem); err != nil {
		t.Fatalf("follow-up evaluate: %v", err)
	}

	final := sys.reload(t, txn.ID)
	if final.Status != models.StatusAutoReleased {
		t.Fatalf("status = %s, want auto_released", final.Status)
	}
	transfers, payouts := sys.rail.rawCounts()
	if transfers != 1 || payouts != 1 {
		t.Fatalf("rail calls = %d/%d, want exactly one transfer and one payout", transfers, payouts)
	}
}

func TestEvaluateUnknownTransaction(t *testing.T) {
	sys := newSystem(t)
	_, err := sys.engine.EvaluateAll(context.Background(), uuid.New(), models.ActorSystem)
	requireErrIs(t, err, escrow.ErrNotFound)
}
