package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"escrowd/models"
	"escrowd/observability"
)

// errSkipEvaluation aborts the storage update without treating the call as
// a failure; used when the transaction is already terminal.
var errSkipEvaluation = errors.New("escrow: evaluation skipped")

// EvaluationResult is the aggregate outcome of one evaluation pass.
type EvaluationResult struct {
	AllMet   bool     `json:"allMet"`
	Unmet    []string `json:"unmet,omitempty"`
	Released bool     `json:"released"`
}

// Engine orchestrates condition evaluation for a transaction: every
// condition is evaluated on every pass (no short-circuiting, so first-met
// timestamps are recorded even off the critical path), the outcomes are
// aggregated, and the coordinator is invoked when the set is satisfied.
type Engine struct {
	store       Store
	coordinator *Coordinator
	nowFn       func() time.Time
	log         *slog.Logger
	metrics     *observability.EscrowMetrics
}

// NewEngine builds a settlement engine on top of the store and coordinator.
func NewEngine(store Store, coordinator *Coordinator) *Engine {
	return &Engine{
		store:       store,
		coordinator: coordinator,
		nowFn:       time.Now,
		log:         slog.Default(),
		metrics:     observability.Escrow(),
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// SetLogger overrides the logger used for engine diagnostics.
func (e *Engine) SetLogger(log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	e.log = log
}

func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now()
	}
	return e.nowFn()
}

// EvaluateAll re-evaluates every condition of the transaction, persists the
// updated condition list and the recomputed allConditionsMet flag
// unconditionally, and triggers the release protocol when the set is
// satisfied and the status permits it. Calling it on a terminal
// transaction is a no-op that reports allMet for released transactions and
// never attempts a second release. A system trigger marks the release as
// auto_released.
func (e *Engine) EvaluateAll(ctx context.Context, id uuid.UUID, trigger models.Actor) (EvaluationResult, error) {
	var result EvaluationResult
	var settleable bool
	_, err := e.store.UpdateTransaction(ctx, id, func(txn *models.EscrowTransaction) ([]*models.EscrowEvent, error) {
		if txn.Status.Terminal() {
			result = EvaluationResult{AllMet: txn.Status.Settled() || txn.AllConditionsMet}
			return nil, errSkipEvaluation
		}
		now := e.now()
		var events []*models.EscrowEvent
		for i := range txn.Conditions {
			wasMet := txn.Conditions[i].IsMet
			txn.Conditions[i] = EvaluateCondition(txn.Conditions[i], txn, now)
			if !wasMet && txn.Conditions[i].IsMet {
				events = append(events, NewEvent(txn, EventTypeConditionMet, txn.Conditions[i].Description, trigger,
					models.JSONMap{"conditionType": string(txn.Conditions[i].Type), "index": i}, now))
			}
		}
		allMet, unmet := Aggregate(txn.Conditions)
		txn.AllConditionsMet = allMet
		result = EvaluationResult{AllMet: allMet, Unmet: unmet}
		// Release fires whenever the set is satisfied and no gate blocks
		// it, not only on the first transition to satisfied, so a payout
		// left pending by a partial failure is retried on the next pass.
		settleable = allMet && txn.Status != models.StatusDisputed && txn.Status != models.StatusPendingPayment
		return events, nil
	})
	if err != nil {
		if errors.Is(err, errSkipEvaluation) {
			return result, nil
		}
		return EvaluationResult{}, err
	}
	e.metrics.ObserveEvaluation(result.AllMet)

	if settleable && e.coordinator != nil {
		released, err := e.coordinator.Release(ctx, id, trigger, trigger == models.ActorSystem)
		switch {
		case err == nil:
			result.Released = released
		case IsValidation(err):
			// Another trigger won the race or a gate disqualified the
			// release; the evaluation itself stands.
			e.log.Debug("release skipped", "transaction", id, "reason", err)
		default:
			return result, err
		}
	}
	return result, nil
}
