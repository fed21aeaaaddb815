package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"escrowd/escrow"
	"escrowd/models"
	"escrowd/observability"
)

// Notifier receives stale-transaction reminders discovered during sweeps.
type Notifier interface {
	Remind(ctx context.Context, txn models.EscrowTransaction, staleFor time.Duration)
}

// logNotifier is the default Notifier: one structured log line per
// reminder. The audit event and the throttle stamp are written by the
// sweeper itself so custom notifiers cannot skip them.
type logNotifier struct {
	log *slog.Logger
}

func (n *logNotifier) Remind(_ context.Context, txn models.EscrowTransaction, staleFor time.Duration) {
	n.log.Info("stale escrow transaction",
		"transaction", txn.ID, "status", txn.Status, "staleFor", staleFor.String())
}

// Config tunes the sweeper cadence and reminder policy.
type Config struct {
	Interval    time.Duration
	RemindAfter time.Duration
	BatchSize   int
	Notifier    Notifier
	Logger      *slog.Logger
}

// Sweeper periodically re-evaluates every open transaction so time-driven
// conditions (auto-release timers, inspection deadlines) fire without user
// traffic, and nudges parties sitting on stale transactions.
type Sweeper struct {
	store       escrow.Store
	engine      *escrow.Engine
	interval    time.Duration
	remindAfter time.Duration
	batchSize   int
	notifier    Notifier
	nowFn       func() time.Time
	log         *slog.Logger
	metrics     *observability.EscrowMetrics
}

// NewSweeper constructs a sweeper with sane defaults.
func NewSweeper(store escrow.Store, engine *escrow.Engine, cfg Config) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	remindAfter := cfg.RemindAfter
	if remindAfter <= 0 {
		remindAfter = 72 * time.Hour
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = &logNotifier{log: logger}
	}
	return &Sweeper{
		store:       store,
		engine:      engine,
		interval:    interval,
		remindAfter: remindAfter,
		batchSize:   batchSize,
		notifier:    notifier,
		nowFn:       time.Now,
		log:         logger,
		metrics:     observability.Escrow(),
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (s *Sweeper) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.nowFn = time.Now
		return
	}
	s.nowFn = now
}

// Run executes sweeps on the configured cadence until the context is
// cancelled. One sweep runs immediately on start.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil || s.engine == nil {
		return
	}
	if _, err := s.Sweep(ctx); err != nil {
		s.log.Error("initial sweep failed", "error", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("sweep failed", "error", err)
			}
		}
	}
}

// Detail records the outcome of one transaction visited by a sweep.
type Detail struct {
	ID      uuid.UUID
	Outcome string
	Err     string
}

// Result summarizes one sweep: aggregate counters plus one detail entry
// per visited transaction.
type Result struct {
	Processed int
	Released  int
	Reminded  int
	Errors    int
	Details   []Detail
}

// openStatuses are the statuses a sweep visits. Terminal transactions and
// disputes (which only the platform can settle) are skipped at the query.
var openStatuses = []models.TransactionStatus{
	models.StatusPaymentReceived,
	models.StatusShipped,
	models.StatusInTransit,
	models.StatusDelivered,
	models.StatusConfirmed,
}

// Sweep evaluates every open transaction once. Failures on individual
// transactions are isolated: they are counted and logged but never stop
// the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	started := s.nowFn()
	var result Result
	offset := 0
	for {
		batch, err := s.store.ListByStatus(ctx, openStatuses, s.batchSize, offset)
		if err != nil {
			return result, fmt.Errorf("list open transactions: %w", err)
		}
		for i := range batch {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			s.sweepOne(ctx, batch[i], &result)
		}
		if len(batch) < s.batchSize {
			break
		}
		offset += len(batch)
	}
	duration := s.nowFn().Sub(started)
	skipped := result.Processed - result.Released - result.Errors
	s.metrics.ObserveSweep(result.Released, result.Errors, skipped, duration)
	if result.Processed > 0 {
		s.log.Info("sweep completed",
			"processed", result.Processed, "released", result.Released,
			"reminded", result.Reminded, "errors", result.Errors,
			"duration", duration.String())
	}
	return result, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, txn models.EscrowTransaction, result *Result) {
	defer func() {
		if r := recover(); r != nil {
			result.Errors++
			result.Details = append(result.Details, Detail{ID: txn.ID, Outcome: "error", Err: fmt.Sprint(r)})
			s.log.Error("sweep panic", "transaction", txn.ID, "panic", fmt.Sprint(r))
		}
	}()
	result.Processed++
	outcome, err := s.engine.EvaluateAll(ctx, txn.ID, models.ActorSystem)
	if err != nil {
		result.Errors++
		result.Details = append(result.Details, Detail{ID: txn.ID, Outcome: "error", Err: err.Error()})
		s.log.Warn("sweep evaluation failed", "transaction", txn.ID, "error", err)
		return
	}
	if outcome.Released {
		result.Released++
		result.Details = append(result.Details, Detail{ID: txn.ID, Outcome: "released"})
		return
	}
	// Staleness is measured from the last party action, not the row's
	// UpdatedAt: the evaluation pass above just saved the row, so
	// UpdatedAt can never trail by more than one sweep interval.
	now := s.nowFn()
	if staleFor := now.Sub(txn.LastActionAt()); staleFor >= s.remindAfter && s.reminderDue(&txn, now) {
		if err := s.remind(ctx, txn, staleFor, now); err != nil {
			s.log.Warn("record reminder failed", "transaction", txn.ID, "error", err)
		} else {
			result.Reminded++
			result.Details = append(result.Details, Detail{ID: txn.ID, Outcome: "reminded"})
			return
		}
	}
	result.Details = append(result.Details, Detail{ID: txn.ID, Outcome: "pending"})
}

// reminderDue throttles repeat reminders to one per remindAfter window.
func (s *Sweeper) reminderDue(txn *models.EscrowTransaction, now time.Time) bool {
	raw, ok := txn.Metadata["lastReminderAt"].(string)
	if !ok {
		return true
	}
	last, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true
	}
	return now.Sub(last) >= s.remindAfter
}

// remind stamps the throttle marker, appends the audit event, and hands
// the reminder to the notifier.
func (s *Sweeper) remind(ctx context.Context, txn models.EscrowTransaction, staleFor time.Duration, now time.Time) error {
	_, err := s.store.UpdateTransaction(ctx, txn.ID, func(t *models.EscrowTransaction) ([]*models.EscrowEvent, error) {
		if t.Status.Terminal() {
			return nil, nil
		}
		if t.Metadata == nil {
			t.Metadata = models.JSONMap{}
		}
		t.Metadata["lastReminderAt"] = now.UTC().Format(time.RFC3339)
		evt := escrow.NewEvent(t, escrow.EventTypeReminder, "transaction awaiting action", models.ActorSystem,
			models.JSONMap{"status": string(t.Status), "staleFor": staleFor.String()}, now)
		return []*models.EscrowEvent{evt}, nil
	})
	if err != nil {
		return err
	}
	s.notifier.Remind(ctx, txn, staleFor)
	return nil
}
