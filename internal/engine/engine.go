// Package engine implements the cycle orchestrator: one matching pass over
// the announcement feed, fanned out across active filters under a bounded
// worker pool, with the ledger and quota counters arbitrating delivery.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"tenderwatch/internal/expand"
	"tenderwatch/internal/feed"
	"tenderwatch/internal/filter"
	"tenderwatch/internal/model"
	"tenderwatch/internal/notify"
	"tenderwatch/internal/score"
	"tenderwatch/internal/storage"
	"tenderwatch/internal/tier"
)

// State is the orchestrator's cycle phase.
type State string

// Cycle states. A cycle is entered only from idle.
const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateEvaluating State = "evaluating"
)

// RetryPolicy configures bounded exponential backoff for one call site.
// Tests inject near-zero delays.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (p RetryPolicy) backoff() retry.Backoff {
	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	// MaxRetries counts retries after the first attempt.
	return retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(delay))
}

// HealthReporter receives filter health updates for the filter-owning
// collaborator.
type HealthReporter interface {
	ReportHealth(filterID int64, errorCount int, deactivated bool)
}

// LogReporter is the default HealthReporter: it only logs.
type LogReporter struct {
	Log *slog.Logger
}

// ReportHealth logs the filter's failure counter.
func (r *LogReporter) ReportHealth(filterID int64, errorCount int, deactivated bool) {
	r.Log.Warn("filter health", "filter_id", filterID, "error_count", errorCount, "deactivated", deactivated)
}

// Options configures an Engine.
type Options struct {
	Workers              int
	FetchRetry           RetryPolicy
	DeliveryRetry        RetryPolicy
	FilterErrorThreshold int
	PendingTTL           time.Duration
	LeaseTTL             time.Duration
	PollInterval         time.Duration
	// CursorName identifies the logical pipeline; one engine per name.
	CursorName string
	// Holder identifies this process for the single-flight lease.
	Holder string
}

func (o *Options) applyDefaults() {
	if o.Workers < 1 {
		o.Workers = 8
	}
	if o.FilterErrorThreshold < 1 {
		o.FilterErrorThreshold = 5
	}
	if o.PendingTTL <= 0 {
		o.PendingTTL = time.Hour
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 10 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Minute
	}
	if o.CursorName == "" {
		o.CursorName = "main"
	}
	if o.Holder == "" {
		host, _ := os.Hostname()
		o.Holder = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
}

// Engine drives matching cycles.
type Engine struct {
	store     storage.Storage
	source    feed.Source
	deliverer notify.Deliverer
	tiers     tier.Resolver
	expander  expand.Provider
	health    HealthReporter
	log       *slog.Logger
	opts      Options

	inFlight atomic.Bool
	state    atomic.Value
}

// New creates an Engine.
func New(store storage.Storage, source feed.Source, deliverer notify.Deliverer,
	tiers tier.Resolver, expander expand.Provider, health HealthReporter,
	log *slog.Logger, opts Options) *Engine {

	opts.applyDefaults()
	if health == nil {
		health = &LogReporter{Log: log}
	}
	e := &Engine{
		store:     store,
		source:    source,
		deliverer: deliverer,
		tiers:     tiers,
		expander:  expander,
		health:    health,
		log:       log,
		opts:      opts,
	}
	e.state.Store(StateIdle)
	return e
}

// State returns the current cycle phase.
func (e *Engine) State() State {
	return e.state.Load().(State)
}

func (e *Engine) setState(s State) {
	e.state.Store(s)
}

// Start runs the poll loop, blocking until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	if err := e.RunCycle(ctx); err != nil {
		e.log.Error("cycle failed", "error", err)
	}

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RunCycle(ctx); err != nil {
				e.log.Error("cycle failed", "error", err)
			}
		}
	}
}

// RunCycle executes one matching pass. It is safe to invoke repeatedly: a
// call while a cycle is in flight, here or in another process holding the
// lease, is a no-op.
func (e *Engine) RunCycle(ctx context.Context) error {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.log.Debug("cycle already in flight")
		return nil
	}
	defer e.inFlight.Store(false)
	defer e.setState(StateIdle)

	acquired, err := e.store.AcquireLease(ctx, e.opts.CursorName, e.opts.Holder, e.opts.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		e.log.Debug("lease held elsewhere", "pipeline", e.opts.CursorName)
		return nil
	}
	defer func() {
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), e.opts.CursorName, e.opts.Holder); err != nil {
			e.log.Error("release lease", "error", err)
		}
	}()

	e.setState(StateFetching)
	cursor, err := e.store.Cursor(ctx, e.opts.CursorName)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	batch, err := e.fetchWithRetry(ctx, cursor)
	if err != nil {
		// Cursor stays put so the next cycle re-observes the window.
		return fmt.Errorf("fetch since %q: %w", cursor, err)
	}

	e.log.Debug("fetched batch", "candidates", len(batch.Candidates), "cursor", batch.Cursor)

	for i := range batch.Candidates {
		if err := e.store.UpsertCandidate(ctx, &batch.Candidates[i]); err != nil {
			return fmt.Errorf("upsert candidate %s: %w", batch.Candidates[i].Number, err)
		}
	}

	e.setState(StateEvaluating)
	if err := e.evaluate(ctx, batch.Candidates); err != nil {
		return err
	}

	if batch.Cursor != cursor {
		if err := e.store.SetCursor(ctx, e.opts.CursorName, batch.Cursor); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}
	return nil
}

func (e *Engine) fetchWithRetry(ctx context.Context, cursor string) (*feed.Batch, error) {
	var batch *feed.Batch
	err := retry.Do(ctx, e.opts.FetchRetry.backoff(), func(ctx context.Context) error {
		b, err := e.source.FetchSince(ctx, cursor)
		if err != nil {
			if feed.IsFetchError(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		batch = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// evaluate fans active filters out over a bounded pool. Per-filter failures
// are isolated and recorded; storage failures abort the whole pass.
func (e *Engine) evaluate(ctx context.Context, candidates []model.Candidate) error {
	if len(candidates) == 0 {
		return nil
	}

	filters, err := e.store.ActiveFilters(ctx)
	if err != nil {
		return fmt.Errorf("list active filters: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i := range filters {
		f := filters[i]
		g.Go(func() error {
			return e.evaluateFilter(gctx, &f, candidates)
		})
	}
	return g.Wait()
}

func (e *Engine) evaluateFilter(ctx context.Context, f *model.Filter, candidates []model.Candidate) error {
	rules, err := filter.Compile(f)
	if err != nil {
		e.log.Warn("filter compile failed", "filter_id", f.ID, "error", err)
		return e.recordFilterFailure(ctx, f)
	}

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := &candidates[i]

		result := score.Score(rules, c, e.expander)
		if result.Rejected {
			continue
		}

		if err := e.processMatch(ctx, f, c, result); err != nil {
			return err
		}
	}

	if f.ErrorCount > 0 {
		if err := e.store.ResetFilterError(ctx, f.ID); err != nil {
			return fmt.Errorf("reset filter %d error count: %w", f.ID, err)
		}
	}
	return nil
}

// processMatch runs one matched pair through reservation, quota admission
// and delivery. Losing the reservation race or being denied quota are
// expected outcomes, not errors.
func (e *Engine) processMatch(ctx context.Context, f *model.Filter, c *model.Candidate, r score.Result) error {
	entryID, reserved, err := e.store.Reserve(ctx, f.UserID, c.Number, f.ID, r.Score, r.Matched)
	if err != nil {
		return fmt.Errorf("reserve (%d, %s): %w", f.UserID, c.Number, err)
	}
	if !reserved {
		e.log.Debug("slot already reserved", "user_id", f.UserID, "number", c.Number)
		return nil
	}

	day := model.Day(time.Now())
	limit, err := e.tiers.LimitFor(ctx, f.UserID, day)
	if err != nil {
		return fmt.Errorf("resolve limit for user %d: %w", f.UserID, err)
	}

	remaining, admitted, err := e.store.TryAdmit(ctx, f.UserID, day, limit)
	if err != nil {
		return fmt.Errorf("quota admit user %d: %w", f.UserID, err)
	}
	if !admitted {
		// The slot is spent: the pair is never re-attempted, even after
		// the quota resets.
		if err := e.store.Finalize(ctx, entryID, model.StatusSkippedQuota, 0); err != nil {
			return fmt.Errorf("finalize skipped entry %d: %w", entryID, err)
		}
		e.log.Info("quota exceeded", "user_id", f.UserID, "number", c.Number)
		return nil
	}

	msg := notify.Message{
		FilterName:         f.Name,
		AnnouncementNumber: c.Number,
		Title:              c.Title,
		Description:        c.Description,
		Link:               c.Link,
		Score:              r.Score,
		Matched:            r.Matched,
		Price:              c.Price,
		Region:             c.Region,
	}

	attempts, err := e.deliverWithRetry(ctx, f.Destinations, msg)
	status := model.StatusDelivered
	if err != nil {
		status = model.StatusFailed
		e.log.Error("delivery failed", "user_id", f.UserID, "number", c.Number,
			"attempts", attempts, "error", err)
	} else {
		e.log.Info("delivered", "user_id", f.UserID, "number", c.Number,
			"score", r.Score, "quota_remaining", remaining)
	}
	if err := e.store.Finalize(ctx, entryID, status, attempts); err != nil {
		return fmt.Errorf("finalize entry %d: %w", entryID, err)
	}
	return nil
}

func (e *Engine) deliverWithRetry(ctx context.Context, destinations []string, msg notify.Message) (int, error) {
	attempts := 0
	err := retry.Do(ctx, e.opts.DeliveryRetry.backoff(), func(ctx context.Context) error {
		attempts++
		if err := e.deliverer.Send(ctx, destinations, msg); err != nil {
			if notify.IsRetriable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	return attempts, err
}

// recordFilterFailure bumps the filter's consecutive failure counter,
// auto-deactivates it past the threshold, and reports health either way.
func (e *Engine) recordFilterFailure(ctx context.Context, f *model.Filter) error {
	count, err := e.store.IncrementFilterError(ctx, f.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("increment filter %d error count: %w", f.ID, err)
	}

	deactivated := false
	if count >= e.opts.FilterErrorThreshold {
		if err := e.store.DeactivateFilter(ctx, f.ID); err != nil {
			return fmt.Errorf("deactivate filter %d: %w", f.ID, err)
		}
		deactivated = true
	}
	e.health.ReportHealth(f.ID, count, deactivated)
	return nil
}

// RecoverStalePending settles entries left pending by a crash or mid-cycle
// cancellation. They become failed, eligible for operator review but never
// for re-delivery. Call before the first cycle.
func (e *Engine) RecoverStalePending(ctx context.Context) error {
	cutoff := time.Now().Add(-e.opts.PendingTTL)
	n, err := e.store.SweepStalePending(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("sweep stale pending: %w", err)
	}
	if n > 0 {
		e.log.Warn("settled stale pending entries", "count", n)
	}
	return nil
}

// LedgerStatus exposes the delivery status for operator tooling.
func (e *Engine) LedgerStatus(ctx context.Context, userID int64, number string) (model.DeliveryStatus, error) {
	return e.store.LedgerStatus(ctx, userID, number)
}

// ForceQuotaReset is the administrative override for today's counter.
func (e *Engine) ForceQuotaReset(ctx context.Context, userID int64) error {
	return e.store.ForceQuotaReset(ctx, userID, model.Day(time.Now()))
}
