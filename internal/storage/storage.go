// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"tenderwatch/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the interface for all persistence operations.
//
// Reserve and TryAdmit are the two correctness chokepoints: both must be
// atomic at the storage layer so that concurrent evaluation passes, in this
// process or another, cannot double-deliver or overrun a quota.
type Storage interface {
	CreateFilter(ctx context.Context, f *model.Filter) error
	GetFilter(ctx context.Context, id int64) (*model.Filter, error)
	ActiveFilters(ctx context.Context) ([]model.Filter, error)
	UpdateFilter(ctx context.Context, f *model.Filter) error
	SoftDeleteFilter(ctx context.Context, id int64) error
	IncrementFilterError(ctx context.Context, id int64) (int, error)
	ResetFilterError(ctx context.Context, id int64) error
	DeactivateFilter(ctx context.Context, id int64) error

	UpsertCandidate(ctx context.Context, c *model.Candidate) error
	GetCandidate(ctx context.Context, number string) (*model.Candidate, error)

	// Reserve atomically claims the (user, announcement) delivery slot.
	// reserved is false when the slot is already taken; that is the
	// expected outcome of a lost race, not an error.
	Reserve(ctx context.Context, userID int64, number string, filterID int64, score int, matched []string) (entryID int64, reserved bool, err error)
	// Finalize moves a pending entry to a terminal status. Terminal
	// entries never revert.
	Finalize(ctx context.Context, entryID int64, status model.DeliveryStatus, attempts int) error
	LedgerStatus(ctx context.Context, userID int64, number string) (model.DeliveryStatus, error)
	ListLedger(ctx context.Context, userID int64) ([]model.LedgerEntry, error)
	// SweepStalePending finalizes pending entries created before cutoff as
	// failed. Run at startup to settle entries orphaned by a crash.
	SweepStalePending(ctx context.Context, cutoff time.Time) (int64, error)
	// ReconcileLedger collapses historical duplicate rows for the same
	// (user, announcement) pair, keeping the newest, and restores the
	// uniqueness constraint. Idempotent.
	ReconcileLedger(ctx context.Context) (int64, error)

	// TryAdmit performs the atomic check-and-increment against the daily
	// quota. The counter row is created lazily with limit frozen at
	// creation time.
	TryAdmit(ctx context.Context, userID int64, day string, limit int) (remaining int, admitted bool, err error)
	QuotaCounter(ctx context.Context, userID int64, day string) (*model.QuotaCounter, error)
	// ForceQuotaReset is the operator override: it drops the day row so
	// the next admission re-resolves the limit.
	ForceQuotaReset(ctx context.Context, userID int64, day string) error

	Cursor(ctx context.Context, name string) (string, error)
	SetCursor(ctx context.Context, name, value string) error

	// AcquireLease grants the named lease to holder when it is free,
	// expired, or already held by the same holder.
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error

	Close() error
}
