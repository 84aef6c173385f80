// Package model defines the domain types used across the application.
package model

import "time"

// MatchMode controls how filter keywords are matched against candidate text.
type MatchMode string

// Supported match modes.
const (
	// MatchExact matches keywords literally.
	MatchExact MatchMode = "exact"
	// MatchExpanded additionally matches externally supplied
	// synonym/morphological expansions of each keyword.
	MatchExpanded MatchMode = "expanded"
)

// Scope defines which candidate fields a filter's keywords are matched against.
type Scope string

// Supported text scopes.
const (
	ScopeTitle       Scope = "title"
	ScopeDescription Scope = "description"
	ScopeAll         Scope = "all"
)

// Filter represents one user's stored matching criteria.
type Filter struct {
	ID     int64
	UserID int64
	Name   string

	// Destinations are the delivery targets for notifications produced by
	// this filter. Empty means "deliver to the owner's default target".
	Destinations []string

	PrimaryKeywords   []string
	SecondaryKeywords []string
	ExcludeKeywords   []string
	// ExcludeEntities holds blacklisted counterparty identifiers.
	ExcludeEntities []string

	PriceMin *float64
	PriceMax *float64

	Regions    []string
	Categories []string

	Scopes    []Scope
	MatchMode MatchMode

	Active     bool
	ErrorCount int
	// DeletedAt is the soft-delete tombstone. A deleted filter is excluded
	// from evaluation but ledger rows may still reference it.
	DeletedAt *time.Time
	CreatedAt time.Time
}

// Deleted reports whether the filter has been soft-deleted.
func (f *Filter) Deleted() bool {
	return f.DeletedAt != nil
}

// Candidate is one procurement announcement being matched against filters.
// Identity is the announcement number; re-observation updates the mutable
// fields via upsert and never creates a second row.
type Candidate struct {
	Number       string
	Title        string
	Description  string
	Price        *float64
	Region       string
	Category     string
	Counterparty string
	Link         string
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
	Raw          string
}

// DeliveryStatus is the lifecycle state of a ledger entry.
type DeliveryStatus string

// Ledger entry states. Pending is the only non-terminal state.
const (
	StatusPending      DeliveryStatus = "pending"
	StatusDelivered    DeliveryStatus = "delivered"
	StatusFailed       DeliveryStatus = "failed"
	StatusSkippedQuota DeliveryStatus = "skipped_quota"
)

// Terminal reports whether the status is final.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusSkippedQuota
}

// LedgerEntry records one (user, announcement) delivery slot. The pair is
// unique in storage; creating the entry is the act of winning the slot.
type LedgerEntry struct {
	ID                 int64
	UserID             int64
	AnnouncementNumber string
	// FilterID is a weak reference: nil once the filter is removed.
	FilterID        *int64
	Score           int
	MatchedKeywords []string
	Status          DeliveryStatus
	AttemptCount    int
	CreatedAt       time.Time
	DeliveredAt     *time.Time
}

// QuotaCounter tracks per-user deliveries for one calendar day. MaxCount is
// resolved from the user's tier when the row is first created and is not
// re-resolved mid-day.
type QuotaCounter struct {
	UserID   int64
	Day      string
	Used     int
	MaxCount int
}

// DayLayout is the calendar-day key format used by quota counters.
const DayLayout = "2006-01-02"

// Day returns the UTC calendar-day key for t.
func Day(t time.Time) string {
	return t.UTC().Format(DayLayout)
}
