package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"tenderwatch/internal/model"
	"tenderwatch/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// An in-memory database exists per connection; keep the pool at one.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateFilter inserts a new filter and populates its ID and CreatedAt.
func (s *SQLite) CreateFilter(ctx context.Context, f *model.Filter) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO filters (user_id, name, destinations, primary_keywords, secondary_keywords,
		                      exclude_keywords, exclude_entities, price_min, price_max,
		                      regions, categories, scopes, match_mode, active, error_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.UserID, f.Name,
		marshalStrings(f.Destinations),
		marshalStrings(f.PrimaryKeywords), marshalStrings(f.SecondaryKeywords),
		marshalStrings(f.ExcludeKeywords), marshalStrings(f.ExcludeEntities),
		f.PriceMin, f.PriceMax,
		marshalStrings(f.Regions), marshalStrings(f.Categories),
		marshalScopes(f.Scopes), string(f.MatchMode),
		boolToInt(f.Active), f.ErrorCount, now,
	)
	if err != nil {
		return fmt.Errorf("insert filter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	f.ID = id
	f.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

const filterColumns = `id, user_id, name, destinations, primary_keywords, secondary_keywords,
	exclude_keywords, exclude_entities, price_min, price_max,
	regions, categories, scopes, match_mode, active, error_count, deleted_at, created_at`

// GetFilter returns a single filter by its ID, including soft-deleted ones.
func (s *SQLite) GetFilter(ctx context.Context, id int64) (*model.Filter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+filterColumns+` FROM filters WHERE id = ?`, id,
	)
	f, err := scanFilter(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return f, err
}

// ActiveFilters returns all filters eligible for evaluation: active and not
// soft-deleted.
func (s *SQLite) ActiveFilters(ctx context.Context) ([]model.Filter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+filterColumns+` FROM filters
		 WHERE active = 1 AND deleted_at IS NULL ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query active filters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var filters []model.Filter
	for rows.Next() {
		f, err := scanFilter(rows)
		if err != nil {
			return nil, err
		}
		filters = append(filters, *f)
	}
	return filters, rows.Err()
}

// UpdateFilter persists changes to an existing filter.
func (s *SQLite) UpdateFilter(ctx context.Context, f *model.Filter) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE filters SET name = ?, destinations = ?, primary_keywords = ?, secondary_keywords = ?,
		        exclude_keywords = ?, exclude_entities = ?, price_min = ?, price_max = ?,
		        regions = ?, categories = ?, scopes = ?, match_mode = ?, active = ?, error_count = ?
		 WHERE id = ?`,
		f.Name, marshalStrings(f.Destinations),
		marshalStrings(f.PrimaryKeywords), marshalStrings(f.SecondaryKeywords),
		marshalStrings(f.ExcludeKeywords), marshalStrings(f.ExcludeEntities),
		f.PriceMin, f.PriceMax,
		marshalStrings(f.Regions), marshalStrings(f.Categories),
		marshalScopes(f.Scopes), string(f.MatchMode),
		boolToInt(f.Active), f.ErrorCount, f.ID,
	)
	if err != nil {
		return fmt.Errorf("update filter: %w", err)
	}
	return nil
}

// SoftDeleteFilter tombstones a filter. The row stays because ledger entries
// hold weak references to it.
func (s *SQLite) SoftDeleteFilter(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE filters SET deleted_at = ?, active = 0 WHERE id = ? AND deleted_at IS NULL`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("soft delete filter: %w", err)
	}
	return nil
}

// IncrementFilterError bumps a filter's consecutive failure counter and
// returns the new value.
func (s *SQLite) IncrementFilterError(ctx context.Context, id int64) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE filters SET error_count = error_count + 1 WHERE id = ?`, id,
	)
	if err != nil {
		return 0, fmt.Errorf("increment filter error: %w", err)
	}
	var count int
	err = s.db.QueryRowContext(ctx, `SELECT error_count FROM filters WHERE id = ?`, id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read filter error count: %w", err)
	}
	return count, nil
}

// ResetFilterError clears the consecutive failure counter after a clean
// evaluation.
func (s *SQLite) ResetFilterError(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE filters SET error_count = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("reset filter error: %w", err)
	}
	return nil
}

// DeactivateFilter turns a filter off without deleting it.
func (s *SQLite) DeactivateFilter(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE filters SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate filter: %w", err)
	}
	return nil
}

// UpsertCandidate inserts an announcement or refreshes its mutable fields.
// The announcement number is the immutable identity: re-observation never
// creates a second row and never touches first_seen_at.
func (s *SQLite) UpsertCandidate(ctx context.Context, c *model.Candidate) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO candidates (number, title, description, price, region, category,
		                         counterparty, link, first_seen_at, last_seen_at, raw)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(number) DO UPDATE SET
		     title = excluded.title,
		     description = excluded.description,
		     price = excluded.price,
		     region = excluded.region,
		     category = excluded.category,
		     counterparty = excluded.counterparty,
		     link = excluded.link,
		     last_seen_at = excluded.last_seen_at,
		     raw = excluded.raw`,
		c.Number, c.Title, c.Description, c.Price, c.Region, c.Category,
		c.Counterparty, c.Link, now, now, c.Raw,
	)
	if err != nil {
		return fmt.Errorf("upsert candidate: %w", err)
	}
	return nil
}

// GetCandidate returns a single announcement by its number.
func (s *SQLite) GetCandidate(ctx context.Context, number string) (*model.Candidate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT number, title, description, price, region, category, counterparty, link,
		        first_seen_at, last_seen_at, raw
		 FROM candidates WHERE number = ?`, number,
	)
	var c model.Candidate
	var price sql.NullFloat64
	var first, last string
	err := row.Scan(&c.Number, &c.Title, &c.Description, &price, &c.Region, &c.Category,
		&c.Counterparty, &c.Link, &first, &last, &c.Raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan candidate: %w", err)
	}
	if price.Valid {
		c.Price = &price.Float64
	}
	c.FirstSeenAt, _ = time.Parse(timeLayout, first)
	c.LastSeenAt, _ = time.Parse(timeLayout, last)
	return &c, nil
}

// Reserve claims the (user, announcement) delivery slot with an atomic
// insert-if-absent against the unique index. An application-level
// check-then-insert would let two concurrent passes both win; the index
// decides the race instead, and the loser simply gets reserved=false.
func (s *SQLite) Reserve(ctx context.Context, userID int64, number string, filterID int64, score int, matched []string) (int64, bool, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger (user_id, announcement_number, filter_id, score, matched_keywords, status, attempt_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT(user_id, announcement_number) DO NOTHING`,
		userID, number, filterID, score, marshalStrings(matched), string(model.StatusPending), now,
	)
	if err != nil {
		return 0, false, fmt.Errorf("reserve ledger slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("last insert id: %w", err)
	}
	return id, true, nil
}

// Finalize transitions a pending ledger entry to a terminal status.
// Terminal entries are immutable, so finalizing twice fails.
func (s *SQLite) Finalize(ctx context.Context, entryID int64, status model.DeliveryStatus, attempts int) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize entry %d: %q is not a terminal status", entryID, status)
	}
	var deliveredAt *string
	if status == model.StatusDelivered {
		v := time.Now().UTC().Format(timeLayout)
		deliveredAt = &v
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger SET status = ?, attempt_count = ?, delivered_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), attempts, deliveredAt, entryID, string(model.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("finalize ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finalize ledger entry %d: not pending", entryID)
	}
	return nil
}

// LedgerStatus returns the delivery status for a (user, announcement) pair.
func (s *SQLite) LedgerStatus(ctx context.Context, userID int64, number string) (model.DeliveryStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM ledger WHERE user_id = ? AND announcement_number = ?`,
		userID, number,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query ledger status: %w", err)
	}
	return model.DeliveryStatus(status), nil
}

// ListLedger returns all ledger entries for a user, oldest first.
func (s *SQLite) ListLedger(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, announcement_number, filter_id, score, matched_keywords,
		        status, attempt_count, created_at, delivered_at
		 FROM ledger WHERE user_id = ? ORDER BY id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var filterID sql.NullInt64
		var matched, created string
		var delivered sql.NullString
		var status string
		err := rows.Scan(&e.ID, &e.UserID, &e.AnnouncementNumber, &filterID, &e.Score,
			&matched, &status, &e.AttemptCount, &created, &delivered)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if filterID.Valid {
			e.FilterID = &filterID.Int64
		}
		e.MatchedKeywords = unmarshalStrings(matched)
		e.Status = model.DeliveryStatus(status)
		e.CreatedAt, _ = time.Parse(timeLayout, created)
		if delivered.Valid {
			t, _ := time.Parse(timeLayout, delivered.String)
			e.DeliveredAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SweepStalePending finalizes pending entries created before cutoff as
// failed. They stay in the ledger, keeping the (user, announcement) slot
// occupied, so a restart cannot re-deliver them.
func (s *SQLite) SweepStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger SET status = ? WHERE status = ? AND created_at < ?`,
		string(model.StatusFailed), string(model.StatusPending),
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep stale pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// ReconcileLedger collapses duplicate rows for the same (user, announcement)
// pair down to the newest one and restores the uniqueness index. Duplicates
// can only exist in databases that predate the index; the operation is
// idempotent and safe to re-run.
func (s *SQLite) ReconcileLedger(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM ledger WHERE id NOT IN (
		     SELECT MAX(id) FROM ledger GROUP BY user_id, announcement_number
		 )`,
	)
	if err != nil {
		return 0, fmt.Errorf("collapse duplicates: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_user_announcement
		     ON ledger (user_id, announcement_number)`,
	); err != nil {
		return 0, fmt.Errorf("restore unique index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// TryAdmit is the quota check-and-increment. The counter row is created
// lazily with the caller-resolved limit frozen in; the increment is a single
// conditional UPDATE, so concurrent admissions can never overshoot.
func (s *SQLite) TryAdmit(ctx context.Context, userID int64, day string, limit int) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO quota_counters (user_id, day, used, max_count) VALUES (?, ?, 0, ?)
		 ON CONFLICT(user_id, day) DO NOTHING`,
		userID, day, limit,
	); err != nil {
		return 0, false, fmt.Errorf("create quota counter: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE quota_counters SET used = used + 1
		 WHERE user_id = ? AND day = ? AND used < max_count`,
		userID, day,
	)
	if err != nil {
		return 0, false, fmt.Errorf("increment quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("rows affected: %w", err)
	}

	var used, maxCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT used, max_count FROM quota_counters WHERE user_id = ? AND day = ?`,
		userID, day,
	).Scan(&used, &maxCount); err != nil {
		return 0, false, fmt.Errorf("read quota counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit: %w", err)
	}
	return maxCount - used, n == 1, nil
}

// QuotaCounter returns the counter row for a (user, day) pair.
func (s *SQLite) QuotaCounter(ctx context.Context, userID int64, day string) (*model.QuotaCounter, error) {
	var c model.QuotaCounter
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, day, used, max_count FROM quota_counters WHERE user_id = ? AND day = ?`,
		userID, day,
	).Scan(&c.UserID, &c.Day, &c.Used, &c.MaxCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan quota counter: %w", err)
	}
	return &c, nil
}

// ForceQuotaReset drops a user's counter for the given day. Operator-only;
// the next admission recreates the row with a freshly resolved limit.
func (s *SQLite) ForceQuotaReset(ctx context.Context, userID int64, day string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM quota_counters WHERE user_id = ? AND day = ?`, userID, day,
	)
	if err != nil {
		return fmt.Errorf("force quota reset: %w", err)
	}
	return nil
}

// Cursor returns the stored feed cursor for the named pipeline, or "" when
// none has been recorded yet.
func (s *SQLite) Cursor(ctx context.Context, name string) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM engine_state WHERE name = ?`, name,
	).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query cursor: %w", err)
	}
	return cursor, nil
}

// SetCursor records the feed cursor for the named pipeline.
func (s *SQLite) SetCursor(ctx context.Context, name, value string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO engine_state (name, cursor, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		name, value, now,
	)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// AcquireLease grants the named lease when it is free, expired, or already
// held by the same holder (renewal). The conditional upsert makes the grant
// atomic across processes sharing the database.
func (s *SQLite) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE leases.expires_at <= ? OR leases.holder = excluded.holder`,
		name, holder, now.Add(ttl).Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease gives up the named lease if holder still owns it.
func (s *SQLite) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(values)
	return string(b)
}

func unmarshalStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	return values
}

func marshalScopes(scopes []model.Scope) string {
	values := make([]string, len(scopes))
	for i, s := range scopes {
		values[i] = string(s)
	}
	return marshalStrings(values)
}

func unmarshalScopes(raw string) []model.Scope {
	values := unmarshalStrings(raw)
	if len(values) == 0 {
		return nil
	}
	scopes := make([]model.Scope, len(values))
	for i, v := range values {
		scopes[i] = model.Scope(v)
	}
	return scopes
}

type scannable interface {
	Scan(dest ...any) error
}

func scanFilter(row scannable) (*model.Filter, error) {
	var f model.Filter
	var destinations, primary, secondary, exclKeywords, exclEntities string
	var regions, categories, scopes, matchMode, created string
	var priceMin, priceMax sql.NullFloat64
	var active int
	var deleted sql.NullString

	err := row.Scan(&f.ID, &f.UserID, &f.Name, &destinations, &primary, &secondary,
		&exclKeywords, &exclEntities, &priceMin, &priceMax,
		&regions, &categories, &scopes, &matchMode, &active, &f.ErrorCount,
		&deleted, &created)
	if err != nil {
		return nil, err
	}

	f.Destinations = unmarshalStrings(destinations)
	f.PrimaryKeywords = unmarshalStrings(primary)
	f.SecondaryKeywords = unmarshalStrings(secondary)
	f.ExcludeKeywords = unmarshalStrings(exclKeywords)
	f.ExcludeEntities = unmarshalStrings(exclEntities)
	if priceMin.Valid {
		f.PriceMin = &priceMin.Float64
	}
	if priceMax.Valid {
		f.PriceMax = &priceMax.Float64
	}
	f.Regions = unmarshalStrings(regions)
	f.Categories = unmarshalStrings(categories)
	f.Scopes = unmarshalScopes(scopes)
	f.MatchMode = model.MatchMode(matchMode)
	f.Active = active == 1
	if deleted.Valid {
		t, _ := time.Parse(timeLayout, deleted.String)
		f.DeletedAt = &t
	}
	f.CreatedAt, _ = time.Parse(timeLayout, created)
	return &f, nil
}
