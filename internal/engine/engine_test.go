package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tenderwatch/internal/expand"
	"tenderwatch/internal/feed"
	"tenderwatch/internal/model"
	"tenderwatch/internal/notify"
	"tenderwatch/internal/storage"
)

type fakeSource struct {
	batch   *feed.Batch
	err     error
	cursors []string
}

func (s *fakeSource) FetchSince(_ context.Context, cursor string) (*feed.Batch, error) {
	s.cursors = append(s.cursors, cursor)
	if s.err != nil {
		return nil, s.err
	}
	return s.batch, nil
}

type sentMessage struct {
	Destinations []string
	Msg          notify.Message
}

type fakeDeliverer struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (d *fakeDeliverer) Send(_ context.Context, destinations []string, msg notify.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, sentMessage{Destinations: destinations, Msg: msg})
	return nil
}

func (d *fakeDeliverer) deliveries() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentMessage(nil), d.sent...)
}

type fakeTiers struct {
	limit int
}

func (t *fakeTiers) LimitFor(context.Context, int64, string) (int, error) {
	return t.limit, nil
}

type healthEvent struct {
	FilterID    int64
	ErrorCount  int
	Deactivated bool
}

type fakeHealth struct {
	mu     sync.Mutex
	events []healthEvent
}

func (h *fakeHealth) ReportHealth(filterID int64, errorCount int, deactivated bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, healthEvent{filterID, errorCount, deactivated})
}

func (h *fakeHealth) reports() []healthEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]healthEvent(nil), h.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) storage.Storage {
	t.Helper()
	s, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr(v float64) *float64 { return &v }

func fastOpts() Options {
	return Options{
		Workers:       4,
		FetchRetry:    RetryPolicy{MaxAttempts: 2, BaseDelay: 1},
		DeliveryRetry: RetryPolicy{MaxAttempts: 2, BaseDelay: 1},
	}
}

func pumpFilter() model.Filter {
	return model.Filter{
		UserID:            42,
		Name:              "Насосы",
		Destinations:      []string{"555"},
		PrimaryKeywords:   []string{"насосы"},
		SecondaryKeywords: []string{"погружной"},
		MatchMode:         model.MatchExact,
		Active:            true,
	}
}

func pumpBatch() *feed.Batch {
	return &feed.Batch{
		Candidates: []model.Candidate{
			{
				Number: "TND-1",
				Title:  "Поставка погружных насосов",
				Price:  ptr(2000000),
				Link:   "https://example.org/tnd-1",
			},
		},
		Cursor: "2026-08-30T10:00:00Z",
	}
}

func TestRunCycleDelivers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	f := pumpFilter()
	if err := store.CreateFilter(ctx, &f); err != nil {
		t.Fatalf("create filter: %v", err)
	}

	source := &fakeSource{batch: pumpBatch()}
	deliverer := &fakeDeliverer{}
	eng := New(store, source, deliverer, &fakeTiers{limit: 10}, expand.None, nil, discardLogger(), fastOpts())

	if err := eng.RunCycle(ctx); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	sent := deliverer.deliveries()
	if len(sent) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sent))
	}
	if got := sent[0].Destinations; len(got) != 1 || got[0] != "555" {
		t.Errorf("wrong destinations: %v", got)
	}
	if sent[0].Msg.AnnouncementNumber != "TND-1" {
		t.Errorf("wrong announcement: %q", sent[0].Msg.AnnouncementNumber)
	}
	if sent[0].Msg.Score != 100 {
		t.Errorf("expected score 100, got %d", sent[0].Msg.Score)
	}

	status, err := store.LedgerStatus(ctx, 42, "TND-1")
	if err != nil {
		t.Fatalf("ledger status: %v", err)
	}
	if status != model.StatusDelivered {
		t.Errorf("expected delivered, got %s", status)
	}

	cursor, err := store.Cursor(ctx, "main")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor != "2026-08-30T10:00:00Z" {
		t.Errorf("cursor not advanced: %q", cursor)
	}

	if eng.State() != StateIdle {
		t.Errorf("expected idle after cycle, got %s", eng.State())
	}
}

func TestRunCycleIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	f := pumpFilter()
	if err := store.CreateFilter(ctx, &f); err != nil {
		t.Fatalf("create filter: %v", err)
	}

	source := &fakeSource{batch: pumpBatch()}
	deliverer := &fakeDeliverer{}
	eng := New(store, source, deliverer, &fakeTiers{limit: 10}, expand.None, nil, discardLogger(), fastOpts())

	// The feed keeps serving the same window; only the first pass delivers.
	for i := 0; i < 3; i++ {
		if err := eng.RunCycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	if sent := deliverer.deliveries(); len(sent) != 1 {
		t.Errorf("expected 1 delivery across repeated cycles, got %d", len(sent))
	}
}

func TestRunCycleQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	f := pumpFilter()
	if err := store.CreateFilter(ctx, &f); err != nil {
		t.Fatalf("create filter: %v", err)
	}

	batch := pumpBatch()
	batch.Candidates = append(batch.Candidates, model.Candidate{
		Number: "TND-2",
		Title:  "Погружной насос для скважины",
		Price:  ptr(900000),
	})

	source := &fakeSource{batch: batch}
	deliverer := &fakeDeliverer{}
	eng := New(store, source, deliverer, &fakeTiers{limit: 1}, expand.None, nil, discardLogger(), fastOpts())

	if err := eng.RunCycle(ctx); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	if sent := deliverer.deliveries(); len(sent) != 1 {
		t.Fatalf("expected 1 delivery under quota 1, got %d", len(sent))
	}

	first, _ := store.LedgerStatus(ctx, 42, "TND-1")
	second, _ := store.LedgerStatus(ctx, 42, "TND-2")
	if first != model.StatusDelivered {
		t.Errorf("first: expected delivered, got %s", first)
	}
	if second != model.StatusSkippedQuota {
		t.Errorf("second: expected skipped_quota, got %s", second)
	}

	// The skipped pair stays settled even with quota to spare next cycle.
	eng.tiers = &fakeTiers{limit: 10}
	if err := eng.RunCycle(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if sent := deliverer.deliveries(); len(sent) != 1 {
		t.Errorf("skipped entry was re-attempted: %d deliveries", len(sent))
	}
	second, _ = store.LedgerStatus(ctx, 42, "TND-2")
	if second != model.StatusSkippedQuota {
		t.Errorf("skipped entry changed status to %s", second)
	}
}

func TestRunCycleIsolatesBrokenFilter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	healthy := pumpFilter()
	if err := store.CreateFilter(ctx, &healthy); err != nil {
		t.Fatalf("create healthy: %v", err)
	}

	// A stored filter that no longer compiles, e.g. written by an older
	// release with a mode the current engine does not know.
	broken := model.Filter{
		UserID:          77,
		Name:            "битый",
		Destinations:    []string{"777"},
		PrimaryKeywords: []string{"насосы"},
		MatchMode:       model.MatchMode("fuzzy"),
		Active:          true,
	}
	if err := store.CreateFilter(ctx, &broken); err != nil {
		t.Fatalf("create broken: %v", err)
	}

	source := &fakeSource{batch: pumpBatch()}
	deliverer := &fakeDeliverer{}
	health := &fakeHealth{}
	eng := New(store, source, deliverer, &fakeTiers{limit: 10}, expand.None, health, discardLogger(), fastOpts())

	if err := eng.RunCycle(ctx); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	// The healthy filter delivered despite its broken neighbor.
	if sent := deliverer.deliveries(); len(sent) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sent))
	}

	got, err := store.GetFilter(ctx, broken.ID)
	if err != nil {
		t.Fatalf("get broken: %v", err)
	}
	if got.ErrorCount != 1 {
		t.Errorf("expected error count 1, got %d", got.ErrorCount)
	}
	if !got.Active {
		t.Error("broken filter deactivated before the threshold")
	}

	reports := health.reports()
	if len(reports) != 1 {
		t.Fatalf("expected 1 health report, got %d", len(reports))
	}
	want := healthEvent{FilterID: broken.ID, ErrorCount: 1, Deactivated: false}
	if reports[0] != want {
		t.Errorf("health report mismatch: got %+v, want %+v", reports[0], want)
	}
}

func TestRunCycleDeactivatesAtThreshold(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	broken := model.Filter{
		UserID:          77,
		PrimaryKeywords: []string{"насосы"},
		MatchMode:       model.MatchMode("fuzzy"),
		Active:          true,
	}
	if err := store.CreateFilter(ctx, &broken); err != nil {
		t.Fatalf("create broken: %v", err)
	}

	opts := fastOpts()
	opts.FilterErrorThreshold = 2
	source := &fakeSource{batch: pumpBatch()}
	health := &fakeHealth{}
	eng := New(store, source, &fakeDeliverer{}, &fakeTiers{limit: 10}, expand.None, health, discardLogger(), opts)

	for i := 0; i < 2; i++ {
		if err := eng.RunCycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	got, err := store.GetFilter(ctx, broken.ID)
	if err != nil {
		t.Fatalf("get broken: %v", err)
	}
	if got.Active {
		t.Error("expected filter deactivated at threshold")
	}
	if got.ErrorCount != 2 {
		t.Errorf("expected error count 2, got %d", got.ErrorCount)
	}

	reports := health.reports()
	if len(reports) != 2 {
		t.Fatalf("expected 2 health reports, got %d", len(reports))
	}
	if !reports[1].Deactivated {
		t.Error("final report should mark deactivation")
	}

	// Deactivated filters drop out of the next pass entirely.
	if err := eng.RunCycle(ctx); err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	if len(health.reports()) != 2 {
		t.Error("deactivated filter was evaluated again")
	}
}

func TestRunCycleDeliveryFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	f := pumpFilter()
	if err := store.CreateFilter(ctx, &f); err != nil {
		t.Fatalf("create filter: %v", err)
	}

	source := &fakeSource{batch: pumpBatch()}
	deliverer := &fakeDeliverer{err: &notify.RetriableError{Err: errors.New("telegram down")}}
	eng := New(store, source, deliverer, &fakeTiers{limit: 10}, expand.None, nil, discardLogger(), fastOpts())

	if err := eng.RunCycle(ctx); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	status, err := store.LedgerStatus(ctx, 42, "TND-1")
	if err != nil {
		t.Fatalf("ledger status: %v", err)
	}
	if status != model.StatusFailed {
		t.Errorf("expected failed, got %s", status)
	}

	entries, err := store.ListLedger(ctx, 42)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if entries[0].AttemptCount != 2 {
		t.Errorf("expected 2 delivery attempts recorded, got %d", entries[0].AttemptCount)
	}

	// Failed is terminal: recovery fixes the transport, not the entry.
	deliverer.err = nil
	if err := eng.RunCycle(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if sent := deliverer.deliveries(); len(sent) != 0 {
		t.Errorf("failed entry was re-attempted: %d deliveries", len(sent))
	}
}

func TestRunCycleFetchFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.SetCursor(ctx, "main", "2026-08-29T00:00:00Z"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	source := &fakeSource{err: &feed.FetchError{Err: errors.New("502 bad gateway")}}
	eng := New(store, source, &fakeDeliverer{}, &fakeTiers{limit: 10}, expand.None, nil, discardLogger(), fastOpts())

	if err := eng.RunCycle(ctx); err == nil {
		t.Fatal("expected cycle error on fetch failure")
	}

	// Bounded retries happened, then the cursor stayed put.
	if got := len(source.cursors); got != 2 {
		t.Errorf("expected 2 fetch attempts, got %d", got)
	}
	cursor, _ := store.Cursor(ctx, "main")
	if cursor != "2026-08-29T00:00:00Z" {
		t.Errorf("cursor moved on failed fetch: %q", cursor)
	}
	if eng.State() != StateIdle {
		t.Errorf("expected idle after failed cycle, got %s", eng.State())
	}
}

func TestRunCyclePermanentFetchErrorNotRetried(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	source := &fakeSource{err: errors.New("malformed feed url")}
	eng := New(store, source, &fakeDeliverer{}, &fakeTiers{limit: 10}, expand.None, nil, discardLogger(), fastOpts())

	if err := eng.RunCycle(ctx); err == nil {
		t.Fatal("expected cycle error")
	}
	if got := len(source.cursors); got != 1 {
		t.Errorf("permanent error retried: %d attempts", got)
	}
}

func TestRunCycleSkipsWhenLeaseHeld(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Another process owns the pipeline.
	ok, err := store.AcquireLease(ctx, "main", "other-process", 10*time.Minute)
	if err != nil || !ok {
		t.Fatalf("seed lease: ok=%v err=%v", ok, err)
	}

	source := &fakeSource{batch: pumpBatch()}
	eng := New(store, source, &fakeDeliverer{}, &fakeTiers{limit: 10}, expand.None, nil, discardLogger(), fastOpts())

	if err := eng.RunCycle(ctx); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if len(source.cursors) != 0 {
		t.Error("cycle ran despite a held lease")
	}
}

func TestForceQuotaReset(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	f := pumpFilter()
	if err := store.CreateFilter(ctx, &f); err != nil {
		t.Fatalf("create filter: %v", err)
	}

	source := &fakeSource{batch: pumpBatch()}
	deliverer := &fakeDeliverer{}
	eng := New(store, source, deliverer, &fakeTiers{limit: 1}, expand.None, nil, discardLogger(), fastOpts())

	if err := eng.RunCycle(ctx); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if err := eng.ForceQuotaReset(ctx, 42); err != nil {
		t.Fatalf("force reset: %v", err)
	}

	// A fresh announcement fits again today.
	source.batch = &feed.Batch{
		Candidates: []model.Candidate{{Number: "TND-9", Title: "Ещё насосы", Price: ptr(1)}},
		Cursor:     "2026-08-30T11:00:00Z",
	}
	if err := eng.RunCycle(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if sent := deliverer.deliveries(); len(sent) != 2 {
		t.Errorf("expected 2 deliveries after reset, got %d", len(sent))
	}
}
