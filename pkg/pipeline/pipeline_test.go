package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ctwatch/ctwatch/pkg/cancel"
	"github.com/ctwatch/ctwatch/pkg/diffs"
	"github.com/ctwatch/ctwatch/pkg/feed"
	"github.com/ctwatch/ctwatch/pkg/storage"
	"github.com/ctwatch/ctwatch/pkg/versions"
)

var testNow = time.Date(2024, 8, 10, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu          sync.Mutex
	records     []storage.Record
	statusLog   []string
	lastChecked *time.Time
	onInsert    func()
}

func (s *fakeStore) Exists(ctx context.Context, feedID, nctID string, updatedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.FeedID == feedID && r.NCTID == nctID && !r.UpdatedAt.Before(updatedAt) {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) InsertRecord(ctx context.Context, r storage.Record) error {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
	if s.onInsert != nil {
		s.onInsert()
	}
	return nil
}

func (s *fakeStore) EnsureFeed(ctx context.Context, feedID, url string) error { return nil }

func (s *fakeStore) UpdateFeedStatus(ctx context.Context, feedID string, lastChecked *time.Time, statusJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusLog = append(s.statusLog, statusJSON)
	if lastChecked != nil {
		s.lastChecked = lastChecked
	}
	return nil
}

func (s *fakeStore) recordByID(nctID string) *storage.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].NCTID == nctID {
			return &s.records[i]
		}
	}
	return nil
}

type fakeFeed struct {
	entries []feed.Entry
	err     error
}

func (f fakeFeed) Fetch(ctx context.Context, feedURL string) ([]feed.Entry, error) {
	return f.entries, f.err
}

type fakeResolver struct {
	pair versions.Pair
	ok   bool
	err  error
	fail map[string]bool // history URLs that error
}

func (r fakeResolver) Resolve(ctx context.Context, historyURL string) (versions.Pair, bool, error) {
	if r.fail[historyURL] {
		return versions.Pair{}, false, errors.New("render crashed")
	}
	return r.pair, r.ok, r.err
}

type fakeDiffer struct {
	result diffs.Result
	err    error
}

func (d fakeDiffer) Extract(ctx context.Context, comparisonURL string) (diffs.Result, error) {
	return d.result, d.err
}

type fakeSummarizer struct{}

func (fakeSummarizer) SummarizeNew(ctx context.Context, nctID, title string) (string, bool) {
	return fmt.Sprintf("New trial %s: %s", nctID, title), false
}

func (fakeSummarizer) SummarizeChanges(ctx context.Context, nctID, title, diffText string) (string, bool) {
	return fmt.Sprintf("Changes for %s: %s", nctID, diffText), false
}

type fakeSponsors struct{ name string }

func (f fakeSponsors) LeadSponsor(ctx context.Context, nctID string) (string, error) {
	return f.name, nil
}

func entryAt(nct string, title string, updated time.Time, isNew bool) feed.Entry {
	u := updated
	return feed.Entry{
		Title:   title,
		Link:    "https://clinicaltrials.gov/study/" + nct,
		Updated: &u,
		IsNew:   isNew,
	}
}

func testConfig(store *fakeStore, entries []feed.Entry) Config {
	return Config{
		Feed:     fakeFeed{entries: entries},
		Resolver: fakeResolver{pair: versions.Pair{Previous: 1, Latest: 2}, ok: true},
		Differ: fakeDiffer{result: diffs.Result{
			Fields: []diffs.Field{{
				Name: "Enrollment",
				Fragments: []diffs.Fragment{
					{Kind: diffs.KindRemoved, Text: "100"},
					{Kind: diffs.KindAdded, Text: "200"},
				},
			}},
			RawHTML: "<table>...</table>",
		}},
		Summarizer: fakeSummarizer{},
		Sponsors:   fakeSponsors{name: "Acme Pharma"},
		Store:      store,
		BatchPause: -1,
		Now:        func() time.Time { return testNow },
	}
}

func TestRefreshNewAndUpdatedEntries(t *testing.T) {
	store := &fakeStore{}
	entries := []feed.Entry{
		entryAt("NCT05551234", "Study of Drug X", testNow.Add(-time.Hour), true),
		entryAt("NCT04449999", "Trial of Compound Y", testNow.Add(-2*time.Hour), false),
	}
	o := New(testConfig(store, entries))

	res, err := o.Refresh(context.Background(), "melanoma-us", "https://clinicaltrials.gov/api/rss?term=melanoma", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s", res.State)
	}
	if res.NewRecords != 2 || res.ProcessedItems != 2 || res.HasMore {
		t.Fatalf("result = %+v", res)
	}

	newRec := store.recordByID("NCT05551234")
	if newRec == nil {
		t.Fatal("new record not persisted")
	}
	if !strings.Contains(newRec.Summary, "Drug X") {
		t.Fatalf("new summary = %q", newRec.Summary)
	}
	if newRec.PreviousVersion != 1 || newRec.LatestVersion != 1 {
		t.Fatalf("new record must carry the sentinel pair, got %d/%d", newRec.PreviousVersion, newRec.LatestVersion)
	}
	if newRec.Sponsor != "Acme Pharma" {
		t.Fatalf("sponsor = %q", newRec.Sponsor)
	}

	updRec := store.recordByID("NCT04449999")
	if updRec == nil {
		t.Fatal("updated record not persisted")
	}
	if !strings.Contains(updRec.Summary, "100") || !strings.Contains(updRec.Summary, "200") {
		t.Fatalf("change summary must mention both values, got %q", updRec.Summary)
	}
	if updRec.PreviousVersion != 1 || updRec.LatestVersion != 2 {
		t.Fatalf("versions = %d/%d", updRec.PreviousVersion, updRec.LatestVersion)
	}
	if !strings.Contains(updRec.ComparisonURL, "A=1") || !strings.Contains(updRec.ComparisonURL, "B=2") {
		t.Fatalf("comparison url = %q", updRec.ComparisonURL)
	}
	if updRec.DiffPayload == "" {
		t.Fatal("raw diff payload not persisted")
	}

	if store.lastChecked == nil {
		t.Fatal("completion must update the last-checked timestamp")
	}
}

func TestRefreshIsIdempotent(t *testing.T) {
	store := &fakeStore{}
	entries := []feed.Entry{
		entryAt("NCT05551234", "Study of Drug X", testNow.Add(-time.Hour), true),
		entryAt("NCT04449999", "Trial of Compound Y", testNow.Add(-2*time.Hour), false),
	}
	o := New(testConfig(store, entries))

	if _, err := o.Refresh(context.Background(), "f", "u", nil); err != nil {
		t.Fatal(err)
	}

	res, err := o.Refresh(context.Background(), "f", "u", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.NewRecords != 0 || res.TotalItems != 0 {
		t.Fatalf("second run on an unchanged feed persisted records: %+v", res)
	}
	if len(store.records) != 2 {
		t.Fatalf("records = %d", len(store.records))
	}
}

func TestRefreshContinuation(t *testing.T) {
	store := &fakeStore{}
	var entries []feed.Entry
	for i := 0; i < 7; i++ {
		entries = append(entries, entryAt(
			fmt.Sprintf("NCT0000000%d", i+1),
			fmt.Sprintf("Trial %d", i+1),
			testNow.Add(-time.Duration(i+1)*time.Hour),
			true,
		))
	}
	cfg := testConfig(store, entries)
	cfg.BatchCap = 3
	o := New(cfg)

	res, err := o.Refresh(context.Background(), "f", "u", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ProcessedItems != 3 || !res.HasMore || res.Remaining != 4 {
		t.Fatalf("first invocation = %+v", res)
	}

	res, err = o.Refresh(context.Background(), "f", "u", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ProcessedItems != 3 || !res.HasMore || res.Remaining != 1 {
		t.Fatalf("second invocation = %+v", res)
	}

	res, err = o.Refresh(context.Background(), "f", "u", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ProcessedItems != 1 || res.HasMore || res.Remaining != 0 {
		t.Fatalf("third invocation = %+v", res)
	}
	if len(store.records) != 7 {
		t.Fatalf("records = %d", len(store.records))
	}
}

func TestRefreshCancelledBeforeBatch(t *testing.T) {
	store := &fakeStore{}
	entries := []feed.Entry{entryAt("NCT05551234", "Study of Drug X", testNow.Add(-time.Hour), true)}
	cfg := testConfig(store, entries)
	reg := cancel.NewRegistry()
	cfg.Registry = reg
	o := New(cfg)

	handle := reg.Register("f")
	reg.Cancel("f")

	res, err := o.Refresh(context.Background(), "f", "u", handle)
	if !errors.Is(err, cancel.ErrCancelled) {
		t.Fatalf("err = %v", err)
	}
	if res.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled (not failed)", res.State)
	}
	if res.ProcessedItems != 0 {
		t.Fatalf("processed = %d", res.ProcessedItems)
	}
	if store.lastChecked != nil {
		t.Fatal("a cancelled run must not mark the feed as checked")
	}
	if len(store.statusLog) == 0 || !strings.Contains(store.statusLog[len(store.statusLog)-1], StateCancelled) {
		t.Fatalf("final status = %v", store.statusLog)
	}
}

func TestRefreshCancelCutsBatchPauseShort(t *testing.T) {
	store := &fakeStore{}
	entries := []feed.Entry{
		entryAt("NCT05551234", "Study of Drug X", testNow.Add(-time.Hour), true),
		entryAt("NCT05551235", "Study of Drug Y", testNow.Add(-2*time.Hour), true),
	}
	cfg := testConfig(store, entries)
	cfg.Concurrency = 1
	cfg.BatchPause = 10 * time.Second

	reg := cancel.NewRegistry()
	handle := reg.Register("f")
	// Cancel while the first batch persists, so the run hits the pacing
	// delay before the second batch with the signal already raised.
	store.onInsert = func() { reg.Cancel("f") }

	o := New(cfg)
	started := time.Now()
	res, err := o.Refresh(context.Background(), "f", "u", handle)
	if elapsed := time.Since(started); elapsed >= 5*time.Second {
		t.Fatalf("cancelled run slept through the pacing delay: %s", elapsed)
	}
	if !errors.Is(err, cancel.ErrCancelled) {
		t.Fatalf("err = %v", err)
	}
	if res.State != StateCancelled {
		t.Fatalf("state = %s", res.State)
	}
	if res.ProcessedItems != 1 || len(store.records) != 1 {
		t.Fatalf("processed = %d, persisted = %d", res.ProcessedItems, len(store.records))
	}
}

func TestRefreshEntryFailureIsIsolated(t *testing.T) {
	store := &fakeStore{}
	entries := []feed.Entry{
		entryAt("NCT00000001", "Broken render", testNow.Add(-time.Hour), false),
		entryAt("NCT00000002", "Healthy trial", testNow.Add(-2*time.Hour), false),
	}
	cfg := testConfig(store, entries)
	cfg.Resolver = fakeResolver{
		pair: versions.Pair{Previous: 1, Latest: 2},
		ok:   true,
		fail: map[string]bool{"https://classic.clinicaltrials.gov/ct2/history/NCT00000001": true},
	}
	o := New(cfg)

	res, err := o.Refresh(context.Background(), "f", "u", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s", res.State)
	}
	if res.NewRecords != 1 {
		t.Fatalf("persisted = %d", res.NewRecords)
	}
	if store.recordByID("NCT00000001") != nil {
		t.Fatal("failed entry must not be persisted")
	}
	if store.recordByID("NCT00000002") == nil {
		t.Fatal("sibling entry should have been persisted")
	}
}

func TestRefreshVersionAbsenceSkipsEntryOnly(t *testing.T) {
	store := &fakeStore{}
	entries := []feed.Entry{
		entryAt("NCT00000001", "No history yet", testNow.Add(-time.Hour), false),
		entryAt("NCT00000002", "Fresh record", testNow.Add(-2*time.Hour), true),
	}
	cfg := testConfig(store, entries)
	cfg.Resolver = fakeResolver{ok: false}
	o := New(cfg)

	res, err := o.Refresh(context.Background(), "f", "u", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.NewRecords != 1 {
		t.Fatalf("persisted = %d", res.NewRecords)
	}
	if store.recordByID("NCT00000001") != nil {
		t.Fatal("entry without a version pair must not be persisted")
	}
}

func TestRefreshWindowFilter(t *testing.T) {
	store := &fakeStore{}
	entries := []feed.Entry{
		entryAt("NCT00000001", "Stale", testNow.Add(-20*24*time.Hour), true),
		entryAt("NCT00000002", "Fresh", testNow.Add(-time.Hour), true),
	}
	o := New(testConfig(store, entries))

	res, err := o.Refresh(context.Background(), "f", "u", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalItems != 1 || res.NewRecords != 1 {
		t.Fatalf("result = %+v", res)
	}
	if store.recordByID("NCT00000001") != nil {
		t.Fatal("entry outside the trailing window must be skipped")
	}
}

func TestRefreshFeedFailure(t *testing.T) {
	store := &fakeStore{}
	cfg := testConfig(store, nil)
	cfg.Feed = fakeFeed{err: errors.New("connection reset")}
	o := New(cfg)

	res, err := o.Refresh(context.Background(), "f", "u", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if res.State != StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	// A genuine failure still records a terminal state and a check time.
	if store.lastChecked == nil {
		t.Fatal("failure should still update last-checked")
	}
	last := store.statusLog[len(store.statusLog)-1]
	if !strings.Contains(last, StateFailed) || !strings.Contains(last, "connection reset") {
		t.Fatalf("final status = %q", last)
	}
}

func TestRefreshStatusWrittenPerPersist(t *testing.T) {
	store := &fakeStore{}
	var entries []feed.Entry
	for i := 0; i < 3; i++ {
		entries = append(entries, entryAt(fmt.Sprintf("NCT0000000%d", i+1), "t", testNow.Add(-time.Hour), true))
	}
	o := New(testConfig(store, entries))

	if _, err := o.Refresh(context.Background(), "f", "u", nil); err != nil {
		t.Fatal(err)
	}

	// initial running + capped snapshot + one per persisted entry + final.
	if len(store.statusLog) < 5 {
		t.Fatalf("status writes = %d, want at least 5", len(store.statusLog))
	}
	sawIncrement := false
	for _, s := range store.statusLog {
		if strings.Contains(s, `"processedItems":1`) || strings.Contains(s, `"processedItems":2`) {
			sawIncrement = true
		}
	}
	if !sawIncrement {
		t.Fatal("progress should be observable mid-run")
	}
}
