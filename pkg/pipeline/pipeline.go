// Package pipeline orchestrates one bounded refresh invocation: feed
// fetch, idempotent change detection, per-entry version/diff/summary
// processing, and persistence with observable progress.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ctwatch/ctwatch/pkg/cancel"
	"github.com/ctwatch/ctwatch/pkg/diffs"
	"github.com/ctwatch/ctwatch/pkg/feed"
	"github.com/ctwatch/ctwatch/pkg/registry"
	"github.com/ctwatch/ctwatch/pkg/storage"
	"github.com/ctwatch/ctwatch/pkg/versions"
)

// Logger abstracts logging so callers can use logrus, stdlib log, or any
// other logger that satisfies this interface.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// errNoVersionPair aborts the entry it occurred on, never the batch.
var errNoVersionPair = errors.New("no version pair resolved after assisted and fallback extraction")

// nopLogger silently discards all messages.
type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// Store is what the orchestrator needs from the persistent store.
type Store interface {
	Exists(ctx context.Context, feedID, nctID string, updatedAt time.Time) (bool, error)
	InsertRecord(ctx context.Context, r storage.Record) error
	EnsureFeed(ctx context.Context, feedID, url string) error
	UpdateFeedStatus(ctx context.Context, feedID string, lastChecked *time.Time, statusJSON string) error
}

// FeedFetcher fetches and parses one feed URL.
type FeedFetcher interface {
	Fetch(ctx context.Context, feedURL string) ([]feed.Entry, error)
}

// VersionResolver finds the two most recent version numbers of a record.
type VersionResolver interface {
	Resolve(ctx context.Context, historyURL string) (versions.Pair, bool, error)
}

// DiffExtractor reduces a comparison page to its changed fields.
type DiffExtractor interface {
	Extract(ctx context.Context, comparisonURL string) (diffs.Result, error)
}

// Summarizer produces the human-readable summaries. Degradation is
// reported, never surfaced as an error.
type Summarizer interface {
	SummarizeNew(ctx context.Context, nctID, title string) (string, bool)
	SummarizeChanges(ctx context.Context, nctID, title, diffText string) (string, bool)
}

// SponsorLookup resolves a record's lead sponsor. Optional and never
// fatal.
type SponsorLookup interface {
	LeadSponsor(ctx context.Context, nctID string) (string, error)
}

// Refresh outcome states recorded in the final RefreshStatus.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// RefreshStatus is the per-feed progress snapshot written to the store
// after every persistence, so an external observer can poll mid-run.
type RefreshStatus struct {
	State          string     `json:"state"`
	TotalItems     int        `json:"totalItems"`
	ProcessedItems int        `json:"processedItems"`
	NewRecords     int        `json:"newRecords"`
	InProgress     bool       `json:"inProgress"`
	HasMore        bool       `json:"hasMore"`
	Remaining      int        `json:"remaining"`
	Error          string     `json:"error,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// Result is returned to the caller; when HasMore is set the caller is
// responsible for re-invoking Refresh to drain the rest.
type Result struct {
	State          string
	TotalItems     int
	ProcessedItems int
	NewRecords     int
	HasMore        bool
	Remaining      int
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Feed       FeedFetcher
	Resolver   VersionResolver
	Differ     DiffExtractor
	Summarizer Summarizer
	Sponsors   SponsorLookup // optional
	Store      Store
	Registry   *cancel.Registry // optional; enables external cancellation
	Log        Logger           // optional; nil = no logging

	Concurrency int           // entries in flight per batch; defaults to 3
	BatchCap    int           // max entries per invocation; defaults to 5
	Window      time.Duration // trailing freshness window; defaults to 14 days
	BatchPause  time.Duration // pause between sequential batches; defaults to 500ms, negative disables

	Now func() time.Time // test seam; defaults to time.Now
}

// Orchestrator drives the refresh state machine for one feed per call.
type Orchestrator struct {
	cfg Config
	log Logger
}

func New(cfg Config) *Orchestrator {
	if cfg.Log == nil {
		cfg.Log = nopLogger{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.BatchCap <= 0 {
		cfg.BatchCap = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 14 * 24 * time.Hour
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = 0
	} else if cfg.BatchPause == 0 {
		cfg.BatchPause = 500 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{cfg: cfg, log: cfg.Log}
}

// candidate is one unprocessed feed entry with its derived identifiers.
type candidate struct {
	entry feed.Entry
	nctID string
}

// Refresh runs one bounded invocation for the feed. A nil handle falls
// back to the configured registry; cancellation is cooperative and checked
// at every stage boundary.
func (o *Orchestrator) Refresh(ctx context.Context, feedID, feedURL string, handle *cancel.Handle) (*Result, error) {
	if handle == nil && o.cfg.Registry != nil {
		handle = o.cfg.Registry.Register(feedID)
		defer o.cfg.Registry.Unregister(feedID)
	}

	if err := o.ensureFeed(ctx, feedID, feedURL); err != nil {
		return nil, err
	}

	status := &RefreshStatus{State: StateRunning, InProgress: true}
	result := &Result{State: StateRunning}

	if err := handle.Check(); err != nil {
		return o.finalizeCancelled(ctx, feedID, status, result), cancel.ErrCancelled
	}

	o.writeStatus(ctx, feedID, nil, status)

	entries, err := o.cfg.Feed.Fetch(ctx, feedURL)
	if err != nil {
		return o.finalizeFailed(ctx, feedID, status, result, err), err
	}

	if err := handle.Check(); err != nil {
		return o.finalizeCancelled(ctx, feedID, status, result), cancel.ErrCancelled
	}

	unprocessed, err := o.filterUnprocessed(ctx, feedID, entries)
	if err != nil {
		return o.finalizeFailed(ctx, feedID, status, result, err), err
	}

	// Cap the slice to what fits one invocation's time budget and note
	// what still remains for a follow-up invocation.
	slice := unprocessed
	if len(slice) > o.cfg.BatchCap {
		slice = slice[:o.cfg.BatchCap]
	}
	result.TotalItems = len(slice)
	result.Remaining = len(unprocessed) - len(slice)
	result.HasMore = result.Remaining > 0
	status.TotalItems = result.TotalItems
	status.HasMore = result.HasMore
	status.Remaining = result.Remaining
	o.writeStatus(ctx, feedID, nil, status)

	o.log.Infof("Refreshing feed %s: %d unprocessed, targeting %d this run", feedID, len(unprocessed), len(slice))

	cancelled := false
	for start := 0; start < len(slice) && !cancelled; start += o.cfg.Concurrency {
		end := start + o.cfg.Concurrency
		if end > len(slice) {
			end = len(slice)
		}

		if start > 0 && o.cfg.BatchPause > 0 {
			// The pacing delay must not outlive a cancellation signal.
			pause := time.NewTimer(o.cfg.BatchPause)
			select {
			case <-pause.C:
			case <-handle.Done():
				pause.Stop()
			case <-ctx.Done():
				pause.Stop()
			}
		}

		if err := handle.Check(); err != nil {
			cancelled = true
			break
		}

		// Fan-out the batch together, await it together. Batches are
		// strictly sequential: the next one starts only after this one's
		// results are persisted.
		batch := slice[start:end]
		records := make([]*storage.Record, len(batch))
		var wg sync.WaitGroup
		for i, c := range batch {
			wg.Add(1)
			go func(i int, c candidate) {
				defer wg.Done()
				rec, err := o.processEntry(ctx, feedID, c)
				if err != nil {
					// One entry's failure never aborts its siblings.
					o.log.Warnf("Skipping %s: %v", c.nctID, err)
					return
				}
				records[i] = rec
			}(i, c)
		}
		wg.Wait()

		if err := handle.Check(); err != nil {
			cancelled = true
			break
		}

		for _, rec := range records {
			if err := handle.Check(); err != nil {
				cancelled = true
				break
			}
			result.ProcessedItems++
			status.ProcessedItems = result.ProcessedItems
			if rec == nil {
				o.writeStatus(ctx, feedID, nil, status)
				continue
			}
			if err := o.cfg.Store.InsertRecord(ctx, *rec); err != nil {
				o.log.Warnf("Could not persist %s: %v", rec.NCTID, err)
				o.writeStatus(ctx, feedID, nil, status)
				continue
			}
			result.NewRecords++
			status.NewRecords = result.NewRecords
			o.writeStatus(ctx, feedID, nil, status)
		}
	}

	if cancelled {
		return o.finalizeCancelled(ctx, feedID, status, result), cancel.ErrCancelled
	}
	return o.finalizeCompleted(ctx, feedID, status, result), nil
}

// filterUnprocessed applies the trailing freshness window and the store
// existence check. Entries without a usable identifier or update
// timestamp are dropped with a warning; they cannot be idempotently
// tracked.
func (o *Orchestrator) filterUnprocessed(ctx context.Context, feedID string, entries []feed.Entry) ([]candidate, error) {
	cutoff := o.cfg.Now().Add(-o.cfg.Window)

	var out []candidate
	for _, e := range entries {
		nctID := registry.IDFromLink(e.Link)
		if nctID == "" {
			o.log.Warnf("Dropping feed entry without an NCT id: %q", e.Link)
			continue
		}
		if e.Updated == nil {
			o.log.Warnf("Dropping %s: no usable update timestamp", nctID)
			continue
		}
		if e.Updated.Before(cutoff) {
			continue
		}
		exists, err := o.cfg.Store.Exists(ctx, feedID, nctID, *e.Updated)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		out = append(out, candidate{entry: e, nctID: nctID})
	}
	return out, nil
}

// processEntry runs the per-record stages. The sponsor lookup is started
// concurrently and joined before the record is returned for persistence.
func (o *Orchestrator) processEntry(ctx context.Context, feedID string, c candidate) (*storage.Record, error) {
	rec := &storage.Record{
		FeedID:     feedID,
		NCTID:      c.nctID,
		Title:      c.entry.Title,
		StudyURL:   registry.StudyURL(c.nctID),
		HistoryURL: registry.HistoryURL(c.nctID),
		IsNew:      c.entry.IsNew,
		UpdatedAt:  *c.entry.Updated,
		// Sentinel pair for records with no prior version.
		PreviousVersion: 1,
		LatestVersion:   1,
	}

	sponsorCh := make(chan string, 1)
	go func() {
		if o.cfg.Sponsors == nil {
			sponsorCh <- ""
			return
		}
		sponsor, err := o.cfg.Sponsors.LeadSponsor(ctx, c.nctID)
		if err != nil {
			o.log.Warnf("Sponsor lookup for %s failed: %v", c.nctID, err)
			sponsor = ""
		}
		sponsorCh <- sponsor
	}()

	if c.entry.IsNew {
		summary, degraded := o.cfg.Summarizer.SummarizeNew(ctx, c.nctID, c.entry.Title)
		if degraded {
			o.log.Debugf("Summary for %s used fallback text", c.nctID)
		}
		rec.Summary = summary
	} else {
		pair, ok, err := o.cfg.Resolver.Resolve(ctx, rec.HistoryURL)
		if err != nil {
			<-sponsorCh
			return nil, err
		}
		if !ok {
			<-sponsorCh
			o.log.Warnf("No version pair found for %s", c.nctID)
			return nil, errNoVersionPair
		}
		rec.PreviousVersion = pair.Previous
		rec.LatestVersion = pair.Latest
		rec.ComparisonURL = registry.ComparisonURL(c.nctID, pair)

		diffResult, err := o.cfg.Differ.Extract(ctx, rec.ComparisonURL)
		if err != nil {
			<-sponsorCh
			return nil, err
		}
		rec.DiffPayload = diffResult.RawHTML

		summary, degraded := o.cfg.Summarizer.SummarizeChanges(ctx, c.nctID, c.entry.Title, diffs.Format(diffResult.Fields))
		if degraded {
			o.log.Debugf("Change summary for %s used fallback text", c.nctID)
		}
		rec.Summary = summary
	}

	rec.Sponsor = <-sponsorCh
	return rec, nil
}

func (o *Orchestrator) ensureFeed(ctx context.Context, feedID, feedURL string) error {
	return o.cfg.Store.EnsureFeed(ctx, feedID, feedURL)
}

// writeStatus persists the current snapshot; failures are logged, never
// fatal, so progress reporting cannot take down a refresh.
func (o *Orchestrator) writeStatus(ctx context.Context, feedID string, lastChecked *time.Time, status *RefreshStatus) {
	raw, err := json.Marshal(status)
	if err != nil {
		o.log.Warnf("Could not marshal refresh status for %s: %v", feedID, err)
		return
	}
	if err := o.cfg.Store.UpdateFeedStatus(ctx, feedID, lastChecked, string(raw)); err != nil {
		o.log.Warnf("Could not write refresh status for %s: %v", feedID, err)
	}
}

func (o *Orchestrator) finalizeCompleted(ctx context.Context, feedID string, status *RefreshStatus, result *Result) *Result {
	now := o.cfg.Now().UTC()
	result.State = StateCompleted
	status.State = StateCompleted
	status.InProgress = false
	status.FinishedAt = &now
	o.writeStatus(ctx, feedID, &now, status)
	o.log.Infof("Feed %s refreshed: %d persisted, %d remaining", feedID, result.NewRecords, result.Remaining)
	return result
}

func (o *Orchestrator) finalizeFailed(ctx context.Context, feedID string, status *RefreshStatus, result *Result, cause error) *Result {
	now := o.cfg.Now().UTC()
	result.State = StateFailed
	status.State = StateFailed
	status.InProgress = false
	status.Error = cause.Error()
	status.FinishedAt = &now
	// A failed run still counts as checked; the feed was reachable enough
	// to attempt it and polling clients need a terminal state.
	o.writeStatus(ctx, feedID, &now, status)
	o.log.Errorf("Feed %s refresh failed: %v", feedID, cause)
	return result
}

// finalizeCancelled records the terminal state without touching the
// last-checked timestamp: the cancelling caller may be mutating the feed
// concurrently, and a cancelled run must not pretend it checked anything.
func (o *Orchestrator) finalizeCancelled(ctx context.Context, feedID string, status *RefreshStatus, result *Result) *Result {
	now := o.cfg.Now().UTC()
	result.State = StateCancelled
	status.State = StateCancelled
	status.InProgress = false
	status.Error = cancel.ErrCancelled.Error()
	status.FinishedAt = &now
	o.writeStatus(ctx, feedID, nil, status)
	o.log.Infof("Feed %s refresh cancelled after %d items", feedID, result.ProcessedItems)
	return result
}
