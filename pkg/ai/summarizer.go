package ai

import (
	"context"
	"fmt"

	"github.com/ctwatch/ctwatch/internal/utils"
)

const (
	summaryTemperature = 0.4
	summaryMaxTokens   = 400

	newRecordSystemPrompt = `You summarize newly registered clinical trials for a monitoring dashboard.
You receive only the trial's registry identifier and its title. Infer the
condition under study and the intervention from the title alone. Respond
with two or three plain sentences, no markdown, no preamble.`

	changesSystemPrompt = `You summarize changes between two versions of a clinical trial record.
You receive the trial identifier, its title, and a list of changed fields,
each with removed (old) and added (new) text. Report only substantive
changes: enrollment, recruitment status, phase, outcome measures,
eligibility criteria, locations, intervention or dosage, and study dates.
For every change you report, state both the old and the new value.
Ignore administrative fields and bare timestamp updates (record
verification dates, last-update stamps, contact rotations). Respond with
plain sentences, no markdown, no preamble.`
)

// Summarizer turns titles and sanitized diffs into short human-readable
// summaries. A nil Completer (no credential configured) or any API failure
// degrades to deterministic fallback text; a missing AI summary never
// aborts persistence of a record.
type Summarizer struct {
	Completer Completer
}

// SummarizeNew describes a freshly published record from its title.
// The second return reports degradation (fallback text used).
func (s *Summarizer) SummarizeNew(ctx context.Context, nctID, title string) (string, bool) {
	fallback := fmt.Sprintf("New trial registered: %q (%s). An automated summary is not available.", title, nctID)
	if s == nil || s.Completer == nil {
		return fallback, true
	}

	prompt := fmt.Sprintf("Trial %s was just registered.\nTitle: %s", nctID, title)
	out, err := s.Completer.Complete(ctx, prompt, CallOptions{
		System:      newRecordSystemPrompt,
		Temperature: summaryTemperature,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil || out == "" {
		utils.Log.Warnf("Summary for new record %s degraded to fallback: %v", nctID, err)
		return fallback, true
	}
	return out, false
}

// SummarizeChanges describes what changed between the two most recent
// versions, given the sanitized diff rendered as text.
func (s *Summarizer) SummarizeChanges(ctx context.Context, nctID, title, diffText string) (string, bool) {
	fallback := fmt.Sprintf("Trial %s was updated. An automated change summary is not available.", nctID)
	if s == nil || s.Completer == nil {
		return fallback, true
	}

	prompt := fmt.Sprintf("Trial %s (%s) changed between its two latest versions.\nChanged fields:\n%s", nctID, title, diffText)
	out, err := s.Completer.Complete(ctx, prompt, CallOptions{
		System:      changesSystemPrompt,
		Temperature: summaryTemperature,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil || out == "" {
		utils.Log.Warnf("Change summary for %s degraded to fallback: %v", nctID, err)
		return fallback, true
	}
	return out, false
}
