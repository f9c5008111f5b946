// Package versions determines the two most recent version numbers of a
// record from its rendered history page.
package versions

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/ctwatch/ctwatch/internal/utils"
	"github.com/ctwatch/ctwatch/pkg/ai"
	"github.com/ctwatch/ctwatch/pkg/render"
)

// Pair holds the two most recent version numbers of a record's history.
// Previous < Latest is expected from the registry's ordering but not
// validated here; an out-of-order history page yields whatever the last
// two plausible numbers are.
type Pair struct {
	Previous int
	Latest   int
}

const (
	extractTemperature = 0.0
	extractMaxTokens   = 30

	extractSystemPrompt = `You are given the visible text of a clinical trial record's version
history page. Identify the two most recent version numbers listed.
Respond with exactly two lines and nothing else:
PREVIOUS: <number>
LATEST: <number>`
)

var (
	strictPrevious = regexp.MustCompile(`(?m)^\s*PREVIOUS:\s*(\d+)\s*$`)
	strictLatest   = regexp.MustCompile(`(?m)^\s*LATEST:\s*(\d+)\s*$`)
	plausibleInt   = regexp.MustCompile(`\b(\d{1,3})\b`)
)

// Resolver extracts version pairs. A nil Completer means no summarization
// credential is configured and only the deterministic fallback runs.
type Resolver struct {
	Renderer  render.Renderer
	Completer ai.Completer
}

// Resolve renders the history page and returns the version pair, or
// ok=false when fewer than two plausible version numbers exist anywhere.
// It never returns a partial pair.
func (r *Resolver) Resolve(ctx context.Context, historyURL string) (Pair, bool, error) {
	text, err := r.Renderer.Text(ctx, historyURL)
	if err != nil {
		return Pair{}, false, fmt.Errorf("render history page: %w", err)
	}

	if r.Completer != nil {
		if pair, ok := r.resolveAssisted(ctx, text); ok {
			return pair, true, nil
		}
		utils.Log.Debugf("Assisted version extraction unusable for %s, falling back to scan", historyURL)
	}

	pair, ok := ScanForPair(text)
	return pair, ok, nil
}

// resolveAssisted asks the model for the pair under a strict two-line
// output contract and parses it strictly; anything else is rejected so the
// caller falls through to the deterministic scan.
func (r *Resolver) resolveAssisted(ctx context.Context, pageText string) (Pair, bool) {
	out, err := r.Completer.Complete(ctx, pageText, ai.CallOptions{
		System:      extractSystemPrompt,
		Temperature: extractTemperature,
		MaxTokens:   extractMaxTokens,
	})
	if err != nil {
		utils.Log.Warnf("Assisted version extraction failed: %v", err)
		return Pair{}, false
	}
	return ParseAssisted(out)
}

// ParseAssisted applies the strict PREVIOUS/LATEST contract to a model
// response.
func ParseAssisted(out string) (Pair, bool) {
	prevMatch := strictPrevious.FindStringSubmatch(out)
	latestMatch := strictLatest.FindStringSubmatch(out)
	if prevMatch == nil || latestMatch == nil {
		return Pair{}, false
	}
	prev, err1 := strconv.Atoi(prevMatch[1])
	latest, err2 := strconv.Atoi(latestMatch[1])
	if err1 != nil || err2 != nil || prev < 1 || latest < 1 {
		return Pair{}, false
	}
	return Pair{Previous: prev, Latest: latest}, true
}

// ScanForPair is the deliberately crude deterministic fallback: collect
// every integer between 1 and 999 in the text and take the last two as
// (previous, latest).
func ScanForPair(text string) (Pair, bool) {
	matches := plausibleInt.FindAllStringSubmatch(text, -1)
	var nums []int
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > 999 {
			continue
		}
		nums = append(nums, n)
	}
	if len(nums) < 2 {
		return Pair{}, false
	}
	return Pair{Previous: nums[len(nums)-2], Latest: nums[len(nums)-1]}, true
}
