// Package diffs reduces a rendered two-version comparison page to the
// fields that actually changed.
package diffs

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ctwatch/ctwatch/internal/utils"
	"github.com/ctwatch/ctwatch/pkg/render"
)

// Fragment kinds. Cells without either marker are dropped entirely, which
// bounds the payload handed to the summarizer to rows that changed.
const (
	KindAdded   = "added"
	KindRemoved = "removed"
)

// NoChangesText is the explicit placeholder used when sanitization finds
// zero changed fields; the record is still processed, not skipped.
const NoChangesText = "No field-level changes detected between the two versions."

type Fragment struct {
	Kind string
	Text string
}

// Field is one named record attribute with its marked fragments. Every
// emitted Field carries at least one fragment.
type Field struct {
	Name      string
	Fragments []Fragment
}

// Result carries the sanitized fields plus the raw markup of the region
// they came from, which is persisted alongside the summary.
type Result struct {
	Fields  []Field
	RawHTML string
}

// Region selectors tried in priority order: the study-details section,
// then the comparison container, then the whole document.
var regionSelectors = []string{"#study-details", "#comparison-table"}

const (
	addedSelector   = "span.diff_add, ins"
	removedSelector = "span.diff_sub, del"
	markerSelector  = addedSelector + ", " + removedSelector
)

// Extractor renders comparison pages and sanitizes their markup.
type Extractor struct {
	Renderer render.Renderer
}

// Extract renders the comparison page for two versions and returns the
// reduced diff payload.
func (e *Extractor) Extract(ctx context.Context, comparisonURL string) (Result, error) {
	markup, err := e.Renderer.HTML(ctx, comparisonURL)
	if err != nil {
		return Result{}, fmt.Errorf("render comparison page: %w", err)
	}
	return Sanitize(markup)
}

// Sanitize locates the changed-fields region of comparison markup and
// walks its tabular structure, pairing each label cell with its value
// cells and keeping only cells containing add/remove markers.
func Sanitize(markup string) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return Result{}, fmt.Errorf("parse comparison markup: %w", err)
	}

	region := doc.Selection
	for _, sel := range regionSelectors {
		if found := doc.Find(sel); found.Length() > 0 {
			region = found.First()
			break
		}
	}

	rawHTML, err := goquery.OuterHtml(region)
	if err != nil {
		rawHTML = markup
	}

	var fields []Field
	region.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("th, td")
		if cells.Length() < 2 {
			return
		}
		label := strings.TrimSpace(cells.First().Text())
		if label == "" {
			return
		}

		cells.Slice(1, cells.Length()).Each(func(_ int, cell *goquery.Selection) {
			fragments := collectFragments(cell)
			if len(fragments) == 0 {
				return
			}
			fields = append(fields, Field{Name: label, Fragments: fragments})
		})
	})

	if len(fields) == 0 {
		utils.Log.Debugf("Comparison page sanitized to zero changed fields")
	}
	return Result{Fields: fields, RawHTML: rawHTML}, nil
}

func collectFragments(cell *goquery.Selection) []Fragment {
	var out []Fragment
	cell.Find(markerSelector).Each(func(_ int, marker *goquery.Selection) {
		text := strings.Join(strings.Fields(marker.Text()), " ")
		if text == "" {
			return
		}
		kind := KindRemoved
		if marker.Is(addedSelector) {
			kind = KindAdded
		}
		out = append(out, Fragment{Kind: kind, Text: text})
	})
	return out
}

// Format renders sanitized fields as the plain-text block handed to the
// summarizer; an empty diff renders the explicit no-changes placeholder.
func Format(fields []Field) string {
	if len(fields) == 0 {
		return NoChangesText
	}
	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, "%s:\n", f.Name)
		for _, frag := range f.Fragments {
			marker := "-"
			if frag.Kind == KindAdded {
				marker = "+"
			}
			fmt.Fprintf(&b, "  %s %s\n", marker, frag.Text)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
